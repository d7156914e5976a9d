package gridcredit_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	gc "github.com/ineyio/gridcredit"
)

func TestIdentity_UserID(t *testing.T) {
	tests := []struct {
		id     gc.Identity
		userID string
	}{
		{gc.Identity{IP: "203.0.113.7", DeviceID: "device-1"}, "203.0.113.7_device-1"},
		{gc.Identity{IP: "2001:db8::1", DeviceID: "phone"}, "2001:db8::1_phone"},
		{gc.Identity{IP: "203.0.113.7", DeviceID: "my_device_id"}, "203.0.113.7_my_device_id"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.userID, tt.id.UserID())
		assert.Equal(t, tt.id, gc.ParseUserID(tt.userID))
	}
}

func TestFreeQuotaRecord_Remaining(t *testing.T) {
	assert.Equal(t, 2, gc.FreeQuotaRecord{Used: 1, Limit: 3}.Remaining())
	assert.Equal(t, 0, gc.FreeQuotaRecord{Used: 3, Limit: 3}.Remaining())
	assert.Equal(t, 0, gc.FreeQuotaRecord{Used: 5, Limit: 3}.Remaining())
}
