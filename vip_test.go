package gridcredit_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gc "github.com/ineyio/gridcredit"
)

func TestParseVIPList(t *testing.T) {
	raw := "device-1:10, 203.0.113.9:5;2001:db8::1:7\n" +
		"# whole line comment\n" +
		"203.0.113.7_device-2:8 # inline comment，device-3:4\n" +
		"broken\n" +
		"zero:0\n" +
		"text:lots"

	list, warnings := gc.ParseVIPList(raw)
	assert.Equal(t, 5, list.Len())
	assert.Len(t, warnings, 3)

	q, by, ok := list.Resolve("2001:db8::1_phone")
	require.True(t, ok)
	assert.Equal(t, 7, q)
	assert.Equal(t, gc.VIPByIP, by)
}

func TestParseVIPList_Empty(t *testing.T) {
	list, warnings := gc.ParseVIPList("  ")
	assert.Zero(t, list.Len())
	assert.Empty(t, warnings)

	_, _, ok := list.Resolve(user)
	assert.False(t, ok)
}

func TestParseVIPList_NothingValid(t *testing.T) {
	list, warnings := gc.ParseVIPList("abc,def:")
	assert.Zero(t, list.Len())
	require.Len(t, warnings, 3)
	assert.Contains(t, warnings[2], "no valid entries")
}

func TestVIPList_ResolveOrder(t *testing.T) {
	list, warnings := gc.ParseVIPList("device-1:10,203.0.113.7:5,198.51.100.1_device-9:8")
	require.Empty(t, warnings)

	tests := []struct {
		userID string
		quota  int
		by     gc.VIPMatch
		ok     bool
	}{
		{"203.0.113.7_device-1", 10, gc.VIPByDevice, true},
		{"203.0.113.7_device-2", 5, gc.VIPByIP, true},
		{"198.51.100.1_device-9", 8, gc.VIPByUser, true},
		{"198.51.100.1_device-8", 0, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.userID, func(t *testing.T) {
			q, by, ok := list.Resolve(tt.userID)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.quota, q)
			assert.Equal(t, tt.by, by)
		})
	}
}
