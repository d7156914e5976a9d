package meter_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ineyio/gridcredit"
	"github.com/ineyio/gridcredit/meter"
)

func lines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		out = append(out, m)
	}
	return out
}

func TestLogMeter_Levels(t *testing.T) {
	var buf bytes.Buffer
	m := meter.NewLogMeter(zerolog.New(&buf).Level(zerolog.DebugLevel))

	m.OnAttempt(gridcredit.AttemptEvent{CredentialID: "key-1", Attempt: 1, Budget: 3, Kind: gridcredit.KindRateLimited, Wait: 2 * time.Second})
	m.OnAttempt(gridcredit.AttemptEvent{CredentialID: "key-2", Attempt: 2, Budget: 3, Kind: gridcredit.KindFatal})
	m.OnGroup(gridcredit.GroupEvent{Index: 0, Mode: gridcredit.ModeIndependent, Items: 4})
	m.OnGroup(gridcredit.GroupEvent{Index: 1, Mode: gridcredit.ModeClone, Error: errors.New("boom"), Refunded: true})
	m.OnGroup(gridcredit.GroupEvent{Index: 2, Error: errors.New("boom"), RefundError: errors.New("store down")})
	m.OnCredit(gridcredit.CreditEvent{Op: "consume", Source: gridcredit.SourceFree, UserID: "u", OK: true, Value: 1})
	m.OnCredit(gridcredit.CreditEvent{Op: "consume", Source: gridcredit.SourceFree, UserID: "u"})

	got := lines(t, &buf)
	require.Len(t, got, 7)

	levels := make([]string, len(got))
	for i, l := range got {
		levels[i] = l["level"].(string)
		assert.Equal(t, "meter", l["component"])
	}
	assert.Equal(t, []string{"warn", "error", "info", "warn", "error", "debug", "info"}, levels)

	assert.Equal(t, "key-1", got[0]["credential"])
	assert.Equal(t, "rate_limited", got[0]["kind"])
	assert.Equal(t, "clone", got[3]["mode"])
	assert.Equal(t, true, got[3]["refunded"])
	assert.Equal(t, "store down", got[4]["refund_error"])
}

func TestNoopMeter(t *testing.T) {
	var m gridcredit.Meter = &meter.NoopMeter{}
	m.OnAttempt(gridcredit.AttemptEvent{})
	m.OnGroup(gridcredit.GroupEvent{})
	m.OnCredit(gridcredit.CreditEvent{})
}
