package gridcredit_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gc "github.com/ineyio/gridcredit"
)

func creds(n int) []gc.Credential {
	out := make([]gc.Credential, n)
	for i := range out {
		out[i] = gc.Credential{APIKey: "secret-" + string(rune('a'+i))}
	}
	return out
}

type sleepRecorder struct {
	waits []time.Duration
	err   error
}

func (s *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	s.waits = append(s.waits, d)
	return s.err
}

func newPool(t *testing.T, n int, opts ...gc.PoolOption) (*gc.CredentialPool, *sleepRecorder) {
	t.Helper()
	rec := &sleepRecorder{}
	opts = append([]gc.PoolOption{gc.WithBaseDelay(100 * time.Millisecond), gc.WithSleep(rec.sleep)}, opts...)
	p, err := gc.NewCredentialPool(creds(n), opts...)
	require.NoError(t, err)
	return p, rec
}

// script returns an op that fails with errs in order, then succeeds, and
// records the credential used for each call.
func script(used *[]string, errs ...error) func(context.Context, gc.Credential) error {
	i := 0
	return func(_ context.Context, c gc.Credential) error {
		*used = append(*used, c.ID)
		if i < len(errs) {
			err := errs[i]
			i++
			return err
		}
		return nil
	}
}

func status(code int) error { return &gc.ProviderError{Status: code, Message: "x"} }

func TestNewCredentialPool_Validation(t *testing.T) {
	_, err := gc.NewCredentialPool(nil)
	assert.Error(t, err)

	_, err = gc.NewCredentialPool([]gc.Credential{{ID: "a", APIKey: "1"}, {ID: "a", APIKey: "2"}})
	assert.Error(t, err)
}

func TestPool_RoundRobin(t *testing.T) {
	p, _ := newPool(t, 3)

	var ids []string
	for i := 0; i < 4; i++ {
		c, err := p.Next()
		require.NoError(t, err)
		ids = append(ids, c.ID)
	}
	assert.Equal(t, []string{"key-1", "key-2", "key-3", "key-1"}, ids)

	p.Disable("key-2")
	c, err := p.Next()
	require.NoError(t, err)
	assert.Equal(t, "key-3", c.ID)
	assert.Equal(t, 2, p.Enabled())

	p.Disable("key-1")
	p.Disable("key-3")
	_, err = p.Next()
	assert.ErrorIs(t, err, gc.ErrCredentialPoolExhausted)
}

func TestPool_Budget(t *testing.T) {
	p, _ := newPool(t, 3)
	assert.Equal(t, 3, p.Budget())

	p, _ = newPool(t, 1)
	assert.Equal(t, 2, p.Budget())

	p, _ = newPool(t, 4, gc.WithRetries(0))
	assert.Equal(t, 1, p.Budget())
}

func TestExecute_DelaysByKind(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		waits []time.Duration
	}{
		{"transient", status(503), []time.Duration{100 * time.Millisecond}},
		{"rate limited", status(429), []time.Duration{200 * time.Millisecond}},
		{"permission denied", status(403), nil},
		{"invalid credential", status(401), nil},
		{"transport", &gc.ProviderError{Err: errors.New("connection reset")}, []time.Duration{100 * time.Millisecond}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, rec := newPool(t, 3)

			var used []string
			err := p.Execute(context.Background(), script(&used, tt.err))
			require.NoError(t, err)
			assert.Equal(t, []string{"key-1", "key-2"}, used)
			assert.Equal(t, tt.waits, rec.waits)
		})
	}
}

func TestExecute_InvalidCredentialIsDisabled(t *testing.T) {
	p, _ := newPool(t, 2)

	var used []string
	require.NoError(t, p.Execute(context.Background(), script(&used, status(401))))
	assert.Equal(t, 1, p.Enabled())

	used = nil
	require.NoError(t, p.Execute(context.Background(), script(&used)))
	assert.Equal(t, []string{"key-2"}, used, "disabled key is skipped by later calls")
}

func TestExecute_FatalStopsImmediately(t *testing.T) {
	p, rec := newPool(t, 3)

	var used []string
	err := p.Execute(context.Background(), script(&used, status(400)))
	require.Error(t, err)
	assert.Equal(t, gc.KindFatal, gc.Classify(err))
	assert.Len(t, used, 1)
	assert.Empty(t, rec.waits)
}

func TestExecute_NoWaitAfterLastAttempt(t *testing.T) {
	p, rec := newPool(t, 3)

	var used []string
	err := p.Execute(context.Background(), script(&used, status(503), status(503), status(503), status(503)))
	require.Error(t, err)
	assert.Len(t, used, 3)
	assert.Len(t, rec.waits, 2)
	assert.NotErrorIs(t, err, gc.ErrCredentialPoolExhausted)
}

func TestExecute_AllDisabledIsExhausted(t *testing.T) {
	p, _ := newPool(t, 2, gc.WithRetries(5))

	var used []string
	err := p.Execute(context.Background(), script(&used, status(401), status(401)))
	require.ErrorIs(t, err, gc.ErrCredentialPoolExhausted)
	assert.Equal(t, gc.KindInvalidCredential, gc.Classify(err), "last provider error is kept")
	assert.Len(t, used, 2)

	err = p.Execute(context.Background(), script(&used))
	assert.ErrorIs(t, err, gc.ErrCredentialPoolExhausted)
}

func TestExecute_SingleAttemptDisablingLastKey(t *testing.T) {
	p, _ := newPool(t, 1, gc.WithRetries(0))

	var used []string
	err := p.Execute(context.Background(), script(&used, status(401)))
	assert.ErrorIs(t, err, gc.ErrCredentialPoolExhausted)
}

func TestExecute_CanceledDuringWait(t *testing.T) {
	p, rec := newPool(t, 3)
	rec.err = context.Canceled

	var used []string
	err := p.Execute(context.Background(), script(&used, status(503)))
	require.Error(t, err)
	assert.Equal(t, gc.KindTransient, gc.Classify(err))
	assert.Len(t, used, 1)
}

func TestExecute_EmitsAttemptEvents(t *testing.T) {
	m := &recordingMeter{}
	p, _ := newPool(t, 3, gc.WithPoolMeter(m))

	var used []string
	require.NoError(t, p.Execute(context.Background(), script(&used, status(401), status(429))))

	require.Len(t, m.attempts, 2)
	assert.Equal(t, "key-1", m.attempts[0].CredentialID)
	assert.True(t, m.attempts[0].Disabled)
	assert.Equal(t, gc.KindInvalidCredential, m.attempts[0].Kind)
	assert.Equal(t, 3, m.attempts[0].Budget)
	assert.Equal(t, gc.KindRateLimited, m.attempts[1].Kind)
	assert.Equal(t, 200*time.Millisecond, m.attempts[1].Wait)
}

func TestSnapshot_HidesSecrets(t *testing.T) {
	p, _ := newPool(t, 2)

	var used []string
	require.NoError(t, p.Execute(context.Background(), script(&used, status(401))))

	snap := p.Snapshot()
	require.Len(t, snap, 2)
	assert.False(t, snap[0].Enabled)
	assert.Equal(t, 1, snap[0].Failures)
	assert.Equal(t, "invalid_credential", snap[0].LastKind)
	assert.True(t, snap[1].Enabled)
	assert.Equal(t, 1, snap[1].Successes)

	b, err := json.Marshal(snap)
	require.NoError(t, err)
	assert.NotContains(t, string(b), "secret-")
}
