package gridcredit_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	gc "github.com/ineyio/gridcredit"
)

func TestCode(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{fmt.Errorf("%w: bad body", gc.ErrInvalidRequest), "INVALID_REQUEST"},
		{&gc.CreditError{Err: gc.ErrQuotaExceeded, Message: "used up"}, "QUOTA_EXCEEDED"},
		{gc.ErrOrderExpired, "ORDER_EXPIRED"},
		{gc.ErrPaymentInvalid, "PAYMENT_INVALID"},
		{gc.ErrPaymentRequired, "PAYMENT_REQUIRED"},
		{gc.ErrIPDeviceLimit, "IP_DEVICE_LIMIT"},
		{&gc.GatewayError{Err: gc.ErrRateLimited, Cause: status(429)}, "RATE_LIMITED"},
		{&gc.GatewayError{Err: gc.ErrSynthesisFailed, Cause: status(400)}, "SYNTHESIS_FAILED"},
		{gc.ErrCredentialPoolExhausted, "CREDENTIAL_POOL_EXHAUSTED"},
		{gc.ErrNotFound, "NOT_FOUND"},
		{errors.New("boom"), "INTERNAL_ERROR"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, gc.Code(tt.err), "%v", tt.err)
	}
}

func TestMessage(t *testing.T) {
	assert.Equal(t, "used up", gc.Message(fmt.Errorf("wrap: %w", &gc.CreditError{Err: gc.ErrQuotaExceeded, Message: "used up"})))
	assert.Equal(t, "boom", gc.Message(errors.New("boom")))
	assert.Empty(t, gc.Message(nil))
}

func TestIsLedgerDenial(t *testing.T) {
	for _, err := range []error{gc.ErrQuotaExceeded, gc.ErrPaymentRequired, gc.ErrPaymentInvalid, gc.ErrOrderExpired, gc.ErrIPDeviceLimit} {
		assert.True(t, gc.IsLedgerDenial(fmt.Errorf("x: %w", err)), "%v", err)
	}
	for _, err := range []error{gc.ErrRateLimited, gc.ErrSynthesisFailed, gc.ErrCredentialPoolExhausted, errors.New("boom")} {
		assert.False(t, gc.IsLedgerDenial(err), "%v", err)
	}
}

func TestGatewayError_Unwrap(t *testing.T) {
	cause := status(503)
	err := &gc.GatewayError{Err: gc.ErrSynthesisFailed, Cause: cause, Provider: "gemini", Model: "m", Attempts: 3}

	assert.ErrorIs(t, err, gc.ErrSynthesisFailed)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "provider=gemini model=m attempts=3")

	bare := &gc.GatewayError{Err: gc.ErrSynthesisFailed}
	assert.ErrorIs(t, bare, gc.ErrSynthesisFailed)
}
