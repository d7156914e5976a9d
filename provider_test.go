package gridcredit_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	gc "github.com/ineyio/gridcredit"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want gc.ErrorKind
	}{
		{"nil", nil, gc.KindFatal},
		{"401", status(401), gc.KindInvalidCredential},
		{"key invalid reason", &gc.ProviderError{Status: 400, Reason: "API_KEY_INVALID"}, gc.KindInvalidCredential},
		{"key expired reason", &gc.ProviderError{Status: 400, Reason: "API_KEY_EXPIRED"}, gc.KindInvalidCredential},
		{"403", status(403), gc.KindPermissionDenied},
		{"429", status(429), gc.KindRateLimited},
		{"500", status(500), gc.KindTransient},
		{"502", status(502), gc.KindTransient},
		{"503", status(503), gc.KindTransient},
		{"504", status(504), gc.KindTransient},
		{"400", status(400), gc.KindFatal},
		{"404", status(404), gc.KindFatal},
		{"transport", &gc.ProviderError{Err: errors.New("dial tcp: refused")}, gc.KindTransient},
		{"transport canceled", &gc.ProviderError{Err: context.Canceled}, gc.KindFatal},
		{"deadline", context.DeadlineExceeded, gc.KindFatal},
		{"plain error", errors.New("boom"), gc.KindFatal},
		{"wrapped", fmt.Errorf("call: %w", status(429)), gc.KindRateLimited},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, gc.Classify(tt.err))
		})
	}
}

func TestErrorKind_String(t *testing.T) {
	assert.Equal(t, "fatal", gc.KindFatal.String())
	assert.Equal(t, "invalid_credential", gc.KindInvalidCredential.String())
	assert.Equal(t, "permission_denied", gc.KindPermissionDenied.String())
	assert.Equal(t, "rate_limited", gc.KindRateLimited.String())
	assert.Equal(t, "transient", gc.KindTransient.String())
}

func TestProviderError_Message(t *testing.T) {
	assert.Equal(t, "provider error 400 (API_KEY_INVALID): bad key",
		(&gc.ProviderError{Status: 400, Reason: "API_KEY_INVALID", Message: "bad key"}).Error())
	assert.Equal(t, "provider error 503: overloaded",
		(&gc.ProviderError{Status: 503, Message: "overloaded"}).Error())
	assert.Equal(t, "provider error: reset",
		(&gc.ProviderError{Err: errors.New("reset")}).Error())
}
