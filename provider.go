package gridcredit

import (
	"context"
	"errors"
	"fmt"
)

// Provider is the interface that image-synthesis adapters must implement.
type Provider interface {
	// Name returns the provider identifier (e.g. "gemini", "mock").
	Name() string

	// GenerateGrid renders one composite image covering exactly GridArity prompts.
	GenerateGrid(ctx context.Context, req ProviderRequest) (ProviderResponse, error)
}

// Credential is one opaque provider credential.
type Credential struct {
	ID     string `yaml:"id" json:"id"`
	APIKey string `yaml:"api_key" json:"-"`
}

// ProviderRequest is the request sent to a provider adapter.
type ProviderRequest struct {
	Credential Credential
	Model      string
	Prompts    []string
	Reference  Artifact
	Mode       DispatchMode

	// Description and Style are free-text hints. In ModeClone the provider is
	// told to prefer the reference over them when they conflict.
	Description string
	Style       string
}

// ProviderResponse is the response from a provider adapter.
type ProviderResponse struct {
	Image Artifact
	Model string
	Text  string
}

// ErrorKind is the closed set of outcomes the credential pool acts on.
type ErrorKind int

const (
	// KindFatal is not retried.
	KindFatal ErrorKind = iota
	// KindInvalidCredential disables the credential and retries immediately.
	KindInvalidCredential
	// KindPermissionDenied retries the next credential immediately.
	KindPermissionDenied
	// KindRateLimited retries the next credential after twice the base delay.
	KindRateLimited
	// KindTransient retries the next credential after the base delay.
	KindTransient
)

func (k ErrorKind) String() string {
	switch k {
	case KindInvalidCredential:
		return "invalid_credential"
	case KindPermissionDenied:
		return "permission_denied"
	case KindRateLimited:
		return "rate_limited"
	case KindTransient:
		return "transient"
	default:
		return "fatal"
	}
}

// ProviderError is returned by provider adapters for any failed call.
// Status is the HTTP status (0 for transport failures), Reason the provider's
// machine-readable error reason if any.
type ProviderError struct {
	Status  int
	Reason  string
	Message string
	Err     error
}

func (e *ProviderError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	switch {
	case e.Status != 0 && e.Reason != "":
		return fmt.Sprintf("provider error %d (%s): %s", e.Status, e.Reason, msg)
	case e.Status != 0:
		return fmt.Sprintf("provider error %d: %s", e.Status, msg)
	default:
		return fmt.Sprintf("provider error: %s", msg)
	}
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Kind classifies the error.
func (e *ProviderError) Kind() ErrorKind {
	switch e.Reason {
	case "API_KEY_INVALID", "API_KEY_EXPIRED":
		return KindInvalidCredential
	}
	if e.Status == 0 {
		if e.Err != nil && !errors.Is(e.Err, context.Canceled) && !errors.Is(e.Err, context.DeadlineExceeded) {
			return KindTransient
		}
		return KindFatal
	}
	return ClassifyStatus(e.Status)
}

// ClassifyStatus maps an HTTP status code to an ErrorKind.
func ClassifyStatus(status int) ErrorKind {
	switch status {
	case 401:
		return KindInvalidCredential
	case 403:
		return KindPermissionDenied
	case 429:
		return KindRateLimited
	case 500, 502, 503, 504:
		return KindTransient
	default:
		return KindFatal
	}
}

// Classify maps any error into an ErrorKind. Errors that do not carry a
// *ProviderError are fatal, as are context cancellation and deadline errors.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindFatal
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindFatal
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Kind()
	}
	return KindFatal
}
