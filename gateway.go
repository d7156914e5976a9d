package gridcredit

import (
	"context"
	"errors"
	"fmt"
)

// DefaultModels is the ordered model fallback list used when none is configured.
var DefaultModels = []string{"gemini-3-pro-image-preview", "gemini-2.5-flash-image"}

// GridRequest is one fixed-arity synthesis call.
type GridRequest struct {
	Prompts     []string
	Reference   Artifact
	Mode        DispatchMode
	Description string
	Style       string
}

// GridGenerator renders one composite artifact for GridArity prompts.
// *Gateway implements it; tests substitute fakes.
type GridGenerator interface {
	GenerateGrid(ctx context.Context, req GridRequest) (Artifact, error)
}

// Gateway wraps a provider call with credential rotation, retry and model fallback.
type Gateway struct {
	pool     *CredentialPool
	provider Provider
	models   []string
}

var _ GridGenerator = (*Gateway)(nil)

// GatewayOption configures a Gateway.
type GatewayOption func(*Gateway)

// WithModels sets the ordered model fallback list.
func WithModels(models ...string) GatewayOption {
	return func(g *Gateway) {
		if len(models) > 0 {
			g.models = models
		}
	}
}

// NewGateway creates a Gateway over pool and provider.
func NewGateway(pool *CredentialPool, provider Provider, opts ...GatewayOption) (*Gateway, error) {
	if pool == nil {
		return nil, fmt.Errorf("gridcredit: credential pool is required")
	}
	if provider == nil {
		return nil, fmt.Errorf("gridcredit: provider is required")
	}
	g := &Gateway{
		pool:     pool,
		provider: provider,
		models:   DefaultModels,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Pool returns the gateway's credential pool.
func (g *Gateway) Pool() *CredentialPool { return g.pool }

// GenerateGrid renders one composite for exactly GridArity prompts.
//
// Models are tried in order. A rate-limited failure stops the fallback since
// the next model shares the same credentials; any other failure falls through.
// The returned error is a *GatewayError matching ErrRateLimited,
// ErrCredentialPoolExhausted or ErrSynthesisFailed.
func (g *Gateway) GenerateGrid(ctx context.Context, req GridRequest) (Artifact, error) {
	if len(req.Prompts) != GridArity {
		return Artifact{}, fmt.Errorf("%w: grid needs %d prompts, got %d", ErrInvalidRequest, GridArity, len(req.Prompts))
	}
	if req.Reference.Empty() {
		return Artifact{}, fmt.Errorf("%w: reference image is required", ErrInvalidRequest)
	}
	mode := req.Mode
	if mode == "" {
		mode = ModeIndependent
	}

	var (
		lastErr   error
		lastModel string
		attempts  int
	)
	for _, model := range g.models {
		var out Artifact
		err := g.pool.Execute(ctx, func(ctx context.Context, cred Credential) error {
			attempts++
			resp, err := g.provider.GenerateGrid(ctx, ProviderRequest{
				Credential:  cred,
				Model:       model,
				Prompts:     req.Prompts,
				Reference:   req.Reference,
				Mode:        mode,
				Description: req.Description,
				Style:       req.Style,
			})
			if err != nil {
				return err
			}
			if resp.Image.Empty() {
				return &ProviderError{Message: "response contains no image"}
			}
			out = resp.Image
			return nil
		})
		if err == nil {
			return out, nil
		}
		lastErr, lastModel = err, model

		if Classify(err) == KindRateLimited || errors.Is(err, ErrCredentialPoolExhausted) {
			break
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			break
		}
	}

	sentinel := ErrSynthesisFailed
	switch {
	case Classify(lastErr) == KindRateLimited:
		sentinel = ErrRateLimited
	case errors.Is(lastErr, ErrCredentialPoolExhausted):
		sentinel = ErrCredentialPoolExhausted
	}
	return Artifact{}, &GatewayError{
		Err:      sentinel,
		Cause:    lastErr,
		Provider: g.provider.Name(),
		Model:    lastModel,
		Attempts: attempts,
	}
}
