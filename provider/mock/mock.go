package mock

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"sync"
	"sync/atomic"
	"time"

	"github.com/disintegration/imaging"

	"github.com/ineyio/gridcredit"
)

// CellSize is the side length in pixels of each cell in a rendered grid.
const CellSize = 16

// Provider is a mock image provider for testing. By default every call renders
// a 2x2 PNG whose cells have distinct colors.
type Provider struct {
	name         string
	latency      time.Duration
	staticErr    error
	script       []error
	responseFunc func(gridcredit.ProviderRequest) (gridcredit.ProviderResponse, error)
	callCount    atomic.Int64

	mu       sync.Mutex
	requests []gridcredit.ProviderRequest
}

var _ gridcredit.Provider = (*Provider)(nil)

// Option configures a mock Provider.
type Option func(*Provider)

// New creates a mock provider with the given options.
func New(opts ...Option) *Provider {
	p := &Provider{name: "mock"}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WithName sets the provider name.
func WithName(name string) Option {
	return func(p *Provider) { p.name = name }
}

// WithLatency adds simulated latency to each call.
func WithLatency(d time.Duration) Option {
	return func(p *Provider) { p.latency = d }
}

// WithError makes the provider always return this error.
func WithError(err error) Option {
	return func(p *Provider) { p.staticErr = err }
}

// WithScript sets per-call outcomes: the Nth call returns errs[N-1], where a nil
// entry means success. Calls past the end of the script succeed.
func WithScript(errs ...error) Option {
	return func(p *Provider) { p.script = errs }
}

// WithResponseFunc sets a custom response function.
func WithResponseFunc(fn func(gridcredit.ProviderRequest) (gridcredit.ProviderResponse, error)) Option {
	return func(p *Provider) { p.responseFunc = fn }
}

func (p *Provider) Name() string { return p.name }

func (p *Provider) GenerateGrid(ctx context.Context, req gridcredit.ProviderRequest) (gridcredit.ProviderResponse, error) {
	if p.latency > 0 {
		select {
		case <-time.After(p.latency):
		case <-ctx.Done():
			return gridcredit.ProviderResponse{}, &gridcredit.ProviderError{Err: ctx.Err()}
		}
	}

	count := p.callCount.Add(1)
	p.mu.Lock()
	p.requests = append(p.requests, req)
	p.mu.Unlock()

	if p.staticErr != nil {
		return gridcredit.ProviderResponse{}, p.staticErr
	}
	if int(count) <= len(p.script) {
		if err := p.script[count-1]; err != nil {
			return gridcredit.ProviderResponse{}, err
		}
	}
	if p.responseFunc != nil {
		return p.responseFunc(req)
	}

	img, err := RenderGrid(int(count))
	if err != nil {
		return gridcredit.ProviderResponse{}, err
	}
	return gridcredit.ProviderResponse{Image: img, Model: req.Model}, nil
}

// CallCount returns the number of calls made to the provider.
func (p *Provider) CallCount() int64 { return p.callCount.Load() }

// Requests returns a copy of every request received so far.
func (p *Provider) Requests() []gridcredit.ProviderRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]gridcredit.ProviderRequest(nil), p.requests...)
}

// RenderGrid draws a PNG 2x2 grid of solid cells. Cell colors are derived
// from seed so consecutive grids differ.
func RenderGrid(seed int) (gridcredit.Artifact, error) {
	grid := imaging.New(2*CellSize, 2*CellSize, color.White)
	for i := 0; i < gridcredit.GridArity; i++ {
		cell := imaging.New(CellSize, CellSize, CellColor(seed, i))
		grid = imaging.Paste(grid, cell, image.Pt((i%2)*CellSize, (i/2)*CellSize))
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, grid, imaging.PNG); err != nil {
		return gridcredit.Artifact{}, err
	}
	return gridcredit.Artifact{MIMEType: "image/png", Data: buf.Bytes()}, nil
}

// CellColor returns the fill of cell i in the grid rendered for seed.
func CellColor(seed, cell int) color.NRGBA {
	return color.NRGBA{
		R: uint8(40 + 50*cell),
		G: uint8(20 * (seed % 10)),
		B: uint8(200 - 40*cell),
		A: 255,
	}
}
