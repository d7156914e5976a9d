package gridcredit

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const (
	DefaultGroupPacing  = 4 * time.Second
	DefaultGroupTimeout = 3 * time.Minute
)

// Slicer cuts a composite grid artifact into its GridArity cells, in prompt order.
type Slicer interface {
	Slice(composite Artifact) ([]Artifact, error)
}

// BatchRequest is the input to one orchestrated run.
type BatchRequest struct {
	Items     []WorkItem
	Reference Artifact
	// Anchor, when set, puts every group in clone mode against it from the start.
	Anchor      *Artifact
	Description string
	Style       string
}

// ItemStatus is the outcome of one work item.
type ItemStatus string

const (
	ItemSucceeded ItemStatus = "succeeded"
	ItemFailed    ItemStatus = "failed"
	ItemSkipped   ItemStatus = "skipped"
)

// ItemResult is the outcome of one work item, in input order.
type ItemResult struct {
	Item   WorkItem
	Group  int
	Status ItemStatus
	Image  Artifact
	Err    error
}

// GroupResult is the outcome of one dispatched group.
type GroupResult struct {
	Index     int
	Items     []WorkItem
	Mode      DispatchMode
	Reference Artifact
	Composite Artifact
	Duration  time.Duration
	Err       error
	Refunded  bool
	RefundErr error

	cells []Artifact
}

// BatchResult is the outcome of a run. Groups lists only dispatched groups.
type BatchResult struct {
	Items       []ItemResult
	Groups      []GroupResult
	Anchor      Artifact
	RateLimited bool
	Canceled    bool
}

// Succeeded returns the number of succeeded items.
func (r BatchResult) Succeeded() int {
	n := 0
	for _, it := range r.Items {
		if it.Status == ItemSucceeded {
			n++
		}
	}
	return n
}

// Orchestrator drives a list of work items through a GridGenerator one group
// at a time, chaining the first group's composite as the anchor for the rest
// and reconciling one credit per group.
type Orchestrator struct {
	gen          GridGenerator
	slicer       Slicer
	pacing       time.Duration
	groupTimeout time.Duration
	sleep        func(ctx context.Context, d time.Duration) error
	meter        Meter
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithSlicer sets the post-processor that cuts composites into cells.
// Without one every item receives the whole composite.
func WithSlicer(s Slicer) OrchestratorOption {
	return func(o *Orchestrator) { o.slicer = s }
}

// WithPacing sets the delay between groups (default 4s).
func WithPacing(d time.Duration) OrchestratorOption {
	return func(o *Orchestrator) { o.pacing = d }
}

// WithGroupTimeout bounds one group's dispatch (default 3m). Zero disables it.
func WithGroupTimeout(d time.Duration) OrchestratorOption {
	return func(o *Orchestrator) { o.groupTimeout = d }
}

// WithPacingSleep replaces the context-aware sleep used for pacing.
func WithPacingSleep(fn func(ctx context.Context, d time.Duration) error) OrchestratorOption {
	return func(o *Orchestrator) { o.sleep = fn }
}

// WithOrchestratorMeter sets the meter that receives group events.
func WithOrchestratorMeter(m Meter) OrchestratorOption {
	return func(o *Orchestrator) { o.meter = m }
}

// NewOrchestrator creates an Orchestrator over gen.
func NewOrchestrator(gen GridGenerator, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		gen:          gen,
		pacing:       DefaultGroupPacing,
		groupTimeout: DefaultGroupTimeout,
		sleep:        sleepContext,
		meter:        noopMeter{},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run processes req, consuming one unit of credit before each group and
// refunding it if the group fails.
//
// A ledger denial from credit stops the run and is returned. A rate-limited
// group stops the run and its error is returned with RateLimited set. Other
// group failures mark that group's items failed and the run continues.
// Cancellation of ctx is observed between groups and during pacing; a group
// already dispatched runs to completion and is reconciled.
//
// The returned BatchResult is always populated, also alongside an error.
func (o *Orchestrator) Run(ctx context.Context, req BatchRequest, credit Credit) (BatchResult, error) {
	if len(req.Items) == 0 {
		return BatchResult{}, fmt.Errorf("%w: at least one work item is required", ErrInvalidRequest)
	}
	if req.Reference.Empty() {
		return BatchResult{}, fmt.Errorf("%w: reference image is required", ErrInvalidRequest)
	}
	if credit == nil {
		return BatchResult{}, fmt.Errorf("%w: credit is required", ErrInvalidRequest)
	}

	groups := Chunk(req.Items, GridArity)
	res := BatchResult{Items: make([]ItemResult, 0, len(req.Items))}
	for _, g := range groups {
		for _, it := range g.Items {
			res.Items = append(res.Items, ItemResult{Item: it, Group: g.Index, Status: ItemSkipped})
		}
	}

	var anchor Artifact
	if req.Anchor != nil && !req.Anchor.Empty() {
		anchor = *req.Anchor
		res.Anchor = anchor
	}

	for i, g := range groups {
		if err := ctx.Err(); err != nil {
			res.Canceled = true
			return res, err
		}
		if err := credit.Consume(ctx); err != nil {
			return res, err
		}

		gr := o.dispatch(ctx, g, req, anchor)
		if gr.Err != nil {
			// Refund survives caller cancellation.
			gr.RefundErr = credit.Refund(context.WithoutCancel(ctx))
			gr.Refunded = gr.RefundErr == nil
		} else if i == 0 && anchor.Empty() {
			anchor = gr.Composite
			res.Anchor = anchor
		}
		o.record(&res, g, gr)

		if gr.Err != nil && errors.Is(gr.Err, ErrRateLimited) {
			res.RateLimited = true
			return res, gr.Err
		}
		if i < len(groups)-1 && o.pacing > 0 {
			if err := o.sleep(ctx, o.pacing); err != nil {
				res.Canceled = true
				return res, err
			}
		}
	}
	return res, nil
}

func (o *Orchestrator) dispatch(ctx context.Context, g BatchGroup, req BatchRequest, anchor Artifact) GroupResult {
	gr := GroupResult{
		Index:     g.Index,
		Items:     g.Items,
		Mode:      ModeIndependent,
		Reference: req.Reference,
	}
	if !anchor.Empty() {
		gr.Mode = ModeClone
		gr.Reference = anchor
	}

	dctx := context.WithoutCancel(ctx)
	if o.groupTimeout > 0 {
		var cancel context.CancelFunc
		dctx, cancel = context.WithTimeout(dctx, o.groupTimeout)
		defer cancel()
	}

	padded := g.Padded(GridArity)
	prompts := make([]string, len(padded))
	for i, it := range padded {
		prompts[i] = it.Prompt
	}

	start := time.Now()
	gr.Composite, gr.Err = o.gen.GenerateGrid(dctx, GridRequest{
		Prompts:     prompts,
		Reference:   gr.Reference,
		Mode:        gr.Mode,
		Description: req.Description,
		Style:       req.Style,
	})
	if gr.Err == nil {
		gr.cells, gr.Err = o.cells(gr.Composite, len(g.Items))
		if gr.Err != nil {
			gr.Composite = Artifact{}
		}
	}
	gr.Duration = time.Since(start)
	return gr
}

// record maps a group's outcome onto its items.
func (o *Orchestrator) record(res *BatchResult, g BatchGroup, gr GroupResult) {
	cells := gr.cells
	for i := range res.Items {
		it := &res.Items[i]
		if it.Group != g.Index {
			continue
		}
		if gr.Err != nil {
			it.Status = ItemFailed
			it.Err = gr.Err
			continue
		}
		it.Status = ItemSucceeded
		it.Image = cells[0]
		cells = cells[1:]
	}

	gr.cells = nil
	res.Groups = append(res.Groups, gr)
	o.meter.OnGroup(GroupEvent{
		Index:       gr.Index,
		Mode:        gr.Mode,
		Items:       len(g.Items),
		Duration:    gr.Duration,
		Refunded:    gr.Refunded,
		RefundError: gr.RefundErr,
		Error:       gr.Err,
	})
}

// cells returns the first n cells of composite. Cells beyond the group's real
// items are padding and are dropped.
func (o *Orchestrator) cells(composite Artifact, n int) ([]Artifact, error) {
	if o.slicer == nil {
		out := make([]Artifact, n)
		for i := range out {
			out[i] = composite
		}
		return out, nil
	}
	cells, err := o.slicer.Slice(composite)
	if err != nil {
		return nil, fmt.Errorf("%w: slice composite: %w", ErrSynthesisFailed, err)
	}
	if len(cells) < n {
		return nil, fmt.Errorf("%w: composite yielded %d cells, need %d", ErrSynthesisFailed, len(cells), n)
	}
	return cells[:n], nil
}
