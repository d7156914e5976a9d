package gridcredit

import (
	"context"
	"fmt"
	"sync"
	"time"
)

const (
	defaultPoolRetries   = 2
	defaultPoolBaseDelay = time.Second
)

// CredentialPool round-robins provider credentials, disables permanently
// invalid ones and retries failed calls according to their ErrorKind.
// It is safe for concurrent use.
type CredentialPool struct {
	mu       sync.Mutex
	creds    []Credential
	cursor   int
	disabled map[string]bool
	status   map[string]*credentialStatus

	retries   int
	baseDelay time.Duration
	sleep     func(ctx context.Context, d time.Duration) error
	now       func() time.Time
	meter     Meter
}

type credentialStatus struct {
	successes int
	failures  int
	lastKind  ErrorKind
	lastError string
	lastUsed  time.Time
}

// CredentialStatus is a point-in-time view of one credential. It never
// includes the secret.
type CredentialStatus struct {
	ID        string    `json:"id"`
	Enabled   bool      `json:"enabled"`
	Successes int       `json:"successes"`
	Failures  int       `json:"failures"`
	LastKind  string    `json:"lastErrorKind,omitempty"`
	LastError string    `json:"lastError,omitempty"`
	LastUsed  time.Time `json:"lastUsed"`
}

// PoolOption configures a CredentialPool.
type PoolOption func(*CredentialPool)

// WithRetries sets the configured retry count (default 2).
func WithRetries(n int) PoolOption {
	return func(p *CredentialPool) { p.retries = n }
}

// WithBaseDelay sets the base delay between retries (default 1s).
func WithBaseDelay(d time.Duration) PoolOption {
	return func(p *CredentialPool) { p.baseDelay = d }
}

// WithSleep replaces the context-aware sleep used between retries.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) PoolOption {
	return func(p *CredentialPool) { p.sleep = fn }
}

// WithPoolMeter sets the meter that receives attempt events.
func WithPoolMeter(m Meter) PoolOption {
	return func(p *CredentialPool) { p.meter = m }
}

// NewCredentialPool creates a pool over creds. Credentials without an ID are
// named by position.
func NewCredentialPool(creds []Credential, opts ...PoolOption) (*CredentialPool, error) {
	if len(creds) == 0 {
		return nil, fmt.Errorf("gridcredit: at least one credential is required")
	}
	p := &CredentialPool{
		creds:     make([]Credential, len(creds)),
		disabled:  make(map[string]bool),
		status:    make(map[string]*credentialStatus, len(creds)),
		retries:   defaultPoolRetries,
		baseDelay: defaultPoolBaseDelay,
		sleep:     sleepContext,
		now:       time.Now,
		meter:     noopMeter{},
	}
	for i, c := range creds {
		if c.ID == "" {
			c.ID = fmt.Sprintf("key-%d", i+1)
		}
		if _, dup := p.status[c.ID]; dup {
			return nil, fmt.Errorf("gridcredit: duplicate credential id %q", c.ID)
		}
		p.creds[i] = c
		p.status[c.ID] = &credentialStatus{}
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Next returns the next enabled credential in round-robin order.
func (p *CredentialPool) Next() (Credential, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.creds)
	for i := 0; i < n; i++ {
		idx := (p.cursor + i) % n
		c := p.creds[idx]
		if p.disabled[c.ID] {
			continue
		}
		p.cursor = (idx + 1) % n
		return c, nil
	}
	return Credential{}, ErrCredentialPoolExhausted
}

// Disable marks a credential unusable for the lifetime of the pool.
func (p *CredentialPool) Disable(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disabled[id] = true
}

// Enabled returns the number of credentials not disabled.
func (p *CredentialPool) Enabled() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.creds) - len(p.disabled)
}

// Budget returns the attempt budget for a call starting now:
// min(retries+1, 2*enabled).
func (p *CredentialPool) Budget() int {
	return min(p.retries+1, 2*p.Enabled())
}

// Execute invokes op with successive credentials until it succeeds, a
// non-retryable error occurs or the attempt budget is spent. The last error
// is returned. If every credential ends up disabled the error also matches
// ErrCredentialPoolExhausted.
func (p *CredentialPool) Execute(ctx context.Context, op func(ctx context.Context, cred Credential) error) error {
	budget := p.Budget()
	if budget <= 0 {
		return ErrCredentialPoolExhausted
	}

	var lastErr error
	for attempt := 1; attempt <= budget; attempt++ {
		cred, err := p.Next()
		if err != nil {
			if lastErr == nil {
				return err
			}
			return fmt.Errorf("%w: %w", err, lastErr)
		}

		err = op(ctx, cred)
		p.record(cred.ID, err)
		if err == nil {
			return nil
		}
		lastErr = err

		kind := Classify(err)
		var wait time.Duration
		disabled := false
		switch kind {
		case KindInvalidCredential:
			p.Disable(cred.ID)
			disabled = true
		case KindPermissionDenied:
		case KindRateLimited:
			wait = 2 * p.baseDelay
		case KindTransient:
			wait = p.baseDelay
		default:
			p.meter.OnAttempt(AttemptEvent{CredentialID: cred.ID, Attempt: attempt, Budget: budget, Kind: kind, Error: err})
			return err
		}

		if attempt == budget {
			wait = 0
		}
		p.meter.OnAttempt(AttemptEvent{
			CredentialID: cred.ID,
			Attempt:      attempt,
			Budget:       budget,
			Kind:         kind,
			Disabled:     disabled,
			Wait:         wait,
			Error:        err,
		})
		if wait > 0 {
			if err := p.sleep(ctx, wait); err != nil {
				return lastErr
			}
		}
	}
	if p.Enabled() == 0 {
		return fmt.Errorf("%w: %w", ErrCredentialPoolExhausted, lastErr)
	}
	return lastErr
}

func (p *CredentialPool) record(id string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := p.status[id]
	st.lastUsed = p.now()
	if err == nil {
		st.successes++
		return
	}
	st.failures++
	st.lastKind = Classify(err)
	st.lastError = err.Error()
}

// Snapshot returns the status of every credential in configuration order.
func (p *CredentialPool) Snapshot() []CredentialStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]CredentialStatus, 0, len(p.creds))
	for _, c := range p.creds {
		st := p.status[c.ID]
		cs := CredentialStatus{
			ID:        c.ID,
			Enabled:   !p.disabled[c.ID],
			Successes: st.successes,
			Failures:  st.failures,
			LastUsed:  st.lastUsed,
		}
		if st.failures > 0 {
			cs.LastKind = st.lastKind.String()
			cs.LastError = st.lastError
		}
		out = append(out, cs)
	}
	return out
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
