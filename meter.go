package gridcredit

import "time"

// Meter observes pool, orchestrator and ledger events for monitoring/logging.
type Meter interface {
	// OnAttempt is called after every failed credential attempt.
	OnAttempt(event AttemptEvent)

	// OnGroup is called when a batch group finishes, successfully or not.
	OnGroup(event GroupEvent)

	// OnCredit is called for every consume or refund the ledger performs.
	OnCredit(event CreditEvent)
}

// AttemptEvent describes one failed call made through the credential pool.
type AttemptEvent struct {
	CredentialID string
	Attempt      int
	Budget       int
	Kind         ErrorKind
	Disabled     bool
	Wait         time.Duration
	Error        error
}

// GroupEvent describes the outcome of one batch group dispatch.
type GroupEvent struct {
	Index       int
	Mode        DispatchMode
	Items       int
	Duration    time.Duration
	Refunded    bool
	RefundError error
	Error       error
}

// CreditSource identifies which allowance a credit came from.
type CreditSource string

const (
	SourceFree  CreditSource = "free"
	SourceOrder CreditSource = "order"
)

// CreditEvent describes a ledger consume or refund.
type CreditEvent struct {
	Op      string // "consume" or "refund"
	Source  CreditSource
	UserID  string
	OrderID string
	OK      bool
	Value   int64
	Error   error
}

type noopMeter struct{}

func (noopMeter) OnAttempt(AttemptEvent) {}
func (noopMeter) OnGroup(GroupEvent)     {}
func (noopMeter) OnCredit(CreditEvent)   {}
