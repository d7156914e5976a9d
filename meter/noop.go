package meter

import "github.com/ineyio/gridcredit"

// NoopMeter is a meter that does nothing.
type NoopMeter struct{}

var _ gridcredit.Meter = (*NoopMeter)(nil)

func (m *NoopMeter) OnAttempt(gridcredit.AttemptEvent) {}
func (m *NoopMeter) OnGroup(gridcredit.GroupEvent)     {}
func (m *NoopMeter) OnCredit(gridcredit.CreditEvent)   {}
