package meter

import (
	"github.com/rs/zerolog"

	"github.com/ineyio/gridcredit"
)

// LogMeter logs pool, batch and ledger events using zerolog.
type LogMeter struct {
	Logger zerolog.Logger
}

var _ gridcredit.Meter = (*LogMeter)(nil)

// NewLogMeter creates a LogMeter writing to logger.
func NewLogMeter(logger zerolog.Logger) *LogMeter {
	return &LogMeter{Logger: logger.With().Str("component", "meter").Logger()}
}

func (m *LogMeter) OnAttempt(e gridcredit.AttemptEvent) {
	ev := m.Logger.Warn()
	if e.Kind == gridcredit.KindFatal {
		ev = m.Logger.Error()
	}
	ev.Str("credential", e.CredentialID).
		Int("attempt", e.Attempt).
		Int("budget", e.Budget).
		Str("kind", e.Kind.String()).
		Bool("disabled", e.Disabled).
		Dur("wait", e.Wait).
		Err(e.Error).
		Msg("synthesis attempt failed")
}

func (m *LogMeter) OnGroup(e gridcredit.GroupEvent) {
	if e.Error == nil {
		m.Logger.Info().
			Int("group", e.Index).
			Str("mode", string(e.Mode)).
			Int("items", e.Items).
			Int64("duration_ms", e.Duration.Milliseconds()).
			Msg("group done")
		return
	}
	ev := m.Logger.Warn()
	if e.RefundError != nil {
		ev = m.Logger.Error().AnErr("refund_error", e.RefundError)
	}
	ev.Int("group", e.Index).
		Str("mode", string(e.Mode)).
		Int("items", e.Items).
		Int64("duration_ms", e.Duration.Milliseconds()).
		Bool("refunded", e.Refunded).
		Err(e.Error).
		Msg("group failed")
}

func (m *LogMeter) OnCredit(e gridcredit.CreditEvent) {
	ev := m.Logger.Debug()
	if e.Error != nil {
		ev = m.Logger.Error().Err(e.Error)
	} else if !e.OK {
		ev = m.Logger.Info()
	}
	ev.Str("op", e.Op).
		Str("source", string(e.Source)).
		Str("user", e.UserID).
		Str("order", e.OrderID).
		Bool("ok", e.OK).
		Int64("value", e.Value).
		Msg("credit")
}
