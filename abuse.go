package gridcredit

import (
	"context"
	"fmt"
	"time"
)

// DefaultDeviceLimit is the default number of distinct devices one IP may use per day.
const DefaultDeviceLimit = 10

const deviceWindow = 24 * time.Hour

// AbuseVerdict is the result of an abuse check.
type AbuseVerdict struct {
	Allowed     bool `json:"allowed"`
	DeviceCount int  `json:"deviceCount"`
}

// AbuseGuard bounds the number of distinct device ids seen per IP per day.
type AbuseGuard struct {
	store Store
	limit int
	now   func() time.Time
	loc   *time.Location
}

// AbuseOption configures an AbuseGuard.
type AbuseOption func(*AbuseGuard)

// WithDeviceLimit sets the per-IP device ceiling (default 10).
func WithDeviceLimit(n int) AbuseOption {
	return func(g *AbuseGuard) { g.limit = n }
}

// WithAbuseClock overrides the time source and the zone that defines a day.
func WithAbuseClock(now func() time.Time, loc *time.Location) AbuseOption {
	return func(g *AbuseGuard) {
		g.now = now
		if loc != nil {
			g.loc = loc
		}
	}
}

// NewAbuseGuard creates an AbuseGuard over store.
func NewAbuseGuard(store Store, opts ...AbuseOption) *AbuseGuard {
	g := &AbuseGuard{
		store: store,
		limit: DefaultDeviceLimit,
		now:   time.Now,
		loc:   time.Local,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Check records deviceID against ip for today and reports whether the IP is
// still within its device ceiling. The device is recorded even when the
// verdict is negative.
func (g *AbuseGuard) Check(ctx context.Context, ip, deviceID string) (AbuseVerdict, error) {
	date := g.now().In(g.loc).Format(time.DateOnly)
	n, err := g.store.AddMember(ctx, "ip_devices:"+ip+":"+date, deviceID, deviceWindow)
	if err != nil {
		return AbuseVerdict{}, fmt.Errorf("gridcredit: record device: %w", err)
	}
	return AbuseVerdict{
		Allowed:     n <= int64(g.limit),
		DeviceCount: int(n),
	}, nil
}
