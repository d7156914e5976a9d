package gridcredit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultFreeLimit = 3

	freeQuotaTTL = 24 * time.Hour
	orderTTL     = time.Hour
	orderExpiry  = 15 * time.Minute
)

// Prices maps an orderable item count to its price in currency units.
var Prices = map[int]int{4: 1, 8: 2, 12: 3}

// Ledger owns free-quota records and payment orders. Every consume and refund
// is a single bounded counter adjustment in the Store.
type Ledger struct {
	store        Store
	defaultLimit int
	vip          VIPList
	now          func() time.Time
	loc          *time.Location
	meter        Meter
}

// LedgerOption configures a Ledger.
type LedgerOption func(*Ledger)

// WithDefaultLimit sets the daily free limit for non-VIP users (default 3).
func WithDefaultLimit(n int) LedgerOption {
	return func(l *Ledger) { l.defaultLimit = n }
}

// WithVIPList sets the VIP allow-list.
func WithVIPList(v VIPList) LedgerOption {
	return func(l *Ledger) { l.vip = v }
}

// WithClock overrides the ledger's time source.
func WithClock(now func() time.Time) LedgerOption {
	return func(l *Ledger) { l.now = now }
}

// WithLocation sets the time zone that defines a calendar day (default time.Local).
func WithLocation(loc *time.Location) LedgerOption {
	return func(l *Ledger) { l.loc = loc }
}

// WithLedgerMeter sets the meter that receives credit events.
func WithLedgerMeter(m Meter) LedgerOption {
	return func(l *Ledger) { l.meter = m }
}

// NewLedger creates a Ledger over store.
func NewLedger(store Store, opts ...LedgerOption) *Ledger {
	l := &Ledger{
		store:        store,
		defaultLimit: DefaultFreeLimit,
		now:          time.Now,
		loc:          time.Local,
		meter:        noopMeter{},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func quotaKey(userID, date string) string { return "free_quota:" + userID + ":" + date }
func orderKey(orderID string) string      { return "payment:" + orderID }
func tokenKey(token string) string        { return "payment_token:" + token }

// LimitFor returns the daily free limit currently configured for userID.
func (l *Ledger) LimitFor(userID string) int {
	if q, _, ok := l.vip.Resolve(userID); ok {
		return q
	}
	return l.defaultLimit
}

// VIP reports whether userID matches the VIP allow-list and on what.
func (l *Ledger) VIP(userID string) (VIPMatch, bool) {
	_, by, ok := l.vip.Resolve(userID)
	return by, ok
}

// FreeQuota returns today's record for userID, creating it on first access.
// If the configured limit changed since creation, the stored limit is updated
// in place; used and resetAt are kept.
func (l *Ledger) FreeQuota(ctx context.Context, userID string) (FreeQuotaRecord, error) {
	rec, _, err := l.freeQuota(ctx, userID)
	return rec, err
}

func (l *Ledger) freeQuota(ctx context.Context, userID string) (FreeQuotaRecord, string, error) {
	now := l.now().In(l.loc)
	date := now.Format(time.DateOnly)
	key := quotaKey(userID, date)
	limit := l.LimitFor(userID)

	h, err := l.store.GetHash(ctx, key)
	if errors.Is(err, ErrNotFound) {
		rec := FreeQuotaRecord{
			UserID:  userID,
			Date:    date,
			Limit:   limit,
			ResetAt: nextMidnight(now),
		}
		created, err := l.store.CreateHash(ctx, key, rec.fields(), freeQuotaTTL)
		if err != nil {
			return FreeQuotaRecord{}, "", fmt.Errorf("gridcredit: create free quota: %w", err)
		}
		if created {
			return rec, key, nil
		}
		// Another caller created it first.
		h, err = l.store.GetHash(ctx, key)
	}
	if err != nil {
		return FreeQuotaRecord{}, "", fmt.Errorf("gridcredit: read free quota: %w", err)
	}

	rec, err := parseFreeQuota(h)
	if err != nil {
		return FreeQuotaRecord{}, "", err
	}
	if rec.Limit != limit {
		if err := l.store.UpdateHash(ctx, key, map[string]string{"limit": strconv.Itoa(limit)}, 0); err != nil {
			return FreeQuotaRecord{}, "", fmt.Errorf("gridcredit: sync free quota limit: %w", err)
		}
		rec.Limit = limit
	}
	return rec, key, nil
}

// CheckFreeQuota reports whether userID has free credits left today.
func (l *Ledger) CheckFreeQuota(ctx context.Context, userID string) (bool, error) {
	rec, err := l.FreeQuota(ctx, userID)
	if err != nil {
		return false, err
	}
	return rec.Used < rec.Limit, nil
}

// ConsumeFreeQuota atomically takes one free credit. It returns false, leaving
// the record unchanged, when used has reached limit.
func (l *Ledger) ConsumeFreeQuota(ctx context.Context, userID string) (bool, error) {
	_, ok, err := l.consumeFree(ctx, userID)
	return ok, err
}

func (l *Ledger) consumeFree(ctx context.Context, userID string) (string, bool, error) {
	_, key, err := l.freeQuota(ctx, userID)
	if err != nil {
		return "", false, err
	}
	used, applied, err := l.store.AdjustCounter(ctx, key, CounterAdjustment{
		Field:        "used",
		Delta:        1,
		CeilingField: "limit",
	})
	if err != nil {
		err = fmt.Errorf("gridcredit: consume free quota: %w", err)
	}
	l.meter.OnCredit(CreditEvent{Op: "consume", Source: SourceFree, UserID: userID, OK: applied, Value: used, Error: err})
	if err != nil {
		return "", false, err
	}
	return key, applied, nil
}

// RefundFreeQuota atomically returns one free credit to today's record.
// It returns false when used is already zero.
func (l *Ledger) RefundFreeQuota(ctx context.Context, userID string) (bool, error) {
	date := l.now().In(l.loc).Format(time.DateOnly)
	return l.refundFree(ctx, userID, quotaKey(userID, date))
}

func (l *Ledger) refundFree(ctx context.Context, userID, key string) (bool, error) {
	used, applied, err := l.store.AdjustCounter(ctx, key, CounterAdjustment{
		Field: "used",
		Delta: -1,
		Floor: 0,
	})
	if errors.Is(err, ErrNotFound) {
		err = nil
	}
	if err != nil {
		err = fmt.Errorf("gridcredit: refund free quota: %w", err)
	}
	l.meter.OnCredit(CreditEvent{Op: "refund", Source: SourceFree, UserID: userID, OK: applied, Value: used, Error: err})
	return applied, err
}

// CreateOrder persists a pending order for count items and indexes its token.
func (l *Ledger) CreateOrder(ctx context.Context, userID string, count int) (PaymentOrder, error) {
	price, ok := Prices[count]
	if !ok {
		return PaymentOrder{}, fmt.Errorf("%w: count must be 4, 8 or 12", ErrInvalidRequest)
	}
	if userID == "" {
		return PaymentOrder{}, fmt.Errorf("%w: user id is required", ErrInvalidRequest)
	}

	now := l.now()
	total := count / GridArity
	o := PaymentOrder{
		OrderID:        "order_" + uuid.NewString(),
		UserID:         userID,
		Count:          count,
		Amount:         price,
		Status:         OrderPending,
		PaymentToken:   "token_" + uuid.NewString(),
		CreatedAt:      now,
		ExpiresAt:      now.Add(orderExpiry),
		TotalGrids:     total,
		RemainingGrids: total,
	}
	if _, err := l.store.CreateHash(ctx, orderKey(o.OrderID), o.fields(), orderTTL); err != nil {
		return PaymentOrder{}, fmt.Errorf("gridcredit: save order: %w", err)
	}
	if err := l.store.Set(ctx, tokenKey(o.PaymentToken), o.OrderID, orderTTL); err != nil {
		return PaymentOrder{}, fmt.Errorf("gridcredit: save payment token: %w", err)
	}
	return o, nil
}

// Order returns an order by id, or ErrNotFound.
func (l *Ledger) Order(ctx context.Context, orderID string) (PaymentOrder, error) {
	h, err := l.store.GetHash(ctx, orderKey(orderID))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return PaymentOrder{}, ErrNotFound
		}
		return PaymentOrder{}, fmt.Errorf("gridcredit: read order: %w", err)
	}
	return parseOrder(h)
}

// MarkPaid moves a pending order to paid and stamps paidAt. Marking an
// already-paid order returns it unchanged. Expired and cancelled orders are
// refused; a pending order past expiresAt is expired on the way.
func (l *Ledger) MarkPaid(ctx context.Context, orderID string) (PaymentOrder, error) {
	o, err := l.Order(ctx, orderID)
	if errors.Is(err, ErrNotFound) {
		return PaymentOrder{}, deny(ErrPaymentInvalid, "order not found or expired")
	}
	if err != nil {
		return PaymentOrder{}, err
	}

	now := l.now()
	if o.Status == OrderPending && now.After(o.ExpiresAt) {
		l.expire(ctx, o)
		return PaymentOrder{}, deny(ErrOrderExpired, "order expired before payment")
	}
	if o.Status == OrderPending {
		swapped, err := l.store.SwapHashField(ctx, orderKey(orderID), "status", string(OrderPending), map[string]string{
			"status":  string(OrderPaid),
			"paid_at": formatTime(now),
		}, orderTTL)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return PaymentOrder{}, fmt.Errorf("gridcredit: mark paid: %w", err)
		}
		if swapped {
			o.Status = OrderPaid
			o.PaidAt = &now
			return o, nil
		}
		// Lost a race with another transition; judge the current state.
		if o, err = l.Order(ctx, orderID); err != nil {
			return PaymentOrder{}, deny(ErrPaymentInvalid, "order not found or expired")
		}
	}

	switch o.Status {
	case OrderPaid:
		return o, nil
	case OrderExpired:
		return PaymentOrder{}, deny(ErrOrderExpired, "order expired before payment")
	default:
		return PaymentOrder{}, deny(ErrPaymentInvalid, fmt.Sprintf("order is %s", o.Status))
	}
}

// CancelOrder cancels a pending order owned by userID and invalidates its token.
func (l *Ledger) CancelOrder(ctx context.Context, orderID, userID string) (PaymentOrder, error) {
	o, err := l.Order(ctx, orderID)
	if err != nil {
		return PaymentOrder{}, err
	}
	if o.UserID != userID {
		return PaymentOrder{}, deny(ErrPaymentInvalid, "order does not belong to this user")
	}
	if o.Status == OrderPending {
		swapped, err := l.store.SwapHashField(ctx, orderKey(orderID), "status", string(OrderPending),
			map[string]string{"status": string(OrderCancelled)}, orderTTL)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return PaymentOrder{}, fmt.Errorf("gridcredit: cancel order: %w", err)
		}
		if swapped {
			o.Status = OrderCancelled
		} else if o, err = l.Order(ctx, orderID); err != nil {
			return PaymentOrder{}, err
		}
	}
	if o.Status != OrderCancelled {
		return PaymentOrder{}, deny(ErrPaymentInvalid, fmt.Sprintf("order is %s", o.Status))
	}
	if err := l.store.Delete(ctx, tokenKey(o.PaymentToken)); err != nil {
		return PaymentOrder{}, fmt.Errorf("gridcredit: delete payment token: %w", err)
	}
	return o, nil
}

// AssertTokenValid checks that token grants userID a paid, unexhausted order.
// With consumeOne it also takes one grid in the same call; taking the last
// grid deletes the token while the order record is kept.
func (l *Ledger) AssertTokenValid(ctx context.Context, token, userID string, consumeOne bool) (PaymentOrder, error) {
	if token == "" {
		return PaymentOrder{}, deny(ErrPaymentRequired, "payment required")
	}
	orderID, err := l.store.Get(ctx, tokenKey(token))
	if errors.Is(err, ErrNotFound) {
		return PaymentOrder{}, deny(ErrPaymentRequired, "payment required")
	}
	if err != nil {
		return PaymentOrder{}, fmt.Errorf("gridcredit: read payment token: %w", err)
	}

	o, err := l.Order(ctx, orderID)
	if errors.Is(err, ErrNotFound) {
		return PaymentOrder{}, deny(ErrPaymentRequired, "order not found or expired")
	}
	if err != nil {
		return PaymentOrder{}, err
	}
	if o.UserID != userID {
		return PaymentOrder{}, deny(ErrPaymentRequired, "payment token does not belong to this user")
	}
	if o.Status == OrderExpired || (o.Status == OrderPending && l.now().After(o.ExpiresAt)) {
		l.expire(ctx, o)
		return PaymentOrder{}, deny(ErrOrderExpired, "order expired")
	}
	if o.Status != OrderPaid {
		return PaymentOrder{}, deny(ErrPaymentRequired, "payment not completed")
	}
	if o.RemainingGrids <= 0 {
		l.retireToken(ctx, o)
		return PaymentOrder{}, deny(ErrPaymentRequired, "no grids left, please purchase again")
	}
	if !consumeOne {
		return o, nil
	}

	remaining, applied, err := l.store.AdjustCounter(ctx, orderKey(orderID), CounterAdjustment{
		Field: "remaining_grids",
		Delta: -1,
		Floor: 0,
		TTL:   orderTTL,
	})
	if errors.Is(err, ErrNotFound) {
		return PaymentOrder{}, deny(ErrPaymentRequired, "order not found or expired")
	}
	if err != nil {
		err = fmt.Errorf("gridcredit: consume grid: %w", err)
	}
	l.meter.OnCredit(CreditEvent{Op: "consume", Source: SourceOrder, UserID: userID, OrderID: orderID, OK: applied, Value: remaining, Error: err})
	if err != nil {
		return PaymentOrder{}, err
	}
	if !applied {
		l.retireToken(ctx, o)
		return PaymentOrder{}, deny(ErrPaymentRequired, "no grids left, please purchase again")
	}
	o.RemainingGrids = int(remaining)
	if remaining == 0 {
		l.retireToken(ctx, o)
	}
	return o, nil
}

// RefundGrid returns one grid to an order, capped at totalGrids. If the token
// was deleted on exhaustion it is indexed again.
func (l *Ledger) RefundGrid(ctx context.Context, orderID string) (bool, error) {
	remaining, applied, err := l.store.AdjustCounter(ctx, orderKey(orderID), CounterAdjustment{
		Field:        "remaining_grids",
		Delta:        1,
		CeilingField: "total_grids",
		TTL:          orderTTL,
	})
	if errors.Is(err, ErrNotFound) {
		err = nil
	}
	if err != nil {
		err = fmt.Errorf("gridcredit: refund grid: %w", err)
	}

	var userID string
	if applied && err == nil {
		o, rerr := l.Order(ctx, orderID)
		if rerr == nil {
			userID = o.UserID
			if o.Status == OrderPaid {
				if serr := l.store.Set(ctx, tokenKey(o.PaymentToken), orderID, orderTTL); serr != nil {
					err = fmt.Errorf("gridcredit: restore payment token: %w", serr)
				}
			}
		}
	}
	l.meter.OnCredit(CreditEvent{Op: "refund", Source: SourceOrder, UserID: userID, OrderID: orderID, OK: applied, Value: remaining, Error: err})
	return applied, err
}

func (l *Ledger) expire(ctx context.Context, o PaymentOrder) {
	_, err := l.store.SwapHashField(ctx, orderKey(o.OrderID), "status", string(OrderPending),
		map[string]string{"status": string(OrderExpired)}, orderTTL)
	if err != nil && !errors.Is(err, ErrNotFound) {
		l.cleanupFailed("expire", o, fmt.Errorf("gridcredit: expire order: %w", err))
	}
	if err := l.store.Delete(ctx, tokenKey(o.PaymentToken)); err != nil {
		l.cleanupFailed("expire", o, fmt.Errorf("gridcredit: delete payment token: %w", err))
	}
}

// retireToken deletes the token index of an exhausted order. A refund landing
// between the exhausting decrement and the delete has already re-indexed the
// token, so the order is read again and the index restored if grids came back.
func (l *Ledger) retireToken(ctx context.Context, o PaymentOrder) {
	key := tokenKey(o.PaymentToken)
	if err := l.store.Delete(ctx, key); err != nil {
		l.cleanupFailed("retire_token", o, fmt.Errorf("gridcredit: delete payment token: %w", err))
		return
	}
	cur, err := l.Order(ctx, o.OrderID)
	if errors.Is(err, ErrNotFound) {
		return
	}
	if err != nil {
		l.cleanupFailed("retire_token", o, err)
		return
	}
	if cur.Status == OrderPaid && cur.RemainingGrids > 0 {
		if err := l.store.Set(ctx, key, o.OrderID, orderTTL); err != nil {
			l.cleanupFailed("retire_token", o, fmt.Errorf("gridcredit: restore payment token: %w", err))
		}
	}
}

// cleanupFailed reports a failed follow-up write. The caller's own result
// stands; the event carries the store error.
func (l *Ledger) cleanupFailed(op string, o PaymentOrder, err error) {
	l.meter.OnCredit(CreditEvent{Op: op, Source: SourceOrder, UserID: o.UserID, OrderID: o.OrderID, Error: err})
}

// Credit is one spendable allowance as seen by the orchestrator.
// Every successful Consume must be matched by at most one Refund.
type Credit interface {
	Consume(ctx context.Context) error
	Refund(ctx context.Context) error
}

// FreeCredit returns a Credit drawing on userID's daily free quota.
// Refunds go to the day's record the credit was consumed from.
func (l *Ledger) FreeCredit(userID string) Credit {
	return &freeCredit{ledger: l, userID: userID}
}

// OrderCredit returns a Credit drawing on the order behind token.
func (l *Ledger) OrderCredit(token, userID string) Credit {
	return &orderCredit{ledger: l, token: token, userID: userID}
}

type freeCredit struct {
	ledger *Ledger
	userID string

	mu   sync.Mutex
	keys []string
}

func (c *freeCredit) Consume(ctx context.Context) error {
	key, ok, err := c.ledger.consumeFree(ctx, c.userID)
	if err != nil {
		return err
	}
	if !ok {
		return deny(ErrQuotaExceeded, "daily free quota exhausted")
	}
	c.mu.Lock()
	c.keys = append(c.keys, key)
	c.mu.Unlock()
	return nil
}

func (c *freeCredit) Refund(ctx context.Context) error {
	c.mu.Lock()
	if len(c.keys) == 0 {
		c.mu.Unlock()
		return fmt.Errorf("gridcredit: refund without consume")
	}
	key := c.keys[len(c.keys)-1]
	c.keys = c.keys[:len(c.keys)-1]
	c.mu.Unlock()

	_, err := c.ledger.refundFree(ctx, c.userID, key)
	return err
}

type orderCredit struct {
	ledger *Ledger
	token  string
	userID string

	mu     sync.Mutex
	orders []string
}

func (c *orderCredit) Consume(ctx context.Context) error {
	o, err := c.ledger.AssertTokenValid(ctx, c.token, c.userID, true)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.orders = append(c.orders, o.OrderID)
	c.mu.Unlock()
	return nil
}

func (c *orderCredit) Refund(ctx context.Context) error {
	c.mu.Lock()
	if len(c.orders) == 0 {
		c.mu.Unlock()
		return fmt.Errorf("gridcredit: refund without consume")
	}
	orderID := c.orders[len(c.orders)-1]
	c.orders = c.orders[:len(c.orders)-1]
	c.mu.Unlock()

	_, err := c.ledger.RefundGrid(ctx, orderID)
	return err
}

func nextMidnight(now time.Time) time.Time {
	return time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, now.Location())
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func (q FreeQuotaRecord) fields() map[string]string {
	return map[string]string{
		"user_id":  q.UserID,
		"date":     q.Date,
		"used":     strconv.Itoa(q.Used),
		"limit":    strconv.Itoa(q.Limit),
		"reset_at": formatTime(q.ResetAt),
	}
}

func parseFreeQuota(h map[string]string) (FreeQuotaRecord, error) {
	p := fieldParser{h: h}
	rec := FreeQuotaRecord{
		UserID:  h["user_id"],
		Date:    h["date"],
		Used:    p.intField("used"),
		Limit:   p.intField("limit"),
		ResetAt: p.timeField("reset_at"),
	}
	if p.err != nil {
		return FreeQuotaRecord{}, fmt.Errorf("gridcredit: decode free quota: %w", p.err)
	}
	return rec, nil
}

func (o PaymentOrder) fields() map[string]string {
	f := map[string]string{
		"order_id":        o.OrderID,
		"user_id":         o.UserID,
		"count":           strconv.Itoa(o.Count),
		"amount":          strconv.Itoa(o.Amount),
		"status":          string(o.Status),
		"payment_token":   o.PaymentToken,
		"created_at":      formatTime(o.CreatedAt),
		"expires_at":      formatTime(o.ExpiresAt),
		"total_grids":     strconv.Itoa(o.TotalGrids),
		"remaining_grids": strconv.Itoa(o.RemainingGrids),
	}
	if o.PaidAt != nil {
		f["paid_at"] = formatTime(*o.PaidAt)
	}
	return f
}

func parseOrder(h map[string]string) (PaymentOrder, error) {
	p := fieldParser{h: h}
	o := PaymentOrder{
		OrderID:        h["order_id"],
		UserID:         h["user_id"],
		Count:          p.intField("count"),
		Amount:         p.intField("amount"),
		Status:         OrderStatus(h["status"]),
		PaymentToken:   h["payment_token"],
		CreatedAt:      p.timeField("created_at"),
		ExpiresAt:      p.timeField("expires_at"),
		TotalGrids:     p.intField("total_grids"),
		RemainingGrids: p.intField("remaining_grids"),
	}
	if _, ok := h["paid_at"]; ok {
		t := p.timeField("paid_at")
		o.PaidAt = &t
	}
	if p.err != nil {
		return PaymentOrder{}, fmt.Errorf("gridcredit: decode order: %w", p.err)
	}
	return o, nil
}

// fieldParser decodes hash fields, keeping the first error.
type fieldParser struct {
	h   map[string]string
	err error
}

func (p *fieldParser) intField(field string) int {
	n, err := strconv.Atoi(p.h[field])
	if err != nil && p.err == nil {
		p.err = fmt.Errorf("field %s: %w", field, err)
	}
	return n
}

func (p *fieldParser) timeField(field string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, p.h[field])
	if err != nil && p.err == nil {
		p.err = fmt.Errorf("field %s: %w", field, err)
	}
	return t
}
