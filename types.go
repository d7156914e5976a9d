package gridcredit

import (
	"strings"
	"time"
)

// GridArity is the fixed number of work items one synthesis call renders.
const GridArity = 4

// Identity is the caller as seen by the service: network address plus the
// caller-supplied device identifier.
type Identity struct {
	IP       string
	DeviceID string
}

// UserID returns the composite ledger key "{ip}_{deviceId}".
func (i Identity) UserID() string {
	return i.IP + "_" + i.DeviceID
}

// ParseUserID splits a composite user id back into its parts.
// Device ids may themselves contain underscores; IP addresses never do.
func ParseUserID(userID string) Identity {
	ip, device, _ := strings.Cut(userID, "_")
	return Identity{IP: ip, DeviceID: device}
}

// FreeQuotaRecord is one user's free allowance for one calendar day.
type FreeQuotaRecord struct {
	UserID  string    `json:"userId"`
	Date    string    `json:"date"`
	Used    int       `json:"used"`
	Limit   int       `json:"limit"`
	ResetAt time.Time `json:"resetAt"`
}

// Remaining returns limit-used, floored at zero.
func (q FreeQuotaRecord) Remaining() int {
	if q.Used >= q.Limit {
		return 0
	}
	return q.Limit - q.Used
}

// OrderStatus is the lifecycle state of a PaymentOrder.
type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderPaid      OrderStatus = "paid"
	OrderExpired   OrderStatus = "expired"
	OrderCancelled OrderStatus = "cancelled"
)

// PaymentOrder is a prepaid purchase of grid credits.
type PaymentOrder struct {
	OrderID        string      `json:"orderId"`
	UserID         string      `json:"userId"`
	Count          int         `json:"count"`
	Amount         int         `json:"amount"`
	Status         OrderStatus `json:"status"`
	PaymentToken   string      `json:"paymentToken"`
	CreatedAt      time.Time   `json:"createdAt"`
	PaidAt         *time.Time  `json:"paidAt,omitempty"`
	ExpiresAt      time.Time   `json:"expiresAt"`
	TotalGrids     int         `json:"totalGrids"`
	RemainingGrids int         `json:"remainingGrids"`
}

// WorkItem is one caller-supplied unit of generation work.
type WorkItem struct {
	ID     string `json:"id"`
	Prompt string `json:"prompt"`
}

// Artifact is an opaque image payload.
type Artifact struct {
	MIMEType string
	Data     []byte
}

// Empty reports whether the artifact carries no data.
func (a Artifact) Empty() bool { return len(a.Data) == 0 }

// DispatchMode tells the provider how to treat the reference artifact.
type DispatchMode string

const (
	// ModeIndependent renders against the caller's raw reference.
	ModeIndependent DispatchMode = "independent"
	// ModeClone renders against an anchor and keeps its identity and style
	// over any conflicting description.
	ModeClone DispatchMode = "clone"
)

// BatchGroup is a consecutive run of at most GridArity work items.
type BatchGroup struct {
	Index int
	Items []WorkItem
}

// Padded returns the group's items extended to arity by repeating the first item.
func (g BatchGroup) Padded(arity int) []WorkItem {
	out := make([]WorkItem, 0, arity)
	out = append(out, g.Items...)
	for len(out) < arity && len(g.Items) > 0 {
		out = append(out, g.Items[0])
	}
	return out
}

// Chunk splits items into consecutive groups of at most arity.
func Chunk(items []WorkItem, arity int) []BatchGroup {
	if arity <= 0 {
		arity = GridArity
	}
	groups := make([]BatchGroup, 0, (len(items)+arity-1)/arity)
	for start := 0; start < len(items); start += arity {
		end := min(start+arity, len(items))
		groups = append(groups, BatchGroup{Index: len(groups), Items: items[start:end]})
	}
	return groups
}
