package primary

import (
	"context"
	"errors"
	"sync"
)

// ErrNotFound reports a missing order. Callers own the reference; the
// engine never retries these.
var ErrNotFound = errors.New("order not found")

// Backend identifies which primary schema variant a store speaks.
type Backend string

const (
	BackendLegacy     Backend = "legacy"
	BackendNormalized Backend = "normalized"
)

// MutationKind classifies a primary-store write event.
type MutationKind string

const (
	OrderCreated MutationKind = "created"
	OrderUpdated MutationKind = "updated"
	OrderTrashed MutationKind = "trashed"
	OrderDeleted MutationKind = "deleted"
)

// MutationHook observes order writes. Hooks run synchronously on the
// writing goroutine, after the write committed; the host serializes
// writes per order id, so hooks see them in event order.
type MutationHook func(kind MutationKind, orderID int64)

// ListFilter narrows ListOrders. Zero values mean "no constraint".
// Results are always ordered by id ascending so batch walks are
// deterministic.
type ListFilter struct {
	AgentOnly   bool
	MetaEquals  map[string]string
	MetaAbsent  []string
	IDs         []int64
	AfterID     int64
	Limit       int
}

// Store is the order read/write API the host platform exposes. Both
// schema variants implement it; the engine holds exactly one at a time,
// selected at startup.
type Store interface {
	Backend() Backend

	GetOrder(ctx context.Context, id int64) (*Order, error)
	ListOrders(ctx context.Context, f ListFilter) ([]*Order, error)

	// CreateOrder and DeleteOrder belong to the host side; the engine
	// only observes them through mutation hooks.
	CreateOrder(ctx context.Context, o *Order) error
	UpdateOrder(ctx context.Context, o *Order) error
	DeleteOrder(ctx context.Context, id int64) error

	PutMeta(ctx context.Context, id int64, key, value string) error
	DeleteMeta(ctx context.Context, id int64, key string) error
	// CompareAndSwapMeta atomically replaces key's value only when the
	// current value equals old ("" means absent). Returns false when
	// another writer got there first.
	CompareAndSwapMeta(ctx context.Context, id int64, key, old, new string) (bool, error)

	OnMutation(hook MutationHook)
	Close() error
}

// hooks is the shared mutation-hook registry embedded by both backends.
type hooks struct {
	mu  sync.RWMutex
	fns []MutationHook
}

func (h *hooks) OnMutation(hook MutationHook) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.fns = append(h.fns, hook)
}

func (h *hooks) fire(kind MutationKind, orderID int64) {
	h.mu.RLock()
	fns := h.fns
	h.mu.RUnlock()
	for _, fn := range fns {
		fn(kind, orderID)
	}
}
