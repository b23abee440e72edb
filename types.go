package flashsale

import (
	"context"
	"fmt"
	"time"
)

// Product is the durable product record. Stock is the durable counter and is
// the ground truth for how much was actually sold; the counters on the
// coordination nodes are the admission cache seeded from it.
type Product struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Description  string    `json:"description,omitempty"`
	Price        int64     `json:"price"`
	InitialStock int64     `json:"initial_stock"`
	Stock        int64     `json:"stock"`
	CreatedAt    time.Time `json:"created_at"`
}

// Purchase is the durable purchase record, written only after the atomic
// decrement succeeded and before the lock is released.
type Purchase struct {
	ID          UUID      `json:"id"`
	UserID      string    `json:"user_id"`
	ProductID   string    `json:"product_id"`
	Quantity    int64     `json:"quantity"`
	TotalPrice  int64     `json:"total_price"`
	PurchasedAt time.Time `json:"purchased_at"`
}

// DecrementOutcome is the tagged result of a guarded decrement. Missing and
// insufficient are distinct on purpose: a missing counter means the product
// was never seeded (NotFound), not that it sold out.
type DecrementOutcome int

const (
	DecrementOK DecrementOutcome = iota
	DecrementInsufficient
	DecrementMissing
)

// DecrementResult carries the outcome and, when OK, the counter value after
// the decrement.
type DecrementResult struct {
	Outcome  DecrementOutcome
	NewValue int64
}

// Node is one coordination node. All mutations of stock counters and lock
// records go through these primitives; each is executed server side as a
// single indivisible step (Lua scripts on Redis).
//
// A network/RPC error from TryDecrement is ambiguous: the decrement may or may
// not have been applied. Callers must either re-read the counter or run a
// compensation when rolling back.
type Node interface {
	// Address returns the host:port this node was configured with.
	Address() string
	Ping(ctx context.Context) error

	// TryDecrement subtracts qty from the counter if its value is >= qty.
	TryDecrement(ctx context.Context, key string, qty int64) (DecrementResult, error)
	// Compensate adds qty back to the counter. It never creates a missing
	// key; the returned bool reports whether the increment was applied.
	Compensate(ctx context.Context, key string, qty int64) (bool, error)
	// GetCounter reads the counter. Returns found=false when the key is absent.
	GetCounter(ctx context.Context, key string) (bool, int64, error)
	// SeedCounter creates the counter via set-if-absent. Returns false when the
	// key already existed (existing value is left untouched).
	SeedCounter(ctx context.Context, key string, value int64) (bool, error)
	// OverwriteCounter unconditionally sets the counter. Reconciliation only;
	// the reservation paths never use it.
	OverwriteCounter(ctx context.Context, key string, value int64) error

	// AcquireLock is a set-if-absent-with-expiry of token under key. Returns
	// false when another holder's record exists.
	AcquireLock(ctx context.Context, key string, token UUID, ttl time.Duration) (bool, error)
	// ReleaseLock is a server-side compare-and-delete: the record is removed
	// only when the stored token matches. Returns false when not held by token.
	ReleaseLock(ctx context.Context, key string, token UUID) (bool, error)
	// ExtendLock is a server-side compare-and-refresh of the TTL. Returns
	// false when not held by token.
	ExtendLock(ctx context.Context, key string, token UUID, ttl time.Duration) (bool, error)
}

// CloseableNode is a Node that owns its connection. Callers that opened the
// node (as opposed to sharing a singleton connection) should Close it.
type CloseableNode interface {
	Node
	Close() error
}

// Repository is the persistence collaborator. RecordPurchase must write the
// purchase record and update the durable stock counter in one atomic unit.
type Repository interface {
	GetProduct(ctx context.Context, id string) (*Product, error)
	AddProduct(ctx context.Context, p *Product) error
	// RecordPurchase persists p and decrements the product's durable stock by
	// p.Quantity transactionally.
	RecordPurchase(ctx context.Context, p *Purchase) error
	// GetStock reads the durable stock counter.
	GetStock(ctx context.Context, productID string) (int64, error)
}

// FormatStockKey returns the coordination-node key of a product's counter.
func FormatStockKey(productID string) string {
	return fmt.Sprintf("stock:%s", productID)
}

// FormatLockKey returns the coordination-node key of a product's stock lock.
func FormatLockKey(productID string) string {
	return fmt.Sprintf("lock:stock:%s", productID)
}
