package inventory

import (
	"context"
	"fmt"
	log "log/slog"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/sharedcode/flashsale"
	"github.com/sharedcode/flashsale/lock"
	"github.com/sharedcode/flashsale/redlock"
)

// RuleEvaluator decides purchase eligibility before any lock is taken.
// See the rules package for the CEL backed implementation.
type RuleEvaluator interface {
	Allow(ctx context.Context, actor string, p *flashsale.Product, quantity int64) (bool, error)
}

// Coordinator orchestrates one reservation: pick the locking strategy,
// acquire the lock, run the atomic decrement, persist the purchase, release.
// Every exit path, including panics, releases the lock; the TTL covers the
// case where the process dies before the deferred release runs.
type Coordinator struct {
	options flashsale.Options
	nodes   []flashsale.Node
	repo    flashsale.Repository
	stock   *Stock
	quorum  *redlock.Redlock
	locker  *lock.Locker
	rules   RuleEvaluator
	sink    ReconciliationSink
	stats   Stats
}

// NewCoordinator validates the options and wires the configured locking
// strategy. nodes must be the opened connections matching options.Nodes.
func NewCoordinator(options flashsale.Options, nodes []flashsale.Node, repo flashsale.Repository) (*Coordinator, error) {
	if err := options.Validate(); err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		return nil, fmt.Errorf("at least one coordination node is required")
	}
	if options.UseQuorum && len(nodes)%2 == 0 {
		log.Warn("even node count wastes a node, quorum is floor(N/2)+1", "nodes", len(nodes))
	}
	c := &Coordinator{
		options: options,
		nodes:   nodes,
		repo:    repo,
		stock:   NewStock(nodes, options.NodeTimeout),
		sink:    LogSink{},
	}
	if options.UseQuorum {
		c.quorum = redlock.New(nodes, options)
	} else {
		c.locker = lock.NewLocker(nodes[0], options.LockTTL)
	}
	return c, nil
}

// WithRules installs an eligibility evaluator. Chainable, call before serving.
func (c *Coordinator) WithRules(re RuleEvaluator) *Coordinator {
	c.rules = re
	return c
}

// WithSink installs a reconciliation sink. Chainable, call before serving.
func (c *Coordinator) WithSink(s ReconciliationSink) *Coordinator {
	if s != nil {
		c.sink = s
	}
	return c
}

// Stats returns a snapshot of the coordinator's outcome counters.
func (c *Coordinator) Stats() Snapshot {
	return c.stats.Snapshot()
}

// Stock exposes the admission-cache operations (seed, quorum read) sharing
// this coordinator's node set.
func (c *Coordinator) Stock() *Stock {
	return c.stock
}

// heldLock unifies the two strategies for the reservation critical section.
type heldLock struct {
	product  string
	quorum   *redlock.Lock
	single   *lock.LockKey
	deadline time.Time
	// granted lists the node indexes the decrement is replayed on.
	granted []int
}

// remaining is the trust budget left: time to the lock deadline minus the
// safety margin. The critical section must not pass a step boundary with
// remaining <= 0, because the lock may expire and a second reserver may
// already hold it.
func (c *Coordinator) remaining(h *heldLock) time.Duration {
	return time.Until(h.deadline) - c.options.SafetyMargin
}

var errLockBusy = fmt.Errorf("lock busy")

// acquireLock applies the retry policy: up to MaxRetries attempts with
// exponential backoff, jitter, and a delay cap. Contention and node
// unavailability both retry; they are told apart only when giving up.
func (c *Coordinator) acquireLock(ctx context.Context, productID string) (*heldLock, error) {
	name := flashsale.FormatLockKey(productID)
	unavailable := false

	var held *heldLock
	b := retry.NewExponential(c.options.BaseDelay)
	b = retry.WithJitterPercent(50, b)
	b = retry.WithCappedDuration(c.options.MaxDelay, b)
	b = retry.WithMaxRetries(uint64(c.options.MaxRetries-1), b)

	err := retry.Do(ctx, b, func(ctx context.Context) error {
		if c.quorum != nil {
			lk, err := c.quorum.Acquire(ctx, name)
			if err != nil {
				unavailable = true
				c.stats.LockRetries.Add(1)
				return retry.RetryableError(err)
			}
			if lk == nil {
				unavailable = false
				c.stats.LockRetries.Add(1)
				log.Debug("quorum lock contended", "product", productID)
				return retry.RetryableError(errLockBusy)
			}
			held = &heldLock{
				product:  productID,
				quorum:   lk,
				deadline: lk.Deadline(),
				granted:  lk.Granted,
			}
			return nil
		}

		lk := c.locker.CreateLockKey(name)
		t0 := time.Now()
		ok, err := c.locker.Acquire(ctx, lk)
		if err != nil {
			unavailable = true
			c.stats.LockRetries.Add(1)
			return retry.RetryableError(err)
		}
		if !ok {
			unavailable = false
			c.stats.LockRetries.Add(1)
			log.Debug("lock contended", "product", productID)
			return retry.RetryableError(errLockBusy)
		}
		held = &heldLock{
			product:  productID,
			single:   lk,
			deadline: t0.Add(c.options.LockTTL),
			granted:  []int{0},
		}
		return nil
	})
	if err != nil {
		if unavailable {
			c.stats.Unavailable.Add(1)
			return nil, flashsale.Error[string]{Code: flashsale.Unavailable, Err: err, UserData: productID}
		}
		c.stats.Busy.Add(1)
		return nil, flashsale.Error[string]{Code: flashsale.Busy, Err: err, UserData: productID}
	}
	return held, nil
}

// releaseLock always runs, even when the caller's context is already
// canceled: the release is issued under a detached, time-bounded context.
func (c *Coordinator) releaseLock(ctx context.Context, h *heldLock) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 3*c.options.NodeTimeout)
	defer cancel()
	if h.quorum != nil {
		c.quorum.Release(rctx, h.quorum)
		return
	}
	if _, err := c.locker.Release(rctx, h.single); err != nil {
		// TTL cleans up what the release could not.
		log.Warn("lock release failed", "product", h.product, "error", err)
	}
}

// Reserve admits a purchase of quantity units of the product for the actor.
// On success the returned purchase has been durably recorded and the durable
// stock decremented in the same transaction. Failures are typed via
// flashsale.Error[string]: NotFound, NotEligible, Busy, InsufficientStock,
// Inconsistent, Unavailable.
func (c *Coordinator) Reserve(ctx context.Context, productID string, quantity int64, actor string) (*flashsale.Purchase, error) {
	if quantity <= 0 {
		return nil, flashsale.Error[string]{
			Code:     flashsale.Unknown,
			Err:      fmt.Errorf("quantity must be positive, got %d", quantity),
			UserData: productID,
		}
	}

	product, err := c.repo.GetProduct(ctx, productID)
	if err != nil {
		return nil, err
	}
	if product == nil {
		c.stats.NotFound.Add(1)
		return nil, flashsale.Error[string]{Code: flashsale.NotFound, Err: fmt.Errorf("product not found"), UserData: productID}
	}

	if c.rules != nil {
		ok, err := c.rules.Allow(ctx, actor, product, quantity)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, flashsale.Error[string]{Code: flashsale.NotEligible, Err: fmt.Errorf("purchase refused by eligibility rule"), UserData: productID}
		}
	}

	held, err := c.acquireLock(ctx, productID)
	if err != nil {
		return nil, err
	}
	defer c.releaseLock(ctx, held)

	return c.reserveLocked(ctx, held, product, quantity, actor)
}

// reserveLocked runs the critical section: decrement, deadline check, persist.
// Caller holds the lock and is responsible for releasing it.
func (c *Coordinator) reserveLocked(ctx context.Context, held *heldLock, product *flashsale.Product, quantity int64, actor string) (*flashsale.Purchase, error) {
	if c.remaining(held) <= 0 {
		// Validity burned before any state change; plain contention outcome.
		c.stats.Busy.Add(1)
		return nil, flashsale.Error[string]{Code: flashsale.Busy, Err: fmt.Errorf("lock validity exhausted before decrement"), UserData: product.ID}
	}

	round := c.stock.tryDecrement(ctx, held.granted, product.ID, quantity)
	quorum := c.decrementQuorum(held)

	switch {
	case len(round.ok) >= quorum:
		// Admission granted.
	case len(round.insufficient) >= quorum:
		c.rollbackDecrement(ctx, round, product.ID, quantity, "insufficient stock on majority")
		c.stats.InsufficientStock.Add(1)
		return nil, flashsale.Error[string]{
			Code:     flashsale.InsufficientStock,
			Err:      fmt.Errorf("stock below requested quantity %d", quantity),
			UserData: product.ID,
		}
	case len(round.missing) >= quorum:
		c.rollbackDecrement(ctx, round, product.ID, quantity, "counter missing on majority")
		c.stats.NotFound.Add(1)
		return nil, flashsale.Error[string]{Code: flashsale.NotFound, Err: fmt.Errorf("stock counter was never seeded"), UserData: product.ID}
	default:
		// Mixed outcomes with no majority. Undo what is known to have
		// applied and surface a retryable inconsistency; errored nodes are
		// left to reconciliation (see rollbackDecrement).
		c.rollbackDecrement(ctx, round, product.ID, quantity, "no decrement majority")
		c.stats.Inconsistent.Add(1)
		return nil, flashsale.Error[string]{
			Code:     flashsale.Inconsistent,
			Err:      fmt.Errorf("decrement reached %d of %d nodes, quorum is %d", len(round.ok), len(held.granted), quorum),
			UserData: product.ID,
		}
	}

	if c.remaining(held) <= 0 {
		// The lock may already belong to someone else; writing the purchase
		// now could oversell. Undo and report contention.
		c.rollbackDecrement(ctx, round, product.ID, quantity, "lock validity exhausted before persist")
		c.stats.Busy.Add(1)
		return nil, flashsale.Error[string]{Code: flashsale.Busy, Err: fmt.Errorf("lock validity exhausted before persist"), UserData: product.ID}
	}

	purchase := &flashsale.Purchase{
		ID:          flashsale.NewUUID(),
		UserID:      actor,
		ProductID:   product.ID,
		Quantity:    quantity,
		TotalPrice:  product.Price * quantity,
		PurchasedAt: time.Now(),
	}
	if err := c.repo.RecordPurchase(ctx, purchase); err != nil {
		c.rollbackDecrement(ctx, round, product.ID, quantity, "durable write failed")
		return nil, err
	}

	if len(round.failed) > 0 {
		// The decrement may have applied on the errored nodes too; their
		// counters drift low until reconciliation realigns them with the
		// durable stock.
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 3*c.options.NodeTimeout)
		c.emitReconciliation(rctx, product.ID, quantity, fmt.Sprintf("decrement possibly applied on %d errored node(s) of a fulfilled reservation", len(round.failed)))
		cancel()
	}

	c.stats.Reserved.Add(1)
	log.Debug("reservation fulfilled", "product", product.ID, "actor", actor, "quantity", quantity, "remaining", round.newValue)
	return purchase, nil
}

// decrementQuorum is the grant majority required for the decrement round:
// floor(N/2)+1 of all configured nodes under quorum locking, 1 in single-node
// mode.
func (c *Coordinator) decrementQuorum(h *heldLock) int {
	if h.quorum != nil {
		return len(c.nodes)/2 + 1
	}
	return 1
}

// rollbackDecrement compensates the nodes that are known to have decremented.
// Nodes whose decrement RPC errored are deliberately not compensated: the
// decrement may not have applied there, and blindly adding stock back is the
// one direction that can oversell. Their discrepancy, along with any failed
// compensation, is handed to the reconciliation sink instead; the durable
// counter remains the ground truth either way.
func (c *Coordinator) rollbackDecrement(ctx context.Context, round decrementRound, productID string, qty int64, reason string) {
	if len(round.ok) == 0 && len(round.failed) == 0 {
		return
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*c.options.NodeTimeout)
	defer cancel()
	if len(round.ok) > 0 {
		c.stats.Compensations.Add(1)
		failed := c.stock.compensate(rctx, round.ok, productID, qty)
		if len(failed) > 0 {
			c.stats.CompensationFailures.Add(1)
			c.emitReconciliation(rctx, productID, qty, fmt.Sprintf("%s; compensation failed on %d node(s)", reason, len(failed)))
		}
	}
	if len(round.failed) > 0 {
		c.emitReconciliation(rctx, productID, qty, fmt.Sprintf("%s; decrement possibly applied on %d errored node(s)", reason, len(round.failed)))
	}
}

func (c *Coordinator) emitReconciliation(ctx context.Context, productID string, qty int64, reason string) {
	c.stats.Reconciliations.Add(1)
	ev := ReconciliationEvent{
		ProductID: productID,
		Reason:    reason,
		Quantity:  qty,
		At:        time.Now(),
	}
	if err := c.sink.Record(ctx, ev); err != nil {
		log.Error("reconciliation event could not be recorded", "product", productID, "reason", reason, "error", err)
	}
}
