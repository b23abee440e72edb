// Package inventory implements the stock admission cache operations and the
// reservation coordinator that orchestrates lock acquisition, the atomic
// decrement, durable persistence and rollback.
package inventory

import (
	"context"
	"fmt"
	log "log/slog"
	"time"

	"github.com/sharedcode/flashsale"
)

// Stock performs counter operations across the configured coordination nodes.
// Counters are mutated only through the node primitives; there is no
// client-side read-modify-write anywhere in this type.
type Stock struct {
	nodes       []flashsale.Node
	nodeTimeout time.Duration
}

func NewStock(nodes []flashsale.Node, nodeTimeout time.Duration) *Stock {
	return &Stock{
		nodes:       nodes,
		nodeTimeout: nodeTimeout,
	}
}

func (s *Stock) quorum() int {
	return len(s.nodes)/2 + 1
}

// Seed creates the product's counter on every node via set-if-absent.
// An existing counter is left untouched, so concurrent seeding from several
// app instances is safe. In multi-node mode at least a quorum of nodes must
// have the counter (freshly created or already present) for the seed to count
// as successful.
func (s *Stock) Seed(ctx context.Context, productID string, quantity int64) error {
	key := flashsale.FormatStockKey(productID)
	present := make([]bool, len(s.nodes))

	tr := flashsale.NewTaskRunner(ctx, len(s.nodes))
	for i := range s.nodes {
		i := i
		tr.Go(func() error {
			nctx, cancel := context.WithTimeout(tr.GetContext(), s.nodeTimeout)
			defer cancel()
			created, err := s.nodes[i].SeedCounter(nctx, key, quantity)
			if err != nil {
				log.Warn("stock seed failed on node", "node", s.nodes[i].Address(), "product", productID, "error", err)
				return nil
			}
			if !created {
				log.Debug("stock already seeded on node", "node", s.nodes[i].Address(), "product", productID)
			}
			present[i] = true
			return nil
		})
	}
	tr.Wait()

	ok := 0
	for _, p := range present {
		if p {
			ok++
		}
	}
	if ok < s.quorum() {
		return flashsale.Error[string]{
			Code:     flashsale.Unavailable,
			Err:      fmt.Errorf("stock seeded on %d of %d nodes, quorum is %d", ok, len(s.nodes), s.quorum()),
			UserData: productID,
		}
	}
	return nil
}

// Get reads the counter from every node and returns the most frequent value
// among the responders. Returns found=false when fewer than a quorum of nodes
// hold the counter. Normally every node holds the same value; divergence only
// appears between a failure and its reconciliation.
func (s *Stock) Get(ctx context.Context, productID string) (bool, int64, error) {
	key := flashsale.FormatStockKey(productID)
	values := make([]int64, len(s.nodes))
	held := make([]bool, len(s.nodes))

	tr := flashsale.NewTaskRunner(ctx, len(s.nodes))
	for i := range s.nodes {
		i := i
		tr.Go(func() error {
			nctx, cancel := context.WithTimeout(tr.GetContext(), s.nodeTimeout)
			defer cancel()
			found, v, err := s.nodes[i].GetCounter(nctx, key)
			if err != nil || !found {
				return nil
			}
			held[i] = true
			values[i] = v
			return nil
		})
	}
	tr.Wait()

	counts := map[int64]int{}
	responders := 0
	for i := range s.nodes {
		if held[i] {
			responders++
			counts[values[i]]++
		}
	}
	if responders < s.quorum() {
		return false, 0, nil
	}
	var best int64
	bestCount := -1
	for v, c := range counts {
		if c > bestCount {
			best, bestCount = v, c
		}
	}
	return true, best, nil
}

// decrementRound is the per-node outcome of one replayed decrement.
type decrementRound struct {
	ok           []int
	insufficient []int
	missing      []int
	failed       []int
	// newValue is the counter value reported by the last node that decremented.
	newValue int64
}

// tryDecrement replays the guarded decrement on each of the given nodes in
// parallel and buckets the per-node outcomes. An RPC error is ambiguous (the
// decrement may have applied), so errored nodes land in failed and are
// reported for reconciliation rather than compensated.
func (s *Stock) tryDecrement(ctx context.Context, nodeIdxs []int, productID string, qty int64) decrementRound {
	if len(nodeIdxs) == 0 {
		return decrementRound{}
	}
	key := flashsale.FormatStockKey(productID)
	results := make([]flashsale.DecrementResult, len(s.nodes))
	errs := make([]error, len(s.nodes))

	tr := flashsale.NewTaskRunner(ctx, len(nodeIdxs))
	for _, idx := range nodeIdxs {
		idx := idx
		tr.Go(func() error {
			nctx, cancel := context.WithTimeout(tr.GetContext(), s.nodeTimeout)
			defer cancel()
			results[idx], errs[idx] = s.nodes[idx].TryDecrement(nctx, key, qty)
			return nil
		})
	}
	tr.Wait()

	var round decrementRound
	for _, idx := range nodeIdxs {
		if errs[idx] != nil {
			log.Warn("decrement failed on node", "node", s.nodes[idx].Address(), "product", productID, "error", errs[idx])
			round.failed = append(round.failed, idx)
			continue
		}
		switch results[idx].Outcome {
		case flashsale.DecrementOK:
			round.ok = append(round.ok, idx)
			round.newValue = results[idx].NewValue
		case flashsale.DecrementInsufficient:
			round.insufficient = append(round.insufficient, idx)
		case flashsale.DecrementMissing:
			round.missing = append(round.missing, idx)
		}
	}
	return round
}

// compensate adds qty back on each of the given nodes with a bounded retry
// per node. Returns the indexes on which compensation could not be applied;
// those leave a discrepancy that reconciliation has to settle.
func (s *Stock) compensate(ctx context.Context, nodeIdxs []int, productID string, qty int64) []int {
	if len(nodeIdxs) == 0 {
		return nil
	}
	key := flashsale.FormatStockKey(productID)
	failed := make([]bool, len(s.nodes))

	tr := flashsale.NewTaskRunner(ctx, len(nodeIdxs))
	for _, idx := range nodeIdxs {
		idx := idx
		tr.Go(func() error {
			err := flashsale.Retry(tr.GetContext(), func(ctx context.Context) error {
				nctx, cancel := context.WithTimeout(ctx, s.nodeTimeout)
				defer cancel()
				applied, err := s.nodes[idx].Compensate(nctx, key, qty)
				if err != nil {
					return flashsale.RetryableError(err)
				}
				if !applied {
					// Counter vanished on this node; nothing to add back, but
					// worth a trace since it implies an administrative delete
					// or a lost seed.
					log.Warn("compensation was a no-op, counter missing", "node", s.nodes[idx].Address(), "product", productID)
				}
				return nil
			}, nil)
			if err != nil {
				failed[idx] = true
			}
			return nil
		})
	}
	tr.Wait()

	var out []int
	for _, idx := range nodeIdxs {
		if failed[idx] {
			out = append(out, idx)
		}
	}
	return out
}

// Overwrite forces the counter to the given value on every node.
// Reconciliation only; the reservation paths never use it.
func (s *Stock) Overwrite(ctx context.Context, productID string, value int64) error {
	key := flashsale.FormatStockKey(productID)
	okCount := 0
	var lastErr error

	for i := range s.nodes {
		nctx, cancel := context.WithTimeout(ctx, s.nodeTimeout)
		err := s.nodes[i].OverwriteCounter(nctx, key, value)
		cancel()
		if err != nil {
			log.Warn("stock overwrite failed on node", "node", s.nodes[i].Address(), "product", productID, "error", err)
			lastErr = err
			continue
		}
		okCount++
	}
	if okCount < s.quorum() {
		return flashsale.Error[string]{
			Code:     flashsale.Unavailable,
			Err:      fmt.Errorf("stock overwrite reached %d of %d nodes, quorum is %d: %v", okCount, len(s.nodes), s.quorum(), lastErr),
			UserData: productID,
		}
	}
	return nil
}
