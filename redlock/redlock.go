// Package redlock implements the quorum lock: a lock is held iff strictly
// more than half of N independent coordination nodes each grant a single-node
// lock on the same name within a bounded acquisition window, with a remaining
// validity that is still positive after clock-drift compensation.
//
// The nodes are independent and unreplicated by design; that independence is
// what makes a majority of live nodes sufficient. Only monotonic local clocks
// are assumed, never agreement on real time.
package redlock

import (
	"context"
	"fmt"
	log "log/slog"
	"math"
	"time"

	"github.com/sharedcode/flashsale"
)

// Lock describes a held quorum lock. The holder must not trust it past
// Deadline(); if the critical section has not completed by then, it must
// either abandon and roll back, or extend before the deadline.
type Lock struct {
	Name  string
	Token flashsale.UUID
	// Granted lists the indexes of the nodes that granted the lock.
	Granted []int
	// Validity is the remaining time the lock may be trusted, computed at
	// acquisition after subtracting elapsed time and drift allowance.
	Validity   time.Duration
	AcquiredAt time.Time
}

// Deadline returns the instant past which the lock must not be trusted.
func (l *Lock) Deadline() time.Time {
	return l.AcquiredAt.Add(l.Validity)
}

// ErrNoQuorumReachable is returned when fewer than quorum nodes answered the
// acquisition round. No round can succeed against that node set regardless of
// contention; the coordination layer is unavailable, as opposed to merely
// contended.
var ErrNoQuorumReachable = fmt.Errorf("no coordination node reachable")

// Redlock acquires quorum locks over a fixed set of coordination nodes.
type Redlock struct {
	nodes       []flashsale.Node
	ttl         time.Duration
	nodeTimeout time.Duration
	driftFactor float64
	driftFloor  time.Duration
}

// New builds a Redlock from the engine options and the opened nodes.
// Options are assumed validated (NodeTimeout well under LockTTL).
func New(nodes []flashsale.Node, options flashsale.Options) *Redlock {
	return &Redlock{
		nodes:       nodes,
		ttl:         options.LockTTL,
		nodeTimeout: options.NodeTimeout,
		driftFactor: options.DriftFactor,
		driftFloor:  options.DriftFloor,
	}
}

// Quorum returns the required majority grant count, floor(N/2)+1.
func (r *Redlock) Quorum() int {
	return len(r.nodes)/2 + 1
}

// drift is the asymmetric clock-drift compensation subtracted from the TTL:
// ceil(ttl * factor) + floor.
func (r *Redlock) drift() time.Duration {
	return time.Duration(math.Ceil(float64(r.ttl)*r.driftFactor)) + r.driftFloor
}

// Acquire runs one acquisition round: a single fresh token is offered to every
// node in parallel, each attempt capped by the per-node timeout. A node that
// times out, errors, or reports busy counts as a failure for that node but
// does not abort the round.
//
// Returns (lock, nil) when at least quorum nodes granted and the computed
// validity is positive; (nil, nil) when the round failed but enough nodes were
// reachable (contention); (nil, ErrNoQuorumReachable) when fewer than quorum
// nodes answered.
// On failure the partial grants are best-effort released before returning.
func (r *Redlock) Acquire(ctx context.Context, name string) (*Lock, error) {
	token := flashsale.NewUUID()
	t0 := time.Now()

	granted := make([]bool, len(r.nodes))
	reachable := make([]bool, len(r.nodes))

	tr := flashsale.NewTaskRunner(ctx, len(r.nodes))
	for i := range r.nodes {
		i := i
		tr.Go(func() error {
			nctx, cancel := context.WithTimeout(tr.GetContext(), r.nodeTimeout)
			defer cancel()
			ok, err := r.nodes[i].AcquireLock(nctx, name, token, r.ttl)
			if err != nil {
				log.Debug("lock grant attempt failed", "node", r.nodes[i].Address(), "name", name, "error", err)
				return nil
			}
			reachable[i] = true
			granted[i] = ok
			return nil
		})
	}
	tr.Wait()

	elapsed := time.Since(t0)
	validity := r.ttl - elapsed - r.drift()

	var grants []int
	reached := 0
	for i := range r.nodes {
		if reachable[i] {
			reached++
		}
		if granted[i] {
			grants = append(grants, i)
		}
	}

	if len(grants) >= r.Quorum() && validity > 0 {
		return &Lock{
			Name:       name,
			Token:      token,
			Granted:    grants,
			Validity:   validity,
			AcquiredAt: t0,
		}, nil
	}

	// Purge partial state. A node may also have granted while the reply was
	// lost, so release goes to every configured node, not just the known
	// grants. The purge runs under a detached, time-bounded context so a
	// caller that already gave up cannot skip it.
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 3*r.nodeTimeout)
	r.releaseAll(rctx, name, token)
	cancel()

	if reached < r.Quorum() {
		return nil, ErrNoQuorumReachable
	}
	if validity <= 0 && len(grants) >= r.Quorum() {
		// Quorum was there but the round ran too long (slow network, GC
		// pause). Treated the same as contention.
		log.Warn("quorum lock validity exhausted during acquisition",
			"name", name, "elapsed", elapsed, "ttl", r.ttl)
	}
	return nil, nil
}

// Release issues a compare-and-delete on every configured node. Per-node
// failures are tolerated; the TTL guarantees eventual cleanup.
func (r *Redlock) Release(ctx context.Context, lock *Lock) {
	r.releaseAll(ctx, lock.Name, lock.Token)
}

func (r *Redlock) releaseAll(ctx context.Context, name string, token flashsale.UUID) {
	tr := flashsale.NewTaskRunner(ctx, len(r.nodes))
	for i := range r.nodes {
		i := i
		tr.Go(func() error {
			// Bounded retry per node; release stays best effort.
			for attempt := 0; attempt < 2; attempt++ {
				nctx, cancel := context.WithTimeout(tr.GetContext(), r.nodeTimeout)
				_, err := r.nodes[i].ReleaseLock(nctx, name, token)
				cancel()
				if err == nil {
					return nil
				}
				if attempt == 0 {
					log.Debug("lock release attempt failed", "node", r.nodes[i].Address(), "name", name, "error", err)
				}
			}
			return nil
		})
	}
	tr.Wait()
}

// Extend refreshes the TTL on every configured node under the same quorum and
// drift rules as acquisition. On success the lock's validity window restarts
// from now; on failure the lock keeps its previous (possibly elapsed)
// validity and the holder should abandon.
func (r *Redlock) Extend(ctx context.Context, lock *Lock, newTTL time.Duration) (bool, error) {
	t0 := time.Now()

	extended := make([]bool, len(r.nodes))
	tr := flashsale.NewTaskRunner(ctx, len(r.nodes))
	for i := range r.nodes {
		i := i
		tr.Go(func() error {
			nctx, cancel := context.WithTimeout(tr.GetContext(), r.nodeTimeout)
			defer cancel()
			ok, err := r.nodes[i].ExtendLock(nctx, lock.Name, lock.Token, newTTL)
			if err != nil {
				log.Debug("lock extend attempt failed", "node", r.nodes[i].Address(), "name", lock.Name, "error", err)
				return nil
			}
			extended[i] = ok
			return nil
		})
	}
	tr.Wait()

	elapsed := time.Since(t0)
	drift := time.Duration(math.Ceil(float64(newTTL)*r.driftFactor)) + r.driftFloor
	validity := newTTL - elapsed - drift

	var grants []int
	for i := range r.nodes {
		if extended[i] {
			grants = append(grants, i)
		}
	}
	if len(grants) < r.Quorum() || validity <= 0 {
		return false, nil
	}
	lock.Granted = grants
	lock.Validity = validity
	lock.AcquiredAt = t0
	return true, nil
}
