// Package mocks provides in-memory implementations of the engine's
// collaborator interfaces for use in package tests: a coordination node with
// real TTL semantics and fault injection, and a purchase repository with
// failure injection.
package mocks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sharedcode/flashsale"
)

type lockRecord struct {
	token  string
	expiry time.Time
}

// Node is an in-memory coordination node. All primitives take the node mutex
// for the whole operation, matching the indivisibility of the Lua scripts on
// a real node. Lock records expire lazily against the wall clock.
type Node struct {
	mu       sync.Mutex
	addr     string
	counters map[string]int64
	locks    map[string]lockRecord

	// Fault injection. Zero values mean a healthy node.

	// Down makes every operation fail, as if the node were unreachable.
	Down bool
	// FailAcquire makes AcquireLock error while leaving the rest healthy.
	FailAcquire bool
	// FailDecrement makes TryDecrement error while leaving the rest healthy.
	FailDecrement bool
	// Latency is added to every operation before it runs.
	Latency time.Duration
}

// NewNode returns a healthy in-memory node.
func NewNode(addr string) *Node {
	return &Node{
		addr:     addr,
		counters: make(map[string]int64),
		locks:    make(map[string]lockRecord),
	}
}

// NewNodes returns n healthy in-memory nodes with synthetic addresses.
func NewNodes(n int) []*Node {
	nodes := make([]*Node, n)
	for i := range nodes {
		nodes[i] = NewNode(fmt.Sprintf("mock-%d:6379", i))
	}
	return nodes
}

// AsNodes converts to the interface slice the engine components take.
func AsNodes(nodes []*Node) []flashsale.Node {
	out := make([]flashsale.Node, len(nodes))
	for i, n := range nodes {
		out[i] = n
	}
	return out
}

var errNodeDown = fmt.Errorf("node unreachable")

func (m *Node) enter(ctx context.Context) error {
	m.mu.Lock()
	latency, down := m.Latency, m.Down
	m.mu.Unlock()
	if latency > 0 {
		flashsale.Sleep(ctx, latency)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if down {
		return errNodeDown
	}
	return nil
}

// SetDown flips node reachability under the mutex. Use this when killing a
// node while other goroutines are mid flight.
func (m *Node) SetDown(down bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Down = down
}

func (m *Node) Address() string { return m.addr }

func (m *Node) Ping(ctx context.Context) error {
	return m.enter(ctx)
}

func (m *Node) TryDecrement(ctx context.Context, key string, qty int64) (flashsale.DecrementResult, error) {
	if err := m.enter(ctx); err != nil {
		return flashsale.DecrementResult{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailDecrement {
		return flashsale.DecrementResult{}, fmt.Errorf("decrement failed by injection")
	}
	v, ok := m.counters[key]
	if !ok {
		return flashsale.DecrementResult{Outcome: flashsale.DecrementMissing}, nil
	}
	if v < qty {
		return flashsale.DecrementResult{Outcome: flashsale.DecrementInsufficient}, nil
	}
	m.counters[key] = v - qty
	return flashsale.DecrementResult{Outcome: flashsale.DecrementOK, NewValue: v - qty}, nil
}

func (m *Node) Compensate(ctx context.Context, key string, qty int64) (bool, error) {
	if err := m.enter(ctx); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.counters[key]; !ok {
		// Compensation never creates a missing counter.
		return false, nil
	}
	m.counters[key] += qty
	return true, nil
}

func (m *Node) GetCounter(ctx context.Context, key string) (bool, int64, error) {
	if err := m.enter(ctx); err != nil {
		return false, 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.counters[key]
	return ok, v, nil
}

func (m *Node) SeedCounter(ctx context.Context, key string, value int64) (bool, error) {
	if err := m.enter(ctx); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.counters[key]; ok {
		return false, nil
	}
	m.counters[key] = value
	return true, nil
}

func (m *Node) OverwriteCounter(ctx context.Context, key string, value int64) error {
	if err := m.enter(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[key] = value
	return nil
}

// expiredLocked removes the record under key when past its expiry. Caller
// holds the mutex.
func (m *Node) expiredLocked(key string) {
	if rec, ok := m.locks[key]; ok && time.Now().After(rec.expiry) {
		delete(m.locks, key)
	}
}

func (m *Node) AcquireLock(ctx context.Context, key string, token flashsale.UUID, ttl time.Duration) (bool, error) {
	if err := m.enter(ctx); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailAcquire {
		return false, fmt.Errorf("acquire failed by injection")
	}
	m.expiredLocked(key)
	if _, ok := m.locks[key]; ok {
		return false, nil
	}
	m.locks[key] = lockRecord{token: token.String(), expiry: time.Now().Add(ttl)}
	return true, nil
}

func (m *Node) ReleaseLock(ctx context.Context, key string, token flashsale.UUID) (bool, error) {
	if err := m.enter(ctx); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expiredLocked(key)
	rec, ok := m.locks[key]
	if !ok || rec.token != token.String() {
		return false, nil
	}
	delete(m.locks, key)
	return true, nil
}

func (m *Node) ExtendLock(ctx context.Context, key string, token flashsale.UUID, ttl time.Duration) (bool, error) {
	if err := m.enter(ctx); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expiredLocked(key)
	rec, ok := m.locks[key]
	if !ok || rec.token != token.String() {
		return false, nil
	}
	rec.expiry = time.Now().Add(ttl)
	m.locks[key] = rec
	return true, nil
}

// Counter reads a counter directly, bypassing fault injection. Test helper.
func (m *Node) Counter(key string) (int64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.counters[key]
	return v, ok
}

// SetCounter writes a counter directly. Test helper.
func (m *Node) SetCounter(key string, value int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[key] = value
}

// HoldsLock reports whether an unexpired lock record exists under key. Test helper.
func (m *Node) HoldsLock(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expiredLocked(key)
	_, ok := m.locks[key]
	return ok
}

// LockToken returns the current lock token under key, if held. Test helper.
func (m *Node) LockToken(key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expiredLocked(key)
	rec, ok := m.locks[key]
	return rec.token, ok
}
