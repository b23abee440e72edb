// Package lock implements the single-node pessimistic lock: a named mutex on
// one coordination node, acquired via set-if-absent-with-expiry under a
// caller-unique token and released via server-side compare-and-delete.
package lock

import (
	"context"
	"time"

	"github.com/sharedcode/flashsale"
)

// LockKey tracks one acquisition attempt: the namespaced key, the token bound
// to this attempt, and whether this caller currently owns the record.
type LockKey struct {
	Key         string
	LockID      flashsale.UUID
	IsLockOwner bool
}

// Locker acquires and releases single-node locks with a bounded TTL. It never
// blocks on contention; a held lock yields ok=false and retries happen at the
// coordinator layer with backoff.
type Locker struct {
	node flashsale.Node
	ttl  time.Duration
}

func NewLocker(node flashsale.Node, ttl time.Duration) *Locker {
	return &Locker{
		node: node,
		ttl:  ttl,
	}
}

// TTL returns the lock time-to-live this Locker acquires with.
func (l *Locker) TTL() time.Duration {
	return l.ttl
}

// CreateLockKey builds a lock key with a freshly generated token. Tokens are
// never reused across attempts.
func (l *Locker) CreateLockKey(name string) *LockKey {
	return &LockKey{
		Key:    name,
		LockID: flashsale.NewUUID(),
	}
}

// Acquire attempts a set-if-absent-with-expiry of the token under the key.
// The TTL is set atomically with the create. Returns false when another
// holder's record exists.
func (l *Locker) Acquire(ctx context.Context, lk *LockKey) (bool, error) {
	ok, err := l.node.AcquireLock(ctx, lk.Key, lk.LockID, l.ttl)
	if err != nil {
		return false, err
	}
	lk.IsLockOwner = ok
	return ok, nil
}

// Release removes the lock record only when the stored token matches, so a
// caller that lost its lock (TTL expired while paused) cannot delete the
// successor's. Releasing more than once is a no-op after the first success.
func (l *Locker) Release(ctx context.Context, lk *LockKey) (bool, error) {
	if !lk.IsLockOwner {
		return false, nil
	}
	released, err := l.node.ReleaseLock(ctx, lk.Key, lk.LockID)
	if err != nil {
		return false, err
	}
	lk.IsLockOwner = false
	return released, nil
}

// IsLocked reports whether this caller owns the lock per its own record. The
// record can still expire server side at any moment; treat a true result as a
// hint, the token-checked release and extend are the authority.
func (l *Locker) IsLocked(lk *LockKey) bool {
	return lk.IsLockOwner
}

// Extend refreshes the TTL only when the token matches. Returns false when
// the lock is no longer held by this token.
func (l *Locker) Extend(ctx context.Context, lk *LockKey, newTTL time.Duration) (bool, error) {
	ok, err := l.node.ExtendLock(ctx, lk.Key, lk.LockID, newTTL)
	if err != nil {
		return false, err
	}
	if !ok {
		lk.IsLockOwner = false
	}
	return ok, nil
}
