package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sharedcode/flashsale"
)

type node struct {
	conn    *Connection
	isOwner bool
}

// NewNode opens a new Redis connection and returns the coordination node
// wrapper for it. Returned node has "Close" method you can call when you don't
// need it anymore.
func NewNode(options Options) flashsale.CloseableNode {
	c := openConnection(options)
	return &node{
		conn:    c,
		isOwner: true,
	}
}

// NewClient returns a coordination node backed by the singleton connection
// (see OpenConnection). Useful for single-node deployments.
func NewClient() flashsale.Node {
	return &node{
		conn: connection,
	}
}

// Close this node's connection.
func (n *node) Close() error {
	if !n.isOwner || n.conn == nil {
		return nil
	}
	err := closeConnection(n.conn)
	n.conn = nil
	return err
}

// keyNotFound will detect whether error signifies key not found by Redis.
func (n *node) keyNotFound(err error) bool {
	return err == redis.Nil
}

func (n *node) Address() string {
	if n.conn == nil {
		return ""
	}
	return n.conn.Options.Address
}

// Ping tests connectivity for redis (PONG should be returned)
func (n *node) Ping(ctx context.Context) error {
	if n.conn == nil {
		return fmt.Errorf("Redis connection is not open, 'can't create new client")
	}
	return n.conn.Client.Ping(ctx).Err()
}

// TryDecrement runs the guarded decrement script on the counter.
func (n *node) TryDecrement(ctx context.Context, key string, qty int64) (flashsale.DecrementResult, error) {
	if n.conn == nil {
		return flashsale.DecrementResult{}, fmt.Errorf("Redis connection is not open, 'can't create new client")
	}
	v, err := luaTryDecrement.Run(ctx, n.conn.Client, []string{key}, qty).Int64()
	if err != nil {
		return flashsale.DecrementResult{}, err
	}
	switch v {
	case -2:
		return flashsale.DecrementResult{Outcome: flashsale.DecrementMissing}, nil
	case -1:
		return flashsale.DecrementResult{Outcome: flashsale.DecrementInsufficient}, nil
	default:
		return flashsale.DecrementResult{Outcome: flashsale.DecrementOK, NewValue: v}, nil
	}
}

// Compensate runs the guarded increment script. Returns false (applied=false)
// when the counter is absent on this node.
func (n *node) Compensate(ctx context.Context, key string, qty int64) (bool, error) {
	if n.conn == nil {
		return false, fmt.Errorf("Redis connection is not open, 'can't create new client")
	}
	v, err := luaCompensate.Run(ctx, n.conn.Client, []string{key}, qty).Int64()
	if err != nil {
		return false, err
	}
	return v >= 0, nil
}

// GetCounter executes the redis Get command on the counter key.
func (n *node) GetCounter(ctx context.Context, key string) (bool, int64, error) {
	if n.conn == nil {
		return false, 0, fmt.Errorf("Redis connection is not open, 'can't create new client")
	}
	s, err := n.conn.Client.Get(ctx, key).Result()
	if err != nil {
		// Convert key not found into returning false and nil err.
		if n.keyNotFound(err) {
			return false, 0, nil
		}
		return false, 0, err
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return false, 0, fmt.Errorf("counter %s holds a non-integer value %q", key, s)
	}
	return true, v, nil
}

// SeedCounter executes the redis SetNX command: the counter is created only
// when absent so concurrent seeding from multiple app instances is safe.
func (n *node) SeedCounter(ctx context.Context, key string, value int64) (bool, error) {
	if n.conn == nil {
		return false, fmt.Errorf("Redis connection is not open, 'can't create new client")
	}
	return n.conn.Client.SetNX(ctx, key, value, 0).Result()
}

// OverwriteCounter executes a plain Set. Reconciliation only.
func (n *node) OverwriteCounter(ctx context.Context, key string, value int64) error {
	if n.conn == nil {
		return fmt.Errorf("Redis connection is not open, 'can't create new client")
	}
	return n.conn.Client.Set(ctx, key, value, 0).Err()
}

// AcquireLock executes the redis SetNX command with expiry. The TTL is set
// atomically with the create; there is no read-then-write round trip.
func (n *node) AcquireLock(ctx context.Context, key string, token flashsale.UUID, ttl time.Duration) (bool, error) {
	if n.conn == nil {
		return false, fmt.Errorf("Redis connection is not open, 'can't create new client")
	}
	return n.conn.Client.SetNX(ctx, key, token.String(), ttl).Result()
}

// ReleaseLock runs the compare-and-delete script.
func (n *node) ReleaseLock(ctx context.Context, key string, token flashsale.UUID) (bool, error) {
	if n.conn == nil {
		return false, fmt.Errorf("Redis connection is not open, 'can't create new client")
	}
	v, err := luaCompareDelete.Run(ctx, n.conn.Client, []string{key}, token.String()).Int64()
	if err != nil {
		return false, err
	}
	return v == 1, nil
}

// ExtendLock runs the compare-and-refresh script.
func (n *node) ExtendLock(ctx context.Context, key string, token flashsale.UUID, ttl time.Duration) (bool, error) {
	if n.conn == nil {
		return false, fmt.Errorf("Redis connection is not open, 'can't create new client")
	}
	v, err := luaCompareRefresh.Run(ctx, n.conn.Client, []string{key}, token.String(), ttl.Milliseconds()).Int64()
	if err != nil {
		return false, err
	}
	return v == 1, nil
}
