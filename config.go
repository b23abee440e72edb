package flashsale

import (
	"fmt"
	log "log/slog"
	"time"
)

// NodeConfig holds the connection settings of one coordination node.
type NodeConfig struct {
	// Address is the host:port of the Redis node.
	Address string `json:"address"`
	// Password is the password used to authenticate.
	Password string `json:"password"`
	// DB is the database index to select.
	DB int `json:"db"`
}

// Options is the engine configuration, constructed once at startup and passed
// explicitly. There is no process-wide mutable engine state.
type Options struct {
	// UseQuorum selects the quorum (Redlock) strategy over the single-node
	// pessimistic lock. Single-node mode uses Nodes[0] only.
	UseQuorum bool `json:"use_quorum"`
	// Nodes lists the coordination nodes. They are independent by design, no
	// replication among them.
	Nodes []NodeConfig `json:"nodes"`

	// LockTTL is the lock time-to-live.
	LockTTL time.Duration `json:"lock_ttl"`
	// NodeTimeout caps each per-node RPC. Must satisfy NodeTimeout <= LockTTL/10
	// so the acquisition round stays well inside the TTL.
	NodeTimeout time.Duration `json:"node_timeout"`
	// DriftFactor is the clock-drift factor applied to LockTTL when computing
	// the remaining validity of a quorum lock.
	DriftFactor float64 `json:"drift_factor"`
	// DriftFloor is the minimum drift allowance.
	DriftFloor time.Duration `json:"drift_floor"`

	// MaxRetries is the number of lock acquisition attempts before giving up
	// with Busy.
	MaxRetries int `json:"max_retries"`
	// BaseDelay and MaxDelay bound the exponential backoff (with jitter)
	// between lock acquisition attempts.
	BaseDelay time.Duration `json:"base_delay"`
	MaxDelay  time.Duration `json:"max_delay"`

	// SafetyMargin is the minimum lock validity that must remain for the
	// coordinator to proceed with the decrement and the durable write.
	SafetyMargin time.Duration `json:"safety_margin"`
}

// DefaultOptions returns Options with the documented defaults and a single
// local node.
func DefaultOptions() Options {
	return Options{
		Nodes:        []NodeConfig{{Address: "localhost:6379"}},
		LockTTL:      10 * time.Second,
		NodeTimeout:  time.Second,
		DriftFactor:  0.01,
		DriftFloor:   2 * time.Millisecond,
		MaxRetries:   3,
		BaseDelay:    100 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		SafetyMargin: 100 * time.Millisecond,
	}
}

// Quorum returns the majority grant count required for the quorum lock to be
// considered held.
func (o Options) Quorum() int {
	return len(o.Nodes)/2 + 1
}

// Validate applies defaults for unset fields and rejects settings that break
// the lock timing assumptions.
func (o *Options) Validate() error {
	if len(o.Nodes) == 0 {
		return fmt.Errorf("at least one coordination node is required")
	}
	d := DefaultOptions()
	if o.LockTTL <= 0 {
		o.LockTTL = d.LockTTL
	}
	if o.NodeTimeout <= 0 {
		o.NodeTimeout = o.LockTTL / 10
	}
	if o.NodeTimeout > o.LockTTL/10 {
		return fmt.Errorf("node timeout %v exceeds lock TTL/10 (%v)", o.NodeTimeout, o.LockTTL/10)
	}
	if o.DriftFactor <= 0 {
		o.DriftFactor = d.DriftFactor
	}
	if o.DriftFloor <= 0 {
		o.DriftFloor = d.DriftFloor
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = d.MaxRetries
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = d.BaseDelay
	}
	if o.MaxDelay < o.BaseDelay {
		o.MaxDelay = d.MaxDelay
	}
	if o.SafetyMargin <= 0 {
		o.SafetyMargin = d.SafetyMargin
	}
	// Tuning guard, not a hard invariant: a retry budget bigger than the TTL
	// means callers can outwait the lock they are contending for.
	if time.Duration(o.MaxRetries)*o.MaxDelay > o.LockTTL {
		log.Warn("lock retry budget exceeds lock TTL",
			"maxRetries", o.MaxRetries, "maxDelay", o.MaxDelay, "lockTtl", o.LockTTL)
	}
	return nil
}
