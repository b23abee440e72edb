package inventory

import "sync/atomic"

// Stats counts coordinator outcomes. Counters are engine-wide; per-product
// contention shows up in the debug log rather than in a labeled counter.
type Stats struct {
	Reserved             atomic.Int64
	Busy                 atomic.Int64
	InsufficientStock    atomic.Int64
	NotFound             atomic.Int64
	Inconsistent         atomic.Int64
	Unavailable          atomic.Int64
	LockRetries          atomic.Int64
	Compensations        atomic.Int64
	CompensationFailures atomic.Int64
	Reconciliations      atomic.Int64
}

// Snapshot is a point-in-time copy of the counters, JSON friendly for the
// stats endpoint.
type Snapshot struct {
	Reserved             int64 `json:"reserved"`
	Busy                 int64 `json:"busy"`
	InsufficientStock    int64 `json:"insufficient_stock"`
	NotFound             int64 `json:"not_found"`
	Inconsistent         int64 `json:"inconsistent"`
	Unavailable          int64 `json:"unavailable"`
	LockRetries          int64 `json:"lock_retries"`
	Compensations        int64 `json:"compensations"`
	CompensationFailures int64 `json:"compensation_failures"`
	Reconciliations      int64 `json:"reconciliations"`
}

func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		Reserved:             s.Reserved.Load(),
		Busy:                 s.Busy.Load(),
		InsufficientStock:    s.InsufficientStock.Load(),
		NotFound:             s.NotFound.Load(),
		Inconsistent:         s.Inconsistent.Load(),
		Unavailable:          s.Unavailable.Load(),
		LockRetries:          s.LockRetries.Load(),
		Compensations:        s.Compensations.Load(),
		CompensationFailures: s.CompensationFailures.Load(),
		Reconciliations:      s.Reconciliations.Load(),
	}
}
