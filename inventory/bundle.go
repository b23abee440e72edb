package inventory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/sharedcode/flashsale"
)

// BundleItem is one line of a multi-product purchase.
type BundleItem struct {
	ProductID string `json:"product_id"`
	Quantity  int64  `json:"quantity"`
}

// ReserveMany admits a bundle purchase. Product locks are acquired in
// ascending product-ID order and released in reverse, so two bundles sharing
// products can never wait on each other cyclically. Under quorum locking each
// product lock is an independent quorum lock held simultaneously; the bundle's
// trust window is the minimum of the per-lock validities.
//
// Items settle sequentially under their locks: on the first failing item the
// bundle stops, that item is rolled back, and the purchases already recorded
// are returned alongside the error. The durable store offers no cross-product
// transaction to undo them.
func (c *Coordinator) ReserveMany(ctx context.Context, actor string, items []BundleItem) ([]*flashsale.Purchase, error) {
	if len(items) == 0 {
		return nil, nil
	}
	for _, it := range items {
		if it.Quantity <= 0 {
			return nil, flashsale.Error[string]{
				Code:     flashsale.Unknown,
				Err:      fmt.Errorf("quantity must be positive, got %d", it.Quantity),
				UserData: it.ProductID,
			}
		}
	}

	// Canonical order: ascending product identifier.
	sorted := make([]BundleItem, len(items))
	copy(sorted, items)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ProductID < sorted[j].ProductID })
	for i := 1; i < len(sorted); i++ {
		if sorted[i].ProductID == sorted[i-1].ProductID {
			return nil, flashsale.Error[string]{
				Code:     flashsale.Unknown,
				Err:      fmt.Errorf("duplicate product in bundle"),
				UserData: sorted[i].ProductID,
			}
		}
	}

	products := make([]*flashsale.Product, len(sorted))
	for i, it := range sorted {
		p, err := c.repo.GetProduct(ctx, it.ProductID)
		if err != nil {
			return nil, err
		}
		if p == nil {
			c.stats.NotFound.Add(1)
			return nil, flashsale.Error[string]{Code: flashsale.NotFound, Err: fmt.Errorf("product not found"), UserData: it.ProductID}
		}
		if c.rules != nil {
			ok, err := c.rules.Allow(ctx, actor, p, it.Quantity)
			if err != nil {
				return nil, err
			}
			if !ok {
				return nil, flashsale.Error[string]{Code: flashsale.NotEligible, Err: fmt.Errorf("purchase refused by eligibility rule"), UserData: it.ProductID}
			}
		}
		products[i] = p
	}

	// Acquire in canonical order; release in reverse acquire order.
	var held []*heldLock
	defer func() {
		for i := len(held) - 1; i >= 0; i-- {
			c.releaseLock(ctx, held[i])
		}
	}()
	deadline := time.Time{}
	for _, it := range sorted {
		h, err := c.acquireLock(ctx, it.ProductID)
		if err != nil {
			return nil, err
		}
		held = append(held, h)
		if deadline.IsZero() || h.deadline.Before(deadline) {
			deadline = h.deadline
		}
	}
	// The bundle trusts no lock past the earliest deadline.
	for _, h := range held {
		h.deadline = deadline
	}

	var purchases []*flashsale.Purchase
	for i, it := range sorted {
		p, err := c.reserveLocked(ctx, held[i], products[i], it.Quantity, actor)
		if err != nil {
			return purchases, err
		}
		purchases = append(purchases, p)
	}
	return purchases, nil
}
