package mocks

import (
	"context"
	"fmt"
	"sync"

	"github.com/sharedcode/flashsale"
)

// Repository is an in-memory persistence collaborator. RecordPurchase appends
// the purchase and updates the durable stock under one mutex hold, standing in
// for the transactional write of the real store.
type Repository struct {
	mu        sync.Mutex
	products  map[string]*flashsale.Product
	purchases []*flashsale.Purchase
	calls     int

	// FailRecord makes every RecordPurchase fail.
	FailRecord bool
	// FailEveryN makes every Nth RecordPurchase call fail (1-based). Zero
	// disables the injection.
	FailEveryN int
	// BeforeRecord, when set, runs inside RecordPurchase before the write.
	// Used to simulate slow persistence (e.g. a pause past lock validity).
	BeforeRecord func(ctx context.Context, p *flashsale.Purchase) error
}

func NewRepository() *Repository {
	return &Repository{
		products: make(map[string]*flashsale.Product),
	}
}

func (r *Repository) GetProduct(ctx context.Context, id string) (*flashsale.Product, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.products[id]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (r *Repository) AddProduct(ctx context.Context, p *flashsale.Product) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.products[p.ID]; ok {
		return fmt.Errorf("product %s already exists", p.ID)
	}
	cp := *p
	r.products[p.ID] = &cp
	return nil
}

func (r *Repository) RecordPurchase(ctx context.Context, p *flashsale.Purchase) error {
	if r.BeforeRecord != nil {
		if err := r.BeforeRecord(ctx, p); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.FailRecord || (r.FailEveryN > 0 && r.calls%r.FailEveryN == 0) {
		return fmt.Errorf("record purchase failed by injection")
	}
	prod, ok := r.products[p.ProductID]
	if !ok {
		return fmt.Errorf("product %s not found", p.ProductID)
	}
	if prod.Stock < p.Quantity {
		return fmt.Errorf("durable stock %d below purchase quantity %d", prod.Stock, p.Quantity)
	}
	prod.Stock -= p.Quantity
	cp := *p
	r.purchases = append(r.purchases, &cp)
	return nil
}

func (r *Repository) GetStock(ctx context.Context, productID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.products[productID]
	if !ok {
		return 0, fmt.Errorf("product %s not found", productID)
	}
	return p.Stock, nil
}

// PurchaseCount returns the number of recorded purchases for the product. Test helper.
func (r *Repository) PurchaseCount(productID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, p := range r.purchases {
		if p.ProductID == productID {
			n++
		}
	}
	return n
}

// PurchasedUnits sums the purchased quantities for the product. Test helper.
func (r *Repository) PurchasedUnits(productID string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, p := range r.purchases {
		if p.ProductID == productID {
			n += p.Quantity
		}
	}
	return n
}
