package inventory

import (
	"testing"
	"time"

	"github.com/sharedcode/flashsale"
	"github.com/sharedcode/flashsale/mocks"
)

func newStock(nodes []*mocks.Node) *Stock {
	return NewStock(mocks.AsNodes(nodes), 500*time.Millisecond)
}

func TestSeedAllNodes(t *testing.T) {
	nodes := mocks.NewNodes(5)
	s := newStock(nodes)

	if err := s.Seed(ctx, "p1", 100); err != nil {
		t.Error(err)
		t.FailNow()
	}
	for i, n := range nodes {
		if v, ok := n.Counter(flashsale.FormatStockKey("p1")); !ok || v != 100 {
			t.Errorf("expected node %d seeded with 100, but got %d (present=%v)", i, v, ok)
		}
	}
}

func TestSeedLeavesExistingCounter(t *testing.T) {
	nodes := mocks.NewNodes(3)
	s := newStock(nodes)
	nodes[1].SetCounter(flashsale.FormatStockKey("p1"), 42)

	if err := s.Seed(ctx, "p1", 100); err != nil {
		t.Error(err)
		t.FailNow()
	}
	if v, _ := nodes[1].Counter(flashsale.FormatStockKey("p1")); v != 42 {
		t.Errorf("expected existing counter untouched at 42, but got %d", v)
	}
	if v, _ := nodes[0].Counter(flashsale.FormatStockKey("p1")); v != 100 {
		t.Errorf("expected fresh counter seeded with 100, but got %d", v)
	}
}

func TestSeedRequiresQuorum(t *testing.T) {
	nodes := mocks.NewNodes(5)
	nodes[0].Down = true
	nodes[1].Down = true
	nodes[2].Down = true
	s := newStock(nodes)

	err := s.Seed(ctx, "p1", 100)
	if code := errCode(t, err); code != flashsale.Unavailable {
		t.Errorf("expected Unavailable seeding with 3 of 5 nodes down, but got code %d", code)
	}
}

func TestGetMajorityValue(t *testing.T) {
	nodes := mocks.NewNodes(5)
	s := newStock(nodes)
	key := flashsale.FormatStockKey("p1")
	for _, n := range nodes {
		n.SetCounter(key, 70)
	}
	// One node diverged (missed a compensation, say).
	nodes[2].SetCounter(key, 71)

	found, v, err := s.Get(ctx, "p1")
	if err != nil {
		t.Error(err)
		t.FailNow()
	}
	if !found {
		t.Errorf("expected the counter to be found")
	}
	if v != 70 {
		t.Errorf("expected majority value 70, but got %d", v)
	}
}

func TestGetBelowQuorumNotFound(t *testing.T) {
	nodes := mocks.NewNodes(5)
	s := newStock(nodes)
	// Only 2 of 5 hold the counter.
	nodes[0].SetCounter(flashsale.FormatStockKey("p1"), 70)
	nodes[3].SetCounter(flashsale.FormatStockKey("p1"), 70)

	found, _, err := s.Get(ctx, "p1")
	if err != nil {
		t.Error(err)
		t.FailNow()
	}
	if found {
		t.Errorf("expected found=false with the counter on a minority of nodes")
	}
}

func TestOverwrite(t *testing.T) {
	nodes := mocks.NewNodes(3)
	s := newStock(nodes)
	key := flashsale.FormatStockKey("p1")
	nodes[0].SetCounter(key, 5)
	nodes[1].SetCounter(key, 7)

	if err := s.Overwrite(ctx, "p1", 60); err != nil {
		t.Error(err)
		t.FailNow()
	}
	for i, n := range nodes {
		if v, _ := n.Counter(key); v != 60 {
			t.Errorf("expected node %d counter 60, but got %d", i, v)
		}
	}
}

func TestOverwriteRequiresQuorum(t *testing.T) {
	nodes := mocks.NewNodes(3)
	nodes[0].Down = true
	nodes[1].Down = true
	s := newStock(nodes)

	err := s.Overwrite(ctx, "p1", 60)
	if code := errCode(t, err); code != flashsale.Unavailable {
		t.Errorf("expected Unavailable, but got code %d", code)
	}
}

func TestReconcilerRestoresCacheFromDurable(t *testing.T) {
	nodes := mocks.NewNodes(3)
	repo := mocks.NewRepository()
	if err := repo.AddProduct(ctx, &flashsale.Product{ID: "p1", Name: "p1", Price: 10, Stock: 80}); err != nil {
		t.Fatal(err)
	}
	key := flashsale.FormatStockKey("p1")
	// Cache drifted from the durable counter.
	nodes[0].SetCounter(key, 78)
	nodes[1].SetCounter(key, 80)
	nodes[2].SetCounter(key, 79)

	r := NewReconciler(mocks.AsNodes(nodes), 500*time.Millisecond, repo)
	if err := r.Reconcile(ctx, "p1"); err != nil {
		t.Error(err)
		t.FailNow()
	}
	for i, n := range nodes {
		if v, _ := n.Counter(key); v != 80 {
			t.Errorf("expected node %d reconciled to 80, but got %d", i, v)
		}
	}
}
