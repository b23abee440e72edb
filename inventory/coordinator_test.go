package inventory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sharedcode/flashsale"
	"github.com/sharedcode/flashsale/mocks"
)

var ctx = context.Background()

type testEnv struct {
	c     *Coordinator
	nodes []*mocks.Node
	repo  *mocks.Repository
}

// newTestEnv wires a coordinator over in-memory nodes with timings tuned for
// tests: short backoff with a deep retry budget so heavy lock contention still
// resolves within the run.
func newTestEnv(t *testing.T, nodeCount int, useQuorum bool, mutate func(*flashsale.Options)) *testEnv {
	t.Helper()
	nodes := mocks.NewNodes(nodeCount)
	options := flashsale.Options{
		UseQuorum:    useQuorum,
		LockTTL:      5 * time.Second,
		NodeTimeout:  500 * time.Millisecond,
		MaxRetries:   300,
		BaseDelay:    time.Millisecond,
		MaxDelay:     3 * time.Millisecond,
		SafetyMargin: 50 * time.Millisecond,
	}
	for _, n := range nodes {
		options.Nodes = append(options.Nodes, flashsale.NodeConfig{Address: n.Address()})
	}
	if mutate != nil {
		mutate(&options)
	}
	repo := mocks.NewRepository()
	c, err := NewCoordinator(options, mocks.AsNodes(nodes), repo)
	if err != nil {
		t.Fatal(err)
	}
	return &testEnv{c: c, nodes: nodes, repo: repo}
}

func (e *testEnv) seed(t *testing.T, productID string, stock int64) {
	t.Helper()
	err := e.repo.AddProduct(ctx, &flashsale.Product{
		ID:           productID,
		Name:         productID,
		Price:        100,
		InitialStock: stock,
		Stock:        stock,
		CreatedAt:    time.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := e.c.Stock().Seed(ctx, productID, stock); err != nil {
		t.Fatal(err)
	}
}

func errCode(t *testing.T, err error) flashsale.ErrorCode {
	t.Helper()
	var e flashsale.Error[string]
	if !errors.As(err, &e) {
		t.Fatalf("expected a typed engine error, but got %v", err)
	}
	return e.Code
}

func TestReserveHappyPath(t *testing.T) {
	env := newTestEnv(t, 1, false, nil)
	env.seed(t, "p1", 100)

	purchase, err := env.c.Reserve(ctx, "p1", 2, "alice")
	if err != nil {
		t.Error(err)
		t.FailNow()
	}
	if purchase == nil {
		t.Errorf("expected a purchase record")
		t.FailNow()
	}
	if purchase.TotalPrice != 200 {
		t.Errorf("expected total price 200, but got %d", purchase.TotalPrice)
	}
	if v, _ := env.nodes[0].Counter(flashsale.FormatStockKey("p1")); v != 98 {
		t.Errorf("expected cache stock 98, but got %d", v)
	}
	if stock, _ := env.repo.GetStock(ctx, "p1"); stock != 98 {
		t.Errorf("expected durable stock 98, but got %d", stock)
	}
	if env.repo.PurchaseCount("p1") != 1 {
		t.Errorf("expected 1 recorded purchase")
	}
	if env.nodes[0].HoldsLock(flashsale.FormatLockKey("p1")) {
		t.Errorf("expected the lock to be released after the reservation")
	}
}

func TestReserveRejectsNonPositiveQuantity(t *testing.T) {
	env := newTestEnv(t, 1, false, nil)
	env.seed(t, "p1", 10)

	if _, err := env.c.Reserve(ctx, "p1", 0, "alice"); err == nil {
		t.Errorf("expected an error for quantity 0")
	}
	if _, err := env.c.Reserve(ctx, "p1", -3, "alice"); err == nil {
		t.Errorf("expected an error for negative quantity")
	}
	if v, _ := env.nodes[0].Counter(flashsale.FormatStockKey("p1")); v != 10 {
		t.Errorf("expected stock untouched, but got %d", v)
	}
}

func TestReserveUnknownProduct(t *testing.T) {
	env := newTestEnv(t, 1, false, nil)

	_, err := env.c.Reserve(ctx, "ghost", 1, "alice")
	if code := errCode(t, err); code != flashsale.NotFound {
		t.Errorf("expected NotFound, but got code %d", code)
	}
}

func TestReserveUnseededCounter(t *testing.T) {
	env := newTestEnv(t, 1, false, nil)
	// Product exists durably but its counter was never seeded.
	err := env.repo.AddProduct(ctx, &flashsale.Product{ID: "p1", Name: "p1", Price: 100, Stock: 10})
	if err != nil {
		t.Fatal(err)
	}

	_, err = env.c.Reserve(ctx, "p1", 1, "alice")
	if code := errCode(t, err); code != flashsale.NotFound {
		t.Errorf("expected NotFound for a missing counter, but got code %d", code)
	}
	if stock, _ := env.repo.GetStock(ctx, "p1"); stock != 10 {
		t.Errorf("expected durable stock untouched, but got %d", stock)
	}
}

func TestReserveBoundaryQuantities(t *testing.T) {
	env := newTestEnv(t, 1, false, nil)
	env.seed(t, "p1", 5)

	// qty == stock drains the counter exactly.
	if _, err := env.c.Reserve(ctx, "p1", 5, "alice"); err != nil {
		t.Error(err)
		t.FailNow()
	}
	if v, _ := env.nodes[0].Counter(flashsale.FormatStockKey("p1")); v != 0 {
		t.Errorf("expected cache stock 0, but got %d", v)
	}

	env.seed(t, "p2", 5)
	// qty == stock+1 must not partially apply.
	_, err := env.c.Reserve(ctx, "p2", 6, "alice")
	if code := errCode(t, err); code != flashsale.InsufficientStock {
		t.Errorf("expected InsufficientStock, but got code %d", code)
	}
	if v, _ := env.nodes[0].Counter(flashsale.FormatStockKey("p2")); v != 5 {
		t.Errorf("expected cache stock still 5, but got %d", v)
	}
}

func TestExactDepletion(t *testing.T) {
	env := newTestEnv(t, 1, false, nil)
	env.seed(t, "p1", 100)

	for i := 0; i < 100; i++ {
		if _, err := env.c.Reserve(ctx, "p1", 1, "buyer"); err != nil {
			t.Errorf("buyer %d: %v", i, err)
			t.FailNow()
		}
	}
	_, err := env.c.Reserve(ctx, "p1", 1, "late")
	if code := errCode(t, err); code != flashsale.InsufficientStock {
		t.Errorf("expected InsufficientStock after depletion, but got code %d", code)
	}
	if v, _ := env.nodes[0].Counter(flashsale.FormatStockKey("p1")); v != 0 {
		t.Errorf("expected cache stock 0, but got %d", v)
	}
	if stock, _ := env.repo.GetStock(ctx, "p1"); stock != 0 {
		t.Errorf("expected durable stock 0, but got %d", stock)
	}
}

// 300 concurrent buyers against a stock of 100: exactly 100 purchases land,
// the other 200 get InsufficientStock, and nothing oversells.
func TestConcurrentBuyersNoOversell(t *testing.T) {
	env := newTestEnv(t, 1, false, nil)
	env.seed(t, "p1", 100)

	const buyers = 300
	var wg sync.WaitGroup
	codes := make([]flashsale.ErrorCode, buyers)
	succeeded := make([]bool, buyers)
	for i := 0; i < buyers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := env.c.Reserve(ctx, "p1", 1, "buyer")
			if err == nil {
				succeeded[i] = true
				return
			}
			var e flashsale.Error[string]
			if errors.As(err, &e) {
				codes[i] = e.Code
			}
		}(i)
	}
	wg.Wait()

	wins, insufficient := 0, 0
	for i := 0; i < buyers; i++ {
		if succeeded[i] {
			wins++
		} else if codes[i] == flashsale.InsufficientStock {
			insufficient++
		}
	}
	if wins != 100 {
		t.Errorf("expected exactly 100 successful buyers, but got %d", wins)
	}
	if insufficient != 200 {
		t.Errorf("expected 200 InsufficientStock outcomes, but got %d", insufficient)
	}
	if units := env.repo.PurchasedUnits("p1"); units != 100 {
		t.Errorf("expected 100 purchased units, but got %d", units)
	}
	if v, _ := env.nodes[0].Counter(flashsale.FormatStockKey("p1")); v != 0 {
		t.Errorf("expected cache stock 0, but got %d", v)
	}
	if stock, _ := env.repo.GetStock(ctx, "p1"); stock != 0 {
		t.Errorf("expected durable stock 0, but got %d", stock)
	}
}

func TestQuorumReserve(t *testing.T) {
	env := newTestEnv(t, 5, true, nil)
	env.seed(t, "p1", 100)

	if _, err := env.c.Reserve(ctx, "p1", 1, "alice"); err != nil {
		t.Error(err)
		t.FailNow()
	}
	for i, n := range env.nodes {
		if v, _ := n.Counter(flashsale.FormatStockKey("p1")); v != 99 {
			t.Errorf("expected node %d counter 99, but got %d", i, v)
		}
		if n.HoldsLock(flashsale.FormatLockKey("p1")) {
			t.Errorf("expected node %d lock released", i)
		}
	}
}

func TestQuorumReserveSurvivesMinorityLoss(t *testing.T) {
	env := newTestEnv(t, 5, true, nil)
	env.seed(t, "p1", 100)
	env.nodes[1].Down = true
	env.nodes[3].Down = true

	if _, err := env.c.Reserve(ctx, "p1", 1, "alice"); err != nil {
		t.Error(err)
		t.FailNow()
	}
	for _, i := range []int{0, 2, 4} {
		if v, _ := env.nodes[i].Counter(flashsale.FormatStockKey("p1")); v != 99 {
			t.Errorf("expected live node %d counter 99, but got %d", i, v)
		}
	}
	// The dead nodes keep their stale counters until reconciliation.
	for _, i := range []int{1, 3} {
		if v, _ := env.nodes[i].Counter(flashsale.FormatStockKey("p1")); v != 100 {
			t.Errorf("expected dead node %d counter untouched at 100, but got %d", i, v)
		}
	}
}

// Concurrent buyers against the quorum strategy, with one node dying mid
// sale: no oversell, and every surviving node drains to the same counter.
func TestQuorumConcurrentBuyersWithNodeKilledMidSale(t *testing.T) {
	env := newTestEnv(t, 5, true, nil)
	env.seed(t, "p1", 40)

	const buyers = 120
	var wg sync.WaitGroup
	succeeded := make([]bool, buyers)
	for i := 0; i < buyers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i == buyers/2 {
				env.nodes[2].SetDown(true)
			}
			if _, err := env.c.Reserve(ctx, "p1", 1, "buyer"); err == nil {
				succeeded[i] = true
			}
		}(i)
	}
	wg.Wait()

	wins := 0
	for i := 0; i < buyers; i++ {
		if succeeded[i] {
			wins++
		}
	}
	if wins > 40 {
		t.Errorf("oversold: %d successes against a stock of 40", wins)
	}
	if units := env.repo.PurchasedUnits("p1"); units != int64(wins) {
		t.Errorf("expected %d purchased units, but got %d", wins, units)
	}
	if stock, _ := env.repo.GetStock(ctx, "p1"); stock != int64(40-wins) {
		t.Errorf("expected durable stock %d, but got %d", 40-wins, stock)
	}
	// Surviving nodes agree on the remaining admission stock.
	for _, i := range []int{0, 1, 3, 4} {
		if v, _ := env.nodes[i].Counter(flashsale.FormatStockKey("p1")); v < int64(40-wins) {
			t.Errorf("node %d counter %d fell below the durable stock %d", i, v, 40-wins)
		}
	}
}

func TestQuorumLossReportsUnavailable(t *testing.T) {
	env := newTestEnv(t, 5, true, func(o *flashsale.Options) {
		o.MaxRetries = 2
	})
	env.seed(t, "p1", 100)
	env.nodes[0].Down = true
	env.nodes[2].Down = true
	env.nodes[3].Down = true

	_, err := env.c.Reserve(ctx, "p1", 1, "alice")
	if code := errCode(t, err); code != flashsale.Unavailable {
		t.Errorf("expected Unavailable with 3 of 5 nodes down, but got code %d", code)
	}
	if stock, _ := env.repo.GetStock(ctx, "p1"); stock != 100 {
		t.Errorf("expected durable stock untouched, but got %d", stock)
	}
}

func TestAllNodesDownReportsUnavailable(t *testing.T) {
	env := newTestEnv(t, 3, true, func(o *flashsale.Options) {
		o.MaxRetries = 2
	})
	env.seed(t, "p1", 100)
	for _, n := range env.nodes {
		n.Down = true
	}

	_, err := env.c.Reserve(ctx, "p1", 1, "alice")
	if code := errCode(t, err); code != flashsale.Unavailable {
		t.Errorf("expected Unavailable, but got code %d", code)
	}
}

func TestSingleNodeContentionReportsBusy(t *testing.T) {
	env := newTestEnv(t, 1, false, func(o *flashsale.Options) {
		o.MaxRetries = 2
	})
	env.seed(t, "p1", 100)

	// An unrelated holder keeps the lock for the whole test.
	token := flashsale.NewUUID()
	if ok, _ := env.nodes[0].AcquireLock(ctx, flashsale.FormatLockKey("p1"), token, time.Minute); !ok {
		t.FailNow()
	}

	_, err := env.c.Reserve(ctx, "p1", 1, "alice")
	if code := errCode(t, err); code != flashsale.Busy {
		t.Errorf("expected Busy, but got code %d", code)
	}
	if tok, held := env.nodes[0].LockToken(flashsale.FormatLockKey("p1")); !held || tok != token.String() {
		t.Errorf("expected the unrelated holder's lock to be left in place")
	}
}

func TestCompensationOnPersistFailure(t *testing.T) {
	env := newTestEnv(t, 1, false, nil)
	env.seed(t, "p1", 100)
	env.repo.FailRecord = true

	_, err := env.c.Reserve(ctx, "p1", 1, "alice")
	if err == nil {
		t.Errorf("expected the reservation to fail")
		t.FailNow()
	}
	// The decrement was undone; cache and durable agree again.
	if v, _ := env.nodes[0].Counter(flashsale.FormatStockKey("p1")); v != 100 {
		t.Errorf("expected cache stock back at 100, but got %d", v)
	}
	if stock, _ := env.repo.GetStock(ctx, "p1"); stock != 100 {
		t.Errorf("expected durable stock 100, but got %d", stock)
	}
	if env.repo.PurchaseCount("p1") != 0 {
		t.Errorf("expected no purchase recorded")
	}
	if got := env.c.Stats().Compensations; got != 1 {
		t.Errorf("expected 1 compensation, but got %d", got)
	}
	if env.nodes[0].HoldsLock(flashsale.FormatLockKey("p1")) {
		t.Errorf("expected the lock released after the failed reservation")
	}
}

func TestIntermittentPersistFailures(t *testing.T) {
	env := newTestEnv(t, 1, false, nil)
	env.seed(t, "p1", 100)
	env.repo.FailEveryN = 3

	var wins int64
	for i := 0; i < 10; i++ {
		if _, err := env.c.Reserve(ctx, "p1", 1, "buyer"); err == nil {
			wins++
		}
	}
	// Calls 3, 6, 9 fail; the rest land.
	if wins != 7 {
		t.Errorf("expected 7 successful reservations, but got %d", wins)
	}
	if v, _ := env.nodes[0].Counter(flashsale.FormatStockKey("p1")); v != 93 {
		t.Errorf("expected cache stock 93 after compensations, but got %d", v)
	}
	if stock, _ := env.repo.GetStock(ctx, "p1"); stock != 93 {
		t.Errorf("expected durable stock 93, but got %d", stock)
	}
	if got := env.c.Stats().Compensations; got != 3 {
		t.Errorf("expected 3 compensations, but got %d", got)
	}
}

// An errored decrement RPC is ambiguous: the node may have applied it. Such
// nodes are not blindly compensated; the rollback reports them to the
// reconciliation sink so their counters get realigned with the durable stock.
func TestAmbiguousDecrementReportedOnRollback(t *testing.T) {
	env := newTestEnv(t, 3, true, nil)
	env.seed(t, "p1", 100)
	sink := &captureSink{}
	env.c.WithSink(sink)
	env.nodes[1].FailDecrement = true
	env.nodes[2].FailDecrement = true

	_, err := env.c.Reserve(ctx, "p1", 1, "alice")
	if code := errCode(t, err); code != flashsale.Inconsistent {
		t.Errorf("expected Inconsistent without a decrement majority, but got code %d", code)
	}
	if got := sink.count(); got != 1 {
		t.Errorf("expected 1 reconciliation event for the errored nodes, but got %d", got)
	}
	if got := env.c.Stats().Reconciliations; got != 1 {
		t.Errorf("expected 1 reconciliation counted, but got %d", got)
	}
	// The known decrement on node 0 was compensated, not left to the sink.
	if v, _ := env.nodes[0].Counter(flashsale.FormatStockKey("p1")); v != 100 {
		t.Errorf("expected node 0 counter back at 100, but got %d", v)
	}
	if env.repo.PurchaseCount("p1") != 0 {
		t.Errorf("expected no purchase recorded")
	}
}

// A fulfilled reservation with a minority of errored decrement nodes still
// reports those nodes, so their possibly low counters do not drift silently.
func TestAmbiguousDecrementReportedOnSuccess(t *testing.T) {
	env := newTestEnv(t, 5, true, nil)
	env.seed(t, "p1", 100)
	sink := &captureSink{}
	env.c.WithSink(sink)
	env.nodes[1].FailDecrement = true

	if _, err := env.c.Reserve(ctx, "p1", 1, "alice"); err != nil {
		t.Error(err)
		t.FailNow()
	}
	if got := sink.count(); got != 1 {
		t.Errorf("expected 1 reconciliation event, but got %d", got)
	}
	if v, _ := env.nodes[1].Counter(flashsale.FormatStockKey("p1")); v != 100 {
		t.Errorf("expected the errored node untouched at 100, but got %d", v)
	}
	for _, i := range []int{0, 2, 3, 4} {
		if v, _ := env.nodes[i].Counter(flashsale.FormatStockKey("p1")); v != 99 {
			t.Errorf("expected node %d counter 99, but got %d", i, v)
		}
	}
	if stock, _ := env.repo.GetStock(ctx, "p1"); stock != 99 {
		t.Errorf("expected durable stock 99, but got %d", stock)
	}
}

// A caller whose context is canceled inside the critical section still has
// the lock released; only the TTL would otherwise clean it up.
func TestCanceledCallerStillReleasesLock(t *testing.T) {
	env := newTestEnv(t, 1, false, nil)
	env.seed(t, "p1", 100)

	cctx, cancel := context.WithCancel(ctx)
	defer cancel()
	env.repo.BeforeRecord = func(ctx context.Context, p *flashsale.Purchase) error {
		cancel()
		return nil
	}

	if _, err := env.c.Reserve(cctx, "p1", 1, "alice"); err == nil {
		t.Errorf("expected the reservation to fail after cancellation")
	}
	if env.nodes[0].HoldsLock(flashsale.FormatLockKey("p1")) {
		t.Errorf("expected the lock released despite the canceled caller")
	}
	if v, _ := env.nodes[0].Counter(flashsale.FormatStockKey("p1")); v != 100 {
		t.Errorf("expected the decrement compensated, but counter is %d", v)
	}
	if env.repo.PurchaseCount("p1") != 0 {
		t.Errorf("expected no purchase recorded")
	}
}

func TestCanceledCallerStillReleasesQuorumLock(t *testing.T) {
	env := newTestEnv(t, 3, true, nil)
	env.seed(t, "p1", 100)

	cctx, cancel := context.WithCancel(ctx)
	defer cancel()
	env.repo.BeforeRecord = func(ctx context.Context, p *flashsale.Purchase) error {
		cancel()
		return nil
	}

	if _, err := env.c.Reserve(cctx, "p1", 1, "alice"); err == nil {
		t.Errorf("expected the reservation to fail after cancellation")
	}
	for i, n := range env.nodes {
		if n.HoldsLock(flashsale.FormatLockKey("p1")) {
			t.Errorf("expected node %d lock released despite the canceled caller", i)
		}
		if v, _ := n.Counter(flashsale.FormatStockKey("p1")); v != 100 {
			t.Errorf("expected node %d counter back at 100, but got %d", i, v)
		}
	}
}

// A holder that stalls past its lock validity must not write the purchase:
// the decrement is undone and the attempt surfaces as contention.
func TestStallPastValidityDoesNotPersist(t *testing.T) {
	env := newTestEnv(t, 1, false, nil)
	env.seed(t, "p1", 100)

	product, err := env.repo.GetProduct(ctx, "p1")
	if err != nil || product == nil {
		t.FailNow()
	}

	lk := env.c.locker.CreateLockKey(flashsale.FormatLockKey("p1"))
	if ok, _ := env.c.locker.Acquire(ctx, lk); !ok {
		t.FailNow()
	}
	defer env.c.locker.Release(ctx, lk)

	// The decrement itself consumes more time than the deadline leaves.
	env.nodes[0].Latency = 80 * time.Millisecond
	held := &heldLock{
		product:  "p1",
		single:   lk,
		deadline: time.Now().Add(env.c.options.SafetyMargin + 30*time.Millisecond),
		granted:  []int{0},
	}
	_, err = env.c.reserveLocked(ctx, held, product, 1, "alice")
	env.nodes[0].Latency = 0

	if code := errCode(t, err); code != flashsale.Busy {
		t.Errorf("expected Busy when validity ran out mid flight, but got code %d", code)
	}
	if env.repo.PurchaseCount("p1") != 0 {
		t.Errorf("expected no purchase persisted past validity")
	}
	if v, _ := env.nodes[0].Counter(flashsale.FormatStockKey("p1")); v != 100 {
		t.Errorf("expected the decrement compensated, but counter is %d", v)
	}
}

func TestEligibilityRuleRefusal(t *testing.T) {
	env := newTestEnv(t, 1, false, nil)
	env.seed(t, "p1", 100)
	env.c.WithRules(allowFunc(func(ctx context.Context, actor string, p *flashsale.Product, quantity int64) (bool, error) {
		return quantity <= 2, nil
	}))

	if _, err := env.c.Reserve(ctx, "p1", 2, "alice"); err != nil {
		t.Error(err)
	}
	_, err := env.c.Reserve(ctx, "p1", 3, "alice")
	if code := errCode(t, err); code != flashsale.NotEligible {
		t.Errorf("expected NotEligible, but got code %d", code)
	}
	// Refusal happens before any lock or decrement.
	if v, _ := env.nodes[0].Counter(flashsale.FormatStockKey("p1")); v != 98 {
		t.Errorf("expected cache stock 98, but got %d", v)
	}
}

type allowFunc func(ctx context.Context, actor string, p *flashsale.Product, quantity int64) (bool, error)

func (f allowFunc) Allow(ctx context.Context, actor string, p *flashsale.Product, quantity int64) (bool, error) {
	return f(ctx, actor, p, quantity)
}

// captureSink records the reconciliation events it receives, for assertions.
type captureSink struct {
	mu     sync.Mutex
	events []ReconciliationEvent
}

func (s *captureSink) Record(ctx context.Context, ev ReconciliationEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *captureSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}
