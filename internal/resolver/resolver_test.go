package resolver

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/example/chainride/internal/cache"
	"github.com/example/chainride/internal/ledger"
	"github.com/example/chainride/internal/mirror"
	"github.com/example/chainride/internal/models"
)

type scriptedLedger struct {
	mu     sync.Mutex
	orders map[uint64]*ledger.OrderRecord
	latest uint64
	fail   bool
	reads  map[uint64]int
}

func (s *scriptedLedger) GetOrder(ctx context.Context, id uint64) (*ledger.OrderRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reads == nil {
		s.reads = make(map[uint64]int)
	}
	s.reads[id]++
	if s.fail {
		return nil, errors.New("ledger down")
	}
	rec, ok := s.orders[id]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *scriptedLedger) LatestOrderID(ctx context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return 0, errors.New("ledger down")
	}
	return s.latest, nil
}

func (s *scriptedLedger) BlockNumber(ctx context.Context) (uint64, error) { return 1, nil }

func (s *scriptedLedger) SubscribeEvents(ctx context.Context) (<-chan ledger.Event, error) {
	ch := make(chan ledger.Event)
	close(ch)
	return ch, nil
}

func record(id uint64, requester, status string) *ledger.OrderRecord {
	return &ledger.OrderRecord{
		ID:              id,
		Requester:       requester,
		PickupLat:       40000000,
		PickupLng:       116000000,
		DropoffLat:      40100000,
		DropoffLng:      116100000,
		EstimatedAmount: big.NewInt(1e18),
		Status:          status,
		CreatedAt:       1700000000,
	}
}

func newResolver(l ledger.Client) *Resolver {
	return New(l, mirror.NewMemoryStore(), cache.NewMemory(), slog.Default())
}

func TestListOpenFiltersAndNormalizes(t *testing.T) {
	l := &scriptedLedger{
		latest: 4,
		orders: map[uint64]*ledger.OrderRecord{
			1: record(1, "0xa", ledger.StatusOpen),
			2: record(2, "0xself", ledger.StatusOpen),   // own order
			3: record(3, "0xb", ledger.StatusCompleted), // not open
			4: {ID: 4, Requester: "0xc", Status: ledger.StatusOpen}, // missing coords
		},
	}
	r := newResolver(l)
	out, err := r.ListOpen(context.Background(), "0xself")
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 1 || out[0].ID != 1 {
		t.Fatalf("out %+v", out)
	}
	if out[0].Pickup.Lat != 40.0 || out[0].EstimatedPrice != "1" {
		t.Fatalf("normalization %+v", out[0])
	}
}

func TestListOpenServesCache(t *testing.T) {
	l := &scriptedLedger{latest: 1, orders: map[uint64]*ledger.OrderRecord{1: record(1, "0xa", ledger.StatusOpen)}}
	r := newResolver(l)
	ctx := context.Background()

	if _, err := r.ListOpen(ctx, "0xp"); err != nil {
		t.Fatal(err)
	}
	l.mu.Lock()
	readsAfterFirst := l.reads[1]
	l.mu.Unlock()
	if _, err := r.ListOpen(ctx, "0xp"); err != nil {
		t.Fatal(err)
	}
	l.mu.Lock()
	readsNow := l.reads[1]
	l.mu.Unlock()
	if readsNow != readsAfterFirst {
		t.Fatal("second query within TTL must be served from cache")
	}
}

func TestListOpenFallsBackToLastGood(t *testing.T) {
	l := &scriptedLedger{latest: 1, orders: map[uint64]*ledger.OrderRecord{1: record(1, "0xa", ledger.StatusOpen)}}
	r := newResolver(l)
	r.CacheTTL = time.Millisecond
	ctx := context.Background()

	good, err := r.ListOpen(ctx, "0xp")
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond) // let the fresh cache expire

	l.mu.Lock()
	l.fail = true
	l.mu.Unlock()
	out, err := r.ListOpen(ctx, "0xp")
	if err != nil {
		t.Fatalf("expected stale fallback, got error %v", err)
	}
	if len(out) != len(good) || out[0].ID != good[0].ID {
		t.Fatalf("stale %+v vs good %+v", out, good)
	}
}

func TestListOpenFailsWithoutAnyCache(t *testing.T) {
	l := &scriptedLedger{fail: true}
	r := newResolver(l)
	if _, err := r.ListOpen(context.Background(), "0xp"); err == nil {
		t.Fatal("expected error with no prior good value")
	}
}

func TestGetByIDNotFoundVsMirrored(t *testing.T) {
	l := &scriptedLedger{orders: map[uint64]*ledger.OrderRecord{}}
	m := mirror.NewMemoryStore()
	r := New(l, m, cache.NewMemory(), slog.Default())
	ctx := context.Background()

	if _, err := r.GetByID(ctx, 5); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	// ledger down but the mirror has the order
	_ = m.PutOrder(ctx, &models.Order{ID: 5, Requester: "0xa", Status: models.StatusAccepted})
	l.mu.Lock()
	l.fail = true
	l.mu.Unlock()
	o, err := r.GetByID(ctx, 5)
	if err != nil {
		t.Fatal(err)
	}
	if o.Status != models.StatusAccepted {
		t.Fatalf("order %+v", o)
	}
}

func TestGetForPartyRoles(t *testing.T) {
	m := mirror.NewMemoryStore()
	ctx := context.Background()
	_ = m.PutOrder(ctx, &models.Order{ID: 1, Requester: "0xa", Provider: "0xp"})
	_ = m.PutOrder(ctx, &models.Order{ID: 2, Requester: "0xb", Provider: "0xp"})
	_ = m.PutOrder(ctx, &models.Order{ID: 3, Requester: "0xa"})

	r := New(&scriptedLedger{}, m, cache.NewMemory(), slog.Default())

	asReq, _ := r.GetForParty(ctx, "0xa", "requester")
	if len(asReq) != 2 {
		t.Fatalf("requester orders %+v", asReq)
	}
	asProv, _ := r.GetForParty(ctx, "0xp", "provider")
	if len(asProv) != 2 {
		t.Fatalf("provider orders %+v", asProv)
	}
	any, _ := r.GetForParty(ctx, "0xb", "")
	if len(any) != 1 || any[0].ID != 2 {
		t.Fatalf("any-role orders %+v", any)
	}
}
