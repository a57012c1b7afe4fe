package ingest

import (
	"context"
	"log/slog"
	"math/big"
	"reflect"
	"testing"

	"github.com/example/chainride/internal/ledger"
	"github.com/example/chainride/internal/mirror"
	"github.com/example/chainride/internal/models"
	"github.com/example/chainride/internal/stats"
)

// fakeLedger serves canned order records and counts reads.
type fakeLedger struct {
	orders map[uint64]*ledger.OrderRecord
	reads  int
}

func (f *fakeLedger) GetOrder(ctx context.Context, id uint64) (*ledger.OrderRecord, error) {
	f.reads++
	rec, ok := f.orders[id]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (f *fakeLedger) LatestOrderID(ctx context.Context) (uint64, error) {
	var max uint64
	for id := range f.orders {
		if id > max {
			max = id
		}
	}
	return max, nil
}

func (f *fakeLedger) BlockNumber(ctx context.Context) (uint64, error) { return 100, nil }

func (f *fakeLedger) SubscribeEvents(ctx context.Context) (<-chan ledger.Event, error) {
	ch := make(chan ledger.Event)
	close(ch)
	return ch, nil
}

func openRecord(id uint64) *ledger.OrderRecord {
	return &ledger.OrderRecord{
		ID:              id,
		Requester:       "0xreq",
		PickupLat:       40050000,
		PickupLng:       116000000,
		DropoffLat:      40100000,
		DropoffLng:      116100000,
		PickupLabel:     "gate b",
		Category:        "ride",
		EstimatedAmount: big.NewInt(2e18),
		Status:          ledger.StatusOpen,
		CreatedAt:       1700000000,
	}
}

func newIngestor(l ledger.Client, m mirror.Store) *Ingestor {
	return &Ingestor{
		Ledger: l,
		Mirror: m,
		Stats:  stats.New(m, 5, slog.Default()),
		Logger: slog.Default(),
	}
}

func TestHandleEventCreatesMirrorRecord(t *testing.T) {
	fl := &fakeLedger{orders: map[uint64]*ledger.OrderRecord{1: openRecord(1)}}
	m := mirror.NewMemoryStore()
	in := newIngestor(fl, m)
	ctx := context.Background()

	in.HandleEvent(ctx, ledger.OrderOpened{
		EventMeta: ledger.EventMeta{OrderID: 1, Block: 10, TxHash: "0xaa"},
		Requester: "0xreq",
	})

	o, err := m.GetOrder(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if o.Status != models.StatusOpen || o.Pickup.Lat != 40.05 {
		t.Fatalf("order %+v", o)
	}
	h, _ := m.History(ctx, 1)
	if len(h) != 1 || h[0].Event != "OrderOpened" || h[0].Block != 10 {
		t.Fatalf("history %+v", h)
	}
	if got := in.Stats.Snapshot(); got.Transactions != 1 {
		t.Fatalf("transactions %d", got.Transactions)
	}
}

func TestHandleEventReplayIsIdempotent(t *testing.T) {
	fl := &fakeLedger{orders: map[uint64]*ledger.OrderRecord{1: openRecord(1)}}
	m := mirror.NewMemoryStore()
	in := newIngestor(fl, m)
	ctx := context.Background()

	ev := ledger.OrderOpened{EventMeta: ledger.EventMeta{OrderID: 1, Block: 10}, Requester: "0xreq"}
	in.HandleEvent(ctx, ev)
	first, _ := m.GetOrder(ctx, 1)
	in.HandleEvent(ctx, ev)
	second, _ := m.GetOrder(ctx, 1)

	first.UpdatedAt = second.UpdatedAt
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("replay changed the record: %+v vs %+v", first, second)
	}
	// status unchanged on replay, so no second history line
	h, _ := m.History(ctx, 1)
	if len(h) != 1 {
		t.Fatalf("history grew on replay: %+v", h)
	}
}

func TestHandleEventDiscardsUnknownOrder(t *testing.T) {
	fl := &fakeLedger{orders: map[uint64]*ledger.OrderRecord{}}
	m := mirror.NewMemoryStore()
	in := newIngestor(fl, m)
	ctx := context.Background()

	in.HandleEvent(ctx, ledger.OrderOpened{EventMeta: ledger.EventMeta{OrderID: 7}})
	if _, err := m.GetOrder(ctx, 7); err == nil {
		t.Fatal("unknown order must not reach the mirror")
	}
}

func TestHandleEventDiscardsMismatch(t *testing.T) {
	fl := &fakeLedger{orders: map[uint64]*ledger.OrderRecord{1: openRecord(1)}}
	m := mirror.NewMemoryStore()
	in := newIngestor(fl, m)
	ctx := context.Background()

	in.HandleEvent(ctx, ledger.OrderOpened{
		EventMeta: ledger.EventMeta{OrderID: 1},
		Requester: "0xsomeoneelse",
	})
	if _, err := m.GetOrder(ctx, 1); err == nil {
		t.Fatal("mismatching event must be discarded")
	}
}

func TestCompletionUpdatesCountersAndPreservesFields(t *testing.T) {
	rec := openRecord(1)
	fl := &fakeLedger{orders: map[uint64]*ledger.OrderRecord{1: rec}}
	m := mirror.NewMemoryStore()
	in := newIngestor(fl, m)
	ctx := context.Background()

	in.HandleEvent(ctx, ledger.OrderOpened{EventMeta: ledger.EventMeta{OrderID: 1}, Requester: "0xreq"})

	// ledger moves on; the completion read no longer carries the label
	rec.Status = ledger.StatusCompleted
	rec.Provider = "0xprov"
	rec.FinalAmount = big.NewInt(2e18)
	rec.CompletedAt = 1700003600
	rec.PickupLabel = ""

	in.HandleEvent(ctx, ledger.OrderCompleted{EventMeta: ledger.EventMeta{OrderID: 1, Block: 12}, FinalAmount: rec.FinalAmount})

	o, _ := m.GetOrder(ctx, 1)
	if o.Status != models.StatusCompleted {
		t.Fatalf("status %s", o.Status)
	}
	if o.PickupLabel != "gate b" {
		t.Fatalf("merge dropped existing field, label %q", o.PickupLabel)
	}
	sum := in.Stats.Snapshot()
	if sum.Revenue.Cmp(big.NewInt(2e18)) != 0 {
		t.Fatalf("revenue %s", sum.Revenue)
	}
	// 5% fee
	if sum.Fees.Cmp(big.NewInt(1e17)) != 0 {
		t.Fatalf("fees %s", sum.Fees)
	}
	h, _ := m.History(ctx, 1)
	if len(h) != 2 || h[1].Event != "OrderCompleted" {
		t.Fatalf("history %+v", h)
	}
}

func TestReplayedEventsDoNotDoubleCount(t *testing.T) {
	rec := openRecord(1)
	fl := &fakeLedger{orders: map[uint64]*ledger.OrderRecord{1: rec}}
	m := mirror.NewMemoryStore()
	in := newIngestor(fl, m)
	ctx := context.Background()

	opened := ledger.OrderOpened{EventMeta: ledger.EventMeta{OrderID: 1}, Requester: "0xreq"}
	in.HandleEvent(ctx, opened)
	in.HandleEvent(ctx, opened)
	if sum := in.Stats.Snapshot(); sum.Transactions != 1 {
		t.Fatalf("transactions %d after replayed open, want 1", sum.Transactions)
	}

	rec.Status = ledger.StatusCompleted
	rec.Provider = "0xprov"
	rec.FinalAmount = big.NewInt(2e18)
	rec.CompletedAt = 1700003600

	completed := ledger.OrderCompleted{EventMeta: ledger.EventMeta{OrderID: 1, Block: 12}, FinalAmount: rec.FinalAmount}
	in.HandleEvent(ctx, completed)
	in.HandleEvent(ctx, completed)

	sum := in.Stats.Snapshot()
	if sum.Revenue.Cmp(big.NewInt(2e18)) != 0 {
		t.Fatalf("revenue %s after replayed completion, want 2e18 once", sum.Revenue)
	}
	if sum.Fees.Cmp(big.NewInt(1e17)) != 0 {
		t.Fatalf("fees %s after replayed completion", sum.Fees)
	}
}

func TestReplayedDisputeEventsDoNotDoubleCount(t *testing.T) {
	rec := openRecord(1)
	fl := &fakeLedger{orders: map[uint64]*ledger.OrderRecord{1: rec}}
	m := mirror.NewMemoryStore()
	in := newIngestor(fl, m)
	ctx := context.Background()

	in.HandleEvent(ctx, ledger.OrderOpened{EventMeta: ledger.EventMeta{OrderID: 1}, Requester: "0xreq"})

	rec.DisputeOpened = true
	rec.DisputeOpener = "0xreq"
	rec.DisputeReason = "no show"
	opened := ledger.DisputeOpened{EventMeta: ledger.EventMeta{OrderID: 1}, Opener: "0xreq", Reason: "no show"}
	in.HandleEvent(ctx, opened)
	in.HandleEvent(ctx, opened)
	if sum := in.Stats.Snapshot(); sum.DisputesOpened != 1 {
		t.Fatalf("disputes opened %d, want 1", sum.DisputesOpened)
	}

	rec.DisputeResolution = "refund"
	rec.DisputeWinner = "0xreq"
	resolved := ledger.DisputeResolved{EventMeta: ledger.EventMeta{OrderID: 1}, Resolution: "refund", Winner: "0xreq"}
	in.HandleEvent(ctx, resolved)
	in.HandleEvent(ctx, resolved)
	if sum := in.Stats.Snapshot(); sum.DisputesResolved != 1 {
		t.Fatalf("disputes resolved %d, want 1", sum.DisputesResolved)
	}
}

func TestInternalSubscribersReceiveNormalizedEvent(t *testing.T) {
	fl := &fakeLedger{orders: map[uint64]*ledger.OrderRecord{1: openRecord(1)}}
	m := mirror.NewMemoryStore()
	in := newIngestor(fl, m)

	var got []models.OrderEvent
	in.SubscribeInternal(func(ev models.OrderEvent) { got = append(got, ev) })

	in.HandleEvent(context.Background(), ledger.OrderOpened{EventMeta: ledger.EventMeta{OrderID: 1}, Requester: "0xreq"})
	if len(got) != 1 || got[0].Kind != "order_opened" || got[0].Order == nil {
		t.Fatalf("events %+v", got)
	}
	if got[0].Order.Pickup.Lat != 40.05 {
		t.Fatalf("normalized pickup %+v", got[0].Order.Pickup)
	}
}
