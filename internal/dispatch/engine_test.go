package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/example/chainride/internal/cache"
	"github.com/example/chainride/internal/models"
	"github.com/example/chainride/internal/presence"
)

type recordingChannel struct {
	mu     sync.Mutex
	offers []uint64
	fail   bool
}

func (c *recordingChannel) SendOffer(orderID uint64, distanceKm float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errors.New("send failed")
	}
	c.offers = append(c.offers, orderID)
	return nil
}

func (c *recordingChannel) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.offers)
}

func newEngine(t *testing.T) (*Engine, *presence.Registry) {
	t.Helper()
	reg := presence.NewRegistry(slog.Default())
	return NewEngine(reg, cache.NewMemory(), slog.Default()), reg
}

func TestDispatchZeroProviders(t *testing.T) {
	e, _ := newEngine(t)
	po := models.PendingOrder{OrderID: 1, Pickup: models.Coord{Lat: 40, Lng: 116}, OpenedAt: time.Now()}
	if n := e.Dispatch(po); n != 0 {
		t.Fatalf("offered %d with no providers", n)
	}
}

func TestDispatchRadiusFilter(t *testing.T) {
	e, reg := newEngine(t)
	near := &recordingChannel{}
	reg.Announce("near", models.Coord{Lat: 40.0, Lng: 116.0}, near)

	// pickup ~5.6 km away: inside the 10 km radius
	if n := e.Dispatch(models.PendingOrder{OrderID: 1, Pickup: models.Coord{Lat: 40.05, Lng: 116.0}}); n != 1 {
		t.Fatalf("offered %d, want 1", n)
	}
	if near.count() != 1 {
		t.Fatalf("channel got %d offers", near.count())
	}

	// pickup ~111 km away: outside
	if n := e.Dispatch(models.PendingOrder{OrderID: 2, Pickup: models.Coord{Lat: 41.0, Lng: 116.0}}); n != 0 {
		t.Fatalf("offered %d for a far pickup", n)
	}
}

func TestDispatchCapsAndSortsByDistance(t *testing.T) {
	e, reg := newEngine(t)
	e.MaxOffers = 2
	far := &recordingChannel{}
	mid := &recordingChannel{}
	closest := &recordingChannel{}
	reg.Announce("far", models.Coord{Lat: 40.08, Lng: 116.0}, far)
	reg.Announce("mid", models.Coord{Lat: 40.04, Lng: 116.0}, mid)
	reg.Announce("close", models.Coord{Lat: 40.01, Lng: 116.0}, closest)

	n := e.Dispatch(models.PendingOrder{OrderID: 7, Pickup: models.Coord{Lat: 40.0, Lng: 116.0}})
	if n != 2 {
		t.Fatalf("offered %d, want 2", n)
	}
	if closest.count() != 1 || mid.count() != 1 || far.count() != 0 {
		t.Fatalf("offers close=%d mid=%d far=%d", closest.count(), mid.count(), far.count())
	}
}

func TestDispatchSkipsFailedPush(t *testing.T) {
	e, reg := newEngine(t)
	bad := &recordingChannel{fail: true}
	good := &recordingChannel{}
	reg.Announce("bad", models.Coord{Lat: 40.01, Lng: 116.0}, bad)
	reg.Announce("good", models.Coord{Lat: 40.02, Lng: 116.0}, good)

	// the nearer provider fails; dispatch must still reach the other
	if n := e.Dispatch(models.PendingOrder{OrderID: 3, Pickup: models.Coord{Lat: 40.0, Lng: 116.0}}); n != 1 {
		t.Fatalf("offered %d, want 1", n)
	}
	if good.count() != 1 {
		t.Fatal("surviving provider missed the offer")
	}
}

func TestPendingRemovedExactlyOnce(t *testing.T) {
	e, _ := newEngine(t)
	e.HandleOrderEvent(models.OrderEvent{
		Kind: "order_opened", OrderID: 1,
		Order: &models.Order{ID: 1, Pickup: models.Coord{Lat: 40, Lng: 116}, Status: models.StatusOpen},
	})
	if e.PendingCount() != 1 {
		t.Fatalf("pending %d", e.PendingCount())
	}
	// duplicate open is a no-op
	e.HandleOrderEvent(models.OrderEvent{
		Kind: "order_opened", OrderID: 1,
		Order: &models.Order{ID: 1, Pickup: models.Coord{Lat: 40, Lng: 116}, Status: models.StatusOpen},
	})
	if e.PendingCount() != 1 {
		t.Fatalf("pending after duplicate open %d", e.PendingCount())
	}

	if !e.RemovePending(1) {
		t.Fatal("first removal must report true")
	}
	if e.RemovePending(1) {
		t.Fatal("second removal must report false")
	}
	// duplicate accept event is tolerated
	e.HandleOrderEvent(models.OrderEvent{Kind: "order_accepted", OrderID: 1})
	if e.PendingCount() != 0 {
		t.Fatalf("pending %d", e.PendingCount())
	}
}

func TestStaleReopenedRedeliveryNotRequeued(t *testing.T) {
	e, _ := newEngine(t)
	e.HandleOrderEvent(models.OrderEvent{
		Kind: "order_opened", OrderID: 4,
		Order: &models.Order{ID: 4, Pickup: models.Coord{Lat: 40, Lng: 116}, Status: models.StatusOpen},
	})
	e.HandleOrderEvent(models.OrderEvent{Kind: "order_accepted", OrderID: 4})
	if e.PendingCount() != 0 {
		t.Fatalf("pending %d after accept", e.PendingCount())
	}

	// redelivered open event after acceptance: the merged record already
	// reads accepted and must not re-enter the queue
	e.HandleOrderEvent(models.OrderEvent{
		Kind: "order_opened", OrderID: 4,
		Order: &models.Order{ID: 4, Pickup: models.Coord{Lat: 40, Lng: 116}, Status: models.StatusAccepted},
	})
	if e.PendingCount() != 0 {
		t.Fatalf("accepted order re-queued as pending: count=%d", e.PendingCount())
	}
}

func TestSweepEvictsByAge(t *testing.T) {
	e, _ := newEngine(t)
	opened := time.Now().Add(-29 * time.Minute)
	e.HandleOrderEvent(models.OrderEvent{
		Kind: "order_opened", OrderID: 1,
		Order: &models.Order{ID: 1, Pickup: models.Coord{Lat: 40, Lng: 116}, Status: models.StatusOpen, CreatedAt: &opened},
	})

	// 29 minutes old: survives
	if n, _ := e.SweepOnce(time.Now()); n != 0 {
		t.Fatalf("evicted %d at 29min", n)
	}
	if e.PendingCount() != 1 {
		t.Fatal("order evicted too early")
	}

	// 31 minutes old: evicted
	if n, _ := e.SweepOnce(time.Now().Add(2 * time.Minute)); n != 1 {
		t.Fatal("order not evicted after max age")
	}
	if e.PendingCount() != 0 {
		t.Fatalf("pending %d after eviction", e.PendingCount())
	}
}

func TestListNearbySortsForProvider(t *testing.T) {
	e, reg := newEngine(t)
	reg.Announce("p1", models.Coord{Lat: 40.0, Lng: 116.0}, &recordingChannel{})

	now := time.Now()
	for _, po := range []models.PendingOrder{
		{OrderID: 1, Pickup: models.Coord{Lat: 40.06, Lng: 116.0}, OpenedAt: now},
		{OrderID: 2, Pickup: models.Coord{Lat: 40.02, Lng: 116.0}, OpenedAt: now},
		{OrderID: 3, Pickup: models.Coord{Lat: 41.0, Lng: 116.0}, OpenedAt: now}, // out of range
	} {
		e.HandleOrderEvent(models.OrderEvent{Kind: "order_opened", OrderID: po.OrderID,
			Order: &models.Order{ID: po.OrderID, Pickup: po.Pickup, Status: models.StatusOpen}})
	}

	out := e.ListNearby("p1")
	if len(out) != 2 || out[0].OrderID != 2 || out[1].OrderID != 1 {
		t.Fatalf("nearby %+v", out)
	}
	if e.ListNearby("unknown") != nil {
		t.Fatal("unknown provider must get nil")
	}
}

func TestRestoreFromCacheMirror(t *testing.T) {
	shared := cache.NewMemory()
	reg := presence.NewRegistry(slog.Default())
	e1 := NewEngine(reg, shared, slog.Default())
	e1.HandleOrderEvent(models.OrderEvent{Kind: "order_opened", OrderID: 9,
		Order: &models.Order{ID: 9, Pickup: models.Coord{Lat: 40, Lng: 116}, Status: models.StatusOpen}})

	e2 := NewEngine(presence.NewRegistry(slog.Default()), shared, slog.Default())
	e2.Restore(context.Background())
	if e2.PendingCount() != 1 {
		t.Fatalf("restored pending %d", e2.PendingCount())
	}
}
