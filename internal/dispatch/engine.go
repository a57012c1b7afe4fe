package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/example/chainride/internal/cache"
	"github.com/example/chainride/internal/geo"
	"github.com/example/chainride/internal/models"
	"github.com/example/chainride/internal/observability"
	"github.com/example/chainride/internal/presence"
)

const pendingCacheKey = "dispatch:pending_orders"

// NearbyOrder is a pending order annotated with the distance from a
// provider's position to its pickup point.
type NearbyOrder struct {
	OrderID    uint64       `json:"order_id"`
	Pickup     models.Coord `json:"pickup"`
	DistanceKm float64      `json:"distance_km"`
	OpenedAt   time.Time    `json:"opened_at"`
}

// Engine matches newly opened orders to nearby online providers and
// pushes offers over their channels. It owns the pending-order queue: at
// most one entry per open order, removed exactly once, by acceptance or
// by timeout eviction.
type Engine struct {
	Presence *presence.Registry
	Cache    cache.Cache
	Logger   *slog.Logger

	RadiusKm       float64
	MaxOffers      int
	PendingMaxAge  time.Duration
	PresenceMaxAge time.Duration
	SweepInterval  time.Duration

	mu      sync.Mutex
	pending map[uint64]models.PendingOrder
}

func NewEngine(reg *presence.Registry, c cache.Cache, logger *slog.Logger) *Engine {
	return &Engine{
		Presence:       reg,
		Cache:          c,
		Logger:         logger,
		RadiusKm:       10,
		MaxOffers:      10,
		PendingMaxAge:  30 * time.Minute,
		PresenceMaxAge: 5 * time.Minute,
		SweepInterval:  60 * time.Second,
		pending:        make(map[uint64]models.PendingOrder),
	}
}

// Restore reloads the pending queue mirrored to the accelerator cache by
// a previous run. Absence of the cache entry is not an error.
func (e *Engine) Restore(ctx context.Context) {
	b, ok, err := e.Cache.Get(ctx, pendingCacheKey)
	if err != nil || !ok {
		return
	}
	var entries []models.PendingOrder
	if err := json.Unmarshal(b, &entries); err != nil {
		return
	}
	e.mu.Lock()
	for _, p := range entries {
		e.pending[p.OrderID] = p
	}
	n := len(e.pending)
	e.mu.Unlock()
	observability.PendingOrders.Set(float64(n))
	e.Logger.Info("pending queue restored", "count", n)
}

// HandleOrderEvent is the ingestor-bus subscriber: an opened order joins
// the pending queue and gets dispatched; acceptance, cancellation or
// completion removes any residual entry.
func (e *Engine) HandleOrderEvent(ev models.OrderEvent) {
	switch ev.Kind {
	case "order_opened":
		if ev.Order == nil || ev.Order.Pickup.IsZero() {
			return
		}
		if ev.Order.Status != models.StatusOpen {
			// stale redelivery: the merged record has already moved on,
			// queueing it again would offer a taken order
			return
		}
		po := models.PendingOrder{OrderID: ev.OrderID, Pickup: ev.Order.Pickup, OpenedAt: time.Now()}
		if ev.Order.CreatedAt != nil {
			po.OpenedAt = *ev.Order.CreatedAt
		}
		if !e.addPending(po) {
			return // duplicate delivery, already queued and dispatched
		}
		e.Dispatch(po)
	case "order_accepted", "order_cancelled", "order_completed":
		e.RemovePending(ev.OrderID)
	}
}

func (e *Engine) addPending(po models.PendingOrder) bool {
	e.mu.Lock()
	if _, exists := e.pending[po.OrderID]; exists {
		e.mu.Unlock()
		return false
	}
	e.pending[po.OrderID] = po
	n := len(e.pending)
	e.mu.Unlock()
	observability.PendingOrders.Set(float64(n))
	e.persistPending()
	return true
}

// RemovePending drops an order from the queue. Returns true only for the
// call that actually removed it, so duplicate accept events are a no-op.
func (e *Engine) RemovePending(orderID uint64) bool {
	e.mu.Lock()
	_, exists := e.pending[orderID]
	delete(e.pending, orderID)
	n := len(e.pending)
	e.mu.Unlock()
	if !exists {
		return false
	}
	observability.PendingOrders.Set(float64(n))
	e.persistPending()
	return true
}

// PendingCount returns the current queue size.
func (e *Engine) PendingCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// Dispatch pushes an offer for po to at most MaxOffers of the nearest
// online providers within RadiusKm. Pushes are fire-and-forget: a provider
// that went offline mid-match just misses the offer. Returns the number
// of providers offered.
func (e *Engine) Dispatch(po models.PendingOrder) int {
	type candidate struct {
		p    presence.Presence
		dist float64
	}
	snapshot := e.Presence.Snapshot()
	cands := make([]candidate, 0, len(snapshot))
	for _, p := range snapshot {
		d := geo.DistanceKm(p.Location.Lat, p.Location.Lng, po.Pickup.Lat, po.Pickup.Lng)
		if d <= e.RadiusKm {
			cands = append(cands, candidate{p, d})
		}
	}
	sort.Slice(cands, func(i, j int) bool { return cands[i].dist < cands[j].dist })
	if len(cands) > e.MaxOffers {
		cands = cands[:e.MaxOffers]
	}
	offered := 0
	for _, c := range cands {
		if err := c.p.Channel.SendOffer(po.OrderID, c.dist); err != nil {
			observability.PushFailures.Inc()
			e.Logger.Debug("offer push failed", "provider_id", c.p.ProviderID, "order_id", po.OrderID, "error", err)
			continue
		}
		observability.OffersPushed.Inc()
		offered++
	}
	e.Logger.Info("order dispatched", "order_id", po.OrderID, "eligible", len(cands), "offered", offered)
	return offered
}

// ListNearby is the pull counterpart of Dispatch: the same radius filter
// and distance sort against the current pending queue, for one provider.
func (e *Engine) ListNearby(providerID string) []NearbyOrder {
	p, ok := e.Presence.Get(providerID)
	if !ok {
		return nil
	}
	e.mu.Lock()
	queue := make([]models.PendingOrder, 0, len(e.pending))
	for _, po := range e.pending {
		queue = append(queue, po)
	}
	e.mu.Unlock()

	out := make([]NearbyOrder, 0, len(queue))
	for _, po := range queue {
		d := geo.DistanceKm(p.Location.Lat, p.Location.Lng, po.Pickup.Lat, po.Pickup.Lng)
		if d <= e.RadiusKm {
			out = append(out, NearbyOrder{OrderID: po.OrderID, Pickup: po.Pickup, DistanceKm: d, OpenedAt: po.OpenedAt})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DistanceKm < out[j].DistanceKm })
	return out
}

// Run executes the periodic sweep until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	t := time.NewTicker(e.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			e.SweepOnce(now)
		}
	}
}

// SweepOnce evicts pending orders older than PendingMaxAge and provider
// presences with heartbeats older than PresenceMaxAge. Pending eviction
// is a local queue optimization only; the ledger's accept event remains
// authoritative and clears any residual either way.
func (e *Engine) SweepOnce(now time.Time) (pendingEvicted, presenceEvicted int) {
	e.mu.Lock()
	var evicted []uint64
	for id, po := range e.pending {
		if now.Sub(po.OpenedAt) > e.PendingMaxAge {
			delete(e.pending, id)
			evicted = append(evicted, id)
		}
	}
	n := len(e.pending)
	e.mu.Unlock()
	if len(evicted) > 0 {
		observability.PendingOrders.Set(float64(n))
		observability.PendingEvicted.Add(float64(len(evicted)))
		e.Logger.Info("pending orders evicted", "order_ids", evicted)
		e.persistPending()
	}
	stale := e.Presence.EvictStale(e.PresenceMaxAge, now)
	return len(evicted), len(stale)
}

func (e *Engine) persistPending() {
	e.mu.Lock()
	entries := make([]models.PendingOrder, 0, len(e.pending))
	for _, po := range e.pending {
		entries = append(entries, po)
	}
	e.mu.Unlock()
	b, err := json.Marshal(entries)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := e.Cache.Set(ctx, pendingCacheKey, b, 0); err != nil {
		e.Logger.Debug("pending queue mirror failed", "error", err)
	}
}
