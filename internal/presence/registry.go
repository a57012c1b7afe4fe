package presence

import (
	"log/slog"
	"sync"
	"time"

	"github.com/example/chainride/internal/models"
	"github.com/example/chainride/internal/observability"
)

// Channel is a provider's live push handle. Delivery is at-most-once and
// best-effort: a failed send is dropped, never retried.
type Channel interface {
	SendOffer(orderID uint64, distanceKm float64) error
}

// Presence is a connected provider's last known state. Owned exclusively
// by the Registry; the dispatch engine only sees snapshot copies.
type Presence struct {
	ProviderID string
	Location   models.Coord
	LastSeen   time.Time
	Channel    Channel
}

// Registry tracks online providers: Unregistered -> Online (announce) ->
// Offline (disconnect or heartbeat timeout).
type Registry struct {
	logger *slog.Logger

	mu     sync.RWMutex
	online map[string]*Presence
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{logger: logger, online: make(map[string]*Presence)}
}

// Announce transitions the provider Online and returns the resulting
// online count. Re-announcing refreshes location and channel.
func (r *Registry) Announce(providerID string, loc models.Coord, ch Channel) int {
	r.mu.Lock()
	r.online[providerID] = &Presence{
		ProviderID: providerID,
		Location:   loc,
		LastSeen:   time.Now(),
		Channel:    ch,
	}
	n := len(r.online)
	r.mu.Unlock()
	observability.ProvidersOnline.Set(float64(n))
	r.logger.Info("provider online", "provider_id", providerID, "online", n)
	return n
}

// UpdateLocation refreshes the provider's location and heartbeat.
// Returns false if the provider is not online.
func (r *Registry) UpdateLocation(providerID string, loc models.Coord) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.online[providerID]
	if !ok {
		return false
	}
	p.Location = loc
	p.LastSeen = time.Now()
	return true
}

// Disconnect transitions the provider Offline.
func (r *Registry) Disconnect(providerID string) {
	r.mu.Lock()
	_, ok := r.online[providerID]
	delete(r.online, providerID)
	n := len(r.online)
	r.mu.Unlock()
	if ok {
		observability.ProvidersOnline.Set(float64(n))
		r.logger.Info("provider offline", "provider_id", providerID, "online", n)
	}
}

// Get returns a snapshot of one provider's presence.
func (r *Registry) Get(providerID string) (Presence, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.online[providerID]
	if !ok {
		return Presence{}, false
	}
	return *p, true
}

// Snapshot returns a point-in-time copy of every online presence.
func (r *Registry) Snapshot() []Presence {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Presence, 0, len(r.online))
	for _, p := range r.online {
		out = append(out, *p)
	}
	return out
}

// OnlineCount returns the number of online providers.
func (r *Registry) OnlineCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.online)
}

// EvictStale removes providers whose heartbeat is older than maxAge and
// returns their ids.
func (r *Registry) EvictStale(maxAge time.Duration, now time.Time) []string {
	r.mu.Lock()
	var evicted []string
	for id, p := range r.online {
		if now.Sub(p.LastSeen) > maxAge {
			delete(r.online, id)
			evicted = append(evicted, id)
		}
	}
	n := len(r.online)
	r.mu.Unlock()
	if len(evicted) > 0 {
		observability.ProvidersOnline.Set(float64(n))
		observability.PresenceEvicted.Add(float64(len(evicted)))
		r.logger.Info("stale providers evicted", "count", len(evicted))
	}
	return evicted
}
