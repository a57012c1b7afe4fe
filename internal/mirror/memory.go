package mirror

import (
	"context"
	"sort"
	"sync"

	"github.com/example/chainride/internal/models"
)

// MemoryStore backs tests and DSN-less local runs.
type MemoryStore struct {
	mu      sync.RWMutex
	orders  map[uint64]*models.Order
	history map[uint64][]models.HistoryEntry
	trips   map[uint64]*models.Trip
	summary *models.PlatformSummary
	nextID  uint64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders:  make(map[uint64]*models.Order),
		history: make(map[uint64][]models.HistoryEntry),
		trips:   make(map[uint64]*models.Trip),
	}
}

func (m *MemoryStore) GetOrder(ctx context.Context, id uint64) (*models.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (m *MemoryStore) PutOrder(ctx context.Context, o *models.Order) error {
	cp := *o
	m.mu.Lock()
	m.orders[o.ID] = &cp
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) ListOrders(ctx context.Context) ([]*models.Order, error) {
	m.mu.RLock()
	out := make([]*models.Order, 0, len(m.orders))
	for _, o := range m.orders {
		cp := *o
		out = append(out, &cp)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) SetArchiveID(ctx context.Context, id uint64, archiveID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return ErrNotFound
	}
	o.ArchiveID = archiveID
	return nil
}

func (m *MemoryStore) AppendHistory(ctx context.Context, id uint64, e models.HistoryEntry) error {
	m.mu.Lock()
	m.history[id] = append(m.history[id], e)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) History(ctx context.Context, id uint64) ([]models.HistoryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.HistoryEntry(nil), m.history[id]...), nil
}

func (m *MemoryStore) NextLocalID(ctx context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	return m.nextID, nil
}

func (m *MemoryStore) LoadSummary(ctx context.Context) (*models.PlatformSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.summary == nil {
		return models.NewPlatformSummary(), nil
	}
	return m.summary.Clone(), nil
}

func (m *MemoryStore) StoreSummary(ctx context.Context, s *models.PlatformSummary) error {
	m.mu.Lock()
	m.summary = s.Clone()
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) SaveTrip(ctx context.Context, t *models.Trip) error {
	cp := *t
	cp.Points = append([]models.LocationPoint(nil), t.Points...)
	m.mu.Lock()
	m.trips[t.OrderID] = &cp
	m.mu.Unlock()
	return nil
}

// Trip returns the last checkpointed trip, for tests.
func (m *MemoryStore) Trip(id uint64) (*models.Trip, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.trips[id]
	return t, ok
}
