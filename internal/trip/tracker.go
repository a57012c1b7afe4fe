package trip

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/chainride/internal/archive"
	"github.com/example/chainride/internal/geo"
	"github.com/example/chainride/internal/mirror"
	"github.com/example/chainride/internal/models"
	"github.com/example/chainride/internal/observability"
)

var (
	// ErrAlreadyTracking reports a start for an order with an active trip.
	ErrAlreadyTracking = errors.New("trip: already tracking")
	// ErrNotTracking reports an operation on an order with no active trip.
	ErrNotTracking = errors.New("trip: not tracking")
)

// DefaultArrivalToleranceKm is the arrival check tolerance when the
// caller passes none.
const DefaultArrivalToleranceKm = 0.2

// Tracker accumulates location telemetry for accepted orders and
// finalizes each trip into the content-addressed archive. Per order:
// NotTracked -> Active -> Finalized.
type Tracker struct {
	Archive archive.Store
	Mirror  mirror.Store
	Logger  *slog.Logger

	// CheckpointEvery bounds write amplification: the active trip is
	// persisted once per this many points, plus once at stop.
	CheckpointEvery int
	ArchiveTimeout  time.Duration

	mu     sync.Mutex
	active map[uint64]*models.Trip
}

func NewTracker(a archive.Store, m mirror.Store, logger *slog.Logger) *Tracker {
	return &Tracker{
		Archive:         a,
		Mirror:          m,
		Logger:          logger,
		CheckpointEvery: 10,
		ArchiveTimeout:  10 * time.Second,
		active:          make(map[uint64]*models.Trip),
	}
}

// StartTracking opens an active trip for the order.
func (t *Tracker) StartTracking(orderID uint64, requesterID, providerID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.active[orderID]; ok {
		return fmt.Errorf("%w: order %d", ErrAlreadyTracking, orderID)
	}
	t.active[orderID] = &models.Trip{
		OrderID:     orderID,
		RequesterID: requesterID,
		ProviderID:  providerID,
		StartedAt:   time.Now().UTC(),
		Status:      models.TripActive,
	}
	observability.TripsActive.Set(float64(len(t.active)))
	return nil
}

// AddPoint appends one telemetry sample and returns the cumulative
// distance in kilometers.
func (t *Tracker) AddPoint(ctx context.Context, orderID uint64, p models.LocationPoint) (float64, error) {
	t.mu.Lock()
	tr, ok := t.active[orderID]
	if !ok {
		t.mu.Unlock()
		return 0, fmt.Errorf("%w: order %d", ErrNotTracking, orderID)
	}
	if n := len(tr.Points); n > 0 {
		prev := tr.Points[n-1]
		tr.DistanceKm += geo.DistanceKm(prev.Lat, prev.Lng, p.Lat, p.Lng)
	}
	tr.Points = append(tr.Points, p)
	distance := tr.DistanceKm
	var checkpoint *models.Trip
	if t.CheckpointEvery > 0 && len(tr.Points)%t.CheckpointEvery == 0 {
		checkpoint = snapshot(tr)
	}
	t.mu.Unlock()

	if checkpoint != nil {
		if err := t.Mirror.SaveTrip(ctx, checkpoint); err != nil {
			t.Logger.Warn("trip checkpoint failed", "order_id", orderID, "error", err)
		}
	}
	return distance, nil
}

// StopTracking finalizes the trip: computes its duration, archives the
// full payload, records the content id on the mirrored order and removes
// the active entry. Archival is best-effort; an unreachable archive
// leaves the pointer empty and the stop still succeeds.
func (t *Tracker) StopTracking(ctx context.Context, orderID uint64) (*models.Trip, error) {
	t.mu.Lock()
	tr, ok := t.active[orderID]
	if !ok {
		t.mu.Unlock()
		return nil, fmt.Errorf("%w: order %d", ErrNotTracking, orderID)
	}
	delete(t.active, orderID)
	observability.TripsActive.Set(float64(len(t.active)))
	t.mu.Unlock()

	ended := time.Now().UTC()
	tr.EndedAt = &ended
	tr.DurationSec = ended.Sub(tr.StartedAt).Seconds()
	tr.Status = models.TripCompleted

	payload, err := json.Marshal(tr)
	if err != nil {
		return nil, fmt.Errorf("encode trip: %w", err)
	}

	actx, cancel := context.WithTimeout(ctx, t.ArchiveTimeout)
	contentID, err := t.Archive.Put(actx, payload)
	cancel()
	if err != nil {
		observability.ArchiveFailures.Inc()
		t.Logger.Warn("trip archive failed, pointer left empty", "order_id", orderID, "error", err)
	} else {
		observability.ArchivePuts.Inc()
		if err := t.Mirror.SetArchiveID(ctx, orderID, contentID); err != nil {
			t.Logger.Warn("archive pointer write failed", "order_id", orderID, "content_id", contentID, "error", err)
		}
	}

	if err := t.Mirror.SaveTrip(ctx, tr); err != nil {
		t.Logger.Warn("final trip persist failed", "order_id", orderID, "error", err)
	}
	return tr, nil
}

// VerifyArrival reports whether the trip's latest point is within
// toleranceKm of target. False when no points exist yet. A toleranceKm
// of 0 means the default.
func (t *Tracker) VerifyArrival(orderID uint64, target models.Coord, toleranceKm float64) (bool, error) {
	if toleranceKm <= 0 {
		toleranceKm = DefaultArrivalToleranceKm
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	tr, ok := t.active[orderID]
	if !ok {
		return false, fmt.Errorf("%w: order %d", ErrNotTracking, orderID)
	}
	if len(tr.Points) == 0 {
		return false, nil
	}
	last := tr.Points[len(tr.Points)-1]
	return geo.DistanceKm(last.Lat, last.Lng, target.Lat, target.Lng) <= toleranceKm, nil
}

// Active returns a snapshot of the active trip for an order.
func (t *Tracker) Active(orderID uint64) (*models.Trip, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tr, ok := t.active[orderID]
	if !ok {
		return nil, false
	}
	return snapshot(tr), true
}

func snapshot(tr *models.Trip) *models.Trip {
	cp := *tr
	cp.Points = append([]models.LocationPoint(nil), tr.Points...)
	return &cp
}
