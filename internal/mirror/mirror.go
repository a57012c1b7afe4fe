package mirror

import (
	"context"
	"errors"

	"github.com/example/chainride/internal/models"
)

// ErrNotFound reports that the mirror holds no record under the id.
var ErrNotFound = errors.New("mirror: not found")

// Store is the durable order mirror: one record per order keyed by the
// ledger-assigned id, an append-only history per order, a monotonic local
// id allocator, the aggregate summary record, and trip checkpoints.
// Orders are never deleted; PutOrder replaces the full record, merging is
// the ingestor's job.
type Store interface {
	GetOrder(ctx context.Context, id uint64) (*models.Order, error)
	PutOrder(ctx context.Context, o *models.Order) error
	// ListOrders scans every mirrored order; used by reconciliation and
	// party queries.
	ListOrders(ctx context.Context) ([]*models.Order, error)
	SetArchiveID(ctx context.Context, id uint64, archiveID string) error

	AppendHistory(ctx context.Context, id uint64, e models.HistoryEntry) error
	History(ctx context.Context, id uint64) ([]models.HistoryEntry, error)

	// NextLocalID allocates the next value of the monotonically
	// increasing local identifier.
	NextLocalID(ctx context.Context) (uint64, error)

	LoadSummary(ctx context.Context) (*models.PlatformSummary, error)
	StoreSummary(ctx context.Context, s *models.PlatformSummary) error

	SaveTrip(ctx context.Context, t *models.Trip) error
}
