package ledger

import (
	"context"
	"errors"
	"math/big"
)

// ErrNotFound reports that the ledger has no order under the requested id.
var ErrNotFound = errors.New("ledger: order not found")

// Order statuses as the contract reports them.
const (
	StatusOpen      = "open"
	StatusAccepted  = "accepted"
	StatusPickedUp  = "picked_up"
	StatusInTrip    = "in_trip"
	StatusCompleted = "completed"
	StatusCancelled = "cancelled"
)

// OrderRecord is the raw order state as read directly from the ledger.
// Coordinates are fixed-point degrees scaled by 1e6, amounts are in the
// ledger's native unit, timestamps are unix seconds with 0 meaning the
// stage has not been reached.
type OrderRecord struct {
	ID        uint64 `json:"id"`
	Requester string `json:"requester"`
	Provider  string `json:"provider"`

	PickupLat    int64  `json:"pickup_lat"`
	PickupLng    int64  `json:"pickup_lng"`
	DropoffLat   int64  `json:"dropoff_lat"`
	DropoffLng   int64  `json:"dropoff_lng"`
	PickupLabel  string `json:"pickup_label"`
	DropoffLabel string `json:"dropoff_label"`

	Category    string `json:"category"`
	SubCategory string `json:"sub_category"`

	EstimatedAmount *big.Int `json:"estimated_amount"`
	FinalAmount     *big.Int `json:"final_amount"`

	Status string `json:"status"`

	CreatedAt   int64 `json:"created_at"`
	AcceptedAt  int64 `json:"accepted_at"`
	PickedUpAt  int64 `json:"picked_up_at"`
	CompletedAt int64 `json:"completed_at"`

	DisputeOpened     bool   `json:"dispute_opened"`
	DisputeOpener     string `json:"dispute_opener"`
	DisputeReason     string `json:"dispute_reason"`
	DisputeResolution string `json:"dispute_resolution"`
	DisputeWinner     string `json:"dispute_winner"`
	DisputeOpenedAt   int64  `json:"dispute_opened_at"`
	DisputeResolvedAt int64  `json:"dispute_resolved_at"`
}

// Client is the consumed ledger surface: direct reads plus the
// asynchronous event stream. Events are delivered at least once and not
// necessarily in ledger-canonical order; callers re-validate with
// GetOrder before trusting an event.
type Client interface {
	// GetOrder reads the current order state. Returns ErrNotFound when
	// the ledger has no order under id.
	GetOrder(ctx context.Context, id uint64) (*OrderRecord, error)
	// LatestOrderID returns the highest order id the ledger has assigned.
	LatestOrderID(ctx context.Context) (uint64, error)
	// BlockNumber returns the current chain height; used as a liveness
	// probe.
	BlockNumber(ctx context.Context) (uint64, error)
	// SubscribeEvents delivers ledger events until ctx is cancelled.
	// The returned channel is closed when the subscription ends.
	SubscribeEvents(ctx context.Context) (<-chan Event, error)
}
