package models

import (
	"math/big"
	"time"
)

// Coord is a position in decimal degrees.
type Coord struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// IsZero reports whether the coordinate was never set. (0,0) is open
// ocean and never a valid pickup or dropoff here.
func (c Coord) IsZero() bool { return c.Lat == 0 && c.Lng == 0 }

// OrderStatus is the ledger-defined order lifecycle status, normalized.
type OrderStatus string

const (
	StatusOpen      OrderStatus = "open"
	StatusAccepted  OrderStatus = "accepted"
	StatusPickedUp  OrderStatus = "picked_up"
	StatusInTrip    OrderStatus = "in_trip"
	StatusCompleted OrderStatus = "completed"
	StatusCancelled OrderStatus = "cancelled"
)

// Order is the locally mirrored, normalized view of a ledger order.
// Created on the first observed event for its id, mutated by every
// subsequent one, never deleted.
type Order struct {
	ID        uint64 `json:"id"`
	Requester string `json:"requester"`
	Provider  string `json:"provider,omitempty"`

	Pickup       Coord  `json:"pickup"`
	Dropoff      Coord  `json:"dropoff"`
	PickupLabel  string `json:"pickup_label,omitempty"`
	DropoffLabel string `json:"dropoff_label,omitempty"`

	Category    string `json:"category,omitempty"`
	SubCategory string `json:"sub_category,omitempty"`

	// Amounts are decimal strings in whole currency units.
	EstimatedPrice string `json:"estimated_price,omitempty"`
	FinalPrice     string `json:"final_price,omitempty"`

	Status OrderStatus `json:"status"`

	CreatedAt   *time.Time `json:"created_at,omitempty"`
	AcceptedAt  *time.Time `json:"accepted_at,omitempty"`
	PickedUpAt  *time.Time `json:"picked_up_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	Dispute *Dispute `json:"dispute,omitempty"`

	// ArchiveID points at the finalized trip payload in the
	// content-addressed archive, set after trip finalization.
	ArchiveID string `json:"archive_id,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// Dispute holds the dispute lifecycle fields of an order.
type Dispute struct {
	Opener     string     `json:"opener"`
	Reason     string     `json:"reason,omitempty"`
	Resolution string     `json:"resolution,omitempty"`
	Winner     string     `json:"winner,omitempty"`
	OpenedAt   *time.Time `json:"opened_at,omitempty"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// HistoryEntry is one immutable line of an order's append-only history,
// recorded in observation order.
type HistoryEntry struct {
	At          time.Time         `json:"at"`
	Event       string            `json:"event"`
	Block       uint64            `json:"block"`
	TxHash      string            `json:"tx_hash"`
	Description string            `json:"description,omitempty"`
	Aux         map[string]string `json:"aux,omitempty"`
}

// PlatformSummary aggregates platform-wide counters. Incrementally
// updated during ingestion and fully recomputable from an order scan.
type PlatformSummary struct {
	Transactions     int64
	DisputesOpened   int64
	DisputesResolved int64
	Revenue          *big.Int // native units
	Fees             *big.Int // native units
	UpdatedAt        time.Time
}

// NewPlatformSummary returns a zeroed summary with allocated amounts.
func NewPlatformSummary() *PlatformSummary {
	return &PlatformSummary{Revenue: new(big.Int), Fees: new(big.Int)}
}

// Clone returns a deep copy.
func (s *PlatformSummary) Clone() *PlatformSummary {
	c := *s
	c.Revenue = new(big.Int).Set(s.Revenue)
	c.Fees = new(big.Int).Set(s.Fees)
	return &c
}

// PendingOrder is a dispatch-queue entry for an order still awaiting a
// provider. Exactly one entry exists per open order; it is removed once,
// on acceptance or on timeout eviction.
type PendingOrder struct {
	OrderID  uint64    `json:"order_id"`
	Pickup   Coord     `json:"pickup"`
	OpenedAt time.Time `json:"opened_at"`
}

// TripStatus is the state of a tracked trip.
type TripStatus string

const (
	TripActive    TripStatus = "active"
	TripCompleted TripStatus = "completed"
)

// LocationPoint is one telemetry sample, immutable once appended.
type LocationPoint struct {
	Lat      float64   `json:"lat"`
	Lng      float64   `json:"lng"`
	At       time.Time `json:"at"`
	SpeedKmh float64   `json:"speed_kmh,omitempty"`
	Accuracy float64   `json:"accuracy,omitempty"`
	Heading  float64   `json:"heading,omitempty"`
}

// Trip is the tracked physical execution of an accepted order.
type Trip struct {
	OrderID     uint64          `json:"order_id"`
	RequesterID string          `json:"requester_id"`
	ProviderID  string          `json:"provider_id"`
	StartedAt   time.Time       `json:"started_at"`
	EndedAt     *time.Time      `json:"ended_at,omitempty"`
	Points      []LocationPoint `json:"points"`
	DistanceKm  float64         `json:"distance_km"`
	DurationSec float64         `json:"duration_sec,omitempty"`
	Status      TripStatus      `json:"status"`
}

// OrderEvent is the normalized internal event the ingestor republishes
// after an order mutation has been committed to the mirror.
type OrderEvent struct {
	Kind    string    `json:"kind"` // order_opened, order_accepted, ...
	OrderID uint64    `json:"order_id"`
	Block   uint64    `json:"block"`
	TxHash  string    `json:"tx_hash"`
	At      time.Time `json:"at"`
	Order   *Order    `json:"order"`
}
