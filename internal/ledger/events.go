package ledger

import "math/big"

// EventMeta carries the fields every ledger event delivers: the order it
// references, the block it was observed in and the transaction that
// produced it.
type EventMeta struct {
	OrderID uint64
	Block   uint64
	TxHash  string
}

func (m EventMeta) Meta() EventMeta { return m }

// Event is the closed set of ledger event categories. Handling is via
// type switch; adding a category means adding a type here and every
// switch over Event stops compiling until it is handled.
type Event interface {
	Meta() EventMeta
	Name() string
	isEvent()
}

// OrderOpened announces a new order awaiting a provider. Coordinates are
// fixed-point degrees scaled by 1e6; amounts are in the ledger's native
// unit.
type OrderOpened struct {
	EventMeta
	Requester       string
	PickupLat       int64
	PickupLng       int64
	DropoffLat      int64
	DropoffLng      int64
	PickupLabel     string
	DropoffLabel    string
	Category        string
	SubCategory     string
	EstimatedAmount *big.Int
}

type OrderAccepted struct {
	EventMeta
	Provider string
}

type PartyPickedUp struct {
	EventMeta
}

type TripStarted struct {
	EventMeta
}

type OrderCompleted struct {
	EventMeta
	FinalAmount *big.Int
}

type OrderCancelled struct {
	EventMeta
	Reason string
}

type DisputeOpened struct {
	EventMeta
	Opener string
	Reason string
}

type DisputeResolved struct {
	EventMeta
	Resolution string
	Winner     string
}

func (OrderOpened) isEvent()     {}
func (OrderAccepted) isEvent()   {}
func (PartyPickedUp) isEvent()   {}
func (TripStarted) isEvent()     {}
func (OrderCompleted) isEvent()  {}
func (OrderCancelled) isEvent()  {}
func (DisputeOpened) isEvent()   {}
func (DisputeResolved) isEvent() {}

func (OrderOpened) Name() string     { return "OrderOpened" }
func (OrderAccepted) Name() string   { return "OrderAccepted" }
func (PartyPickedUp) Name() string   { return "PartyPickedUp" }
func (TripStarted) Name() string     { return "TripStarted" }
func (OrderCompleted) Name() string  { return "OrderCompleted" }
func (OrderCancelled) Name() string  { return "OrderCancelled" }
func (DisputeOpened) Name() string   { return "DisputeOpened" }
func (DisputeResolved) Name() string { return "DisputeResolved" }
