package models

import (
	"math/big"
	"strings"
	"time"

	"github.com/example/chainride/internal/ledger"
)

// coordScale is the ledger's fixed-point coordinate scale.
const coordScale = 1e6

// amountDecimals is the number of decimals in the ledger's native
// currency unit (wei-style).
const amountDecimals = 18

// CoordFromFixed converts a fixed-point 1e6 coordinate pair to degrees.
func CoordFromFixed(lat, lng int64) Coord {
	return Coord{Lat: float64(lat) / coordScale, Lng: float64(lng) / coordScale}
}

// AmountString renders a native-unit amount as a decimal string in whole
// currency units, trailing zeros trimmed. Returns "" for nil and "0" for
// zero.
func AmountString(v *big.Int) string {
	if v == nil {
		return ""
	}
	if v.Sign() == 0 {
		return "0"
	}
	s := new(big.Int).Abs(v).String()
	if len(s) <= amountDecimals {
		s = strings.Repeat("0", amountDecimals-len(s)+1) + s
	}
	cut := len(s) - amountDecimals
	whole, frac := s[:cut], s[cut:]
	frac = strings.TrimRight(frac, "0")
	out := whole
	if frac != "" {
		out += "." + frac
	}
	if v.Sign() < 0 {
		out = "-" + out
	}
	return out
}

// NormalizeOrder converts a raw ledger order record into the mirrored
// representation: fixed-point coordinates to degrees, native amounts to
// decimal strings, unix timestamps to nullable times.
func NormalizeOrder(rec *ledger.OrderRecord) *Order {
	o := &Order{
		ID:             rec.ID,
		Requester:      rec.Requester,
		Provider:       rec.Provider,
		Pickup:         CoordFromFixed(rec.PickupLat, rec.PickupLng),
		Dropoff:        CoordFromFixed(rec.DropoffLat, rec.DropoffLng),
		PickupLabel:    rec.PickupLabel,
		DropoffLabel:   rec.DropoffLabel,
		Category:       rec.Category,
		SubCategory:    rec.SubCategory,
		EstimatedPrice: AmountString(rec.EstimatedAmount),
		FinalPrice:     AmountString(rec.FinalAmount),
		Status:         OrderStatus(rec.Status),
		CreatedAt:      unixTime(rec.CreatedAt),
		AcceptedAt:     unixTime(rec.AcceptedAt),
		PickedUpAt:     unixTime(rec.PickedUpAt),
		CompletedAt:    unixTime(rec.CompletedAt),
	}
	if rec.DisputeOpened {
		o.Dispute = &Dispute{
			Opener:     rec.DisputeOpener,
			Reason:     rec.DisputeReason,
			Resolution: rec.DisputeResolution,
			Winner:     rec.DisputeWinner,
			OpenedAt:   unixTime(rec.DisputeOpenedAt),
			ResolvedAt: unixTime(rec.DisputeResolvedAt),
		}
	}
	return o
}

func unixTime(sec int64) *time.Time {
	if sec == 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}
