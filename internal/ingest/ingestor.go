package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync/atomic"
	"time"

	"github.com/example/chainride/internal/ledger"
	"github.com/example/chainride/internal/logging"
	"github.com/example/chainride/internal/mirror"
	"github.com/example/chainride/internal/models"
	"github.com/example/chainride/internal/observability"
	"github.com/example/chainride/internal/stats"
)

// Publisher mirrors normalized events to an external bus. Optional.
type Publisher interface {
	PublishOrderEvent(ev models.OrderEvent) error
}

// Settlement is the thin off-chain settlement hook invoked on order
// completion. Optional, best-effort.
type Settlement interface {
	InvoiceFee(ctx context.Context, orderID uint64, fee *big.Int) error
}

// Ingestor subscribes to the ledger event stream and keeps the order
// mirror, history log and aggregate counters current. Every event is
// re-validated with a direct read before anything is written; per-event
// failures are logged and never stop the subscription.
type Ingestor struct {
	Ledger     ledger.Client
	Mirror     mirror.Store
	Stats      *stats.Service
	Publisher  Publisher
	Settlement Settlement
	Logger     *slog.Logger

	ReadTimeout    time.Duration
	HealthInterval time.Duration
	HealthTimeout  time.Duration
	FeePercent     int64

	subs     []func(models.OrderEvent)
	limiter  *logging.KeyLimiter
	degraded atomic.Bool
	cancel   context.CancelFunc
	done     chan struct{}
}

// SubscribeInternal registers an in-process consumer of normalized order
// events. Must be called before Start.
func (in *Ingestor) SubscribeInternal(fn func(models.OrderEvent)) {
	in.subs = append(in.subs, fn)
}

// Start opens the ledger subscription and begins processing. Fails only
// when the subscription itself cannot be established.
func (in *Ingestor) Start(ctx context.Context) error {
	if in.ReadTimeout <= 0 {
		in.ReadTimeout = 5 * time.Second
	}
	if in.HealthInterval <= 0 {
		in.HealthInterval = 30 * time.Second
	}
	if in.HealthTimeout <= 0 {
		in.HealthTimeout = 3 * time.Second
	}
	if in.FeePercent <= 0 {
		in.FeePercent = 5
	}
	in.limiter = logging.NewKeyLimiter(4096)

	runCtx, cancel := context.WithCancel(ctx)
	events, err := in.Ledger.SubscribeEvents(runCtx)
	if err != nil {
		cancel()
		return fmt.Errorf("subscribe: %w", err)
	}
	in.cancel = cancel
	in.done = make(chan struct{})
	go in.run(runCtx, events)
	go in.healthLoop(runCtx)
	return nil
}

// Stop tears the subscription down and waits for the loop to drain.
func (in *Ingestor) Stop() {
	if in.cancel == nil {
		return
	}
	in.cancel()
	<-in.done
}

// Degraded reports whether the last ledger health probe failed.
func (in *Ingestor) Degraded() bool { return in.degraded.Load() }

func (in *Ingestor) run(ctx context.Context, events <-chan ledger.Event) {
	defer close(in.done)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				in.Logger.Info("ledger event stream closed")
				return
			}
			in.HandleEvent(ctx, ev)
		}
	}
}

// HandleEvent applies a single ledger event. Never returns an error:
// failures are isolated to this event and logged.
func (in *Ingestor) HandleEvent(ctx context.Context, ev ledger.Event) {
	meta := ev.Meta()
	kind := ev.Name()
	if in.limiter == nil {
		in.limiter = logging.NewKeyLimiter(4096)
	}
	if in.ReadTimeout <= 0 {
		in.ReadTimeout = 5 * time.Second
	}

	rctx, cancel := context.WithTimeout(ctx, in.ReadTimeout)
	rec, err := in.Ledger.GetOrder(rctx, meta.OrderID)
	cancel()
	if errors.Is(err, ledger.ErrNotFound) {
		observability.EventsDiscarded.WithLabelValues(kind, "not_found").Inc()
		in.warnOnce(meta.OrderID, "event for unknown order discarded", "kind", kind)
		return
	}
	if err != nil {
		observability.EventsDiscarded.WithLabelValues(kind, "read_failed").Inc()
		in.Logger.Warn("re-validating read failed, event skipped",
			"kind", kind, "order_id", meta.OrderID, "error", err)
		return
	}
	if !validate(ev, rec) {
		observability.EventsDiscarded.WithLabelValues(kind, "mismatch").Inc()
		in.warnOnce(meta.OrderID, "event contradicts ledger state, discarded", "kind", kind)
		return
	}

	norm := models.NormalizeOrder(rec)
	existing, err := in.Mirror.GetOrder(ctx, meta.OrderID)
	if err != nil && !errors.Is(err, mirror.ErrNotFound) {
		in.Logger.Error("mirror read failed", "order_id", meta.OrderID, "error", err)
		return
	}
	merged := mergeOrder(existing, norm)
	if err := in.Mirror.PutOrder(ctx, merged); err != nil {
		in.Logger.Error("mirror write failed", "order_id", meta.OrderID, "error", err)
		return
	}

	if existing == nil || existing.Status != merged.Status {
		entry := models.HistoryEntry{
			At:          time.Now().UTC(),
			Event:       kind,
			Block:       meta.Block,
			TxHash:      meta.TxHash,
			Description: fmt.Sprintf("status %s", merged.Status),
		}
		if err := in.Mirror.AppendHistory(ctx, meta.OrderID, entry); err != nil {
			in.Logger.Warn("history append failed", "order_id", meta.OrderID, "error", err)
		}
	}

	// counters after the mirror write has committed; a counter failure
	// must not undo it
	in.updateStats(ctx, ev, rec, existing)

	out := models.OrderEvent{
		Kind:    internalKind(ev),
		OrderID: meta.OrderID,
		Block:   meta.Block,
		TxHash:  meta.TxHash,
		At:      time.Now().UTC(),
		Order:   merged,
	}
	for _, fn := range in.subs {
		fn(out)
	}
	if in.Publisher != nil {
		if err := in.Publisher.PublishOrderEvent(out); err != nil {
			in.Logger.Warn("event republish failed", "order_id", meta.OrderID, "error", err)
		}
	}

	if _, ok := ev.(ledger.OrderCompleted); ok && in.Settlement != nil && rec.FinalAmount != nil {
		fee := new(big.Int).Mul(rec.FinalAmount, big.NewInt(in.FeePercent))
		fee.Div(fee, big.NewInt(100))
		if err := in.Settlement.InvoiceFee(ctx, meta.OrderID, fee); err != nil {
			in.Logger.Warn("fee invoice failed", "order_id", meta.OrderID, "error", err)
		}
	}

	observability.EventsIngested.WithLabelValues(kind).Inc()
}

// updateStats applies counter deltas only for transitions the mirror had
// not yet absorbed before this event, so a redelivered event is a no-op
// here just like it is for the merge.
func (in *Ingestor) updateStats(ctx context.Context, ev ledger.Event, rec *ledger.OrderRecord, existing *models.Order) {
	if in.Stats == nil {
		return
	}
	switch ev.(type) {
	case ledger.OrderOpened:
		if existing == nil {
			in.Stats.RecordCreated(ctx)
		}
	case ledger.OrderCompleted:
		if existing == nil || existing.Status != models.StatusCompleted {
			in.Stats.RecordCompleted(ctx, rec.FinalAmount)
		}
	case ledger.DisputeOpened:
		if existing == nil || existing.Dispute == nil {
			in.Stats.RecordDisputeOpened(ctx)
		}
	case ledger.DisputeResolved:
		if existing == nil || existing.Dispute == nil || existing.Dispute.Resolution == "" {
			in.Stats.RecordDisputeResolved(ctx)
		}
	case ledger.OrderAccepted, ledger.PartyPickedUp, ledger.TripStarted, ledger.OrderCancelled:
		// no counter impact
	}
}

func (in *Ingestor) healthLoop(ctx context.Context) {
	t := time.NewTicker(in.HealthInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			hctx, cancel := context.WithTimeout(ctx, in.HealthTimeout)
			_, err := in.Ledger.BlockNumber(hctx)
			cancel()
			if err != nil {
				if !in.degraded.Swap(true) {
					in.Logger.Warn("ledger connection degraded", "error", err)
				}
				observability.LedgerDegraded.Set(1)
				continue
			}
			if in.degraded.Swap(false) {
				in.Logger.Info("ledger connection recovered")
			}
			observability.LedgerDegraded.Set(0)
		}
	}
}

func (in *Ingestor) warnOnce(orderID uint64, msg string, args ...any) {
	if in.limiter.Allow(fmt.Sprintf("%d", orderID)) {
		in.Logger.Warn(msg, append(args, "order_id", orderID)...)
	}
}

// validate checks the direct read against the event's identifying fields.
// Event payload encodings may omit fields or belong to a since-reverted
// transaction, so the read wins on any disagreement.
func validate(ev ledger.Event, rec *ledger.OrderRecord) bool {
	if rec.ID != ev.Meta().OrderID {
		return false
	}
	switch e := ev.(type) {
	case ledger.OrderOpened:
		return e.Requester == "" || e.Requester == rec.Requester
	case ledger.OrderAccepted:
		return e.Provider == "" || e.Provider == rec.Provider
	case ledger.PartyPickedUp, ledger.TripStarted:
		return rec.Provider != ""
	case ledger.OrderCompleted, ledger.OrderCancelled:
		return true
	case ledger.DisputeOpened, ledger.DisputeResolved:
		return rec.DisputeOpened
	}
	return false
}

// mergeOrder layers the freshly read record over the existing mirror
// entry, preserving locally held fields the read does not carry (archive
// pointer) and any previously known value the encoding left empty.
func mergeOrder(existing, incoming *models.Order) *models.Order {
	out := *incoming
	out.UpdatedAt = time.Now().UTC()
	if existing == nil {
		return &out
	}
	out.ArchiveID = existing.ArchiveID
	if out.Provider == "" {
		out.Provider = existing.Provider
	}
	if out.PickupLabel == "" {
		out.PickupLabel = existing.PickupLabel
	}
	if out.DropoffLabel == "" {
		out.DropoffLabel = existing.DropoffLabel
	}
	if out.Category == "" {
		out.Category = existing.Category
	}
	if out.SubCategory == "" {
		out.SubCategory = existing.SubCategory
	}
	if out.EstimatedPrice == "" {
		out.EstimatedPrice = existing.EstimatedPrice
	}
	if out.FinalPrice == "" {
		out.FinalPrice = existing.FinalPrice
	}
	if out.Pickup.IsZero() {
		out.Pickup = existing.Pickup
	}
	if out.Dropoff.IsZero() {
		out.Dropoff = existing.Dropoff
	}
	if out.CreatedAt == nil {
		out.CreatedAt = existing.CreatedAt
	}
	if out.AcceptedAt == nil {
		out.AcceptedAt = existing.AcceptedAt
	}
	if out.PickedUpAt == nil {
		out.PickedUpAt = existing.PickedUpAt
	}
	if out.CompletedAt == nil {
		out.CompletedAt = existing.CompletedAt
	}
	if out.Dispute == nil {
		out.Dispute = existing.Dispute
	}
	return &out
}

// internalKind maps ledger event categories to the normalized kinds on
// the internal bus.
func internalKind(ev ledger.Event) string {
	switch ev.(type) {
	case ledger.OrderOpened:
		return "order_opened"
	case ledger.OrderAccepted:
		return "order_accepted"
	case ledger.PartyPickedUp:
		return "party_picked_up"
	case ledger.TripStarted:
		return "trip_started"
	case ledger.OrderCompleted:
		return "order_completed"
	case ledger.OrderCancelled:
		return "order_cancelled"
	case ledger.DisputeOpened:
		return "dispute_opened"
	case ledger.DisputeResolved:
		return "dispute_resolved"
	}
	return "unknown"
}
