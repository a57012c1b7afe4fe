package stats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/example/chainride/internal/mirror"
	"github.com/example/chainride/internal/models"
)

// ErrDirtyReconcile reports that incremental updates landed while a
// reconciliation pass was scanning; the computed summary was discarded.
// Re-run with ingestion quiesced.
var ErrDirtyReconcile = errors.New("stats: incremental update during reconciliation")

// Service maintains the platform aggregate counters. Incremental updates
// come from the ingestor; Reconcile recomputes everything from a full
// mirror scan and replaces the counters only if no incremental write
// raced it (versioned replace).
type Service struct {
	store      mirror.Store
	feePercent int64
	logger     *slog.Logger

	mu  sync.Mutex
	cur *models.PlatformSummary
	gen uint64
}

func New(store mirror.Store, feePercent int64, logger *slog.Logger) *Service {
	return &Service{
		store:      store,
		feePercent: feePercent,
		logger:     logger,
		cur:        models.NewPlatformSummary(),
	}
}

// Load restores the persisted summary. Called once at startup.
func (s *Service) Load(ctx context.Context) error {
	sum, err := s.store.LoadSummary(ctx)
	if err != nil {
		return fmt.Errorf("load summary: %w", err)
	}
	s.mu.Lock()
	s.cur = sum
	s.mu.Unlock()
	return nil
}

// Snapshot returns a copy of the current counters.
func (s *Service) Snapshot() models.PlatformSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.cur.Clone()
}

// RecordCreated counts a newly opened order.
func (s *Service) RecordCreated(ctx context.Context) {
	s.apply(ctx, func(sum *models.PlatformSummary) {
		sum.Transactions++
	})
}

// RecordCompleted adds the settled amount to revenue and the platform fee
// share to fees.
func (s *Service) RecordCompleted(ctx context.Context, amount *big.Int) {
	if amount == nil {
		return
	}
	s.apply(ctx, func(sum *models.PlatformSummary) {
		sum.Revenue.Add(sum.Revenue, amount)
		sum.Fees.Add(sum.Fees, s.fee(amount))
	})
}

func (s *Service) RecordDisputeOpened(ctx context.Context) {
	s.apply(ctx, func(sum *models.PlatformSummary) {
		sum.DisputesOpened++
	})
}

func (s *Service) RecordDisputeResolved(ctx context.Context) {
	s.apply(ctx, func(sum *models.PlatformSummary) {
		sum.DisputesResolved++
	})
}

func (s *Service) apply(ctx context.Context, mutate func(*models.PlatformSummary)) {
	s.mu.Lock()
	mutate(s.cur)
	s.cur.UpdatedAt = time.Now().UTC()
	s.gen++
	snap := s.cur.Clone()
	s.mu.Unlock()

	// persistence is best-effort; in-memory counters stay authoritative
	// until the next successful store or a reconcile
	if err := s.store.StoreSummary(ctx, snap); err != nil {
		s.logger.Warn("summary persist failed", "error", err)
	}
}

func (s *Service) fee(amount *big.Int) *big.Int {
	f := new(big.Int).Mul(amount, big.NewInt(s.feePercent))
	return f.Div(f, big.NewInt(100))
}

// Reconcile recomputes the counters from a full order scan. The result
// replaces the live counters only if no incremental update arrived while
// scanning; otherwise the pass returns ErrDirtyReconcile and changes
// nothing.
func (s *Service) Reconcile(ctx context.Context) (models.PlatformSummary, error) {
	s.mu.Lock()
	startGen := s.gen
	s.mu.Unlock()

	orders, err := s.store.ListOrders(ctx)
	if err != nil {
		return models.PlatformSummary{}, fmt.Errorf("scan orders: %w", err)
	}
	sum := s.Compute(orders)

	s.mu.Lock()
	if s.gen != startGen {
		s.mu.Unlock()
		return models.PlatformSummary{}, ErrDirtyReconcile
	}
	s.cur = sum.Clone()
	s.mu.Unlock()

	if err := s.store.StoreSummary(ctx, sum); err != nil {
		return *sum, fmt.Errorf("store summary: %w", err)
	}
	return *sum, nil
}

// Compute derives the summary a given order set implies.
func (s *Service) Compute(orders []*models.Order) *models.PlatformSummary {
	sum := models.NewPlatformSummary()
	sum.UpdatedAt = time.Now().UTC()
	for _, o := range orders {
		sum.Transactions++
		if o.Status == models.StatusCompleted && o.FinalPrice != "" {
			if v := parseAmount(o.FinalPrice); v != nil {
				sum.Revenue.Add(sum.Revenue, v)
				sum.Fees.Add(sum.Fees, s.fee(v))
			}
		}
		if o.Dispute != nil {
			sum.DisputesOpened++
			if o.Dispute.Resolution != "" {
				sum.DisputesResolved++
			}
		}
	}
	return sum
}

// parseAmount converts a normalized decimal price string back to native
// units (18 decimals).
func parseAmount(price string) *big.Int {
	r, ok := new(big.Rat).SetString(price)
	if !ok {
		return nil
	}
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
	r.Mul(r, new(big.Rat).SetInt(scale))
	if !r.IsInt() {
		// sub-native precision cannot come from the ledger; truncate
		return new(big.Int).Quo(r.Num(), r.Denom())
	}
	return r.Num()
}
