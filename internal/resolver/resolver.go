package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/chainride/internal/cache"
	"github.com/example/chainride/internal/ledger"
	"github.com/example/chainride/internal/logging"
	"github.com/example/chainride/internal/mirror"
	"github.com/example/chainride/internal/models"
	"github.com/example/chainride/internal/observability"
)

// ErrTimeout reports that the overall query deadline passed before the
// ledger answered. Distinct from ErrNotFound: the caller learns "don't
// know", not "doesn't exist".
var ErrTimeout = errors.New("resolver: ledger query timed out")

// ErrNotFound reports that the order does not exist.
var ErrNotFound = errors.New("resolver: order not found")

// Resolver serves normalized open-order listings and order lookups over
// a window-bounded ledger scan, with a short per-party cache and a
// last-good fallback when the ledger is unreachable.
type Resolver struct {
	Ledger ledger.Client
	Mirror mirror.Store
	Cache  cache.Cache
	Logger *slog.Logger

	// Window bounds the scan to the most recent order ids.
	Window int
	// BatchSize is how many per-id reads run concurrently.
	BatchSize    int
	ReadTimeout  time.Duration
	QueryTimeout time.Duration
	CacheTTL     time.Duration

	limiter *logging.KeyLimiter

	mu       sync.Mutex
	lastGood map[string][]*models.Order
}

func New(lc ledger.Client, m mirror.Store, c cache.Cache, logger *slog.Logger) *Resolver {
	return &Resolver{
		Ledger:       lc,
		Mirror:       m,
		Cache:        c,
		Logger:       logger,
		Window:       200,
		BatchSize:    10,
		ReadTimeout:  5 * time.Second,
		QueryTimeout: 25 * time.Second,
		CacheTTL:     5 * time.Second,
		limiter:      logging.NewKeyLimiter(4096),
		lastGood:     make(map[string][]*models.Order),
	}
}

// ListOpen returns open orders not created by providerID, normalized and
// deduplicated, in ledger-scan order. The resolver has no provider
// position to sort by; distance-ordered listings are served by the
// dispatch engine's list_nearby pull, which does.
// Serves the per-party cache when fresh; on hard failure serves the last
// good value if one exists.
func (r *Resolver) ListOpen(ctx context.Context, providerID string) ([]*models.Order, error) {
	key := "open_orders:" + providerID
	if out, ok := r.cached(ctx, key); ok {
		observability.ResolverCacheHits.Inc()
		return out, nil
	}
	observability.ResolverCacheMisses.Inc()

	qctx, cancel := context.WithTimeout(ctx, r.QueryTimeout)
	defer cancel()

	orders, err := r.scanOpen(qctx, providerID)
	if err != nil {
		if stale := r.stale(key); stale != nil {
			observability.ResolverStaleServes.Inc()
			r.Logger.Warn("serving stale open-order list", "provider_id", providerID, "error", err)
			return stale, nil
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return nil, err
	}

	r.store(ctx, key, orders)
	return orders, nil
}

// GetByID reads one order from the ledger, falling back to the mirror
// when the ledger cannot answer in time.
func (r *Resolver) GetByID(ctx context.Context, id uint64) (*models.Order, error) {
	rctx, cancel := context.WithTimeout(ctx, r.ReadTimeout)
	rec, err := r.Ledger.GetOrder(rctx, id)
	cancel()
	if err == nil {
		o := models.NormalizeOrder(rec)
		if !validOrder(o) {
			return nil, ErrNotFound
		}
		return o, nil
	}
	if errors.Is(err, ledger.ErrNotFound) {
		return nil, ErrNotFound
	}
	// degraded: the mirror holds the last state the ingestor committed
	if r.Mirror != nil {
		if o, merr := r.Mirror.GetOrder(ctx, id); merr == nil {
			r.Logger.Warn("serving mirrored order, ledger unreachable", "order_id", id, "error", err)
			return o, nil
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("%w: order %d", ErrTimeout, id)
	}
	return nil, err
}

// GetForParty lists the mirrored orders a party participates in, as
// requester or provider.
func (r *Resolver) GetForParty(ctx context.Context, partyID, role string) ([]*models.Order, error) {
	all, err := r.Mirror.ListOrders(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*models.Order, 0, 8)
	for _, o := range all {
		switch role {
		case "provider":
			if o.Provider == partyID {
				out = append(out, o)
			}
		case "requester":
			if o.Requester == partyID {
				out = append(out, o)
			}
		default:
			if o.Requester == partyID || o.Provider == partyID {
				out = append(out, o)
			}
		}
	}
	return out, nil
}

// scanOpen reads the trailing id window in batches. A failing individual
// read resolves to skip; only a whole-scan failure is an error.
func (r *Resolver) scanOpen(ctx context.Context, providerID string) ([]*models.Order, error) {
	latest, err := r.Ledger.LatestOrderID(ctx)
	if err != nil {
		return nil, fmt.Errorf("latest order id: %w", err)
	}
	var from uint64 = 1
	if latest > uint64(r.Window) {
		from = latest - uint64(r.Window) + 1
	}

	seen := make(map[uint64]struct{})
	out := make([]*models.Order, 0, 16)
	for lo := from; lo <= latest; lo += uint64(r.BatchSize) {
		hi := lo + uint64(r.BatchSize) - 1
		if hi > latest {
			hi = latest
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for _, o := range r.readBatch(ctx, lo, hi) {
			if _, dup := seen[o.ID]; dup {
				continue
			}
			seen[o.ID] = struct{}{}
			if o.Status != models.StatusOpen || o.Requester == providerID || !validOrder(o) {
				continue
			}
			out = append(out, o)
		}
	}
	return out, nil
}

func (r *Resolver) readBatch(ctx context.Context, lo, hi uint64) []*models.Order {
	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	out := make([]*models.Order, 0, hi-lo+1)
	for id := lo; id <= hi; id++ {
		wg.Add(1)
		go func(id uint64) {
			defer wg.Done()
			rctx, cancel := context.WithTimeout(ctx, r.ReadTimeout)
			rec, err := r.Ledger.GetOrder(rctx, id)
			cancel()
			if err != nil {
				if !errors.Is(err, ledger.ErrNotFound) {
					observability.ResolverSkippedReads.Inc()
					if r.limiter.Allow(fmt.Sprintf("%d", id)) {
						r.Logger.Warn("order read skipped", "order_id", id, "error", err)
					}
				}
				return
			}
			o := models.NormalizeOrder(rec)
			mu.Lock()
			out = append(out, o)
			mu.Unlock()
		}(id)
	}
	wg.Wait()
	return out
}

func (r *Resolver) cached(ctx context.Context, key string) ([]*models.Order, bool) {
	b, ok, err := r.Cache.Get(ctx, key)
	if err != nil || !ok {
		return nil, false
	}
	var out []*models.Order
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, false
	}
	return out, true
}

func (r *Resolver) store(ctx context.Context, key string, orders []*models.Order) {
	r.mu.Lock()
	r.lastGood[key] = orders
	r.mu.Unlock()
	b, err := json.Marshal(orders)
	if err != nil {
		return
	}
	if err := r.Cache.Set(ctx, key, b, r.CacheTTL); err != nil {
		r.Logger.Warn("resolver cache set failed", "error", err)
	}
}

func (r *Resolver) stale(key string) []*models.Order {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastGood[key]
}

// validOrder keeps only orders whose required fields are present; the
// ledger can expose half-initialized records mid-transaction.
func validOrder(o *models.Order) bool {
	return o.ID != 0 &&
		o.Requester != "" &&
		!o.Pickup.IsZero() &&
		!o.Dropoff.IsZero() &&
		o.Status != ""
}
