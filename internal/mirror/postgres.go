package mirror

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"math/big"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/chainride/internal/models"
)

// PostgresStore implements Store on postgres. Schema lives in
// migrations/001_create_mirror.sql.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) Close() error { return p.db.Close() }

const orderColumns = `id, requester, provider, pickup_lat, pickup_lng, dropoff_lat, dropoff_lng,
	pickup_label, dropoff_label, category, sub_category, estimated_price, final_price, status,
	created_at, accepted_at, picked_up_at, completed_at,
	dispute_opener, dispute_reason, dispute_resolution, dispute_winner, dispute_opened_at, dispute_resolved_at,
	archive_id, updated_at`

func (p *PostgresStore) GetOrder(ctx context.Context, id uint64) (*models.Order, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id=$1`, int64(id))
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return o, err
}

func (p *PostgresStore) PutOrder(ctx context.Context, o *models.Order) error {
	var (
		disputeOpener, disputeReason, disputeResolution, disputeWinner sql.NullString
		disputeOpenedAt, disputeResolvedAt                             sql.NullTime
	)
	if d := o.Dispute; d != nil {
		disputeOpener = sql.NullString{String: d.Opener, Valid: true}
		disputeReason = sql.NullString{String: d.Reason, Valid: d.Reason != ""}
		disputeResolution = sql.NullString{String: d.Resolution, Valid: d.Resolution != ""}
		disputeWinner = sql.NullString{String: d.Winner, Valid: d.Winner != ""}
		disputeOpenedAt = nullTime(d.OpenedAt)
		disputeResolvedAt = nullTime(d.ResolvedAt)
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO orders (`+orderColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26)
		ON CONFLICT (id) DO UPDATE SET
			requester=EXCLUDED.requester, provider=EXCLUDED.provider,
			pickup_lat=EXCLUDED.pickup_lat, pickup_lng=EXCLUDED.pickup_lng,
			dropoff_lat=EXCLUDED.dropoff_lat, dropoff_lng=EXCLUDED.dropoff_lng,
			pickup_label=EXCLUDED.pickup_label, dropoff_label=EXCLUDED.dropoff_label,
			category=EXCLUDED.category, sub_category=EXCLUDED.sub_category,
			estimated_price=EXCLUDED.estimated_price, final_price=EXCLUDED.final_price,
			status=EXCLUDED.status,
			created_at=EXCLUDED.created_at, accepted_at=EXCLUDED.accepted_at,
			picked_up_at=EXCLUDED.picked_up_at, completed_at=EXCLUDED.completed_at,
			dispute_opener=EXCLUDED.dispute_opener, dispute_reason=EXCLUDED.dispute_reason,
			dispute_resolution=EXCLUDED.dispute_resolution, dispute_winner=EXCLUDED.dispute_winner,
			dispute_opened_at=EXCLUDED.dispute_opened_at, dispute_resolved_at=EXCLUDED.dispute_resolved_at,
			archive_id=EXCLUDED.archive_id, updated_at=EXCLUDED.updated_at`,
		int64(o.ID), o.Requester, o.Provider,
		o.Pickup.Lat, o.Pickup.Lng, o.Dropoff.Lat, o.Dropoff.Lng,
		o.PickupLabel, o.DropoffLabel, o.Category, o.SubCategory,
		o.EstimatedPrice, o.FinalPrice, string(o.Status),
		nullTime(o.CreatedAt), nullTime(o.AcceptedAt), nullTime(o.PickedUpAt), nullTime(o.CompletedAt),
		disputeOpener, disputeReason, disputeResolution, disputeWinner, disputeOpenedAt, disputeResolvedAt,
		o.ArchiveID, o.UpdatedAt)
	return err
}

func (p *PostgresStore) ListOrders(ctx context.Context) ([]*models.Order, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+orderColumns+` FROM orders ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (p *PostgresStore) SetArchiveID(ctx context.Context, id uint64, archiveID string) error {
	res, err := p.db.ExecContext(ctx, `UPDATE orders SET archive_id=$1, updated_at=$2 WHERE id=$3`,
		archiveID, time.Now().UTC(), int64(id))
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) AppendHistory(ctx context.Context, id uint64, e models.HistoryEntry) error {
	aux, err := json.Marshal(e.Aux)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO order_history (order_id, at, event, block, tx_hash, description, aux)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		int64(id), e.At, e.Event, int64(e.Block), e.TxHash, e.Description, aux)
	return err
}

func (p *PostgresStore) History(ctx context.Context, id uint64) ([]models.HistoryEntry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT at, event, block, tx_hash, description, aux
		FROM order_history WHERE order_id=$1 ORDER BY seq`, int64(id))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.HistoryEntry
	for rows.Next() {
		var (
			e     models.HistoryEntry
			block int64
			aux   []byte
		)
		if err := rows.Scan(&e.At, &e.Event, &block, &e.TxHash, &e.Description, &aux); err != nil {
			return nil, err
		}
		e.Block = uint64(block)
		if len(aux) > 0 {
			_ = json.Unmarshal(aux, &e.Aux)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *PostgresStore) NextLocalID(ctx context.Context) (uint64, error) {
	var next int64
	err := p.db.QueryRowContext(ctx, `
		UPDATE local_counter SET next_id = next_id + 1 WHERE name='default'
		RETURNING next_id`).Scan(&next)
	if err != nil {
		return 0, err
	}
	return uint64(next), nil
}

func (p *PostgresStore) LoadSummary(ctx context.Context) (*models.PlatformSummary, error) {
	s := models.NewPlatformSummary()
	var revenue, fees string
	err := p.db.QueryRowContext(ctx, `
		SELECT transactions, disputes_opened, disputes_resolved, revenue, fees, updated_at
		FROM platform_summary WHERE id=1`).
		Scan(&s.Transactions, &s.DisputesOpened, &s.DisputesResolved, &revenue, &fees, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.NewPlatformSummary(), nil
	}
	if err != nil {
		return nil, err
	}
	if _, ok := s.Revenue.SetString(revenue, 10); !ok {
		s.Revenue = new(big.Int)
	}
	if _, ok := s.Fees.SetString(fees, 10); !ok {
		s.Fees = new(big.Int)
	}
	return s, nil
}

func (p *PostgresStore) StoreSummary(ctx context.Context, s *models.PlatformSummary) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO platform_summary (id, transactions, disputes_opened, disputes_resolved, revenue, fees, updated_at)
		VALUES (1,$1,$2,$3,$4,$5,$6)
		ON CONFLICT (id) DO UPDATE SET
			transactions=EXCLUDED.transactions, disputes_opened=EXCLUDED.disputes_opened,
			disputes_resolved=EXCLUDED.disputes_resolved, revenue=EXCLUDED.revenue,
			fees=EXCLUDED.fees, updated_at=EXCLUDED.updated_at`,
		s.Transactions, s.DisputesOpened, s.DisputesResolved,
		s.Revenue.String(), s.Fees.String(), s.UpdatedAt)
	return err
}

func (p *PostgresStore) SaveTrip(ctx context.Context, t *models.Trip) error {
	points, err := json.Marshal(t.Points)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO trips (order_id, requester_id, provider_id, started_at, ended_at, points, distance_km, duration_sec, status)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (order_id) DO UPDATE SET
			ended_at=EXCLUDED.ended_at, points=EXCLUDED.points, distance_km=EXCLUDED.distance_km,
			duration_sec=EXCLUDED.duration_sec, status=EXCLUDED.status`,
		int64(t.OrderID), t.RequesterID, t.ProviderID, t.StartedAt, nullTime(t.EndedAt),
		points, t.DistanceKm, t.DurationSec, string(t.Status))
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*models.Order, error) {
	var (
		o                                                              models.Order
		id, status                                                     = int64(0), ""
		createdAt, acceptedAt, pickedUpAt, completedAt                 sql.NullTime
		disputeOpener, disputeReason, disputeResolution, disputeWinner sql.NullString
		disputeOpenedAt, disputeResolvedAt                             sql.NullTime
	)
	err := row.Scan(&id, &o.Requester, &o.Provider,
		&o.Pickup.Lat, &o.Pickup.Lng, &o.Dropoff.Lat, &o.Dropoff.Lng,
		&o.PickupLabel, &o.DropoffLabel, &o.Category, &o.SubCategory,
		&o.EstimatedPrice, &o.FinalPrice, &status,
		&createdAt, &acceptedAt, &pickedUpAt, &completedAt,
		&disputeOpener, &disputeReason, &disputeResolution, &disputeWinner,
		&disputeOpenedAt, &disputeResolvedAt,
		&o.ArchiveID, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	o.ID = uint64(id)
	o.Status = models.OrderStatus(status)
	o.CreatedAt = timePtr(createdAt)
	o.AcceptedAt = timePtr(acceptedAt)
	o.PickedUpAt = timePtr(pickedUpAt)
	o.CompletedAt = timePtr(completedAt)
	if disputeOpener.Valid {
		o.Dispute = &models.Dispute{
			Opener:     disputeOpener.String,
			Reason:     disputeReason.String,
			Resolution: disputeResolution.String,
			Winner:     disputeWinner.String,
			OpenedAt:   timePtr(disputeOpenedAt),
			ResolvedAt: timePtr(disputeResolvedAt),
		}
	}
	return &o, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
