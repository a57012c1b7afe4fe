package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"

	"github.com/example/chainride/internal/cache"
	"github.com/example/chainride/internal/dispatch"
	"github.com/example/chainride/internal/models"
	"github.com/example/chainride/internal/presence"
	"github.com/example/chainride/internal/resolver"
	"github.com/example/chainride/internal/trip"
)

type fakeOrders struct {
	open    []*models.Order
	byID    map[uint64]*models.Order
	listErr error
}

func (f *fakeOrders) ListOpen(ctx context.Context, providerID string) ([]*models.Order, error) {
	return f.open, f.listErr
}

func (f *fakeOrders) GetByID(ctx context.Context, id uint64) (*models.Order, error) {
	o, ok := f.byID[id]
	if !ok {
		return nil, resolver.ErrNotFound
	}
	return o, nil
}

func (f *fakeOrders) GetForParty(ctx context.Context, partyID, role string) ([]*models.Order, error) {
	var out []*models.Order
	for _, o := range f.byID {
		if o.Requester == partyID || o.Provider == partyID {
			out = append(out, o)
		}
	}
	return out, nil
}

type fakeTrips struct {
	active map[uint64]bool
}

func (f *fakeTrips) StartTracking(orderID uint64, requesterID, providerID string) error {
	if f.active[orderID] {
		return fmt.Errorf("%w: order %d", trip.ErrAlreadyTracking, orderID)
	}
	f.active[orderID] = true
	return nil
}

func (f *fakeTrips) AddPoint(ctx context.Context, orderID uint64, p models.LocationPoint) (float64, error) {
	if !f.active[orderID] {
		return 0, trip.ErrNotTracking
	}
	return 1.5, nil
}

func (f *fakeTrips) StopTracking(ctx context.Context, orderID uint64) (*models.Trip, error) {
	if !f.active[orderID] {
		return nil, trip.ErrNotTracking
	}
	delete(f.active, orderID)
	return &models.Trip{OrderID: orderID, Status: models.TripCompleted}, nil
}

func (f *fakeTrips) VerifyArrival(orderID uint64, target models.Coord, toleranceKm float64) (bool, error) {
	if !f.active[orderID] {
		return false, trip.ErrNotTracking
	}
	return true, nil
}

type fakeHealth struct{ degraded bool }

func (f fakeHealth) Degraded() bool { return f.degraded }

func newTestServer(orders *fakeOrders, trips *fakeTrips, health Health) *Server {
	logger := slog.New(slog.NewTextHandler(discard{}, nil))
	reg := presence.NewRegistry(logger)
	engine := dispatch.NewEngine(reg, cache.NewMemory(), logger)
	return NewServer(orders, trips, engine, reg, health, logger)
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func TestListOpenOrders(t *testing.T) {
	orders := &fakeOrders{open: []*models.Order{
		{ID: 1, Requester: "0xaa", Status: models.StatusOpen},
		{ID: 2, Requester: "0xbb", Status: models.StatusOpen},
	}}
	srv := newTestServer(orders, &fakeTrips{active: map[uint64]bool{}}, fakeHealth{})

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/orders/open?provider_id=0xcc", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body struct {
		Orders []*models.Order `json:"orders"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Orders) != 2 {
		t.Fatalf("got %d orders, want 2", len(body.Orders))
	}
}

func TestListOpenLedgerTimeout(t *testing.T) {
	orders := &fakeOrders{listErr: fmt.Errorf("list open: %w", resolver.ErrTimeout)}
	srv := newTestServer(orders, &fakeTrips{active: map[uint64]bool{}}, fakeHealth{})

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/orders/open", nil))

	if rec.Code != http.StatusGatewayTimeout {
		t.Fatalf("status = %d, want 504", rec.Code)
	}
}

func TestGetOrderNotFound(t *testing.T) {
	srv := newTestServer(&fakeOrders{byID: map[uint64]*models.Order{}}, &fakeTrips{active: map[uint64]bool{}}, fakeHealth{})

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/orders/42", nil))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestPartyOrdersRejectsBadRole(t *testing.T) {
	srv := newTestServer(&fakeOrders{byID: map[uint64]*models.Order{}}, &fakeTrips{active: map[uint64]bool{}}, fakeHealth{})

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/parties/0xaa/orders?role=owner", nil))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestTripLifecycleOverHTTP(t *testing.T) {
	trips := &fakeTrips{active: map[uint64]bool{}}
	srv := newTestServer(&fakeOrders{}, trips, fakeHealth{})

	start := httptest.NewRequest("POST", "/api/v1/trips/7/start",
		strings.NewReader(`{"requester_id":"0xaa","provider_id":"0xbb"}`))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, start)
	if rec.Code != http.StatusCreated {
		t.Fatalf("start status = %d, want 201: %s", rec.Code, rec.Body)
	}

	// Second start conflicts.
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest("POST", "/api/v1/trips/7/start",
		strings.NewReader(`{"requester_id":"0xaa","provider_id":"0xbb"}`)))
	if rec.Code != http.StatusConflict {
		t.Fatalf("duplicate start status = %d, want 409", rec.Code)
	}

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest("POST", "/api/v1/trips/7/points",
		strings.NewReader(`{"lat":40.0,"lng":-74.0}`)))
	if rec.Code != http.StatusOK {
		t.Fatalf("point status = %d, want 200", rec.Code)
	}
	var pt struct {
		DistanceKm float64 `json:"distance_km"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&pt); err != nil {
		t.Fatalf("decode point: %v", err)
	}
	if pt.DistanceKm != 1.5 {
		t.Fatalf("distance = %v, want 1.5", pt.DistanceKm)
	}

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/trips/7/arrival?lat=40.0&lng=-74.0", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("arrival status = %d, want 200", rec.Code)
	}

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest("POST", "/api/v1/trips/7/stop", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("stop status = %d, want 200", rec.Code)
	}

	// Trip is gone afterwards.
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest("POST", "/api/v1/trips/7/stop", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("repeat stop status = %d, want 404", rec.Code)
	}
}

func TestTripStartRequiresParties(t *testing.T) {
	srv := newTestServer(&fakeOrders{}, &fakeTrips{active: map[uint64]bool{}}, fakeHealth{})

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest("POST", "/api/v1/trips/7/start", strings.NewReader(`{}`)))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestWebsocketUpgradeThroughMiddleware(t *testing.T) {
	srv := newTestServer(&fakeOrders{}, &fakeTrips{active: map[uint64]bool{}}, fakeHealth{})
	ts := httptest.NewServer(srv)
	defer ts.Close()

	// a real dial exercises the hijack path under the logging middleware
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/p1"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("dial: %v (status %d)", err, status)
	}
	defer conn.Close()

	announce := map[string]any{
		"type":     "announce",
		"location": map[string]float64{"lat": 40.0, "lng": -74.0},
	}
	if err := conn.WriteJSON(announce); err != nil {
		t.Fatalf("announce: %v", err)
	}
	var ack struct {
		Type        string `json:"type"`
		ProviderID  string `json:"provider_id"`
		OnlineCount int    `json:"online_count"`
	}
	if err := conn.ReadJSON(&ack); err != nil {
		t.Fatalf("read ack: %v", err)
	}
	if ack.Type != "online_ack" || ack.ProviderID != "p1" || ack.OnlineCount != 1 {
		t.Fatalf("ack = %+v", ack)
	}
	if srv.Presence.OnlineCount() != 1 {
		t.Fatalf("online count = %d, want 1", srv.Presence.OnlineCount())
	}
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(&fakeOrders{}, &fakeTrips{active: map[uint64]bool{}}, fakeHealth{})

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	degraded := newTestServer(&fakeOrders{}, &fakeTrips{active: map[uint64]bool{}}, fakeHealth{degraded: true})
	rec = httptest.NewRecorder()
	degraded.ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("degraded status = %d, want 503", rec.Code)
	}
	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "degraded" {
		t.Fatalf("status field = %q, want degraded", body.Status)
	}
}
