package httpapi

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/chainride/internal/dispatch"
	"github.com/example/chainride/internal/models"
	"github.com/example/chainride/internal/presence"
	"github.com/example/chainride/internal/resolver"
	"github.com/example/chainride/internal/trip"
)

// OrderReader serves read queries over mirrored and on-ledger orders.
type OrderReader interface {
	ListOpen(ctx context.Context, providerID string) ([]*models.Order, error)
	GetByID(ctx context.Context, id uint64) (*models.Order, error)
	GetForParty(ctx context.Context, partyID, role string) ([]*models.Order, error)
}

// TripController drives the telemetry lifecycle of accepted orders.
type TripController interface {
	StartTracking(orderID uint64, requesterID, providerID string) error
	AddPoint(ctx context.Context, orderID uint64, p models.LocationPoint) (float64, error)
	StopTracking(ctx context.Context, orderID uint64) (*models.Trip, error)
	VerifyArrival(orderID uint64, target models.Coord, toleranceKm float64) (bool, error)
}

// Health reports whether the ledger connection is degraded.
type Health interface {
	Degraded() bool
}

type Server struct {
	Orders   OrderReader
	Trips    TripController
	Engine   *dispatch.Engine
	Presence *presence.Registry
	Health   Health

	logger *slog.Logger
	mux    *mux.Router
}

func NewServer(orders OrderReader, trips TripController, engine *dispatch.Engine, reg *presence.Registry, health Health, logger *slog.Logger) *Server {
	s := &Server{
		Orders:   orders,
		Trips:    trips,
		Engine:   engine,
		Presence: reg,
		Health:   health,
		logger:   logger,
		mux:      mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/v1/orders/open", s.handleListOpen).Methods("GET")
	s.mux.HandleFunc("/api/v1/orders/{id:[0-9]+}", s.handleGetOrder).Methods("GET")
	s.mux.HandleFunc("/api/v1/parties/{id}/orders", s.handlePartyOrders).Methods("GET")
	s.mux.HandleFunc("/api/v1/trips/{order_id:[0-9]+}/start", s.handleTripStart).Methods("POST")
	s.mux.HandleFunc("/api/v1/trips/{order_id:[0-9]+}/points", s.handleTripPoint).Methods("POST")
	s.mux.HandleFunc("/api/v1/trips/{order_id:[0-9]+}/stop", s.handleTripStop).Methods("POST")
	s.mux.HandleFunc("/api/v1/trips/{order_id:[0-9]+}/arrival", s.handleTripArrival).Methods("GET")
	s.mux.HandleFunc("/healthz", s.handleHealthz).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/{provider_id}", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleListOpen(w http.ResponseWriter, r *http.Request) {
	providerID := r.URL.Query().Get("provider_id")
	orders, err := s.Orders.ListOpen(r.Context(), providerID)
	if err != nil {
		if errors.Is(err, resolver.ErrTimeout) {
			writeError(w, http.StatusGatewayTimeout, "ledger unreachable")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": orders})
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid order id")
		return
	}
	order, err := s.Orders.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, resolver.ErrNotFound) {
			writeError(w, http.StatusNotFound, "order not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (s *Server) handlePartyOrders(w http.ResponseWriter, r *http.Request) {
	partyID := mux.Vars(r)["id"]
	role := r.URL.Query().Get("role")
	switch role {
	case "", "any", "requester", "provider":
	default:
		writeError(w, http.StatusBadRequest, "role must be requester, provider or any")
		return
	}
	orders, err := s.Orders.GetForParty(r.Context(), partyID, role)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": orders})
}

type tripStartRequest struct {
	RequesterID string `json:"requester_id"`
	ProviderID  string `json:"provider_id"`
}

func (s *Server) handleTripStart(w http.ResponseWriter, r *http.Request) {
	orderID, err := strconv.ParseUint(mux.Vars(r)["order_id"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid order id")
		return
	}
	var req tripStartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.RequesterID == "" || req.ProviderID == "" {
		writeError(w, http.StatusBadRequest, "requester_id and provider_id are required")
		return
	}
	if err := s.Trips.StartTracking(orderID, req.RequesterID, req.ProviderID); err != nil {
		if errors.Is(err, trip.ErrAlreadyTracking) {
			writeError(w, http.StatusConflict, "trip already active")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"order_id": orderID, "status": "tracking"})
}

func (s *Server) handleTripPoint(w http.ResponseWriter, r *http.Request) {
	orderID, err := strconv.ParseUint(mux.Vars(r)["order_id"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid order id")
		return
	}
	var p models.LocationPoint
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	distance, err := s.Trips.AddPoint(r.Context(), orderID, p)
	if err != nil {
		if errors.Is(err, trip.ErrNotTracking) {
			writeError(w, http.StatusNotFound, "no active trip")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"order_id": orderID, "distance_km": distance})
}

func (s *Server) handleTripStop(w http.ResponseWriter, r *http.Request) {
	orderID, err := strconv.ParseUint(mux.Vars(r)["order_id"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid order id")
		return
	}
	tr, err := s.Trips.StopTracking(r.Context(), orderID)
	if err != nil {
		if errors.Is(err, trip.ErrNotTracking) {
			writeError(w, http.StatusNotFound, "no active trip")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, tr)
}

func (s *Server) handleTripArrival(w http.ResponseWriter, r *http.Request) {
	orderID, err := strconv.ParseUint(mux.Vars(r)["order_id"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid order id")
		return
	}
	q := r.URL.Query()
	lat, latErr := strconv.ParseFloat(q.Get("lat"), 64)
	lng, lngErr := strconv.ParseFloat(q.Get("lng"), 64)
	if latErr != nil || lngErr != nil {
		writeError(w, http.StatusBadRequest, "lat and lng are required")
		return
	}
	tolerance := 0.0
	if v := q.Get("tolerance_km"); v != "" {
		tolerance, err = strconv.ParseFloat(v, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid tolerance_km")
			return
		}
	}
	arrived, err := s.Trips.VerifyArrival(orderID, models.Coord{Lat: lat, Lng: lng}, tolerance)
	if err != nil {
		if errors.Is(err, trip.ErrNotTracking) {
			writeError(w, http.StatusNotFound, "no active trip")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"order_id": orderID, "arrived": arrived})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if s.Health != nil && s.Health.Degraded() {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":           status,
		"providers_online": s.Presence.OnlineCount(),
		"pending_orders":   s.Engine.PendingCount(),
	})
}

var upgrader = websocket.Upgrader{}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	providerID := mux.Vars(r)["provider_id"]
	if providerID == "" {
		writeError(w, http.StatusBadRequest, "provider id required")
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "provider_id", providerID, "error", err)
		return
	}
	go dispatch.ServeProvider(conn, providerID, s.Engine, s.Presence, s.logger)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }
