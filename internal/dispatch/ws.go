package dispatch

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/chainride/internal/models"
	"github.com/example/chainride/internal/presence"
)

// Provider channel message kinds.
const (
	msgNewOrderOffer  = "new_order_offer"
	msgOnlineAck      = "online_ack"
	msgNearbyOrders   = "nearby_orders"
	msgAnnounce       = "announce"
	msgUpdateLocation = "update_location"
	msgDisconnect     = "disconnect"
	msgListNearby     = "list_nearby"
)

// writeTimeout bounds each session write: a stalled peer turns into a
// send error instead of blocking dispatch to every other provider.
const writeTimeout = 5 * time.Second

type serverMessage struct {
	Type        string       `json:"type"`
	OrderID     uint64       `json:"order_id,omitempty"`
	DistanceKm  float64      `json:"distance_km,omitempty"`
	ProviderID  string       `json:"provider_id,omitempty"`
	OnlineCount int          `json:"online_count,omitempty"`
	Orders      []NearbyOrder `json:"orders,omitempty"`
}

type clientMessage struct {
	Type       string       `json:"type"`
	ProviderID string       `json:"provider_id"`
	Location   models.Coord `json:"location"`
}

// Session is one provider's websocket connection. Implements
// presence.Channel; writes are serialized by a per-session mutex.
type Session struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func NewSession(conn *websocket.Conn) *Session { return &Session{conn: conn} }

func (s *Session) SendOffer(orderID uint64, distanceKm float64) error {
	return s.send(serverMessage{Type: msgNewOrderOffer, OrderID: orderID, DistanceKm: distanceKm})
}

func (s *Session) sendOnlineAck(providerID string, onlineCount int) error {
	return s.send(serverMessage{Type: msgOnlineAck, ProviderID: providerID, OnlineCount: onlineCount})
}

func (s *Session) sendNearby(orders []NearbyOrder) error {
	return s.send(serverMessage{Type: msgNearbyOrders, Orders: orders})
}

func (s *Session) send(m serverMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteJSON(m)
}

// ServeProvider runs a provider connection's read loop until the peer
// disconnects or errors. The provider goes Offline on any exit path.
func ServeProvider(conn *websocket.Conn, providerID string, engine *Engine, reg *presence.Registry, logger *slog.Logger) {
	session := NewSession(conn)
	defer func() {
		reg.Disconnect(providerID)
		_ = conn.Close()
	}()

	for {
		var msg clientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			logger.Debug("provider channel closed", "provider_id", providerID, "error", err)
			return
		}
		switch msg.Type {
		case msgAnnounce:
			n := reg.Announce(providerID, msg.Location, session)
			if err := session.sendOnlineAck(providerID, n); err != nil {
				return
			}
		case msgUpdateLocation:
			if !reg.UpdateLocation(providerID, msg.Location) {
				// heartbeat after eviction re-registers the provider
				reg.Announce(providerID, msg.Location, session)
			}
		case msgListNearby:
			if err := session.sendNearby(engine.ListNearby(providerID)); err != nil {
				return
			}
		case msgDisconnect:
			return
		default:
			logger.Debug("unknown provider message", "provider_id", providerID, "type", msg.Type)
		}
	}
}
