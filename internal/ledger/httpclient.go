package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"time"
)

// HTTPClient implements Client against the JSON gateway that fronts the
// ledger node. Reads use a short-timeout http.Client; the event stream is
// a cursor poll with exponential backoff on gateway errors.
type HTTPClient struct {
	Endpoint     string
	Client       *http.Client
	PollInterval time.Duration
	PollLimit    int
	StartCursor  uint64
	Logger       *slog.Logger
}

func NewHTTPClient(endpoint string, logger *slog.Logger) *HTTPClient {
	return &HTTPClient{
		Endpoint:     strings.TrimRight(endpoint, "/"),
		Client:       &http.Client{Timeout: 5 * time.Second},
		PollInterval: 2 * time.Second,
		PollLimit:    100,
		Logger:       logger,
	}
}

func (h *HTTPClient) GetOrder(ctx context.Context, id uint64) (*OrderRecord, error) {
	var rec OrderRecord
	if err := h.getJSON(ctx, fmt.Sprintf("%s/v1/orders/%d", h.Endpoint, id), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (h *HTTPClient) LatestOrderID(ctx context.Context) (uint64, error) {
	var out struct {
		ID uint64 `json:"id"`
	}
	if err := h.getJSON(ctx, h.Endpoint+"/v1/orders/latest", &out); err != nil {
		return 0, err
	}
	return out.ID, nil
}

func (h *HTTPClient) BlockNumber(ctx context.Context) (uint64, error) {
	var out struct {
		Height uint64 `json:"height"`
	}
	if err := h.getJSON(ctx, h.Endpoint+"/v1/height", &out); err != nil {
		return 0, err
	}
	return out.Height, nil
}

// SubscribeEvents verifies the gateway is reachable, then polls the event
// cursor until ctx is cancelled. Poll failures back off up to 30s and
// never end the subscription.
func (h *HTTPClient) SubscribeEvents(ctx context.Context) (<-chan Event, error) {
	if _, err := h.BlockNumber(ctx); err != nil {
		return nil, fmt.Errorf("ledger unreachable: %w", err)
	}
	out := make(chan Event)
	go h.pollLoop(ctx, out)
	return out, nil
}

func (h *HTTPClient) pollLoop(ctx context.Context, out chan<- Event) {
	defer close(out)
	cursor := h.StartCursor
	backoff := time.Second
	const maxBackoff = 30 * time.Second
	for {
		batch, next, err := h.fetchEvents(ctx, cursor)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			h.Logger.Warn("event poll failed", "error", err, "backoff", backoff)
			if !sleep(ctx, backoff) {
				return
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second
		cursor = next
		for _, ev := range batch {
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
		if len(batch) == 0 && !sleep(ctx, h.PollInterval) {
			return
		}
	}
}

func (h *HTTPClient) fetchEvents(ctx context.Context, cursor uint64) ([]Event, uint64, error) {
	var out struct {
		Cursor uint64            `json:"cursor"`
		Events []json.RawMessage `json:"events"`
	}
	url := fmt.Sprintf("%s/v1/events?cursor=%d&limit=%d", h.Endpoint, cursor, h.PollLimit)
	if err := h.getJSON(ctx, url, &out); err != nil {
		return nil, cursor, err
	}
	events := make([]Event, 0, len(out.Events))
	for _, raw := range out.Events {
		ev, err := DecodeEvent(raw)
		if err != nil {
			h.Logger.Warn("undecodable ledger event skipped", "error", err)
			continue
		}
		events = append(events, ev)
	}
	return events, out.Cursor, nil
}

func (h *HTTPClient) getJSON(ctx context.Context, url string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := h.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ledger gateway status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

// rawEvent is the wire shape of a gateway event; Kind selects the variant
// and the remaining fields are populated per kind.
type rawEvent struct {
	Kind    string `json:"kind"`
	OrderID uint64 `json:"order_id"`
	Block   uint64 `json:"block"`
	TxHash  string `json:"tx_hash"`

	Requester       string   `json:"requester,omitempty"`
	Provider        string   `json:"provider,omitempty"`
	PickupLat       int64    `json:"pickup_lat,omitempty"`
	PickupLng       int64    `json:"pickup_lng,omitempty"`
	DropoffLat      int64    `json:"dropoff_lat,omitempty"`
	DropoffLng      int64    `json:"dropoff_lng,omitempty"`
	PickupLabel     string   `json:"pickup_label,omitempty"`
	DropoffLabel    string   `json:"dropoff_label,omitempty"`
	Category        string   `json:"category,omitempty"`
	SubCategory     string   `json:"sub_category,omitempty"`
	EstimatedAmount *big.Int `json:"estimated_amount,omitempty"`
	FinalAmount     *big.Int `json:"final_amount,omitempty"`
	Reason          string   `json:"reason,omitempty"`
	Opener          string   `json:"opener,omitempty"`
	Resolution      string   `json:"resolution,omitempty"`
	Winner          string   `json:"winner,omitempty"`
}

// DecodeEvent turns a gateway event payload into its typed variant.
func DecodeEvent(raw []byte) (Event, error) {
	var re rawEvent
	if err := json.Unmarshal(raw, &re); err != nil {
		return nil, err
	}
	meta := EventMeta{OrderID: re.OrderID, Block: re.Block, TxHash: re.TxHash}
	switch re.Kind {
	case "OrderOpened":
		return OrderOpened{
			EventMeta:       meta,
			Requester:       re.Requester,
			PickupLat:       re.PickupLat,
			PickupLng:       re.PickupLng,
			DropoffLat:      re.DropoffLat,
			DropoffLng:      re.DropoffLng,
			PickupLabel:     re.PickupLabel,
			DropoffLabel:    re.DropoffLabel,
			Category:        re.Category,
			SubCategory:     re.SubCategory,
			EstimatedAmount: re.EstimatedAmount,
		}, nil
	case "OrderAccepted":
		return OrderAccepted{EventMeta: meta, Provider: re.Provider}, nil
	case "PartyPickedUp":
		return PartyPickedUp{EventMeta: meta}, nil
	case "TripStarted":
		return TripStarted{EventMeta: meta}, nil
	case "OrderCompleted":
		return OrderCompleted{EventMeta: meta, FinalAmount: re.FinalAmount}, nil
	case "OrderCancelled":
		return OrderCancelled{EventMeta: meta, Reason: re.Reason}, nil
	case "DisputeOpened":
		return DisputeOpened{EventMeta: meta, Opener: re.Opener, Reason: re.Reason}, nil
	case "DisputeResolved":
		return DisputeResolved{EventMeta: meta, Resolution: re.Resolution, Winner: re.Winner}, nil
	default:
		return nil, fmt.Errorf("unknown event kind %q", re.Kind)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
