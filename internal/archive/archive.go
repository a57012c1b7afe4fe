package archive

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// ErrNotFound reports that no blob exists under the requested content id.
var ErrNotFound = errors.New("archive: not found")

// Store is the consumed content-addressed blob store: the retrieval key
// is derived from the blob's content by the store itself.
type Store interface {
	Put(ctx context.Context, data []byte) (string, error)
	Get(ctx context.Context, id string) ([]byte, error)
}

// HTTPStore talks to an archive gateway (IPFS-style add/cat API).
type HTTPStore struct {
	Endpoint string
	Client   *http.Client
}

func NewHTTPStore(endpoint string) *HTTPStore {
	return &HTTPStore{
		Endpoint: strings.TrimRight(endpoint, "/"),
		Client:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *HTTPStore) Put(ctx context.Context, data []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.Endpoint+"/api/v0/add", bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	resp, err := s.Client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("archive add status %d", resp.StatusCode)
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", errors.New("archive returned empty content id")
	}
	return out.ID, nil
}

func (s *HTTPStore) Get(ctx context.Context, id string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.Endpoint+"/api/v0/cat/"+id, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("archive cat status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// MemoryStore keeps blobs in-process under hex sha256 ids; it backs tests
// and archive-less local runs.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string][]byte)}
}

func (s *MemoryStore) Put(ctx context.Context, data []byte) (string, error) {
	sum := sha256.Sum256(data)
	id := hex.EncodeToString(sum[:])
	cp := make([]byte, len(data))
	copy(cp, data)
	s.mu.Lock()
	s.blobs[id] = cp
	s.mu.Unlock()
	return id, nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) ([]byte, error) {
	s.mu.RLock()
	b, ok := s.blobs[id]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return b, nil
}
