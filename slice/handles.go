package slice

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"lukechampine.com/blake3"

	"sdl/clock"
)

// ErrLeaseExpired marks a handle past its lease; the client rebuilds.
var ErrLeaseExpired = errors.New("slice: lease expired")

// ErrUnknownHandle marks a handle this server never issued (or forgot after
// restart).
var ErrUnknownHandle = errors.New("slice: unknown handle")

// Handle binds a slice to its inputs and lease.
type Handle struct {
	RepoID           string    `json:"repoId"`
	Version          int64     `json:"versionId"`
	InputFingerprint string    `json:"inputFingerprint"`
	Budget           Budget    `json:"budget"`
	ExpiresAt        time.Time `json:"expiresAt"`
	CardIDs          []string  `json:"cardIds"`
}

// Handles is the in-memory lease registry.
type Handles struct {
	mu      sync.Mutex
	clk     clock.Clock
	entries map[string]Handle
}

func NewHandles(clk clock.Clock) *Handles {
	if clk == nil {
		clk = clock.System
	}
	return &Handles{clk: clk, entries: make(map[string]Handle)}
}

// Put registers (or refreshes) a handle.
func (h *Handles) Put(id string, handle Handle) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries[id] = handle
	h.sweepLocked()
}

// Get returns a live handle; expired handles are reported and dropped.
func (h *Handles) Get(id string) (Handle, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	handle, ok := h.entries[id]
	if !ok {
		return Handle{}, ErrUnknownHandle
	}
	if h.clk.Now().After(handle.ExpiresAt) {
		delete(h.entries, id)
		return Handle{}, ErrLeaseExpired
	}
	return handle, nil
}

// Extend pushes the lease of a live handle forward.
func (h *Handles) Extend(id string, d time.Duration) (Handle, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	handle, ok := h.entries[id]
	if !ok {
		return Handle{}, ErrUnknownHandle
	}
	if h.clk.Now().After(handle.ExpiresAt) {
		delete(h.entries, id)
		return Handle{}, ErrLeaseExpired
	}
	handle.ExpiresAt = h.clk.Now().Add(d)
	h.entries[id] = handle
	return handle, nil
}

func (h *Handles) sweepLocked() {
	if len(h.entries) < 1024 {
		return
	}
	now := h.clk.Now()
	for id, handle := range h.entries {
		if now.After(handle.ExpiresAt) {
			delete(h.entries, id)
		}
	}
}

// handleNamespace pins the UUIDv5 namespace for slice handles.
var handleNamespace = uuid.MustParse("8f6b2c55-90a4-4ce6-b1f7-6f5f3f0c7a21")

// HandleID derives the handle deterministically from what it binds: the same
// inputs at the same version always name the same slice.
func HandleID(repoID string, version int64, inputFingerprint string, budget Budget) string {
	payload, _ := json.Marshal(struct {
		Repo    string `json:"r"`
		Version int64  `json:"v"`
		Input   string `json:"i"`
		Budget  Budget `json:"b"`
	}{repoID, version, inputFingerprint, budget})
	return uuid.NewSHA1(handleNamespace, payload).String()
}

// InputFingerprint hashes the normalized input.
func InputFingerprint(in Input) string {
	norm := in
	norm.Budget = Budget{} // budget is bound separately in the handle
	payload, _ := json.Marshal(norm)
	sum := blake3.Sum256(payload)
	return hex.EncodeToString(sum[:16])
}
