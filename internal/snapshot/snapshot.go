// Package snapshot persists the gateway's in-memory state across restarts
// when running in MEM mode: every store collection, the metrics bucket ring,
// the token blacklist, and the cache contents are JSON-encoded, sealed with
// ChaCha20-Poly1305 under a key derived from MEM_ENCRYPTION_KEY, and written
// with an atomic rename so a crash mid-write never corrupts the previous
// snapshot.
package snapshot

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/doorman/gateway/internal/cache"
	"github.com/doorman/gateway/internal/metrics"
	"github.com/doorman/gateway/internal/store"
	"github.com/doorman/gateway/internal/vault"
)

// formatVersion guards against decoding a snapshot written by an
// incompatible build.
const formatVersion = 1

// State is the serializable whole-process state.
type State struct {
	Version     int                        `json:"version"`
	WrittenAt   time.Time                  `json:"written_at"`
	Collections map[string]json.RawMessage `json:"collections"`
	MetricsRing *metrics.Ring              `json:"metrics_ring,omitempty"`
	Blacklist   map[string]time.Time       `json:"blacklist,omitempty"`
	CacheDump   map[string]cache.DumpEntry `json:"cache_dump,omitempty"`
}

// Writer seals and writes snapshots.
type Writer struct {
	key  []byte
	path string
}

// NewWriter derives the snapshot key from the MEM_ENCRYPTION_KEY secret.
func NewWriter(secret, path string) (*Writer, error) {
	if secret == "" {
		return nil, fmt.Errorf("snapshot: MEM_ENCRYPTION_KEY is empty")
	}
	key, err := vault.DeriveSnapshotKey(secret)
	if err != nil {
		return nil, err
	}
	return &Writer{key: key, path: path}, nil
}

// Path returns the snapshot file location.
func (w *Writer) Path() string { return w.path }

// decodeCollection maps collection names to decode targets, so Restore can
// rebuild typed entities out of raw JSON.
func decodeCollection(name string, raw json.RawMessage) ([]any, error) {
	switch name {
	case store.CollAPIs:
		return decodeSlice[store.API](raw)
	case store.CollEndpoints:
		return decodeSlice[store.Endpoint](raw)
	case store.CollUsers:
		return decodeSlice[store.User](raw)
	case store.CollTiers:
		return decodeSlice[store.Tier](raw)
	case store.CollRoles:
		return decodeSlice[store.Role](raw)
	case store.CollGroups:
		return decodeSlice[store.Group](raw)
	case store.CollSubscriptions:
		return decodeSlice[store.Subscription](raw)
	case store.CollRoutings:
		return decodeSlice[store.Routing](raw)
	case store.CollCreditDefs:
		return decodeSlice[store.CreditDefinition](raw)
	case store.CollUserCredits:
		return decodeSlice[store.UserCredits](raw)
	case store.CollVaultEntries:
		return decodeSlice[store.VaultEntry](raw)
	default:
		return nil, fmt.Errorf("snapshot: unknown collection %q", name)
	}
}

func decodeSlice[T any](raw json.RawMessage) ([]any, error) {
	var items []*T
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, err
	}
	out := make([]any, 0, len(items))
	for _, it := range items {
		out = append(out, it)
	}
	return out, nil
}

// Capture assembles the current state from its sources.
func Capture(mem *store.MemoryStore, ring *metrics.Ring, blacklist map[string]time.Time, cacheDump map[string]cache.DumpEntry) (*State, error) {
	state := &State{
		Version:     formatVersion,
		WrittenAt:   time.Now().UTC(),
		Collections: make(map[string]json.RawMessage),
		MetricsRing: ring,
		Blacklist:   blacklist,
		CacheDump:   cacheDump,
	}
	for name, items := range mem.Snapshot() {
		raw, err := json.Marshal(items)
		if err != nil {
			return nil, fmt.Errorf("snapshot: encode collection %s: %w", name, err)
		}
		state.Collections[name] = raw
	}
	return state, nil
}

// Write seals state and atomically replaces the snapshot file.
func (w *Writer) Write(state *State) error {
	plain, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("snapshot: encode: %w", err)
	}
	sealed, err := vault.SealWithKey(w.key, plain)
	if err != nil {
		return fmt.Errorf("snapshot: seal: %w", err)
	}

	dir := filepath.Dir(w.path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("snapshot: mkdir: %w", err)
		}
	}

	tmp, err := os.CreateTemp(dir, ".snapshot-*")
	if err != nil {
		return fmt.Errorf("snapshot: temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(sealed); err != nil {
		tmp.Close()
		return fmt.Errorf("snapshot: write: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("snapshot: sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("snapshot: close: %w", err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return fmt.Errorf("snapshot: chmod: %w", err)
	}
	if err := os.Rename(tmpName, w.path); err != nil {
		return fmt.Errorf("snapshot: rename: %w", err)
	}
	return nil
}

// Read opens and unseals the snapshot file. A missing file returns
// (nil, nil): first boot is not an error.
func (w *Writer) Read() (*State, error) {
	sealed, err := os.ReadFile(w.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("snapshot: read: %w", err)
	}
	plain, err := vault.OpenWithKey(w.key, sealed)
	if err != nil {
		return nil, fmt.Errorf("snapshot: unseal (wrong MEM_ENCRYPTION_KEY or corrupt file): %w", err)
	}
	var state State
	if err := json.Unmarshal(plain, &state); err != nil {
		return nil, fmt.Errorf("snapshot: decode: %w", err)
	}
	if state.Version != formatVersion {
		return nil, fmt.Errorf("snapshot: unsupported format version %d", state.Version)
	}
	return &state, nil
}

// RestoreCollections loads the snapshot's collections into the memory store.
func RestoreCollections(mem *store.MemoryStore, state *State) error {
	data := make(map[string][]any, len(state.Collections))
	for name, raw := range state.Collections {
		items, err := decodeCollection(name, raw)
		if err != nil {
			return fmt.Errorf("snapshot: decode collection %s: %w", name, err)
		}
		data[name] = items
	}
	mem.Restore(data)
	return nil
}
