package config

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// pollInterval is how often the watcher re-reads the config file. Matches
// the original implementation's fixed 5-second poll.
const pollInterval = 5 * time.Second

// Store holds the single live AegisConfig behind a read/write mutex. The
// request pipeline takes a read lock, clones the document it needs, and
// releases the lock before doing any blocking work — the clone, not the
// lock, travels with the request.
type Store struct {
	mu  sync.RWMutex
	cfg *AegisConfig
}

// NewStore wraps an already-loaded config for concurrent access.
func NewStore(cfg *AegisConfig) *Store {
	return &Store{cfg: cfg}
}

// Snapshot returns a shallow copy of the live config and its rule slice.
// Rules are immutable value data once parsed, so a shallow copy of the
// slice header is sufficient to let the caller iterate safely even if the
// watcher swaps in a new document concurrently.
func (s *Store) Snapshot() *AegisConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg := *s.cfg
	return &cfg
}

// Watch polls path every 5 seconds; when the raw file bytes' fingerprint
// differs from the live config's and the new document validates, it swaps
// the store's config atomically. A missing file is skipped silently; any
// other read failure, a parse failure, or a failed validation is logged. In
// every such case the previous config is retained untouched.
func (s *Store) Watch(ctx context.Context, path string) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.reload(path)
		}
	}
}

func (s *Store) reload(path string) {
	data, err := os.ReadFile(path) // #nosec G304 -- config path from trusted CLI flag
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Error("config watcher: failed to read config file", "path", path, "error", err)
		}
		return
	}

	s.mu.RLock()
	currentFingerprint := s.cfg.Fingerprint
	s.mu.RUnlock()

	fingerprint := fingerprintOf(data)
	if fingerprint == currentFingerprint {
		return
	}

	newCfg, err := parse(data)
	if err != nil {
		slog.Error("config watcher: new config failed validation, keeping previous config", "path", path, "error", err)
		return
	}

	s.mu.Lock()
	s.cfg = newCfg
	s.mu.Unlock()

	slog.Info("config reloaded", "path", path, "fingerprint", newCfg.Fingerprint)
}

func fingerprintOf(data []byte) uint64 {
	return xxhash.Sum64(data)
}
