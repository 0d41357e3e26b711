// Package control exposes a minimal, read-only introspection surface
// alongside the firewall's main listener: liveness and a redacted dump of
// the live configuration. It carries no rule-authoring or session-control
// surface — only state that already exists is reported.
package control

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"aegis/internal/config"
)

// Handler serves the control API.
type Handler struct {
	store *config.Store
	mux   *http.ServeMux
}

// New builds a control Handler backed by store.
func New(store *config.Store) *Handler {
	h := &Handler{store: store, mux: http.NewServeMux()}
	h.mux.HandleFunc("/healthz", h.handleHealth)
	h.mux.HandleFunc("/debug/config", h.handleDebugConfig)
	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now(),
	})
}

func (h *Handler) handleDebugConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	cfg := h.store.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"fingerprint":     cfg.Fingerprint,
		"upstream":        cfg.Upstream,
		"default_action":  cfg.DefaultAction,
		"rule_count":      len(cfg.Rules),
		"redis_enabled":   cfg.Redis.Enabled,
		"metrics_enabled": cfg.Metrics.Enabled,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("control api: failed to encode response", "error", err)
	}
}
