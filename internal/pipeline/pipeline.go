// Package pipeline wires the config store, rule evaluator, counter store,
// forwarder, and metrics provider into the per-request state machine: every
// rule gets a chance to decide the request, the first Allow or Block
// short-circuits, a Count falls through to the next rule, and exhausting
// the rule list falls back to the configured default action.
package pipeline

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"aegis/internal/config"
	"aegis/internal/forwarder"
	"aegis/internal/telemetry"
	"aegis/internal/waf"
)

// Pipeline is the http.Handler the server listens with.
type Pipeline struct {
	store     *config.Store
	counters  waf.CounterStore
	forwarder *forwarder.Forwarder
	metrics   *telemetry.Provider
}

// New builds a Pipeline. counters may be nil when the counter store is
// disabled; rate-based rules then always skip (see waf.EvaluateRateBasedRule).
func New(store *config.Store, counters waf.CounterStore, fwd *forwarder.Forwarder, metrics *telemetry.Provider) *Pipeline {
	return &Pipeline{store: store, counters: counters, forwarder: fwd, metrics: metrics}
}

// ServeHTTP implements the request state machine described by the firewall
// spec: snapshot the config, walk the rules in order, dispatch on the first
// decisive action, fall back to the default action.
func (p *Pipeline) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	requestID := uuid.NewString()

	p.metrics.RecordTotal(ctx)

	var body []byte
	if r.Body != nil {
		body, _ = io.ReadAll(r.Body)
		r.Body = io.NopCloser(bytes.NewReader(body))
	}

	cfg := p.store.Snapshot()

	action, ok := p.decide(ctx, cfg, r, start, requestID)
	if !ok {
		action = cfg.DefaultAction
		switch action {
		case waf.ActionAllow, waf.ActionBlock:
		default:
			// Defensive: an unrecognized or missing default action is
			// treated as Block so a misconfiguration fails closed.
			action = waf.ActionBlock
		}
	}

	switch action {
	case waf.ActionAllow:
		p.metrics.RecordAllowed(ctx, durationMs(start))
		p.forwarder.Forward(w, r, body)
	default: // Block and the defensive fallback above
		p.metrics.RecordBlocked(ctx, durationMs(start))
		writeBlocked(w)
	}

	slog.Info("request handled",
		"request_id", requestID,
		"method", r.Method,
		"path", r.URL.Path,
		"action", action,
		"duration", time.Since(start),
	)
}

// decide walks the rule list in order and returns the first decisive
// action. It returns ok=false when every rule either didn't match or was
// skipped, meaning the caller must fall back to the default action.
func (p *Pipeline) decide(ctx context.Context, cfg *config.AegisConfig, r *http.Request, start time.Time, requestID string) (waf.Action, bool) {
	for _, rule := range cfg.Rules {
		switch {
		case rule.Regular != nil:
			if !waf.EvaluateRegularRule(*rule.Regular, r) {
				continue
			}
			switch rule.Regular.Action {
			case waf.ActionAllow, waf.ActionBlock:
				return rule.Regular.Action, true
			case waf.ActionCount:
				p.metrics.RecordBlocked(ctx, durationMs(start))
				slog.Info("rule counted request", "request_id", requestID, "path", r.URL.Path)
				continue
			}

		case rule.RateBased != nil:
			action, matched := waf.EvaluateRateBasedRule(ctx, *rule.RateBased, r, p.counters)
			if !matched {
				continue
			}
			p.metrics.RecordRateLimited(ctx, durationMs(start))
			return action, true
		}
	}
	return "", false
}

func durationMs(start time.Time) float64 {
	return float64(time.Since(start)) / float64(time.Millisecond)
}

func writeBlocked(w http.ResponseWriter) {
	w.WriteHeader(http.StatusForbidden)
	_, _ = w.Write([]byte("Request blocked by firewall"))
}
