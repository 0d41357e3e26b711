package pipeline

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"aegis/internal/config"
	"aegis/internal/forwarder"
	"aegis/internal/telemetry"
	"aegis/internal/waf"
)

func newTestPipeline(t *testing.T, backend *httptest.Server, cfg *config.AegisConfig, counters waf.CounterStore) *Pipeline {
	t.Helper()

	fwd, err := forwarder.New(backend.URL)
	if err != nil {
		t.Fatalf("failed to build forwarder: %v", err)
	}
	metrics, err := telemetry.NewProvider(telemetry.Config{Enabled: false})
	if err != nil {
		t.Fatalf("failed to build metrics provider: %v", err)
	}

	return New(config.NewStore(cfg), counters, fwd, metrics)
}

// E1: default_action=Allow, no rules, forwards verbatim.
func TestPipeline_E1_DefaultAllowForwards(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("hi"))
	}))
	defer backend.Close()

	cfg := &config.AegisConfig{Upstream: backend.URL, DefaultAction: waf.ActionAllow}
	p := newTestPipeline(t, backend, cfg, nil)

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)

	resp := rec.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "hi" {
		t.Errorf("expected body %q, got %q", "hi", body)
	}
}

// E2: Regular/All/Block on an exact path match.
func TestPipeline_E2_BlocksExactPath(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("should not be reached"))
	}))
	defer backend.Close()

	cfg := &config.AegisConfig{
		Upstream:      backend.URL,
		DefaultAction: waf.ActionAllow,
		Rules: []waf.AegisRule{{
			Regular: &waf.RegularRule{
				Action:    waf.ActionBlock,
				Condition: waf.ConditionAll,
				Statements: []waf.Statement{
					{Inspect: waf.Inspect{Kind: waf.InspectURIPath}, MatchType: waf.MatchExact, MatchString: "/admin"},
				},
			},
		}},
	}
	p := newTestPipeline(t, backend, cfg, nil)

	req := httptest.NewRequest(http.MethodGet, "/admin", nil)
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)

	resp := rec.Result()
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("expected 403, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "Request blocked by firewall" {
		t.Errorf("unexpected body: %q", body)
	}
}

// E3: same rule negated — the match inverts.
func TestPipeline_E3_NegatedRuleInverts(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("forwarded"))
	}))
	defer backend.Close()

	cfg := &config.AegisConfig{
		Upstream:      backend.URL,
		DefaultAction: waf.ActionAllow,
		Rules: []waf.AegisRule{{
			Regular: &waf.RegularRule{
				Action:    waf.ActionBlock,
				Condition: waf.ConditionAll,
				Statements: []waf.Statement{
					{Inspect: waf.Inspect{Kind: waf.InspectURIPath}, MatchType: waf.MatchExact, MatchString: "/admin", Negate: true},
				},
			},
		}},
	}
	p := newTestPipeline(t, backend, cfg, nil)

	reqPublic := httptest.NewRequest(http.MethodGet, "/public", nil)
	recPublic := httptest.NewRecorder()
	p.ServeHTTP(recPublic, reqPublic)
	if recPublic.Result().StatusCode != http.StatusForbidden {
		t.Errorf("expected /public to be blocked, got %d", recPublic.Result().StatusCode)
	}

	reqAdmin := httptest.NewRequest(http.MethodGet, "/admin", nil)
	recAdmin := httptest.NewRecorder()
	p.ServeHTTP(recAdmin, reqAdmin)
	if recAdmin.Result().StatusCode != http.StatusOK {
		t.Errorf("expected /admin to be forwarded, got %d", recAdmin.Result().StatusCode)
	}
}

// E4: Regular/One/Block across a header statement and a query-parameter statement.
func TestPipeline_E4_OneConditionAcrossStatements(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("forwarded"))
	}))
	defer backend.Close()

	cfg := &config.AegisConfig{
		Upstream:      backend.URL,
		DefaultAction: waf.ActionAllow,
		Rules: []waf.AegisRule{{
			Regular: &waf.RegularRule{
				Action:    waf.ActionBlock,
				Condition: waf.ConditionOne,
				Statements: []waf.Statement{
					{Inspect: waf.Inspect{Kind: waf.InspectHeader, Key: "X-Bad"}, MatchType: waf.MatchContains, MatchString: "evil"},
					{Inspect: waf.Inspect{Kind: waf.InspectQueryParameter, Key: "q"}, MatchType: waf.MatchStartsWith, MatchString: "drop"},
				},
			},
		}},
	}
	p := newTestPipeline(t, backend, cfg, nil)

	blocked := httptest.NewRequest(http.MethodGet, "/?q=dropTable", nil)
	recBlocked := httptest.NewRecorder()
	p.ServeHTTP(recBlocked, blocked)
	if recBlocked.Result().StatusCode != http.StatusForbidden {
		t.Errorf("expected q=dropTable to be blocked, got %d", recBlocked.Result().StatusCode)
	}

	allowed := httptest.NewRequest(http.MethodGet, "/?q=ok", nil)
	recAllowed := httptest.NewRecorder()
	p.ServeHTTP(recAllowed, allowed)
	if recAllowed.Result().StatusCode != http.StatusOK {
		t.Errorf("expected q=ok to be forwarded, got %d", recAllowed.Result().StatusCode)
	}
}

type pipelineFakeCounterStore struct {
	values map[string]int64
}

func newPipelineFakeCounterStore() *pipelineFakeCounterStore {
	return &pipelineFakeCounterStore{values: make(map[string]int64)}
}

func (f *pipelineFakeCounterStore) SetNX(ctx context.Context, key string, value int64) (bool, error) {
	if _, exists := f.values[key]; exists {
		return false, nil
	}
	f.values[key] = value
	return true, nil
}

func (f *pipelineFakeCounterStore) Expire(ctx context.Context, key string, seconds int64) (bool, error) {
	return true, nil
}

func (f *pipelineFakeCounterStore) Decr(ctx context.Context, key string) (int64, error) {
	f.values[key]--
	return f.values[key], nil
}

// E5: RateBased{limit=2, window=60, SourceIp}: three requests from one IP
// within the window allow, allow, block; a different IP in the same window
// still allows.
func TestPipeline_E5_RateBasedLimitsPerSourceIP(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("forwarded"))
	}))
	defer backend.Close()

	cfg := &config.AegisConfig{
		Upstream:      backend.URL,
		DefaultAction: waf.ActionAllow,
		Rules: []waf.AegisRule{{
			RateBased: &waf.RateBasedRule{
				Limit:         2,
				WindowSeconds: 60,
				Key:           waf.RateBasedRuleKeySourceIP,
			},
		}},
	}
	counters := newPipelineFakeCounterStore()
	p := newTestPipeline(t, backend, cfg, counters)

	expect := func(ip string, wantStatus int) {
		t.Helper()
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = ip + ":4444"
		rec := httptest.NewRecorder()
		p.ServeHTTP(rec, req)
		if got := rec.Result().StatusCode; got != wantStatus {
			t.Errorf("ip %s: expected status %d, got %d", ip, wantStatus, got)
		}
	}

	expect("1.2.3.4", http.StatusOK)
	expect("1.2.3.4", http.StatusOK)
	expect("1.2.3.4", http.StatusForbidden)
	expect("5.6.7.8", http.StatusOK)
}

// A Count-action match falls through and the request is decided by the
// next rule (or the default action) rather than by the Count rule itself.
func TestPipeline_CountActionFallsThrough(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("forwarded"))
	}))
	defer backend.Close()

	cfg := &config.AegisConfig{
		Upstream:      backend.URL,
		DefaultAction: waf.ActionAllow,
		Rules: []waf.AegisRule{{
			Regular: &waf.RegularRule{
				Action:    waf.ActionCount,
				Condition: waf.ConditionAll,
				Statements: []waf.Statement{
					{Inspect: waf.Inspect{Kind: waf.InspectURIPath}, MatchType: waf.MatchExact, MatchString: "/watched"},
				},
			},
		}},
	}
	p := newTestPipeline(t, backend, cfg, nil)

	req := httptest.NewRequest(http.MethodGet, "/watched", nil)
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)

	if rec.Result().StatusCode != http.StatusOK {
		t.Errorf("expected Count rule to fall through to the default action (Allow), got %d", rec.Result().StatusCode)
	}
}
