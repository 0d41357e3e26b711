package waf

import (
	"context"
	"log/slog"
	"net/http"
)

// CounterStore is the external, shared counter backing RateBased rules. It
// is satisfied by internal/counterstore's Redis-backed client; tests satisfy
// it with an in-memory fake.
type CounterStore interface {
	SetNX(ctx context.Context, key string, value int64) (bool, error)
	Expire(ctx context.Context, key string, seconds int64) (bool, error)
	Decr(ctx context.Context, key string) (int64, error)
}

// EvaluateRegularRule aggregates a Regular rule's statements under its
// condition. One and None both reduce to "at least one statement matched" —
// see DESIGN.md for why None is not implemented as a true NOR.
func EvaluateRegularRule(rule RegularRule, req *http.Request) bool {
	if len(rule.Statements) == 0 {
		return false
	}

	results := make([]bool, len(rule.Statements))
	for i, stmt := range rule.Statements {
		value := FetchStatementInspect(stmt.Inspect, req)
		results[i] = CheckStatementMatch(value, stmt)
	}

	switch rule.Condition {
	case ConditionAll:
		for _, r := range results {
			if !r {
				return false
			}
		}
		return true
	case ConditionOne, ConditionNone:
		for _, r := range results {
			if r {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// EvaluateRateBasedRule runs the SETNX/EXPIRE/DECR counter protocol against
// store for the request's key. It returns (action, true) when the rule
// contributes a decision, and (_, false) when the rule should be skipped:
// the key is unavailable, the store is unreachable, or any store call
// fails. A failure here never blocks a request by itself — that is the
// fail-open behavior the rate limiter is built around.
func EvaluateRateBasedRule(ctx context.Context, rule RateBasedRule, req *http.Request, store CounterStore) (Action, bool) {
	if store == nil {
		return "", false
	}

	var key string
	switch rule.Key {
	case RateBasedRuleKeySourceIP:
		key = sourceIP(req)
		if key == "" {
			return "", false
		}
	default:
		return "", false
	}

	setKey, err := store.SetNX(ctx, key, rule.Limit)
	if err != nil {
		slog.Error("rate limit counter SETNX failed", "key", key, "error", err)
		return "", false
	}

	if setKey {
		expired, err := store.Expire(ctx, key, rule.WindowSeconds)
		if err != nil {
			slog.Error("rate limit counter EXPIRE failed", "key", key, "error", err)
			return "", false
		}
		if !expired {
			// The key vanished between SETNX and EXPIRE (race with another
			// instance, or it hit its own TTL). Skip rather than guess.
			return "", false
		}
		return ActionAllow, true
	}

	remaining, err := store.Decr(ctx, key)
	if err != nil {
		slog.Error("rate limit counter DECR failed", "key", key, "error", err)
		return "", false
	}

	if remaining <= 0 {
		return ActionBlock, true
	}
	return ActionAllow, true
}
