package waf

import (
	"net/http"
	"regexp"
	"strings"
)

// FetchStatementInspect extracts the InspectValue a Statement's Inspect
// target names from req. It never returns an error: a missing header,
// unparsable query string, or unparsable cookie header degrades to an empty
// value rather than failing the request.
func FetchStatementInspect(inspect Inspect, req *http.Request) InspectValue {
	switch inspect.Kind {
	case InspectHeader:
		return InspectValue{Kind: ValueSingle, Single: req.Header.Get(inspect.Key)}

	case InspectQueryParameter:
		return InspectValue{Kind: ValueSingle, Single: req.URL.Query().Get(inspect.Key)}

	case InspectHTTPMethod:
		return InspectValue{Kind: ValueSingle, Single: req.Method}

	case InspectURIPath:
		return InspectValue{Kind: ValueSingle, Single: req.URL.Path}

	case InspectQueryString:
		return InspectValue{Kind: ValueSingle, Single: req.URL.RawQuery}

	case InspectAllHeaders:
		return InspectValue{Kind: ValueAll, Seq: extractHeaders(inspect, req)}

	case InspectCookies:
		return InspectValue{Kind: ValueAll, Seq: extractCookies(inspect, req)}

	case InspectIPSet:
		return extractIPSet(inspect, req)

	default:
		return InspectValue{Kind: ValueSingle, Single: ""}
	}
}

// extractHeaders implements AllHeaders: content_filter narrows which header
// names participate, then scope selects keys, values, or keys-then-values.
func extractHeaders(inspect Inspect, req *http.Request) []string {
	type kv struct{ k, v string }
	var filtered []kv
	for name, values := range req.Header {
		if !passesContentFilter(inspect.ContentFilter, name) {
			continue
		}
		for _, v := range values {
			filtered = append(filtered, kv{k: name, v: v})
		}
	}

	switch inspect.Scope {
	case ScopeKeys:
		out := make([]string, 0, len(filtered))
		for _, e := range filtered {
			out = append(out, e.k)
		}
		return out
	case ScopeValues:
		out := make([]string, 0, len(filtered))
		for _, e := range filtered {
			out = append(out, e.v)
		}
		return out
	default: // ScopeAll: keys then values, both filtered by header name
		out := make([]string, 0, len(filtered)*2)
		for _, e := range filtered {
			out = append(out, e.k)
		}
		for _, e := range filtered {
			out = append(out, e.v)
		}
		return out
	}
}

// extractCookies implements Cookies. A malformed Cookie header yields an
// empty All() rather than an error.
func extractCookies(inspect Inspect, req *http.Request) []string {
	cookies := req.Cookies()

	var filtered []*http.Cookie
	for _, c := range cookies {
		if passesContentFilter(inspect.ContentFilter, c.Name) {
			filtered = append(filtered, c)
		}
	}

	switch inspect.Scope {
	case ScopeKeys:
		out := make([]string, 0, len(filtered))
		for _, c := range filtered {
			out = append(out, c.Name)
		}
		return out
	case ScopeValues:
		out := make([]string, 0, len(filtered))
		for _, c := range filtered {
			out = append(out, c.Value)
		}
		return out
	default:
		out := make([]string, 0, len(filtered)*2)
		for _, c := range filtered {
			out = append(out, c.Name)
		}
		for _, c := range filtered {
			out = append(out, c.Value)
		}
		return out
	}
}

func extractIPSet(inspect Inspect, req *http.Request) InspectValue {
	switch inspect.Source.Kind {
	case IPSetSourceKindSourceIP:
		return InspectValue{Kind: ValueSingle, Single: sourceIP(req)}

	case IPSetSourceKindHeader:
		raw := req.Header.Get(inspect.Source.Name)
		if raw == "" {
			return InspectValue{Kind: ValueSingle, Single: ""}
		}
		parts := strings.Split(raw, ",")
		ips := make([]string, 0, len(parts))
		for _, p := range parts {
			ips = append(ips, strings.TrimSpace(p))
		}
		switch inspect.Source.Position {
		case IPSetPositionFirst:
			return InspectValue{Kind: ValueSingle, Single: firstOrEmpty(ips)}
		case IPSetPositionLast:
			return InspectValue{Kind: ValueSingle, Single: lastOrEmpty(ips)}
		default: // Any
			return InspectValue{Kind: ValueAny, Seq: ips}
		}

	default:
		return InspectValue{Kind: ValueSingle, Single: ""}
	}
}

func sourceIP(req *http.Request) string {
	addr := req.RemoteAddr
	if idx := strings.LastIndex(addr, ":"); idx != -1 {
		return addr[:idx]
	}
	return addr
}

func firstOrEmpty(s []string) string {
	if len(s) == 0 {
		return ""
	}
	return s[0]
}

func lastOrEmpty(s []string) string {
	if len(s) == 0 {
		return ""
	}
	return s[len(s)-1]
}

// passesContentFilter reports whether header/cookie name h survives the
// configured content filter. Comparison is case-insensitive since Go
// canonicalizes header names but the filter's key may be written in any
// case in the config file.
func passesContentFilter(filter ContentFilter, h string) bool {
	switch filter.Kind {
	case ContentFilterExclude:
		return !strings.EqualFold(h, filter.Key)
	case ContentFilterInclude:
		return strings.EqualFold(h, filter.Key)
	default: // All
		return true
	}
}

// CheckStatementMatch applies a Statement's match_type (and negate) to an
// already-extracted InspectValue. All(empty) is false for every match type,
// including Regex — an empty All() sequence can never satisfy "every value
// matches" since there are no values to check.
func CheckStatementMatch(value InspectValue, stmt Statement) bool {
	var matched bool
	switch stmt.MatchType {
	case MatchStartsWith:
		matched = applyPredicate(value, func(v string) bool { return strings.HasPrefix(v, stmt.MatchString) })
	case MatchEndsWith:
		matched = applyPredicate(value, func(v string) bool { return strings.HasSuffix(v, stmt.MatchString) })
	case MatchContains:
		matched = applyPredicate(value, func(v string) bool { return strings.Contains(v, stmt.MatchString) })
	case MatchExact:
		matched = applyPredicate(value, func(v string) bool { return v == stmt.MatchString })
	case MatchRegex:
		re, err := regexp.Compile(stmt.MatchString)
		if err != nil {
			matched = false
		} else {
			matched = applyPredicate(value, re.MatchString)
		}
	default:
		matched = false
	}

	if stmt.Negate {
		return !matched
	}
	return matched
}

// applyPredicate evaluates pred over an InspectValue per its shape: a single
// value satisfies pred directly; All() requires every element to satisfy
// pred and is false when empty; Any() requires at least one element.
func applyPredicate(value InspectValue, pred func(string) bool) bool {
	switch value.Kind {
	case ValueSingle:
		return pred(value.Single)
	case ValueAll:
		if len(value.Seq) == 0 {
			return false
		}
		for _, v := range value.Seq {
			if !pred(v) {
				return false
			}
		}
		return true
	case ValueAny:
		for _, v := range value.Seq {
			if pred(v) {
				return true
			}
		}
		return false
	default:
		return false
	}
}
