// Package waf implements the Aegis rule model: statements that inspect a
// request, match types that compare extracted values against a pattern, and
// the two rule families (content-matching "regular" rules and counter-store
// backed "rate-based" rules) that combine them into a decision.
package waf

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Action is the outcome a rule or the default action assigns to a request.
type Action string

const (
	ActionAllow Action = "Allow"
	ActionBlock Action = "Block"
	ActionCount Action = "Count"
)

// Condition is the quantifier a Regular rule aggregates its statements with.
type Condition string

const (
	ConditionOne  Condition = "One"  // true if any statement matches
	ConditionAll  Condition = "All"  // true only if every statement matches, never true when empty
	ConditionNone Condition = "None" // true if any statement matches (see DESIGN.md)
)

// MatchType is the predicate a Statement applies to its extracted value(s).
type MatchType string

const (
	MatchStartsWith MatchType = "StartsWith"
	MatchEndsWith   MatchType = "EndsWith"
	MatchContains   MatchType = "Contains"
	MatchExact      MatchType = "Exact"
	MatchRegex      MatchType = "Regex"
)

// Scope selects which part of a multi-valued inspect target participates:
// every key and value, only keys, or only values.
type Scope string

const (
	ScopeAll    Scope = "All"
	ScopeKeys   Scope = "Keys"
	ScopeValues Scope = "Values"
)

// ContentFilterKind selects which entries of a multi-valued inspect target
// are kept before Scope is applied.
type ContentFilterKind string

const (
	ContentFilterAll     ContentFilterKind = "All"
	ContentFilterInclude ContentFilterKind = "Include"
	ContentFilterExclude ContentFilterKind = "Exclude"
)

// ContentFilter narrows AllHeaders/Cookies inspection to a single named
// entry (Include), drops a single named entry (Exclude), or lets everything
// through (All).
type ContentFilter struct {
	Kind ContentFilterKind `yaml:"kind"`
	Key  string            `yaml:"key,omitempty"`
}

// IPSetPosition selects which address to use from a comma-separated
// forwarding header.
type IPSetPosition string

const (
	IPSetPositionFirst IPSetPosition = "First"
	IPSetPositionLast  IPSetPosition = "Last"
	IPSetPositionAny   IPSetPosition = "Any"
)

// IPSetSourceKind selects where the Statement reads a client address from.
type IPSetSourceKind string

const (
	IPSetSourceKindSourceIP IPSetSourceKind = "SourceIp"
	IPSetSourceKindHeader   IPSetSourceKind = "Header"
)

// IPSetSource describes where to read a client address from.
type IPSetSource struct {
	Kind     IPSetSourceKind `yaml:"kind"`
	Name     string          `yaml:"name,omitempty"`
	Position IPSetPosition   `yaml:"position,omitempty"`
}

// InspectKind selects what part of the request a Statement examines.
type InspectKind string

const (
	InspectHeader         InspectKind = "Header"
	InspectQueryParameter InspectKind = "QueryParameter"
	InspectHTTPMethod     InspectKind = "HttpMethod"
	InspectURIPath        InspectKind = "UriPath"
	InspectQueryString    InspectKind = "QueryString"
	InspectAllHeaders     InspectKind = "AllHeaders"
	InspectCookies        InspectKind = "Cookies"
	InspectIPSet          InspectKind = "IpSet"
)

// Inspect names the request field(s) a Statement extracts a value from.
type Inspect struct {
	Kind InspectKind `yaml:"kind"`

	// Header, QueryParameter
	Key string `yaml:"key,omitempty"`

	// AllHeaders, Cookies
	Scope         Scope         `yaml:"scope,omitempty"`
	ContentFilter ContentFilter `yaml:"content_filter,omitempty"`

	// IpSet
	Source IPSetSource `yaml:"source,omitempty"`
}

// Statement is a single inspect+match+negate test evaluated against a
// request.
type Statement struct {
	Inspect     Inspect   `yaml:"inspect"`
	Negate      bool      `yaml:"negate"`
	MatchType   MatchType `yaml:"match_type"`
	MatchString string    `yaml:"match_string"`
}

// RegularRule matches requests by composing Statements under a Condition.
type RegularRule struct {
	Action     Action      `yaml:"action"`
	Condition  Condition   `yaml:"condition"`
	Statements []Statement `yaml:"statements"`
}

// RateBasedRuleKey selects the identity a RateBasedRule counts requests by.
type RateBasedRuleKey string

const (
	RateBasedRuleKeySourceIP RateBasedRuleKey = "SourceIp"
)

// RateBasedRule limits the request rate for a key over a fixed window that
// opens with the key's first request and closes WindowSeconds later (the TTL
// set when the key is created), backed by the external counter store. Its outcome is always Allow or
// Block, decided by the counter protocol itself (see EvaluateRateBasedRule)
// — unlike a Regular rule it carries no configured action.
type RateBasedRule struct {
	Limit         int64            `yaml:"limit"`
	WindowSeconds int64            `yaml:"window_seconds"`
	Key           RateBasedRuleKey `yaml:"key"`
}

// RuleType discriminates an AegisRule's wire representation: a rule
// document is a single flat object tagged by "type", not a nested
// regular/rate_based map.
type RuleType string

const (
	RuleTypeRegular   RuleType = "Regular"
	RuleTypeRateBased RuleType = "RateBased"
)

// AegisRule is exactly one of Regular or RateBased. On the wire it is a
// single flat object discriminated by a "type" field, matching the
// original implementation's internally-tagged enum; UnmarshalYAML and
// MarshalYAML translate between that flat shape and these two pointers.
type AegisRule struct {
	Regular   *RegularRule
	RateBased *RateBasedRule
}

// ruleDoc is the flat wire shape every AegisRule document decodes from and
// encodes to.
type ruleDoc struct {
	Type          RuleType         `yaml:"type"`
	Action        Action           `yaml:"action,omitempty"`
	Condition     Condition        `yaml:"condition,omitempty"`
	Statements    []Statement      `yaml:"statements,omitempty"`
	Limit         int64            `yaml:"limit,omitempty"`
	WindowSeconds int64            `yaml:"window_seconds,omitempty"`
	Key           RateBasedRuleKey `yaml:"key,omitempty"`
}

// UnmarshalYAML dispatches on the rule document's "type" field and
// populates exactly one of Regular or RateBased.
func (r *AegisRule) UnmarshalYAML(value *yaml.Node) error {
	var doc ruleDoc
	if err := value.Decode(&doc); err != nil {
		return err
	}

	switch doc.Type {
	case RuleTypeRegular:
		r.Regular = &RegularRule{Action: doc.Action, Condition: doc.Condition, Statements: doc.Statements}
		r.RateBased = nil
	case RuleTypeRateBased:
		r.RateBased = &RateBasedRule{Limit: doc.Limit, WindowSeconds: doc.WindowSeconds, Key: doc.Key}
		r.Regular = nil
	default:
		return fmt.Errorf("rule: type must be %q or %q, got %q", RuleTypeRegular, RuleTypeRateBased, doc.Type)
	}
	return nil
}

// MarshalYAML flattens Regular or RateBased back into a single
// type-tagged document.
func (r AegisRule) MarshalYAML() (interface{}, error) {
	switch {
	case r.Regular != nil:
		return ruleDoc{
			Type:       RuleTypeRegular,
			Action:     r.Regular.Action,
			Condition:  r.Regular.Condition,
			Statements: r.Regular.Statements,
		}, nil
	case r.RateBased != nil:
		return ruleDoc{
			Type:          RuleTypeRateBased,
			Limit:         r.RateBased.Limit,
			WindowSeconds: r.RateBased.WindowSeconds,
			Key:           r.RateBased.Key,
		}, nil
	default:
		return nil, fmt.Errorf("rule: neither Regular nor RateBased is set")
	}
}

// InspectValueKind tags which shape an InspectValue holds.
type InspectValueKind int

const (
	ValueSingle InspectValueKind = iota
	ValueAll
	ValueAny
)

// InspectValue is the sum-type result of extracting a value from a request:
// a single string, or a sequence that must ALL match, or a sequence where
// ANY match suffices.
type InspectValue struct {
	Kind   InspectValueKind
	Single string
	Seq    []string
}
