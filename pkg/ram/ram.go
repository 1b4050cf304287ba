// Package ram evaluates RAM policy statements carried in token claims.
//
// A policy claim (default "ram") may hold a list of statements, an object with
// a Statement list, the JSON encoding of either, or a bare list of action names
// that are all allowed. Matching is exact. An explicit deny wins over any
// allow, and an action no statement mentions is denied.
package ram

import (
	"encoding/json"
	"strings"

	"github.com/osvaldoandrade/ramguard/pkg/actions"
	"github.com/osvaldoandrade/ramguard/pkg/auth"
)

// DefaultClaim is the claim read when none is configured.
const DefaultClaim = "ram"

type Effect string

const (
	Allow Effect = "allow"
	Deny  Effect = "deny"
)

// Statement grants or denies a set of actions.
type Statement struct {
	Effect  Effect
	Actions []actions.Action
}

func (s Statement) matches(a actions.Action) bool {
	for _, candidate := range s.Actions {
		if candidate == a {
			return true
		}
	}
	return false
}

// Decision is the result of evaluating one action.
type Decision struct {
	Allowed bool
	Reason  string
}

// Reasons reported in Decision.
const (
	ReasonNoClaims     = "no claims"
	ReasonNoPolicy     = "no policy claim"
	ReasonExplicitDeny = "explicit deny"
	ReasonAllowed      = "allowed by statement"
	ReasonNotGranted   = "no statement grants action"
)

// Evaluator reads statements from a configurable claim.
type Evaluator struct {
	claim string
}

// NewEvaluator returns an evaluator reading claim, or DefaultClaim when empty.
func NewEvaluator(claim string) *Evaluator {
	claim = strings.TrimSpace(claim)
	if claim == "" {
		claim = DefaultClaim
	}
	return &Evaluator{claim: claim}
}

// Claim returns the claim name the evaluator reads.
func (e *Evaluator) Claim() string { return e.claim }

// Statements extracts the policy statements from claims. Entries that cannot
// be interpreted are skipped.
func (e *Evaluator) Statements(claims *auth.Claims) []Statement {
	raw, ok := claims.Get(e.claim)
	if !ok {
		return nil
	}
	return parsePolicy(raw, true)
}

// Evaluate decides whether claims grant action.
func (e *Evaluator) Evaluate(claims *auth.Claims, action actions.Action) Decision {
	if claims == nil {
		return Decision{Reason: ReasonNoClaims}
	}
	if _, ok := claims.Get(e.claim); !ok {
		return Decision{Reason: ReasonNoPolicy}
	}
	allowed := false
	for _, st := range e.Statements(claims) {
		if !st.matches(action) {
			continue
		}
		switch st.Effect {
		case Deny:
			return Decision{Reason: ReasonExplicitDeny}
		case Allow:
			allowed = true
		}
	}
	if allowed {
		return Decision{Allowed: true, Reason: ReasonAllowed}
	}
	return Decision{Reason: ReasonNotGranted}
}

// HasPermission reports whether claims grant action.
func (e *Evaluator) HasPermission(claims *auth.Claims, action actions.Action) bool {
	return e.Evaluate(claims, action).Allowed
}

var defaultEvaluator = NewEvaluator(DefaultClaim)

// HasPermission evaluates action against the default "ram" claim.
func HasPermission(claims *auth.Claims, action actions.Action) bool {
	return defaultEvaluator.HasPermission(claims, action)
}

// parsePolicy accepts JSON-decoded values. decodeString allows one level of
// string-encoded JSON.
func parsePolicy(raw interface{}, decodeString bool) []Statement {
	switch v := raw.(type) {
	case string:
		if !decodeString {
			return nil
		}
		var decoded interface{}
		if err := json.Unmarshal([]byte(v), &decoded); err != nil {
			return nil
		}
		return parsePolicy(decoded, false)
	case []string:
		return []Statement{{Effect: Allow, Actions: toActions(v)}}
	case []interface{}:
		return parseList(v)
	case map[string]interface{}:
		if list, ok := lookup(v, "Statement", "statement"); ok {
			if items, ok := list.([]interface{}); ok {
				return parseList(items)
			}
			if one, ok := list.(map[string]interface{}); ok {
				if st, ok := parseStatement(one); ok {
					return []Statement{st}
				}
			}
			return nil
		}
		if st, ok := parseStatement(v); ok {
			return []Statement{st}
		}
	}
	return nil
}

func parseList(items []interface{}) []Statement {
	var out []Statement
	var bare []actions.Action
	for _, item := range items {
		switch v := item.(type) {
		case string:
			bare = append(bare, actions.Action(v))
		case map[string]interface{}:
			if st, ok := parseStatement(v); ok {
				out = append(out, st)
			}
		}
	}
	if len(bare) > 0 {
		out = append(out, Statement{Effect: Allow, Actions: bare})
	}
	return out
}

func parseStatement(m map[string]interface{}) (Statement, bool) {
	rawEffect, ok := lookup(m, "Effect", "effect")
	if !ok {
		return Statement{}, false
	}
	effectStr, _ := rawEffect.(string)
	var effect Effect
	switch strings.ToLower(strings.TrimSpace(effectStr)) {
	case string(Allow):
		effect = Allow
	case string(Deny):
		effect = Deny
	default:
		return Statement{}, false
	}

	rawActions, ok := lookup(m, "Action", "action", "Actions", "actions")
	if !ok {
		return Statement{}, false
	}
	var acts []actions.Action
	switch v := rawActions.(type) {
	case string:
		acts = []actions.Action{actions.Action(v)}
	case []string:
		acts = toActions(v)
	case []interface{}:
		for _, item := range v {
			if s, ok := item.(string); ok {
				acts = append(acts, actions.Action(s))
			}
		}
	}
	if len(acts) == 0 {
		return Statement{}, false
	}
	return Statement{Effect: effect, Actions: acts}, true
}

func lookup(m map[string]interface{}, keys ...string) (interface{}, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			return v, true
		}
	}
	return nil, false
}

func toActions(in []string) []actions.Action {
	out := make([]actions.Action, 0, len(in))
	for _, s := range in {
		out = append(out, actions.Action(s))
	}
	return out
}
