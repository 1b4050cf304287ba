// Package guard decides whether a verified caller may invoke a handler.
//
// The guard is transport agnostic: REST, GraphQL and gRPC adapters each
// implement ExecutionContext. GraphQL contexts additionally implement
// FieldSelectionSource so that per-field actions are enforced.
package guard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/vektah/gqlparser/v2/ast"

	"github.com/osvaldoandrade/ramguard/internal/metrics"
	"github.com/osvaldoandrade/ramguard/pkg/actions"
	"github.com/osvaldoandrade/ramguard/pkg/auth"
	"github.com/osvaldoandrade/ramguard/pkg/fieldaction"
	"github.com/osvaldoandrade/ramguard/pkg/ram"
)

// Kind identifies the transport an ExecutionContext came from.
type Kind string

const (
	KindREST    Kind = "rest"
	KindGraphQL Kind = "graphql"
	KindRPC     Kind = "rpc"
)

// HandlerRef names the invoked handler. Class groups handlers so an action
// can be declared once for all of them.
type HandlerRef struct {
	Class   string
	Handler string
}

func (r HandlerRef) String() string {
	if r.Class == "" {
		return r.Handler
	}
	return r.Class + "." + r.Handler
}

// ExecutionContext is what a transport adapter exposes to the guard.
type ExecutionContext interface {
	Kind() Kind
	// Principal returns the claims attached by verification, or nil.
	Principal() *auth.Claims
	Handler() HandlerRef
}

// FieldSelectionSource is implemented by GraphQL contexts. InvokedField
// returns the root type and definition of the invoked field; FieldSelections
// returns the selection set below it and the field's declared type.
type FieldSelectionSource interface {
	InvokedField() (*ast.Definition, *ast.FieldDefinition)
	FieldSelections() (ast.SelectionSet, *ast.Type, error)
}

// Rule is the requirement declared for a class or handler. An empty Action
// only requires a principal. Anonymous rules skip the principal and action
// checks; GraphQL field actions still apply.
type Rule struct {
	Action    actions.Action
	Anonymous bool
}

// Table holds rules registered at startup. Handler rules override class rules.
type Table struct {
	mu       sync.RWMutex
	classes  map[string]Rule
	handlers map[HandlerRef]Rule
}

func NewTable() *Table {
	return &Table{
		classes:  make(map[string]Rule),
		handlers: make(map[HandlerRef]Rule),
	}
}

// SetClass declares the rule shared by every handler of class.
func (t *Table) SetClass(class string, rule Rule) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.classes[class] = rule
}

// SetHandler declares the rule for one handler.
func (t *Table) SetHandler(ref HandlerRef, rule Rule) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[ref] = rule
}

// Lookup returns the effective rule for ref.
func (t *Table) Lookup(ref HandlerRef) (Rule, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if r, ok := t.handlers[ref]; ok {
		return r, true
	}
	if r, ok := t.classes[ref.Class]; ok {
		return r, true
	}
	return Rule{}, false
}

// Actions returns every action referenced by the table, for startup checks.
func (t *Table) Actions() []actions.Action {
	t.mu.RLock()
	defer t.mu.RUnlock()
	seen := map[actions.Action]struct{}{}
	for _, r := range t.classes {
		if r.Action != "" {
			seen[r.Action] = struct{}{}
		}
	}
	for _, r := range t.handlers {
		if r.Action != "" {
			seen[r.Action] = struct{}{}
		}
	}
	out := make([]actions.Action, 0, len(seen))
	for a := range seen {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Guard evaluates rules and field actions against claims.
type Guard struct {
	table     *Table
	evaluator *ram.Evaluator
	fields    *fieldaction.Resolver
	logger    *slog.Logger
}

type Option func(*Guard)

// WithFieldResolver enables the GraphQL field pass.
func WithFieldResolver(r *fieldaction.Resolver) Option {
	return func(g *Guard) { g.fields = r }
}

// WithEvaluator replaces the default "ram" claim evaluator.
func WithEvaluator(e *ram.Evaluator) Option {
	return func(g *Guard) { g.evaluator = e }
}

func WithLogger(l *slog.Logger) Option {
	return func(g *Guard) { g.logger = l }
}

func New(table *Table, opts ...Option) *Guard {
	if table == nil {
		table = NewTable()
	}
	g := &Guard{
		table:     table,
		evaluator: ram.NewEvaluator(ram.DefaultClaim),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Table returns the rule table.
func (g *Guard) Table() *Table { return g.table }

// Evaluator returns the policy evaluator used for every decision.
func (g *Guard) Evaluator() *ram.Evaluator { return g.evaluator }

// CanActivate returns true when the caller may proceed. Denials are returned
// as *auth.UnauthorizedError, *auth.ForbiddenError or *auth.ConfigError.
func (g *Guard) CanActivate(ctx context.Context, ec ExecutionContext) (bool, error) {
	err := g.check(ctx, ec)
	transport := "unknown"
	if ec != nil {
		transport = string(ec.Kind())
	}
	metrics.AuthzDecisionsTotal.WithLabelValues(transport, outcome(err)).Inc()
	if err != nil {
		return false, err
	}
	return true, nil
}

func (g *Guard) check(ctx context.Context, ec ExecutionContext) error {
	if ec == nil {
		return &auth.ConfigError{Msg: "nil execution context"}
	}
	switch ec.Kind() {
	case KindREST, KindGraphQL, KindRPC:
	default:
		return &auth.ConfigError{Msg: fmt.Sprintf("unsupported execution context %q", ec.Kind())}
	}

	ref := ec.Handler()
	rule, _ := g.table.Lookup(ref)
	claims := ec.Principal()

	if !rule.Anonymous {
		if claims == nil {
			return &auth.UnauthorizedError{Action: string(rule.Action)}
		}
		if rule.Action != "" {
			if d := g.evaluator.Evaluate(claims, rule.Action); !d.Allowed {
				g.logger.DebugContext(ctx, "action denied",
					"handler", ref.String(), "action", rule.Action, "subject", claims.Subject, "reason", d.Reason)
				return &auth.ForbiddenError{Action: string(rule.Action)}
			}
		}
	}

	if ec.Kind() != KindGraphQL {
		return nil
	}
	return g.checkFields(ctx, ec, claims)
}

func (g *Guard) checkFields(ctx context.Context, ec ExecutionContext, claims *auth.Claims) error {
	src, ok := ec.(FieldSelectionSource)
	if !ok {
		return &auth.ConfigError{Msg: "graphql execution context without field selections"}
	}
	if g.fields == nil {
		return &auth.ConfigError{Msg: "graphql guard without field resolver"}
	}
	if parent, def := src.InvokedField(); parent != nil && def != nil {
		if a, ok := g.fields.FieldAction(parent, def); ok && !g.evaluator.HasPermission(claims, a) {
			g.logger.DebugContext(ctx, "field denied", "handler", ec.Handler().String(), "field", def.Name, "action", a)
			return &auth.UnauthorizedError{Field: def.Name, Action: string(a)}
		}
	}

	selections, root, err := src.FieldSelections()
	if err != nil {
		return &auth.ConfigError{Msg: fmt.Sprintf("field selections: %v", err)}
	}
	if root == nil {
		return nil
	}
	required, err := g.fields.Resolve(selections, root)
	if err != nil {
		return &auth.ConfigError{Msg: err.Error()}
	}

	paths := make([]string, 0, len(required))
	for p := range required {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		if !g.evaluator.HasPermission(claims, required[p]) {
			g.logger.DebugContext(ctx, "field denied", "handler", ec.Handler().String(), "field", p, "action", required[p])
			return &auth.UnauthorizedError{Field: p, Action: string(required[p])}
		}
	}
	return nil
}

func outcome(err error) string {
	if err == nil {
		return "allow"
	}
	var ue *auth.UnauthorizedError
	if errors.As(err, &ue) {
		if ue.Field != "" {
			return "field_denied"
		}
		return "unauthorized"
	}
	var fe *auth.ForbiddenError
	if errors.As(err, &fe) {
		return "forbidden"
	}
	return "config_error"
}
