package guard

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/vektah/gqlparser/v2/ast"

	"github.com/osvaldoandrade/ramguard/internal/metrics"
	"github.com/osvaldoandrade/ramguard/pkg/actions"
	"github.com/osvaldoandrade/ramguard/pkg/auth"
	"github.com/osvaldoandrade/ramguard/pkg/fieldaction"
)

const schemaSDL = `
directive @action(name: String!) on FIELD_DEFINITION
type Query { user(id: ID): User publicUser: User report: String @action(name: "report.read") }
type Mutation { createOption(name: String!): Option }
type User { id: ID! name: String secretField: String @action(name: "user.secret.read") }
type Option { id: ID! }
`

func claimsWith(grants ...actions.Action) *auth.Claims {
	list := make([]interface{}, 0, len(grants))
	for _, g := range grants {
		list = append(list, string(g))
	}
	return &auth.Claims{Subject: "u1", Raw: map[string]interface{}{"ram": list}}
}

func optionsTable() *Table {
	t := NewTable()
	t.SetClass("option", Rule{Action: actions.OptionList})
	t.SetHandler(HandlerRef{Class: "option", Handler: "create"}, Rule{Action: actions.OptionCreate})
	t.SetHandler(HandlerRef{Class: "health", Handler: "ping"}, Rule{Anonymous: true})
	return t
}

func TestNoClaimsIsUnauthorized(t *testing.T) {
	g := New(optionsTable())
	ok, err := g.CanActivate(context.Background(), &Request{
		Transport: KindREST,
		Ref:       HandlerRef{Class: "option", Handler: "create"},
	})
	var ue *auth.UnauthorizedError
	if ok || !errors.As(err, &ue) {
		t.Fatalf("expected UnauthorizedError, got ok=%v err=%v", ok, err)
	}
	if err.Error() != auth.MsgNoPermission || auth.StatusCode(err) != http.StatusUnauthorized {
		t.Fatalf("unexpected error %q status %d", err.Error(), auth.StatusCode(err))
	}
}

func TestMissingGrantIsForbidden(t *testing.T) {
	g := New(optionsTable())
	before := testutil.ToFloat64(metrics.AuthzDecisionsTotal.WithLabelValues("rest", "forbidden"))

	ok, err := g.CanActivate(context.Background(), &Request{
		Transport: KindREST,
		Claims:    claimsWith(actions.OptionList),
		Ref:       HandlerRef{Class: "option", Handler: "create"},
	})
	var fe *auth.ForbiddenError
	if ok || !errors.As(err, &fe) {
		t.Fatalf("expected ForbiddenError, got ok=%v err=%v", ok, err)
	}
	if err.Error() != auth.MsgNoCapability || auth.StatusCode(err) != http.StatusForbidden {
		t.Fatalf("unexpected error %q status %d", err.Error(), auth.StatusCode(err))
	}
	if got := testutil.ToFloat64(metrics.AuthzDecisionsTotal.WithLabelValues("rest", "forbidden")); got != before+1 {
		t.Fatalf("expected forbidden counter to increase, got %v -> %v", before, got)
	}
}

func TestHandlerRuleOverridesClassRule(t *testing.T) {
	g := New(optionsTable())
	ctx := context.Background()

	// Class rule requires option.list; the handler rule replaces it.
	ok, err := g.CanActivate(ctx, &Request{
		Transport: KindREST,
		Claims:    claimsWith(actions.OptionCreate),
		Ref:       HandlerRef{Class: "option", Handler: "create"},
	})
	if !ok || err != nil {
		t.Fatalf("expected handler rule to apply, got ok=%v err=%v", ok, err)
	}

	ok, err = g.CanActivate(ctx, &Request{
		Transport: KindRPC,
		Claims:    claimsWith(actions.OptionCreate),
		Ref:       HandlerRef{Class: "option", Handler: "get"},
	})
	if ok || err == nil {
		t.Fatalf("expected class rule option.list to deny")
	}
}

func TestUnknownHandlerRequiresPrincipalOnly(t *testing.T) {
	g := New(NewTable())
	ok, err := g.CanActivate(context.Background(), &Request{Transport: KindREST, Claims: claimsWith(), Ref: HandlerRef{Handler: "x"}})
	if !ok || err != nil {
		t.Fatalf("expected authenticated caller to pass, got ok=%v err=%v", ok, err)
	}
	if _, err := g.CanActivate(context.Background(), &Request{Transport: KindREST, Ref: HandlerRef{Handler: "x"}}); err == nil {
		t.Fatalf("expected anonymous caller to be rejected")
	}
}

func TestAnonymousRuleSkipsPrincipal(t *testing.T) {
	g := New(optionsTable())
	ok, err := g.CanActivate(context.Background(), &Request{Transport: KindREST, Ref: HandlerRef{Class: "health", Handler: "ping"}})
	if !ok || err != nil {
		t.Fatalf("expected anonymous rule to pass, got ok=%v err=%v", ok, err)
	}
}

type oddContext struct{}

func (oddContext) Kind() Kind              { return "websocket" }
func (oddContext) Principal() *auth.Claims { return nil }
func (oddContext) Handler() HandlerRef     { return HandlerRef{} }

func TestUnsupportedContextIsConfigError(t *testing.T) {
	g := New(nil)
	for _, ec := range []ExecutionContext{nil, oddContext{}} {
		_, err := g.CanActivate(context.Background(), ec)
		var ce *auth.ConfigError
		if !errors.As(err, &ce) {
			t.Fatalf("expected ConfigError, got %v", err)
		}
		if auth.StatusCode(err) != http.StatusInternalServerError {
			t.Fatalf("expected 500, got %d", auth.StatusCode(err))
		}
	}
}

func graphQLGuard(t *testing.T, table *Table) (*Guard, *ast.Schema) {
	t.Helper()
	schema, err := fieldaction.LoadSchema(&ast.Source{Name: "s.graphql", Input: schemaSDL})
	if err != nil {
		t.Fatalf("schema: %v", err)
	}
	return New(table, WithFieldResolver(fieldaction.NewResolver(schema, nil))), schema
}

func topField(t *testing.T, schema *ast.Schema, query string) *ast.Field {
	t.Helper()
	op, err := fieldaction.ParseOperation(schema, query, "")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	fields := fieldaction.NewResolver(schema, nil).TopLevelFields(op)
	if len(fields) != 1 {
		t.Fatalf("expected one field, got %d", len(fields))
	}
	return fields[0]
}

func TestGraphQLFieldDenied(t *testing.T) {
	table := NewTable()
	table.SetHandler(HandlerRef{Class: "Query", Handler: "user"}, Rule{Action: actions.UserGet})
	g, schema := graphQLGuard(t, table)
	field := topField(t, schema, `{ user(id: "1") { id secretField } }`)

	_, err := g.CanActivate(context.Background(), &FieldRequest{
		Claims: claimsWith(actions.UserGet),
		Ref:    HandlerRef{Class: "Query", Handler: "user"},
		Field:  field,
	})
	var ue *auth.UnauthorizedError
	if !errors.As(err, &ue) || ue.Field != "secretField" {
		t.Fatalf("expected UnauthorizedError naming secretField, got %v", err)
	}
	if err.Error() != "no permission for field secretField" {
		t.Fatalf("unexpected message %q", err.Error())
	}

	ok, err := g.CanActivate(context.Background(), &FieldRequest{
		Claims: claimsWith(actions.UserGet, actions.UserSecretRead),
		Ref:    HandlerRef{Class: "Query", Handler: "user"},
		Field:  field,
	})
	if !ok || err != nil {
		t.Fatalf("expected full grant to pass, got ok=%v err=%v", ok, err)
	}
}

func TestGraphQLFieldPassAppliesToAnonymousRules(t *testing.T) {
	table := NewTable()
	table.SetHandler(HandlerRef{Class: "Query", Handler: "publicUser"}, Rule{Anonymous: true})
	g, schema := graphQLGuard(t, table)

	ok, err := g.CanActivate(context.Background(), &FieldRequest{
		Ref:   HandlerRef{Class: "Query", Handler: "publicUser"},
		Field: topField(t, schema, `{ publicUser { id name } }`),
	})
	if !ok || err != nil {
		t.Fatalf("expected unprotected fields to pass anonymously, got ok=%v err=%v", ok, err)
	}

	_, err = g.CanActivate(context.Background(), &FieldRequest{
		Ref:   HandlerRef{Class: "Query", Handler: "publicUser"},
		Field: topField(t, schema, `{ publicUser { id secretField } }`),
	})
	var ue *auth.UnauthorizedError
	if !errors.As(err, &ue) || ue.Field != "secretField" {
		t.Fatalf("expected protected field to be enforced for anonymous rule, got %v", err)
	}
}

func TestGraphQLRootFieldActionEnforced(t *testing.T) {
	g, schema := graphQLGuard(t, NewTable())
	field := topField(t, schema, `{ report }`)
	ref := HandlerRef{Class: "Query", Handler: "report"}

	_, err := g.CanActivate(context.Background(), &FieldRequest{Claims: claimsWith(), Ref: ref, Field: field})
	var ue *auth.UnauthorizedError
	if !errors.As(err, &ue) || ue.Field != "report" || ue.Action != "report.read" {
		t.Fatalf("expected UnauthorizedError naming report, got %v", err)
	}

	ok, err := g.CanActivate(context.Background(), &FieldRequest{Claims: claimsWith("report.read"), Ref: ref, Field: field})
	if !ok || err != nil {
		t.Fatalf("expected grant to pass, got ok=%v err=%v", ok, err)
	}
}

func TestGraphQLWithoutResolverIsConfigError(t *testing.T) {
	g := New(nil)
	_, err := g.CanActivate(context.Background(), &FieldRequest{Claims: claimsWith()})
	var ce *auth.ConfigError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConfigError, got %v", err)
	}
}

func TestTableActions(t *testing.T) {
	got := optionsTable().Actions()
	if len(got) != 2 || got[0] != actions.OptionCreate || got[1] != actions.OptionList {
		t.Fatalf("unexpected actions %v", got)
	}
}
