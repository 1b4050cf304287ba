package ram

import (
	"encoding/json"
	"testing"

	"github.com/osvaldoandrade/ramguard/pkg/actions"
	"github.com/osvaldoandrade/ramguard/pkg/auth"
)

// claimsFromJSON mimics what the verifier produces: JSON-decoded raw claims.
func claimsFromJSON(t *testing.T, doc string) *auth.Claims {
	t.Helper()
	raw := map[string]interface{}{}
	if err := json.Unmarshal([]byte(doc), &raw); err != nil {
		t.Fatalf("bad test claims: %v", err)
	}
	return &auth.Claims{Subject: "u1", Raw: raw}
}

func TestEvaluateStatementList(t *testing.T) {
	claims := claimsFromJSON(t, `{"ram":[
		{"Effect":"allow","Action":["option.create","option.update"]},
		{"Effect":"deny","Action":"option.update"}
	]}`)

	tests := []struct {
		action actions.Action
		want   bool
		reason string
	}{
		{actions.OptionCreate, true, ReasonAllowed},
		{actions.OptionUpdate, false, ReasonExplicitDeny},
		{actions.OptionDelete, false, ReasonNotGranted},
	}
	for _, tc := range tests {
		d := NewEvaluator("").Evaluate(claims, tc.action)
		if d.Allowed != tc.want || d.Reason != tc.reason {
			t.Errorf("%s: got %+v, want allowed=%v reason=%q", tc.action, d, tc.want, tc.reason)
		}
	}
}

func TestDenyOverridesAllowRegardlessOfOrder(t *testing.T) {
	claims := claimsFromJSON(t, `{"ram":[
		{"effect":"deny","action":["media.delete"]},
		{"effect":"allow","action":["media.delete"]}
	]}`)
	if HasPermission(claims, actions.MediaDelete) {
		t.Fatalf("expected deny to override allow")
	}
}

func TestStatementObjectAndEncodedString(t *testing.T) {
	obj := claimsFromJSON(t, `{"ram":{"Version":"1","Statement":[{"Effect":"Allow","Action":["user.get"]}]}}`)
	if !HasPermission(obj, actions.UserGet) {
		t.Fatalf("expected object with Statement to grant user.get")
	}

	encoded := claimsFromJSON(t, `{"ram":"{\"statement\":[{\"effect\":\"allow\",\"action\":[\"user.list\"]}]}"}`)
	if !HasPermission(encoded, actions.UserList) {
		t.Fatalf("expected JSON-encoded policy string to be accepted")
	}

	doubleEncoded := &auth.Claims{Raw: map[string]interface{}{"ram": `"[\"user.list\"]"`}}
	if HasPermission(doubleEncoded, actions.UserList) {
		t.Fatalf("expected doubly encoded policy to be rejected")
	}
}

func TestBareActionList(t *testing.T) {
	claims := claimsFromJSON(t, `{"ram":["obs.getObject","obs.putObject"]}`)
	if !HasPermission(claims, actions.ObsGetObject) {
		t.Fatalf("expected bare action list to allow obs.getObject")
	}
	if HasPermission(claims, actions.ObsDeleteObject) {
		t.Fatalf("expected unlisted action to be denied")
	}
}

func TestMissingOrMalformedPolicyDenies(t *testing.T) {
	if d := NewEvaluator("").Evaluate(nil, actions.MediaGet); d.Allowed || d.Reason != ReasonNoClaims {
		t.Fatalf("expected nil claims to deny, got %+v", d)
	}
	if d := NewEvaluator("").Evaluate(claimsFromJSON(t, `{"sub":"x"}`), actions.MediaGet); d.Allowed || d.Reason != ReasonNoPolicy {
		t.Fatalf("expected missing claim to deny, got %+v", d)
	}
	for _, doc := range []string{
		`{"ram":42}`,
		`{"ram":"not json"}`,
		`{"ram":[{"Effect":"maybe","Action":["media.get"]}]}`,
		`{"ram":[{"Effect":"allow"}]}`,
	} {
		if HasPermission(claimsFromJSON(t, doc), actions.MediaGet) {
			t.Errorf("expected %s to deny", doc)
		}
	}
}

func TestExactMatchOnly(t *testing.T) {
	claims := claimsFromJSON(t, `{"ram":[{"Effect":"allow","Action":["media.*","media"]}]}`)
	if HasPermission(claims, actions.MediaGet) {
		t.Fatalf("expected wildcard-looking entries to match literally only")
	}
}

func TestCustomClaimName(t *testing.T) {
	claims := claimsFromJSON(t, `{"perms":["auth.whoami"],"ram":["auth.revoke"]}`)
	e := NewEvaluator("perms")
	if e.Claim() != "perms" {
		t.Fatalf("unexpected claim %q", e.Claim())
	}
	if !e.HasPermission(claims, actions.AuthWhoAmI) {
		t.Fatalf("expected perms claim to be read")
	}
	if e.HasPermission(claims, actions.AuthRevoke) {
		t.Fatalf("expected default ram claim to be ignored")
	}
}

func TestDeterministic(t *testing.T) {
	claims := claimsFromJSON(t, `{"ram":[{"Effect":"allow","Action":["user.update"]},{"Effect":"deny","Action":["user.delete"]}]}`)
	e := NewEvaluator("")
	first := e.Evaluate(claims, actions.UserUpdate)
	for i := 0; i < 50; i++ {
		if got := e.Evaluate(claims, actions.UserUpdate); got != first {
			t.Fatalf("evaluation changed between calls: %+v vs %+v", first, got)
		}
	}
}
