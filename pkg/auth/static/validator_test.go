package static

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/osvaldoandrade/ramguard/pkg/auth"
)

func TestStaticValidator(t *testing.T) {
	raw := json.RawMessage(`{"token":"t-1","subject":"s-1","email":"e@local","scopes":["openid"],"raw":{"ram":["option.create"]}}`)
	v, err := NewValidatorFromJSON(raw)
	if err != nil {
		t.Fatalf("NewValidatorFromJSON: %v", err)
	}

	claims, err := v.Validate(context.Background(), "t-1")
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if claims.Subject != "s-1" {
		t.Fatalf("expected subject s-1, got %q", claims.Subject)
	}
	if claims.Email != "e@local" {
		t.Fatalf("expected email e@local, got %q", claims.Email)
	}
	if !claims.HasScope("openid") {
		t.Fatalf("expected scope present")
	}
	if _, ok := claims.Get("ram"); !ok {
		t.Fatalf("expected ram claim to be carried over")
	}

	claims.Raw["ram"] = nil
	again, _ := v.Validate(context.Background(), "t-1")
	if again.Raw["ram"] == nil {
		t.Fatalf("claims from one call must not leak into the next")
	}

	_, err = v.Validate(context.Background(), "wrong")
	var ite *auth.InvalidTokenError
	if !errors.As(err, &ite) {
		t.Fatalf("expected InvalidTokenError for wrong token, got %v", err)
	}
}

func TestStaticValidator_StringConfig(t *testing.T) {
	v, err := NewValidatorFromJSON(json.RawMessage(`"t-2"`))
	if err != nil {
		t.Fatalf("NewValidatorFromJSON: %v", err)
	}
	if _, err := v.Validate(context.Background(), "t-2"); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestStaticValidator_MissingToken(t *testing.T) {
	if _, err := NewValidatorFromJSON(json.RawMessage(`{"subject":"x"}`)); err == nil {
		t.Fatal("expected error when token is missing")
	}
	if _, err := NewValidatorFromJSON(nil); err == nil {
		t.Fatal("expected error for empty config")
	}
}

func TestStaticRegistered(t *testing.T) {
	v, err := auth.NewValidator(auth.ProviderConfig{Type: "static", Config: json.RawMessage(`"dev"`)})
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}
	if _, err := v.Validate(context.Background(), "dev"); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}
