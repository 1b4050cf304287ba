package static

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"strings"

	"github.com/osvaldoandrade/ramguard/pkg/auth"
)

type validatorConfig struct {
	// Token is the exact bearer token value expected by this validator.
	Token string `json:"token"`

	// Subject is returned as claims.Subject.
	Subject string `json:"subject,omitempty"`

	Email  string   `json:"email,omitempty"`
	Scopes []string `json:"scopes,omitempty"`

	// Raw is returned as claims.Raw; put RAM statements under the policy claim here.
	Raw map[string]any `json:"raw,omitempty"`
}

type validator struct {
	cfg validatorConfig
}

// NewValidatorFromJSON builds a fixed-token validator for local development.
// Config is either {"token":"...","subject":"...","raw":{...}} or a bare JSON string.
func NewValidatorFromJSON(raw json.RawMessage) (auth.Validator, error) {
	raw = json.RawMessage(strings.TrimSpace(string(raw)))
	if len(raw) == 0 {
		return nil, &auth.ConfigError{Msg: "static auth: missing config"}
	}

	var cfg validatorConfig
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &cfg.Token); err != nil {
			return nil, &auth.ConfigError{Msg: "static auth: invalid config: " + err.Error()}
		}
	} else {
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return nil, &auth.ConfigError{Msg: "static auth: invalid config: " + err.Error()}
		}
	}

	cfg.Token = strings.TrimSpace(cfg.Token)
	if cfg.Token == "" {
		return nil, &auth.ConfigError{Msg: "static auth: token is required"}
	}
	cfg.Subject = strings.TrimSpace(cfg.Subject)
	if cfg.Subject == "" {
		cfg.Subject = "static"
	}
	if cfg.Raw == nil {
		cfg.Raw = map[string]any{}
	}

	return &validator{cfg: cfg}, nil
}

func (v *validator) Validate(_ context.Context, token string) (*auth.Claims, error) {
	if subtle.ConstantTimeCompare([]byte(strings.TrimSpace(token)), []byte(v.cfg.Token)) != 1 {
		return nil, auth.InvalidToken(errors.New("static token mismatch"))
	}
	// Each call gets its own map so request-scoped claims stay independent.
	raw := make(map[string]any, len(v.cfg.Raw)+1)
	for k, val := range v.cfg.Raw {
		raw[k] = val
	}
	raw["sub"] = v.cfg.Subject
	return &auth.Claims{
		Subject: v.cfg.Subject,
		Email:   v.cfg.Email,
		Issuer:  "static",
		Scopes:  append([]string(nil), v.cfg.Scopes...),
		Raw:     raw,
	}, nil
}

func init() {
	auth.RegisterProvider("static", NewValidatorFromJSON)
}
