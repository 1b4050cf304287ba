package auth

import (
	"errors"
	"fmt"
	"net/http"
)

// Messages returned to callers. They never describe why verification failed.
const (
	MsgInvalidCredentials = "invalid or missing credentials"
	MsgNoPermission       = "no permission for this action"
	MsgNoCapability       = "no capability for this action"
)

// KeyResolutionError is returned when a signing key cannot be obtained from
// the JWKS endpoint.
type KeyResolutionError struct {
	KeyID string
	Err   error
}

func (e *KeyResolutionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("resolve signing key %q", e.KeyID)
	}
	return fmt.Sprintf("resolve signing key %q: %v", e.KeyID, e.Err)
}

func (e *KeyResolutionError) Unwrap() error { return e.Err }

// InvalidTokenError covers every structural or cryptographic token failure.
// Err keeps the cause for server-side diagnostics.
type InvalidTokenError struct {
	Err error
}

func (e *InvalidTokenError) Error() string { return "invalid_token" }

func (e *InvalidTokenError) Unwrap() error { return e.Err }

func (e *InvalidTokenError) StatusCode() int { return http.StatusUnauthorized }

// Cause returns the wrapped failure as text, for logs only.
func (e *InvalidTokenError) Cause() string {
	if e.Err == nil {
		return ""
	}
	return e.Err.Error()
}

// InvalidToken wraps err into an InvalidTokenError.
func InvalidToken(err error) error {
	return &InvalidTokenError{Err: err}
}

// UnauthorizedError means no claims were attached, or a GraphQL field requires
// an action the caller lacks.
type UnauthorizedError struct {
	Field  string
	Action string
}

func (e *UnauthorizedError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("no permission for field %s", e.Field)
	}
	return MsgNoPermission
}

func (e *UnauthorizedError) StatusCode() int { return http.StatusUnauthorized }

// ForbiddenError means claims are present but the handler action is denied.
type ForbiddenError struct {
	Action string
}

func (e *ForbiddenError) Error() string { return MsgNoCapability }

func (e *ForbiddenError) StatusCode() int { return http.StatusForbidden }

// ConfigError reports a wiring mistake rather than a caller failure.
type ConfigError struct {
	Msg string
}

func (e *ConfigError) Error() string { return "auth configuration: " + e.Msg }

func (e *ConfigError) StatusCode() int { return http.StatusInternalServerError }

// StatusCode maps an auth error to an HTTP status. Unknown errors map to 500.
func StatusCode(err error) int {
	var sc interface{ StatusCode() int }
	if errors.As(err, &sc) {
		return sc.StatusCode()
	}
	var kre *KeyResolutionError
	if errors.As(err, &kre) {
		return http.StatusUnauthorized
	}
	return http.StatusInternalServerError
}

// PublicMessage returns the text safe to show to the caller for err.
func PublicMessage(err error) string {
	var ite *InvalidTokenError
	if errors.As(err, &ite) {
		return MsgInvalidCredentials
	}
	var kre *KeyResolutionError
	if errors.As(err, &kre) {
		return MsgInvalidCredentials
	}
	var ue *UnauthorizedError
	if errors.As(err, &ue) {
		return ue.Error()
	}
	var fe *ForbiddenError
	if errors.As(err, &fe) {
		return fe.Error()
	}
	return "internal error"
}
