package middleware

import (
	"errors"
	"log/slog"
	"net/http"
	"path"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/osvaldoandrade/ramguard/internal/metrics"
	"github.com/osvaldoandrade/ramguard/internal/revocation"
	"github.com/osvaldoandrade/ramguard/pkg/auth"
)

// DefaultRequestProperty is the gin context key claims are stored under.
const DefaultRequestProperty = "auth"

var (
	errMissingToken = errors.New("no bearer token")
	errBadFormat    = errors.New("authorization header is not of the form 'Bearer <token>'")
	errRevoked      = errors.New("token revoked")
)

// TokenExtractor pulls a raw token out of a request. An empty token with a nil
// error means no credentials were sent.
type TokenExtractor func(r *http.Request) (string, error)

// BearerFromHeader reads "Authorization: Bearer <token>".
func BearerFromHeader(r *http.Request) (string, error) {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	if h == "" {
		return "", nil
	}
	parts := strings.SplitN(h, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", errBadFormat
	}
	return strings.TrimSpace(parts[1]), nil
}

// FromQuery reads the token from a query parameter.
func FromQuery(param string) TokenExtractor {
	return func(r *http.Request) (string, error) {
		return strings.TrimSpace(r.URL.Query().Get(param)), nil
	}
}

// FromCookie reads the token from a cookie.
func FromCookie(name string) TokenExtractor {
	return func(r *http.Request) (string, error) {
		ck, err := r.Cookie(name)
		if err != nil {
			return "", nil
		}
		return strings.TrimSpace(ck.Value), nil
	}
}

// FirstOf tries each extractor in order and returns the first token found.
func FirstOf(extractors ...TokenExtractor) TokenExtractor {
	return func(r *http.Request) (string, error) {
		for _, ex := range extractors {
			tok, err := ex(r)
			if err != nil {
				return "", err
			}
			if tok != "" {
				return tok, nil
			}
		}
		return "", nil
	}
}

type verifyOptions struct {
	extractor           TokenExtractor
	credentialsRequired bool
	requestProperty     string
	unless              []routePattern
	revocation          revocation.Checker
	logger              *slog.Logger
}

// VerifyOption customizes Verify.
type VerifyOption func(*verifyOptions)

func WithTokenExtractor(ex TokenExtractor) VerifyOption {
	return func(o *verifyOptions) {
		if ex != nil {
			o.extractor = ex
		}
	}
}

// WithCredentialsRequired controls whether a request without a token is
// rejected (the default) or passed on anonymously.
func WithCredentialsRequired(required bool) VerifyOption {
	return func(o *verifyOptions) { o.credentialsRequired = required }
}

func WithRequestProperty(name string) VerifyOption {
	return func(o *verifyOptions) {
		if strings.TrimSpace(name) != "" {
			o.requestProperty = name
		}
	}
}

// WithUnless exempts routes from verification. A pattern is an exact path, a
// path.Match glob, or a prefix ending in "/**", optionally preceded by an HTTP
// method and a space: "GET /healthz".
func WithUnless(patterns ...string) VerifyOption {
	return func(o *verifyOptions) {
		for _, p := range patterns {
			if rp, ok := parseRoutePattern(p); ok {
				o.unless = append(o.unless, rp)
			}
		}
	}
}

func WithRevocation(checker revocation.Checker) VerifyOption {
	return func(o *verifyOptions) { o.revocation = checker }
}

// WithLogging logs rejection causes. Tokens and key material are never logged.
func WithLogging(logger *slog.Logger) VerifyOption {
	return func(o *verifyOptions) {
		if logger == nil {
			logger = slog.Default()
		}
		o.logger = logger
	}
}

// Verify authenticates requests with validator and attaches the claims to the
// gin context (under the request property) and to the request context.
func Verify(validator auth.Validator, opts ...VerifyOption) gin.HandlerFunc {
	o := verifyOptions{
		extractor:           BearerFromHeader,
		credentialsRequired: true,
		requestProperty:     DefaultRequestProperty,
	}
	for _, opt := range opts {
		opt(&o)
	}

	return func(c *gin.Context) {
		if o.exempt(c.Request) {
			c.Next()
			return
		}

		token, err := o.extractor(c.Request)
		if err != nil {
			o.reject(c, "bad_format", err)
			return
		}
		if token == "" {
			if o.credentialsRequired {
				o.reject(c, "missing", errMissingToken)
				return
			}
			c.Next()
			return
		}

		ctx := c.Request.Context()
		claims, err := validator.Validate(ctx, token)
		if err != nil {
			o.reject(c, "invalid", err)
			return
		}

		if o.revocation != nil {
			revoked, err := o.revocation.IsRevoked(ctx, claims)
			switch {
			case err != nil:
				metrics.RevocationChecksTotal.WithLabelValues("error").Inc()
				o.reject(c, "revocation_error", err)
				return
			case revoked:
				metrics.RevocationChecksTotal.WithLabelValues("revoked").Inc()
				o.reject(c, "revoked", errRevoked)
				return
			}
			metrics.RevocationChecksTotal.WithLabelValues("clear").Inc()
		}

		c.Set(o.requestProperty, claims)
		c.Request = c.Request.WithContext(auth.WithClaims(ctx, claims))
		c.Next()
	}
}

func (o *verifyOptions) exempt(r *http.Request) bool {
	for _, rp := range o.unless {
		if rp.match(r.Method, r.URL.Path) {
			return true
		}
	}
	return false
}

func (o *verifyOptions) reject(c *gin.Context, reason string, err error) {
	if o.logger != nil {
		cause := err.Error()
		var ite *auth.InvalidTokenError
		if errors.As(err, &ite) && ite.Cause() != "" {
			cause = ite.Cause()
		}
		o.logger.WarnContext(c.Request.Context(), "request not authenticated",
			"reason", reason,
			"cause", cause,
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"request_id", RequestID(c.Request.Context()),
		)
	}
	c.Header("WWW-Authenticate", `Bearer error="invalid_token"`)
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": auth.MsgInvalidCredentials})
}

type routePattern struct {
	method  string
	pattern string
}

func parseRoutePattern(raw string) (routePattern, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return routePattern{}, false
	}
	if i := strings.IndexByte(raw, ' '); i > 0 && !strings.HasPrefix(raw, "/") {
		return routePattern{
			method:  strings.ToUpper(raw[:i]),
			pattern: strings.TrimSpace(raw[i+1:]),
		}, true
	}
	return routePattern{pattern: raw}, true
}

func (p routePattern) match(method, urlPath string) bool {
	if p.method != "" && p.method != strings.ToUpper(method) {
		return false
	}
	if strings.HasSuffix(p.pattern, "/**") {
		prefix := strings.TrimSuffix(p.pattern, "/**")
		return urlPath == prefix || strings.HasPrefix(urlPath, prefix+"/")
	}
	if urlPath == p.pattern {
		return true
	}
	ok, err := path.Match(p.pattern, urlPath)
	return err == nil && ok
}

// Claims returns the claims Verify attached to the request, if any.
func Claims(c *gin.Context) (*auth.Claims, bool) {
	return auth.ClaimsFromContext(c.Request.Context())
}
