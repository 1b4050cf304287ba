package config

import (
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"gopkg.in/yaml.v3"

	"github.com/osvaldoandrade/ramguard/internal/backoff"
	"github.com/osvaldoandrade/ramguard/pkg/actions"
	"github.com/osvaldoandrade/ramguard/pkg/auth"
)

type Config struct {
	Port          int    `yaml:"port"`
	GRPCPort      int    `yaml:"grpcPort"`
	Env           string `yaml:"env"`
	LogLevel      string `yaml:"logLevel"`
	LogFormat     string `yaml:"logFormat"`
	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`

	Auth      AuthConfig      `yaml:"auth"`
	Upstream  UpstreamConfig  `yaml:"upstream"`
	GraphQL   GraphQLConfig   `yaml:"graphql"`
	Routes    []RouteConfig   `yaml:"routes"`
	RateLimit RateLimitConfig `yaml:"rateLimit"`
	Tracing   TracingConfig   `yaml:"tracing"`
}

type AuthConfig struct {
	// Provider is "jwks" or "static".
	Provider   string   `yaml:"provider"`
	Endpoint   string   `yaml:"endpoint"`
	Algorithms []string `yaml:"algorithms"`
	// CredentialsRequired defaults to true when omitted.
	CredentialsRequired *bool    `yaml:"credentialsRequired"`
	RequestProperty     string   `yaml:"requestProperty"`
	Unless              []string `yaml:"unless"`
	Logging             bool     `yaml:"logging"`
	PolicyClaim         string   `yaml:"policyClaim"`
	ClockSkewSeconds    int      `yaml:"clockSkewSeconds"`

	Static     StaticConfig     `yaml:"static"`
	JWKS       JWKSConfig       `yaml:"jwks"`
	Revocation RevocationConfig `yaml:"revocation"`
}

// RequireCredentials reports whether requests without a bearer token are rejected.
func (a AuthConfig) RequireCredentials() bool {
	return a.CredentialsRequired == nil || *a.CredentialsRequired
}

// StaticConfig feeds the static provider. Field names match its JSON config.
type StaticConfig struct {
	Token   string         `yaml:"token" json:"token"`
	Subject string         `yaml:"subject" json:"subject,omitempty"`
	Email   string         `yaml:"email" json:"email,omitempty"`
	Scopes  []string       `yaml:"scopes" json:"scopes,omitempty"`
	Raw     map[string]any `yaml:"raw" json:"raw,omitempty"`
}

type JWKSConfig struct {
	// Cache is "memory" or "redis".
	Cache              string `yaml:"cache"`
	CacheSize          int    `yaml:"cacheSize"`
	CacheTTLSeconds    int    `yaml:"cacheTtlSeconds"`
	HTTPTimeoutSeconds int    `yaml:"httpTimeoutSeconds"`
	// FetchRetries of 0 means the default; a negative value disables retries.
	FetchRetries  int    `yaml:"fetchRetries"`
	BackoffPolicy string `yaml:"backoffPolicy"`
}

type RevocationConfig struct {
	// Backend is "none", "memory" or "redis".
	Backend                 string `yaml:"backend"`
	MaxTokenLifetimeSeconds int    `yaml:"maxTokenLifetimeSeconds"`
}

type UpstreamConfig struct {
	REST    string `yaml:"rest"`
	GraphQL string `yaml:"graphql"`
}

type GraphQLConfig struct {
	Path       string `yaml:"path"`
	SchemaPath string `yaml:"schemaPath"`
	// Operations maps "Type" or "Type.field" of a root type to an action.
	Operations map[string]string `yaml:"operations"`
	// Anonymous lists "Type" or "Type.field" entries that need no principal.
	Anonymous []string `yaml:"anonymous"`
	// FieldActions maps "Type.field" to the action needed to select it.
	FieldActions map[string]string `yaml:"fieldActions"`
}

type RouteConfig struct {
	Class     string          `yaml:"class"`
	Action    string          `yaml:"action"`
	Anonymous bool            `yaml:"anonymous"`
	Handlers  []HandlerConfig `yaml:"handlers"`
}

type HandlerConfig struct {
	Name      string `yaml:"name"`
	Method    string `yaml:"method"`
	Path      string `yaml:"path"`
	Action    string `yaml:"action"`
	Anonymous bool   `yaml:"anonymous"`
}

// QuotaConfig allows requestsPerMinute sustained with bursts of burstSize.
// requestsPerMinute 0 means unlimited.
type QuotaConfig struct {
	RequestsPerMinute int `yaml:"requestsPerMinute"`
	BurstSize         int `yaml:"burstSize"`
}

type RateLimitConfig struct {
	Default QuotaConfig `yaml:"default"`
	// Anonymous applies to callers without a verified subject.
	Anonymous QuotaConfig `yaml:"anonymous"`
	// Overrides is keyed by guard class ("auth", "media", "graphql") or by
	// class.handler ("auth.check").
	Overrides map[string]QuotaConfig `yaml:"overrides"`
}

// Enabled reports whether any quota is configured.
func (r RateLimitConfig) Enabled() bool {
	if r.Default.RequestsPerMinute > 0 || r.Anonymous.RequestsPerMinute > 0 {
		return true
	}
	for _, q := range r.Overrides {
		if q.RequestsPerMinute > 0 {
			return true
		}
	}
	return false
}

type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	ServiceName  string  `yaml:"serviceName"`
	OTLPEndpoint string  `yaml:"otlpEndpoint"`
	OTLPInsecure bool    `yaml:"otlpInsecure"`
	SampleRatio  float64 `yaml:"sampleRatio"`
}

// LoadConfig reads filePath, applies env overrides and fills defaults.
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse %s: %w", filePath, err)
	}
	return finish(&c), nil
}

// LoadConfigOptional behaves like LoadConfig but falls back to env and
// defaults when filePath is blank or missing.
func LoadConfigOptional(filePath string) (*Config, error) {
	if strings.TrimSpace(filePath) == "" {
		return finish(&Config{}), nil
	}
	cfg, err := LoadConfig(filePath)
	if errors.Is(err, os.ErrNotExist) {
		return finish(&Config{}), nil
	}
	return cfg, err
}

func finish(c *Config) *Config {
	applyEnv(c)
	applyDefaults(c)
	log.Printf("ramguard config: {Port:%d GRPC:%d Redis:%s Provider:%s Endpoint:%s Routes:%d}\n",
		c.Port, c.GRPCPort, c.RedisAddr, c.Auth.Provider, c.Auth.Endpoint, len(c.Routes))
	return c
}

func applyEnv(c *Config) {
	if v := os.Getenv("PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.Port = p
		}
	}
	if v := os.Getenv("GRPC_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.GRPCPort = p
		}
	}
	if v := os.Getenv("ENV"); v != "" {
		c.Env = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		c.LogFormat = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.RedisPassword = v
	}
	if v := os.Getenv("AUTH_PROVIDER"); v != "" {
		c.Auth.Provider = v
	}
	if v := os.Getenv("AUTH_ENDPOINT"); v != "" {
		c.Auth.Endpoint = v
	}
	if v := os.Getenv("AUTH_ALGORITHMS"); v != "" {
		c.Auth.Algorithms = splitList(v)
	}
	if v := os.Getenv("AUTH_CREDENTIALS_REQUIRED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Auth.CredentialsRequired = &b
		}
	}
	if v := os.Getenv("AUTH_LOGGING"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Auth.Logging = b
		}
	}
	if v := os.Getenv("AUTH_REVOCATION_BACKEND"); v != "" {
		c.Auth.Revocation.Backend = v
	}
	if v := os.Getenv("UPSTREAM_REST"); v != "" {
		c.Upstream.REST = v
	}
	if v := os.Getenv("UPSTREAM_GRAPHQL"); v != "" {
		c.Upstream.GraphQL = v
	}
	if v := os.Getenv("GRAPHQL_SCHEMA_PATH"); v != "" {
		c.GraphQL.SchemaPath = v
	}
	if v := os.Getenv("TRACING_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Tracing.Enabled = b
		}
	}
}

func applyDefaults(c *Config) {
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.Env == "" {
		c.Env = "dev"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "json"
	}
	if c.RedisAddr == "" {
		c.RedisAddr = "localhost:6379"
	}

	a := &c.Auth
	a.Provider = strings.ToLower(strings.TrimSpace(a.Provider))
	if a.Provider == "" {
		a.Provider = "jwks"
	}
	if len(a.Algorithms) == 0 {
		a.Algorithms = []string{"RS256"}
	}
	if a.RequestProperty == "" {
		a.RequestProperty = "auth"
	}
	if a.Unless == nil {
		a.Unless = []string{"GET /healthz", "GET /metrics"}
	}
	if a.PolicyClaim == "" {
		a.PolicyClaim = "ram"
	}
	if a.ClockSkewSeconds < 0 {
		a.ClockSkewSeconds = 0
	}
	if a.JWKS.Cache == "" {
		a.JWKS.Cache = "memory"
	}
	if a.JWKS.CacheSize <= 0 {
		a.JWKS.CacheSize = 64
	}
	if a.JWKS.CacheTTLSeconds <= 0 {
		a.JWKS.CacheTTLSeconds = 600
	}
	if a.JWKS.HTTPTimeoutSeconds <= 0 {
		a.JWKS.HTTPTimeoutSeconds = 5
	}
	if a.JWKS.FetchRetries == 0 {
		a.JWKS.FetchRetries = 2
	}
	if a.JWKS.BackoffPolicy == "" {
		a.JWKS.BackoffPolicy = "exp_full_jitter"
	}
	if a.Revocation.Backend == "" {
		a.Revocation.Backend = "none"
	}
	if a.Revocation.MaxTokenLifetimeSeconds <= 0 {
		a.Revocation.MaxTokenLifetimeSeconds = 86400
	}

	if c.GraphQL.Path == "" {
		c.GraphQL.Path = "/graphql"
	}
	if c.Tracing.SampleRatio <= 0 || c.Tracing.SampleRatio > 1 {
		c.Tracing.SampleRatio = 1
	}
}

// Verifier returns the settings for a JWKS token verifier.
func (a AuthConfig) Verifier() auth.Config {
	retries := a.JWKS.FetchRetries
	if retries < 0 {
		retries = 0
	}
	return auth.Config{
		Endpoint:      a.Endpoint,
		Algorithms:    append([]string(nil), a.Algorithms...),
		ClockSkew:     time.Duration(a.ClockSkewSeconds) * time.Second,
		HTTPTimeout:   time.Duration(a.JWKS.HTTPTimeoutSeconds) * time.Second,
		CacheSize:     a.JWKS.CacheSize,
		CacheTTL:      time.Duration(a.JWKS.CacheTTLSeconds) * time.Second,
		FetchRetries:  retries,
		BackoffPolicy: a.JWKS.BackoffPolicy,
	}
}

func (c *Config) Validate() error {
	var errs []string
	a := c.Auth

	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, "port must be between 1 and 65535")
	}
	if c.GRPCPort < 0 || c.GRPCPort > 65535 {
		errs = append(errs, "grpcPort must be between 0 and 65535")
	}

	switch a.Provider {
	case "jwks":
		if strings.TrimSpace(a.Endpoint) == "" {
			errs = append(errs, "auth.endpoint is required for the jwks provider")
		} else if !httpURL(a.Endpoint) {
			errs = append(errs, "auth.endpoint must be a valid http(s) URL")
		}
	case "static":
		if strings.TrimSpace(a.Static.Token) == "" {
			errs = append(errs, "auth.static.token is required for the static provider")
		}
	default:
		errs = append(errs, fmt.Sprintf("unknown auth.provider %q", a.Provider))
	}
	for _, alg := range a.Algorithms {
		if strings.EqualFold(alg, "none") {
			errs = append(errs, "auth.algorithms must not contain none")
		} else if jwt.GetSigningMethod(alg) == nil {
			errs = append(errs, fmt.Sprintf("unsupported algorithm %q", alg))
		}
	}
	if a.JWKS.Cache != "memory" && a.JWKS.Cache != "redis" {
		errs = append(errs, fmt.Sprintf("unknown auth.jwks.cache %q", a.JWKS.Cache))
	}
	if !backoff.Valid(a.JWKS.BackoffPolicy) {
		errs = append(errs, fmt.Sprintf("unknown auth.jwks.backoffPolicy %q", a.JWKS.BackoffPolicy))
	}
	switch a.Revocation.Backend {
	case "none", "memory", "redis":
	default:
		errs = append(errs, fmt.Sprintf("unknown auth.revocation.backend %q", a.Revocation.Backend))
	}

	for _, u := range []struct{ name, value string }{{"upstream.rest", c.Upstream.REST}, {"upstream.graphql", c.Upstream.GraphQL}} {
		if u.value != "" && !httpURL(u.value) {
			errs = append(errs, u.name+" must be a valid http(s) URL")
		}
	}

	for i, r := range c.Routes {
		errs = append(errs, validateRoute(i, r)...)
	}
	if len(c.Routes) > 0 && c.Upstream.REST == "" {
		errs = append(errs, "upstream.rest is required when routes are configured")
	}

	if c.Upstream.GraphQL != "" {
		if !strings.HasPrefix(c.GraphQL.Path, "/") {
			errs = append(errs, "graphql.path must start with /")
		}
		if strings.TrimSpace(c.GraphQL.SchemaPath) == "" {
			errs = append(errs, "graphql.schemaPath is required when upstream.graphql is set")
		}
	}
	for key, action := range c.GraphQL.Operations {
		if err := checkAction(action); err != nil {
			errs = append(errs, fmt.Sprintf("graphql.operations[%s]: %v", key, err))
		}
	}
	for key, action := range c.GraphQL.FieldActions {
		if !strings.Contains(key, ".") {
			errs = append(errs, fmt.Sprintf("graphql.fieldActions key %q must be Type.field", key))
		}
		if err := checkAction(action); err != nil {
			errs = append(errs, fmt.Sprintf("graphql.fieldActions[%s]: %v", key, err))
		}
	}

	quotas := map[string]QuotaConfig{"rateLimit.default": c.RateLimit.Default, "rateLimit.anonymous": c.RateLimit.Anonymous}
	for key, q := range c.RateLimit.Overrides {
		if strings.TrimSpace(key) == "" {
			errs = append(errs, "rateLimit.overrides keys must name a class or class.handler")
		}
		quotas[fmt.Sprintf("rateLimit.overrides[%s]", key)] = q
	}
	for name, q := range quotas {
		if q.RequestsPerMinute < 0 || q.BurstSize < 0 {
			errs = append(errs, name+" must not be negative")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func validateRoute(i int, r RouteConfig) []string {
	var errs []string
	prefix := fmt.Sprintf("routes[%d]", i)
	if strings.TrimSpace(r.Class) == "" {
		errs = append(errs, prefix+".class is required")
	}
	if r.Action != "" {
		if err := checkAction(r.Action); err != nil {
			errs = append(errs, fmt.Sprintf("%s.action: %v", prefix, err))
		}
	}
	for j, h := range r.Handlers {
		hp := fmt.Sprintf("%s.handlers[%d]", prefix, j)
		if strings.TrimSpace(h.Name) == "" {
			errs = append(errs, hp+".name is required")
		}
		if !validMethod(h.Method) {
			errs = append(errs, fmt.Sprintf("%s.method %q is not an HTTP method", hp, h.Method))
		}
		if !strings.HasPrefix(h.Path, "/") {
			errs = append(errs, hp+".path must start with /")
		}
		if h.Action != "" {
			if err := checkAction(h.Action); err != nil {
				errs = append(errs, fmt.Sprintf("%s.action: %v", hp, err))
			}
		}
	}
	return errs
}

func checkAction(s string) error {
	if _, ok := actions.Parse(s); !ok {
		return fmt.Errorf("unknown action %q", s)
	}
	return nil
}

func validMethod(m string) bool {
	switch strings.ToUpper(m) {
	case http.MethodGet, http.MethodHead, http.MethodPost, http.MethodPut,
		http.MethodPatch, http.MethodDelete, http.MethodOptions:
		return true
	}
	return false
}

func httpURL(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
