package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/vektah/gqlparser/v2/ast"

	"github.com/osvaldoandrade/ramguard/internal/metrics"
	"github.com/osvaldoandrade/ramguard/internal/middleware"
	"github.com/osvaldoandrade/ramguard/internal/providers"
	"github.com/osvaldoandrade/ramguard/internal/ratelimit"
	"github.com/osvaldoandrade/ramguard/internal/revocation"
	"github.com/osvaldoandrade/ramguard/internal/tracing"
	"github.com/osvaldoandrade/ramguard/pkg/actions"
	"github.com/osvaldoandrade/ramguard/pkg/auth"
	"github.com/osvaldoandrade/ramguard/pkg/auth/jwks"
	_ "github.com/osvaldoandrade/ramguard/pkg/auth/static" // static provider for local setups
	"github.com/osvaldoandrade/ramguard/pkg/config"
	"github.com/osvaldoandrade/ramguard/pkg/fieldaction"
	"github.com/osvaldoandrade/ramguard/pkg/guard"
	"github.com/osvaldoandrade/ramguard/pkg/ram"
)

type Application struct {
	Config          *config.Config
	Engine          *gin.Engine
	Logger          *slog.Logger
	Redis           *redis.Client
	Validator       auth.Validator
	Revocation      revocation.Store
	Guard           *guard.Guard
	Fields          *fieldaction.Resolver
	RateLimiter     ratelimit.Limiter
	Quotas          *ratelimit.Policy
	TracingShutdown func(context.Context) error
}

// ApplicationOption configures the Application
type ApplicationOption func(*Application) error

// WithValidator replaces the validator built from cfg.Auth.
func WithValidator(validator auth.Validator) ApplicationOption {
	return func(app *Application) error {
		app.Validator = validator
		return nil
	}
}

// WithRedis supplies the Redis client instead of dialing cfg.RedisAddr.
func WithRedis(client *redis.Client) ApplicationOption {
	return func(app *Application) error {
		app.Redis = client
		return nil
	}
}

// WithRevocationStore replaces the store selected by auth.revocation.backend.
func WithRevocationStore(store revocation.Store) ApplicationOption {
	return func(app *Application) error {
		app.Revocation = store
		return nil
	}
}

// WithSchema supplies the GraphQL schema instead of reading graphql.schemaPath.
func WithSchema(schema *ast.Schema) ApplicationOption {
	return func(app *Application) error {
		app.Fields = fieldaction.NewResolver(schema, nil)
		return nil
	}
}

func NewApplication(cfg *config.Config, opts ...ApplicationOption) (*Application, error) {
	logger := newLogger(cfg)
	slog.SetDefault(logger)

	app := &Application{Config: cfg, Logger: logger}
	for _, opt := range opts {
		if err := opt(app); err != nil {
			return nil, err
		}
	}

	shutdown, err := tracing.Setup(context.Background(), tracing.Config{
		Enabled:      cfg.Tracing.Enabled,
		ServiceName:  cfg.Tracing.ServiceName,
		Environment:  cfg.Env,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		OTLPInsecure: cfg.Tracing.OTLPInsecure,
		SampleRatio:  cfg.Tracing.SampleRatio,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("tracing: %w", err)
	}
	app.TracingShutdown = shutdown

	if app.Redis == nil && needsRedis(cfg) {
		app.Redis = providers.NewRedisProvider(cfg.RedisAddr, cfg.RedisPassword)
	}
	app.Quotas = buildQuotas(cfg.RateLimit)
	if app.Redis != nil {
		metrics.RegisterRedisCollector(app.Redis, logger)
		app.RateLimiter = ratelimit.NewRedisLimiter(app.Redis)
	}

	if app.Validator == nil {
		v, err := buildValidator(cfg.Auth, app.Redis, logger)
		if err != nil {
			return nil, err
		}
		app.Validator = v
	}

	if app.Revocation == nil {
		maxLifetime := time.Duration(cfg.Auth.Revocation.MaxTokenLifetimeSeconds) * time.Second
		switch cfg.Auth.Revocation.Backend {
		case "memory":
			app.Revocation = revocation.NewMemory(maxLifetime)
		case "redis":
			app.Revocation = revocation.NewRedis(app.Redis, maxLifetime)
		}
	}

	if err := app.loadFields(); err != nil {
		return nil, err
	}

	table, err := buildTable(cfg)
	if err != nil {
		return nil, err
	}
	guardOpts := []guard.Option{
		guard.WithEvaluator(ram.NewEvaluator(cfg.Auth.PolicyClaim)),
		guard.WithLogger(logger),
	}
	if app.Fields != nil {
		guardOpts = append(guardOpts, guard.WithFieldResolver(app.Fields))
	}
	app.Guard = guard.New(table, guardOpts...)

	engine := gin.New()
	engine.Use(
		gin.Recovery(),
		middleware.RequestIDMiddleware(),
		middleware.TracingMiddleware(cfg.Tracing.ServiceName),
		middleware.LoggerMiddleware(logger),
		middleware.Verify(app.Validator, app.verifyOptions()...),
	)
	app.Engine = engine

	return app, nil
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := new(slog.LevelVar)
	switch cfg.LogLevel {
	case "debug":
		level.Set(slog.LevelDebug)
	case "warn":
		level.Set(slog.LevelWarn)
	case "error":
		level.Set(slog.LevelError)
	default:
		level.Set(slog.LevelInfo)
	}
	var handler slog.Handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	if cfg.LogFormat == "text" {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}
	return slog.New(handler).With("service", "ramguard", "env", cfg.Env)
}

func needsRedis(cfg *config.Config) bool {
	return cfg.Auth.JWKS.Cache == "redis" ||
		cfg.Auth.Revocation.Backend == "redis" ||
		cfg.RateLimit.Enabled()
}

func quota(q config.QuotaConfig) ratelimit.Quota {
	return ratelimit.Quota{RequestsPerMinute: q.RequestsPerMinute, BurstSize: q.BurstSize}
}

func buildQuotas(rl config.RateLimitConfig) *ratelimit.Policy {
	p := ratelimit.NewPolicy(quota(rl.Default), quota(rl.Anonymous))
	for key, q := range rl.Overrides {
		p.Set(key, quota(q))
	}
	return p
}

func buildValidator(a config.AuthConfig, rdb *redis.Client, logger *slog.Logger) (auth.Validator, error) {
	switch a.Provider {
	case "jwks":
		opts := []jwks.Option{jwks.WithLogger(logger)}
		if a.JWKS.Cache == "redis" {
			ttl := time.Duration(a.JWKS.CacheTTLSeconds) * time.Second
			opts = append(opts, jwks.WithKeyCache(jwks.NewRedisKeyCache(rdb, "", ttl)))
		}
		return jwks.New(a.Verifier(), opts...)
	case "static":
		raw, err := json.Marshal(a.Static)
		if err != nil {
			return nil, fmt.Errorf("static auth config: %w", err)
		}
		return auth.NewValidator(auth.ProviderConfig{Type: a.Provider, Config: raw})
	}
	return nil, &auth.ConfigError{Msg: fmt.Sprintf("unknown auth provider type: %q", a.Provider)}
}

func (app *Application) verifyOptions() []middleware.VerifyOption {
	a := app.Config.Auth
	opts := []middleware.VerifyOption{
		middleware.WithCredentialsRequired(a.RequireCredentials()),
		middleware.WithRequestProperty(a.RequestProperty),
		middleware.WithUnless(a.Unless...),
	}
	if app.Revocation != nil {
		opts = append(opts, middleware.WithRevocation(app.Revocation))
	}
	if a.Logging {
		opts = append(opts, middleware.WithLogging(app.Logger))
	}
	return opts
}

func (app *Application) loadFields() error {
	gq := app.Config.GraphQL
	table := fieldaction.Table{}
	for key, name := range gq.FieldActions {
		a, ok := actions.Parse(name)
		if !ok {
			return &auth.ConfigError{Msg: fmt.Sprintf("graphql.fieldActions[%s]: unknown action %q", key, name)}
		}
		table[key] = a
	}

	if app.Fields != nil {
		app.Fields = fieldaction.NewResolver(app.Fields.Schema(), table)
		return nil
	}
	if strings.TrimSpace(gq.SchemaPath) == "" {
		return nil
	}
	data, err := os.ReadFile(gq.SchemaPath)
	if err != nil {
		return fmt.Errorf("read graphql schema: %w", err)
	}
	schema, err := fieldaction.LoadSchema(&ast.Source{Name: gq.SchemaPath, Input: string(data)})
	if err != nil {
		return fmt.Errorf("load graphql schema: %w", err)
	}
	app.Fields = fieldaction.NewResolver(schema, table)
	return nil
}

// buildTable turns the route and GraphQL operation settings into guard rules.
// The built-in /v1/auth handlers live under the "auth" class and can be
// overridden from routes like any other class.
func buildTable(cfg *config.Config) (*guard.Table, error) {
	t := guard.NewTable()
	t.SetHandler(guard.HandlerRef{Class: authClass, Handler: "whoami"}, guard.Rule{Action: actions.AuthWhoAmI})
	t.SetHandler(guard.HandlerRef{Class: authClass, Handler: "check"}, guard.Rule{Action: actions.AuthCheck})
	t.SetHandler(guard.HandlerRef{Class: authClass, Handler: "revoke"}, guard.Rule{Action: actions.AuthRevoke})

	for _, r := range cfg.Routes {
		rule, err := ruleFor(r.Action, r.Anonymous)
		if err != nil {
			return nil, fmt.Errorf("route class %s: %w", r.Class, err)
		}
		if rule != (guard.Rule{}) {
			t.SetClass(r.Class, rule)
		}
		for _, h := range r.Handlers {
			rule, err := ruleFor(h.Action, h.Anonymous)
			if err != nil {
				return nil, fmt.Errorf("route %s.%s: %w", r.Class, h.Name, err)
			}
			if rule != (guard.Rule{}) {
				t.SetHandler(guard.HandlerRef{Class: r.Class, Handler: h.Name}, rule)
			}
		}
	}

	for key, name := range cfg.GraphQL.Operations {
		rule, err := ruleFor(name, false)
		if err != nil {
			return nil, fmt.Errorf("graphql operation %s: %w", key, err)
		}
		setGraphQLRule(t, key, rule)
	}
	for _, key := range cfg.GraphQL.Anonymous {
		rule, _ := t.Lookup(operationRef(key))
		rule.Anonymous = true
		setGraphQLRule(t, key, rule)
	}
	return t, nil
}

func ruleFor(action string, anonymous bool) (guard.Rule, error) {
	rule := guard.Rule{Anonymous: anonymous}
	if action == "" {
		return rule, nil
	}
	a, ok := actions.Parse(action)
	if !ok {
		return guard.Rule{}, &auth.ConfigError{Msg: fmt.Sprintf("unknown action %q", action)}
	}
	rule.Action = a
	return rule, nil
}

// operationRef splits "Mutation.createOption" into class and handler. A bare
// type name yields a class-only ref.
func operationRef(key string) guard.HandlerRef {
	if i := strings.Index(key, "."); i >= 0 {
		return guard.HandlerRef{Class: key[:i], Handler: key[i+1:]}
	}
	return guard.HandlerRef{Class: key}
}

func setGraphQLRule(t *guard.Table, key string, rule guard.Rule) {
	ref := operationRef(key)
	if ref.Handler == "" {
		t.SetClass(ref.Class, rule)
		return
	}
	t.SetHandler(ref, rule)
}
