// Package grpcauth carries bearer verification and the authorization guard
// onto gRPC servers.
package grpcauth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/osvaldoandrade/ramguard/internal/metrics"
	"github.com/osvaldoandrade/ramguard/internal/revocation"
	"github.com/osvaldoandrade/ramguard/pkg/auth"
	"github.com/osvaldoandrade/ramguard/pkg/guard"
)

type options struct {
	credentialsRequired bool
	exempt              map[string]struct{}
	revocation          revocation.Checker
	guard               *guard.Guard
	logger              *slog.Logger
}

type Option func(*options)

// WithCredentialsRequired defaults to true.
func WithCredentialsRequired(required bool) Option {
	return func(o *options) { o.credentialsRequired = required }
}

// WithExempt skips verification for full method names such as
// "/grpc.health.v1.Health/Check".
func WithExempt(fullMethods ...string) Option {
	return func(o *options) {
		for _, m := range fullMethods {
			o.exempt[m] = struct{}{}
		}
	}
}

func WithRevocation(checker revocation.Checker) Option {
	return func(o *options) { o.revocation = checker }
}

// WithGuard runs g after verification. The handler ref is the service name
// and the method name of the call.
func WithGuard(g *guard.Guard) Option {
	return func(o *options) { o.guard = g }
}

func WithLogging(logger *slog.Logger) Option {
	return func(o *options) {
		if logger == nil {
			logger = slog.Default()
		}
		o.logger = logger
	}
}

func newOptions(opts []Option) *options {
	o := &options{credentialsRequired: true, exempt: map[string]struct{}{}}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// UnaryServerInterceptor verifies the "authorization" metadata and stores the
// claims in the handler context.
func UnaryServerInterceptor(validator auth.Validator, opts ...Option) grpc.UnaryServerInterceptor {
	o := newOptions(opts)
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		ctx, err := o.authorize(ctx, validator, info.FullMethod)
		if err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// StreamServerInterceptor is the streaming counterpart of UnaryServerInterceptor.
func StreamServerInterceptor(validator auth.Validator, opts ...Option) grpc.StreamServerInterceptor {
	o := newOptions(opts)
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx, err := o.authorize(ss.Context(), validator, info.FullMethod)
		if err != nil {
			return err
		}
		return handler(srv, &wrappedServerStream{ServerStream: ss, ctx: ctx})
	}
}

func (o *options) authorize(ctx context.Context, validator auth.Validator, fullMethod string) (context.Context, error) {
	if _, ok := o.exempt[fullMethod]; ok {
		return ctx, nil
	}

	token, err := bearerFromMetadata(ctx)
	if err != nil {
		return nil, o.unauthenticated(ctx, fullMethod, err)
	}
	var claims *auth.Claims
	if token != "" {
		claims, err = validator.Validate(ctx, token)
		if err != nil {
			return nil, o.unauthenticated(ctx, fullMethod, err)
		}
		if o.revocation != nil {
			revoked, err := o.revocation.IsRevoked(ctx, claims)
			if err != nil {
				metrics.RevocationChecksTotal.WithLabelValues("error").Inc()
				return nil, o.unauthenticated(ctx, fullMethod, err)
			}
			if revoked {
				metrics.RevocationChecksTotal.WithLabelValues("revoked").Inc()
				return nil, o.unauthenticated(ctx, fullMethod, errors.New("token revoked"))
			}
			metrics.RevocationChecksTotal.WithLabelValues("clear").Inc()
		}
		ctx = auth.WithClaims(ctx, claims)
	} else if o.credentialsRequired {
		return nil, o.unauthenticated(ctx, fullMethod, errors.New("no bearer token"))
	}

	if o.guard != nil {
		if _, err := o.guard.CanActivate(ctx, &guard.Request{
			Transport: guard.KindRPC,
			Claims:    claims,
			Ref:       HandlerRef(fullMethod),
		}); err != nil {
			return nil, statusFor(err)
		}
	}
	return ctx, nil
}

func (o *options) unauthenticated(ctx context.Context, fullMethod string, cause error) error {
	if o.logger != nil {
		msg := cause.Error()
		var ite *auth.InvalidTokenError
		if errors.As(cause, &ite) && ite.Cause() != "" {
			msg = ite.Cause()
		}
		o.logger.WarnContext(ctx, "rpc not authenticated", "method", fullMethod, "cause", msg)
	}
	return status.Error(codes.Unauthenticated, auth.MsgInvalidCredentials)
}

func bearerFromMetadata(ctx context.Context) (string, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", nil
	}
	values := md.Get("authorization")
	if len(values) == 0 {
		return "", nil
	}
	parts := strings.SplitN(strings.TrimSpace(values[0]), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) == "" {
		return "", errors.New("authorization metadata is not of the form 'Bearer <token>'")
	}
	return strings.TrimSpace(parts[1]), nil
}

// HandlerRef maps "/pkg.Service/Method" to {Class: "pkg.Service", Handler: "Method"}.
func HandlerRef(fullMethod string) guard.HandlerRef {
	trimmed := strings.TrimPrefix(fullMethod, "/")
	if i := strings.LastIndex(trimmed, "/"); i >= 0 {
		return guard.HandlerRef{Class: trimmed[:i], Handler: trimmed[i+1:]}
	}
	return guard.HandlerRef{Handler: trimmed}
}

func statusFor(err error) error {
	switch auth.StatusCode(err) {
	case http.StatusUnauthorized:
		return status.Error(codes.Unauthenticated, auth.PublicMessage(err))
	case http.StatusForbidden:
		return status.Error(codes.PermissionDenied, auth.PublicMessage(err))
	}
	return status.Error(codes.Internal, auth.PublicMessage(err))
}

type wrappedServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (w *wrappedServerStream) Context() context.Context {
	return w.ctx
}
