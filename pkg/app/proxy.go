package app

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/trace"

	"github.com/osvaldoandrade/ramguard/internal/middleware"
	"github.com/osvaldoandrade/ramguard/internal/tracing"
	"github.com/osvaldoandrade/ramguard/pkg/auth"
)

// SubjectHeader carries the verified subject to the upstream. Any value sent
// by the caller is dropped.
const SubjectHeader = "X-Ramguard-Subject"

// newProxy forwards authorized requests to target. An upstream with a path
// (http://cms:3000/graphql) receives every request on exactly that path.
func newProxy(target string, logger *slog.Logger) (gin.HandlerFunc, error) {
	u, err := url.Parse(target)
	if err != nil || u.Host == "" {
		return nil, &auth.ConfigError{Msg: fmt.Sprintf("invalid upstream %q", target)}
	}
	fixedPath := u.Path != "" && u.Path != "/"

	rp := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(&url.URL{Scheme: u.Scheme, Host: u.Host})
			if fixedPath {
				pr.Out.URL.Path = u.Path
				pr.Out.URL.RawPath = ""
			}
			pr.SetXForwarded()
			pr.Out.Header.Del(SubjectHeader)
			if claims, ok := auth.ClaimsFromContext(pr.In.Context()); ok {
				pr.Out.Header.Set(SubjectHeader, claims.Subject)
			}
			trace.SpanFromContext(pr.In.Context()).SetAttributes(tracing.AttrUpstream.String(u.Host))
			tracing.InjectHeaders(pr.In.Context(), pr.Out.Header)
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			logger.WarnContext(r.Context(), "upstream request failed",
				"upstream", u.Host, "path", r.URL.Path, "request_id", middleware.RequestID(r.Context()), "err", err)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte(`{"error":"upstream unavailable"}`))
		},
	}
	return func(c *gin.Context) {
		rp.ServeHTTP(c.Writer, c.Request)
	}, nil
}
