package app

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/osvaldoandrade/ramguard/internal/middleware"
	"github.com/osvaldoandrade/ramguard/pkg/guard"
)

const (
	authClass    = "auth"
	graphQLClass = "graphql"
)

// SetupMappings registers the health, metrics and auth endpoints, then the
// guarded proxy routes from configuration.
func SetupMappings(app *Application) error {
	e := app.Engine
	e.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	e.GET("/metrics", gin.WrapH(promhttp.Handler()))

	h := &authHandlers{guard: app.Guard, store: app.Revocation}
	authRoute := func(handler string, fn gin.HandlerFunc) []gin.HandlerFunc {
		ref := guard.HandlerRef{Class: authClass, Handler: handler}
		return []gin.HandlerFunc{app.quota(ref), middleware.Guard(app.Guard, ref), fn}
	}
	v1 := e.Group("/v1/auth")
	{
		v1.GET("/whoami", authRoute("whoami", h.whoami)...)
		v1.POST("/check", authRoute("check", h.check)...)
		v1.POST("/revoke", authRoute("revoke", h.revoke)...)
	}

	if len(app.Config.Routes) > 0 {
		rest, err := newProxy(app.Config.Upstream.REST, app.Logger)
		if err != nil {
			return err
		}
		for _, r := range app.Config.Routes {
			for _, hc := range r.Handlers {
				ref := guard.HandlerRef{Class: r.Class, Handler: hc.Name}
				e.Handle(strings.ToUpper(hc.Method), hc.Path, app.quota(ref), middleware.Guard(app.Guard, ref), rest)
			}
		}
	}

	if app.Config.Upstream.GraphQL != "" && app.Fields != nil {
		gql, err := newProxy(app.Config.Upstream.GraphQL, app.Logger)
		if err != nil {
			return err
		}
		path := app.Config.GraphQL.Path
		limit := app.quota(guard.HandlerRef{Class: graphQLClass})
		e.POST(path, limit, middleware.GraphQLGuard(app.Guard, app.Fields), gql)
		e.GET(path, limit, middleware.GraphQLGuard(app.Guard, app.Fields), gql)
	}
	return nil
}

// quota limits ref with the configured quotas. Without Redis it lets every
// request through.
func (app *Application) quota(ref guard.HandlerRef) gin.HandlerFunc {
	return middleware.RateLimit(app.RateLimiter, app.Quotas, ref)
}
