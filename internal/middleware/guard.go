package middleware

import (
	"errors"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/trace"

	"github.com/osvaldoandrade/ramguard/internal/tracing"
	"github.com/osvaldoandrade/ramguard/pkg/auth"
	"github.com/osvaldoandrade/ramguard/pkg/guard"
)

// Guard enforces the rule registered for ref on a REST route.
func Guard(g *guard.Guard, ref guard.HandlerRef) gin.HandlerFunc {
	name := ref.Class
	if ref.Handler != "" {
		name += "." + ref.Handler
	}
	return func(c *gin.Context) {
		trace.SpanFromContext(c.Request.Context()).SetAttributes(tracing.AttrHandlerName.String(name))
		claims, _ := Claims(c)
		if _, err := g.CanActivate(c.Request.Context(), &guard.Request{
			Transport: guard.KindREST,
			Claims:    claims,
			Ref:       ref,
		}); err != nil {
			abortAuthz(c, err)
			return
		}
		c.Next()
	}
}

func abortAuthz(c *gin.Context, err error) {
	if action := deniedAction(err); action != "" {
		trace.SpanFromContext(c.Request.Context()).SetAttributes(tracing.AttrAction.String(action))
	}
	c.AbortWithStatusJSON(auth.StatusCode(err), gin.H{"error": auth.PublicMessage(err)})
}

func deniedAction(err error) string {
	var ue *auth.UnauthorizedError
	if errors.As(err, &ue) {
		return ue.Action
	}
	var fe *auth.ForbiddenError
	if errors.As(err, &fe) {
		return fe.Action
	}
	return ""
}
