package app

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/osvaldoandrade/ramguard/internal/middleware"
	"github.com/osvaldoandrade/ramguard/internal/revocation"
	"github.com/osvaldoandrade/ramguard/pkg/actions"
	"github.com/osvaldoandrade/ramguard/pkg/guard"
)

type authHandlers struct {
	guard *guard.Guard
	store revocation.Store
}

type whoamiResponse struct {
	Subject   string     `json:"subject"`
	Issuer    string     `json:"issuer,omitempty"`
	Email     string     `json:"email,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	Scopes    []string   `json:"scopes"`
}

func (h *authHandlers) whoami(c *gin.Context) {
	claims, ok := middleware.Claims(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "no principal"})
		return
	}
	resp := whoamiResponse{
		Subject: claims.Subject,
		Issuer:  claims.Issuer,
		Email:   claims.Email,
		Scopes:  claims.Scopes,
	}
	if resp.Scopes == nil {
		resp.Scopes = []string{}
	}
	if !claims.ExpiresAt.IsZero() {
		exp := claims.ExpiresAt.UTC()
		resp.ExpiresAt = &exp
	}
	c.JSON(http.StatusOK, resp)
}

type checkRequest struct {
	Actions []string `json:"actions" binding:"required,min=1"`
}

type checkDecision struct {
	Action  string `json:"action"`
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason"`
}

// check evaluates the caller's own policy against a list of actions.
func (h *authHandlers) check(c *gin.Context) {
	var req checkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "body must be {\"actions\":[...]}"})
		return
	}
	claims, _ := middleware.Claims(c)
	eval := h.guard.Evaluator()

	out := make([]checkDecision, 0, len(req.Actions))
	for _, name := range req.Actions {
		a, ok := actions.Parse(name)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown action", "action": name})
			return
		}
		d := eval.Evaluate(claims, a)
		out = append(out, checkDecision{Action: name, Allowed: d.Allowed, Reason: d.Reason})
	}
	subject := ""
	if claims != nil {
		subject = claims.Subject
	}
	c.JSON(http.StatusOK, gin.H{"subject": subject, "decisions": out})
}

// revoke denylists the token used for this request until it expires.
func (h *authHandlers) revoke(c *gin.Context) {
	if h.store == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "revocation is not enabled"})
		return
	}
	claims, ok := middleware.Claims(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "no principal"})
		return
	}
	if err := h.store.Revoke(c.Request.Context(), claims); err != nil {
		if errors.Is(err, revocation.ErrNoTokenID) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		middleware.Logger(c).Error("revoke failed", "subject", claims.Subject, "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	middleware.Logger(c).Info("token revoked", "subject", claims.Subject, "jti", claims.ID)
	c.JSON(http.StatusOK, gin.H{"revoked": true, "subject": claims.Subject})
}
