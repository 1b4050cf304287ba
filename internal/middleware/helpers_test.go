package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/osvaldoandrade/ramguard/pkg/auth"
	"github.com/osvaldoandrade/ramguard/pkg/auth/static"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// staticValidator accepts "good-token" for subject alice, granting grants.
func staticValidator(t *testing.T, grants ...string) auth.Validator {
	t.Helper()
	cfg, _ := json.Marshal(map[string]any{
		"token":   "good-token",
		"subject": "alice",
		"raw":     map[string]any{"ram": grants},
	})
	v, err := static.NewValidatorFromJSON(cfg)
	if err != nil {
		t.Fatalf("static validator: %v", err)
	}
	return v
}

func whoami(c *gin.Context) {
	claims, ok := Claims(c)
	if !ok {
		c.JSON(http.StatusOK, gin.H{"subject": ""})
		return
	}
	c.JSON(http.StatusOK, gin.H{"subject": claims.Subject})
}

func do(t *testing.T, h http.Handler, req *http.Request) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var body map[string]any
	if rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("response is not JSON: %v (%s)", err, rec.Body.String())
		}
	}
	return rec, body
}

func bearer(req *http.Request, token string) *http.Request {
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}

func farFuture() time.Time { return time.Now().Add(time.Hour) }
