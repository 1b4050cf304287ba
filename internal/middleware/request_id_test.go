package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

func TestRequestIDMiddleware(t *testing.T) {
	r := gin.New()
	r.Use(RequestIDMiddleware())
	r.GET("/x", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"id": RequestID(c.Request.Context())})
	})

	rec, body := do(t, r, httptest.NewRequest(http.MethodGet, "/x", nil))
	id := rec.Header().Get("X-Request-Id")
	if _, err := uuid.Parse(id); err != nil {
		t.Fatalf("expected generated uuid, got %q", id)
	}
	if body["id"] != id {
		t.Fatalf("expected context id %q, got %v", id, body["id"])
	}

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("X-Request-Id", "abc-123")
	rec, _ = do(t, r, req)
	if rec.Header().Get("X-Request-Id") != "abc-123" {
		t.Fatalf("expected incoming id to be kept")
	}
}
