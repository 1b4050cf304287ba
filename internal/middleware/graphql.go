package middleware

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/osvaldoandrade/ramguard/pkg/auth"
	"github.com/osvaldoandrade/ramguard/pkg/fieldaction"
	"github.com/osvaldoandrade/ramguard/pkg/guard"
)

const maxGraphQLBody = 1 << 20

type graphQLRequest struct {
	Query         string          `json:"query"`
	OperationName string          `json:"operationName"`
	Variables     json.RawMessage `json:"variables,omitempty"`
}

// GraphQLGuard parses the GraphQL request, runs the guard once per top-level
// field (handler ref = root type + field name) and restores the body for the
// next handler.
func GraphQLGuard(g *guard.Guard, resolver *fieldaction.Resolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		req, err := readGraphQLRequest(c)
		if err != nil {
			abortGraphQL(c, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
			return
		}
		op, err := fieldaction.ParseOperation(resolver.Schema(), req.Query, req.OperationName)
		if err != nil {
			abortGraphQL(c, http.StatusBadRequest, "GRAPHQL_VALIDATION_FAILED", err.Error(), nil)
			return
		}
		root := fieldaction.RootType(resolver.Schema(), op)
		if root == nil {
			abortGraphQL(c, http.StatusBadRequest, "GRAPHQL_VALIDATION_FAILED",
				fmt.Sprintf("schema does not support %s operations", op.Operation), nil)
			return
		}

		claims, _ := Claims(c)
		for _, field := range resolver.TopLevelFields(op) {
			_, err := g.CanActivate(c.Request.Context(), &guard.FieldRequest{
				Claims: claims,
				Ref:    guard.HandlerRef{Class: root.Name, Handler: field.Name},
				Field:  field,
			})
			if err != nil {
				responseKey := field.Alias
				if responseKey == "" {
					responseKey = field.Name
				}
				abortGraphQL(c, auth.StatusCode(err), errorCode(err), auth.PublicMessage(err), []string{responseKey})
				return
			}
		}
		c.Next()
	}
}

func readGraphQLRequest(c *gin.Context) (*graphQLRequest, error) {
	if c.Request.Method == http.MethodGet {
		q := c.Request.URL.Query()
		return &graphQLRequest{Query: q.Get("query"), OperationName: q.Get("operationName")}, nil
	}
	if c.Request.Body == nil {
		return nil, errors.New("request body is empty")
	}
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxGraphQLBody+1))
	if err != nil {
		return nil, fmt.Errorf("read request body: %w", err)
	}
	if len(body) > maxGraphQLBody {
		return nil, errors.New("request body too large")
	}
	c.Request.Body = io.NopCloser(bytes.NewReader(body))

	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		return nil, errors.New("batched requests are not supported")
	}
	var req graphQLRequest
	if err := json.Unmarshal(trimmed, &req); err != nil {
		return nil, fmt.Errorf("invalid request body: %w", err)
	}
	if strings.TrimSpace(req.Query) == "" {
		return nil, errors.New("query is required")
	}
	return &req, nil
}

func errorCode(err error) string {
	switch auth.StatusCode(err) {
	case http.StatusUnauthorized:
		return "UNAUTHENTICATED"
	case http.StatusForbidden:
		return "FORBIDDEN"
	}
	return "INTERNAL_SERVER_ERROR"
}

func abortGraphQL(c *gin.Context, status int, code, message string, path []string) {
	e := gin.H{
		"message":    message,
		"extensions": gin.H{"code": code},
	}
	if len(path) > 0 {
		e["path"] = path
	}
	c.AbortWithStatusJSON(status, gin.H{"errors": []gin.H{e}})
}
