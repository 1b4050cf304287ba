package guard

import (
	"github.com/vektah/gqlparser/v2/ast"

	"github.com/osvaldoandrade/ramguard/pkg/auth"
)

// Request is a plain ExecutionContext used by the REST and RPC adapters.
type Request struct {
	Transport Kind
	Claims    *auth.Claims
	Ref       HandlerRef
}

func (r *Request) Kind() Kind              { return r.Transport }
func (r *Request) Principal() *auth.Claims { return r.Claims }
func (r *Request) Handler() HandlerRef     { return r.Ref }

// FieldRequest is the ExecutionContext for one top-level GraphQL field.
type FieldRequest struct {
	Claims *auth.Claims
	Ref    HandlerRef
	Field  *ast.Field
}

func (r *FieldRequest) Kind() Kind              { return KindGraphQL }
func (r *FieldRequest) Principal() *auth.Claims { return r.Claims }
func (r *FieldRequest) Handler() HandlerRef     { return r.Ref }

func (r *FieldRequest) InvokedField() (*ast.Definition, *ast.FieldDefinition) {
	if r.Field == nil {
		return nil, nil
	}
	return r.Field.ObjectDefinition, r.Field.Definition
}

func (r *FieldRequest) FieldSelections() (ast.SelectionSet, *ast.Type, error) {
	if r.Field == nil || r.Field.Definition == nil {
		return nil, nil, nil
	}
	return r.Field.SelectionSet, r.Field.Definition.Type, nil
}
