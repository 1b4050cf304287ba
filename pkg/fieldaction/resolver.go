// Package fieldaction finds the RAM actions attached to the output fields a
// GraphQL query selects.
package fieldaction

import (
	"errors"
	"fmt"
	"strings"

	"github.com/vektah/gqlparser/v2"
	"github.com/vektah/gqlparser/v2/ast"

	"github.com/osvaldoandrade/ramguard/pkg/actions"
)

// DirectiveName is the schema directive that attaches an action to a field
// definition: `directive @action(name: String!) on FIELD_DEFINITION`.
const DirectiveName = "action"

// Table maps "Type.field" to the action that field requires. Entries take
// precedence over schema directives.
type Table map[string]actions.Action

// Resolver walks selection sets against a schema.
type Resolver struct {
	schema *ast.Schema
	table  Table
}

// NewResolver returns a resolver for schema. table may be nil.
func NewResolver(schema *ast.Schema, table Table) *Resolver {
	if table == nil {
		table = Table{}
	}
	return &Resolver{schema: schema, table: table}
}

// Schema returns the schema the resolver walks.
func (r *Resolver) Schema() *ast.Schema { return r.schema }

type selected struct {
	field  *ast.Field
	parent *ast.Definition
}

// Resolve returns fieldPath -> action for every selected field below root that
// requires an action. Paths are dot separated and relative to root. Fields
// selected on an interface or union are checked against every possible
// concrete type; when two types require different actions at the same path
// the later one is keyed "path@Type".
func (r *Resolver) Resolve(selections ast.SelectionSet, root *ast.Type) (map[string]actions.Action, error) {
	if r.schema == nil {
		return nil, errors.New("fieldaction: resolver has no schema")
	}
	if root == nil {
		return nil, errors.New("fieldaction: root type is required")
	}
	def := r.schema.Types[root.Name()]
	if def == nil {
		return nil, fmt.Errorf("fieldaction: unknown type %q", root.Name())
	}
	out := make(map[string]actions.Action)
	r.walk(selections, def, "", out)
	return out, nil
}

func (r *Resolver) walk(selections ast.SelectionSet, def *ast.Definition, prefix string, out map[string]actions.Action) {
	if !composite(def) {
		return
	}
	for _, sel := range r.flatten(selections, def, nil) {
		name := sel.field.Name
		if strings.HasPrefix(name, "__") {
			continue
		}
		fieldDef := sel.parent.Fields.ForName(name)
		if fieldDef == nil {
			continue
		}
		path := name
		if prefix != "" {
			path = prefix + "." + name
		}
		for _, req := range r.requirements(sel.parent, fieldDef) {
			record(out, path, req.typeName, req.action)
		}
		if len(sel.field.SelectionSet) == 0 || fieldDef.Type == nil {
			continue
		}
		r.walk(sel.field.SelectionSet, r.schema.Types[fieldDef.Type.Name()], path, out)
	}
}

// flatten expands inline fragments and fragment spreads, attaching each field
// to the type it is selected on.
func (r *Resolver) flatten(selections ast.SelectionSet, def *ast.Definition, acc []selected) []selected {
	for _, s := range selections {
		switch sel := s.(type) {
		case *ast.Field:
			acc = append(acc, selected{field: sel, parent: def})
		case *ast.InlineFragment:
			acc = r.flatten(sel.SelectionSet, r.conditionType(sel.TypeCondition, def), acc)
		case *ast.FragmentSpread:
			if sel.Definition == nil {
				continue
			}
			acc = r.flatten(sel.Definition.SelectionSet, r.conditionType(sel.Definition.TypeCondition, def), acc)
		}
	}
	return acc
}

// conditionType picks the type a fragment's fields are selected on. A concrete
// enclosing type stays concrete under an interface or union condition, so its
// own field actions are never traded for the abstract type's.
func (r *Resolver) conditionType(name string, enclosing *ast.Definition) *ast.Definition {
	if name == "" {
		return enclosing
	}
	def := r.schema.Types[name]
	if def == nil {
		return enclosing
	}
	switch def.Kind {
	case ast.Object:
		return def
	case ast.Interface, ast.Union:
		if enclosing != nil && enclosing.Kind == ast.Object {
			return enclosing
		}
		return def
	}
	return enclosing
}

type requirement struct {
	typeName string
	action   actions.Action
}

// requirements lists the actions a field needs. On an abstract parent every
// possible concrete type is consulted as well, since any of them may be the
// runtime type.
func (r *Resolver) requirements(parent *ast.Definition, field *ast.FieldDefinition) []requirement {
	var out []requirement
	if a, ok := r.actionFor(parent, field); ok {
		out = append(out, requirement{typeName: parent.Name, action: a})
	}
	if parent.Kind == ast.Object {
		return out
	}
	for _, impl := range r.schema.GetPossibleTypes(parent) {
		if impl.Kind != ast.Object {
			continue
		}
		implField := impl.Fields.ForName(field.Name)
		if implField == nil {
			continue
		}
		if a, ok := r.actionFor(impl, implField); ok {
			out = append(out, requirement{typeName: impl.Name, action: a})
		}
	}
	return out
}

// FieldAction returns the action field requires on parent, from the table or
// the @action directive. Root operation fields are checked through it.
func (r *Resolver) FieldAction(parent *ast.Definition, field *ast.FieldDefinition) (actions.Action, bool) {
	if r.schema == nil || parent == nil || field == nil {
		return "", false
	}
	return r.actionFor(parent, field)
}

func (r *Resolver) actionFor(parent *ast.Definition, field *ast.FieldDefinition) (actions.Action, bool) {
	if a, ok := r.table[parent.Name+"."+field.Name]; ok && a != "" {
		return a, true
	}
	if a, ok := directiveAction(field); ok {
		return a, true
	}
	for _, name := range parent.Interfaces {
		if a, ok := r.table[name+"."+field.Name]; ok && a != "" {
			return a, true
		}
		iface := r.schema.Types[name]
		if iface == nil {
			continue
		}
		if a, ok := directiveAction(iface.Fields.ForName(field.Name)); ok {
			return a, true
		}
	}
	return "", false
}

func directiveAction(field *ast.FieldDefinition) (actions.Action, bool) {
	if field == nil {
		return "", false
	}
	d := field.Directives.ForName(DirectiveName)
	if d == nil {
		return "", false
	}
	if arg := d.Arguments.ForName("name"); arg != nil && arg.Value != nil && arg.Value.Raw != "" {
		return actions.Action(arg.Value.Raw), true
	}
	return "", false
}

func record(out map[string]actions.Action, path, typeName string, action actions.Action) {
	existing, ok := out[path]
	if !ok {
		out[path] = action
		return
	}
	if existing == action {
		return
	}
	out[path+"@"+typeName] = action
}

func composite(def *ast.Definition) bool {
	if def == nil {
		return false
	}
	switch def.Kind {
	case ast.Object, ast.Interface, ast.Union:
		return true
	}
	return false
}

// LoadSchema parses and validates SDL sources.
func LoadSchema(sources ...*ast.Source) (*ast.Schema, error) {
	schema, err := gqlparser.LoadSchema(sources...)
	if err != nil {
		return nil, fmt.Errorf("load graphql schema: %w", err)
	}
	return schema, nil
}

// ParseOperation parses and validates query against schema and returns the
// selected operation. operationName may be empty when the document holds a
// single operation.
func ParseOperation(schema *ast.Schema, query, operationName string) (*ast.OperationDefinition, error) {
	doc, errs := gqlparser.LoadQuery(schema, query)
	if len(errs) > 0 {
		return nil, fmt.Errorf("parse graphql query: %w", errs)
	}
	op := doc.Operations.ForName(operationName)
	if op == nil {
		if operationName == "" {
			return nil, errors.New("parse graphql query: operationName is required")
		}
		return nil, fmt.Errorf("parse graphql query: unknown operation %q", operationName)
	}
	return op, nil
}

// RootType returns the schema type an operation starts from.
func RootType(schema *ast.Schema, op *ast.OperationDefinition) *ast.Definition {
	if schema == nil || op == nil {
		return nil
	}
	switch op.Operation {
	case ast.Mutation:
		return schema.Mutation
	case ast.Subscription:
		return schema.Subscription
	default:
		return schema.Query
	}
}

// TopLevelFields returns the root fields an operation selects, with fragments
// on the root type flattened.
func (r *Resolver) TopLevelFields(op *ast.OperationDefinition) []*ast.Field {
	root := RootType(r.schema, op)
	if root == nil {
		return nil
	}
	var fields []*ast.Field
	for _, sel := range r.flatten(op.SelectionSet, root, nil) {
		if strings.HasPrefix(sel.field.Name, "__") {
			continue
		}
		fields = append(fields, sel.field)
	}
	return fields
}
