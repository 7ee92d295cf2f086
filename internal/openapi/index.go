// Package openapi carries the service's own OpenAPI document. It is embedded
// in the binary, validated at start, served verbatim and used to check the
// required members of request bodies before they reach the engine.
package openapi

import (
	"context"
	_ "embed"
	"fmt"
	"slices"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/pitabwire/signoff/model"
)

//go:embed api.yaml
var document []byte

// Operation is an indexed operation of the document.
type Operation struct {
	OperationID  string
	Method       string
	PathTemplate string
	Parameters   []*openapi3.Parameter
	RequestBody  *openapi3.RequestBody

	required []string
}

// Index resolves operations of the embedded document by operationId.
type Index struct {
	doc        *openapi3.T
	operations map[string]Operation
}

// Load parses and validates the embedded document and indexes its operations.
func Load(ctx context.Context) (*Index, error) {
	return load(ctx, document)
}

func load(ctx context.Context, data []byte) (*Index, error) {
	loader := openapi3.NewLoader()
	loader.IsExternalRefsAllowed = false

	doc, err := loader.LoadFromData(data)
	if err != nil {
		return nil, fmt.Errorf("openapi: loading document: %w", err)
	}
	if err := doc.Validate(ctx); err != nil {
		return nil, fmt.Errorf("openapi: validating document: %w", err)
	}

	idx := &Index{doc: doc, operations: make(map[string]Operation)}
	for path, item := range doc.Paths.Map() {
		for method, op := range item.Operations() {
			if op.OperationID == "" {
				continue
			}
			params := make([]*openapi3.Parameter, 0, len(item.Parameters)+len(op.Parameters))
			for _, ref := range slices.Concat(item.Parameters, op.Parameters) {
				if ref.Value != nil {
					params = append(params, ref.Value)
				}
			}
			indexed := Operation{
				OperationID:  op.OperationID,
				Method:       method,
				PathTemplate: path,
				Parameters:   params,
			}
			if op.RequestBody != nil && op.RequestBody.Value != nil {
				indexed.RequestBody = op.RequestBody.Value
				if ct := indexed.RequestBody.Content.Get("application/json"); ct != nil && ct.Schema != nil {
					indexed.required = requiredFields(ct.Schema.Value)
				}
			}
			idx.operations[op.OperationID] = indexed
		}
	}
	return idx, nil
}

// requiredFields collects the required members of schema, including those
// declared by its allOf branches.
func requiredFields(schema *openapi3.Schema) []string {
	if schema == nil {
		return nil
	}
	out := slices.Clone(schema.Required)
	for _, ref := range schema.AllOf {
		for _, f := range requiredFields(ref.Value) {
			if !slices.Contains(out, f) {
				out = append(out, f)
			}
		}
	}
	return out
}

// Document returns the raw embedded document.
func (idx *Index) Document() []byte { return document }

// Title returns the document title.
func (idx *Index) Title() string { return idx.doc.Info.Title }

// Operation returns the indexed operation with the given id.
func (idx *Index) Operation(operationID string) (Operation, bool) {
	op, ok := idx.operations[operationID]
	return op, ok
}

// OperationIDs returns every indexed operation id, sorted.
func (idx *Index) OperationIDs() []string {
	ids := make([]string, 0, len(idx.operations))
	for id := range idx.operations {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// ValidateRequest checks that body carries every member the operation's JSON
// request schema marks as required. Empty strings count as missing. Unknown
// operations and operations without a body validate trivially.
func (idx *Index) ValidateRequest(operationID string, body map[string]any) []model.FieldError {
	op, ok := idx.operations[operationID]
	if !ok {
		return nil
	}
	var errs []model.FieldError
	for _, field := range op.required {
		v, exists := body[field]
		if s, isString := v.(string); !exists || v == nil || (isString && s == "") {
			errs = append(errs, model.FieldError{
				Field:   field,
				Code:    "REQUIRED",
				Message: fmt.Sprintf("%s is required", field),
			})
		}
	}
	return errs
}
