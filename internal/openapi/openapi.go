// Package openapi validates request bodies against an embedded OpenAPI
// document at runtime — the same contract-testing concern code
// generators like ogen cover at build time, applied here without a
// generated-code step so the document stays the single source of truth
// for both the Jobs API and the Deployments API.
package openapi

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"

	"github.com/getkin/kin-openapi/openapi3"
)

//go:embed spec.yaml
var specYAML []byte

var doc *openapi3.T

func init() {
	loader := openapi3.NewLoader()
	d, err := loader.LoadFromData(specYAML)
	if err != nil {
		panic(fmt.Errorf("failed to parse embedded openapi document: %w", err))
	}
	if err := d.Validate(context.Background()); err != nil {
		panic(fmt.Errorf("embedded openapi document is invalid: %w", err))
	}
	doc = d
}

// ValidateBody checks body against the request schema the document
// declares for method+path (e.g. "submitGpuJob", "createDeployment",
// "patchDeployment" — kept by operationId rather than a raw path so
// templated path parameters never need matching here).
func ValidateBody(operationID string, body []byte) error {
	schema, err := schemaForOperation(operationID)
	if err != nil {
		return err
	}

	var decoded interface{}
	if err := json.Unmarshal(body, &decoded); err != nil {
		return fmt.Errorf("request body is not valid JSON: %w", err)
	}

	return schema.VisitJSON(decoded)
}

func schemaForOperation(operationID string) (*openapi3.Schema, error) {
	for _, pathItem := range doc.Paths.Map() {
		for _, op := range pathItem.Operations() {
			if op.OperationID != operationID {
				continue
			}
			if op.RequestBody == nil || op.RequestBody.Value == nil {
				return nil, fmt.Errorf("operation %s declares no request body schema", operationID)
			}
			media := op.RequestBody.Value.Content.Get("application/json")
			if media == nil || media.Schema == nil {
				return nil, fmt.Errorf("operation %s declares no JSON schema", operationID)
			}
			return media.Schema.Value, nil
		}
	}
	return nil, fmt.Errorf("unknown operation %s", operationID)
}
