package gateway

import (
	"bytes"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// itemSchemaJSON is the ingest contract for POST /v1/items. The payload
// is an arbitrary object; the workers decide what to do with it.
const itemSchemaJSON = `{
	"type": "object",
	"properties": {
		"id": {"type": "string", "minLength": 1, "maxLength": 128},
		"payload": {"type": "object"},
		"stage": {"type": "string", "enum": ["DEV", "VALIDATION", "INTEGRATION"]}
	},
	"required": ["payload"],
	"additionalProperties": false
}`

type itemValidator struct {
	schema *jsonschema.Schema
}

func newItemValidator() (*itemValidator, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(itemSchemaJSON)))
	if err != nil {
		return nil, fmt.Errorf("unmarshal item schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("item.json", doc); err != nil {
		return nil, fmt.Errorf("add item schema resource: %w", err)
	}
	schema, err := c.Compile("item.json")
	if err != nil {
		return nil, fmt.Errorf("compile item schema: %w", err)
	}
	return &itemValidator{schema: schema}, nil
}

func (v *itemValidator) validate(raw []byte) error {
	parsed, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("invalid JSON body")
	}
	if err := v.schema.Validate(parsed); err != nil {
		return fmt.Errorf("invalid item: %v", err)
	}
	return nil
}
