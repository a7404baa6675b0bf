package api

import (
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

// querySchema validates the wire shape of a query request before it is
// bound; semantic bounds (top_k ceilings and the like) stay with the
// orchestrator.
const querySchema = `{
  "type": "object",
  "required": ["user_id", "query"],
  "properties": {
    "user_id": {"type": "string", "minLength": 1, "maxLength": 128},
    "query": {"type": "string", "minLength": 1},
    "params": {
      "type": "object",
      "properties": {
        "top_k": {"type": "integer", "minimum": 0},
        "max_tokens": {"type": "integer", "minimum": 0}
      },
      "additionalProperties": false
    }
  },
  "additionalProperties": false
}`

// documentChangedSchema validates the collaborator's change notification
const documentChangedSchema = `{
  "type": "object",
  "required": ["user_id"],
  "properties": {
    "user_id": {"type": "string", "minLength": 1, "maxLength": 128}
  },
  "additionalProperties": false
}`

type requestValidator struct {
	query    *gojsonschema.Schema
	document *gojsonschema.Schema
}

func newRequestValidator() (*requestValidator, error) {
	query, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(querySchema))
	if err != nil {
		return nil, fmt.Errorf("failed to compile query schema: %w", err)
	}
	document, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(documentChangedSchema))
	if err != nil {
		return nil, fmt.Errorf("failed to compile document schema: %w", err)
	}
	return &requestValidator{query: query, document: document}, nil
}

func validateAgainst(schema *gojsonschema.Schema, body []byte) error {
	result, err := schema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if !result.Valid() {
		errs := result.Errors()
		if len(errs) > 0 {
			return fmt.Errorf("%s", errs[0].String())
		}
		return fmt.Errorf("request failed schema validation")
	}
	return nil
}
