package extract

import (
	"bytes"
	"encoding/json"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/docpipe/docpipe/internal/common"
)

// BuildFieldsSchema returns a JSON-Schema (draft 2020-12 subset) for an
// extraction payload: an object whose only allowed properties are the
// task's keywords, each a string. Keys the model could not find may be
// absent, so nothing is required.
func BuildFieldsSchema(keys []string) map[string]any {
	props := map[string]any{}
	for _, k := range keys {
		props[k] = map[string]any{"type": "string"}
	}
	return map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties":           props,
	}
}

// ValidateFields checks a raw extraction payload against the
// keyword-derived schema before it is persisted. A payload that fails
// here is treated as a collaborator failure for that file.
func ValidateFields(keys []string, raw json.RawMessage) error {
	schemaJSON, err := json.Marshal(BuildFieldsSchema(keys))
	if err != nil {
		return common.WrapError(err, "encode fields schema")
	}
	schema, err := jsonschema.CompileString("fields.schema.json", string(schemaJSON))
	if err != nil {
		return common.WrapError(err, "compile fields schema")
	}

	var doc any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return common.NewAppError("EXTRACTION_INVALID", "extraction payload is not valid JSON", common.ErrCollaborator)
	}
	if err := schema.Validate(doc); err != nil {
		return common.NewAppError("EXTRACTION_INVALID", err.Error(), common.ErrCollaborator)
	}
	return nil
}
