package server

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// activitySchema constrains the shape of inbound activities before
// dispatch. Intentionally permissive beyond the fields the dispatcher
// reads: unknown activity types still pass and land in the 202 branch.
const activitySchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["type"],
  "properties": {
    "type": {"type": "string", "minLength": 1},
    "actor": {"type": "string"},
    "published": {"type": "string"},
    "quasi:taskId": {"type": "string", "pattern": "^QUASI-[0-9]+$"},
    "quasi:type": {"type": "string"},
    "quasi:commitHash": {"type": "string"},
    "quasi:prUrl": {"type": "string"}
  }
}`

var compiledActivitySchema = mustCompileActivitySchema()

func mustCompileActivitySchema() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	const url = "https://gawain.valiant-quantum.com/quasi-board/schemas/activity.schema.json"
	if err := c.AddResource(url, bytes.NewReader([]byte(activitySchema))); err != nil {
		panic(fmt.Sprintf("server: activity schema load failed: %v", err))
	}
	compiled, err := c.Compile(url)
	if err != nil {
		panic(fmt.Sprintf("server: activity schema compile failed: %v", err))
	}
	return compiled
}

// validateActivity checks body against the activity schema.
func validateActivity(body []byte) error {
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return fmt.Errorf("malformed JSON: %w", err)
	}
	if err := compiledActivitySchema.Validate(doc); err != nil {
		return fmt.Errorf("activity validation failed: %w", err)
	}
	return nil
}
