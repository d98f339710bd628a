package rules

import (
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const schemaURL = "https://anomalies.local/schemas/decision-tree.schema.json"

// documentSchema only checks shapes and types. Semantic checks (catalogue
// ids, admissible values, action/children exclusivity) belong to Validate so
// that they come with precise diagnostics.
const documentSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["tree"],
  "properties": {
    "version": {"type": "string"},
    "date": {"type": "string"},
    "config": {"$ref": "#/$defs/config"},
    "tree": {"$ref": "#/$defs/node"}
  },
  "$defs": {
    "config": {
      "type": ["object", "null"],
      "properties": {
        "late_margin": {"type": "integer"},
        "early_departure_margin": {"type": "integer"},
        "frequency_tolerance": {"type": "integer"},
        "ambiguous_margin": {"type": "integer"}
      }
    },
    "node": {
      "type": "object",
      "properties": {
        "condition_id": {"type": "string"},
        "condition": {"type": "string"},
        "description": {"type": "string"},
        "branches": {
          "type": ["array", "null"],
          "items": {"$ref": "#/$defs/branch"}
        }
      }
    },
    "branch": {
      "type": "object",
      "properties": {
        "value": {"type": "string"},
        "action_id": {"type": "string"},
        "action": {"type": "string"},
        "action_description": {"type": "string"},
        "children": {"$ref": "#/$defs/node"}
      }
    }
  }
}`

var (
	schemaOnce sync.Once
	docSchema  *jsonschema.Schema
	nodeSchema *jsonschema.Schema
	schemaErr  error
)

func compiledSchemas() (*jsonschema.Schema, *jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		if err := c.AddResource(schemaURL, strings.NewReader(documentSchema)); err != nil {
			schemaErr = fmt.Errorf("decision tree schema load failed: %w", err)
			return
		}
		if docSchema, schemaErr = c.Compile(schemaURL); schemaErr != nil {
			return
		}
		nodeSchema, schemaErr = c.Compile(schemaURL + "#/$defs/node")
	})
	return docSchema, nodeSchema, schemaErr
}
