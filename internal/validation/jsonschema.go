package validation

import (
	"encoding/json"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/luthier-ai/maestro/pkg/schema"
)

// workflowSchemaJSON is the JSON Schema for workflow definition shape
// validation. Embedded as a constant to avoid filesystem dependencies.
// Cross-field rules (which fields a step type requires, wait_for bounds)
// live in workflow.go; this schema only pins types and enums.
const workflowSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://maestro.luthier.ai/schemas/workflow.json",
  "type": "object",
  "required": ["name", "steps"],
  "properties": {
    "id": { "type": "string" },
    "tenant_id": { "type": "string" },
    "name": { "type": "string", "minLength": 1 },
    "slug": { "type": "string" },
    "version": { "type": "integer", "minimum": 0 },
    "description": { "type": "string" },
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/step" }
    },
    "triggers": { "type": "array" },
    "retry": { "$ref": "#/$defs/retry" },
    "timeout": { "$ref": "#/$defs/duration" },
    "status": { "type": "string", "enum": ["draft", "active", "archived"] },
    "tags": { "type": "array", "items": { "type": "string" } },
    "category": { "type": "string" },
    "metadata": { "type": "object" },
    "created_at": {},
    "updated_at": {}
  },
  "additionalProperties": false,
  "$defs": {
    "duration": {
      "type": "string",
      "pattern": "^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$"
    },
    "step": {
      "type": "object",
      "required": ["name", "type"],
      "properties": {
        "name": { "type": "string", "minLength": 1 },
        "type": {
          "type": "string",
          "enum": ["agent", "mcp_tool", "http", "parallel", "conditional"]
        },
        "agent_id": { "type": "string" },
        "output_mapping": {
          "type": "object",
          "additionalProperties": { "type": "string" }
        },
        "server_id": { "type": "string" },
        "tool_name": { "type": "string" },
        "input": { "type": "object" },
        "method": { "type": "string" },
        "url": { "type": "string" },
        "headers": {
          "type": "object",
          "additionalProperties": { "type": "string" }
        },
        "body": { "type": "object" },
        "steps": {
          "type": "array",
          "items": { "$ref": "#/$defs/step" }
        },
        "wait_for": { "type": "string" },
        "tolerant": { "type": "boolean" },
        "max_concurrent": { "type": "integer", "minimum": 0 },
        "sibling_policy": { "type": "string", "enum": ["continue", "cancel"] },
        "condition": { "type": "string" },
        "condition_engine": { "type": "string", "enum": ["native", "cel", "expr"] },
        "if_true": { "$ref": "#/$defs/step" },
        "if_false": { "$ref": "#/$defs/step" },
        "retry": { "$ref": "#/$defs/retry" },
        "timeout": { "$ref": "#/$defs/duration" }
      },
      "additionalProperties": false
    },
    "retry": {
      "type": "object",
      "required": ["max_retries"],
      "properties": {
        "max_retries": { "type": "integer", "minimum": 0 },
        "strategy": {
          "type": "string",
          "enum": ["none", "linear", "exponential"]
        },
        "base_delay": { "$ref": "#/$defs/duration" },
        "max_delay": { "$ref": "#/$defs/duration" },
        "retry_on_timeout": { "type": "boolean" }
      },
      "additionalProperties": false
    }
  }
}`

var (
	compileOnce    sync.Once
	workflowSchema *jsonschema.Schema
	compileErr     error
)

func compiledSchema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		c := jsonschema.NewCompiler()
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(workflowSchemaJSON))
		if err != nil {
			compileErr = err
			return
		}
		if err := c.AddResource("https://maestro.luthier.ai/schemas/workflow.json", doc); err != nil {
			compileErr = err
			return
		}
		workflowSchema, compileErr = c.Compile("https://maestro.luthier.ai/schemas/workflow.json")
	})
	return workflowSchema, compileErr
}

// validateShape validates the workflow against the JSON Schema and
// converts violations to validation issues.
func validateShape(wf *schema.Workflow) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	compiled, err := compiledSchema()
	if err != nil {
		result.AddError("", CodeInvalidField, "workflow schema failed to compile: "+err.Error())
		return result
	}

	doc, err := toJSONValue(wf)
	if err != nil {
		result.AddError("", CodeInvalidField, "workflow definition is not serializable: "+err.Error())
		return result
	}

	if err := compiled.Validate(doc); err != nil {
		if verr, ok := err.(*jsonschema.ValidationError); ok {
			for _, violation := range collectViolations(verr) {
				result.AddError(violation.path, CodeInvalidField, violation.message)
			}
		} else {
			result.AddError("", CodeInvalidField, err.Error())
		}
	}
	return result
}

// toJSONValue round-trips a Go value through JSON encoding so numeric
// values become json.Number, as the jsonschema library requires.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

type violation struct {
	path    string
	message string
}

// collectViolations walks a ValidationError tree and collects leaf
// messages with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []violation {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []violation{{path: loc, message: verr.Error()}}
	}

	var out []violation
	for _, cause := range verr.Causes {
		out = append(out, collectViolations(cause)...)
	}
	return out
}
