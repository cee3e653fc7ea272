package validation

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/weftwork/weft/pkg/schema"
)

// Per-node-type parameter schemas, JSON Schema Draft 2020-12. Embedded as
// constants to avoid filesystem dependencies. Types absent from this map
// accept any parameters.
var parameterSchemas = map[string]string{
	schema.NodeTypeManualTrigger: `{
	  "type": "object",
	  "properties": { "testPayload": {} },
	  "additionalProperties": false
	}`,
	schema.NodeTypeHTTPRequest: `{
	  "type": "object",
	  "required": ["url"],
	  "properties": {
	    "method": { "type": "string", "enum": ["GET", "POST", "PUT", "PATCH", "DELETE", "HEAD"] },
	    "url": { "type": "string", "minLength": 1 },
	    "headers": { "type": "object", "additionalProperties": { "type": "string" } },
	    "body": {}
	  },
	  "additionalProperties": false
	}`,
	schema.NodeTypeTransformJS: `{
	  "type": "object",
	  "required": ["code"],
	  "properties": { "code": { "type": "string", "minLength": 1 } },
	  "additionalProperties": false
	}`,
	schema.NodeTypeJQTransform: `{
	  "type": "object",
	  "required": ["expression"],
	  "properties": { "expression": { "type": "string", "minLength": 1 } },
	  "additionalProperties": false
	}`,
	schema.NodeTypeSetFields: `{
	  "type": "object",
	  "required": ["fields"],
	  "properties": {
	    "fields": {
	      "type": "array",
	      "minItems": 1,
	      "items": {
	        "type": "object",
	        "required": ["name"],
	        "properties": {
	          "name": { "type": "string", "minLength": 1 },
	          "value": {},
	          "operation": { "type": "string", "enum": ["set", "remove"] }
	        },
	        "additionalProperties": false
	      }
	    }
	  },
	  "additionalProperties": false
	}`,
	schema.NodeTypeIf: `{
	  "type": "object",
	  "required": ["condition"],
	  "properties": { "condition": { "type": "string", "minLength": 1 } },
	  "additionalProperties": false
	}`,
	schema.NodeTypeSwitch: `{
	  "type": "object",
	  "required": ["branches"],
	  "properties": {
	    "branches": {
	      "type": "array",
	      "minItems": 1,
	      "items": {
	        "type": "object",
	        "required": ["port", "expression"],
	        "properties": {
	          "port": { "type": "string", "minLength": 1 },
	          "expression": { "type": "string", "minLength": 1 }
	        },
	        "additionalProperties": false
	      }
	    }
	  },
	  "additionalProperties": false
	}`,
	schema.NodeTypeWait: `{
	  "type": "object",
	  "required": ["duration"],
	  "properties": { "duration": { "type": "string", "pattern": "^[0-9]+(ns|us|µs|ms|s|m|h)$" } },
	  "additionalProperties": false
	}`,
	schema.NodeTypeScheduleTrigger: `{
	  "type": "object",
	  "required": ["cron"],
	  "properties": { "cron": { "type": "string", "minLength": 9 } },
	  "additionalProperties": false
	}`,
	schema.NodeTypeLLMCall: `{
	  "type": "object",
	  "properties": {
	    "provider": { "type": "string" },
	    "model": { "type": "string" },
	    "prompt": { "type": "string" }
	  },
	  "additionalProperties": false
	}`,
	schema.NodeTypeSendMessage: `{
	  "type": "object",
	  "required": ["to"],
	  "properties": {
	    "channel": { "type": "string", "enum": ["gmail", "outlook", "whatsapp", "telegram"] },
	    "to": { "type": "string", "minLength": 1 },
	    "subject": { "type": "string" },
	    "body": { "type": "string" }
	  },
	  "additionalProperties": false
	}`,
}

// ParameterValidator checks node parameters against the per-type schemas.
// Safe for concurrent use; schemas are compiled lazily and cached.
type ParameterValidator struct {
	mu       sync.Mutex
	compiler *jsonschema.Compiler
	cache    map[string]*jsonschema.Schema
}

// NewParameterValidator creates a validator with an empty compile cache.
func NewParameterValidator() *ParameterValidator {
	return &ParameterValidator{
		compiler: jsonschema.NewCompiler(),
		cache:    make(map[string]*jsonschema.Schema),
	}
}

// ValidateParameters validates a node's parameters against its type schema.
// Satisfies plan.ParamValidator. Violations are GRAPH_BAD_PARAMETERS.
func (v *ParameterValidator) ValidateParameters(node *schema.Node) error {
	src, ok := parameterSchemas[node.Type]
	if !ok {
		return nil
	}

	compiled, err := v.getOrCompile(node.Type, src)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "compile parameter schema for %s: %s", node.Type, err.Error()).WithCause(err)
	}

	raw := node.Parameters
	if len(raw) == 0 {
		raw = []byte(`{}`)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeGraphBadParams, "node %s parameters are not valid JSON: %s", node.ID, err.Error()).WithNode(node.ID)
	}

	if err := compiled.Validate(doc); err != nil {
		return schema.NewErrorf(schema.ErrCodeGraphBadParams,
			"node %s (%s): %s", node.ID, node.Type, flattenSchemaError(err)).WithNode(node.ID).WithCause(err)
	}
	return nil
}

func (v *ParameterValidator) getOrCompile(nodeType, src string) (*jsonschema.Schema, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if s, ok := v.cache[nodeType]; ok {
		return s, nil
	}

	url := fmt.Sprintf("weft:///schemas/%s.json", nodeType)
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
	if err != nil {
		return nil, err
	}
	if err := v.compiler.AddResource(url, doc); err != nil {
		return nil, err
	}
	s, err := v.compiler.Compile(url)
	if err != nil {
		return nil, err
	}
	v.cache[nodeType] = s
	return s, nil
}

// flattenSchemaError reduces a jsonschema validation error to one line.
func flattenSchemaError(err error) string {
	var ve *jsonschema.ValidationError
	if errors.As(err, &ve) {
		for len(ve.Causes) > 0 {
			ve = ve.Causes[0]
		}
		return ve.Error()
	}
	return err.Error()
}
