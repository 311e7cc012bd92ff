package carapace

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
	schemakind "github.com/santhosh-tekuri/jsonschema/v6/kind"
)

// Complexity budget for tool argument schemas. Schemas exceeding the
// budget are rejected at registration time.
const (
	maxSchemaDepth      = 10
	maxSchemaProperties = 128
)

// nestedQuantifierRE flags regex patterns with a quantified group that
// itself contains a quantifier, the classic catastrophic-backtracking
// shape.
var nestedQuantifierRE = regexp.MustCompile(`\([^)]*[+*{][^)]*\)[+*{]`)

// rejectUnsafePattern rejects patterns that admit catastrophic
// backtracking. Shared with the sanitiser's configurable pattern list.
func rejectUnsafePattern(pattern string) error {
	if len(pattern) > 256 {
		return fmt.Errorf("pattern longer than 256 chars")
	}
	if nestedQuantifierRE.MatchString(pattern) {
		return fmt.Errorf("pattern %q has nested quantifiers", pattern)
	}
	return nil
}

// CheckSchemaBudget enforces the restricted JSON-Schema subset on a raw
// tool argument schema: object root, additionalProperties:false on
// every object level, no $ref, bounded depth and summed property count,
// and no backtracking-prone patterns.
func CheckSchemaBudget(raw json.RawMessage) error {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("schema not valid JSON: %w", err)
	}
	root, ok := doc.(map[string]any)
	if !ok {
		return fmt.Errorf("schema must be an object")
	}
	if t, _ := root["type"].(string); t != "object" {
		return fmt.Errorf(`schema root must have type "object"`)
	}

	props := 0
	return walkSchema(root, 1, &props)
}

func walkSchema(node map[string]any, depth int, props *int) error {
	if depth > maxSchemaDepth {
		return fmt.Errorf("schema deeper than %d levels", maxSchemaDepth)
	}
	if _, ok := node["$ref"]; ok {
		return fmt.Errorf("$ref not allowed")
	}
	if p, ok := node["pattern"].(string); ok {
		if err := rejectUnsafePattern(p); err != nil {
			return err
		}
	}

	// A node declaring properties or required is an object schema even
	// when it omits type; the budget must not be evadable that way.
	t, _ := node["type"].(string)
	_, hasProps := node["properties"]
	_, hasRequired := node["required"]
	if t == "object" || hasProps || hasRequired {
		ap, present := node["additionalProperties"]
		if !present {
			return fmt.Errorf("object schemas must set additionalProperties:false")
		}
		if allowed, ok := ap.(bool); !ok || allowed {
			return fmt.Errorf("additionalProperties must be false")
		}
		if rawProps, ok := node["properties"].(map[string]any); ok {
			*props += len(rawProps)
			if *props > maxSchemaProperties {
				return fmt.Errorf("schema exceeds %d total properties", maxSchemaProperties)
			}
			for name, sub := range rawProps {
				subNode, ok := sub.(map[string]any)
				if !ok {
					return fmt.Errorf("property %q schema must be an object", name)
				}
				if err := walkSchema(subNode, depth+1, props); err != nil {
					return err
				}
			}
		}
	}

	if items, ok := node["items"].(map[string]any); ok {
		if err := walkSchema(items, depth+1, props); err != nil {
			return err
		}
	}
	return nil
}

// CompileSchema compiles a budget-checked argument schema for
// validation.
func CompileSchema(raw json.RawMessage) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}

// ValidateArguments checks args against a compiled schema. On failure
// it returns a VALIDATION_FAILED payload (stage 3) whose Field is the
// dotted path to the offending property.
func ValidateArguments(schema *jsonschema.Schema, args json.RawMessage) *ErrorPayload {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(args))
	if err != nil {
		p := NewError(CodeValidationFailed, 3, "arguments not valid JSON: "+err.Error())
		p.Field = "arguments"
		return p
	}
	err = schema.Validate(inst)
	if err == nil {
		return nil
	}
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return NewError(CodeValidationFailed, 3, err.Error())
	}
	leaf := leafCause(ve)
	p := NewError(CodeValidationFailed, 3, leaf.Error())
	p.Field = fieldPath(leaf)
	return p
}

// leafCause descends to the deepest single cause of a validation error.
func leafCause(ve *jsonschema.ValidationError) *jsonschema.ValidationError {
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}
	return ve
}

// fieldPath renders a dotted JSON path for the failing property. For
// missing-required and extra-property failures the property name comes
// from the error kind rather than the instance location.
func fieldPath(ve *jsonschema.ValidationError) string {
	path := strings.Join(ve.InstanceLocation, ".")
	switch k := ve.ErrorKind.(type) {
	case *schemakind.Required:
		if len(k.Missing) > 0 {
			return joinPath(path, k.Missing[0])
		}
	case *schemakind.AdditionalProperties:
		if len(k.Properties) > 0 {
			return joinPath(path, k.Properties[0])
		}
	}
	if path == "" {
		return "arguments"
	}
	return path
}

func joinPath(base, leaf string) string {
	if base == "" {
		return leaf
	}
	return base + "." + leaf
}
