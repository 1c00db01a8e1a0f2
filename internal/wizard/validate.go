package wizard

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// validator checks captured values for one field. schema is nil when the
// field declares no type-level constraint beyond presence.
type validator struct {
	spec   FieldSpec
	schema *jsonschema.Schema
}

func compileValidators(fields []FieldSpec) (map[string]validator, error) {
	out := make(map[string]validator, len(fields))
	for _, f := range fields {
		v, err := compileValidator(f)
		if err != nil {
			return nil, err
		}
		out[f.ID] = v
	}
	return out, nil
}

func compileValidator(f FieldSpec) (validator, error) {
	fragment := make(map[string]any, len(f.Schema)+2)
	for k, v := range f.Schema {
		fragment[k] = v
	}
	if _, ok := fragment["type"]; !ok {
		switch f.Type {
		case TypeNumber:
			fragment["type"] = "number"
		case TypeList:
			fragment["type"] = "array"
			if _, ok := fragment["items"]; !ok {
				fragment["items"] = map[string]any{"type": "string"}
			}
		default:
			fragment["type"] = "string"
		}
	}
	if f.Format != "" {
		fragment["format"] = f.Format
	}

	raw, err := json.Marshal(fragment)
	if err != nil {
		return validator{}, fmt.Errorf("wizard: field %q schema: %w", f.ID, err)
	}
	url := "https://charterdesk.local/fields/" + f.ID + ".json"
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	compiler.AssertFormat = true
	if err := compiler.AddResource(url, bytes.NewReader(raw)); err != nil {
		return validator{}, fmt.Errorf("wizard: field %q add schema: %w", f.ID, err)
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		return validator{}, fmt.Errorf("wizard: field %q compile schema: %w", f.ID, err)
	}
	return validator{spec: f, schema: schema}, nil
}

// check coerces value to the field type and validates it. It returns the
// normalized value and the list of issues; no issues means valid.
func (v validator) check(value any) (any, []string) {
	value, err := coerce(v.spec.Type, value)
	if err != nil {
		return value, []string{err.Error()}
	}
	if isEmpty(value) {
		if v.spec.Required {
			return value, []string{"a value is required"}
		}
		return value, nil
	}
	if v.schema == nil {
		return value, nil
	}
	if err := v.schema.Validate(value); err != nil {
		return value, validationIssues(err)
	}
	return value, nil
}

func validationIssues(err error) []string {
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return []string{err.Error()}
	}
	var out []string
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			out = append(out, e.Message)
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(verr)
	if len(out) == 0 {
		out = append(out, verr.Message)
	}
	return out
}

// coerce turns spoken or typed text into the field's value type. Values
// that are not strings are normalized through JSON so the validator sees
// plain decoded types.
func coerce(t FieldType, value any) (any, error) {
	if s, ok := value.(string); ok {
		s = strings.TrimSpace(s)
		switch t {
		case TypeNumber:
			if s == "" {
				return "", nil
			}
			cleaned := strings.NewReplacer(",", "", "$", "", "€", "", " ", "").Replace(s)
			n, err := strconv.ParseFloat(cleaned, 64)
			if err != nil {
				return s, fmt.Errorf("%q is not a number", s)
			}
			return n, nil
		case TypeList:
			return splitList(s), nil
		default:
			return s, nil
		}
	}
	if value == nil {
		return nil, nil
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return value, fmt.Errorf("value cannot be encoded: %w", err)
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return value, fmt.Errorf("value cannot be decoded: %w", err)
	}
	return out, nil
}

func splitList(s string) []any {
	parts := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ';' || r == '\n'
	})
	out := make([]any, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func isEmpty(value any) bool {
	switch v := value.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(v) == ""
	case []any:
		return len(v) == 0
	default:
		return false
	}
}
