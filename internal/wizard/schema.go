package wizard

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"charterdesk/api/internal/model"
)

//go:embed charter.yaml
var builtinSchema []byte

type FieldType string

const (
	TypeText   FieldType = "text"
	TypeNumber FieldType = "number"
	TypeList   FieldType = "list"
)

// FieldSpec declares one wizard field. Schema is an optional JSON Schema
// fragment the captured value must satisfy.
type FieldSpec struct {
	ID       string         `yaml:"id" json:"id"`
	Path     string         `yaml:"path" json:"path"`
	Label    string         `yaml:"label" json:"label"`
	Prompt   string         `yaml:"prompt" json:"prompt,omitempty"`
	Required bool           `yaml:"required" json:"required"`
	Type     FieldType      `yaml:"type" json:"type"`
	Format   string         `yaml:"format" json:"format,omitempty"`
	Schema   map[string]any `yaml:"schema" json:"schema,omitempty"`
}

type Schema struct {
	Title  string      `yaml:"title" json:"title"`
	Fields []FieldSpec `yaml:"fields" json:"fields"`
}

// BuiltinSchema returns the embedded charter template.
func BuiltinSchema() (Schema, error) {
	return ParseSchema(builtinSchema)
}

// LoadSchema reads a schema file; an empty path yields the built-in one.
func LoadSchema(path string) (Schema, error) {
	if strings.TrimSpace(path) == "" {
		return BuiltinSchema()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Schema{}, fmt.Errorf("wizard: read schema %s: %w", path, err)
	}
	s, err := ParseSchema(data)
	if err != nil {
		return Schema{}, fmt.Errorf("wizard: %s: %w", path, err)
	}
	return s, nil
}

func ParseSchema(data []byte) (Schema, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return Schema{}, fmt.Errorf("wizard: schema payload is empty")
	}
	var s Schema
	if err := yaml.Unmarshal(data, &s); err != nil {
		return Schema{}, fmt.Errorf("wizard: decode schema: %w", err)
	}
	return s.normalized()
}

func (s Schema) normalized() (Schema, error) {
	if len(s.Fields) == 0 {
		return Schema{}, fmt.Errorf("wizard: schema declares no fields")
	}
	seenID := make(map[string]bool, len(s.Fields))
	seenPath := make(map[string]bool, len(s.Fields))
	out := s
	out.Fields = make([]FieldSpec, 0, len(s.Fields))
	for i, f := range s.Fields {
		f.ID = strings.TrimSpace(f.ID)
		if f.ID == "" {
			return Schema{}, fmt.Errorf("wizard: field %d has no id", i)
		}
		if seenID[f.ID] {
			return Schema{}, fmt.Errorf("wizard: duplicate field id %q", f.ID)
		}
		seenID[f.ID] = true
		if f.Path == "" {
			f.Path = f.ID
		}
		f.Path = model.NormalizePath(f.Path)
		if seenPath[f.Path] {
			return Schema{}, fmt.Errorf("wizard: duplicate field path %q", f.Path)
		}
		seenPath[f.Path] = true
		if f.Label == "" {
			f.Label = f.ID
		}
		switch f.Type {
		case "":
			f.Type = TypeText
		case TypeText, TypeNumber, TypeList:
		default:
			return Schema{}, fmt.Errorf("wizard: field %q has unknown type %q", f.ID, f.Type)
		}
		out.Fields = append(out.Fields, f)
	}
	return out, nil
}
