package export

import (
	"bytes"
	"fmt"
	"html/template"
	"sort"
	"strconv"
	"strings"
	"time"
)

var charterTemplate = template.Must(template.New("charter").Funcs(template.FuncMap{
	"formatDate": func(t time.Time, layout string) string {
		return t.Format(layout)
	},
}).Parse(charterHTML))

// TemplateData holds data for charter template rendering
type TemplateData struct {
	Title           string
	Version         int64
	UpdatedAt       time.Time
	Sections        []TemplateSection
	MissingRequired []string
}

// TemplateSection groups fields sharing the first path segment.
type TemplateSection struct {
	Name   string
	Fields []TemplateField
}

type TemplateField struct {
	Label  string
	Path   string
	Value  string
	Items  []string
	Locked bool
}

// NewTemplateData lays the draft out in label order. Fields without a
// label follow, sorted by path.
func NewTemplateData(d Draft) TemplateData {
	data := TemplateData{
		Title:           d.Title,
		Version:         d.Version,
		UpdatedAt:       d.UpdatedAt,
		MissingRequired: d.MissingRequired,
	}
	if data.Title == "" {
		data.Title = "Project Charter"
	}

	seen := make(map[string]bool, len(d.Labels))
	ordered := make([]FieldLabel, 0, len(d.Fields))
	for _, l := range d.Labels {
		if _, ok := d.Fields[l.Path]; !ok {
			continue
		}
		seen[l.Path] = true
		ordered = append(ordered, l)
	}
	rest := make([]string, 0)
	for p := range d.Fields {
		if !seen[p] {
			rest = append(rest, p)
		}
	}
	sort.Strings(rest)
	for _, p := range rest {
		ordered = append(ordered, FieldLabel{Path: p, Label: p})
	}

	index := make(map[string]int)
	for _, l := range ordered {
		name := sectionName(l.Path)
		i, ok := index[name]
		if !ok {
			i = len(data.Sections)
			index[name] = i
			data.Sections = append(data.Sections, TemplateSection{Name: name})
		}
		field := TemplateField{Label: l.Label, Path: l.Path, Locked: d.Locked[l.Path]}
		if items, ok := listItems(d.Fields[l.Path]); ok {
			field.Items = items
		} else {
			field.Value = formatValue(d.Fields[l.Path])
		}
		data.Sections[i].Fields = append(data.Sections[i].Fields, field)
	}
	return data
}

// RenderCharterHTML renders the charter template with provided data
func RenderCharterHTML(data TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := charterTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func sectionName(path string) string {
	head, _, _ := strings.Cut(path, ".")
	if head == "" {
		return "General"
	}
	return strings.ToUpper(head[:1]) + head[1:]
}

func listItems(v any) ([]string, bool) {
	switch items := v.(type) {
	case []string:
		return items, true
	case []any:
		out := make([]string, 0, len(items))
		for _, item := range items {
			out = append(out, formatValue(item))
		}
		return out, true
	default:
		return nil, false
	}
}

func formatValue(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	default:
		return fmt.Sprint(val)
	}
}

const charterHTML = `<!DOCTYPE html>
<html>
<head>
  <meta charset="UTF-8">
  <title>{{.Title}}</title>
  <style>
    body { font-family: Arial, sans-serif; line-height: 1.6; max-width: 800px; margin: 2rem auto; }
    h1 { border-bottom: 2px solid #333; padding-bottom: 0.5rem; }
    .meta { color: #666; font-size: 0.9em; margin-bottom: 2rem; }
    dt { font-weight: bold; margin-top: 0.75rem; }
    .missing { background: #fff4e5; padding: 1rem; border-left: 3px solid #e08a00; }
  </style>
</head>
<body>
  <h1>{{.Title}}</h1>
  <div class="meta">Version {{.Version}}{{if not .UpdatedAt.IsZero}} | {{formatDate .UpdatedAt "Jan 2, 2006"}}{{end}}</div>
  {{range .Sections}}
  <h2>{{.Name}}</h2>
  <dl>
    {{range .Fields}}<dt>{{.Label}}</dt>
    <dd>{{if .Items}}<ul>{{range .Items}}<li>{{.}}</li>{{end}}</ul>{{else}}{{.Value}}{{end}}</dd>
    {{end}}
  </dl>
  {{end}}
  {{if .MissingRequired}}
  <div class="missing">
    <strong>Still missing:</strong>
    <ul>{{range .MissingRequired}}<li>{{.}}</li>{{end}}</ul>
  </div>
  {{end}}
</body>
</html>`
