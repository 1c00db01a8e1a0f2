package export

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

type fakeSource struct {
	draft    Draft
	versions []int64
	reads    int
	checks   int
}

func (f *fakeSource) ExportDraft(_ context.Context, _ string) (Draft, error) {
	f.reads++
	d := f.draft
	d.Version = f.current()
	return d, nil
}

func (f *fakeSource) DraftVersion(_ context.Context, _ string) (int64, error) {
	f.checks++
	return f.current(), nil
}

// current walks versions one step per recheck so each recheck can observe
// a newer draft than the read before it.
func (f *fakeSource) current() int64 {
	i := f.checks
	if i >= len(f.versions) {
		i = len(f.versions) - 1
	}
	return f.versions[i]
}

func stubConverter(calls *int) Converter {
	return func(_ context.Context, html, title string) (*Result, error) {
		*calls++
		return &Result{Data: []byte(html), Filename: title, MimeType: "application/pdf"}, nil
	}
}

func charterDraft() Draft {
	return Draft{
		Title:     "Aurora Charter",
		UpdatedAt: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		Fields: map[string]any{
			"project.name":      "Aurora",
			"project.objective": "Ship the pilot",
			"scope.in":          []any{"Design", "Build"},
			"budget.amount":     1500.0,
			"notes.freeform":    "call vendor",
		},
		Locked:          map[string]bool{"project.name": true},
		MissingRequired: []string{"Sponsor"},
		Labels: []FieldLabel{
			{Path: "project.name", Label: "Project name"},
			{Path: "project.objective", Label: "Objective"},
			{Path: "scope.in", Label: "In scope"},
			{Path: "budget.amount", Label: "Budget"},
			{Path: "project.sponsor", Label: "Sponsor"},
		},
	}
}

func TestExportReturnsStableVersion(t *testing.T) {
	src := &fakeSource{draft: charterDraft(), versions: []int64{4}}
	calls := 0
	svc := NewService(src, Options{Retries: 3, Converters: map[Format]Converter{FormatPDF: stubConverter(&calls)}})

	res, err := svc.Export(context.Background(), Request{SessionID: "ses-1", Format: FormatPDF})
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	if res.Version != 4 {
		t.Fatalf("version = %d, want 4", res.Version)
	}
	if calls != 1 {
		t.Fatalf("converter calls = %d, want 1", calls)
	}
	if res.Filename != "aurora-charter-v4.pdf" {
		t.Fatalf("filename = %q", res.Filename)
	}
	if !strings.Contains(string(res.Data), "Ship the pilot") {
		t.Fatal("rendered output missing objective")
	}
}

func TestExportRetriesWhenDraftMoves(t *testing.T) {
	src := &fakeSource{draft: charterDraft(), versions: []int64{4, 5, 5}}
	calls := 0
	svc := NewService(src, Options{Retries: 3, Converters: map[Format]Converter{FormatPDF: stubConverter(&calls)}})

	res, err := svc.Export(context.Background(), Request{SessionID: "ses-1", Format: FormatPDF})
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	if res.Version != 5 {
		t.Fatalf("version = %d, want 5", res.Version)
	}
	if calls != 2 || src.reads != 2 {
		t.Fatalf("calls = %d reads = %d, want 2 and 2", calls, src.reads)
	}
}

func TestExportGivesUpWhenDraftNeverSettles(t *testing.T) {
	src := &fakeSource{draft: charterDraft(), versions: []int64{1, 2, 3, 4, 5, 6}}
	calls := 0
	svc := NewService(src, Options{Retries: 2, Converters: map[Format]Converter{FormatPDF: stubConverter(&calls)}})

	_, err := svc.Export(context.Background(), Request{SessionID: "ses-1", Format: FormatPDF})
	if !errors.Is(err, ErrDraftChanged) {
		t.Fatalf("Export() error = %v, want ErrDraftChanged", err)
	}
	if calls != 3 {
		t.Fatalf("converter calls = %d, want 3", calls)
	}
}

func TestExportRejectsUnknownFormat(t *testing.T) {
	svc := NewService(&fakeSource{versions: []int64{1}}, Options{})
	if _, err := svc.Export(context.Background(), Request{SessionID: "ses-1", Format: "odt"}); !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("Export() error = %v, want ErrUnsupportedFormat", err)
	}
	if _, err := ParseFormat("odt"); !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("ParseFormat() error = %v", err)
	}
	if f, err := ParseFormat("docx"); err != nil || f != FormatDOCX {
		t.Fatalf("ParseFormat(docx) = %q, %v", f, err)
	}
}

func TestNewTemplateDataOrdersByLabel(t *testing.T) {
	data := NewTemplateData(charterDraft())

	var names []string
	for _, s := range data.Sections {
		names = append(names, s.Name)
	}
	if strings.Join(names, ",") != "Project,Scope,Budget,Notes" {
		t.Fatalf("sections = %v", names)
	}
	project := data.Sections[0]
	if len(project.Fields) != 2 || project.Fields[0].Label != "Project name" || !project.Fields[0].Locked {
		t.Fatalf("unexpected project section: %+v", project)
	}
	scope := data.Sections[1].Fields[0]
	if len(scope.Items) != 2 || scope.Items[1] != "Build" {
		t.Fatalf("unexpected scope items: %+v", scope)
	}
	if data.Sections[2].Fields[0].Value != "1500" {
		t.Fatalf("budget value = %q", data.Sections[2].Fields[0].Value)
	}
	if data.Sections[3].Fields[0].Label != "notes.freeform" {
		t.Fatalf("unlabelled field should fall back to its path: %+v", data.Sections[3])
	}
}

func TestRenderCharterHTML(t *testing.T) {
	d := charterDraft()
	d.Fields["project.objective"] = "<script>alert(1)</script>"
	html, err := RenderCharterHTML(NewTemplateData(d))
	if err != nil {
		t.Fatalf("RenderCharterHTML() error = %v", err)
	}
	for _, want := range []string{"Aurora Charter", "Version 0", "Mar 1, 2026", "<li>Design</li>", "Still missing", "Sponsor"} {
		if !strings.Contains(html, want) {
			t.Errorf("HTML missing %q", want)
		}
	}
	if strings.Contains(html, "<script>alert") {
		t.Error("field values must be escaped")
	}
}

func TestFileName(t *testing.T) {
	tests := []struct {
		title    string
		version  int64
		format   Format
		expected string
	}{
		{"Hello World", 0, FormatPDF, "hello-world.pdf"},
		{"My Charter v1.2", 3, FormatDOCX, "my-charter-v12-v3.docx"},
		{"  Special!@#$%Chars  ", 1, FormatPDF, "specialchars-v1.pdf"},
		{"Q3 -- launch / rollout", 2, FormatPDF, "q3-launch-rollout-v2.pdf"},
		{"", 7, FormatPDF, "charter-v7.pdf"},
		{"Très été", 0, FormatPDF, "trs-t.pdf"},
		{"Very Long Title That Exceeds Fifty Characters Limit", 0, FormatPDF, "very-long-title-that-exceeds-fifty-characters-limi.pdf"},
	}

	for _, tt := range tests {
		t.Run(tt.title, func(t *testing.T) {
			if got := fileName(tt.title, tt.version, tt.format); got != tt.expected {
				t.Errorf("fileName(%q, %d) = %q, want %q", tt.title, tt.version, got, tt.expected)
			}
		})
	}
}
