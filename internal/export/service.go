package export

import (
	"context"
	"fmt"
	"log/slog"
)

// DraftSource gives the exporter read access to a session's draft.
type DraftSource interface {
	ExportDraft(ctx context.Context, sessionID string) (Draft, error)
	DraftVersion(ctx context.Context, sessionID string) (int64, error)
}

// Converter turns rendered HTML into the bytes of one output format.
type Converter func(ctx context.Context, html, title string) (*Result, error)

type Options struct {
	Retries    int
	Logger     *slog.Logger
	Converters map[Format]Converter
}

// Service provides charter export functionality
type Service struct {
	source     DraftSource
	retries    int
	logger     *slog.Logger
	converters map[Format]Converter
}

func NewService(source DraftSource, opts Options) *Service {
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	converters := map[Format]Converter{
		FormatPDF:  exportPDF,
		FormatDOCX: exportDOCX,
	}
	for f, fn := range opts.Converters {
		converters[f] = fn
	}
	return &Service{source: source, retries: opts.Retries, logger: opts.Logger, converters: converters}
}

// Export renders the current draft. The draft version is read again once
// the output is generated; if patches landed in between, the export is
// redone, up to the configured number of retries.
func (s *Service) Export(ctx context.Context, req Request) (*Result, error) {
	convert, ok := s.converters[req.Format]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, req.Format)
	}

	for attempt := 0; attempt <= s.retries; attempt++ {
		draft, err := s.source.ExportDraft(ctx, req.SessionID)
		if err != nil {
			return nil, fmt.Errorf("read draft: %w", err)
		}

		html, err := RenderCharterHTML(NewTemplateData(draft))
		if err != nil {
			return nil, fmt.Errorf("render template: %w", err)
		}

		result, err := convert(ctx, html, draft.Title)
		if err != nil {
			return nil, err
		}

		current, err := s.source.DraftVersion(ctx, req.SessionID)
		if err != nil {
			return nil, fmt.Errorf("recheck draft version: %w", err)
		}
		if current == draft.Version {
			result.Version = draft.Version
			result.Filename = fileName(draft.Title, draft.Version, req.Format)
			return result, nil
		}
		s.logger.Warn("export: draft moved during export",
			"session_id", req.SessionID, "read_version", draft.Version, "current_version", current, "attempt", attempt+1)
	}
	return nil, fmt.Errorf("%w after %d attempts", ErrDraftChanged, s.retries+1)
}
