package app

import (
	"context"
	"io"
	"sync"
	"testing"

	"charterdesk/api/internal/agent"
	"charterdesk/api/internal/agentstream"
	"charterdesk/api/internal/config"
	"charterdesk/api/internal/export"
	"charterdesk/api/internal/gitrepo"
	"charterdesk/api/internal/store"
	"charterdesk/api/internal/wizard"
)

type fakeStore struct {
	mu       sync.Mutex
	sessions []store.SessionRecord
	closed   []string
	charters []store.Charter

	pingFn func(context.Context) error
}

func (f *fakeStore) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

func (f *fakeStore) CreateSession(_ context.Context, rec store.SessionRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions = append(f.sessions, rec)
	return nil
}

func (f *fakeStore) CloseSession(_ context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, sessionID)
	return nil
}

func (f *fakeStore) SaveCharter(_ context.Context, c store.Charter) (store.Charter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.charters = append(f.charters, c)
	return c, nil
}

func (f *fakeStore) ListCharters(_ context.Context, sessionID string) ([]store.Charter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]store.Charter, 0)
	for _, c := range f.charters {
		if c.SessionID == sessionID {
			out = append(out, c)
		}
	}
	return out, nil
}

type transportFunc func(ctx context.Context, req agentstream.Request) (io.ReadCloser, error)

func (f transportFunc) Open(ctx context.Context, req agentstream.Request) (io.ReadCloser, error) {
	return f(ctx, req)
}

func stubPDF(_ context.Context, html, title string) (*export.Result, error) {
	return &export.Result{Data: []byte(html), Filename: "charter.pdf", MimeType: "application/pdf"}, nil
}

type testOptions struct {
	store     *fakeStore
	transport agentstream.Transport
}

func newTestService(t *testing.T, opts testOptions) *Service {
	t.Helper()
	schema, err := wizard.BuiltinSchema()
	if err != nil {
		t.Fatalf("builtin schema: %v", err)
	}
	if opts.transport == nil {
		opts.transport = agent.Mock{}
	}
	deps := Deps{
		Git:        gitrepo.New(t.TempDir()),
		Transport:  opts.transport,
		Schema:     schema,
		Converters: map[export.Format]export.Converter{export.FormatPDF: stubPDF},
	}
	if opts.store != nil {
		deps.Store = opts.store
	}
	cfg := config.Config{InputPolicy: "exclusive", PatchBufferCap: 64, ExportRetries: 2}
	svc, err := New(cfg, deps)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { svc.Shutdown(context.Background()) })
	return svc
}
