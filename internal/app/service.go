package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"charterdesk/api/internal/agentstream"
	"charterdesk/api/internal/config"
	"charterdesk/api/internal/engine"
	"charterdesk/api/internal/export"
	"charterdesk/api/internal/gateway"
	"charterdesk/api/internal/gitrepo"
	"charterdesk/api/internal/model"
	"charterdesk/api/internal/store"
	"charterdesk/api/internal/syncstate"
	"charterdesk/api/internal/turn"
	"charterdesk/api/internal/wizard"
)

type dataStore interface {
	Ping(ctx context.Context) error
	CreateSession(ctx context.Context, rec store.SessionRecord) error
	CloseSession(ctx context.Context, sessionID string) error
	SaveCharter(ctx context.Context, c store.Charter) (store.Charter, error)
	ListCharters(ctx context.Context, sessionID string) ([]store.Charter, error)
}

type gitService interface {
	EnsureRepo(sessionID, author string) error
	CommitSnapshot(sessionID string, snap gitrepo.Snapshot, author, message string) (gitrepo.CommitInfo, error)
	History(sessionID string, limit int) ([]gitrepo.CommitInfo, error)
	SnapshotAt(sessionID, rev string) (gitrepo.Snapshot, error)
}

type previewStore interface {
	engine.PreviewSink
	Ping(ctx context.Context) error
}

// Deps wires the service. Store and Preview are optional; Git and
// Transport are required.
type Deps struct {
	Store     dataStore
	Git       gitService
	Preview   previewStore
	Transport agentstream.Transport
	Schema    wizard.Schema
	Logger    *slog.Logger
	// Converters overrides export converters, e.g. in tests.
	Converters map[export.Format]export.Converter
}

type Service struct {
	cfg      config.Config
	store    dataStore
	git      gitService
	preview  previewStore
	sessions *engine.Registry
	exporter *export.Service
	logger   *slog.Logger
}

func New(cfg config.Config, deps Deps) (*Service, error) {
	if deps.Git == nil {
		return nil, fmt.Errorf("app: git service is required")
	}
	if deps.Transport == nil {
		return nil, fmt.Errorf("app: agent transport is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	policy := model.PolicyExclusive
	if cfg.InputPolicy != "" {
		parsed, err := model.ParsePolicy(cfg.InputPolicy)
		if err != nil {
			return nil, err
		}
		policy = parsed
	}

	engineDeps := engine.Deps{
		Schema:    deps.Schema,
		Transport: deps.Transport,
		History:   deps.Git,
		Logger:    deps.Logger,
	}
	if deps.Store != nil {
		engineDeps.Charters = deps.Store
	}
	if deps.Preview != nil {
		engineDeps.Preview = deps.Preview
	}
	sessions := engine.NewRegistry(engineDeps, engine.Options{
		Policy:       policy,
		MaxBuffered:  cfg.PatchBufferCap,
		StallTimeout: cfg.StallTimeout,
	})

	return &Service{
		cfg:      cfg,
		store:    deps.Store,
		git:      deps.Git,
		preview:  deps.Preview,
		sessions: sessions,
		exporter: export.NewService(sessions, export.Options{Retries: cfg.ExportRetries, Logger: deps.Logger, Converters: deps.Converters}),
		logger:   deps.Logger,
	}, nil
}

// Readiness pings every configured backend. Unconfigured ones report
// "disabled" and do not affect readiness.
func (s *Service) Readiness(ctx context.Context) (bool, map[string]any) {
	ready := true
	checks := map[string]any{}
	check := func(name string, enabled bool, ping func(context.Context) error) {
		if !enabled {
			checks[name] = map[string]any{"status": "disabled"}
			return
		}
		if err := ping(ctx); err != nil {
			ready = false
			checks[name] = map[string]any{"status": "error", "error": err.Error()}
			return
		}
		checks[name] = map[string]any{"status": "ok"}
	}
	check("database", s.store != nil, func(ctx context.Context) error { return s.store.Ping(ctx) })
	check("redis", s.preview != nil, func(ctx context.Context) error { return s.preview.Ping(ctx) })
	return ready, checks
}

// SessionView is the JSON shape of one session.
type SessionView struct {
	ID           string              `json:"id"`
	Title        string              `json:"title"`
	Policy       model.Policy        `json:"policy"`
	CreatedAt    time.Time           `json:"createdAt"`
	Draft        model.DraftDocument `json:"draft"`
	Locks        map[string]bool     `json:"locks"`
	ActiveTurnID string              `json:"activeTurnId,omitempty"`
	Layer        model.Layer         `json:"layer"`
	Input        gateway.State       `json:"input"`
	Wizard       wizard.State        `json:"wizard"`
}

func viewOf(sess *engine.Session) SessionView {
	snap := sess.Container().Snapshot()
	return SessionView{
		ID:           sess.ID,
		Title:        sess.Title,
		Policy:       sess.Container().Policy(),
		CreatedAt:    sess.CreatedAt,
		Draft:        snap.Draft,
		Locks:        snap.Locks,
		ActiveTurnID: snap.ActiveTurnID,
		Layer:        snap.Layer,
		Input:        sess.Gateway().State(),
		Wizard:       sess.Wizard().State(),
	}
}

func (s *Service) CreateSession(ctx context.Context, title, policy, author string) (SessionView, error) {
	var p model.Policy
	if strings.TrimSpace(policy) != "" {
		parsed, err := model.ParsePolicy(policy)
		if err != nil {
			return SessionView{}, validationError(err.Error(), nil)
		}
		p = parsed
	}
	sess, err := s.sessions.Create(strings.TrimSpace(title), p)
	if err != nil {
		return SessionView{}, err
	}
	if err := s.git.EnsureRepo(sess.ID, author); err != nil {
		_ = s.sessions.Close(ctx, sess.ID)
		return SessionView{}, fmt.Errorf("create charter history: %w", err)
	}
	if s.store != nil {
		rec := store.SessionRecord{ID: sess.ID, Title: sess.Title, InputPolicy: string(sess.Container().Policy())}
		if err := s.store.CreateSession(ctx, rec); err != nil {
			_ = s.sessions.Close(ctx, sess.ID)
			return SessionView{}, err
		}
	}
	return viewOf(sess), nil
}

func (s *Service) ListSessions() []SessionView {
	sessions := s.sessions.List()
	out := make([]SessionView, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, viewOf(sess))
	}
	return out
}

func (s *Service) GetSession(id string) (SessionView, error) {
	sess, err := s.sessions.Get(id)
	if err != nil {
		return SessionView{}, err
	}
	return viewOf(sess), nil
}

func (s *Service) CloseSession(ctx context.Context, id string) error {
	if err := s.sessions.Close(ctx, id); err != nil {
		return err
	}
	if s.store != nil {
		if err := s.store.CloseSession(ctx, id); err != nil {
			s.logger.Warn("app: mark session closed failed", "session_id", id, "error", err)
		}
	}
	return nil
}

// ResetSession clears the draft, turns, locks and wizard progress.
func (s *Service) ResetSession(id string) (SessionView, error) {
	sess, err := s.sessions.Get(id)
	if err != nil {
		return SessionView{}, err
	}
	sess.Reset()
	return viewOf(sess), nil
}

func (s *Service) Draft(id string) (syncstate.Snapshot, error) {
	sess, err := s.sessions.Get(id)
	if err != nil {
		return syncstate.Snapshot{}, err
	}
	return sess.Container().Snapshot(), nil
}

// SubscribeDraft streams draft snapshots, latest wins. Call stop when done.
func (s *Service) SubscribeDraft(id string) (<-chan syncstate.Snapshot, func(), error) {
	sess, err := s.sessions.Get(id)
	if err != nil {
		return nil, nil, err
	}
	ch, stop := sess.Container().Subscribe()
	return ch, stop, nil
}

func (s *Service) Oplog(id string) ([]model.OpRecord, error) {
	sess, err := s.sessions.Get(id)
	if err != nil {
		return nil, err
	}
	return sess.Container().Oplog(), nil
}

// TurnsView lists turns with their reorder queues and pump diagnostics.
type TurnsView struct {
	Turns        []model.AgentTurn               `json:"turns"`
	ActiveTurnID string                          `json:"activeTurnId,omitempty"`
	PendingTurn  string                          `json:"pendingTurn,omitempty"`
	Queues       map[string]syncstate.PatchQueue `json:"queues"`
	Diagnostics  []turn.Diagnostic               `json:"diagnostics"`
}

func (s *Service) Turns(id string) (TurnsView, error) {
	sess, err := s.sessions.Get(id)
	if err != nil {
		return TurnsView{}, err
	}
	c := sess.Container()
	diags := sess.Turns().Diagnostics()
	if diags == nil {
		diags = []turn.Diagnostic{}
	}
	return TurnsView{
		Turns:        c.Turns(),
		ActiveTurnID: c.ActiveTurnID(),
		PendingTurn:  c.PendingTurn(),
		Queues:       c.PatchQueues(),
		Diagnostics:  diags,
	}, nil
}

// HistoryView pairs the git revisions with the persisted charters.
type HistoryView struct {
	Commits  []gitrepo.CommitInfo `json:"commits"`
	Charters []store.Charter      `json:"charters,omitempty"`
}

func (s *Service) History(ctx context.Context, id string, limit int) (HistoryView, error) {
	sess, err := s.sessions.Get(id)
	if err != nil {
		return HistoryView{}, err
	}
	commits, err := sess.History(limit)
	if err != nil {
		return HistoryView{}, err
	}
	view := HistoryView{Commits: commits}
	if s.store != nil {
		charters, err := s.store.ListCharters(ctx, id)
		if err != nil {
			return HistoryView{}, err
		}
		view.Charters = charters
	}
	return view, nil
}

// Revision reads the charter recorded at a commit hash or version tag.
func (s *Service) Revision(id, rev string) (gitrepo.Snapshot, error) {
	if _, err := s.sessions.Get(id); err != nil {
		return gitrepo.Snapshot{}, err
	}
	return s.git.SnapshotAt(id, rev)
}

func (s *Service) Typing(id, text string) (gateway.State, error) {
	sess, err := s.sessions.Get(id)
	if err != nil {
		return gateway.State{}, err
	}
	sess.Gateway().OnTypingChange(text)
	return sess.Gateway().State(), nil
}

func (s *Service) Focus(id string, focused bool) (gateway.State, error) {
	sess, err := s.sessions.Get(id)
	if err != nil {
		return gateway.State{}, err
	}
	if focused {
		return sess.Gateway().FocusTyping(), nil
	}
	return sess.Gateway().BlurTyping(), nil
}

func (s *Service) Submit(id, channel, text string) (engine.InputResult, error) {
	sess, err := s.sessions.Get(id)
	if err != nil {
		return engine.InputResult{}, err
	}
	ch := model.ChannelTyping
	if channel != "" {
		parsed, err := model.ParseChannel(channel)
		if err != nil {
			return engine.InputResult{}, validationError(err.Error(), nil)
		}
		ch = parsed
	}
	return sess.Submit(ch, text)
}

func (s *Service) VoiceTranscript(id, text string, final bool) (*engine.InputResult, error) {
	sess, err := s.sessions.Get(id)
	if err != nil {
		return nil, err
	}
	return sess.VoiceTranscript(text, final)
}

func (s *Service) SetVoiceStatus(id, status string) (gateway.State, error) {
	sess, err := s.sessions.Get(id)
	if err != nil {
		return gateway.State{}, err
	}
	parsed, err := gateway.ParseVoiceStatus(status)
	if err != nil {
		return gateway.State{}, validationError(err.Error(), nil)
	}
	return sess.Gateway().SetVoiceStatus(parsed), nil
}

// StartTurn opens an agent turn. With wait set the call returns once the
// turn has ended.
func (s *Service) StartTurn(ctx context.Context, id, prompt string, wait bool) (map[string]any, error) {
	sess, err := s.sessions.Get(id)
	if err != nil {
		return nil, err
	}
	run, err := sess.StartTurn(ctx, prompt)
	if err != nil {
		return nil, err
	}
	if !wait {
		return map[string]any{"runId": run.ID, "status": turn.StatusRunning}, nil
	}
	select {
	case <-run.Done():
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return resultPayload(run.ID, run.Wait()), nil
}

func (s *Service) IngestTurn(ctx context.Context, id string, body io.ReadCloser) (map[string]any, error) {
	sess, err := s.sessions.Get(id)
	if err != nil {
		return nil, err
	}
	return resultPayload("", sess.IngestTurn(ctx, body)), nil
}

func resultPayload(runID string, res turn.Result) map[string]any {
	payload := map[string]any{"status": res.Status, "result": res}
	if runID != "" {
		payload["runId"] = runID
	}
	if res.Err != nil {
		payload["error"] = res.Err.Error()
	}
	return payload
}

func (s *Service) CancelTurn(id string) (bool, error) {
	sess, err := s.sessions.Get(id)
	if err != nil {
		return false, err
	}
	return sess.CancelTurn(), nil
}

func (s *Service) Lock(id, path string) (map[string]bool, error) {
	sess, err := s.sessions.Get(id)
	if err != nil {
		return nil, err
	}
	path = model.NormalizePath(path)
	if path == "" {
		return nil, validationError("path is required", nil)
	}
	sess.Container().Lock(path)
	return sess.Container().Locks(), nil
}

func (s *Service) Unlock(id, path string) (map[string]bool, error) {
	sess, err := s.sessions.Get(id)
	if err != nil {
		return nil, err
	}
	path = model.NormalizePath(path)
	if path == "" {
		return nil, validationError("path is required", nil)
	}
	if !sess.Container().Unlock(path) {
		return nil, domainError(http.StatusNotFound, "LOCK_NOT_FOUND", "path is not locked", map[string]any{"path": path})
	}
	return sess.Container().Locks(), nil
}

// WizardView is the machine state plus the review aggregate.
type WizardView struct {
	State   wizard.State   `json:"state"`
	Summary wizard.Summary `json:"summary"`
}

func (s *Service) Wizard(id string) (WizardView, error) {
	sess, err := s.sessions.Get(id)
	if err != nil {
		return WizardView{}, err
	}
	return WizardView{State: sess.Wizard().State(), Summary: sess.Wizard().Summary()}, nil
}

func (s *Service) WizardEvent(ctx context.Context, id string, ev wizard.Event, author string) (map[string]any, error) {
	sess, err := s.sessions.Get(id)
	if err != nil {
		return nil, err
	}
	state, fin, err := sess.Dispatch(ctx, ev, author)
	if err != nil {
		return nil, err
	}
	payload := map[string]any{"state": state}
	if fin != nil {
		payload["finalized"] = fin
	}
	return payload, nil
}

func (s *Service) Export(ctx context.Context, id string, format export.Format) (*export.Result, error) {
	return s.exporter.Export(ctx, export.Request{SessionID: id, Format: format})
}

func (s *Service) Shutdown(ctx context.Context) {
	s.sessions.Shutdown(ctx)
}
