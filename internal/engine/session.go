// Package engine composes one charter conversation: the sync state
// container, the input gateway, the turn controller and the field wizard
// all share a single draft and lock map.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"charterdesk/api/internal/agentstream"
	"charterdesk/api/internal/export"
	"charterdesk/api/internal/gateway"
	"charterdesk/api/internal/gitrepo"
	"charterdesk/api/internal/model"
	"charterdesk/api/internal/preview"
	"charterdesk/api/internal/store"
	"charterdesk/api/internal/syncstate"
	"charterdesk/api/internal/turn"
	"charterdesk/api/internal/util"
	"charterdesk/api/internal/wizard"
)

// History records finalized charters as revisions.
type History interface {
	CommitSnapshot(sessionID string, snap gitrepo.Snapshot, author, message string) (gitrepo.CommitInfo, error)
	History(sessionID string, limit int) ([]gitrepo.CommitInfo, error)
}

// CharterStore persists finalized charters.
type CharterStore interface {
	SaveCharter(ctx context.Context, c store.Charter) (store.Charter, error)
}

// PreviewSink receives draft frames while a session is open.
type PreviewSink interface {
	preview.Publisher
	Delete(ctx context.Context, sessionID string) error
}

// Deps are shared by every session. History and Transport are required.
type Deps struct {
	Schema    wizard.Schema
	Transport agentstream.Transport
	History   History
	Charters  CharterStore
	Preview   PreviewSink
	Logger    *slog.Logger
}

type Options struct {
	Policy       model.Policy
	MaxBuffered  int
	StallTimeout time.Duration
	Now          func() time.Time
}

// InputResult is what one finalized input did to the draft and the wizard.
type InputResult struct {
	Submission *gateway.Submission `json:"submission"`
	Captured   bool                `json:"captured"`
	Wizard     wizard.State        `json:"wizard"`
}

// FinalizeResult is returned when a charter version is recorded.
type FinalizeResult struct {
	Wizard  wizard.State       `json:"wizard"`
	Version int64              `json:"version"`
	Commit  gitrepo.CommitInfo `json:"commit"`
	Charter *store.Charter     `json:"charter,omitempty"`
}

type Session struct {
	ID        string
	Title     string
	CreatedAt time.Time

	container *syncstate.Container
	gateway   *gateway.Gateway
	turns     *turn.Controller
	wizard    *wizard.Machine
	deps      Deps
	logger    *slog.Logger

	// finalizeMu keeps two finalizations from recording the same version.
	finalizeMu sync.Mutex

	closeOnce   sync.Once
	stopPreview context.CancelFunc
	previewDone chan struct{}
}

func NewSession(id, title string, deps Deps, opts Options) (*Session, error) {
	if deps.Transport == nil {
		return nil, errors.New("engine: agent transport is required")
	}
	if deps.History == nil {
		return nil, errors.New("engine: charter history is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Policy == "" {
		opts.Policy = model.PolicyExclusive
	}
	if id == "" {
		id = util.NewID("ses")
	}
	logger := deps.Logger.With("session_id", id)

	container := syncstate.New(syncstate.Options{
		Policy:      opts.Policy,
		MaxBuffered: opts.MaxBuffered,
		Logger:      logger,
		Now:         opts.Now,
	})
	machine, err := wizard.New(deps.Schema, container, wizard.Options{Logger: logger, Now: opts.Now})
	if err != nil {
		return nil, fmt.Errorf("engine: build wizard: %w", err)
	}
	if title == "" {
		title = deps.Schema.Title
	}

	s := &Session{
		ID:        id,
		Title:     title,
		CreatedAt: opts.Now().UTC(),
		container: container,
		gateway:   gateway.New(container, gateway.Options{Target: machine, Logger: logger, Now: opts.Now}),
		turns:     turn.New(container, deps.Transport, turn.Options{StallTimeout: opts.StallTimeout, Logger: logger, Now: opts.Now}),
		wizard:    machine,
		deps:      deps,
		logger:    logger,
	}
	if deps.Preview != nil {
		s.forwardPreview()
	}
	return s, nil
}

func (s *Session) forwardPreview() {
	ctx, cancel := context.WithCancel(context.Background())
	snaps, unsubscribe := s.container.Subscribe()
	s.stopPreview = func() {
		cancel()
		unsubscribe()
	}
	s.previewDone = make(chan struct{})
	go func() {
		defer close(s.previewDone)
		preview.Forward(ctx, s.deps.Preview, s.ID, snaps, s.logger)
	}()
}

func (s *Session) Container() *syncstate.Container { return s.container }
func (s *Session) Gateway() *gateway.Gateway       { return s.gateway }
func (s *Session) Turns() *turn.Controller         { return s.turns }
func (s *Session) Wizard() *wizard.Machine         { return s.wizard }

// Submit commits finalized input from channel. When the wizard is waiting
// on the field the input landed in, the text is also captured as that
// field's value.
func (s *Session) Submit(channel model.Channel, text string) (InputResult, error) {
	var (
		sub *gateway.Submission
		err error
	)
	switch channel {
	case model.ChannelTyping:
		sub, err = s.gateway.SubmitTyping(text)
	case model.ChannelVoice:
		sub, err = s.gateway.SubmitVoiceFinal(text)
	default:
		return InputResult{}, fmt.Errorf("submit input: unknown channel %q", channel)
	}
	if err != nil {
		return InputResult{}, err
	}
	return s.afterSubmit(sub), nil
}

// VoiceTranscript feeds one recognizer result. Partial transcripts only
// update the preview; a final one is submitted.
func (s *Session) VoiceTranscript(text string, isFinal bool) (*InputResult, error) {
	sub, err := s.gateway.OnVoiceTranscript(text, isFinal)
	if err != nil || sub == nil {
		return nil, err
	}
	res := s.afterSubmit(sub)
	return &res, nil
}

func (s *Session) afterSubmit(sub *gateway.Submission) InputResult {
	res := InputResult{Submission: sub}
	if path, ok := s.wizard.ActiveFieldPath(); ok && path == sub.Path {
		state, err := s.wizard.Capture(sub.Event.Content)
		if err != nil {
			s.logger.Warn("engine: wizard capture failed", "path", sub.Path, "error", err)
		} else {
			res.Captured = true
		}
		res.Wizard = state
		return res
	}
	res.Wizard = s.wizard.State()
	return res
}

// AgentRequest describes the current draft to the agent: every schema
// field as a hint and every locked path as off limits.
func (s *Session) AgentRequest(prompt string) agentstream.Request {
	snap := s.container.Snapshot()
	schema := s.wizard.Schema()
	hints := make([]agentstream.FieldHint, 0, len(schema.Fields))
	for _, f := range schema.Fields {
		hints = append(hints, agentstream.FieldHint{Path: f.Path, Label: f.Label, Prompt: f.Prompt, Required: f.Required})
	}
	return agentstream.Request{
		SessionID: s.ID,
		Prompt:    prompt,
		Draft:     snap.Draft.Fields,
		Version:   snap.Draft.Version,
		Locked:    lockedPaths(snap.Locks),
		Fields:    hints,
	}
}

// StartTurn asks the agent for proposals. A turn already in flight is
// superseded.
func (s *Session) StartTurn(ctx context.Context, prompt string) (*turn.Run, error) {
	return s.turns.Start(ctx, s.AgentRequest(prompt))
}

// IngestTurn applies an agent stream pushed by the caller.
func (s *Session) IngestTurn(ctx context.Context, body io.ReadCloser) turn.Result {
	return s.turns.Consume(ctx, body)
}

func (s *Session) CancelTurn() bool { return s.turns.Cancel() }

// Dispatch fires a wizard event. Finalizing records the charter; confirming
// an edit of a finalized charter records an amended version.
func (s *Session) Dispatch(ctx context.Context, ev wizard.Event, author string) (wizard.State, *FinalizeResult, error) {
	if ev.Kind == wizard.EventFinalize {
		res, err := s.Finalize(ctx, author)
		if err != nil {
			return s.wizard.State(), nil, err
		}
		return res.Wizard, &res, nil
	}

	before := s.wizard.State().Step
	state, err := s.wizard.Dispatch(ev)
	if err != nil {
		return state, nil, err
	}
	if before != wizard.StepFinalized && state.Step == wizard.StepFinalized {
		res, err := s.record(ctx, state, author, "Amend charter")
		if err != nil {
			return state, nil, err
		}
		return state, &res, nil
	}
	return state, nil, nil
}

// Finalize records the draft and then moves the wizard to FINALIZED. If
// recording fails the wizard stays in review so finalizing can be retried.
func (s *Session) Finalize(ctx context.Context, author string) (FinalizeResult, error) {
	s.finalizeMu.Lock()
	defer s.finalizeMu.Unlock()

	if st := s.wizard.State(); st.Step != wizard.StepReview {
		return FinalizeResult{}, fmt.Errorf("finalize from %s: %w", st.Step, wizard.ErrInvalidTransition)
	}
	res, err := s.recordLocked(ctx, author, "Finalize charter")
	if err != nil {
		return FinalizeResult{}, err
	}
	state, err := s.wizard.Finalize()
	if err != nil {
		return FinalizeResult{}, err
	}
	res.Wizard = state
	return res, nil
}

func (s *Session) record(ctx context.Context, state wizard.State, author, verb string) (FinalizeResult, error) {
	s.finalizeMu.Lock()
	defer s.finalizeMu.Unlock()
	res, err := s.recordLocked(ctx, author, verb)
	res.Wizard = state
	return res, err
}

func (s *Session) recordLocked(ctx context.Context, author, verb string) (FinalizeResult, error) {
	snap := s.container.Snapshot()
	summary := s.wizard.Summary()
	locked := lockedPaths(snap.Locks)

	commit, err := s.deps.History.CommitSnapshot(s.ID, gitrepo.Snapshot{
		Title:   s.Title,
		Version: snap.Draft.Version,
		Fields:  snap.Draft.Fields,
		Locked:  locked,
	}, author, fmt.Sprintf("%s v%d", verb, snap.Draft.Version))
	if err != nil {
		return FinalizeResult{}, fmt.Errorf("record charter history: %w", err)
	}
	res := FinalizeResult{Version: snap.Draft.Version, Commit: commit}

	if s.deps.Charters != nil {
		saved, err := s.deps.Charters.SaveCharter(ctx, store.Charter{
			ID:              util.NewID("chr"),
			SessionID:       s.ID,
			Version:         snap.Draft.Version,
			Fields:          snap.Draft.Fields,
			LockedPaths:     locked,
			MissingRequired: summary.MissingRequired,
			CommitHash:      commit.Hash,
			FinalizedBy:     author,
		})
		if err != nil {
			return FinalizeResult{}, fmt.Errorf("save charter: %w", err)
		}
		res.Charter = &saved
	}
	s.logger.Info("engine: charter recorded", "version", snap.Draft.Version, "commit", commit.Hash, "missing_required", len(summary.MissingRequired))
	return res, nil
}

func (s *Session) History(limit int) ([]gitrepo.CommitInfo, error) {
	return s.deps.History.History(s.ID, limit)
}

// ExportDraft is the export view of the draft, labelled in schema order.
func (s *Session) ExportDraft() export.Draft {
	snap := s.container.Snapshot()
	schema := s.wizard.Schema()
	labels := make([]export.FieldLabel, 0, len(schema.Fields))
	for _, f := range schema.Fields {
		labels = append(labels, export.FieldLabel{Path: f.Path, Label: f.Label})
	}
	summary := s.wizard.Summary()
	missing := make([]string, 0, len(summary.MissingRequired))
	for _, f := range summary.Fields {
		if f.Required && f.Status != wizard.StatusConfirmed {
			missing = append(missing, f.Label)
		}
	}
	return export.Draft{
		Title:           s.Title,
		Version:         snap.Draft.Version,
		Fields:          snap.Draft.Fields,
		UpdatedAt:       snap.Draft.UpdatedAt,
		Locked:          snap.Locks,
		MissingRequired: missing,
		Labels:          labels,
	}
}

// Reset clears the draft, the turns and the wizard for a fresh start.
func (s *Session) Reset() wizard.State {
	s.turns.Cancel()
	s.container.Reset()
	return s.wizard.Reset()
}

// Close stops the in-flight turn and the preview forwarder.
func (s *Session) Close(ctx context.Context) {
	s.closeOnce.Do(func() {
		s.turns.Cancel()
		if s.stopPreview == nil {
			return
		}
		s.stopPreview()
		<-s.previewDone
		if err := s.deps.Preview.Delete(ctx, s.ID); err != nil {
			s.logger.Warn("engine: delete preview frame failed", "error", err)
		}
	})
}

func lockedPaths(locks map[string]bool) []string {
	out := make([]string, 0, len(locks))
	for p, on := range locks {
		if on {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}
