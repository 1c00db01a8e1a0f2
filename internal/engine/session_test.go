package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"charterdesk/api/internal/agent"
	"charterdesk/api/internal/agentstream"
	"charterdesk/api/internal/config"
	"charterdesk/api/internal/gateway"
	"charterdesk/api/internal/gitrepo"
	"charterdesk/api/internal/model"
	"charterdesk/api/internal/preview"
	"charterdesk/api/internal/store"
	"charterdesk/api/internal/turn"
	"charterdesk/api/internal/wizard"
)

const oneFieldSchema = `
title: Test charter
fields:
  - id: name
    path: project.name
    label: Project name
    required: true
`

type fakeCharters struct {
	mu    sync.Mutex
	saved []store.Charter
	err   error
}

func (f *fakeCharters) SaveCharter(_ context.Context, c store.Charter) (store.Charter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return store.Charter{}, f.err
	}
	f.saved = append(f.saved, c)
	return c, nil
}

type fakePreview struct {
	mu      sync.Mutex
	frames  []preview.Frame
	deleted []string
}

func (f *fakePreview) Publish(_ context.Context, frame preview.Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, frame)
	return nil
}

func (f *fakePreview) Delete(_ context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, sessionID)
	return nil
}

func (f *fakePreview) latest() (preview.Frame, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.frames) == 0 {
		return preview.Frame{}, false
	}
	return f.frames[len(f.frames)-1], true
}

func testDeps(t *testing.T, schemaYAML string) Deps {
	t.Helper()
	var (
		schema wizard.Schema
		err    error
	)
	if schemaYAML == "" {
		schema, err = wizard.BuiltinSchema()
	} else {
		schema, err = wizard.ParseSchema([]byte(schemaYAML))
	}
	require.NoError(t, err)
	return Deps{
		Schema:    schema,
		Transport: agent.Mock{},
		History:   gitrepo.New(t.TempDir()),
	}
}

func newTestSession(t *testing.T, deps Deps) *Session {
	t.Helper()
	s, err := NewSession("ses-test", "", deps, Options{})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close(context.Background()) })
	return s
}

func TestNewSessionRequiresTransportAndHistory(t *testing.T) {
	deps := testDeps(t, "")
	deps.Transport = nil
	_, err := NewSession("", "", deps, Options{})
	require.Error(t, err)

	deps = testDeps(t, "")
	deps.History = nil
	_, err = NewSession("", "", deps, Options{})
	require.Error(t, err)
}

func TestSubmitOutsideWizardGoesToFreeform(t *testing.T) {
	s := newTestSession(t, testDeps(t, ""))

	res, err := s.Submit(model.ChannelTyping, "  call the vendor  ")
	require.NoError(t, err)
	assert.Equal(t, gateway.FreeformPath, res.Submission.Path)
	assert.False(t, res.Captured)
	assert.Equal(t, "call the vendor", s.Container().Draft().Fields[gateway.FreeformPath])
	assert.True(t, s.Container().IsLocked(gateway.FreeformPath))
}

func TestSubmitCapturesActiveWizardField(t *testing.T) {
	s := newTestSession(t, testDeps(t, ""))
	_, err := s.Wizard().Start()
	require.NoError(t, err)

	res, err := s.Submit(model.ChannelTyping, "Aurora")
	require.NoError(t, err)
	assert.Equal(t, "project.name", res.Submission.Path)
	assert.True(t, res.Captured)
	assert.Equal(t, wizard.StepConfirm, res.Wizard.Step)

	state, fin, err := s.Dispatch(context.Background(), wizard.Event{Kind: wizard.EventConfirm}, "Avery")
	require.NoError(t, err)
	assert.Nil(t, fin)
	assert.Equal(t, "sponsor", state.CurrentField)
	assert.True(t, s.Container().IsLocked("project.name"))
}

func TestInvalidCaptureStaysOnField(t *testing.T) {
	s := newTestSession(t, testDeps(t, ""))
	_, err := s.Wizard().Start()
	require.NoError(t, err)

	res, err := s.Submit(model.ChannelTyping, "A")
	require.NoError(t, err)
	assert.True(t, res.Captured)
	assert.Equal(t, wizard.StepAsk, res.Wizard.Step)
	assert.NotEmpty(t, res.Wizard.Fields[0].Error)
}

func TestTypingRefusedWhileListening(t *testing.T) {
	s := newTestSession(t, testDeps(t, ""))
	s.Gateway().SetVoiceStatus(gateway.VoiceListening)

	_, err := s.Submit(model.ChannelTyping, "Aurora")
	require.ErrorIs(t, err, gateway.ErrTypingPaused)
	assert.Equal(t, "Aurora", s.Gateway().State().PendingTyping)
	assert.Equal(t, int64(0), s.Container().Version())
}

func TestVoiceTranscriptPartialThenFinal(t *testing.T) {
	s := newTestSession(t, testDeps(t, ""))
	_, err := s.Wizard().Start()
	require.NoError(t, err)
	s.Gateway().SetVoiceStatus(gateway.VoiceTranscribing)

	res, err := s.VoiceTranscript("Auro", false)
	require.NoError(t, err)
	assert.Nil(t, res)
	assert.Len(t, s.Container().PreviewBuffer(), 1)

	res, err = s.VoiceTranscript("Aurora", true)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.True(t, res.Captured)
	assert.Equal(t, "Aurora", s.Container().Draft().Fields["project.name"])
}

func TestAgentTurnSkipsLockedFields(t *testing.T) {
	s := newTestSession(t, testDeps(t, ""))
	_, err := s.Wizard().Start()
	require.NoError(t, err)
	_, err = s.Submit(model.ChannelTyping, "Aurora")
	require.NoError(t, err)

	req := s.AgentRequest("fill the rest")
	assert.Equal(t, []string{"project.name"}, req.Locked)
	assert.Len(t, req.Fields, 8)

	run, err := s.StartTurn(context.Background(), "fill the rest")
	require.NoError(t, err)
	res := run.Wait()
	require.Equal(t, turn.StatusCompleted, res.Status, "err: %v", res.Err)
	assert.Equal(t, 7, res.Applied)

	fields := s.Container().Draft().Fields
	assert.Equal(t, "Aurora", fields["project.name"])
	assert.Equal(t, "Proposed Sponsor", fields["project.sponsor"])
	assert.Equal(t, "Proposed Budget", fields["budget.amount"])
}

func TestIngestTurnAppliesPushedStream(t *testing.T) {
	s := newTestSession(t, testDeps(t, ""))
	body, err := agent.Scripted{Chunks: []agentstream.Chunk{
		agentstream.TurnOpen("t1"),
		agentstream.Patch("t1", 1, model.DocumentPatch{ID: "p2", Fields: map[string]any{"project.sponsor": "Dana"}}),
		agentstream.Patch("t1", 0, model.DocumentPatch{ID: "p1", Fields: map[string]any{"project.name": "Aurora"}}),
		agentstream.Done(),
	}}.Open(context.Background(), agentstream.Request{})
	require.NoError(t, err)

	res := s.IngestTurn(context.Background(), body)
	assert.Equal(t, turn.StatusCompleted, res.Status)
	assert.Equal(t, 2, res.Applied)
	assert.Equal(t, int64(2), s.Container().Version())
	assert.False(t, s.CancelTurn())
}

func TestFinalizeRecordsHistoryAndCharter(t *testing.T) {
	deps := testDeps(t, oneFieldSchema)
	charters := &fakeCharters{}
	deps.Charters = charters
	s := newTestSession(t, deps)
	ctx := context.Background()

	_, err := s.Finalize(ctx, "Avery")
	require.ErrorIs(t, err, wizard.ErrInvalidTransition)
	_, err = s.History(10)
	require.ErrorIs(t, err, gitrepo.ErrNoRepo)

	_, err = s.Wizard().Start()
	require.NoError(t, err)
	_, err = s.Submit(model.ChannelTyping, "Aurora")
	require.NoError(t, err)
	state, _, err := s.Dispatch(ctx, wizard.Event{Kind: wizard.EventConfirm}, "Avery")
	require.NoError(t, err)
	require.Equal(t, wizard.StepReview, state.Step)

	state, fin, err := s.Dispatch(ctx, wizard.Event{Kind: wizard.EventFinalize}, "Avery")
	require.NoError(t, err)
	require.NotNil(t, fin)
	assert.Equal(t, wizard.StepFinalized, state.Step)
	assert.Equal(t, s.Container().Version(), fin.Version)
	assert.NotEmpty(t, fin.Commit.Hash)
	require.NotNil(t, fin.Charter)
	assert.Equal(t, fin.Commit.Hash, fin.Charter.CommitHash)
	assert.Equal(t, []string{"project.name"}, fin.Charter.LockedPaths)
	assert.Empty(t, fin.Charter.MissingRequired)

	history, err := s.History(10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Contains(t, history[0].Message, "Finalize charter")

	// Editing the finalized charter records an amended version.
	_, _, err = s.Dispatch(ctx, wizard.Event{Kind: wizard.EventEdit, FieldID: "name"}, "Avery")
	require.NoError(t, err)
	_, err = s.Submit(model.ChannelTyping, "Aurora II")
	require.NoError(t, err)
	state, fin, err = s.Dispatch(ctx, wizard.Event{Kind: wizard.EventConfirm}, "Avery")
	require.NoError(t, err)
	assert.Equal(t, wizard.StepFinalized, state.Step)
	require.NotNil(t, fin)

	history, err = s.History(10)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Contains(t, history[0].Message, "Amend charter")
	assert.Len(t, charters.saved, 2)
}

func TestFinalizeFailureKeepsReview(t *testing.T) {
	deps := testDeps(t, oneFieldSchema)
	deps.Charters = &fakeCharters{err: errors.New("db down")}
	s := newTestSession(t, deps)
	ctx := context.Background()

	_, err := s.Wizard().Start()
	require.NoError(t, err)
	_, err = s.Submit(model.ChannelTyping, "Aurora")
	require.NoError(t, err)
	_, err = s.Wizard().Confirm()
	require.NoError(t, err)

	_, err = s.Finalize(ctx, "Avery")
	require.Error(t, err)
	assert.Equal(t, wizard.StepReview, s.Wizard().State().Step)
}

func TestPreviewFramesForwardedUntilClose(t *testing.T) {
	deps := testDeps(t, "")
	sink := &fakePreview{}
	deps.Preview = sink
	s, err := NewSession("ses-preview", "", deps, Options{})
	require.NoError(t, err)

	_, err = s.Submit(model.ChannelTyping, "note")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		f, ok := sink.latest()
		return ok && f.Version == 1 && f.SessionID == "ses-preview"
	}, 2*time.Second, 10*time.Millisecond)

	s.Close(context.Background())
	s.Close(context.Background())
	assert.Equal(t, []string{"ses-preview"}, sink.deleted)
}

func TestExportDraftUsesSchemaLabels(t *testing.T) {
	s := newTestSession(t, testDeps(t, ""))
	_, err := s.Submit(model.ChannelTyping, "note")
	require.NoError(t, err)

	d := s.ExportDraft()
	assert.Equal(t, "Project charter", d.Title)
	assert.Equal(t, int64(1), d.Version)
	require.Len(t, d.Labels, 8)
	assert.Equal(t, "Project name", d.Labels[0].Label)
	assert.Equal(t, []string{"Project name", "Objective"}, d.MissingRequired)
}

func TestResetClearsDraftAndWizard(t *testing.T) {
	s := newTestSession(t, testDeps(t, ""))
	_, err := s.Wizard().Start()
	require.NoError(t, err)
	_, err = s.Submit(model.ChannelTyping, "Aurora")
	require.NoError(t, err)

	state := s.Reset()
	assert.Equal(t, wizard.StepInit, state.Step)
	assert.Equal(t, int64(0), s.Container().Version())
	assert.Empty(t, s.Container().Locks())
}

func TestNewTransportModes(t *testing.T) {
	tr, err := NewTransport(config.Config{AgentMode: config.AgentModeMock})
	require.NoError(t, err)
	assert.IsType(t, agent.Mock{}, tr)

	tr, err = NewTransport(config.Config{AgentMode: config.AgentModeHTTP, AgentURL: "http://agent.local/turns"})
	require.NoError(t, err)
	assert.IsType(t, &agentstream.HTTPTransport{}, tr)

	_, err = NewTransport(config.Config{AgentMode: config.AgentModeHTTP})
	require.Error(t, err)
	_, err = NewTransport(config.Config{AgentMode: config.AgentModeOpenAI})
	require.Error(t, err)
	_, err = NewTransport(config.Config{AgentMode: "fax"})
	require.Error(t, err)
}
