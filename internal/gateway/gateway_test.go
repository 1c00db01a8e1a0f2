package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"charterdesk/api/internal/model"
	"charterdesk/api/internal/syncstate"
)

type fixedTarget struct {
	path string
}

func (f fixedTarget) ActiveFieldPath() (string, bool) { return f.path, f.path != "" }

type voiceSpy struct{ suspended int }

func (v *voiceSpy) Suspend() { v.suspended++ }

func newGateway(policy model.Policy, opts Options) (*Gateway, *syncstate.Container) {
	store := syncstate.New(syncstate.Options{Policy: policy})
	return New(store, opts), store
}

func TestExclusiveFocusSuspendsListeningVoice(t *testing.T) {
	spy := &voiceSpy{}
	g, _ := newGateway(model.PolicyExclusive, Options{Voice: spy})

	g.SetVoiceStatus(VoiceListening)
	assert.True(t, g.TypingPaused())

	state := g.FocusTyping()
	assert.Equal(t, VoicePaused, state.Voice)
	assert.True(t, state.TypingFocused)
	assert.False(t, state.TypingPaused)
	assert.Equal(t, 1, spy.suspended)
}

func TestExclusiveRefusesTypingWhileListeningAndKeepsText(t *testing.T) {
	g, store := newGateway(model.PolicyExclusive, Options{})
	g.SetVoiceStatus(VoiceListening)

	g.OnTypingChange("Auro")
	_, err := g.SubmitTyping("Aurora")
	require.ErrorIs(t, err, ErrTypingPaused)
	assert.Empty(t, store.FinalBuffer())
	assert.Equal(t, int64(0), store.Version())
	assert.Equal(t, "Aurora", g.State().PendingTyping)

	g.SetVoiceStatus(VoiceIdle)
	sub, err := g.SubmitFinalInput(model.ChannelTyping)
	require.NoError(t, err)
	assert.Equal(t, "Aurora", sub.Event.Content)
	assert.Empty(t, g.State().PendingTyping)
}

func TestExclusiveRefusesTypingWhileTranscribing(t *testing.T) {
	g, _ := newGateway(model.PolicyExclusive, Options{})
	g.SetVoiceStatus(VoiceTranscribing)
	_, err := g.SubmitTyping("hello")
	assert.ErrorIs(t, err, ErrTypingPaused)
}

func TestMixedAllowsBothChannels(t *testing.T) {
	spy := &voiceSpy{}
	g, store := newGateway(model.PolicyMixed, Options{Voice: spy})
	g.SetVoiceStatus(VoiceListening)

	state := g.FocusTyping()
	assert.Equal(t, VoiceListening, state.Voice)
	assert.Zero(t, spy.suspended)

	_, err := g.SubmitTyping("typed")
	require.NoError(t, err)
	_, err = g.SubmitVoiceFinal("spoken")
	require.NoError(t, err)
	assert.Len(t, store.FinalBuffer(), 2)
}

func TestFinalInputTargetsActiveFieldAndLocksIt(t *testing.T) {
	g, store := newGateway(model.PolicyExclusive, Options{Target: fixedTarget{path: "project.name"}})

	sub, err := g.SubmitTyping("  Aurora  ")
	require.NoError(t, err)
	assert.Equal(t, "project.name", sub.Path)
	assert.Equal(t, []string{"project.name"}, sub.Record.Applied)
	assert.Equal(t, model.StageFinal, sub.Event.Stage)
	assert.Equal(t, "project.name", sub.Event.Metadata["path"])

	assert.Equal(t, "Aurora", store.Draft().Fields["project.name"])
	assert.True(t, store.IsLocked("project.name"))
	oplog := store.Oplog()
	require.Len(t, oplog, 1)
	assert.Equal(t, model.SourceUser, oplog[0].Origin)
}

func TestFinalInputWithoutTargetGoesToFreeform(t *testing.T) {
	g, store := newGateway(model.PolicyExclusive, Options{})
	sub, err := g.SubmitTyping("remember the audit")
	require.NoError(t, err)
	assert.Equal(t, FreeformPath, sub.Path)
	assert.Equal(t, "remember the audit", store.Draft().Fields[FreeformPath])
}

func TestPreviewEventsNeverBecomePatches(t *testing.T) {
	g, store := newGateway(model.PolicyExclusive, Options{})
	g.OnTypingChange("A")
	g.OnTypingChange("Au")
	_, err := g.OnVoiceTranscript("project is", false)
	require.NoError(t, err)

	assert.Len(t, store.PreviewBuffer(), 3)
	assert.Empty(t, store.Oplog())
	assert.Equal(t, int64(0), store.Version())
}

func TestVoiceFinalTranscriptCommits(t *testing.T) {
	g, store := newGateway(model.PolicyExclusive, Options{Target: fixedTarget{path: "project.sponsor"}})
	g.SetVoiceStatus(VoiceTranscribing)

	sub, err := g.OnVoiceTranscript("Dana Reyes", true)
	require.NoError(t, err)
	require.NotNil(t, sub)
	assert.Equal(t, model.ChannelVoice, sub.Event.Channel)
	assert.Equal(t, "Dana Reyes", store.Draft().Fields["project.sponsor"])
}

func TestPausedVoiceRejectsTranscripts(t *testing.T) {
	g, store := newGateway(model.PolicyExclusive, Options{})
	g.SetVoiceStatus(VoiceListening)
	g.FocusTyping()

	_, err := g.OnVoiceTranscript("ignored", true)
	assert.ErrorIs(t, err, ErrVoicePaused)
	assert.Empty(t, store.FinalBuffer())
}

func TestEmptyInputIsRejected(t *testing.T) {
	g, _ := newGateway(model.PolicyExclusive, Options{})
	_, err := g.SubmitTyping("   ")
	assert.ErrorIs(t, err, ErrEmptyInput)
	_, err = g.SubmitFinalInput(model.Channel("fax"))
	assert.Error(t, err)
}

func TestParseVoiceStatus(t *testing.T) {
	s, err := ParseVoiceStatus(" Listening ")
	require.NoError(t, err)
	assert.Equal(t, VoiceListening, s)
	_, err = ParseVoiceStatus("singing")
	assert.Error(t, err)
}
