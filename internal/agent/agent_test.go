package agent

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"charterdesk/api/internal/agentstream"
)

type fakeStream struct {
	deltas []string
	idx    int
	err    error
	closed bool
}

func (f *fakeStream) Next() bool {
	if f.idx >= len(f.deltas) {
		return false
	}
	f.idx++
	return true
}
func (f *fakeStream) Delta() string { return f.deltas[f.idx-1] }
func (f *fakeStream) Err() error    { return f.err }
func (f *fakeStream) Close() error  { f.closed = true; return nil }

func readAll(t *testing.T, r io.Reader) []agentstream.Chunk {
	t.Helper()
	reader := agentstream.NewReader(r)
	var out []agentstream.Chunk
	for {
		c, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return out
		}
		require.NoError(t, err)
		out = append(out, c)
	}
}

func TestLineEmitterSplitsAcrossDeltas(t *testing.T) {
	e := newLineEmitter("T1", nil)
	assert.Empty(t, e.Feed(`{"path":"project.na`))
	chunks := e.Feed("me\",\"value\":\"Aurora\"}\n{\"message\":\"checking dates\"}\n{\"path\":\"budget")
	require.Len(t, chunks, 2)
	assert.Equal(t, agentstream.KindPatch, chunks[0].Kind)
	assert.Equal(t, int64(0), chunks[0].Seq)
	assert.Equal(t, "Aurora", chunks[0].Patch.Fields["project.name"])
	assert.Equal(t, agentstream.KindMessage, chunks[1].Kind)

	assert.Empty(t, e.Feed(`.amount","value":1200}`))
	tail := e.Flush()
	require.Len(t, tail, 1)
	assert.Equal(t, int64(1), tail[0].Seq)
	assert.Equal(t, float64(1200), tail[0].Patch.Fields["budget.amount"])
}

func TestLineEmitterIgnoresFencesAndKeepsProse(t *testing.T) {
	e := newLineEmitter("T1", nil)
	chunks := e.Feed("```json\nSure, here you go\n```\n")
	require.Len(t, chunks, 1)
	assert.Equal(t, agentstream.KindMessage, chunks[0].Kind)
	assert.Equal(t, "Sure, here you go", chunks[0].Message)
}

func TestOpenAIProposerEmitsSequencedTurn(t *testing.T) {
	stream := &fakeStream{deltas: []string{
		"{\"path\":\"project.name\",\"value\":\"Aurora\"}\n",
		"{\"path\":\"project.sponsor\",",
		"\"value\":\"Dana\"}\n",
	}}
	var gotPrompt Prompt
	p := &OpenAIProposer{open: func(_ context.Context, prompt Prompt) deltaStream {
		gotPrompt = prompt
		return stream
	}}

	body, err := p.Open(context.Background(), agentstream.Request{
		Prompt: "fill the basics",
		Locked: []string{"project.startDate"},
		Fields: []agentstream.FieldHint{{Path: "project.name", Label: "Project name", Required: true}},
	})
	require.NoError(t, err)
	defer body.Close()

	chunks := readAll(t, body)
	require.Len(t, chunks, 4)
	assert.Equal(t, agentstream.KindTurnOpen, chunks[0].Kind)
	turnID := chunks[0].TurnID
	assert.NotEmpty(t, turnID)
	assert.Equal(t, agentstream.KindPatch, chunks[1].Kind)
	assert.Equal(t, turnID, chunks[1].TurnID)
	assert.Equal(t, int64(0), chunks[1].Seq)
	assert.Equal(t, int64(1), chunks[2].Seq)
	assert.Equal(t, "Dana", chunks[2].Patch.Fields["project.sponsor"])
	assert.Equal(t, agentstream.KindDone, chunks[3].Kind)

	assert.True(t, stream.closed)
	assert.Contains(t, gotPrompt.User, "project.startDate")
	assert.Contains(t, gotPrompt.User, "fill the basics")
}

func TestOpenAIProposerReportsStreamFailure(t *testing.T) {
	p := &OpenAIProposer{open: func(context.Context, Prompt) deltaStream {
		return &fakeStream{err: errors.New("429 rate limited")}
	}}
	body, err := p.Open(context.Background(), agentstream.Request{})
	require.NoError(t, err)
	defer body.Close()

	chunks := readAll(t, body)
	require.Len(t, chunks, 2)
	assert.Equal(t, agentstream.KindError, chunks[1].Kind)
	assert.True(t, strings.Contains(chunks[1].Err, "rate limited"))
}

func TestNewOpenAIProposerRequiresCredentials(t *testing.T) {
	_, err := NewOpenAIProposer(Settings{Model: "gpt-4o-mini"})
	assert.Error(t, err)
	_, err = NewOpenAIProposer(Settings{APIKey: "sk-test"})
	assert.Error(t, err)
}

func TestMockSkipsLockedAndFilledFields(t *testing.T) {
	body, err := Mock{}.Open(context.Background(), agentstream.Request{
		Draft:  map[string]any{"project.sponsor": "Dana"},
		Locked: []string{"project.name"},
		Fields: []agentstream.FieldHint{
			{Path: "project.name", Label: "Project name"},
			{Path: "project.sponsor", Label: "Sponsor"},
			{Path: "project.objective", Label: "Objective"},
		},
	})
	require.NoError(t, err)
	chunks := readAll(t, body)

	var patches []agentstream.Chunk
	for _, c := range chunks {
		if c.Kind == agentstream.KindPatch {
			patches = append(patches, c)
		}
	}
	require.Len(t, patches, 1)
	assert.Equal(t, "Proposed Objective", patches[0].Patch.Fields["project.objective"])
	assert.Equal(t, agentstream.KindDone, chunks[len(chunks)-1].Kind)
}
