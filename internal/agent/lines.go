package agent

import (
	"encoding/json"
	"strings"
	"time"

	"charterdesk/api/internal/agentstream"
	"charterdesk/api/internal/model"
	"charterdesk/api/internal/util"
)

type proposal struct {
	Path    string          `json:"path"`
	Value   json.RawMessage `json:"value"`
	Message string          `json:"message"`
}

// lineEmitter turns streamed model text into chunks. Text is buffered until
// a newline completes a proposal; each proposal becomes one patch with the
// next sequence number.
type lineEmitter struct {
	turnID string
	seq    int64
	buf    strings.Builder
	now    func() time.Time
}

func newLineEmitter(turnID string, now func() time.Time) *lineEmitter {
	if now == nil {
		now = time.Now
	}
	return &lineEmitter{turnID: turnID, now: now}
}

func (e *lineEmitter) Feed(delta string) []agentstream.Chunk {
	e.buf.WriteString(delta)
	text := e.buf.String()
	idx := strings.LastIndexByte(text, '\n')
	if idx < 0 {
		return nil
	}
	complete, rest := text[:idx], text[idx+1:]
	e.buf.Reset()
	e.buf.WriteString(rest)

	var out []agentstream.Chunk
	for _, line := range strings.Split(complete, "\n") {
		if c, ok := e.parse(line); ok {
			out = append(out, c)
		}
	}
	return out
}

// Flush emits whatever trailing line the model left without a newline.
func (e *lineEmitter) Flush() []agentstream.Chunk {
	rest := e.buf.String()
	e.buf.Reset()
	if c, ok := e.parse(rest); ok {
		return []agentstream.Chunk{c}
	}
	return nil
}

func (e *lineEmitter) parse(line string) (agentstream.Chunk, bool) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "```") {
		return agentstream.Chunk{}, false
	}
	var p proposal
	if err := json.Unmarshal([]byte(line), &p); err != nil {
		return agentstream.Message(e.turnID, line), true
	}
	path := model.NormalizePath(p.Path)
	if path == "" {
		if p.Message == "" {
			return agentstream.Chunk{}, false
		}
		return agentstream.Message(e.turnID, p.Message), true
	}
	var value any
	if len(p.Value) > 0 {
		if err := json.Unmarshal(p.Value, &value); err != nil {
			return agentstream.Chunk{}, false
		}
	}
	seq := e.seq
	e.seq++
	return agentstream.Patch(e.turnID, seq, model.DocumentPatch{
		ID:        util.NewID("patch"),
		Version:   seq + 1,
		Fields:    map[string]any{path: value},
		AppliedAt: e.now().UnixMilli(),
	}), true
}
