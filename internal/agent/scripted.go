package agent

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"charterdesk/api/internal/agentstream"
	"charterdesk/api/internal/model"
	"charterdesk/api/internal/util"
)

// Scripted replays a fixed chunk list as a turn stream.
type Scripted struct {
	Chunks []agentstream.Chunk
}

func (s Scripted) Open(_ context.Context, _ agentstream.Request) (io.ReadCloser, error) {
	var buf bytes.Buffer
	enc := agentstream.NewEncoder(&buf)
	for _, c := range s.Chunks {
		if err := enc.Encode(c); err != nil {
			return nil, fmt.Errorf("encode scripted chunk: %w", err)
		}
	}
	return io.NopCloser(&buf), nil
}

// Mock proposes a placeholder for every field that is neither locked nor
// already filled. It needs no model and is the default for local runs.
type Mock struct{}

func (Mock) Open(ctx context.Context, req agentstream.Request) (io.ReadCloser, error) {
	locked := make(map[string]bool, len(req.Locked))
	for _, p := range req.Locked {
		locked[p] = true
	}
	turnID := util.NewID("turn")
	chunks := []agentstream.Chunk{agentstream.TurnOpen(turnID)}
	var seq int64
	for _, f := range req.Fields {
		if locked[f.Path] {
			continue
		}
		if v, ok := req.Draft[f.Path]; ok && v != nil && v != "" {
			continue
		}
		chunks = append(chunks, agentstream.Patch(turnID, seq, model.DocumentPatch{
			ID:      util.NewID("patch"),
			Version: seq + 1,
			Fields:  map[string]any{f.Path: "Proposed " + f.Label},
		}))
		seq++
	}
	chunks = append(chunks, agentstream.Message(turnID, fmt.Sprintf("proposed %d field(s)", seq)), agentstream.Done())
	return Scripted{Chunks: chunks}.Open(ctx, req)
}
