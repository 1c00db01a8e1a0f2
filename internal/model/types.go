// Package model holds the value types shared by the input gateway, the sync
// state container, the turn controller and the field wizard.
package model

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Source identifies who authored an input event or a patch.
type Source string

const (
	SourceUser  Source = "user"
	SourceAgent Source = "agent"
)

// Stage separates live previews from finalized contributions.
type Stage string

const (
	StagePreview Stage = "preview"
	StageFinal   Stage = "final"
)

// Channel is an input surface competing for access under a Policy.
type Channel string

const (
	ChannelTyping Channel = "typing"
	ChannelVoice  Channel = "voice"
)

func ParseChannel(raw string) (Channel, error) {
	switch Channel(strings.ToLower(strings.TrimSpace(raw))) {
	case ChannelTyping:
		return ChannelTyping, nil
	case ChannelVoice:
		return ChannelVoice, nil
	default:
		return "", fmt.Errorf("unknown input channel %q", raw)
	}
}

// Policy decides whether typed and spoken input may be live at the same time.
type Policy string

const (
	PolicyExclusive Policy = "exclusive"
	PolicyMixed     Policy = "mixed"
)

func ParsePolicy(raw string) (Policy, error) {
	switch Policy(strings.ToLower(strings.TrimSpace(raw))) {
	case PolicyExclusive:
		return PolicyExclusive, nil
	case PolicyMixed:
		return PolicyMixed, nil
	default:
		return "", fmt.Errorf("unknown input policy %q", raw)
	}
}

// Layer records which side produced the most recent draft mutation.
type Layer string

const (
	LayerNone   Layer = "none"
	LayerLocal  Layer = "local"
	LayerRemote Layer = "remote"
)

// InputEvent is one normalized user or agent contribution. Events are never
// mutated after creation; a later event in the same buffer supersedes them.
type InputEvent struct {
	ID        string            `json:"id"`
	TurnID    string            `json:"turnId,omitempty"`
	Source    Source            `json:"source"`
	Stage     Stage             `json:"stage"`
	Channel   Channel           `json:"channel,omitempty"`
	Content   string            `json:"content"`
	CreatedAt time.Time         `json:"createdAt"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

type TurnStatus string

const (
	TurnOpen      TurnStatus = "open"
	TurnFinalized TurnStatus = "finalized"
)

// AgentTurn is one agent interaction. A cancelled or failed turn is still
// "finalized"; Cancelled and Error let observers tell the outcomes apart.
type AgentTurn struct {
	ID           string       `json:"id"`
	Source       Source       `json:"source"`
	Events       []InputEvent `json:"events"`
	Status       TurnStatus   `json:"status"`
	Cancelled    bool         `json:"cancelled"`
	CancelReason string       `json:"cancelReason,omitempty"`
	Error        string       `json:"error,omitempty"`
	DroppedSeqs  []int64      `json:"droppedSeqs,omitempty"`
	CreatedAt    time.Time    `json:"createdAt"`
	UpdatedAt    time.Time    `json:"updatedAt"`
	CompletedAt  *time.Time   `json:"completedAt,omitempty"`
}

// Clone returns a copy that shares no slices with the receiver.
func (t AgentTurn) Clone() AgentTurn {
	out := t
	out.Events = append([]InputEvent(nil), t.Events...)
	out.DroppedSeqs = append([]int64(nil), t.DroppedSeqs...)
	if t.CompletedAt != nil {
		completed := *t.CompletedAt
		out.CompletedAt = &completed
	}
	return out
}

// DocumentPatch is an atomic set of field assignments. AppliedAt is epoch
// milliseconds as carried on the wire.
type DocumentPatch struct {
	ID        string         `json:"id"`
	Version   int64          `json:"version"`
	Fields    map[string]any `json:"fields"`
	AppliedAt int64          `json:"appliedAt"`
}

// Paths returns the patch's field paths in lexical order.
func (p DocumentPatch) Paths() []string {
	paths := make([]string, 0, len(p.Fields))
	for path := range p.Fields {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}

// DraftDocument is the current value of the charter being assembled.
// Version counts every patch that changed at least one field.
type DraftDocument struct {
	Version   int64          `json:"version"`
	Fields    map[string]any `json:"fields"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

func (d DraftDocument) Clone() DraftDocument {
	fields := make(map[string]any, len(d.Fields))
	for k, v := range d.Fields {
		fields[k] = v
	}
	return DraftDocument{Version: d.Version, Fields: fields, UpdatedAt: d.UpdatedAt}
}

// OpRecord is one oplog entry: the patch as received plus what the merge did
// with it. Skipped lists paths held back by a lock.
type OpRecord struct {
	Patch        DocumentPatch `json:"patch"`
	Origin       Source        `json:"origin"`
	TurnID       string        `json:"turnId,omitempty"`
	Seq          int64         `json:"seq"`
	Applied      []string      `json:"applied"`
	Skipped      []string      `json:"skipped,omitempty"`
	DraftVersion int64         `json:"draftVersion"`
	RecordedAt   time.Time     `json:"recordedAt"`
}

// Accepted reports whether the patch mutated the draft.
func (r OpRecord) Accepted() bool { return len(r.Applied) > 0 }
