// Package agentstream decodes the newline-delimited JSON stream an agent
// turn is delivered on, and defines the transport that opens such streams.
package agentstream

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"charterdesk/api/internal/model"
)

var (
	ErrUnknownChunk = errors.New("unrecognized stream chunk")
	ErrMalformed    = errors.New("malformed stream chunk")
)

// maxLineBytes bounds a single chunk line.
const maxLineBytes = 1 << 20

// Kind tags the variant a decoded chunk carries.
type Kind int

const (
	KindTurnOpen Kind = iota + 1
	KindPatch
	KindMessage
	KindDone
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindTurnOpen:
		return "turn_open"
	case KindPatch:
		return "patch"
	case KindMessage:
		return "message"
	case KindDone:
		return "done"
	case KindError:
		return "error"
	default:
		return "unknown"
	}
}

// Chunk is one decoded line. Only the fields belonging to Kind are set.
type Chunk struct {
	Kind    Kind
	TurnID  string
	Seq     int64
	Patch   model.DocumentPatch
	Message string
	Err     string
}

func TurnOpen(turnID string) Chunk { return Chunk{Kind: KindTurnOpen, TurnID: turnID} }

func Patch(turnID string, seq int64, patch model.DocumentPatch) Chunk {
	return Chunk{Kind: KindPatch, TurnID: turnID, Seq: seq, Patch: patch}
}

func Message(turnID, text string) Chunk { return Chunk{Kind: KindMessage, TurnID: turnID, Message: text} }

func Done() Chunk { return Chunk{Kind: KindDone} }

func Failure(turnID, msg string) Chunk { return Chunk{Kind: KindError, TurnID: turnID, Err: msg} }

// wireChunk mirrors every key a line may carry. Pointers distinguish an
// absent key from a zero value.
type wireChunk struct {
	TurnID  *string              `json:"turnId,omitempty"`
	Seq     *int64               `json:"seq,omitempty"`
	Patch   *model.DocumentPatch `json:"patch,omitempty"`
	Message *string              `json:"message,omitempty"`
	Done    bool                 `json:"done,omitempty"`
	Error   *string              `json:"error,omitempty"`
}

// Decode maps one line onto the chunk variant it represents.
func Decode(line []byte) (Chunk, error) {
	var w wireChunk
	if err := json.Unmarshal(line, &w); err != nil {
		return Chunk{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	turnID := ""
	if w.TurnID != nil {
		turnID = strings.TrimSpace(*w.TurnID)
	}
	switch {
	case w.Done:
		return Chunk{Kind: KindDone, TurnID: turnID}, nil
	case w.Error != nil:
		return Chunk{Kind: KindError, TurnID: turnID, Err: *w.Error}, nil
	case w.Patch != nil:
		if turnID == "" {
			return Chunk{}, fmt.Errorf("%w: patch without turnId", ErrMalformed)
		}
		if w.Seq == nil {
			return Chunk{}, fmt.Errorf("%w: patch without seq", ErrMalformed)
		}
		p := *w.Patch
		if p.Fields == nil {
			p.Fields = map[string]any{}
		}
		return Chunk{Kind: KindPatch, TurnID: turnID, Seq: *w.Seq, Patch: p}, nil
	case w.Message != nil:
		return Chunk{Kind: KindMessage, TurnID: turnID, Message: *w.Message}, nil
	case turnID != "":
		return Chunk{Kind: KindTurnOpen, TurnID: turnID}, nil
	default:
		return Chunk{}, ErrUnknownChunk
	}
}

func encodeWire(c Chunk) (wireChunk, error) {
	var w wireChunk
	if c.TurnID != "" {
		turnID := c.TurnID
		w.TurnID = &turnID
	}
	switch c.Kind {
	case KindTurnOpen:
		if c.TurnID == "" {
			return w, fmt.Errorf("%w: turn open without turnId", ErrMalformed)
		}
	case KindPatch:
		seq, p := c.Seq, c.Patch
		w.Seq, w.Patch = &seq, &p
	case KindMessage:
		msg := c.Message
		w.Message = &msg
	case KindDone:
		w = wireChunk{Done: true}
	case KindError:
		msg := c.Err
		w.Error = &msg
	default:
		return w, ErrUnknownChunk
	}
	return w, nil
}

// Reader yields chunks from a stream until io.EOF. Blank lines are skipped.
type Reader struct {
	scanner *bufio.Scanner
	line    int
}

func NewReader(r io.Reader) *Reader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	return &Reader{scanner: scanner}
}

func (r *Reader) Next() (Chunk, error) {
	for r.scanner.Scan() {
		r.line++
		line := bytes.TrimSpace(r.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		chunk, err := Decode(line)
		if err != nil {
			return Chunk{}, fmt.Errorf("line %d: %w", r.line, err)
		}
		return chunk, nil
	}
	if err := r.scanner.Err(); err != nil {
		return Chunk{}, err
	}
	return Chunk{}, io.EOF
}

// Encoder writes chunks in wire form, one per line.
type Encoder struct {
	enc *json.Encoder
}

func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{enc: json.NewEncoder(w)}
}

func (e *Encoder) Encode(c Chunk) error {
	w, err := encodeWire(c)
	if err != nil {
		return err
	}
	return e.enc.Encode(w)
}
