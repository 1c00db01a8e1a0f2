package agentstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"charterdesk/api/internal/model"
)

func TestDecodeVariants(t *testing.T) {
	tests := []struct {
		name string
		line string
		kind Kind
	}{
		{name: "turn open", line: `{"turnId":"T1"}`, kind: KindTurnOpen},
		{name: "patch", line: `{"turnId":"T1","seq":0,"patch":{"id":"p0","version":1,"fields":{"a":"x"},"appliedAt":1700000000000}}`, kind: KindPatch},
		{name: "message", line: `{"turnId":"T1","message":"Looking at the scope"}`, kind: KindMessage},
		{name: "done", line: `{"done":true}`, kind: KindDone},
		{name: "error", line: `{"error":"upstream overloaded"}`, kind: KindError},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			chunk, err := Decode([]byte(tc.line))
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if chunk.Kind != tc.kind {
				t.Fatalf("expected %s, got %s", tc.kind, chunk.Kind)
			}
		})
	}
}

func TestDecodePatchFields(t *testing.T) {
	chunk, err := Decode([]byte(`{"turnId":"T1","seq":3,"patch":{"id":"p3","version":4,"fields":{"project.name":"Aurora"},"appliedAt":1700000000000}}`))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if chunk.TurnID != "T1" || chunk.Seq != 3 {
		t.Fatalf("unexpected chunk header: %+v", chunk)
	}
	if chunk.Patch.ID != "p3" || chunk.Patch.Version != 4 || chunk.Patch.AppliedAt != 1700000000000 {
		t.Fatalf("unexpected patch: %+v", chunk.Patch)
	}
	if chunk.Patch.Fields["project.name"] != "Aurora" {
		t.Fatalf("unexpected fields: %+v", chunk.Patch.Fields)
	}
}

func TestDecodeRejectsBadChunks(t *testing.T) {
	tests := []struct {
		line string
		want error
	}{
		{line: `{}`, want: ErrUnknownChunk},
		{line: `not json`, want: ErrMalformed},
		{line: `{"seq":1,"patch":{"id":"p"}}`, want: ErrMalformed},
		{line: `{"turnId":"T1","patch":{"id":"p"}}`, want: ErrMalformed},
	}
	for _, tc := range tests {
		if _, err := Decode([]byte(tc.line)); !errors.Is(err, tc.want) {
			t.Fatalf("Decode(%s) error = %v, want %v", tc.line, err, tc.want)
		}
	}
}

func TestEncoderRoundTripsThroughReader(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	chunks := []Chunk{
		TurnOpen("T1"),
		Patch("T1", 0, model.DocumentPatch{ID: "p0", Fields: map[string]any{"a": "x"}}),
		Message("T1", "done thinking"),
		Done(),
	}
	for _, c := range chunks {
		if err := enc.Encode(c); err != nil {
			t.Fatalf("Encode() error = %v", err)
		}
	}
	// blank lines between chunks are tolerated
	stream := strings.ReplaceAll(buf.String(), "\n", "\n\n")

	r := NewReader(strings.NewReader(stream))
	var kinds []Kind
	for {
		c, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("Next() error = %v", err)
		}
		kinds = append(kinds, c.Kind)
	}
	want := []Kind{KindTurnOpen, KindPatch, KindMessage, KindDone}
	if len(kinds) != len(want) {
		t.Fatalf("expected %v, got %v", want, kinds)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, kinds)
		}
	}
}

func TestHTTPTransportStreamsBody(t *testing.T) {
	var got Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/x-ndjson")
		enc := NewEncoder(w)
		_ = enc.Encode(TurnOpen("T9"))
		_ = enc.Encode(Done())
	}))
	defer srv.Close()

	tr := NewHTTPTransport(srv.URL, "secret")
	body, err := tr.Open(context.Background(), Request{SessionID: "s1", Prompt: "fill it"})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer body.Close()

	first, err := NewReader(body).Next()
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if first.Kind != KindTurnOpen || first.TurnID != "T9" {
		t.Fatalf("unexpected first chunk: %+v", first)
	}
	if got.SessionID != "s1" || got.Prompt != "fill it" {
		t.Fatalf("unexpected request body: %+v", got)
	}
}

func TestHTTPTransportStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewHTTPTransport(srv.URL, "").Open(context.Background(), Request{})
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("expected StatusError, got %v", err)
	}
	if statusErr.StatusCode != http.StatusServiceUnavailable || statusErr.Body != "overloaded" {
		t.Fatalf("unexpected status error: %+v", statusErr)
	}
}
