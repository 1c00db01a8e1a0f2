package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"charterdesk/api/internal/export"
	"charterdesk/api/internal/wizard"
)

// maxIngestBytes bounds a pushed agent stream.
const maxIngestBytes = 8 << 20

type HTTPServer struct {
	service    *Service
	corsOrigin string
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

// NewServer wraps handler in the process http.Server. Only headers have a
// read deadline: ingest bodies and draft streams stay open for a whole
// agent turn, which the turn watchdog bounds.
func NewServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		ready, checks := s.service.Readiness(ctx)
		status, statusCode := "ready", http.StatusOK
		if !ready {
			status, statusCode = "not_ready", http.StatusServiceUnavailable
		}
		writeJSON(w, statusCode, map[string]any{
			"ok":     ready,
			"status": status,
			"checks": checks,
		})
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) == 2 && parts[0] == "api" && parts[1] == "sessions" {
		switch r.Method {
		case http.MethodGet:
			writeJSON(w, http.StatusOK, map[string]any{"items": s.service.ListSessions()})
		case http.MethodPost:
			var body struct {
				Title  string `json:"title"`
				Policy string `json:"policy"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			view, err := s.service.CreateSession(r.Context(), body.Title, body.Policy, author(r))
			if err != nil {
				writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusCreated, view)
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	if len(parts) >= 3 && parts[0] == "api" && parts[1] == "sessions" {
		s.handleSession(w, r, parts[2], parts[3:])
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleSession(w http.ResponseWriter, r *http.Request, sessionID string, rest []string) {
	route := strings.Join(rest, "/")
	switch {
	case route == "" && r.Method == http.MethodGet:
		view, err := s.service.GetSession(sessionID)
		respond(w, view, err)
	case route == "" && r.Method == http.MethodDelete:
		err := s.service.CloseSession(r.Context(), sessionID)
		respond(w, map[string]any{"ok": true}, err)
	case route == "reset" && r.Method == http.MethodPost:
		view, err := s.service.ResetSession(sessionID)
		respond(w, view, err)

	case route == "draft" && r.Method == http.MethodGet:
		snap, err := s.service.Draft(sessionID)
		respond(w, snap, err)
	case route == "draft/stream" && r.Method == http.MethodGet:
		s.streamDraft(w, r, sessionID)
	case route == "oplog" && r.Method == http.MethodGet:
		items, err := s.service.Oplog(sessionID)
		respond(w, map[string]any{"items": items}, err)
	case route == "turns" && r.Method == http.MethodGet:
		view, err := s.service.Turns(sessionID)
		respond(w, view, err)
	case route == "history" && r.Method == http.MethodGet:
		limit := 50
		if raw := r.URL.Query().Get("limit"); raw != "" {
			if n, err := strconv.Atoi(raw); err == nil && n > 0 {
				limit = n
			}
		}
		view, err := s.service.History(r.Context(), sessionID, limit)
		respond(w, view, err)
	case len(rest) == 2 && rest[0] == "history" && r.Method == http.MethodGet:
		snap, err := s.service.Revision(sessionID, rest[1])
		respond(w, snap, err)

	case route == "input/typing" && r.Method == http.MethodPost:
		var body struct {
			Text string `json:"text"`
		}
		if !decodeOrReject(w, r, &body) {
			return
		}
		state, err := s.service.Typing(sessionID, body.Text)
		respond(w, state, err)
	case route == "input/focus" && r.Method == http.MethodPost:
		body := struct {
			Focused *bool `json:"focused"`
		}{}
		if !decodeOrReject(w, r, &body) {
			return
		}
		focused := body.Focused == nil || *body.Focused
		state, err := s.service.Focus(sessionID, focused)
		respond(w, state, err)
	case route == "input/submit" && r.Method == http.MethodPost:
		var body struct {
			Channel string `json:"channel"`
			Text    string `json:"text"`
		}
		if !decodeOrReject(w, r, &body) {
			return
		}
		res, err := s.service.Submit(sessionID, body.Channel, body.Text)
		respond(w, res, err)
	case route == "voice/transcript" && r.Method == http.MethodPost:
		var body struct {
			Text    string `json:"text"`
			IsFinal bool   `json:"isFinal"`
		}
		if !decodeOrReject(w, r, &body) {
			return
		}
		res, err := s.service.VoiceTranscript(sessionID, body.Text, body.IsFinal)
		respond(w, map[string]any{"committed": res != nil, "result": res}, err)
	case route == "voice/status" && r.Method == http.MethodPost:
		var body struct {
			Status string `json:"status"`
		}
		if !decodeOrReject(w, r, &body) {
			return
		}
		state, err := s.service.SetVoiceStatus(sessionID, body.Status)
		respond(w, state, err)

	case route == "turns" && r.Method == http.MethodPost:
		var body struct {
			Prompt string `json:"prompt"`
			Wait   bool   `json:"wait"`
		}
		if !decodeOrReject(w, r, &body) {
			return
		}
		payload, err := s.service.StartTurn(r.Context(), sessionID, body.Prompt, body.Wait)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		status := http.StatusAccepted
		if body.Wait {
			status = http.StatusOK
		}
		writeJSON(w, status, payload)
	case route == "turns/ingest" && r.Method == http.MethodPost:
		// A pushed stream lives as long as the turn; the stall watchdog
		// bounds it instead of the server read deadline.
		_ = http.NewResponseController(w).SetReadDeadline(time.Time{})
		body := http.MaxBytesReader(w, r.Body, maxIngestBytes)
		payload, err := s.service.IngestTurn(r.Context(), sessionID, body)
		respond(w, payload, err)
	case route == "turns/active" && r.Method == http.MethodDelete:
		cancelled, err := s.service.CancelTurn(sessionID)
		respond(w, map[string]any{"cancelled": cancelled}, err)

	case route == "locks" && (r.Method == http.MethodPost || r.Method == http.MethodDelete):
		path := r.URL.Query().Get("path")
		var (
			locks map[string]bool
			err   error
		)
		if r.Method == http.MethodPost {
			locks, err = s.service.Lock(sessionID, path)
		} else {
			locks, err = s.service.Unlock(sessionID, path)
		}
		respond(w, map[string]any{"locks": locks}, err)

	case route == "wizard" && r.Method == http.MethodGet:
		view, err := s.service.Wizard(sessionID)
		respond(w, view, err)
	case len(rest) == 2 && rest[0] == "wizard" && r.Method == http.MethodPost:
		var body struct {
			Value   any    `json:"value"`
			Reason  string `json:"reason"`
			FieldID string `json:"fieldId"`
		}
		if !decodeOrReject(w, r, &body) {
			return
		}
		ev := wizard.Event{Kind: wizard.EventKind(rest[1]), Value: body.Value, Reason: body.Reason, FieldID: body.FieldID}
		payload, err := s.service.WizardEvent(r.Context(), sessionID, ev, author(r))
		respond(w, payload, err)

	case route == "export" && r.Method == http.MethodPost:
		var body struct {
			Format string `json:"format"`
		}
		if !decodeOrReject(w, r, &body) {
			return
		}
		format, err := export.ParseFormat(body.Format)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "format must be 'pdf' or 'docx'", nil)
			return
		}
		result, err := s.service.Export(r.Context(), sessionID, format)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		w.Header().Set("Content-Disposition", "attachment; filename=\""+result.Filename+"\"")
		w.Header().Set("Content-Type", result.MimeType)
		w.Header().Set("X-Draft-Version", strconv.FormatInt(result.Version, 10))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(result.Data)

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

// streamDraft writes one JSON snapshot per line until the client goes away
// or the session closes.
func (s *HTTPServer) streamDraft(w http.ResponseWriter, r *http.Request, sessionID string) {
	snaps, stop, err := s.service.SubscribeDraft(sessionID)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	defer stop()

	flusher, _ := w.(http.Flusher)
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	enc := json.NewEncoder(w)
	for {
		select {
		case <-r.Context().Done():
			return
		case snap, ok := <-snaps:
			if !ok {
				return
			}
			if err := enc.Encode(snap); err != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
	}
}

func respond(w http.ResponseWriter, payload any, err error) {
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func decodeOrReject(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := decodeBody(r, target); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return false
	}
	return true
}

// author names who performed a change; there are no accounts here.
func author(r *http.Request) string {
	if name := strings.TrimSpace(r.Header.Get("X-Author")); name != "" {
		return name
	}
	return "Charterdesk"
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, X-Author, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,DELETE,OPTIONS")
	header.Set("Access-Control-Expose-Headers", "Content-Disposition, X-Draft-Version, X-Request-ID")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func writeMappedError(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		log.Printf("request failed: %v", err)
	}
	writeError(w, status, code, message, details)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) || errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}
