// Package gateway is the only entry point for typed and spoken user input.
// It enforces the channel policy, records preview events for live display
// and commits finalized input to the draft as a locking user patch.
package gateway

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"charterdesk/api/internal/model"
	"charterdesk/api/internal/syncstate"
	"charterdesk/api/internal/util"
)

var (
	ErrTypingPaused = errors.New("typed input is paused while voice is active")
	ErrVoicePaused  = errors.New("voice channel is paused")
	ErrEmptyInput   = errors.New("input is empty")
)

// FreeformPath receives finalized input when no field is waiting for a value.
const FreeformPath = "notes.freeform"

type VoiceStatus string

const (
	VoiceIdle         VoiceStatus = "idle"
	VoiceListening    VoiceStatus = "listening"
	VoiceTranscribing VoiceStatus = "transcribing"
	VoicePaused       VoiceStatus = "paused"
)

func ParseVoiceStatus(raw string) (VoiceStatus, error) {
	switch VoiceStatus(strings.ToLower(strings.TrimSpace(raw))) {
	case VoiceIdle:
		return VoiceIdle, nil
	case VoiceListening:
		return VoiceListening, nil
	case VoiceTranscribing:
		return VoiceTranscribing, nil
	case VoicePaused:
		return VoicePaused, nil
	default:
		return "", fmt.Errorf("unknown voice status %q", raw)
	}
}

func (s VoiceStatus) active() bool {
	return s == VoiceListening || s == VoiceTranscribing
}

// FieldTarget names the draft path the next finalized input should fill.
type FieldTarget interface {
	ActiveFieldPath() (string, bool)
}

// VoiceControl is told when the typed surface suspends the microphone.
type VoiceControl interface {
	Suspend()
}

type Options struct {
	Target FieldTarget
	Voice  VoiceControl
	Logger *slog.Logger
	Now    func() time.Time
}

// State is the observable channel state.
type State struct {
	Policy        model.Policy `json:"policy"`
	Voice         VoiceStatus  `json:"voice"`
	TypingFocused bool         `json:"typingFocused"`
	TypingPaused  bool         `json:"typingPaused"`
	PendingTyping string       `json:"pendingTyping,omitempty"`
	PendingVoice  string       `json:"pendingVoice,omitempty"`
}

// Submission is the result of committing finalized input.
type Submission struct {
	Event  model.InputEvent `json:"event"`
	Path   string           `json:"path"`
	Record model.OpRecord   `json:"record"`
}

type Gateway struct {
	store  *syncstate.Container
	target FieldTarget
	voiceC VoiceControl
	logger *slog.Logger
	now    func() time.Time

	mu            sync.Mutex
	voice         VoiceStatus
	typingFocused bool
	typingText    string
	voiceText     string
}

func New(store *syncstate.Container, opts Options) *Gateway {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Gateway{
		store:  store,
		target: opts.Target,
		voiceC: opts.Voice,
		logger: opts.Logger,
		now:    opts.Now,
		voice:  VoiceIdle,
	}
}

// SetTarget replaces the field target; nil routes input to FreeformPath.
func (g *Gateway) SetTarget(target FieldTarget) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.target = target
}

func (g *Gateway) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stateLocked()
}

func (g *Gateway) stateLocked() State {
	return State{
		Policy:        g.store.Policy(),
		Voice:         g.voice,
		TypingFocused: g.typingFocused,
		TypingPaused:  g.typingPausedLocked(),
		PendingTyping: g.typingText,
		PendingVoice:  g.voiceText,
	}
}

func (g *Gateway) TypingPaused() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.typingPausedLocked()
}

func (g *Gateway) typingPausedLocked() bool {
	return g.store.Policy() == model.PolicyExclusive && g.voice.active()
}

// OnTypingChange records a keystroke-level preview. The text stays pending
// until it is submitted, even while typing is paused.
func (g *Gateway) OnTypingChange(text string) {
	g.mu.Lock()
	g.typingText = text
	g.mu.Unlock()
	g.store.AppendPreview(g.event(model.ChannelTyping, model.StagePreview, text, ""))
}

// FocusTyping activates the typed surface. Under the exclusive policy an
// active voice channel is suspended.
func (g *Gateway) FocusTyping() State {
	g.mu.Lock()
	g.typingFocused = true
	suspend := g.store.Policy() == model.PolicyExclusive && g.voice.active()
	if suspend {
		g.voice = VoicePaused
	}
	state := g.stateLocked()
	voiceC := g.voiceC
	g.mu.Unlock()

	if suspend {
		g.logger.Debug("gateway: voice suspended by typing focus")
		if voiceC != nil {
			voiceC.Suspend()
		}
	}
	return state
}

func (g *Gateway) BlurTyping() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.typingFocused = false
	return g.stateLocked()
}

func (g *Gateway) SetVoiceStatus(status VoiceStatus) State {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.voice = status
	if status.active() && g.store.Policy() == model.PolicyExclusive {
		g.typingFocused = false
	}
	return g.stateLocked()
}

// OnVoiceTranscript records a partial transcript as preview. A final
// transcript marks end of utterance and is committed.
func (g *Gateway) OnVoiceTranscript(text string, isFinal bool) (*Submission, error) {
	g.mu.Lock()
	if g.voice == VoicePaused {
		g.mu.Unlock()
		return nil, ErrVoicePaused
	}
	g.voiceText = text
	g.mu.Unlock()

	if !isFinal {
		g.store.AppendPreview(g.event(model.ChannelVoice, model.StagePreview, text, ""))
		return nil, nil
	}
	return g.SubmitFinalInput(model.ChannelVoice)
}

func (g *Gateway) SubmitTyping(text string) (*Submission, error) {
	g.mu.Lock()
	g.typingText = text
	g.mu.Unlock()
	return g.SubmitFinalInput(model.ChannelTyping)
}

func (g *Gateway) SubmitVoiceFinal(text string) (*Submission, error) {
	return g.OnVoiceTranscript(text, true)
}

// SubmitFinalInput commits the pending text of channel. Refused typed text
// stays pending so nothing the user typed is lost.
func (g *Gateway) SubmitFinalInput(channel model.Channel) (*Submission, error) {
	g.mu.Lock()
	var text string
	switch channel {
	case model.ChannelTyping:
		if g.typingPausedLocked() {
			g.mu.Unlock()
			return nil, ErrTypingPaused
		}
		text = g.typingText
	case model.ChannelVoice:
		if g.voice == VoicePaused {
			g.mu.Unlock()
			return nil, ErrVoicePaused
		}
		text = g.voiceText
	default:
		g.mu.Unlock()
		return nil, fmt.Errorf("submit input: unknown channel %q", channel)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		g.mu.Unlock()
		return nil, ErrEmptyInput
	}
	path := FreeformPath
	if g.target != nil {
		if p, ok := g.target.ActiveFieldPath(); ok && p != "" {
			path = p
		}
	}
	if channel == model.ChannelTyping {
		g.typingText = ""
	} else {
		g.voiceText = ""
	}
	g.mu.Unlock()

	ev := g.event(channel, model.StageFinal, text, path)
	patch := model.DocumentPatch{
		ID:     util.NewID("patch"),
		Fields: map[string]any{path: text},
	}
	rec := g.store.CommitUserInput(ev, patch)
	return &Submission{Event: ev, Path: path, Record: rec}, nil
}

func (g *Gateway) event(channel model.Channel, stage model.Stage, text, path string) model.InputEvent {
	ev := model.InputEvent{
		ID:        util.NewID("evt"),
		Source:    model.SourceUser,
		Stage:     stage,
		Channel:   channel,
		Content:   text,
		CreatedAt: g.now(),
	}
	if path != "" {
		ev.Metadata = map[string]string{"path": path}
	}
	return ev
}
