// Package wizard walks the user through the charter fields one at a time.
// It shares the draft and the lock map with the agent turns: confirming a
// field locks its path, editing a confirmed field unlocks it again.
package wizard

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"charterdesk/api/internal/model"
	"charterdesk/api/internal/util"
)

var (
	ErrInvalidTransition = errors.New("transition not allowed in current step")
	ErrUnknownField      = errors.New("unknown field")
)

type Step string

const (
	StepInit      Step = "INIT"
	StepAsk       Step = "ASK"
	StepCapture   Step = "CAPTURE"
	StepValidate  Step = "VALIDATE"
	StepConfirm   Step = "CONFIRM"
	StepReview    Step = "REVIEW"
	StepFinalized Step = "FINALIZED"
)

type Mode string

const (
	ModeGuided    Mode = "guided"
	ModeReview    Mode = "review"
	ModeFinalized Mode = "finalized"
)

type FieldStatus string

const (
	StatusPending       FieldStatus = "pending"
	StatusAwaitingInput FieldStatus = "awaiting_input"
	StatusCaptured      FieldStatus = "captured"
	StatusConfirmed     FieldStatus = "confirmed"
	StatusSkipped       FieldStatus = "skipped"
)

func (s FieldStatus) done() bool { return s == StatusConfirmed || s == StatusSkipped }

// FieldState is the conversational state of one field.
type FieldState struct {
	ID             string      `json:"id"`
	Path           string      `json:"path"`
	Label          string      `json:"label"`
	Prompt         string      `json:"prompt,omitempty"`
	Required       bool        `json:"required"`
	Value          any         `json:"value,omitempty"`
	ConfirmedValue any         `json:"confirmedValue,omitempty"`
	Suggestion     any         `json:"suggestion,omitempty"`
	Status         FieldStatus `json:"status"`
	Error          string      `json:"error,omitempty"`
	Issues         []string    `json:"issues,omitempty"`
	SkipReason     string      `json:"skipReason,omitempty"`
}

// Store is the slice of the sync state the wizard writes through.
type Store interface {
	ApplyUserPatch(patch model.DocumentPatch) model.OpRecord
	Unlock(path string) bool
	Draft() model.DraftDocument
}

type EventKind string

const (
	EventStart     EventKind = "start"
	EventCapture   EventKind = "capture"
	EventConfirm   EventKind = "confirm"
	EventSkip      EventKind = "skip"
	EventBack      EventKind = "back"
	EventEdit      EventKind = "edit"
	EventReview    EventKind = "review"
	EventEndReview EventKind = "end-review"
	EventFinalize  EventKind = "finalize"
)

// Event is one input to the state machine.
type Event struct {
	Kind    EventKind `json:"kind"`
	Value   any       `json:"value,omitempty"`
	Reason  string    `json:"reason,omitempty"`
	FieldID string    `json:"fieldId,omitempty"`
}

var fieldSteps = map[Step]bool{StepAsk: true, StepCapture: true, StepConfirm: true}

// allowed lists the steps each event may fire from. Edit is additionally
// accepted from any step but INIT.
var allowed = map[EventKind]map[Step]bool{
	EventStart:     {StepInit: true},
	EventCapture:   fieldSteps,
	EventConfirm:   {StepConfirm: true},
	EventSkip:      fieldSteps,
	EventBack:      fieldSteps,
	EventEdit:      {StepAsk: true, StepCapture: true, StepConfirm: true, StepReview: true, StepFinalized: true},
	EventReview:    fieldSteps,
	EventEndReview: {StepReview: true},
	EventFinalize:  {StepReview: true},
}

// State is a read-only view of the machine.
type State struct {
	Step         Step         `json:"step"`
	Mode         Mode         `json:"mode"`
	CurrentField string       `json:"currentField,omitempty"`
	Fields       []FieldState `json:"fields"`
	Completed    int          `json:"completed"`
	Total        int          `json:"total"`
	FinalizedAt  *time.Time   `json:"finalizedAt,omitempty"`
}

// Summary is the review aggregate.
type Summary struct {
	Title           string       `json:"title"`
	Fields          []FieldState `json:"fields"`
	Completed       int          `json:"completed"`
	Total           int          `json:"total"`
	Progress        float64      `json:"progress"`
	MissingRequired []string     `json:"missingRequired"`
}

type Options struct {
	Logger *slog.Logger
	Now    func() time.Time
}

type Machine struct {
	schema     Schema
	validators map[string]validator
	store      Store
	logger     *slog.Logger
	now        func() time.Time

	mu          sync.Mutex
	step        Step
	mode        Mode
	current     int
	fields      []FieldState
	index       map[string]int
	resumeStep  Step
	resumeIdx   int
	finalizedAt *time.Time
}

func New(schema Schema, store Store, opts Options) (*Machine, error) {
	schema, err := schema.normalized()
	if err != nil {
		return nil, err
	}
	validators, err := compileValidators(schema.Fields)
	if err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	m := &Machine{
		schema:     schema,
		validators: validators,
		store:      store,
		logger:     opts.Logger,
		now:        opts.Now,
		index:      make(map[string]int, len(schema.Fields)),
	}
	for i, f := range schema.Fields {
		m.index[f.ID] = i
	}
	m.resetLocked()
	return m, nil
}

func (m *Machine) Schema() Schema { return m.schema }

func (m *Machine) resetLocked() {
	m.fields = make([]FieldState, len(m.schema.Fields))
	for i, f := range m.schema.Fields {
		m.fields[i] = FieldState{
			ID:       f.ID,
			Path:     f.Path,
			Label:    f.Label,
			Prompt:   f.Prompt,
			Required: f.Required,
			Status:   StatusPending,
		}
	}
	m.step = StepInit
	m.mode = ModeGuided
	m.current = 0
	m.resumeStep = ""
	m.finalizedAt = nil
}

// Reset returns every field to pending and the machine to INIT. The draft
// and locks are left alone.
func (m *Machine) Reset() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resetLocked()
	return m.stateLocked()
}

// Dispatch applies one event. Validation failures are not errors: the
// field stays on ASK with Error and Issues set.
func (m *Machine) Dispatch(ev Event) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !allowed[ev.Kind][m.step] {
		if _, known := allowed[ev.Kind]; !known {
			return m.stateLocked(), fmt.Errorf("wizard: unknown event %q", ev.Kind)
		}
		return m.stateLocked(), fmt.Errorf("wizard: %s from %s: %w", ev.Kind, m.step, ErrInvalidTransition)
	}

	from := m.step
	var err error
	switch ev.Kind {
	case EventStart:
		m.ask(m.nextOpen(0))
	case EventCapture:
		m.capture(ev.Value)
	case EventConfirm:
		m.confirm()
	case EventSkip:
		f := &m.fields[m.current]
		f.Status = StatusSkipped
		f.SkipReason = ev.Reason
		f.Error, f.Issues = "", nil
		m.advance()
	case EventBack:
		err = m.back()
	case EventEdit:
		err = m.edit(ev.FieldID)
	case EventReview:
		m.resumeStep, m.resumeIdx = m.step, m.current
		m.enterReview()
	case EventEndReview:
		err = m.endReview()
	case EventFinalize:
		now := m.now()
		m.finalizedAt = &now
		m.step = StepFinalized
		m.mode = ModeFinalized
	}
	if err != nil {
		return m.stateLocked(), err
	}
	m.logger.Debug("wizard: transition", "event", ev.Kind, "from", from, "to", m.step, "field", m.currentID())
	return m.stateLocked(), nil
}

func (m *Machine) Start() (State, error) { return m.Dispatch(Event{Kind: EventStart}) }

func (m *Machine) Capture(value any) (State, error) {
	return m.Dispatch(Event{Kind: EventCapture, Value: value})
}

func (m *Machine) Confirm() (State, error) { return m.Dispatch(Event{Kind: EventConfirm}) }

func (m *Machine) Skip(reason string) (State, error) {
	return m.Dispatch(Event{Kind: EventSkip, Reason: reason})
}

func (m *Machine) Back() (State, error) { return m.Dispatch(Event{Kind: EventBack}) }

func (m *Machine) Edit(fieldID string) (State, error) {
	return m.Dispatch(Event{Kind: EventEdit, FieldID: fieldID})
}

func (m *Machine) Review() (State, error)    { return m.Dispatch(Event{Kind: EventReview}) }
func (m *Machine) EndReview() (State, error) { return m.Dispatch(Event{Kind: EventEndReview}) }
func (m *Machine) Finalize() (State, error)  { return m.Dispatch(Event{Kind: EventFinalize}) }

// ask makes field idx current and waits for a value. A draft value the
// user has not confirmed yet is offered as suggestion.
func (m *Machine) ask(idx int) {
	if idx < 0 {
		m.enterReview()
		return
	}
	m.current = idx
	m.step = StepAsk
	f := &m.fields[idx]
	if f.Status != StatusConfirmed {
		f.Status = StatusAwaitingInput
	}
	if f.Suggestion == nil {
		if v, ok := m.store.Draft().Fields[f.Path]; ok {
			f.Suggestion = v
		}
	}
}

func (m *Machine) capture(raw any) {
	f := &m.fields[m.current]
	f.Value = raw
	f.Status = StatusCaptured
	m.step = StepValidate

	value, issues := m.validators[f.ID].check(raw)
	f.Value = value
	if len(issues) > 0 {
		f.Error = issues[0]
		f.Issues = issues
		f.Status = StatusAwaitingInput
		m.step = StepAsk
		return
	}
	f.Error, f.Issues = "", nil
	m.step = StepConfirm
}

func (m *Machine) confirm() {
	f := &m.fields[m.current]
	f.Status = StatusConfirmed
	f.ConfirmedValue = f.Value
	f.Suggestion = nil
	m.store.ApplyUserPatch(model.DocumentPatch{
		ID:     util.NewID("patch"),
		Fields: map[string]any{f.Path: f.Value},
	})
	m.advance()
}

// advance moves to the next unfinished field in declared order, wrapping
// once, and to review when none is left. A finalized session returns to
// FINALIZED after an edit instead.
func (m *Machine) advance() {
	next := m.nextOpen(m.current + 1)
	if next < 0 {
		next = m.nextOpen(0)
	}
	if next >= 0 {
		m.ask(next)
		return
	}
	if m.mode == ModeFinalized {
		m.step = StepFinalized
		return
	}
	m.resumeStep = ""
	m.enterReview()
}

func (m *Machine) nextOpen(from int) int {
	for i := from; i < len(m.fields); i++ {
		if !m.fields[i].Status.done() {
			return i
		}
	}
	return -1
}

func (m *Machine) back() error {
	if m.current == 0 {
		return fmt.Errorf("wizard: back from first field: %w", ErrInvalidTransition)
	}
	if f := &m.fields[m.current]; f.Status == StatusAwaitingInput || f.Status == StatusCaptured {
		f.Status = StatusPending
	}
	m.reopen(m.current - 1)
	return nil
}

func (m *Machine) edit(fieldID string) error {
	idx, ok := m.index[fieldID]
	if !ok {
		return fmt.Errorf("wizard: edit %q: %w", fieldID, ErrUnknownField)
	}
	m.reopen(idx)
	return nil
}

// reopen re-enters ASK for a field, unlocking its path and keeping the
// prior value as suggestion. Other fields are untouched.
func (m *Machine) reopen(idx int) {
	f := &m.fields[idx]
	if f.Status.done() {
		prior := f.ConfirmedValue
		if prior == nil {
			prior = f.Value
		}
		f.Suggestion = prior
		f.Status = StatusAwaitingInput
		f.SkipReason = ""
	}
	m.store.Unlock(f.Path)
	if m.mode == ModeReview {
		m.mode = ModeGuided
	}
	m.ask(idx)
}

func (m *Machine) enterReview() {
	m.step = StepReview
	if m.mode != ModeFinalized {
		m.mode = ModeReview
	}
}

func (m *Machine) endReview() error {
	m.mode = ModeGuided
	if m.resumeStep != "" {
		m.step, m.current = m.resumeStep, m.resumeIdx
		m.resumeStep = ""
		return nil
	}
	next := m.nextOpen(0)
	if next < 0 {
		m.mode = ModeReview
		return fmt.Errorf("wizard: every field is done, edit one instead: %w", ErrInvalidTransition)
	}
	m.ask(next)
	return nil
}

func (m *Machine) currentID() string {
	if m.step == StepInit || m.current >= len(m.fields) {
		return ""
	}
	return m.fields[m.current].ID
}

// ActiveFieldPath is the draft path the next finalized input fills, if the
// machine is waiting for a value.
func (m *Machine) ActiveFieldPath() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !fieldSteps[m.step] {
		return "", false
	}
	return m.fields[m.current].Path, true
}

// AwaitingValue reports whether Capture would be accepted.
func (m *Machine) AwaitingValue() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fieldSteps[m.step]
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stateLocked()
}

func (m *Machine) stateLocked() State {
	completed := m.completedLocked()
	st := State{
		Step:         m.step,
		Mode:         m.mode,
		CurrentField: m.currentID(),
		Fields:       m.copyFields(),
		Completed:    completed,
		Total:        len(m.fields),
	}
	if m.finalizedAt != nil {
		at := *m.finalizedAt
		st.FinalizedAt = &at
	}
	return st
}

func (m *Machine) completedLocked() int {
	n := 0
	for _, f := range m.fields {
		if f.Status.done() {
			n++
		}
	}
	return n
}

// Progress is completed over total, where completed counts confirmed and
// skipped fields.
func (m *Machine) Progress() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.fields) == 0 {
		return 0
	}
	return float64(m.completedLocked()) / float64(len(m.fields))
}

func (m *Machine) Summary() Summary {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Summary{
		Title:           m.schema.Title,
		Fields:          m.copyFields(),
		Completed:       m.completedLocked(),
		Total:           len(m.fields),
		MissingRequired: []string{},
	}
	if s.Total > 0 {
		s.Progress = float64(s.Completed) / float64(s.Total)
	}
	for _, f := range m.fields {
		if f.Required && f.Status != StatusConfirmed {
			s.MissingRequired = append(s.MissingRequired, f.ID)
		}
	}
	return s
}

func (m *Machine) copyFields() []FieldState {
	out := make([]FieldState, len(m.fields))
	for i, f := range m.fields {
		f.Issues = append([]string(nil), f.Issues...)
		out[i] = f
	}
	return out
}
