// Package syncstate owns the authoritative draft of a charter session: the
// versioned draft document, the append-only oplog, the input buffers, the
// agent turns and the per-turn patch reorder queues.
//
// Every write to the draft funnels through the container's methods, which
// serialize on a single mutex. A finalized user input and an in-flight agent
// patch therefore never interleave inside one logical update.
package syncstate

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"charterdesk/api/internal/model"
)

var (
	ErrUnknownTurn = errors.New("unknown turn")
	ErrTurnNotOpen = errors.New("turn is not open")
	ErrTurnClosed  = errors.New("turn already finalized")
	ErrInvalidSeq  = errors.New("patch sequence must be non-negative")
	ErrEmptyTurnID = errors.New("turn id is required")
)

// DefaultMaxBuffered caps out-of-order patches held per turn.
const DefaultMaxBuffered = 64

type Options struct {
	Policy      model.Policy
	MaxBuffered int
	Logger      *slog.Logger
	Now         func() time.Time
}

// Snapshot is what preview and export consumers observe.
type Snapshot struct {
	Draft        model.DraftDocument `json:"draft"`
	Locks        map[string]bool     `json:"locks"`
	ActiveTurnID string              `json:"activeTurnId,omitempty"`
	Layer        model.Layer         `json:"layer"`
}

type Container struct {
	mu          sync.Mutex
	now         func() time.Time
	logger      *slog.Logger
	maxBuffered int

	layer        model.Layer
	policy       model.Policy
	draft        model.DraftDocument
	oplog        []model.OpRecord
	turns        []*model.AgentTurn
	turnIndex    map[string]*model.AgentTurn
	preview      []model.InputEvent
	final        []model.InputEvent
	activeTurnID string
	pendingTurn  string
	queues       map[string]*PatchQueue
	lastProgress map[string]time.Time
	locks        map[string]bool

	nextSub int
	subs    map[int]chan Snapshot
}

func New(opts Options) *Container {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MaxBuffered <= 0 {
		opts.MaxBuffered = DefaultMaxBuffered
	}
	if opts.Policy == "" {
		opts.Policy = model.PolicyExclusive
	}
	c := &Container{
		now:         opts.Now,
		logger:      opts.Logger,
		maxBuffered: opts.MaxBuffered,
		policy:      opts.Policy,
		subs:        make(map[int]chan Snapshot),
	}
	c.resetLocked()
	return c
}

func (c *Container) resetLocked() {
	c.layer = model.LayerNone
	c.draft = model.DraftDocument{Fields: map[string]any{}, UpdatedAt: c.now()}
	c.oplog = nil
	c.turns = nil
	c.turnIndex = make(map[string]*model.AgentTurn)
	c.preview = nil
	c.final = nil
	c.activeTurnID = ""
	c.pendingTurn = ""
	c.queues = make(map[string]*PatchQueue)
	c.lastProgress = make(map[string]time.Time)
	c.locks = make(map[string]bool)
}

// Reset discards all session state, including locks and buffered patches.
func (c *Container) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resetLocked()
	c.publishLocked()
}

func (c *Container) Policy() model.Policy {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.policy
}

func (c *Container) SetPolicy(policy model.Policy) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.policy = policy
}

func (c *Container) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Container) snapshotLocked() Snapshot {
	return Snapshot{
		Draft:        c.draft.Clone(),
		Locks:        c.locksCopyLocked(),
		ActiveTurnID: c.activeTurnID,
		Layer:        c.layer,
	}
}

func (c *Container) Draft() model.DraftDocument {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.draft.Clone()
}

// Version is the optimistic concurrency token for external consumers.
func (c *Container) Version() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.draft.Version
}

func (c *Container) Oplog() []model.OpRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]model.OpRecord(nil), c.oplog...)
}

// PreviewBuffer returns live (non-final) input events in arrival order.
func (c *Container) PreviewBuffer() []model.InputEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]model.InputEvent(nil), c.preview...)
}

// FinalBuffer returns finalized input events in arrival order.
func (c *Container) FinalBuffer() []model.InputEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]model.InputEvent(nil), c.final...)
}

// AppendPreview records a live keystroke or partial transcript. Preview
// events are display-only and never become patches.
func (c *Container) AppendPreview(ev model.InputEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ev.Stage = model.StagePreview
	c.preview = append(c.preview, ev)
}

// CommitUserInput appends a finalized user event to the final buffer and
// applies its locally synthesized patch in one step. Every path the patch
// touches becomes locked.
func (c *Container) CommitUserInput(ev model.InputEvent, patch model.DocumentPatch) model.OpRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	ev.Stage = model.StageFinal
	c.final = append(c.final, ev)
	rec := c.commitUserLocked(patch, ev.TurnID)
	c.publishLocked()
	return rec
}

// ApplyUserPatch applies a user-authored patch that has no input event
// behind it, such as a wizard confirmation. Touched paths become locked.
func (c *Container) ApplyUserPatch(patch model.DocumentPatch) model.OpRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec := c.commitUserLocked(patch, "")
	c.publishLocked()
	return rec
}

func (c *Container) commitUserLocked(patch model.DocumentPatch, turnID string) model.OpRecord {
	if len(patch.Fields) == 0 {
		return model.OpRecord{}
	}
	patch.Version = c.draft.Version + 1
	if patch.AppliedAt == 0 {
		patch.AppliedAt = c.now().UnixMilli()
	}
	rec := c.applyLocked(patch, model.SourceUser, turnID, 0, false)
	for _, path := range rec.Applied {
		c.locks[path] = true
	}
	return rec
}

// applyLocked is the merge rule. Locked paths are skipped for agent patches
// but the attempt is still written to the oplog. The version moves once per
// patch, and only when at least one path changed.
func (c *Container) applyLocked(patch model.DocumentPatch, origin model.Source, turnID string, seq int64, honorLocks bool) model.OpRecord {
	patch = clonePatch(patch)
	now := c.now()
	var applied, skipped []string
	for _, raw := range patch.Paths() {
		path := model.NormalizePath(raw)
		if path == "" {
			continue
		}
		if honorLocks && c.isLockedLocked(path) {
			skipped = append(skipped, path)
			continue
		}
		c.draft.Fields[path] = patch.Fields[raw]
		applied = append(applied, path)
	}
	if len(applied) > 0 {
		c.draft.Version++
		c.draft.UpdatedAt = now
		if origin == model.SourceUser {
			c.layer = model.LayerLocal
		} else {
			c.layer = model.LayerRemote
		}
	}
	if len(skipped) > 0 {
		c.logger.Debug("syncstate: locked paths skipped",
			"patch_id", patch.ID, "turn_id", turnID, "seq", seq, "paths", skipped)
	}
	rec := model.OpRecord{
		Patch:        patch,
		Origin:       origin,
		TurnID:       turnID,
		Seq:          seq,
		Applied:      applied,
		Skipped:      skipped,
		DraftVersion: c.draft.Version,
		RecordedAt:   now,
	}
	c.oplog = append(c.oplog, rec)
	return rec
}

func clonePatch(p model.DocumentPatch) model.DocumentPatch {
	fields := make(map[string]any, len(p.Fields))
	for k, v := range p.Fields {
		fields[k] = v
	}
	p.Fields = fields
	return p
}

// Lock marks paths as user-owned. A locked path also shields every
// descendant path from agent patches.
func (c *Container) Lock(paths ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	changed := false
	for _, p := range paths {
		p = model.NormalizePath(p)
		if p == "" || c.locks[p] {
			continue
		}
		c.locks[p] = true
		changed = true
	}
	if changed {
		c.publishLocked()
	}
}

// Unlock releases the exact path. Locks held on ancestors or on separately
// locked descendants are left alone.
func (c *Container) Unlock(path string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	path = model.NormalizePath(path)
	if !c.locks[path] {
		return false
	}
	delete(c.locks, path)
	c.publishLocked()
	return true
}

func (c *Container) IsLocked(path string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isLockedLocked(path)
}

func (c *Container) isLockedLocked(path string) bool {
	for _, candidate := range model.Ancestors(path) {
		if c.locks[candidate] {
			return true
		}
	}
	return false
}

func (c *Container) Locks() map[string]bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.locksCopyLocked()
}

func (c *Container) locksCopyLocked() map[string]bool {
	out := make(map[string]bool, len(c.locks))
	for k, v := range c.locks {
		out[k] = v
	}
	return out
}

// Subscribe registers a preview consumer. Delivery is latest-wins: a slow
// reader skips intermediate snapshots instead of blocking writers. The
// current snapshot is delivered immediately.
func (c *Container) Subscribe() (<-chan Snapshot, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextSub
	c.nextSub++
	ch := make(chan Snapshot, 1)
	ch <- c.snapshotLocked()
	c.subs[id] = ch
	return ch, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if sub, ok := c.subs[id]; ok {
			delete(c.subs, id)
			close(sub)
		}
	}
}

func (c *Container) publishLocked() {
	if len(c.subs) == 0 {
		return
	}
	snap := c.snapshotLocked()
	for _, ch := range c.subs {
		select {
		case ch <- snap:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snap:
		default:
		}
	}
}
