package syncstate

import (
	"fmt"
	"strings"

	"charterdesk/api/internal/model"
)

// SetPendingTurn records a turn request that has been sent to the transport
// but has not yet announced its turn id.
func (c *Container) SetPendingTurn(ref string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pendingTurn = ref
}

func (c *Container) PendingTurn() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pendingTurn
}

func (c *Container) ActiveTurnID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeTurnID
}

// OpenTurn makes id the active turn. Any other turn still open is cancelled
// first; its id is returned so the caller can abort that turn's transport.
// Opening the already-active turn again is a no-op.
func (c *Container) OpenTurn(id string, source model.Source) (cancelled string, err error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", ErrEmptyTurnID
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.turnIndex[id]; ok {
		if existing.Status == model.TurnOpen {
			return "", nil
		}
		return "", fmt.Errorf("open turn %s: %w", id, ErrTurnClosed)
	}
	if c.activeTurnID != "" {
		cancelled = c.activeTurnID
		c.cancelLocked(cancelled, "superseded by turn "+id)
	}
	if source == "" {
		source = model.SourceAgent
	}
	now := c.now()
	turn := &model.AgentTurn{
		ID:        id,
		Source:    source,
		Status:    model.TurnOpen,
		CreatedAt: now,
		UpdatedAt: now,
	}
	c.turns = append(c.turns, turn)
	c.turnIndex[id] = turn
	c.activeTurnID = id
	c.pendingTurn = ""
	c.lastProgress[id] = now
	c.publishLocked()
	return cancelled, nil
}

// FailPendingTurn records a turn request whose stream never opened as an
// already finalized turn carrying cause. The active turn is left alone.
func (c *Container) FailPendingTurn(ref string, source model.Source, cause error) error {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return ErrEmptyTurnID
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.turnIndex[ref]; ok {
		return fmt.Errorf("fail pending turn %s: %w", ref, ErrTurnClosed)
	}
	if c.pendingTurn == ref {
		c.pendingTurn = ""
	}
	if source == "" {
		source = model.SourceAgent
	}
	now := c.now()
	turn := &model.AgentTurn{
		ID:          ref,
		Source:      source,
		Status:      model.TurnFinalized,
		CreatedAt:   now,
		UpdatedAt:   now,
		CompletedAt: &now,
	}
	if cause != nil {
		turn.Error = cause.Error()
	}
	c.turns = append(c.turns, turn)
	c.turnIndex[ref] = turn
	c.publishLocked()
	return nil
}

// AppendTurnEvent records an informational agent event on an open turn.
func (c *Container) AppendTurnEvent(turnID string, ev model.InputEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	turn, err := c.openTurnLocked(turnID)
	if err != nil {
		return err
	}
	ev.TurnID = turnID
	turn.Events = append(turn.Events, ev)
	turn.UpdatedAt = c.now()
	return nil
}

// FinalizeTurn closes a turn after its terminal signal. Patches still
// buffered behind a sequence gap are discarded and returned.
func (c *Container) FinalizeTurn(turnID string) ([]int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	turn, err := c.openTurnLocked(turnID)
	if err != nil {
		return nil, err
	}
	dropped := c.dropQueueLocked(turnID)
	c.closeLocked(turn, dropped)
	if len(dropped) > 0 {
		c.logger.Warn("syncstate: turn finalized with unapplied patches",
			"turn_id", turnID, "dropped_seqs", dropped)
	}
	c.publishLocked()
	return dropped, nil
}

// CancelTurn closes an open turn with a cancellation reason and discards its
// patch queue in full. It reports whether anything changed.
func (c *Container) CancelTurn(turnID, reason string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.cancelLocked(turnID, reason) {
		return false
	}
	c.publishLocked()
	return true
}

func (c *Container) cancelLocked(turnID, reason string) bool {
	turn, ok := c.turnIndex[turnID]
	if !ok || turn.Status != model.TurnOpen {
		return false
	}
	dropped := c.dropQueueLocked(turnID)
	turn.Cancelled = true
	turn.CancelReason = reason
	c.closeLocked(turn, dropped)
	c.logger.Info("syncstate: turn cancelled",
		"turn_id", turnID, "reason", reason, "dropped", len(dropped))
	return true
}

// FailTurn closes an open turn with a transport error attached.
func (c *Container) FailTurn(turnID string, cause error) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	turn, ok := c.turnIndex[turnID]
	if !ok || turn.Status != model.TurnOpen {
		return false
	}
	dropped := c.dropQueueLocked(turnID)
	if cause != nil {
		turn.Error = cause.Error()
	}
	c.closeLocked(turn, dropped)
	c.publishLocked()
	return true
}

func (c *Container) closeLocked(turn *model.AgentTurn, dropped []int64) {
	now := c.now()
	turn.Status = model.TurnFinalized
	turn.DroppedSeqs = append(turn.DroppedSeqs, dropped...)
	turn.UpdatedAt = now
	turn.CompletedAt = &now
	if c.activeTurnID == turn.ID {
		c.activeTurnID = ""
	}
	delete(c.lastProgress, turn.ID)
}

func (c *Container) openTurnLocked(turnID string) (*model.AgentTurn, error) {
	turn, ok := c.turnIndex[turnID]
	if !ok {
		return nil, fmt.Errorf("turn %s: %w", turnID, ErrUnknownTurn)
	}
	if turn.Status != model.TurnOpen {
		return nil, fmt.Errorf("turn %s: %w", turnID, ErrTurnNotOpen)
	}
	return turn, nil
}

func (c *Container) Turn(id string) (model.AgentTurn, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	turn, ok := c.turnIndex[id]
	if !ok {
		return model.AgentTurn{}, false
	}
	return turn.Clone(), true
}

func (c *Container) Turns() []model.AgentTurn {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]model.AgentTurn, 0, len(c.turns))
	for _, turn := range c.turns {
		out = append(out, turn.Clone())
	}
	return out
}
