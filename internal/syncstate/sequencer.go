package syncstate

import (
	"fmt"
	"sort"
	"time"

	"charterdesk/api/internal/model"
)

// PendingPatch is a patch held until the gap in front of it fills.
type PendingPatch struct {
	Seq        int64               `json:"seq"`
	ReceivedAt time.Time           `json:"receivedAt"`
	Patch      model.DocumentPatch `json:"patch"`
	TurnID     string              `json:"turnId,omitempty"`
}

// PatchQueue is the reorder state of one turn. Buffer stays sorted by Seq.
type PatchQueue struct {
	ExpectedSeq int64          `json:"expectedSeq"`
	Buffer      []PendingPatch `json:"buffer"`
	Overflow    int            `json:"overflow"`
}

type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeBuffered  Outcome = "buffered"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeOverflow  Outcome = "overflow"
)

// Delivery describes what happened to one received patch. Released holds
// the oplog records of every patch applied as a result, in seq order.
type Delivery struct {
	Outcome     Outcome          `json:"outcome"`
	Released    []model.OpRecord `json:"released,omitempty"`
	ExpectedSeq int64            `json:"expectedSeq"`
	Buffered    int              `json:"buffered"`
	// Evicted is the buffered seq pushed out to make room, or zero.
	Evicted     int64            `json:"evicted,omitempty"`
}

// ReceivePatch feeds one agent patch through the turn's reorder queue.
// Seqs below the expected one are duplicates, the expected seq is applied
// and releases any contiguous buffered run, and seqs above it wait.
func (c *Container) ReceivePatch(turnID string, seq int64, patch model.DocumentPatch) (Delivery, error) {
	if seq < 0 {
		return Delivery{}, ErrInvalidSeq
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.openTurnLocked(turnID); err != nil {
		return Delivery{}, fmt.Errorf("receive patch seq %d: %w", seq, err)
	}

	q, ok := c.queues[turnID]
	if !ok {
		q = &PatchQueue{}
		c.queues[turnID] = q
	}

	var d Delivery
	switch {
	case seq < q.ExpectedSeq:
		d.Outcome = OutcomeDuplicate
	case seq == q.ExpectedSeq:
		d.Outcome = OutcomeApplied
		d.Released = append(d.Released, c.applyLocked(patch, model.SourceAgent, turnID, seq, true))
		q.ExpectedSeq++
		for len(q.Buffer) > 0 && q.Buffer[0].Seq == q.ExpectedSeq {
			next := q.Buffer[0]
			q.Buffer = q.Buffer[1:]
			d.Released = append(d.Released, c.applyLocked(next.Patch, model.SourceAgent, turnID, next.Seq, true))
			q.ExpectedSeq++
		}
		c.lastProgress[turnID] = c.now()
	default:
		idx := sort.Search(len(q.Buffer), func(i int) bool { return q.Buffer[i].Seq >= seq })
		switch {
		case idx < len(q.Buffer) && q.Buffer[idx].Seq == seq:
			d.Outcome = OutcomeDuplicate
		case len(q.Buffer) >= c.maxBuffered && idx == len(q.Buffer):
			d.Outcome = OutcomeOverflow
			q.Overflow++
			c.logger.Warn("syncstate: patch buffer full, refusing out-of-order patch",
				"turn_id", turnID, "seq", seq, "expected_seq", q.ExpectedSeq, "cap", c.maxBuffered)
		default:
			// A full buffer keeps the seqs nearest the gap: the highest one
			// makes room for a lower arrival.
			if len(q.Buffer) >= c.maxBuffered {
				last := len(q.Buffer) - 1
				d.Evicted = q.Buffer[last].Seq
				q.Buffer = q.Buffer[:last]
				q.Overflow++
				c.logger.Warn("syncstate: patch buffer full, evicting highest seq",
					"turn_id", turnID, "seq", seq, "evicted_seq", d.Evicted, "cap", c.maxBuffered)
			}
			d.Outcome = OutcomeBuffered
			entry := PendingPatch{Seq: seq, ReceivedAt: c.now(), Patch: clonePatch(patch), TurnID: turnID}
			q.Buffer = append(q.Buffer, PendingPatch{})
			copy(q.Buffer[idx+1:], q.Buffer[idx:])
			q.Buffer[idx] = entry
		}
	}
	d.ExpectedSeq = q.ExpectedSeq
	d.Buffered = len(q.Buffer)
	if len(d.Released) > 0 {
		c.publishLocked()
	}
	return d, nil
}

func (c *Container) dropQueueLocked(turnID string) []int64 {
	q, ok := c.queues[turnID]
	if !ok {
		return nil
	}
	delete(c.queues, turnID)
	dropped := make([]int64, 0, len(q.Buffer))
	for _, entry := range q.Buffer {
		dropped = append(dropped, entry.Seq)
	}
	return dropped
}

// PatchQueues returns a copy of every live reorder queue keyed by turn id.
func (c *Container) PatchQueues() map[string]PatchQueue {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]PatchQueue, len(c.queues))
	for id, q := range c.queues {
		out[id] = PatchQueue{
			ExpectedSeq: q.ExpectedSeq,
			Buffer:      append([]PendingPatch(nil), q.Buffer...),
			Overflow:    q.Overflow,
		}
	}
	return out
}

// Progress is the stall-detection view of an open turn.
type Progress struct {
	TurnID       string    `json:"turnId"`
	LastProgress time.Time `json:"lastProgress"`
	ExpectedSeq  int64     `json:"expectedSeq"`
	Buffered     int       `json:"buffered"`
}

// Progress reports when the turn last applied a patch (or opened, if none).
// ok is false when the turn is not open.
func (c *Container) Progress(turnID string) (Progress, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	last, ok := c.lastProgress[turnID]
	if !ok {
		return Progress{}, false
	}
	p := Progress{TurnID: turnID, LastProgress: last}
	if q, ok := c.queues[turnID]; ok {
		p.ExpectedSeq = q.ExpectedSeq
		p.Buffered = len(q.Buffer)
	}
	return p, true
}
