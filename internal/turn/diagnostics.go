package turn

import (
	"time"
)

type DiagnosticKind string

const (
	DiagDropped   DiagnosticKind = "dropped_patches"
	DiagStalled   DiagnosticKind = "stalled"
	DiagTransport DiagnosticKind = "transport_error"
	DiagOverflow  DiagnosticKind = "buffer_overflow"
	DiagLateChunk DiagnosticKind = "late_chunk"
	DiagMalformed DiagnosticKind = "malformed_chunk"
)

// Diagnostic is an observable record of something the pump could not apply
// cleanly.
type Diagnostic struct {
	Kind    DiagnosticKind `json:"kind"`
	TurnID  string         `json:"turnId,omitempty"`
	Seqs    []int64        `json:"seqs,omitempty"`
	Message string         `json:"message,omitempty"`
	At      time.Time      `json:"at"`
}

const maxDiagnostics = 256

func (c *Controller) record(d Diagnostic) {
	if d.At.IsZero() {
		d.At = c.now()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.diags = append(c.diags, d)
	if len(c.diags) > maxDiagnostics {
		c.diags = append([]Diagnostic(nil), c.diags[len(c.diags)-maxDiagnostics:]...)
	}
}

// Diagnostics returns the recorded diagnostics, oldest first.
func (c *Controller) Diagnostics() []Diagnostic {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Diagnostic(nil), c.diags...)
}

// watch force-cancels run once its open turn has applied nothing for the
// stall window. Before the first turn opens, the run start counts as the
// last progress.
func (c *Controller) watch(run *Run) {
	if c.stallTimeout <= 0 {
		return
	}
	interval := c.stallTimeout / 4
	if interval < 5*time.Millisecond {
		interval = 5 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-run.ctx.Done():
			return
		case <-ticker.C:
		}

		last := run.started
		turnID := run.TurnID()
		if turnID != "" {
			p, ok := c.store.Progress(turnID)
			if !ok {
				continue
			}
			last = p.LastProgress
		}
		if c.now().Sub(last) < c.stallTimeout {
			continue
		}
		c.record(Diagnostic{Kind: DiagStalled, TurnID: turnID, Message: ErrStalled.Error()})
		c.logger.Warn("turn: stalled, cancelling", "turn_id", turnID, "idle", c.now().Sub(last).String())
		run.cancel(ErrStalled)
		return
	}
}
