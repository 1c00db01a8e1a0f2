// Package agent produces agent turns: it asks a language model for field
// proposals and re-emits them as the sequenced NDJSON stream the turn
// controller consumes.
package agent

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"charterdesk/api/internal/agentstream"
)

// Prompt is the message pair sent to the model.
type Prompt struct {
	System string
	User   string
}

const systemPrompt = `You help a user fill in a project charter.
Answer with one JSON object per line and nothing else:
- {"path": "<field path>", "value": <value>} to propose a field value
- {"message": "<short note for the user>"} for anything that is not a value
Never propose a value for a locked path. Never wrap the output in code fences.`

// BuildProposalPrompt renders the current draft, the locked paths and the
// fields still worth proposing.
func BuildProposalPrompt(req agentstream.Request) Prompt {
	locked := make(map[string]bool, len(req.Locked))
	for _, p := range req.Locked {
		locked[p] = true
	}

	var sb strings.Builder
	sb.WriteString("Fields:\n")
	for _, f := range req.Fields {
		state := "open"
		if locked[f.Path] {
			state = "locked"
		}
		required := ""
		if f.Required {
			required = ", required"
		}
		sb.WriteString(fmt.Sprintf("- %s (%s%s, %s)", f.Path, f.Label, required, state))
		if f.Prompt != "" {
			sb.WriteString(": " + f.Prompt)
		}
		sb.WriteString("\n")
	}

	if len(req.Draft) > 0 {
		sb.WriteString("\nCurrent draft:\n")
		paths := make([]string, 0, len(req.Draft))
		for p := range req.Draft {
			paths = append(paths, p)
		}
		sort.Strings(paths)
		for _, p := range paths {
			raw, err := json.Marshal(req.Draft[p])
			if err != nil {
				continue
			}
			sb.WriteString(fmt.Sprintf("- %s = %s\n", p, raw))
		}
	}

	if len(req.Locked) > 0 {
		sorted := append([]string(nil), req.Locked...)
		sort.Strings(sorted)
		sb.WriteString("\nLocked paths (confirmed by the user): " + strings.Join(sorted, ", ") + "\n")
	}

	if strings.TrimSpace(req.Prompt) != "" {
		sb.WriteString("\nUser request: " + strings.TrimSpace(req.Prompt) + "\n")
	}

	return Prompt{System: systemPrompt, User: sb.String()}
}
