package engine

import (
	"fmt"

	"charterdesk/api/internal/agent"
	"charterdesk/api/internal/agentstream"
	"charterdesk/api/internal/config"
	"charterdesk/api/internal/wizard"
)

// NewTransport picks the agent producer for cfg.AgentMode.
func NewTransport(cfg config.Config) (agentstream.Transport, error) {
	switch cfg.AgentMode {
	case config.AgentModeMock, "":
		return agent.Mock{}, nil
	case config.AgentModeHTTP:
		if cfg.AgentURL == "" {
			return nil, fmt.Errorf("agent mode http: CHARTER_AGENT_URL is empty")
		}
		return agentstream.NewHTTPTransport(cfg.AgentURL, cfg.AgentToken), nil
	case config.AgentModeOpenAI:
		return agent.NewOpenAIProposer(agent.Settings{
			Model:   cfg.OpenAIModel,
			APIKey:  cfg.OpenAIAPIKey,
			BaseURL: cfg.OpenAIBaseURL,
		})
	default:
		return nil, fmt.Errorf("unknown agent mode %q", cfg.AgentMode)
	}
}

// LoadSchema reads the field schema at path, or the built-in charter
// template when path is empty.
func LoadSchema(path string) (wizard.Schema, error) {
	if path == "" {
		return wizard.BuiltinSchema()
	}
	return wizard.LoadSchema(path)
}
