package agent

import (
	"context"
	"fmt"
	"strings"

	"agentex/internal/config"
	"agentex/internal/domain"
	"agentex/internal/payload"
)

// PaymentsExtensionURI marks agents that accept payment mandates.
const PaymentsExtensionURI = "https://github.com/google-agentic-commerce/ap2/v1"

// Card builds the agent card published at /.well-known/agent-card.json.
func Card(cfg *config.Config) domain.AgentCard {
	card := domain.AgentCard{
		Name:        cfg.Agent.Name,
		Description: cfg.Agent.Description,
		URL:         strings.TrimRight(cfg.Agent.URL, "/") + "/a2a",
		Version:     cfg.Agent.Version,
		Capabilities: domain.AgentCapabilities{
			Streaming:              true,
			StateTransitionHistory: true,
		},
		DefaultInputModes:  []string{"text"},
		DefaultOutputModes: []string{"text"},
		Skills:             []domain.AgentSkill{},
	}
	if cfg.Agent.Organization != "" {
		card.Provider = &domain.AgentProvider{Organization: cfg.Agent.Organization}
	}
	if cfg.Payments.Enabled {
		card.Capabilities.Extensions = append(card.Capabilities.Extensions, domain.AgentExtension{
			URI:      PaymentsExtensionURI,
			Required: true,
			Params: map[string]any{
				"ap2Enabled":       true,
				"supportedMethods": cfg.Payments.SupportedMethods,
				"baseFeePercent":   cfg.Payments.BaseFeePercent,
			},
		})
	}
	for _, s := range cfg.Agent.Skills {
		card.Skills = append(card.Skills, domain.AgentSkill{
			ID:          s.ID,
			Name:        s.Name,
			Description: s.Description,
			Tags:        s.Tags,
			InputModes:  []string{"text"},
			OutputModes: []string{"text"},
		})
	}
	return card
}

// EchoService acknowledges the request input. Deployments plug their own
// Service in for real work.
var EchoService = ServiceFunc(func(ctx context.Context, req payload.ServiceRequest) (string, error) {
	if strings.TrimSpace(req.Input) == "" {
		return "request processed", nil
	}
	return fmt.Sprintf("processed: %s", req.Input), nil
})
