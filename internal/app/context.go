package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"agentex/internal/config"
	"agentex/internal/domain"
	"agentex/internal/ledger"
	"agentex/internal/registry"
)

// ResolveConfig loads agentex.yml from the workspace, falling back to the
// defaults for agentOverride when the file is missing. A non-empty override
// replaces the configured agent id.
func ResolveConfig(workspace, agentOverride string) (*config.Config, error) {
	cfg, err := config.Load(workspace)
	if err != nil {
		if _, statErr := os.Stat(config.Path(workspace)); !os.IsNotExist(statErr) {
			return nil, err
		}
		id := agentOverride
		if id == "" {
			id = "local-agent"
		}
		cfg = config.Default(id)
	}
	if agentOverride != "" {
		cfg.Agent.ID = agentOverride
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Seed makes sure the agent has a wallet, lists itself in the registry and
// registers the statically configured auction providers. It is idempotent.
func Seed(ctx context.Context, cfg *config.Config, l ledger.Ledger, reg *registry.Registry) error {
	if cfg.Payments.Enabled {
		if _, err := l.CreateWallet(ctx, cfg.Agent.ID, cfg.Pricing.Currency, 0); err != nil && !errors.Is(err, ledger.ErrWalletExists) {
			return fmt.Errorf("seed agent wallet: %w", err)
		}
	}
	caps := cfg.Agent.Capabilities
	if len(caps) == 0 {
		for _, s := range cfg.Agent.Skills {
			caps = append(caps, s.ID)
		}
	}
	self := domain.Provider{
		ID:           cfg.Agent.ID,
		Name:         cfg.Agent.Name,
		Endpoint:     strings.TrimRight(cfg.Agent.URL, "/") + "/a2a",
		Capabilities: caps,
		TrustScore:   cfg.Pricing.TrustScore,
		TrustTier:    domain.TrustTier(cfg.Pricing.TrustTier),
	}
	if _, err := reg.Register(ctx, self); err != nil {
		return fmt.Errorf("register self: %w", err)
	}
	for _, p := range cfg.Auction.Providers {
		var caps []string
		if cfg.Auction.Capability != "" {
			caps = []string{cfg.Auction.Capability}
		}
		if _, err := reg.Register(ctx, domain.Provider{ID: p.ID, Name: p.Name, Endpoint: p.URL, Capabilities: caps}); err != nil {
			return fmt.Errorf("register provider %s: %w", p.ID, err)
		}
	}
	return nil
}
