// Package registry maps capabilities to provider endpoints.
package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"agentex/internal/domain"
	"agentex/internal/events"
	"agentex/internal/repo"
)

var (
	ErrProviderNotFound = errors.New("provider not found")
	ErrInvalidProvider  = errors.New("invalid provider")
)

const defaultCacheSize = 256

// Registry stores providers in the workspace database. Capability searches are
// cached until the next registration.
type Registry struct {
	Repo   repo.Repo
	Events events.Writer
	Logger *slog.Logger
	Now    func() time.Time

	cache *lru.Cache[cacheKey, []domain.Provider]
	// gen advances on every registration; entries from older generations are
	// never read.
	gen atomic.Uint64
}

type cacheKey struct {
	gen        uint64
	capability string
}

func New(db *sql.DB, logger *slog.Logger) (*Registry, error) {
	cache, err := lru.New[cacheKey, []domain.Provider](defaultCacheSize)
	if err != nil {
		return nil, err
	}
	return &Registry{Repo: repo.Repo{DB: db}, Events: events.Writer{DB: db}, Logger: logger, cache: cache}, nil
}

func (r *Registry) log() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

func (r *Registry) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// Register creates or replaces a provider and its capability set.
func (r *Registry) Register(ctx context.Context, p domain.Provider) (domain.Provider, error) {
	p.ID = strings.TrimSpace(p.ID)
	if p.ID == "" {
		return p, fmt.Errorf("%w: id required", ErrInvalidProvider)
	}
	if u, err := url.Parse(p.Endpoint); err != nil || u.Scheme == "" || u.Host == "" {
		return p, fmt.Errorf("%w: endpoint %q is not an absolute url", ErrInvalidProvider, p.Endpoint)
	}
	if p.Name == "" {
		p.Name = p.ID
	}
	if p.TrustTier == "" {
		p.TrustTier = domain.TierUnverified
	}
	if !p.TrustTier.Valid() {
		return p, fmt.Errorf("%w: trust tier %s", ErrInvalidProvider, p.TrustTier)
	}
	if p.TrustScore < 0 || p.TrustScore > 1 {
		return p, fmt.Errorf("%w: trust score must be within 0..1", ErrInvalidProvider)
	}
	caps := make([]string, 0, len(p.Capabilities))
	for _, c := range p.Capabilities {
		if c = strings.TrimSpace(c); c != "" {
			caps = append(caps, c)
		}
	}
	p.Capabilities = caps
	if p.CreatedAt == "" {
		p.CreatedAt = r.now().UTC().Format(time.RFC3339)
	}
	err := r.Repo.WithTx(ctx, func(tx *sql.Tx) error {
		if err := r.Repo.UpsertProvider(ctx, tx, p); err != nil {
			return err
		}
		return r.Events.Append(ctx, tx, events.ProviderRegister, "provider", p.ID, p.ID, events.EventPayload{
			"endpoint":     p.Endpoint,
			"capabilities": p.Capabilities,
			"trust_tier":   p.TrustTier,
		})
	})
	if err != nil {
		return p, fmt.Errorf("register provider %s: %w", p.ID, err)
	}
	r.gen.Add(1)
	if r.cache != nil {
		r.cache.Purge()
	}
	r.log().Info("provider registered", "provider_id", p.ID, "endpoint", p.Endpoint, "capabilities", len(p.Capabilities))
	return p, nil
}

// Search returns providers advertising capability, ordered by id. An empty
// capability lists every provider.
func (r *Registry) Search(ctx context.Context, capability string) ([]domain.Provider, error) {
	capability = strings.TrimSpace(capability)
	gen := r.gen.Load()
	if r.cache != nil {
		if hit, ok := r.cache.Get(cacheKey{gen, capability}); ok {
			return cloneProviders(hit), nil
		}
	}
	res, err := r.Repo.ProvidersByCapability(ctx, capability)
	if err != nil {
		return nil, fmt.Errorf("search providers: %w", err)
	}
	r.remember(gen, capability, res)
	return cloneProviders(res), nil
}

// remember caches a search result read during generation gen. Results read
// before a registration finished are dropped.
func (r *Registry) remember(gen uint64, capability string, res []domain.Provider) {
	if r.cache == nil || r.gen.Load() != gen {
		return
	}
	r.cache.Add(cacheKey{gen, capability}, cloneProviders(res))
}

func cloneProviders(in []domain.Provider) []domain.Provider {
	if in == nil {
		return nil
	}
	out := make([]domain.Provider, len(in))
	for i, p := range in {
		p.Capabilities = append([]string(nil), p.Capabilities...)
		out[i] = p
	}
	return out
}

// Lookup resolves a provider by id.
func (r *Registry) Lookup(ctx context.Context, id string) (domain.Provider, error) {
	p, err := r.Repo.GetProvider(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return p, fmt.Errorf("%w: %s", ErrProviderNotFound, id)
	}
	return p, err
}
