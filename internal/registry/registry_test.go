package registry_test

import (
	"context"
	"errors"
	"testing"

	"agentex/internal/db"
	"agentex/internal/domain"
	"agentex/internal/migrate"
	"agentex/internal/registry"
)

func newRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	reg, err := registry.New(conn, nil)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	return reg
}

func TestRegisterAndSearch(t *testing.T) {
	reg := newRegistry(t)
	ctx := context.Background()
	for _, p := range []domain.Provider{
		{ID: "lexbot", Endpoint: "http://127.0.0.1:8101", Capabilities: []string{"contract_review"}, TrustScore: 0.8},
		{ID: "draftly", Endpoint: "http://127.0.0.1:8102", Capabilities: []string{"contract_review", "drafting"}},
	} {
		if _, err := reg.Register(ctx, p); err != nil {
			t.Fatalf("register %s: %v", p.ID, err)
		}
	}
	found, err := reg.Search(ctx, "contract_review")
	if err != nil || len(found) != 2 || found[0].ID != "draftly" {
		t.Fatalf("search: %+v %v", found, err)
	}
	if _, err := reg.Search(ctx, "drafting"); err != nil {
		t.Fatal(err)
	}

	if _, err := reg.Register(ctx, domain.Provider{ID: "lexbot", Endpoint: "http://127.0.0.1:8101", Capabilities: []string{"drafting"}}); err != nil {
		t.Fatal(err)
	}
	drafting, _ := reg.Search(ctx, "drafting")
	if len(drafting) != 2 {
		t.Fatalf("cache not refreshed after registration: %+v", drafting)
	}

	p, err := reg.Lookup(ctx, "lexbot")
	if err != nil || p.Name != "lexbot" || p.TrustTier != domain.TierUnverified || len(p.Capabilities) != 1 {
		t.Fatalf("lookup: %+v %v", p, err)
	}
	if _, err := reg.Lookup(ctx, "ghost"); !errors.Is(err, registry.ErrProviderNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestRegisterValidates(t *testing.T) {
	reg := newRegistry(t)
	bad := []domain.Provider{
		{ID: "", Endpoint: "http://x"},
		{ID: "a", Endpoint: "not a url"},
		{ID: "a", Endpoint: "http://x", TrustTier: "GOLD"},
		{ID: "a", Endpoint: "http://x", TrustScore: 2},
	}
	for _, p := range bad {
		if _, err := reg.Register(context.Background(), p); !errors.Is(err, registry.ErrInvalidProvider) {
			t.Fatalf("expected invalid for %+v, got %v", p, err)
		}
	}
}

func TestSearchResultsAreNotShared(t *testing.T) {
	reg := newRegistry(t)
	ctx := context.Background()
	if _, err := reg.Register(ctx, domain.Provider{ID: "lexbot", Endpoint: "http://127.0.0.1:8101", Capabilities: []string{"contract_review"}}); err != nil {
		t.Fatal(err)
	}
	first, err := reg.Search(ctx, "contract_review")
	if err != nil || len(first) != 1 {
		t.Fatalf("search: %+v %v", first, err)
	}
	first[0].Capabilities[0] = "tampered"
	first[0].Name = "tampered"

	second, _ := reg.Search(ctx, "contract_review")
	if second[0].Capabilities[0] != "contract_review" || second[0].Name != "lexbot" {
		t.Fatalf("cached result was modified through a caller: %+v", second[0])
	}
}
