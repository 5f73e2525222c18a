package auth_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"agentex/internal/auth"
	"agentex/internal/db"
	"agentex/internal/domain"
	"agentex/internal/migrate"
	"agentex/internal/repo"
)

func TestJWTValidatorRoundTrip(t *testing.T) {
	token, err := auth.IssueToken("s3cret", "consumer-1", []string{"buyer"}, time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	claims, err := auth.JWTValidator{Secret: "s3cret"}.Validate(context.Background(), token)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if claims["sub"] != "consumer-1" || claims["source"] != "jwt" {
		t.Fatalf("unexpected claims %v", claims)
	}
}

func TestJWTValidatorRejectsWrongSecret(t *testing.T) {
	token, _ := auth.IssueToken("s3cret", "consumer-1", nil, time.Hour)
	_, err := auth.JWTValidator{Secret: "other"}.Validate(context.Background(), token)
	var unauth auth.UnauthorizedError
	if !errors.As(err, &unauth) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
}

func TestJWTValidatorRejectsExpired(t *testing.T) {
	token, _ := auth.IssueToken("s3cret", "consumer-1", nil, -time.Minute)
	if _, err := (auth.JWTValidator{Secret: "s3cret"}).Validate(context.Background(), token); err == nil {
		t.Fatalf("expected expired token to be rejected")
	}
}

func TestChainFallsBackToAPIKey(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		t.Fatal(err)
	}
	r := repo.Repo{DB: conn}
	ctx := context.Background()
	if err := r.InsertAPIKey(ctx, nil, domain.APIKey{ID: "k1", ActorID: "provider-7", KeyHash: repo.HashAPIKey("raw-key")}); err != nil {
		t.Fatal(err)
	}
	chain := auth.Chain{auth.JWTValidator{Secret: "s3cret"}, auth.APIKeyValidator{Repo: r}}
	claims, err := chain.Validate(ctx, "raw-key")
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if claims["sub"] != "provider-7" || claims["source"] != "api_key" {
		t.Fatalf("unexpected claims %v", claims)
	}
	if _, err := chain.Validate(ctx, "nope"); err == nil {
		t.Fatalf("expected unknown key rejection")
	}
}

func TestBearerToken(t *testing.T) {
	if tok, ok := auth.BearerToken("Bearer abc"); !ok || tok != "abc" {
		t.Fatalf("unexpected %q %v", tok, ok)
	}
	if _, ok := auth.BearerToken("Basic abc"); ok {
		t.Fatalf("basic should not parse")
	}
}

func TestIssueTokenWithoutTTLHasNoExpiry(t *testing.T) {
	token, err := auth.IssueToken("s3cret", "consumer-1", nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := (auth.JWTValidator{Secret: "s3cret"}).Validate(context.Background(), token); err != nil {
		t.Fatalf("token without ttl rejected: %v", err)
	}
}
