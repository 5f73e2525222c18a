// Package auction runs time-boxed bid rounds over a set of providers and
// ranks the answers.
package auction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"agentex/internal/domain"
)

var (
	ErrNoProviders     = errors.New("no providers to solicit")
	ErrNoQualifiedBids = errors.New("every bid was disqualified")
)

// ProviderSource discovers providers by capability.
type ProviderSource interface {
	Search(ctx context.Context, capability string) ([]domain.Provider, error)
}

type RoundRequest struct {
	Providers        []domain.Provider
	Context          BidContext
	Strategy         Strategy
	Timeout          time.Duration
	ReferenceMinutes float64
	Override         *int
}

type Round struct {
	ID           string            `json:"id"`
	Strategy     Strategy          `json:"strategy"`
	Bids         []domain.Bid      `json:"bids"`
	Winner       domain.Bid        `json:"winner"`
	Disqualified []DisqualifiedBid `json:"disqualified,omitempty"`
	Synthetic    bool              `json:"synthetic"`
	Solicited    int               `json:"solicited"`
	StartedAt    time.Time         `json:"started_at"`
	DurationMS   int64             `json:"duration_ms"`
}

type DisqualifiedBid struct {
	ProviderID string `json:"provider_id"`
	Reason     string `json:"reason"`
}

// Disqualify splits bids into those eligible for ranking and those over the
// consumer's price ceiling or past their expiry.
func Disqualify(bids []domain.Bid, bc BidContext, now time.Time) (valid []domain.Bid, out []DisqualifiedBid) {
	for _, b := range bids {
		switch {
		case bc.MaxPrice != nil && b.Price > *bc.MaxPrice:
			out = append(out, DisqualifiedBid{ProviderID: b.ProviderID, Reason: fmt.Sprintf("price %.2f exceeds budget %.2f", b.Price, *bc.MaxPrice)})
		case b.ExpiresAt != nil && !now.Before(*b.ExpiresAt):
			out = append(out, DisqualifiedBid{ProviderID: b.ProviderID, Reason: "bid expired"})
		default:
			valid = append(valid, b)
		}
	}
	return valid, out
}

type Auction struct {
	Collector        Collector
	Providers        ProviderSource
	Strategy         Strategy
	Timeout          time.Duration
	ReferenceMinutes float64
	Logger           *slog.Logger
	// Observe receives every finished round.
	Observe func(Round)
}

func (a Auction) log() *slog.Logger {
	if a.Logger != nil {
		return a.Logger
	}
	return slog.Default()
}

// Run solicits, falls back to synthetic bids when nobody answers, ranks and
// selects a winner.
func (a Auction) Run(ctx context.Context, req RoundRequest) (Round, error) {
	strategy := req.Strategy
	if strategy == "" {
		strategy = a.Strategy
	}
	if strategy == "" {
		strategy = Balanced
	}
	if _, err := WeightsFor(strategy); err != nil {
		return Round{}, err
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = a.Timeout
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	reference := req.ReferenceMinutes
	if reference <= 0 {
		reference = a.ReferenceMinutes
	}

	providers := req.Providers
	if len(providers) == 0 && a.Providers != nil {
		found, err := a.Providers.Search(ctx, req.Context.Capability)
		if err != nil {
			return Round{}, fmt.Errorf("discover providers: %w", err)
		}
		providers = found
	}
	if len(providers) == 0 {
		return Round{}, ErrNoProviders
	}

	round := Round{ID: uuid.NewString(), Strategy: strategy, Solicited: len(providers), StartedAt: time.Now().UTC()}
	bids := a.Collector.CollectBids(ctx, providers, req.Context, timeout)
	if len(bids) == 0 {
		a.log().Warn("no bids received, using simulated bids", "round_id", round.ID, "providers", len(providers))
		bids = SyntheticBids(providers, req.Context)
		round.Synthetic = true
	}
	bids, round.Disqualified = Disqualify(bids, req.Context, time.Now())
	for _, d := range round.Disqualified {
		a.log().Info("bid disqualified", "round_id", round.ID, "provider_id", d.ProviderID, "reason", d.Reason)
	}
	if len(bids) == 0 {
		return round, fmt.Errorf("%w: %d bids", ErrNoQualifiedBids, len(round.Disqualified))
	}
	ranked, err := ScoreAndRankWithReference(bids, strategy, reference)
	if err != nil {
		return Round{}, err
	}
	round.Bids = ranked
	winner, err := SelectWinner(ranked, req.Override)
	if err != nil {
		return Round{}, err
	}
	round.Winner = winner
	round.DurationMS = time.Since(round.StartedAt).Milliseconds()
	a.log().Info("auction round finished", "round_id", round.ID, "strategy", strategy, "bids", len(ranked),
		"synthetic", round.Synthetic, "winner", winner.ProviderID, "duration_ms", round.DurationMS)
	if a.Observe != nil {
		a.Observe(round)
	}
	return round, nil
}
