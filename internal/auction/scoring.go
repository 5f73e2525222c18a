package auction

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"agentex/internal/domain"
)

type Strategy string

const (
	LowestPrice Strategy = "lowest_price"
	BestQuality Strategy = "best_quality"
	Balanced    Strategy = "balanced"
)

// DefaultReferenceMinutes is the turnaround that earns a full SLA score.
const DefaultReferenceMinutes = 30.0

var (
	ErrUnknownStrategy    = errors.New("unknown strategy")
	ErrEmptyRanking       = errors.New("no bids to select from")
	ErrOverrideOutOfRange = errors.New("override index out of range")
)

// Weights apply to the four normalized scoring signals.
type Weights struct {
	Price      float64 `json:"price"`
	Trust      float64 `json:"trust"`
	Confidence float64 `json:"confidence"`
	SLA        float64 `json:"sla"`
}

var strategyWeights = map[Strategy]Weights{
	LowestPrice: {Price: 0.6, Trust: 0.2, Confidence: 0.1, SLA: 0.1},
	BestQuality: {Price: 0.1, Trust: 0.4, Confidence: 0.3, SLA: 0.2},
	Balanced:    {Price: 0.3, Trust: 0.3, Confidence: 0.25, SLA: 0.15},
}

// ParseStrategy validates a strategy name. Empty means balanced.
func ParseStrategy(v string) (Strategy, error) {
	if v == "" {
		return Balanced, nil
	}
	s := Strategy(v)
	if _, ok := strategyWeights[s]; !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownStrategy, v)
	}
	return s, nil
}

// WeightsFor returns the weight vector of a strategy.
func WeightsFor(s Strategy) (Weights, error) {
	w, ok := strategyWeights[s]
	if !ok {
		return Weights{}, fmt.Errorf("%w: %s", ErrUnknownStrategy, s)
	}
	return w, nil
}

// Signals are the normalized per-bid inputs, each within [0,1].
type Signals struct {
	Price      float64 `json:"price"`
	Trust      float64 `json:"trust"`
	Confidence float64 `json:"confidence"`
	SLA        float64 `json:"sla"`
}

func (s Signals) dot(w Weights) float64 {
	return w.Price*s.Price + w.Trust*s.Trust + w.Confidence*s.Confidence + w.SLA*s.SLA
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

// SLAScore is min(1, reference/max(minutes,1)).
func SLAScore(estimatedMinutes, referenceMinutes float64) float64 {
	if referenceMinutes <= 0 {
		referenceMinutes = DefaultReferenceMinutes
	}
	return math.Min(1, referenceMinutes/math.Max(estimatedMinutes, 1))
}

// ComputeSignals normalizes every bid against the whole set. Prices are
// inverted across the min/max range; a set with a single price scores 1.0.
func ComputeSignals(bids []domain.Bid, referenceMinutes float64) []Signals {
	out := make([]Signals, len(bids))
	if len(bids) == 0 {
		return out
	}
	lo, hi := bids[0].Price, bids[0].Price
	for _, b := range bids[1:] {
		lo = math.Min(lo, b.Price)
		hi = math.Max(hi, b.Price)
	}
	spread := hi - lo
	for i, b := range bids {
		price := 1.0
		if spread > 0 {
			price = (hi - b.Price) / spread
		}
		out[i] = Signals{
			Price:      clamp01(price),
			Trust:      clamp01(b.TrustScore),
			Confidence: clamp01(b.Confidence),
			SLA:        clamp01(SLAScore(b.EstimatedMinutes(), referenceMinutes)),
		}
	}
	return out
}

// ScoreAndRank scores bids with the strategy weights and returns a new slice
// sorted by descending score. Equal scores keep their input order.
func ScoreAndRank(bids []domain.Bid, strategy Strategy) ([]domain.Bid, error) {
	return ScoreAndRankWithReference(bids, strategy, DefaultReferenceMinutes)
}

func ScoreAndRankWithReference(bids []domain.Bid, strategy Strategy, referenceMinutes float64) ([]domain.Bid, error) {
	w, err := WeightsFor(strategy)
	if err != nil {
		return nil, err
	}
	signals := ComputeSignals(bids, referenceMinutes)
	ranked := make([]domain.Bid, len(bids))
	for i, b := range bids {
		b.Score = math.Round(signals[i].dot(w)*1e6) / 1e6
		ranked[i] = b
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Score > ranked[j].Score
	})
	return ranked, nil
}

// SelectWinner returns the top bid, or the bid at override when one is given.
func SelectWinner(ranking []domain.Bid, override *int) (domain.Bid, error) {
	if len(ranking) == 0 {
		return domain.Bid{}, ErrEmptyRanking
	}
	idx := 0
	if override != nil {
		idx = *override
		if idx < 0 || idx >= len(ranking) {
			return domain.Bid{}, fmt.Errorf("%w: %d of %d", ErrOverrideOutOfRange, idx, len(ranking))
		}
	}
	return ranking[idx], nil
}
