package auction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"agentex/internal/domain"
	"agentex/internal/payload"
	agentexsdk "agentex/sdk/go"
)

// BidContext describes the work being auctioned.
type BidContext struct {
	TaskDescription string        `json:"task_description,omitempty"`
	Capability      string        `json:"capability,omitempty"`
	DocumentPages   int           `json:"document_pages,omitempty"`
	ConsumerID      string        `json:"consumer_id,omitempty"`
	Amount          *domain.Cents `json:"amount,omitempty"`
	Currency        string        `json:"currency,omitempty"`
	WorkCategory    string        `json:"work_category,omitempty"`
	// MaxPrice disqualifies bids priced above it.
	MaxPrice        *float64      `json:"max_price,omitempty"`
}

// BidCaller solicits one bid from one provider.
type BidCaller interface {
	RequestBid(ctx context.Context, provider domain.Provider, bc BidContext) (domain.Bid, error)
}

var ErrMalformedBid = errors.New("malformed bid")

// A2ACaller asks providers for bids with a message/send carrying a get_bid payload.
type A2ACaller struct {
	BearerToken string
}

func (a A2ACaller) RequestBid(ctx context.Context, provider domain.Provider, bc BidContext) (domain.Bid, error) {
	client := agentexsdk.New(provider.Endpoint)
	client.Timeout = 0
	client.BearerToken = a.BearerToken
	text, err := payload.Encode(payload.BidRequest{
		Op:              payload.ActionGetBid,
		TaskDescription: bc.TaskDescription,
		Capability:      bc.Capability,
		DocumentPages:   bc.DocumentPages,
		ConsumerID:      bc.ConsumerID,
		Amount:          bc.Amount,
		Currency:        bc.Currency,
		WorkCategory:    bc.WorkCategory,
	})
	if err != nil {
		return domain.Bid{}, err
	}
	task, err := client.SendText(ctx, "", text)
	if err != nil {
		return domain.Bid{}, err
	}
	p, err := payload.FromTask(task)
	if err != nil {
		return domain.Bid{}, fmt.Errorf("%w: %v", ErrMalformedBid, err)
	}
	resp, ok := p.(payload.BidResponse)
	if !ok {
		return domain.Bid{}, fmt.Errorf("%w: got %s", ErrMalformedBid, p.Kind())
	}
	return BidFromOffer(provider, resp.Bid)
}

// BidFromOffer validates a provider's offer and converts it to a Bid.
func BidFromOffer(provider domain.Provider, offer payload.BidOffer) (domain.Bid, error) {
	if math.IsNaN(offer.Price) || math.IsInf(offer.Price, 0) || offer.Price < 0 {
		return domain.Bid{}, fmt.Errorf("%w: price %v", ErrMalformedBid, offer.Price)
	}
	if offer.Confidence < 0 || offer.Confidence > 1 || offer.TrustScore < 0 || offer.TrustScore > 1 {
		return domain.Bid{}, fmt.Errorf("%w: score out of range", ErrMalformedBid)
	}
	if math.IsNaN(offer.EstimatedMinutes) || math.IsInf(offer.EstimatedMinutes, 0) || offer.EstimatedMinutes < 0 {
		return domain.Bid{}, fmt.Errorf("%w: negative duration", ErrMalformedBid)
	}
	tier := offer.Tier
	if tier == "" {
		tier = provider.TrustTier
	}
	if !tier.Valid() {
		return domain.Bid{}, fmt.Errorf("%w: tier %q", ErrMalformedBid, tier)
	}
	id := offer.ProviderID
	if id == "" {
		id = provider.ID
	}
	name := offer.ProviderName
	if name == "" {
		name = provider.Name
	}
	return domain.Bid{
		ProviderID:          id,
		ProviderName:        name,
		Price:               offer.Price,
		Currency:            offer.Currency,
		Confidence:          offer.Confidence,
		EstimatedDurationMs: int64(math.Round(offer.EstimatedMinutes * float64(time.Minute/time.Millisecond))),
		TrustScore:          offer.TrustScore,
		TrustTier:           tier,
		Endpoint:            provider.Endpoint,
		ExpiresAt:           offer.ExpiresAt,
	}, nil
}

type Collector struct {
	Caller BidCaller
	Logger *slog.Logger
}

func (c Collector) log() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

type bidResult struct {
	bid domain.Bid
	err error
}

// CollectBids solicits every provider concurrently, each call bounded by
// perCallTimeout. Failing providers are logged and left out; the returned
// bids keep provider order.
func (c Collector) CollectBids(ctx context.Context, providers []domain.Provider, bc BidContext, perCallTimeout time.Duration) []domain.Bid {
	results := make([]*domain.Bid, len(providers))
	var g errgroup.Group
	for i, p := range providers {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, perCallTimeout)
			defer cancel()
			ch := make(chan bidResult, 1)
			go func() {
				bid, err := c.Caller.RequestBid(cctx, p, bc)
				ch <- bidResult{bid: bid, err: err}
			}()
			select {
			case r := <-ch:
				if r.err != nil {
					c.log().Warn("bid request failed", "provider_id", p.ID, "endpoint", p.Endpoint, "error", r.err)
					return nil
				}
				results[i] = &r.bid
			case <-cctx.Done():
				c.log().Warn("bid request timed out", "provider_id", p.ID, "endpoint", p.Endpoint, "timeout", perCallTimeout)
			}
			return nil
		})
	}
	_ = g.Wait()
	bids := make([]domain.Bid, 0, len(providers))
	for _, b := range results {
		if b != nil {
			bids = append(bids, *b)
		}
	}
	return bids
}

// SyntheticBids builds a clearly labelled stand-in bid per provider for a
// round in which nobody answered.
func SyntheticBids(providers []domain.Provider, bc BidContext) []domain.Bid {
	currency := bc.Currency
	if currency == "" {
		currency = "USD"
	}
	out := make([]domain.Bid, 0, len(providers))
	for i, p := range providers {
		name := p.Name
		if name == "" {
			name = p.ID
		}
		if !strings.HasSuffix(name, "(SIMULATED)") {
			name += " (SIMULATED)"
		}
		out = append(out, domain.Bid{
			ProviderID:          p.ID,
			ProviderName:        name,
			Price:               99.0 + float64(i+1)/100,
			Currency:            currency,
			Confidence:          0.10,
			EstimatedDurationMs: 999 * int64(time.Minute/time.Millisecond),
			TrustScore:          0.10,
			TrustTier:           domain.TierUnverified,
			Endpoint:            p.Endpoint,
			Synthetic:           true,
		})
	}
	return out
}
