package server

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"agentex/internal/auction"
	"agentex/internal/domain"
	"agentex/internal/ledger"
	"agentex/internal/mandate"
	"agentex/internal/paygate"
	"agentex/internal/registry"
	"agentex/internal/repo"
)

var writeErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusUnprocessableEntity,
	http.StatusInternalServerError,
}

// actorOr prefers an explicit party id and falls back to the caller.
func actorOr(ctx context.Context, id string) string {
	if strings.TrimSpace(id) != "" {
		return id
	}
	if p, ok := principalFromContext(ctx); ok {
		return p.ActorID
	}
	return ""
}

// partyFor resolves the party acting in a request. An authenticated caller
// may only act as itself.
func partyFor(ctx context.Context, id string) (string, error) {
	id = strings.TrimSpace(id)
	p, ok := principalFromContext(ctx)
	if !ok || p.ActorID == "" {
		return id, nil
	}
	if id != "" && id != p.ActorID {
		return "", newAPIError(http.StatusForbidden, "forbidden", "cannot act on behalf of "+id, map[string]any{"actor_id": p.ActorID})
	}
	return p.ActorID, nil
}

func registerHealth(api huma.API, agentID string) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body HealthResponse `json:"body"`
	}, error) {
		return &struct {
			Body HealthResponse `json:"body"`
		}{Body: HealthResponse{Status: "ok", AgentID: agentID}}, nil
	})
}

func registerAuctions(api huma.API, cfg Config) {
	a := cfg.Auction
	huma.Register(api, huma.Operation{
		OperationID: "run-auction",
		Method:      http.MethodPost,
		Path:        "/auctions",
		Summary:     "Run a bid round",
		Description: "Solicits bids from the listed providers, or from registered providers with the capability, and ranks them.",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		Body RunAuctionRequest `json:"body"`
	}) (*struct {
		Body RoundResponse `json:"body"`
	}, error) {
		var strategy auction.Strategy
		if input.Body.Strategy != "" {
			s, err := auction.ParseStrategy(input.Body.Strategy)
			if err != nil {
				return nil, handleError(err)
			}
			strategy = s
		}
		req := auction.RoundRequest{
			Context: auction.BidContext{
				TaskDescription: input.Body.TaskDescription,
				Capability:      input.Body.Capability,
				DocumentPages:   input.Body.DocumentPages,
				ConsumerID:      actorOr(ctx, input.Body.ConsumerID),
				Amount:          input.Body.Amount,
				Currency:        input.Body.Currency,
				WorkCategory:    input.Body.WorkCategory,
				MaxPrice:        input.Body.MaxPrice,
			},
			Strategy:         strategy,
			Timeout:          time.Duration(input.Body.TimeoutMS) * time.Millisecond,
			ReferenceMinutes: input.Body.ReferenceMinutes,
			Override:         input.Body.Override,
		}
		for _, p := range input.Body.Providers {
			req.Providers = append(req.Providers, domain.Provider{ID: p.ID, Name: p.Name, Endpoint: p.Endpoint, TrustTier: domain.TierUnverified})
		}
		round, err := a.Run(ctx, req)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RoundResponse `json:"body"`
		}{Body: round}, nil
	})
}

func registerMandates(api huma.API, p *mandate.Protocol) {
	huma.Register(api, huma.Operation{
		OperationID: "run-mandate-chain",
		Method:      http.MethodPost,
		Path:        "/mandates/chain",
		Summary:     "Run intent, cart, payment and settlement",
		Errors:      append(writeErrors, http.StatusForbidden, http.StatusGone),
	}, func(ctx context.Context, input *struct {
		Body MandateChainRequest `json:"body"`
	}) (*struct {
		Body ChainResponse `json:"body"`
	}, error) {
		consumer, err := partyFor(ctx, input.Body.ConsumerID)
		if err != nil {
			return nil, err
		}
		res, err := p.ProcessMandateChain(ctx, mandate.ChainRequest{
			ConsumerID:   consumer,
			ProviderID:   input.Body.ProviderID,
			Amount:       input.Body.Amount,
			Currency:     input.Body.Currency,
			Description:  input.Body.Description,
			WorkCategory: input.Body.WorkCategory,
			Method:       input.Body.Method,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ChainResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-intent",
		Method:        http.MethodPost,
		Path:          "/mandates/intents",
		Summary:       "Create an intent mandate",
		DefaultStatus: http.StatusCreated,
		Errors:        append(writeErrors, http.StatusForbidden),
	}, func(ctx context.Context, input *struct {
		Body CreateIntentRequest `json:"body"`
	}) (*struct {
		Body domain.IntentMandate `json:"body"`
	}, error) {
		consumer, err := partyFor(ctx, input.Body.ConsumerID)
		if err != nil {
			return nil, err
		}
		intent, err := p.CreateIntent(ctx, mandate.IntentRequest{
			ConsumerID:  consumer,
			ProviderID:  input.Body.ProviderID,
			Amount:      input.Body.Amount,
			Currency:    input.Body.Currency,
			Description: input.Body.Description,
			ExpiresIn:   time.Duration(input.Body.ExpiresSeconds) * time.Second,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.IntentMandate `json:"body"`
		}{Body: intent}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-cart",
		Method:        http.MethodPost,
		Path:          "/mandates/carts",
		Summary:       "Create a signed cart for an intent",
		DefaultStatus: http.StatusCreated,
		Errors:        append(writeErrors, http.StatusGone),
	}, func(ctx context.Context, input *struct {
		Body CreateCartRequest `json:"body"`
	}) (*struct {
		Body domain.CartMandate `json:"body"`
	}, error) {
		cart, err := p.CreateCart(ctx, mandate.CartRequest{
			IntentID:     input.Body.IntentID,
			LineItems:    input.Body.LineItems,
			Total:        input.Body.Total,
			WorkCategory: input.Body.WorkCategory,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.CartMandate `json:"body"`
		}{Body: cart}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-payment",
		Method:        http.MethodPost,
		Path:          "/mandates/payments",
		Summary:       "Authorize payment for a cart",
		DefaultStatus: http.StatusCreated,
		Errors:        append(writeErrors, http.StatusForbidden, http.StatusGone),
	}, func(ctx context.Context, input *struct {
		Body CreatePaymentRequest `json:"body"`
	}) (*struct {
		Body domain.PaymentMandate `json:"body"`
	}, error) {
		consumer, err := partyFor(ctx, "")
		if err != nil {
			return nil, err
		}
		pm, err := p.CreatePayment(ctx, mandate.PaymentRequest{CartID: input.Body.CartID, Method: input.Body.Method, ConsumerID: consumer})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.PaymentMandate `json:"body"`
		}{Body: pm}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "process-payment",
		Method:      http.MethodPost,
		Path:        "/payments/process",
		Summary:     "Settle a payment mandate",
		Description: "Always answers with a receipt; declined payments carry an error code.",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body ProcessPaymentRequest `json:"body"`
	}) (*struct {
		Body domain.PaymentReceipt `json:"body"`
	}, error) {
		pm := input.Body.PaymentMandate
		currency := input.Body.Currency
		if currency == "" {
			currency = pm.Currency
		}
		from, err := partyFor(ctx, input.Body.FromID)
		if err != nil {
			return nil, err
		}
		rc := p.ProcessPayment(ctx, pm, from, input.Body.ToID, input.Body.Amount, currency)
		return &struct {
			Body domain.PaymentReceipt `json:"body"`
		}{Body: rc}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-mandates",
		Method:      http.MethodGet,
		Path:        "/mandates",
		Summary:     "List recorded mandates",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Party  string `query:"party"`
		Kind   string `query:"kind"`
		Status string `query:"status"`
		Limit  int    `query:"limit"`
	}) (*struct {
		Body paginatedMandates `json:"body"`
	}, error) {
		items, err := p.ListMandates(ctx, mandateFilter(input.Party, input.Kind, input.Status, input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]MandateResponse, 0, len(items))
		for _, m := range items {
			out = append(out, mandateResponse(m))
		}
		return &struct {
			Body paginatedMandates `json:"body"`
		}{Body: paginatedMandates{Items: out}}, nil
	})
}

func registerWallets(api huma.API, l ledger.Ledger) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-wallet",
		Method:        http.MethodPost,
		Path:          "/wallets",
		Summary:       "Create a wallet",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateWalletRequest `json:"body"`
	}) (*struct {
		Body domain.Wallet `json:"body"`
	}, error) {
		owner := actorOr(ctx, input.Body.OwnerID)
		if owner == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "owner_id required", nil)
		}
		w, err := l.CreateWallet(ctx, owner, input.Body.Currency, input.Body.Initial)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Wallet `json:"body"`
		}{Body: w}, nil
	})

	type walletPath struct {
		Ref string `path:"ref" doc:"Wallet id or owner id"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "get-wallet",
		Method:      http.MethodGet,
		Path:        "/wallets/{ref}",
		Summary:     "Wallet with balance",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *walletPath) (*struct {
		Body domain.Wallet `json:"body"`
	}, error) {
		w, err := l.Wallet(ctx, input.Ref)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Wallet `json:"body"`
		}{Body: w}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "wallet-transactions",
		Method:      http.MethodGet,
		Path:        "/wallets/{ref}/transactions",
		Summary:     "Wallet transaction history, newest first",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Ref   string `path:"ref"`
		Limit int    `query:"limit"`
	}) (*struct {
		Body paginatedTransactions `json:"body"`
	}, error) {
		items, err := l.History(ctx, input.Ref, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Transaction{}
		}
		return &struct {
			Body paginatedTransactions `json:"body"`
		}{Body: paginatedTransactions{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "transfer",
		Method:        http.MethodPost,
		Path:          "/transfers",
		Summary:       "Move funds between wallets",
		DefaultStatus: http.StatusCreated,
		Errors:        append(writeErrors, http.StatusForbidden),
	}, func(ctx context.Context, input *struct {
		Body TransferRequest `json:"body"`
	}) (*struct {
		Body domain.Transaction `json:"body"`
	}, error) {
		from, err := partyFor(ctx, input.Body.From)
		if err != nil {
			return nil, err
		}
		txn, err := l.Transfer(ctx, ledger.TransferRequest{
			From:      from,
			To:        input.Body.To,
			Amount:    input.Body.Amount,
			Currency:  input.Body.Currency,
			Reference: input.Body.Reference,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Transaction `json:"body"`
		}{Body: txn}, nil
	})
}

func registerProviders(api huma.API, reg *registry.Registry) {
	huma.Register(api, huma.Operation{
		OperationID: "register-provider",
		Method:      http.MethodPost,
		Path:        "/providers",
		Summary:     "Register or update a provider",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		Body RegisterProviderRequest `json:"body"`
	}) (*struct {
		Body domain.Provider `json:"body"`
	}, error) {
		p, err := reg.Register(ctx, domain.Provider{
			ID:           input.Body.ID,
			Name:         input.Body.Name,
			Endpoint:     input.Body.Endpoint,
			Capabilities: input.Body.Capabilities,
			TrustScore:   input.Body.TrustScore,
			TrustTier:    domain.TrustTier(input.Body.TrustTier),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Provider `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "search-providers",
		Method:      http.MethodGet,
		Path:        "/providers",
		Summary:     "Providers offering a capability",
	}, func(ctx context.Context, input *struct {
		Capability string `query:"capability"`
	}) (*struct {
		Body paginatedProviders `json:"body"`
	}, error) {
		items, err := reg.Search(ctx, input.Capability)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Provider{}
		}
		return &struct {
			Body paginatedProviders `json:"body"`
		}{Body: paginatedProviders{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-provider",
		Method:      http.MethodGet,
		Path:        "/providers/{id}",
		Summary:     "Provider by id",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Provider `json:"body"`
	}, error) {
		p, err := reg.Lookup(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Provider `json:"body"`
		}{Body: p}, nil
	})
}

func registerGate(api huma.API, g *paygate.Gate) {
	huma.Register(api, huma.Operation{
		OperationID: "verify-payment",
		Method:      http.MethodPost,
		Path:        "/payments/verify",
		Summary:     "Check whether a caller has paid for the service",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusPaymentRequired},
	}, func(ctx context.Context, input *struct {
		Body VerifyPaymentRequest `json:"body"`
	}) (*struct {
		Body GateDecisionResponse `json:"body"`
	}, error) {
		payer, err := partyFor(ctx, input.Body.ConsumerID)
		if err != nil {
			return nil, err
		}
		d, err := g.Verify(ctx, paygate.Claim{
			Payer:         payer,
			PaymentAmount: input.Body.PaymentAmount,
			PaymentID:     input.Body.PaymentID,
			SkipPayment:   input.Body.SkipPayment,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body GateDecisionResponse `json:"body"`
		}{Body: GateDecisionResponse{Allowed: true, Reason: d.Reason, PaymentID: d.PaymentID, TransactionID: d.TransactionID}}, nil
	})
}

func registerEvents(api huma.API, r repo.Repo) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Audit events",
		Description: "Newest first, or ascending after a cursor when after is set.",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
		After      string `query:"after"`
		Limit      int    `query:"limit"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		var (
			items []domain.Event
			err   error
		)
		if input.After != "" {
			cursor, perr := strconv.ParseInt(input.After, 10, 64)
			if perr != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", nil)
			}
			items, err = r.EventsAfter(ctx, limit, cursor)
		} else {
			items, err = r.LatestEvents(ctx, limit, input.Type, input.EntityKind, input.EntityID)
		}
		if err != nil {
			return nil, handleError(err)
		}
		out := paginatedEvents{Items: make([]EventResponse, 0, len(items))}
		for _, evt := range items {
			out.Items = append(out.Items, eventResponse(evt))
		}
		if input.After != "" && len(items) == limit {
			out.NextCursor = strconv.FormatInt(items[len(items)-1].ID, 10)
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: out}, nil
	})
}
