// Package app wires the marketplace components into a running agent.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"agentex/internal/agent"
	"agentex/internal/auction"
	"agentex/internal/auth"
	"agentex/internal/config"
	"agentex/internal/db"
	"agentex/internal/domain"
	"agentex/internal/ledger"
	"agentex/internal/mandate"
	"agentex/internal/migrate"
	"agentex/internal/paygate"
	"agentex/internal/protocol"
	"agentex/internal/registry"
	"agentex/internal/repo"
	"agentex/internal/server"
	"agentex/internal/telemetry"
)

type Options struct {
	Workspace     string
	Config        *config.Config
	JWTSecret     string
	MandateSecret string
	// Service performs paid work. Defaults to agent.EchoService.
	Service agent.Service
	Logger  *slog.Logger
}

// Runtime holds every component of one agent process.
type Runtime struct {
	Config     *config.Config
	DB         *sql.DB
	Repo       repo.Repo
	Ledger     ledger.Ledger
	Registry   *registry.Registry
	Mandates   *mandate.Protocol
	Gate       *paygate.Gate
	Agent      *agent.Agent
	Engine     *protocol.Engine
	Dispatcher *protocol.Dispatcher
	Auction    *auction.Auction
	Auth       auth.Chain
	Metrics    *telemetry.Metrics
	Logger     *slog.Logger

	metricsHandler http.Handler
}

// Open prepares the workspace database and builds the component graph.
func Open(ctx context.Context, opts Options) (*Runtime, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, errors.New("config required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("agent_id", cfg.Agent.ID)
	mandateSecret := opts.MandateSecret
	if mandateSecret == "" {
		mandateSecret = opts.JWTSecret
	}
	if cfg.Payments.Enabled && strings.TrimSpace(mandateSecret) == "" {
		return nil, errors.New("AGENTEX_MANDATE_SECRET (or AGENTEX_JWT_SECRET) is required when payments are enabled")
	}

	if _, err := db.EnsureWorkspace(opts.Workspace); err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	metricsHandler, metrics, err := telemetry.Init(ctx, cfg.Agent.ID)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	rt := &Runtime{
		Config:         cfg,
		DB:             conn,
		Repo:           repo.Repo{DB: conn},
		Ledger:         ledger.New(conn, logger.With("component", "ledger")),
		Metrics:        metrics,
		Logger:         logger,
		metricsHandler: metricsHandler,
	}
	rt.Registry, err = registry.New(conn, logger.With("component", "registry"))
	if err != nil {
		conn.Close()
		return nil, err
	}
	rt.Auth = auth.Chain{auth.JWTValidator{Secret: opts.JWTSecret}, auth.APIKeyValidator{Repo: rt.Repo}}

	if cfg.Payments.Enabled {
		rt.Mandates = &mandate.Protocol{
			Store:            mandate.NewSQLStore(conn),
			Directory:        rt.Registry,
			Ledger:           rt.Ledger,
			Signer:           mandate.Signer{Secret: []byte(mandateSecret)},
			Fees:             mandate.Fees{BaseFeePercent: cfg.Payments.BaseFeePercent, CategoryRewards: cfg.Payments.CategoryRewards},
			SupportedMethods: cfg.Payments.SupportedMethods,
			IntentTTL:        cfg.IntentTTL(),
			CartTTL:          cfg.CartTTL(),
			Logger:           logger.With("component", "mandate"),
			OnReceipt: func(rc domain.PaymentReceipt) {
				metrics.Receipt(string(rc.Status))
			},
		}
	}
	price := domain.FromFloat(cfg.Pricing.ServicePrice)
	if price > 0 {
		rt.Gate = &paygate.Gate{
			AgentID: cfg.Agent.ID,
			Price:   price,
			History: rt.Ledger,
			Window:  cfg.Payments.HistoryWindow,
			Logger:  logger.With("component", "paygate"),
			Observe: metrics.GateDecision,
		}
	}

	service := opts.Service
	if service == nil {
		service = agent.EchoService
	}
	rt.Agent = &agent.Agent{
		ID:   cfg.Agent.ID,
		Name: cfg.Agent.Name,
		Pricing: agent.Pricing{
			ServicePrice:     price,
			Currency:         cfg.Pricing.Currency,
			BaseRate:         cfg.Pricing.BaseRate,
			PerPageRate:      cfg.Pricing.PerPageRate,
			Confidence:       cfg.Pricing.Confidence,
			EstimatedMinutes: cfg.Pricing.EstimatedMinutes,
			TrustScore:       cfg.Pricing.TrustScore,
			TrustTier:        domain.TrustTier(cfg.Pricing.TrustTier),
		},
		Gate:     rt.Gate,
		Mandates: rt.Mandates,
		Wallets:  rt.Ledger,
		Registry: rt.Registry,
		Service:  service,
		Logger:   logger.With("component", "agent"),
	}
	rt.Engine = protocol.NewEngine(rt.Agent, logger.With("component", "engine"))
	rt.Dispatcher = &protocol.Dispatcher{
		Engine:      rt.Engine,
		RequireAuth: cfg.Server.RequireAuth,
		Validator:   rt.Auth,
		Logger:      logger.With("component", "rpc"),
		Observe:     metrics.RPC,
	}

	strategy, err := auction.ParseStrategy(cfg.Auction.Strategy)
	if err != nil {
		conn.Close()
		return nil, err
	}
	rt.Auction = &auction.Auction{
		Collector:        auction.Collector{Caller: auction.A2ACaller{}, Logger: logger.With("component", "auction")},
		Providers:        rt.Registry,
		Strategy:         strategy,
		Timeout:          cfg.AuctionTimeout(),
		ReferenceMinutes: cfg.Auction.ReferenceMinutes,
		Logger:           logger.With("component", "auction"),
		Observe: func(r auction.Round) {
			metrics.AuctionRound(string(r.Strategy), len(r.Bids), r.Synthetic, time.Duration(r.DurationMS)*time.Millisecond)
		},
	}

	if err := Seed(ctx, cfg, rt.Ledger, rt.Registry); err != nil {
		conn.Close()
		return nil, err
	}
	return rt, nil
}

// WithOutboundToken makes bid requests carry token.
func (rt *Runtime) WithOutboundToken(token string) {
	rt.Auction.Collector.Caller = auction.A2ACaller{BearerToken: token}
}

// Handler builds the HTTP surface for the runtime.
func (rt *Runtime) Handler(basePath string) (http.Handler, error) {
	return server.New(server.Config{
		AgentID:    rt.Config.Agent.ID,
		Dispatcher: rt.Dispatcher,
		Card:       agent.Card(rt.Config),
		Auction:    rt.Auction,
		Mandates:   rt.Mandates,
		Ledger:     &rt.Ledger,
		Registry:   rt.Registry,
		Gate:       rt.Gate,
		Repo:       rt.Repo,
		Auth:       server.AuthConfig{Authenticator: rt.Auth, Required: rt.Config.Server.RequireAuth},
		Metrics:    rt.metricsHandler,
		Telemetry:  rt.Metrics,
		RateLimit:  rt.Config.Server.RateLimit,
		RateBurst:  rt.Config.Server.RateBurst,
		BasePath:   basePath,
		Logger:     rt.Logger,
	})
}

func (rt *Runtime) Close() error {
	return rt.DB.Close()
}
