package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"agentex/internal/app"
	"agentex/internal/auction"
	"agentex/internal/auth"
	"agentex/internal/config"
	"agentex/internal/db"
	"agentex/internal/domain"
	"agentex/internal/ledger"
	"agentex/internal/mandate"
	"agentex/internal/migrate"
	"agentex/internal/registry"
	"agentex/internal/repo"
	"agentex/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "ax",
	Short: "agentex marketplace agent",
	Long: `agentex runs an A2A agent that sells work for payment.
- Tasks: JSON-RPC message/send, message/stream, tasks/get and tasks/cancel on /a2a.
- Auctions: ask providers for bids in parallel and rank them (lowest_price, best_quality, balanced).
- Mandates: intent -> cart -> payment -> receipt, each stage signed and settled through the ledger.
- Payment gate: paid work only runs after a payment id, or a matching ledger transfer, is seen.
- Workspace: .agentex holds the sqlite database; agentex.yml holds the agent config.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		slog.SetDefault(newLogger())
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("AGENTEX")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("agent-id", "", "agent id (overrides agentex.yml)")
	rootCmd.PersistentFlags().String("log-level", "info", "debug, info, warn or error")
	rootCmd.PersistentFlags().String("log-format", "text", "text or json")
	for _, name := range []string{"workspace", "json", "agent-id", "log-level", "log-format"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(auctionCmd())
	rootCmd.AddCommand(payCmd())
	rootCmd.AddCommand(mandateCmd())
	rootCmd.AddCommand(walletCmd())
	rootCmd.AddCommand(providerCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(logCmd())
}

func newLogger() *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(viper.GetString("log-level"))); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(viper.GetString("log-format"), "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the agent: /a2a, agent card, /metrics and the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if rt.Config.Server.RequireAuth && viper.GetString("jwt_secret") == "" {
					rt.Logger.Warn("require_auth is set without AGENTEX_JWT_SECRET; only API keys will be accepted")
				}
				if token := viper.GetString("outbound_token"); token != "" {
					rt.WithOutboundToken(token)
				}
				handler, err := rt.Handler(basePath)
				if err != nil {
					return err
				}
				server.StartWebhooks(ctx, rt.Repo, rt.Config, rt.Logger.With("component", "webhooks"))
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				rt.Logger.Info("serving", "addr", addr, "a2a", "/a2a", "api", basePath, "card", "/.well-known/agent-card.json")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8100", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

func auctionCmd() *cobra.Command {
	root := &cobra.Command{Use: "auction", Short: "Run bid rounds"}
	var (
		capability, description, strategy, consumer string
		pages, timeoutMS                            int
		override                                    int
		providers                                   []string
	)
	run := &cobra.Command{
		Use:   "run",
		Short: "Solicit bids and pick a winner",
		RunE: func(cmd *cobra.Command, args []string) error {
			var s auction.Strategy
			if strategy != "" {
				parsed, err := auction.ParseStrategy(strategy)
				if err != nil {
					return err
				}
				s = parsed
			}
			req := auction.RoundRequest{
				Context: auction.BidContext{
					TaskDescription: description,
					Capability:      capability,
					DocumentPages:   pages,
					ConsumerID:      consumer,
				},
				Strategy: s,
				Timeout:  time.Duration(timeoutMS) * time.Millisecond,
			}
			if cmd.Flags().Changed("override") {
				req.Override = &override
			}
			for _, spec := range providers {
				id, endpoint, ok := strings.Cut(spec, "=")
				if !ok {
					return fmt.Errorf("--provider expects id=url, got %q", spec)
				}
				req.Providers = append(req.Providers, domain.Provider{ID: id, Name: id, Endpoint: endpoint, TrustTier: domain.TierUnverified})
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				round, err := rt.Auction.Run(ctx, req)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(round)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"#", "Provider", "Price", "Confidence", "Minutes", "Tier", "Score"})
				for i, b := range round.Bids {
					tw.AppendRow(table.Row{i, b.ProviderID, fmt.Sprintf("%.2f", b.Price), fmt.Sprintf("%.2f", b.Confidence),
						fmt.Sprintf("%.1f", b.EstimatedMinutes()), b.TrustTier, fmt.Sprintf("%.4f", b.Score)})
				}
				tw.AppendFooter(table.Row{"", "winner", round.Winner.ProviderID, "", "", "", fmt.Sprintf("synthetic=%v", round.Synthetic)})
				tw.Render()
				return nil
			})
		},
	}
	run.Flags().StringVar(&capability, "capability", "", "capability to discover providers by")
	run.Flags().StringVar(&description, "task", "", "task description sent with the bid request")
	run.Flags().StringVar(&strategy, "strategy", "", "lowest_price, best_quality or balanced")
	run.Flags().StringVar(&consumer, "consumer", "", "consumer id")
	run.Flags().IntVar(&pages, "pages", 0, "document pages")
	run.Flags().IntVar(&timeoutMS, "timeout-ms", 0, "per-provider timeout")
	run.Flags().IntVar(&override, "override", 0, "pick this ranking index instead of the top bid")
	run.Flags().StringArrayVar(&providers, "provider", nil, "provider as id=url (repeatable)")
	root.AddCommand(run)
	return root
}

func payCmd() *cobra.Command {
	root := &cobra.Command{Use: "pay", Short: "Pay providers through mandates"}
	var consumer, provider, amount, currency, description, category, method string
	chain := &cobra.Command{
		Use:   "chain",
		Short: "Create intent, cart and payment mandates and settle",
		RunE: func(cmd *cobra.Command, args []string) error {
			cents, err := domain.ParseCents(amount)
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if rt.Mandates == nil {
					return errors.New("payments are disabled in agentex.yml")
				}
				res, err := rt.Mandates.ProcessMandateChain(ctx, mandate.ChainRequest{
					ConsumerID:   consumer,
					ProviderID:   provider,
					Amount:       cents,
					Currency:     currency,
					Description:  description,
					WorkCategory: category,
					Method:       method,
				})
				if err != nil {
					return err
				}
				return printJSON(res)
			})
		},
	}
	chain.Flags().StringVar(&consumer, "consumer", "", "paying party")
	chain.Flags().StringVar(&provider, "provider", "", "provider to pay")
	chain.Flags().StringVar(&amount, "amount", "", "amount, e.g. 24.50")
	chain.Flags().StringVar(&currency, "currency", "", "currency (default USD)")
	chain.Flags().StringVar(&description, "description", "", "what is being bought")
	chain.Flags().StringVar(&category, "category", "", "work category for rewards")
	chain.Flags().StringVar(&method, "method", "", "payment method")
	_ = chain.MarkFlagRequired("consumer")
	_ = chain.MarkFlagRequired("provider")
	_ = chain.MarkFlagRequired("amount")
	root.AddCommand(chain)
	return root
}

func mandateCmd() *cobra.Command {
	root := &cobra.Command{Use: "mandate", Short: "Inspect mandates"}
	var party, kind, status string
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List recorded mandates",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := mandate.NewSQLStore(r.DB).List(ctx, repo.MandateFilter{
					PartyID: party, Kind: domain.MandateKind(kind), Status: domain.MandateStatus(status), Limit: limit,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Kind", "Parent", "Consumer", "Provider", "Amount", "Status", "Expires"})
				for _, m := range items {
					tw.AppendRow(table.Row{m.ID, m.Kind, m.ParentID, m.ConsumerID, m.ProviderID, m.Amount.String() + " " + m.Currency,
						m.Status, m.ExpiresAt.Format(time.RFC3339)})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&party, "party", "", "consumer or provider id")
	list.Flags().StringVar(&kind, "kind", "", "intent, cart or payment")
	list.Flags().StringVar(&status, "status", "", "pending, used or expired")
	list.Flags().IntVar(&limit, "limit", 50, "max rows")
	root.AddCommand(list)
	return root
}

func walletCmd() *cobra.Command {
	root := &cobra.Command{Use: "wallet", Short: "Manage ledger wallets"}

	var currency, initial string
	create := &cobra.Command{
		Use:   "create <owner>",
		Short: "Create a wallet",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cents, err := domain.ParseCents(initial)
			if err != nil {
				return err
			}
			return withLedger(cmd.Context(), func(ctx context.Context, l ledger.Ledger) error {
				w, err := l.CreateWallet(ctx, args[0], currency, cents)
				if err != nil {
					return err
				}
				return printJSONOrTable(w)
			})
		},
	}
	create.Flags().StringVar(&currency, "currency", "", "currency (default USD)")
	create.Flags().StringVar(&initial, "initial", "0", "initial balance")

	balance := &cobra.Command{
		Use:   "balance <wallet-or-owner>",
		Short: "Show a wallet balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(cmd.Context(), func(ctx context.Context, l ledger.Ledger) error {
				w, err := l.Wallet(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(w)
				}
				fmt.Printf("%s (%s): %s %s\n", w.OwnerID, w.ID, w.Balance, w.Currency)
				return nil
			})
		},
	}

	var limit int
	history := &cobra.Command{
		Use:   "history <wallet-or-owner>",
		Short: "List transactions, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(cmd.Context(), func(ctx context.Context, l ledger.Ledger) error {
				items, err := l.History(ctx, args[0], limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "From", "To", "Amount", "Status", "Reference", "At"})
				for _, tx := range items {
					tw.AppendRow(table.Row{tx.ID, tx.FromOwner, tx.ToOwner, tx.Amount.String() + " " + tx.Currency, tx.Status, tx.Reference, tx.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	history.Flags().IntVar(&limit, "limit", 10, "max rows")

	var reference string
	transfer := &cobra.Command{
		Use:   "transfer <from> <to> <amount>",
		Short: "Move funds between wallets",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			cents, err := domain.ParseCents(args[2])
			if err != nil {
				return err
			}
			return withLedger(cmd.Context(), func(ctx context.Context, l ledger.Ledger) error {
				tx, err := l.Transfer(ctx, ledger.TransferRequest{From: args[0], To: args[1], Amount: cents, Reference: reference})
				if err != nil {
					return err
				}
				return printJSONOrTable(tx)
			})
		},
	}
	transfer.Flags().StringVar(&reference, "reference", "", "free-form reference")

	root.AddCommand(create, balance, history, transfer)
	return root
}

func providerCmd() *cobra.Command {
	root := &cobra.Command{Use: "provider", Short: "Manage the provider registry"}

	var p domain.Provider
	var tier string
	register := &cobra.Command{
		Use:   "register",
		Short: "Register or update a provider",
		RunE: func(cmd *cobra.Command, args []string) error {
			p.TrustTier = domain.TrustTier(strings.ToUpper(tier))
			return withRegistry(cmd.Context(), func(ctx context.Context, reg *registry.Registry) error {
				out, err := reg.Register(ctx, p)
				if err != nil {
					return err
				}
				return printJSONOrTable(out)
			})
		},
	}
	register.Flags().StringVar(&p.ID, "id", "", "provider id")
	register.Flags().StringVar(&p.Name, "name", "", "display name")
	register.Flags().StringVar(&p.Endpoint, "endpoint", "", "A2A endpoint url")
	register.Flags().StringSliceVar(&p.Capabilities, "capability", nil, "capability (repeatable)")
	register.Flags().Float64Var(&p.TrustScore, "trust-score", 0.5, "trust score 0..1")
	register.Flags().StringVar(&tier, "tier", "", "UNVERIFIED, VERIFIED, TRUSTED or PREFERRED")
	_ = register.MarkFlagRequired("id")
	_ = register.MarkFlagRequired("endpoint")

	search := &cobra.Command{
		Use:   "search [capability]",
		Short: "List providers, optionally by capability",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			capability := ""
			if len(args) == 1 {
				capability = args[0]
			}
			return withRegistry(cmd.Context(), func(ctx context.Context, reg *registry.Registry) error {
				items, err := reg.Search(ctx, capability)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Endpoint", "Capabilities", "Trust", "Tier"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Name, p.Endpoint, strings.Join(p.Capabilities, ","), fmt.Sprintf("%.2f", p.TrustScore), p.TrustTier})
				}
				tw.Render()
				return nil
			})
		},
	}
	root.AddCommand(register, search)
	return root
}

func tokenCmd() *cobra.Command {
	root := &cobra.Command{Use: "token", Short: "Bearer tokens"}
	var subject string
	var roles []string
	var ttl time.Duration
	issue := &cobra.Command{
		Use:   "issue",
		Short: "Issue an HS256 token signed with AGENTEX_JWT_SECRET",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := viper.GetString("jwt_secret")
			if secret == "" {
				return errors.New("AGENTEX_JWT_SECRET is required")
			}
			token, err := auth.IssueToken(secret, subject, roles, ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	issue.Flags().StringVar(&subject, "subject", "", "actor id")
	issue.Flags().StringSliceVar(&roles, "role", nil, "role (repeatable)")
	issue.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "lifetime, 0 for none")
	_ = issue.MarkFlagRequired("subject")
	root.AddCommand(issue)
	return root
}

func apiKeyCmd() *cobra.Command {
	root := &cobra.Command{Use: "apikey", Short: "API keys"}
	var actor, name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key; the key is printed once",
		RunE: func(cmd *cobra.Command, args []string) error {
			buf := make([]byte, 24)
			if _, err := rand.Read(buf); err != nil {
				return err
			}
			key := "ax_" + hex.EncodeToString(buf)
			return withDB(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				rec := domain.APIKey{ID: uuid.NewString(), ActorID: actor, Name: name, KeyHash: repo.HashAPIKey(key)}
				if err := r.InsertAPIKey(ctx, nil, rec); err != nil {
					return err
				}
				return printJSON(map[string]string{"id": rec.ID, "actor_id": actor, "key": key})
			})
		},
	}
	create.Flags().StringVar(&actor, "actor", "", "actor id the key authenticates as")
	create.Flags().StringVar(&name, "name", "", "label")
	_ = create.MarkFlagRequired("actor")
	root.AddCommand(create)
	return root
}

func configCmd() *cobra.Command {
	root := &cobra.Command{Use: "config", Short: "Agent configuration"}
	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default agentex.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s exists; use --force to overwrite", path)
			}
			id := viper.GetString("agent-id")
			if id == "" {
				id = "local-agent"
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(id)), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")

	show := &cobra.Command{
		Use:   "show",
		Short: "Print the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.ResolveConfig(viper.GetString("workspace"), viper.GetString("agent-id"))
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			enc := yaml.NewEncoder(os.Stdout)
			enc.SetIndent(2)
			return enc.Encode(cfg)
		},
	}
	validate := &cobra.Command{
		Use:   "validate [file]",
		Short: "Validate agentex.yml",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if len(args) == 1 {
				path = args[0]
			}
			if _, err := config.FromFile(path); err != nil {
				return err
			}
			fmt.Println("ok")
			return nil
		},
	}
	root.AddCommand(initCmd, show, validate)
	return root
}

func logCmd() *cobra.Command {
	root := &cobra.Command{Use: "log", Short: "Audit events"}
	var n int
	var evtType, entityKind, entityID string
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.LatestEvents(ctx, n, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	tail.Flags().IntVar(&n, "n", 20, "number of events")
	tail.Flags().StringVar(&evtType, "type", "", "event type filter")
	tail.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	tail.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	root.AddCommand(tail)
	return root
}

// --- helpers ---

func withRuntime(ctx context.Context, fn func(context.Context, *app.Runtime) error) error {
	workspace := viper.GetString("workspace")
	cfg, err := app.ResolveConfig(workspace, viper.GetString("agent-id"))
	if err != nil {
		return err
	}
	rt, err := app.Open(ctx, app.Options{
		Workspace:     workspace,
		Config:        cfg,
		JWTSecret:     viper.GetString("jwt_secret"),
		MandateSecret: viper.GetString("mandate_secret"),
		Logger:        slog.Default(),
	})
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt)
}

func withDB(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func withLedger(ctx context.Context, fn func(context.Context, ledger.Ledger) error) error {
	return withDB(ctx, func(ctx context.Context, r repo.Repo) error {
		return fn(ctx, ledger.New(r.DB, slog.Default()))
	})
}

func withRegistry(ctx context.Context, fn func(context.Context, *registry.Registry) error) error {
	return withDB(ctx, func(ctx context.Context, r repo.Repo) error {
		reg, err := registry.New(r.DB, slog.Default())
		if err != nil {
			return err
		}
		return fn(ctx, reg)
	})
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
