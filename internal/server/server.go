package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"agentex/internal/auction"
	"agentex/internal/auth"
	"agentex/internal/domain"
	"agentex/internal/ledger"
	"agentex/internal/mandate"
	"agentex/internal/paygate"
	"agentex/internal/protocol"
	"agentex/internal/registry"
	"agentex/internal/repo"
	"agentex/internal/telemetry"
)

const timeLayout = time.RFC3339Nano

// Config for the HTTP handler. Nil components leave their routes unregistered.
type Config struct {
	AgentID    string
	Dispatcher *protocol.Dispatcher
	Card       domain.AgentCard
	Auction    *auction.Auction
	Mandates   *mandate.Protocol
	Ledger     *ledger.Ledger
	Registry   *registry.Registry
	Gate       *paygate.Gate
	Repo       repo.Repo
	Auth       AuthConfig
	Metrics    http.Handler
	Telemetry  *telemetry.Metrics
	RateLimit  float64
	RateBurst  int
	BasePath   string
	Logger     *slog.Logger
}

func (c Config) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"insufficient_balance"`
	Message string         `json:"message" example:"insufficient balance"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"stage\":\"cart\"}"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the agent: the /a2a JSON-RPC endpoint,
// its agent card, /metrics and the /v0 API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.logger()))

	registerA2A(router, cfg)
	if cfg.Metrics != nil {
		router.Method(http.MethodGet, "/metrics", cfg.Metrics)
	}

	hcfg := huma.DefaultConfig("agentex API", "1.0.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group, cfg.AgentID)
	if cfg.Auction != nil {
		registerAuctions(group, cfg)
	}
	if cfg.Mandates != nil {
		registerMandates(group, cfg.Mandates)
	}
	if cfg.Ledger != nil {
		registerWallets(group, *cfg.Ledger)
	}
	if cfg.Registry != nil {
		registerProviders(group, cfg.Registry)
	}
	if cfg.Gate != nil {
		registerGate(group, cfg.Gate)
	}
	if cfg.Repo.DB != nil {
		registerEvents(group, cfg.Repo)
	}
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var rej *paygate.Rejection
	if errors.As(err, &rej) {
		details := map[string]any{"required_payment": rej.RequiredPayment, "agent_id": rej.AgentID, "hint": rej.Hint}
		if rej.OfferedPayment != nil {
			details["offered_payment"] = *rej.OfferedPayment
		}
		return newAPIError(http.StatusPaymentRequired, rej.Code, err.Error(), details)
	}
	var ue auth.UnauthorizedError
	if errors.As(err, &ue) {
		return newAPIError(http.StatusUnauthorized, "unauthorized", err.Error(), nil)
	}
	var stage *mandate.StageError
	details := map[string]any(nil)
	if errors.As(err, &stage) {
		details = map[string]any{"stage": string(stage.Stage)}
	}
	msg := err.Error()
	switch {
	case errors.Is(err, repo.ErrNotFound),
		errors.Is(err, ledger.ErrWalletNotFound),
		errors.Is(err, registry.ErrProviderNotFound),
		errors.Is(err, mandate.ErrMandateNotFound):
		return newAPIError(http.StatusNotFound, "not_found", msg, details)
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return newAPIError(http.StatusConflict, "insufficient_balance", msg, details)
	case errors.Is(err, ledger.ErrWalletExists):
		return newAPIError(http.StatusConflict, "wallet_exists", msg, details)
	case errors.Is(err, mandate.ErrMandateUsed):
		return newAPIError(http.StatusConflict, "mandate_used", msg, details)
	case errors.Is(err, mandate.ErrMandateExpired):
		return newAPIError(http.StatusGone, "mandate_expired", msg, details)
	case errors.Is(err, mandate.ErrInvalidAuthorization):
		return newAPIError(http.StatusForbidden, "invalid_authorization", msg, details)
	case errors.Is(err, mandate.ErrProviderNotRegistered),
		errors.Is(err, mandate.ErrTotalMismatch),
		errors.Is(err, mandate.ErrBaseMismatch),
		errors.Is(err, mandate.ErrWrongKind),
		errors.Is(err, mandate.ErrUnsupportedMethod):
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", msg, details)
	case errors.Is(err, auction.ErrNoProviders):
		return newAPIError(http.StatusUnprocessableEntity, "no_providers", msg, details)
	case errors.Is(err, auction.ErrNoQualifiedBids):
		return newAPIError(http.StatusUnprocessableEntity, "no_qualified_bids", msg, details)
	case errors.Is(err, auction.ErrUnknownStrategy),
		errors.Is(err, auction.ErrOverrideOutOfRange),
		errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrSameWallet),
		errors.Is(err, ledger.ErrCurrencyMismatch),
		errors.Is(err, registry.ErrInvalidProvider),
		errors.Is(err, mandate.ErrInvalidAmount):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, details)
	}
	lowered := strings.ToLower(msg)
	if strings.Contains(lowered, "invalid") || strings.Contains(lowered, "required") {
		return newAPIError(http.StatusBadRequest, "bad_request", msg, details)
	}
	if details == nil {
		details = map[string]any{}
	}
	details["error"] = msg
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", details)
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusPaymentRequired:
		return "payment_required"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusTooManyRequests:
		return "rate_limited"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var (
		once sync.Once
		spec []byte
	)
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	healthPath := path.Join("/", basePath, "health")
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>agentex API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 500 {
		return 500
	}
	return in
}
