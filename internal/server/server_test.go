package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"agentex/internal/agent"
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
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T, opts ...func(*Config)) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg := config.Default("lexbot")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	l := ledger.New(conn, nil)
	reg, err := registry.New(conn, nil)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	mandates := &mandate.Protocol{
		Store:     mandate.NewSQLStore(conn),
		Directory: reg,
		Ledger:    l,
		Signer:    mandate.Signer{Secret: []byte("test-secret")},
		Fees:      mandate.Fees{BaseFeePercent: 2},
	}
	gate := &paygate.Gate{AgentID: "lexbot", Price: 1000, History: l}
	a := &agent.Agent{
		ID:   "lexbot",
		Name: "LexBot",
		Pricing: agent.Pricing{
			ServicePrice: 1000, BaseRate: 5, PerPageRate: 2, Confidence: 0.9,
			EstimatedMinutes: 10, TrustScore: 0.8, TrustTier: domain.TierVerified,
		},
		Gate:     gate,
		Mandates: mandates,
		Wallets:  l,
		Registry: reg,
		Service:  agent.EchoService,
	}
	scfg := Config{
		AgentID:    "lexbot",
		Dispatcher: &protocol.Dispatcher{Engine: protocol.NewEngine(a, nil)},
		Card:       agent.Card(cfg),
		Mandates:   mandates,
		Ledger:     &l,
		Registry:   reg,
		Gate:       gate,
		Repo:       repo.Repo{DB: conn},
		BasePath:   "/v0",
	}
	for _, opt := range opts {
		opt(&scfg)
	}
	handler, err := New(scfg)
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{Timeout: 10 * time.Second},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

type errorEnvelope struct {
	Error apiErrorBody `json:"error"`
}

func decodeError(t *testing.T, data []byte) apiErrorBody {
	t.Helper()
	var env errorEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, data)
	}
	return env.Error
}

func rpcBody(method string, params any) map[string]any {
	return map[string]any{"jsonrpc": "2.0", "id": 1, "method": method, "params": params}
}

func textMessage(text string) map[string]any {
	return map[string]any{"message": map[string]any{
		"role":  "user",
		"parts": []map[string]any{{"type": "text", "text": text}},
	}}
}

func TestHealthAndCard(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK || !strings.Contains(string(data), `"agent_id":"lexbot"`) {
		t.Fatalf("health: %d %s", res.StatusCode, data)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/.well-known/agent-card.json", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("card status %d", res.StatusCode)
	}
	var card domain.AgentCard
	if err := json.Unmarshal(data, &card); err != nil {
		t.Fatalf("unmarshal card: %v", err)
	}
	if !card.Capabilities.Streaming || len(card.Capabilities.Extensions) == 0 {
		t.Fatalf("unexpected card %+v", card)
	}
}

func TestA2ASendAndGet(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/a2a",
		rpcBody(protocol.MethodSend, textMessage(`{"action":"get_bid","documentPages":3}`)), nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("send status %d: %s", res.StatusCode, data)
	}
	var resp struct {
		Result domain.Task        `json:"result"`
		Error  *protocol.RPCError `json:"error"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Error != nil || resp.Result.Status.State != domain.TaskCompleted {
		t.Fatalf("unexpected send response %s", data)
	}
	if !strings.Contains(string(data), "bid_response") {
		t.Fatalf("reply missing bid: %s", data)
	}

	_, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/a2a",
		rpcBody(protocol.MethodGet, map[string]any{"id": resp.Result.ID}), nil)
	if !strings.Contains(string(data), resp.Result.ID) || strings.Contains(string(data), `"error"`) {
		t.Fatalf("tasks/get: %s", data)
	}

	_, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/a2a", rpcBody("tasks/explode", nil), nil)
	if !strings.Contains(string(data), "-32601") {
		t.Fatalf("expected method not found: %s", data)
	}
}

func TestA2AStreamEmitsEvents(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	b, _ := json.Marshal(rpcBody(protocol.MethodStream, textMessage(`{"action":"get_price"}`)))
	res, err := srv.Client().Post(srv.URL+"/a2a", "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer res.Body.Close()
	if ct := res.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type %q", ct)
	}
	var last domain.Task
	events := 0
	scanner := bufio.NewScanner(res.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var resp struct {
			Result domain.Task `json:"result"`
		}
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &resp); err != nil {
			t.Fatalf("unmarshal event: %v", err)
		}
		last = resp.Result
		events++
	}
	if events < 2 || last.Status.State != domain.TaskCompleted {
		t.Fatalf("expected several snapshots ending completed, got %d ending %q", events, last.Status.State)
	}
}

func TestWalletTransferAndConflict(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	for _, w := range []map[string]any{
		{"owner_id": "acme", "initial_balance": 50},
		{"owner_id": "lexbot"},
	} {
		res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/wallets", w, nil)
		if res.StatusCode != http.StatusCreated {
			t.Fatalf("create wallet %d: %s", res.StatusCode, data)
		}
	}
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/wallets", map[string]any{"owner_id": "acme"}, nil)
	if res.StatusCode != http.StatusConflict || decodeError(t, data).Code != "wallet_exists" {
		t.Fatalf("duplicate wallet: %d %s", res.StatusCode, data)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/transfers",
		map[string]any{"from": "acme", "to": "lexbot", "amount": 20.5}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("transfer %d: %s", res.StatusCode, data)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/transfers",
		map[string]any{"from": "acme", "to": "lexbot", "amount": 1000}, nil)
	if res.StatusCode != http.StatusConflict || decodeError(t, data).Code != "insufficient_balance" {
		t.Fatalf("overdraft: %d %s", res.StatusCode, data)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/wallets/lexbot", nil, nil)
	var w domain.Wallet
	if err := json.Unmarshal(data, &w); err != nil || res.StatusCode != http.StatusOK {
		t.Fatalf("get wallet %d: %s", res.StatusCode, data)
	}
	if w.Balance != 2050 {
		t.Fatalf("balance %s, want 20.50", w.Balance)
	}

	_, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/wallets/acme/transactions?limit=5", nil, nil)
	var page paginatedTransactions
	if err := json.Unmarshal(data, &page); err != nil || len(page.Items) != 1 {
		t.Fatalf("transactions: %s", data)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/wallets/ghost", nil, nil)
	if res.StatusCode != http.StatusNotFound || decodeError(t, data).Code != "not_found" {
		t.Fatalf("missing wallet: %d %s", res.StatusCode, data)
	}
}

func TestMandateChainSettles(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/providers", map[string]any{
		"id": "lexbot", "endpoint": "http://127.0.0.1:8100/a2a", "capabilities": []string{"legal"},
		"trust_score": 0.8, "trust_tier": "VERIFIED",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("register %d: %s", res.StatusCode, data)
	}
	doJSON(t, client, http.MethodPost, srv.URL+"/v0/wallets", map[string]any{"owner_id": "acme", "initial_balance": 100}, nil)
	doJSON(t, client, http.MethodPost, srv.URL+"/v0/wallets", map[string]any{"owner_id": "lexbot"}, nil)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/mandates/chain", map[string]any{
		"consumer_id": "acme", "provider_id": "lexbot", "amount": 10, "description": "NDA review",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("chain %d: %s", res.StatusCode, data)
	}
	var chain mandate.ChainResult
	if err := json.Unmarshal(data, &chain); err != nil {
		t.Fatalf("unmarshal chain: %v", err)
	}
	if chain.Receipt == nil || chain.Receipt.Status != domain.ReceiptSuccess || chain.Cart.Total != 1020 {
		t.Fatalf("unexpected chain %s", data)
	}

	_, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/mandates?party=acme&status=used", nil, nil)
	var mandates paginatedMandates
	if err := json.Unmarshal(data, &mandates); err != nil || len(mandates.Items) != 3 {
		t.Fatalf("mandates: %s", data)
	}

	// Replaying the settled payment is refused with a receipt.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/payments/process", map[string]any{
		"payment_mandate": chain.Payment, "amount": 10.20,
	}, nil)
	var rc domain.PaymentReceipt
	if err := json.Unmarshal(data, &rc); err != nil || res.StatusCode != http.StatusOK {
		t.Fatalf("replay %d: %s", res.StatusCode, data)
	}
	if rc.Status != domain.ReceiptFailed || rc.Error == nil {
		t.Fatalf("replay settled twice: %s", data)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/mandates/chain", map[string]any{
		"consumer_id": "acme", "provider_id": "nobody", "amount": 10,
	}, nil)
	body := decodeError(t, data)
	if res.StatusCode != http.StatusUnprocessableEntity || body.Details["stage"] != "intent" {
		t.Fatalf("unknown provider: %d %s", res.StatusCode, data)
	}

	_, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?type=mandate.receipt", nil, nil)
	var evts paginatedEvents
	if err := json.Unmarshal(data, &evts); err != nil || len(evts.Items) != 2 {
		t.Fatalf("receipt events: %s", data)
	}
}

func TestPaymentGateRejects(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/payments/verify",
		map[string]any{"consumer_id": "acme", "payment_amount": 5}, nil)
	body := decodeError(t, data)
	if res.StatusCode != http.StatusPaymentRequired || body.Code != paygate.CodeUnderpaid {
		t.Fatalf("underpaid: %d %s", res.StatusCode, data)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/payments/verify",
		map[string]any{"consumer_id": "acme"}, nil)
	if res.StatusCode != http.StatusPaymentRequired || decodeError(t, data).Code != paygate.CodePaymentRequired {
		t.Fatalf("unpaid: %d %s", res.StatusCode, data)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/payments/verify",
		map[string]any{"consumer_id": "acme", "payment_id": "pay_1"}, nil)
	if res.StatusCode != http.StatusOK || !strings.Contains(string(data), `"allowed":true`) {
		t.Fatalf("paid: %d %s", res.StatusCode, data)
	}
}

func TestAuthRequired(t *testing.T) {
	secret := "s3cret"
	srv, cleanup := newTestServer(t, func(c *Config) {
		c.Auth = AuthConfig{Authenticator: auth.Chain{auth.JWTValidator{Secret: secret}}, Required: true}
		c.Dispatcher.RequireAuth = true
		c.Dispatcher.Validator = auth.Chain{auth.JWTValidator{Secret: secret}}
	})
	defer cleanup()
	client := srv.Client()

	res, _ := doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health must stay open, got %d", res.StatusCode)
	}
	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/mandates", nil, nil)
	if res.StatusCode != http.StatusUnauthorized || decodeError(t, data).Code != "unauthorized" {
		t.Fatalf("anonymous: %d %s", res.StatusCode, data)
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/mandates", nil, map[string]string{"Authorization": "Bearer nope"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad token: %d", res.StatusCode)
	}

	token, err := auth.IssueToken(secret, "acme", nil, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	headers := map[string]string{"Authorization": "Bearer " + token}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/wallets", map[string]any{"initial_balance": 1}, headers)
	if res.StatusCode != http.StatusCreated || !strings.Contains(string(data), `"owner_id":"acme"`) {
		t.Fatalf("wallet for caller: %d %s", res.StatusCode, data)
	}

	_, data = doJSON(t, client, http.MethodPost, srv.URL+"/a2a", rpcBody(protocol.MethodSend, textMessage("hi")), nil)
	if !strings.Contains(string(data), "-32001") {
		t.Fatalf("a2a without token: %s", data)
	}
	_, data = doJSON(t, client, http.MethodPost, srv.URL+"/a2a", rpcBody(protocol.MethodSend, textMessage("hi")), headers)
	if strings.Contains(string(data), `"error"`) {
		t.Fatalf("a2a with token: %s", data)
	}
}

func TestRateLimit(t *testing.T) {
	srv, cleanup := newTestServer(t, func(c *Config) {
		c.RateLimit = 0.001
		c.RateBurst = 1
	})
	defer cleanup()
	body := rpcBody(protocol.MethodGet, map[string]any{"id": "x"})
	res, _ := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/a2a", body, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("first call %d", res.StatusCode)
	}
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/a2a", body, nil)
	if res.StatusCode != http.StatusTooManyRequests || decodeError(t, data).Code != "rate_limited" {
		t.Fatalf("second call %d %s", res.StatusCode, data)
	}
}

func TestWebhookDelivery(t *testing.T) {
	got := make(chan *http.Request, 4)
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	hook := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got <- r
	})}
	go hook.Serve(ln)
	defer hook.Shutdown(context.Background())

	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		t.Fatal(err)
	}
	d := &WebhookDispatcher{
		Events:  repo.Repo{DB: conn},
		AgentID: "lexbot",
		Hooks:   []config.WebhookConfig{{URL: "http://" + ln.Addr().String(), Events: []string{"wallet.created"}, Secret: "shh"}},
	}
	ctx := context.Background()
	d.DispatchAll(ctx)
	if _, err := ledger.New(conn, nil).CreateWallet(ctx, "acme", "", 0); err != nil {
		t.Fatal(err)
	}
	d.DispatchAll(ctx)
	select {
	case r := <-got:
		if r.Header.Get("X-Agentex-Event") != "wallet.created" || r.Header.Get("X-Agentex-Secret") != "shh" {
			t.Fatalf("unexpected headers %v", r.Header)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("webhook not delivered")
	}
}

func TestCallerCannotActForAnotherParty(t *testing.T) {
	secret := "s3cret"
	srv, cleanup := newTestServer(t, func(c *Config) {
		c.Auth = AuthConfig{Authenticator: auth.Chain{auth.JWTValidator{Secret: secret}}}
	})
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/providers", map[string]any{
		"id": "mallory", "endpoint": "http://127.0.0.1:8101/a2a", "capabilities": []string{"legal"},
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("register %d: %s", res.StatusCode, data)
	}
	doJSON(t, client, http.MethodPost, srv.URL+"/v0/wallets", map[string]any{"owner_id": "acme", "initial_balance": 100}, nil)
	doJSON(t, client, http.MethodPost, srv.URL+"/v0/wallets", map[string]any{"owner_id": "mallory"}, nil)

	malloryToken, err := auth.IssueToken(secret, "mallory", nil, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	mallory := map[string]string{"Authorization": "Bearer " + malloryToken}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/mandates/chain", map[string]any{
		"consumer_id": "acme", "provider_id": "mallory", "amount": 10,
	}, mallory)
	if res.StatusCode != http.StatusForbidden || decodeError(t, data).Code != "forbidden" {
		t.Fatalf("chain for another consumer: %d %s", res.StatusCode, data)
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/mandates/intents", map[string]any{
		"consumer_id": "acme", "provider_id": "mallory", "amount": 10,
	}, mallory)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("intent for another consumer: %d %s", res.StatusCode, data)
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/transfers", map[string]any{
		"from": "acme", "to": "mallory", "amount": 10,
	}, mallory)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("transfer from another wallet: %d %s", res.StatusCode, data)
	}

	// A cart built for acme cannot be authorized by mallory.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/mandates/intents", map[string]any{
		"consumer_id": "acme", "provider_id": "mallory", "amount": 10,
	}, nil)
	var intent domain.IntentMandate
	if err := json.Unmarshal(data, &intent); err != nil || res.StatusCode != http.StatusCreated {
		t.Fatalf("intent %d: %s", res.StatusCode, data)
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/mandates/carts", map[string]any{"intent_id": intent.ID}, nil)
	var cart domain.CartMandate
	if err := json.Unmarshal(data, &cart); err != nil || res.StatusCode != http.StatusCreated {
		t.Fatalf("cart %d: %s", res.StatusCode, data)
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/mandates/payments", map[string]any{"cart_id": cart.ID}, mallory)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("payment for another consumer's cart: %d %s", res.StatusCode, data)
	}

	_, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/wallets/acme", nil, nil)
	var w domain.Wallet
	if err := json.Unmarshal(data, &w); err != nil || w.Balance != 10000 {
		t.Fatalf("acme balance moved: %s", data)
	}

	acmeToken, err := auth.IssueToken(secret, "acme", nil, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/mandates/chain", map[string]any{
		"provider_id": "mallory", "amount": 10,
	}, map[string]string{"Authorization": "Bearer " + acmeToken})
	if res.StatusCode != http.StatusOK || !strings.Contains(string(data), `"SUCCESS"`) {
		t.Fatalf("chain as caller: %d %s", res.StatusCode, data)
	}
}

func TestOpenAPIServedConcurrently(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	bodies := make([]string, 8)
	var wg sync.WaitGroup
	for i := range bodies {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := srv.Client().Get(srv.URL + "/v0/openapi.json")
			if err != nil {
				return
			}
			defer res.Body.Close()
			data, _ := io.ReadAll(res.Body)
			bodies[i] = string(data)
		}(i)
	}
	wg.Wait()
	for i, b := range bodies {
		if !strings.Contains(b, "/mandates/chain") || b != bodies[0] {
			t.Fatalf("document %d differs or is incomplete: %.80s", i, b)
		}
	}
}
