package agentexsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"agentex/internal/domain"
	"agentex/internal/protocol"
)

// Client talks to an agentex agent: the /a2a JSON-RPC endpoint and the /v0 HTTP API.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration

	seq atomic.Int64
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// SendText sends a single text part as a new task.
func (c *Client) SendText(ctx context.Context, sessionID, text string) (domain.Task, error) {
	return c.SendMessage(ctx, protocol.MessageParams{
		SessionID: sessionID,
		Message: domain.Message{
			Role:      "user",
			MessageID: uuid.NewString(),
			Parts:     []domain.Part{domain.TextPart(text)},
		},
	})
}

// SendMessage calls message/send.
func (c *Client) SendMessage(ctx context.Context, params protocol.MessageParams) (domain.Task, error) {
	var task domain.Task
	err := c.call(ctx, protocol.MethodSend, params, &task)
	return task, err
}

// GetTask calls tasks/get.
func (c *Client) GetTask(ctx context.Context, id string) (domain.Task, error) {
	var task domain.Task
	err := c.call(ctx, protocol.MethodGet, protocol.TaskIDParams{ID: id}, &task)
	return task, err
}

// CancelTask calls tasks/cancel.
func (c *Client) CancelTask(ctx context.Context, id string) (domain.Task, error) {
	var task domain.Task
	err := c.call(ctx, protocol.MethodCancel, protocol.TaskIDParams{ID: id}, &task)
	return task, err
}

// AgentCard fetches the published agent descriptor.
func (c *Client) AgentCard(ctx context.Context) (domain.AgentCard, error) {
	var card domain.AgentCard
	err := c.do(ctx, http.MethodGet, ".well-known/agent-card.json", nil, &card)
	return card, err
}

// Health reports the /v0/health payload.
func (c *Client) Health(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	err := c.do(ctx, http.MethodGet, "v0/health", nil, &out)
	return out, err
}

// Balance returns the wallet of an owner or wallet id.
func (c *Client) Balance(ctx context.Context, ref string) (domain.Wallet, error) {
	var w domain.Wallet
	err := c.do(ctx, http.MethodGet, "v0/wallets/"+url.PathEscape(ref), nil, &w)
	return w, err
}

// Transactions returns the recent transactions of a wallet, newest first.
func (c *Client) Transactions(ctx context.Context, ref string, limit int) ([]domain.Transaction, error) {
	endpoint := "v0/wallets/" + url.PathEscape(ref) + "/transactions"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp struct {
		Items []domain.Transaction `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

func (c *Client) call(ctx context.Context, method string, params any, out any) error {
	rawParams, err := json.Marshal(params)
	if err != nil {
		return err
	}
	id, _ := json.Marshal(c.seq.Add(1))
	req := protocol.Request{JSONRPC: protocol.Version, ID: id, Method: method, Params: rawParams}
	var resp struct {
		JSONRPC string             `json:"jsonrpc"`
		ID      json.RawMessage    `json:"id"`
		Result  json.RawMessage    `json:"result"`
		Error   *protocol.RPCError `json:"error"`
	}
	if err := c.do(ctx, http.MethodPost, "a2a", req, &resp); err != nil {
		return err
	}
	if resp.Error != nil {
		return resp.Error
	}
	if out != nil {
		return json.Unmarshal(resp.Result, out)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
