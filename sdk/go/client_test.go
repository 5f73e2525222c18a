package agentexsdk

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"agentex/internal/domain"
	"agentex/internal/protocol"
)

func newRPCServer(t *testing.T) *httptest.Server {
	t.Helper()
	d := &protocol.Dispatcher{Engine: protocol.NewEngine(protocol.HandlerFunc(func(ctx context.Context, call protocol.Call, updates chan<- protocol.Update) (protocol.Result, error) {
		return protocol.Result{Parts: []domain.Part{domain.TextPart("pong")}}, nil
	}), nil)}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/a2a" {
			http.NotFound(w, r)
			return
		}
		body, _ := io.ReadAll(r.Body)
		writeJSON(t, w, d.Dispatch(r.Context(), body, ""))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestSendTextAndGetTask(t *testing.T) {
	srv := newRPCServer(t)
	c := New(srv.URL)
	ctx := context.Background()
	task, err := c.SendText(ctx, "s1", "ping")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if task.Status.State != domain.TaskCompleted || task.History[len(task.History)-1].Text() != "pong" {
		t.Fatalf("unexpected task %+v", task)
	}
	got, err := c.GetTask(ctx, task.ID)
	if err != nil || got.ID != task.ID {
		t.Fatalf("get: %v %+v", err, got)
	}
}

func TestRPCErrorSurfaces(t *testing.T) {
	srv := newRPCServer(t)
	_, err := New(srv.URL).CancelTask(context.Background(), "missing")
	var rpcErr *protocol.RPCError
	if !errors.As(err, &rpcErr) || rpcErr.Code != protocol.CodeInternalError {
		t.Fatalf("expected rpc error, got %v", err)
	}
}

func TestAPIErrorOnHTTPFailure(t *testing.T) {
	srv := newRPCServer(t)
	_, err := New(srv.URL).AgentCard(context.Background())
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 api error, got %v", err)
	}
}
