package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"agentex/internal/domain"
)

type staticValidator map[string]map[string]any

func (v staticValidator) Validate(ctx context.Context, token string) (map[string]any, error) {
	claims, ok := v[token]
	if !ok {
		return nil, errors.New("unknown token")
	}
	return claims, nil
}

func newDispatcher(h Handler) *Dispatcher {
	return &Dispatcher{Engine: NewEngine(h, nil)}
}

func resultTask(t *testing.T, resp Response) domain.Task {
	t.Helper()
	if resp.Error != nil {
		t.Fatalf("unexpected error %+v", resp.Error)
	}
	task, ok := resp.Result.(domain.Task)
	if !ok {
		t.Fatalf("result is %T", resp.Result)
	}
	return task
}

func TestDispatchErrorCodes(t *testing.T) {
	d := newDispatcher(echoHandler())
	ctx := context.Background()
	cases := []struct {
		name string
		body string
		code int
	}{
		{"parse", `{"jsonrpc":`, CodeParseError},
		{"version", `{"jsonrpc":"1.0","id":1,"method":"tasks/get"}`, CodeInvalidRequest},
		{"no method", `{"jsonrpc":"2.0","id":1}`, CodeInvalidRequest},
		{"unknown method", `{"jsonrpc":"2.0","id":1,"method":"tasks/list"}`, CodeMethodNotFound},
		{"unknown task", `{"jsonrpc":"2.0","id":1,"method":"tasks/get","params":{"id":"nope"}}`, CodeInternalError},
		{"bad params", `{"jsonrpc":"2.0","id":1,"method":"tasks/cancel","params":[1]}`, CodeInternalError},
	}
	for _, tc := range cases {
		resp := d.Dispatch(ctx, []byte(tc.body), "")
		if resp.Error == nil || resp.Error.Code != tc.code {
			t.Fatalf("%s: expected code %d, got %+v", tc.name, tc.code, resp.Error)
		}
		if resp.JSONRPC != Version {
			t.Fatalf("%s: missing version", tc.name)
		}
	}
}

func TestDispatchSendAndGet(t *testing.T) {
	d := newDispatcher(echoHandler())
	ctx := context.Background()
	resp := d.Dispatch(ctx, []byte(`{"jsonrpc":"2.0","id":"req-1","method":"message/send","params":{"message":{"role":"user","parts":[{"type":"text","text":"ping"}]}}}`), "")
	if string(resp.ID) != `"req-1"` {
		t.Fatalf("id not echoed: %s", resp.ID)
	}
	task := resultTask(t, resp)
	if task.Status.State != domain.TaskCompleted {
		t.Fatalf("expected completed, got %s", task.Status.State)
	}
	body, _ := json.Marshal(Request{JSONRPC: Version, ID: json.RawMessage("2"), Method: MethodGet, Params: json.RawMessage(`{"id":"` + task.ID + `"}`)})
	got := resultTask(t, d.Dispatch(ctx, body, ""))
	if got.ID != task.ID {
		t.Fatalf("get returned %s", got.ID)
	}
}

func TestDispatchRecoversPanics(t *testing.T) {
	d := &Dispatcher{}
	resp := d.Dispatch(context.Background(), []byte(`{"jsonrpc":"2.0","id":7,"method":"tasks/get","params":{"id":"x"}}`), "")
	if resp.Error == nil || resp.Error.Code != CodeInternalError || string(resp.ID) != "7" {
		t.Fatalf("expected internal error with id, got %+v", resp)
	}
}

func TestDispatchAuthGate(t *testing.T) {
	var seen map[string]any
	d := newDispatcher(HandlerFunc(func(ctx context.Context, call Call, updates chan<- Update) (Result, error) {
		seen = call.Auth
		return Result{Parts: []domain.Part{domain.TextPart("ok")}}, nil
	}))
	d.RequireAuth = true
	d.Validator = staticValidator{"good": {"sub": "consumer-1"}, "empty": {}}
	body := []byte(`{"jsonrpc":"2.0","id":1,"method":"message/send","params":{"message":{"parts":[{"type":"text","text":"x"}]}}}`)
	for _, bearer := range []string{"", "bad", "empty"} {
		resp := d.Dispatch(context.Background(), body, bearer)
		if resp.Error == nil || resp.Error.Code != CodeUnauthorized {
			t.Fatalf("bearer %q: expected unauthorized, got %+v", bearer, resp.Error)
		}
	}
	resultTask(t, d.Dispatch(context.Background(), body, "good"))
	if seen["sub"] != "consumer-1" {
		t.Fatalf("claims not passed to handler: %v", seen)
	}
}

func TestDispatchStreamEmitsSnapshots(t *testing.T) {
	d := newDispatcher(echoHandler())
	var states []domain.TaskState
	d.DispatchStream(context.Background(), []byte(`{"jsonrpc":"2.0","id":1,"method":"message/stream","params":{"message":{"parts":[{"type":"text","text":"x"}]}}}`), "", func(r Response) {
		states = append(states, resultTask(t, r).Status.State)
	})
	if len(states) < 3 || states[0] != domain.TaskSubmitted || states[len(states)-1] != domain.TaskCompleted {
		t.Fatalf("unexpected stream %v", states)
	}
}

func TestDispatchObservesCodes(t *testing.T) {
	d := newDispatcher(echoHandler())
	var codes []int
	d.Observe = func(method string, code int, _ time.Duration) { codes = append(codes, code) }
	d.Dispatch(context.Background(), []byte(`{"jsonrpc":"2.0","id":1,"method":"nope"}`), "")
	d.Dispatch(context.Background(), []byte(`{"jsonrpc":"2.0","id":1,"method":"message/send","params":{"message":{"parts":[]}}}`), "")
	if len(codes) != 2 || codes[0] != CodeMethodNotFound || codes[1] != 0 {
		t.Fatalf("unexpected observed codes %v", codes)
	}
}
