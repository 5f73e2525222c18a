package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"agentex/internal/domain"
)

const Version = "2.0"

const (
	MethodSend   = "message/send"
	MethodStream = "message/stream"
	MethodGet    = "tasks/get"
	MethodCancel = "tasks/cancel"
)

const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeUnauthorized   = -32001
	CodeInternalError  = -32603
)

type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

type MessageParams struct {
	ID        string         `json:"id,omitempty"`
	SessionID string         `json:"sessionId,omitempty"`
	Message   domain.Message `json:"message"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

type TaskIDParams struct {
	ID string `json:"id"`
}

// TokenValidator checks a bearer credential and returns its claims. Empty
// claims reject the call.
type TokenValidator interface {
	Validate(ctx context.Context, token string) (map[string]any, error)
}

type Dispatcher struct {
	Engine      *Engine
	RequireAuth bool
	Validator   TokenValidator
	Logger      *slog.Logger
	// Observe is called once per dispatched call with the method and resulting code (0 on success).
	Observe func(method string, code int, elapsed time.Duration)
}

func (d *Dispatcher) log() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

func errorResponse(id json.RawMessage, code int, msg string) Response {
	return Response{JSONRPC: Version, ID: id, Error: &RPCError{Code: code, Message: msg}}
}

// Dispatch handles one JSON-RPC request. It never panics and always returns an envelope.
func (d *Dispatcher) Dispatch(ctx context.Context, raw []byte, bearer string) Response {
	var last Response
	d.dispatch(ctx, raw, bearer, false, func(r Response) { last = r })
	return last
}

// DispatchStream behaves like Dispatch but emits a response for every task
// snapshot when the method is message/stream.
func (d *Dispatcher) DispatchStream(ctx context.Context, raw []byte, bearer string, emit func(Response)) {
	d.dispatch(ctx, raw, bearer, true, emit)
}

func (d *Dispatcher) dispatch(ctx context.Context, raw []byte, bearer string, streaming bool, emit func(Response)) {
	start := time.Now()
	var req Request
	method := ""
	code := 0
	defer func() {
		if r := recover(); r != nil {
			d.log().Error("dispatch panic", "method", method, "panic", r)
			code = CodeInternalError
			emit(errorResponse(req.ID, CodeInternalError, fmt.Sprintf("internal error: %v", r)))
		}
		if d.Observe != nil {
			d.Observe(method, code, time.Since(start))
		}
	}()
	fail := func(c int, msg string) {
		code = c
		emit(errorResponse(req.ID, c, msg))
	}

	if err := json.Unmarshal(raw, &req); err != nil {
		req = Request{}
		fail(CodeParseError, "Parse error")
		return
	}
	method = req.Method
	if req.JSONRPC != Version || strings.TrimSpace(req.Method) == "" {
		fail(CodeInvalidRequest, "Invalid Request")
		return
	}

	var claims map[string]any
	if d.RequireAuth {
		if strings.TrimSpace(bearer) == "" || d.Validator == nil {
			fail(CodeUnauthorized, "Unauthorized")
			return
		}
		c, err := d.Validator.Validate(ctx, bearer)
		if err != nil || len(c) == 0 {
			d.log().Info("token rejected", "method", method, "error", err)
			fail(CodeUnauthorized, "Invalid token")
			return
		}
		claims = c
	}

	var (
		result any
		err    error
	)
	switch req.Method {
	case MethodSend:
		result, err = d.send(ctx, req, claims, nil)
	case MethodStream:
		var observe func(domain.Task)
		if streaming {
			observe = func(t domain.Task) {
				emit(Response{JSONRPC: Version, ID: req.ID, Result: t})
			}
		}
		result, err = d.send(ctx, req, claims, observe)
		if err == nil && streaming {
			// The final snapshot was already emitted by the observer.
			return
		}
	case MethodGet:
		var p TaskIDParams
		if err = decodeParams(req.Params, &p); err == nil {
			result, err = d.Engine.GetTask(p.ID)
		}
	case MethodCancel:
		var p TaskIDParams
		if err = decodeParams(req.Params, &p); err == nil {
			result, err = d.Engine.CancelTask(p.ID)
		}
	default:
		fail(CodeMethodNotFound, "Method not found: "+req.Method)
		return
	}
	if err != nil {
		if !errors.Is(err, ErrTaskNotFound) {
			d.log().Warn("dispatch failed", "method", method, "error", err)
		}
		fail(CodeInternalError, err.Error())
		return
	}
	emit(Response{JSONRPC: Version, ID: req.ID, Result: result})
}

func (d *Dispatcher) send(ctx context.Context, req Request, claims map[string]any, observe func(domain.Task)) (domain.Task, error) {
	var p MessageParams
	if err := decodeParams(req.Params, &p); err != nil {
		return domain.Task{}, err
	}
	params := SendParams{
		TaskID:    p.ID,
		SessionID: p.SessionID,
		Message:   p.Message,
		Metadata:  p.Metadata,
		Auth:      claims,
	}
	if observe != nil {
		return d.Engine.StreamMessage(ctx, params, observe)
	}
	return d.Engine.SendMessage(ctx, params)
}

func decodeParams(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("invalid params: %w", err)
	}
	return nil
}
