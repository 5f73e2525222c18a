package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"golang.org/x/time/rate"

	"agentex/internal/protocol"
)

const maxRPCBody = 1 << 20

// registerA2A mounts the JSON-RPC endpoint and the agent card. Token checks
// happen inside the dispatcher so failures come back as JSON-RPC errors.
func registerA2A(r chi.Router, cfg Config) {
	card := func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(cfg.Card)
	}
	r.Get("/.well-known/agent-card.json", card)
	r.Get("/.well-known/agent.json", card)

	if cfg.Dispatcher == nil {
		return
	}
	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = int(cfg.RateLimit) + 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	h := a2aHandler{cfg: cfg, limiter: limiter}
	r.Post("/a2a", h.ServeHTTP)
	r.Post("/", h.ServeHTTP)
}

type a2aHandler struct {
	cfg     Config
	limiter *rate.Limiter
}

func (h a2aHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.limiter != nil && !h.limiter.Allow() {
		w.Header().Set("Retry-After", "1")
		respondStatusError(w, newAPIError(http.StatusTooManyRequests, "", "rate limit exceeded", nil))
		return
	}
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxRPCBody))
	if err != nil {
		respondStatusError(w, newAPIError(http.StatusBadRequest, "", "read body: "+err.Error(), nil))
		return
	}
	bearer, _ := requestCredential(r)

	var head struct {
		Method string `json:"method"`
	}
	_ = json.Unmarshal(raw, &head)
	if head.Method != protocol.MethodStream {
		writeRPC(w, h.cfg.Dispatcher.Dispatch(r.Context(), raw, bearer))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeRPC(w, h.cfg.Dispatcher.Dispatch(r.Context(), raw, bearer))
		return
	}
	done := h.cfg.Telemetry.StreamOpened()
	defer done()
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	h.cfg.Dispatcher.DispatchStream(r.Context(), raw, bearer, func(resp protocol.Response) {
		data, err := json.Marshal(resp)
		if err != nil {
			h.cfg.logger().Error("encode stream event", "error", err)
			return
		}
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
	})
}

func writeRPC(w http.ResponseWriter, resp protocol.Response) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
