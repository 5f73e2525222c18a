// Package telemetry exposes marketplace metrics through OpenTelemetry with a
// Prometheus exporter.
package telemetry

import (
	"context"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

const meterName = "agentex"

var (
	AttrMethod    = attribute.Key("rpc.method")
	AttrCode      = attribute.Key("rpc.code")
	AttrStrategy  = attribute.Key("strategy")
	AttrSynthetic = attribute.Key("synthetic")
	AttrStatus    = attribute.Key("status")
	AttrOutcome   = attribute.Key("outcome")
)

// Metrics holds the instruments. The zero value and a nil *Metrics record nothing.
type Metrics struct {
	rpcCalls     metric.Int64Counter
	rpcDuration  metric.Float64Histogram
	rounds       metric.Int64Counter
	roundBids    metric.Int64Histogram
	roundLatency metric.Float64Histogram
	receipts     metric.Int64Counter
	gate         metric.Int64Counter
	streams      atomic.Int64
}

// Init builds a meter provider on a private registry and returns the
// /metrics handler with the instruments bound to it.
func Init(ctx context.Context, serviceName string) (http.Handler, *Metrics, error) {
	if serviceName == "" {
		serviceName = "agentex"
	}
	reg := prometheus.NewRegistry()
	exporter, err := otelprom.New(otelprom.WithRegisterer(reg))
	if err != nil {
		return nil, nil, err
	}
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(serviceName)))
	if err != nil {
		return nil, nil, err
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter), sdkmetric.WithResource(res))
	m, err := New(provider.Meter(meterName))
	if err != nil {
		return nil, nil, err
	}
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true}), m, nil
}

// New creates the instruments on meter.
func New(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error
	if m.rpcCalls, err = meter.Int64Counter("agentex_rpc_calls_total", metric.WithDescription("JSON-RPC calls by method and result code")); err != nil {
		return nil, err
	}
	if m.rpcDuration, err = meter.Float64Histogram("agentex_rpc_duration_seconds", metric.WithDescription("JSON-RPC dispatch latency")); err != nil {
		return nil, err
	}
	if m.rounds, err = meter.Int64Counter("agentex_auction_rounds_total", metric.WithDescription("Auction rounds run")); err != nil {
		return nil, err
	}
	if m.roundBids, err = meter.Int64Histogram("agentex_auction_bids", metric.WithDescription("Bids collected per round")); err != nil {
		return nil, err
	}
	if m.roundLatency, err = meter.Float64Histogram("agentex_auction_duration_seconds", metric.WithDescription("Auction round wall time")); err != nil {
		return nil, err
	}
	if m.receipts, err = meter.Int64Counter("agentex_payment_receipts_total", metric.WithDescription("Payment receipts by status")); err != nil {
		return nil, err
	}
	if m.gate, err = meter.Int64Counter("agentex_payment_gate_decisions_total", metric.WithDescription("Payment gate decisions by outcome")); err != nil {
		return nil, err
	}
	streams, err := meter.Int64ObservableGauge("agentex_active_streams", metric.WithDescription("Open message/stream connections"))
	if err != nil {
		return nil, err
	}
	if _, err := meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		o.ObserveInt64(streams, m.streams.Load())
		return nil
	}, streams); err != nil {
		return nil, err
	}
	return m, nil
}

// RPC records one dispatched call. code is 0 on success.
func (m *Metrics) RPC(method string, code int, elapsed time.Duration) {
	if m == nil || m.rpcCalls == nil {
		return
	}
	attrs := metric.WithAttributes(AttrMethod.String(method), AttrCode.String(strconv.Itoa(code)))
	m.rpcCalls.Add(context.Background(), 1, attrs)
	m.rpcDuration.Record(context.Background(), elapsed.Seconds(), attrs)
}

func (m *Metrics) AuctionRound(strategy string, bids int, synthetic bool, elapsed time.Duration) {
	if m == nil || m.rounds == nil {
		return
	}
	attrs := metric.WithAttributes(AttrStrategy.String(strategy), AttrSynthetic.Bool(synthetic))
	m.rounds.Add(context.Background(), 1, attrs)
	m.roundBids.Record(context.Background(), int64(bids), attrs)
	m.roundLatency.Record(context.Background(), elapsed.Seconds(), attrs)
}

func (m *Metrics) Receipt(status string) {
	if m == nil || m.receipts == nil {
		return
	}
	m.receipts.Add(context.Background(), 1, metric.WithAttributes(AttrStatus.String(status)))
}

func (m *Metrics) GateDecision(outcome string) {
	if m == nil || m.gate == nil {
		return
	}
	m.gate.Add(context.Background(), 1, metric.WithAttributes(AttrOutcome.String(outcome)))
}

// StreamOpened counts an SSE stream until the returned func is called.
func (m *Metrics) StreamOpened() func() {
	if m == nil {
		return func() {}
	}
	m.streams.Add(1)
	return func() { m.streams.Add(-1) }
}
