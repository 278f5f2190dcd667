package gwclient

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/helix-app/helix-gateway/internal/logx"
)

var (
	connectedGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "helix_gateway_connected",
		Help: "Whether the client is connected to the gateway (1 or 0)",
	})
	connectionStateGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "helix_gateway_connection_state",
		Help: "Connection state machine value (0=disconnected .. 5=closed)",
	})
	pendingGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "helix_gateway_pending_requests",
		Help: "Number of requests awaiting a response",
	})
	reconnectsCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "helix_gateway_reconnects_total",
		Help: "Total number of reconnect attempts",
	})
	framesSentCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "helix_gateway_frames_sent_total",
		Help: "Total frames written to the gateway",
	})
	framesReceivedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "helix_gateway_frames_received_total",
		Help: "Total frames read from the gateway",
	})
	requestTimeoutsCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "helix_gateway_request_timeouts_total",
		Help: "Total requests rejected by the per-request timeout",
	})
	requestDurationHist = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "helix_gateway_request_duration_seconds",
		Help:    "Duration of settled requests in seconds",
		Buckets: prometheus.DefBuckets,
	})
)

// StartMetricsServer starts an HTTP server exposing Prometheus metrics on
// /metrics. It returns the address it is listening on.
func StartMetricsServer(ctx context.Context, addr string) (string, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		connectedGauge,
		connectionStateGauge,
		pendingGauge,
		reconnectsCounter,
		framesSentCounter,
		framesReceivedCounter,
		requestTimeoutsCounter,
		requestDurationHist,
	)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{Handler: mux}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", err
	}
	actual := ln.Addr().String()
	go func() {
		<-ctx.Done()
		c, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(c)
	}()
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			logx.Log.Error().Err(err).Str("addr", actual).Msg("metrics server error")
		}
	}()
	return actual, nil
}

func setConnected(v bool) {
	if v {
		connectedGauge.Set(1)
	} else {
		connectedGauge.Set(0)
	}
}

func setStateMetric(s ConnState) {
	connectionStateGauge.Set(float64(s))
}

func setPendingMetric(n int) {
	pendingGauge.Set(float64(n))
}

func reconnectAttempted() {
	reconnectsCounter.Inc()
}

func frameSent() {
	framesSentCounter.Inc()
}

func frameReceived() {
	framesReceivedCounter.Inc()
}

func requestTimedOut() {
	requestTimeoutsCounter.Inc()
}

func requestSettled(d time.Duration) {
	requestDurationHist.Observe(d.Seconds())
}
