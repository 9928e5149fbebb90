// Package diagmetrics is the agent's only listening socket: a loopback-bound
// HTTP server exposing /healthz and /metrics for local diagnostics,
// with promauto-registered collectors on a private registry, served
// through gin rather than a bare http.ServeMux.
package diagmetrics

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/coinpoker/endpoint-agent/pkg/common"
)

// Registry is the set of metrics the rest of the agent reports through; it
// owns its own prometheus.Registry rather than using the global default, so
// tests can construct an isolated one.
type Registry struct {
	reg *prometheus.Registry

	SignalsEmitted   *prometheus.CounterVec
	ActiveThreats    prometheus.Gauge
	BotProbability   prometheus.Gauge
	BatchLatency     prometheus.Histogram
	ForwarderErrors  *prometheus.CounterVec
	CommandBackoffS  prometheus.Gauge
	SegmentTickErrs  *prometheus.CounterVec
}

// New constructs a Registry with the standard Go process/runtime collectors
// plus the agent's own domain metrics, all registered on one private registry.
func New() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)

	factory := promauto.With(reg)
	return &Registry{
		reg: reg,
		SignalsEmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_signals_emitted_total",
			Help: "Signals emitted onto the event bus, by category and status.",
		}, []string{"category", "status"}),
		ActiveThreats: factory.NewGauge(prometheus.GaugeOpts{
			Name: "agent_active_threats",
			Help: "Currently active threats tracked by the threat manager.",
		}),
		BotProbability: factory.NewGauge(prometheus.GaugeOpts{
			Name: "agent_bot_probability",
			Help: "Current clamped bot probability score (0-100).",
		}),
		BatchLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "agent_batch_report_seconds",
			Help:    "Wall time spent assembling and emitting one unified batch report.",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}),
		ForwarderErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_forwarder_errors_total",
			Help: "Forwarder delivery failures, by transport.",
		}, []string{"transport"}),
		CommandBackoffS: factory.NewGauge(prometheus.GaugeOpts{
			Name: "agent_command_backoff_seconds",
			Help: "Current backoff delay before the next command poll.",
		}),
		SegmentTickErrs: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_segment_tick_errors_total",
			Help: "Segment Tick calls that returned an error or panicked, by segment.",
		}, []string{"segment"}),
	}
}

// Server is the loopback diagnostics listener.
type Server struct {
	httpServer *http.Server
}

// NewServer builds a gin engine exposing /healthz and /metrics bound to addr
// (expected to be a loopback address, e.g. "127.0.0.1:9469").
func NewServer(addr string, reg *Registry, healthy func() bool) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(common.LoggingMiddleware(), common.RecoveryMiddleware())

	engine.GET("/healthz", func(c *gin.Context) {
		if healthy == nil || healthy() {
			c.JSON(http.StatusOK, gin.H{"status": "ok"})
			return
		}
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded"})
	})

	handler := promhttp.HandlerFor(reg.reg, promhttp.HandlerOpts{MaxRequestsInFlight: 5, Timeout: 10 * time.Second})
	engine.GET("/metrics", gin.WrapH(handler))

	return &Server{
		httpServer: &http.Server{
			Addr:    addr,
			Handler: engine,
		},
	}
}

// Start begins listening in the background. The caller should check the
// returned error channel or call Shutdown on agent exit.
func (s *Server) Start() <-chan error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- common.WrapError(err, "diagnostics server listen failed", nil)
		}
		close(errCh)
	}()
	return errCh
}

// Shutdown gracefully stops the server, bounded by ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
