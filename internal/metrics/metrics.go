package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/keithlinneman/linnemanlabs-vault/internal/version"
)

// ServerMetrics owns a private registry. It implements the metrics hooks of
// session, source, cachectl, intercept and controlhttp so one value can be
// handed to all of them.
type ServerMetrics struct {
	reg     *prometheus.Registry
	handler http.Handler

	// http
	inflight       prometheus.Gauge
	reqTotal       *prometheus.CounterVec
	reqDur         *prometheus.HistogramVec
	respBytes      *prometheus.HistogramVec
	errorsTotal    *prometheus.CounterVec
	httpPanicTotal prometheus.Counter

	// process
	buildInfo       *prometheus.GaugeVec
	profilingActive prometheus.Gauge

	ratelimitDeniedTotal   *prometheus.CounterVec
	ratelimitCapacityTotal *prometheus.CounterVec

	// session
	unlockTotal    *prometheus.CounterVec
	unlockDuration prometheus.Histogram
	sessionState   prometheus.Gauge
	sessionAssets  prometheus.Gauge
	containerInfo  *prometheus.GaugeVec

	// interception
	servedTotal      prometheus.Counter
	servedBytes      prometheus.Counter
	passthroughTotal *prometheus.CounterVec

	// cache lifecycle
	cachesDeletedTotal  prometheus.Counter
	clientsClaimedTotal prometheus.Counter
	activatedTimestamp  prometheus.Gauge

	// control channel
	controlMessagesTotal *prometheus.CounterVec
	controlConnections   prometheus.Gauge

	// watcher
	watcherPollsTotal    prometheus.Counter
	watcherErrorsTotal   *prometheus.CounterVec
	watcherLastSuccessTs prometheus.Gauge
	containerStale       prometheus.Gauge
}

// New returns a fresh registry with the standard collectors and every
// vault metric. Labels are bounded: no request paths, no asset paths.
func New() *ServerMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &ServerMetrics{
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_inflight_requests",
			Help: "Current number of in-flight HTTP requests",
		}),
		reqTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		}, []string{"method", "route", "status"}),
		reqDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Request latency by method and route",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"method", "route"}),
		respBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_response_size_bytes",
			Help:    "Response size by method and route",
			Buckets: []float64{256, 1024, 4096, 16384, 65536, 262144, 1048576, 4194304, 16777216, 52428800},
		}, []string{"method", "route"}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_errors_total",
			Help: "Total 5xx HTTP server errors by method and route (SLI)",
		}, []string{"method", "route"}),
		httpPanicTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_panic_total",
			Help: "Total number of recovered httpserver panics",
		}),
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build metadata (value is always 1)",
		}, []string{"app", "component", "version", "commit", "commit_date", "build_id", "build_date", "vcs_dirty", "go_version"}),
		profilingActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "profiling_active",
			Help: "Whether continuous profiling is active (1) or disabled/failed (0)",
		}),
		ratelimitDeniedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_rate_limited_total",
			Help: "Total requests rejected by a rate limiter",
		}, []string{"limiter"}),
		ratelimitCapacityTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_rate_limited_capacity_total",
			Help: "Total number of clients that reached a rate limiter's capacity",
		}, []string{"limiter"}),
		unlockTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_unlock_attempts_total",
			Help: "Password submissions by result",
		}, []string{"result"}),
		unlockDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "vault_unlock_duration_seconds",
			Help:    "Time to fetch, derive the key, and decrypt the container",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 4, 8, 15, 30},
		}),
		sessionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vault_session_unlocked",
			Help: "Whether the vault is unlocked (1) or locked (0)",
		}),
		sessionAssets: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vault_session_assets",
			Help: "Number of entries in the unlocked asset table",
		}),
		containerInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vault_container_info",
			Help: "Container behind the unlocked table (labels carry identity, value is always 1)",
		}, []string{"source", "version", "sha256"}),
		servedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vault_assets_served_total",
			Help: "Requests answered from the decrypted table",
		}),
		servedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vault_assets_served_bytes_total",
			Help: "Decoded bytes answered from the decrypted table",
		}),
		passthroughTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_passthrough_total",
			Help: "Requests forwarded to the origin by reason",
		}, []string{"reason"}),
		cachesDeletedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vault_caches_deleted_total",
			Help: "Runtime caches deleted on activation",
		}),
		clientsClaimedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vault_clients_claimed_total",
			Help: "Clients told to drop their caches after an activation",
		}),
		activatedTimestamp: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vault_activated_timestamp_seconds",
			Help: "Unix timestamp of the last cache controller activation",
		}),
		controlMessagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_control_messages_total",
			Help: "Control messages by transport and outcome",
		}, []string{"transport", "outcome"}),
		controlConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vault_control_connections",
			Help: "Open control websockets",
		}),
		watcherPollsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vault_watcher_polls_total",
			Help: "Total number of container watcher poll cycles",
		}),
		watcherErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_watcher_errors_total",
			Help: "Total watcher errors by type",
		}, []string{"type"}),
		watcherLastSuccessTs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vault_watcher_last_success_timestamp_seconds",
			Help: "Unix timestamp of the last successful version probe",
		}),
		containerStale: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vault_container_stale",
			Help: "Whether a newer container than the unlocked one is live (1) or not (0)",
		}),
	}
	reg.MustRegister(
		m.inflight,
		m.reqTotal,
		m.reqDur,
		m.respBytes,
		m.errorsTotal,
		m.httpPanicTotal,
		m.buildInfo,
		m.profilingActive,
		m.ratelimitDeniedTotal,
		m.ratelimitCapacityTotal,
		m.unlockTotal,
		m.unlockDuration,
		m.sessionState,
		m.sessionAssets,
		m.containerInfo,
		m.servedTotal,
		m.servedBytes,
		m.passthroughTotal,
		m.cachesDeletedTotal,
		m.clientsClaimedTotal,
		m.activatedTimestamp,
		m.controlMessagesTotal,
		m.controlConnections,
		m.watcherPollsTotal,
		m.watcherErrorsTotal,
		m.watcherLastSuccessTs,
		m.containerStale,
	)

	m.handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
	m.reg = reg
	return m
}

func (m *ServerMetrics) Handler() http.Handler {
	return m.handler
}

func (m *ServerMetrics) IncHttpPanic() {
	m.httpPanicTotal.Inc()
}

// set once at startup.
func (m *ServerMetrics) SetBuildInfoFromVersion(app, component string, vi *version.Info) {
	dirty := "unknown"
	if vi.VCSDirty != nil {
		dirty = strconv.FormatBool(*vi.VCSDirty)
	}
	m.buildInfo.With(prometheus.Labels{
		"app":         app,
		"component":   component,
		"version":     vi.Version,
		"commit":      vi.Commit,
		"commit_date": vi.CommitDate,
		"build_id":    vi.BuildId,
		"build_date":  vi.BuildDate,
		"go_version":  vi.GoVersion,
		"vcs_dirty":   dirty,
	}).Set(1)
}

func (m *ServerMetrics) SetProfilingActive(active bool) {
	m.profilingActive.Set(boolGauge(active))
}

func (m *ServerMetrics) IncRateLimitDenied(limiter string) {
	m.ratelimitDeniedTotal.WithLabelValues(limiter).Inc()
}

func (m *ServerMetrics) IncRateLimitCapacity(limiter string) {
	m.ratelimitCapacityTotal.WithLabelValues(limiter).Inc()
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
