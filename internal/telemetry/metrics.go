package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the process collectors on a private registry. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	remoteCalls       *prometheus.CounterVec
	remoteCallSeconds *prometheus.HistogramVec
	proxyRequests     *prometheus.CounterVec
	pollAttempts      prometheus.Counter
	uploadAttempts    *prometheus.CounterVec
	deployments       *prometheus.CounterVec
	transitions       *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		remoteCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nbdeploy_remote_calls_total",
			Help: "Calls sent through the proxy endpoint by method and outcome.",
		}, []string{"method", "outcome"}),
		remoteCallSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "nbdeploy_remote_call_seconds",
			Help:    "Latency of calls sent through the proxy endpoint.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
		proxyRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nbdeploy_proxy_requests_total",
			Help: "Requests relayed by the proxy by response status.",
		}, []string{"status"}),
		pollAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nbdeploy_poll_attempts_total",
			Help: "Run status polls issued while waiting for a job run.",
		}),
		uploadAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nbdeploy_upload_attempts_total",
			Help: "Notebook content upload attempts by outcome.",
		}, []string{"outcome"}),
		deployments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nbdeploy_deployments_total",
			Help: "Finished deployments by outcome.",
		}, []string{"outcome"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nbdeploy_state_transitions_total",
			Help: "Deployment state transitions by target state.",
		}, []string{"to"}),
	}
	reg.MustRegister(
		m.remoteCalls,
		m.remoteCallSeconds,
		m.proxyRequests,
		m.pollAttempts,
		m.uploadAttempts,
		m.deployments,
		m.transitions,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveRemoteCall(method, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.remoteCalls.WithLabelValues(method, outcome).Inc()
	m.remoteCallSeconds.WithLabelValues(method).Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveProxyRequest(status string) {
	if m == nil {
		return
	}
	m.proxyRequests.WithLabelValues(status).Inc()
}

func (m *Metrics) IncPoll() {
	if m == nil {
		return
	}
	m.pollAttempts.Inc()
}

func (m *Metrics) ObserveUpload(outcome string) {
	if m == nil {
		return
	}
	m.uploadAttempts.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveDeployment(outcome string) {
	if m == nil {
		return
	}
	m.deployments.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveTransition(to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(to).Inc()
}
