package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the application. A nil *Metrics
// is valid and records nothing, which keeps unit tests free of registries.
type Metrics struct {
	UsersCreated   prometheus.Counter
	SessionsIssued prometheus.Counter
	AuthRejected   prometheus.Counter

	ConnectionsActive prometheus.Gauge
	ConnectionsTotal  prometheus.Counter
	SlowClientDrops   prometheus.Counter

	BroadcastPublished *prometheus.CounterVec
	BroadcastReceived  prometheus.Counter
	BroadcastDelivered prometheus.Counter
	BusConnected       prometheus.Gauge
	BusReconnects      prometheus.Counter

	JobsEnqueued  *prometheus.CounterVec
	JobsProcessed *prometheus.CounterVec
	JobDuration   *prometheus.HistogramVec
}

// New creates and registers all Prometheus metrics on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		UsersCreated: f.NewCounter(prometheus.CounterOpts{
			Name: "switchboard_users_created_total",
			Help: "Total number of users created in the system",
		}),
		SessionsIssued: f.NewCounter(prometheus.CounterOpts{
			Name: "switchboard_sessions_issued_total",
			Help: "Session cookies attached after signin or signup",
		}),
		AuthRejected: f.NewCounter(prometheus.CounterOpts{
			Name: "switchboard_auth_rejected_total",
			Help: "Requests rejected by the session gate",
		}),
		ConnectionsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "switchboard_realtime_connections",
			Help: "Live real-time connections on this process",
		}),
		ConnectionsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "switchboard_realtime_connections_total",
			Help: "Real-time connections accepted on this process",
		}),
		SlowClientDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "switchboard_realtime_slow_client_drops_total",
			Help: "Connections closed because their send buffer was full",
		}),
		BroadcastPublished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "switchboard_broadcast_published_total",
			Help: "Envelopes published to the bus by result",
		}, []string{"result"}),
		BroadcastReceived: f.NewCounter(prometheus.CounterOpts{
			Name: "switchboard_broadcast_received_total",
			Help: "Envelopes received from the bus",
		}),
		BroadcastDelivered: f.NewCounter(prometheus.CounterOpts{
			Name: "switchboard_broadcast_delivered_total",
			Help: "Envelope deliveries to local connections",
		}),
		BusConnected: f.NewGauge(prometheus.GaugeOpts{
			Name: "switchboard_bus_connected",
			Help: "1 when the broadcast bus subscription is live",
		}),
		BusReconnects: f.NewCounter(prometheus.CounterOpts{
			Name: "switchboard_bus_reconnect_attempts_total",
			Help: "Bus reconnect attempts",
		}),
		JobsEnqueued: f.NewCounterVec(prometheus.CounterOpts{
			Name: "switchboard_jobs_enqueued_total",
			Help: "Jobs enqueued by name",
		}, []string{"name"}),
		JobsProcessed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "switchboard_jobs_processed_total",
			Help: "Job attempts by name and outcome",
		}, []string{"name", "outcome"}),
		JobDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "switchboard_job_duration_seconds",
			Help:    "Job handler execution time",
			Buckets: prometheus.DefBuckets,
		}, []string{"name"}),
	}
}

// IncrementUsersCreated increments the users created counter by 1
func (m *Metrics) IncrementUsersCreated() {
	if m == nil {
		return
	}
	m.UsersCreated.Inc()
}

func (m *Metrics) IncrementSessionsIssued() {
	if m == nil {
		return
	}
	m.SessionsIssued.Inc()
}

func (m *Metrics) IncrementAuthRejected() {
	if m == nil {
		return
	}
	m.AuthRejected.Inc()
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.ConnectionsActive.Inc()
	m.ConnectionsTotal.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.ConnectionsActive.Dec()
}

func (m *Metrics) IncrementSlowClientDrops() {
	if m == nil {
		return
	}
	m.SlowClientDrops.Inc()
}

func (m *Metrics) ObservePublish(result string) {
	if m == nil {
		return
	}
	m.BroadcastPublished.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveReceived(delivered int) {
	if m == nil {
		return
	}
	m.BroadcastReceived.Inc()
	m.BroadcastDelivered.Add(float64(delivered))
}

func (m *Metrics) SetBusConnected(up bool) {
	if m == nil {
		return
	}
	if up {
		m.BusConnected.Set(1)
		return
	}
	m.BusConnected.Set(0)
}

func (m *Metrics) IncrementBusReconnects() {
	if m == nil {
		return
	}
	m.BusReconnects.Inc()
}

func (m *Metrics) ObserveEnqueued(name string) {
	if m == nil {
		return
	}
	m.JobsEnqueued.WithLabelValues(name).Inc()
}

func (m *Metrics) ObserveJob(name, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.JobsProcessed.WithLabelValues(name, outcome).Inc()
	m.JobDuration.WithLabelValues(name).Observe(seconds)
}
