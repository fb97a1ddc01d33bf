package chatserver

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"chatty/internal/stats"
)

// Metrics mirrors the seven stats counters as Prometheus gauges so an
// operator can scrape chatty instead of tailing the stats-dump file. The
// dump file remains the authoritative record; this is read-only
// observability layered on top of it.
//
// Grounded on the teacher's metrics.go (prometheus.NewCounter/NewGauge
// package vars scraped via promhttp.Handler on a dedicated mux route).
type Metrics struct {
	registry *prometheus.Registry
	st       *stats.Stats

	registeredUsers     prometheus.Gauge
	online              prometheus.Gauge
	deliveredMessages   prometheus.Gauge
	undeliveredMessages prometheus.Gauge
	deliveredFiles      prometheus.Gauge
	undeliveredFiles    prometheus.Gauge
	errors              prometheus.Gauge
}

// NewMetrics builds a registry mirroring st's counters.
func NewMetrics(st *stats.Stats) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		st:       st,
		registeredUsers:     prometheus.NewGauge(prometheus.GaugeOpts{Name: "chatty_registered_users", Help: "Currently registered users."}),
		online:              prometheus.NewGauge(prometheus.GaugeOpts{Name: "chatty_online_users", Help: "Currently connected users."}),
		deliveredMessages:   prometheus.NewGauge(prometheus.GaugeOpts{Name: "chatty_delivered_messages_total", Help: "Text messages delivered to an online recipient."}),
		undeliveredMessages: prometheus.NewGauge(prometheus.GaugeOpts{Name: "chatty_undelivered_messages_total", Help: "Text messages queued to history for an offline recipient."}),
		deliveredFiles:      prometheus.NewGauge(prometheus.GaugeOpts{Name: "chatty_delivered_files_total", Help: "File notifications delivered to an online recipient."}),
		undeliveredFiles:    prometheus.NewGauge(prometheus.GaugeOpts{Name: "chatty_undelivered_files_total", Help: "File notifications queued to history for an offline recipient."}),
		errors:              prometheus.NewGauge(prometheus.GaugeOpts{Name: "chatty_errors_total", Help: "Protocol and precondition errors."}),
	}
	m.registry.MustRegister(
		m.registeredUsers, m.online, m.deliveredMessages, m.undeliveredMessages,
		m.deliveredFiles, m.undeliveredFiles, m.errors,
	)
	return m
}

// refresh copies the current stats snapshot into the gauges.
func (m *Metrics) refresh() {
	snap := m.st.Snapshot()
	m.registeredUsers.Set(float64(snap.RegisteredUsers))
	m.online.Set(float64(snap.Online))
	m.deliveredMessages.Set(float64(snap.DeliveredMessages))
	m.undeliveredMessages.Set(float64(snap.UndeliveredMessages))
	m.deliveredFiles.Set(float64(snap.DeliveredFiles))
	m.undeliveredFiles.Set(float64(snap.UndeliveredFiles))
	m.errors.Set(float64(snap.Errors))
}

// Serve starts the /metrics listener at addr and blocks until ctx is
// cancelled. addr is used as given; it is not restricted to loopback. It refreshes the gauges just before each
// scrape by wrapping promhttp.HandlerFor.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.refresh()
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	}))

	srv := &http.Server{Addr: addr, Handler: mux, ReadTimeout: 5 * time.Second, WriteTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
