package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Pool metrics
var (
	WorkersLive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sandpool_workers_live",
			Help: "Number of live worker processes in the pool",
		},
	)

	WorkersTerminating = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sandpool_workers_terminating",
			Help: "Number of workers draining toward termination",
		},
	)

	SpawnsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sandpool_spawns_total",
			Help: "Total worker processes spawned",
		},
	)

	SpawnErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sandpool_spawn_errors_total",
			Help: "Total worker spawn failures",
		},
	)

	RecyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sandpool_recycles_total",
			Help: "Total workers recycled after reaching the task threshold",
		},
	)

	WorkerExitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandpool_worker_exits_total",
			Help: "Total worker process exits",
		},
		[]string{"clean"},
	)

	TasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandpool_tasks_total",
			Help: "Total compute tasks by outcome",
		},
		[]string{"status"},
	)

	TaskDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sandpool_task_duration_seconds",
			Help:    "Wall time of compute tasks on a worker",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 30.0, 60.0},
		},
	)
)

// HTTP metrics
var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandpool_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)
)

func init() {
	prometheus.MustRegister(
		WorkersLive,
		WorkersTerminating,
		SpawnsTotal,
		SpawnErrorsTotal,
		RecyclesTotal,
		WorkerExitsTotal,
		TasksTotal,
		TaskDuration,
		HTTPRequestsTotal,
	)
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// EchoMiddleware returns Echo middleware that instruments HTTP requests.
func EchoMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			err := next(c)

			status := c.Response().Status
			if err != nil {
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				}
			}

			HTTPRequestsTotal.WithLabelValues(
				c.Request().Method,
				c.Path(),
				strconv.Itoa(status),
			).Inc()

			return err
		}
	}
}

// StartMetricsServer starts a standalone HTTP server serving /metrics on the
// given address.
func StartMetricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			// Metrics are non-critical; the server logs nothing here.
		}
	}()
	return srv
}
