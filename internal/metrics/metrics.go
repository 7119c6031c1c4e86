package metrics

import (
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus metrics for the marketplace
type Metrics struct {
	OperationsTotal   *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec
	RequestCounter    *prometheus.CounterVec
	RequestDuration   *prometheus.HistogramVec
	FeePool           prometheus.Gauge
	TotalLocked       prometheus.Gauge
	OpenListings      prometheus.Gauge
	EscrowHeld        prometheus.Gauge
	TokenSupply       prometheus.Gauge
}

// NewMetrics registers the marketplace metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		OperationsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "undas",
				Subsystem: "marketplace",
				Name:      "operations_total",
				Help:      "Marketplace operations by outcome",
			},
			[]string{"operation", "status"},
		),
		OperationDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "undas",
				Subsystem: "marketplace",
				Name:      "operation_duration_seconds",
				Help:      "Marketplace operation duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		RequestCounter: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "undas",
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		RequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "undas",
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		FeePool: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "undas",
			Subsystem: "dividends",
			Name:      "fee_pool_wei",
			Help:      "Fees collected for the next dividend epoch",
		}),
		TotalLocked: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "undas",
			Subsystem: "dividends",
			Name:      "total_locked_tokens",
			Help:      "Platform tokens currently locked",
		}),
		OpenListings: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "undas",
			Subsystem: "marketplace",
			Name:      "active_listings",
			Help:      "Listings that are open or rented",
		}),
		EscrowHeld: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "undas",
			Subsystem: "custody",
			Name:      "escrow_held_wei",
			Help:      "Value held in escrow across all obligations",
		}),
		TokenSupply: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "undas",
			Subsystem: "dividends",
			Name:      "token_supply",
			Help:      "Platform tokens minted",
		}),
	}
}

// ObserveOperation records one engine call. Safe on a nil receiver.
func (m *Metrics) ObserveOperation(op string, started time.Time, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.OperationsTotal.WithLabelValues(op, status).Inc()
	m.OperationDuration.WithLabelValues(op).Observe(time.Since(started).Seconds())
}

// Middleware returns a fiber handler tracking request counts and latency.
func Middleware(m *Metrics) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		route := c.Route().Path
		status := c.Response().StatusCode()
		if err != nil {
			if e, ok := err.(*fiber.Error); ok {
				status = e.Code
			}
		}
		m.RequestCounter.WithLabelValues(c.Method(), route, strconv.Itoa(status)).Inc()
		m.RequestDuration.WithLabelValues(c.Method(), route).Observe(time.Since(start).Seconds())
		return err
	}
}
