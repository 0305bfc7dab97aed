// Package metrics exposes fleet-level Prometheus metrics and the /metrics
// HTTP server.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("module", "metrics")

type Collector struct {
	reg *prometheus.Registry

	ActiveVehicles  prometheus.Gauge
	VehiclesStarted prometheus.Counter
	VehiclesStopped prometheus.Counter

	TelemetrySent     prometheus.Counter
	TelemetrySendErrs prometheus.Counter
	IngestConnections prometheus.Gauge
	IngestReconnects  prometheus.Counter

	Boardings       prometheus.Counter
	Alightings      prometheus.Counter
	StopsRequested  prometheus.Counter
	DepartsSignaled *prometheus.CounterVec // reason label: duration_elapsed|capacity

	TickDuration    prometheus.Histogram
	PublishDuration prometheus.Histogram

	PickupRadiusKm     prometheus.Gauge
	MonitoringInterval prometheus.Gauge // seconds
	BroadcastInterval  prometheus.Gauge // seconds
}

func NewCollector(pickupRadiusKm float64, monitoringInterval, broadcastInterval time.Duration) *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		ActiveVehicles: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fleetsim_active_vehicles",
			Help: "Number of currently simulated vehicles.",
		}),
		VehiclesStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleetsim_vehicles_started_total",
			Help: "Total vehicles started.",
		}),
		VehiclesStopped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleetsim_vehicles_stopped_total",
			Help: "Total vehicles stopped.",
		}),
		TelemetrySent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleetsim_telemetry_sent_total",
			Help: "Total telemetry records transmitted.",
		}),
		TelemetrySendErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleetsim_telemetry_send_errors_total",
			Help: "Total telemetry transmission errors.",
		}),
		IngestConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fleetsim_ingest_connections",
			Help: "Number of GPS devices currently connected to the ingest endpoint.",
		}),
		IngestReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleetsim_ingest_reconnects_total",
			Help: "Total forced reconnects after consecutive transmission errors.",
		}),
		Boardings: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleetsim_boardings_total",
			Help: "Total passengers boarded.",
		}),
		Alightings: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleetsim_alightings_total",
			Help: "Total passengers alighted.",
		}),
		StopsRequested: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleetsim_stops_requested_total",
			Help: "Total stop operations requested.",
		}),
		DepartsSignaled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleetsim_departs_signaled_total",
			Help: "Total depart signals by reason.",
		}, []string{"reason"}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "fleetsim_tick_duration_seconds",
			Help:    "Duration of driver tick computations.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
		}),
		PublishDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "fleetsim_publish_duration_seconds",
			Help:    "Duration to encode and send a telemetry record.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 15),
		}),
		PickupRadiusKm: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fleetsim_pickup_radius_km",
			Help: "Configured pickup radius in km.",
		}),
		MonitoringInterval: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fleetsim_monitoring_interval_seconds",
			Help: "Conductor monitoring interval in seconds.",
		}),
		BroadcastInterval: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fleetsim_broadcast_interval_seconds",
			Help: "Driver location broadcast interval in seconds.",
		}),
	}

	reg.MustRegister(
		c.ActiveVehicles, c.VehiclesStarted, c.VehiclesStopped,
		c.TelemetrySent, c.TelemetrySendErrs, c.IngestConnections, c.IngestReconnects,
		c.Boardings, c.Alightings, c.StopsRequested, c.DepartsSignaled,
		c.TickDuration, c.PublishDuration,
		c.PickupRadiusKm, c.MonitoringInterval, c.BroadcastInterval,
	)

	c.PickupRadiusKm.Set(pickupRadiusKm)
	c.MonitoringInterval.Set(monitoringInterval.Seconds())
	c.BroadcastInterval.Set(broadcastInterval.Seconds())

	return c
}

func (c *Collector) Handler() http.Handler { return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{}) }

// Serve starts an HTTP server exposing /metrics on the given address.
func (c *Collector) Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("metrics server error")
		}
	}()
	log.WithField("addr", addr).Info("metrics listening")
	return srv
}
