package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/junbin-yang/go-tripfsm/pkg/tripfsm"
)

// Collector 行程状态机与事件接入的 Prometheus 指标，同时实现 tripfsm.Observer
type Collector struct {
	reg *prometheus.Registry

	Transitions   *prometheus.CounterVec // event, from
	Ignored       *prometheus.CounterVec // event, state
	Rejected      *prometheus.CounterVec // reason: unknown_event|unknown_state|other
	TripsFinished *prometheus.CounterVec // outcome: completed|cancelled
	ActiveTrips   prometheus.GaugeFunc

	ApplyDuration prometheus.Histogram

	IngestReceived  prometheus.Counter
	IngestMalformed prometheus.Counter
	NATSPublished   prometheus.Counter
	NATSPublishErrs prometheus.Counter
	NATSConnected   prometheus.Gauge
}

// NewCollector 创建指标集合，active 返回当前活动行程数，可为 nil
func NewCollector(active func() int) *Collector {
	reg := prometheus.NewRegistry()

	if active == nil {
		active = func() int { return 0 }
	}

	c := &Collector{
		reg: reg,
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tripfsm_transitions_total",
			Help: "Total applied transitions by event and source state.",
		}, []string{"event", "from"}),
		Ignored: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tripfsm_ignored_events_total",
			Help: "Known events that had no effect in the current configuration.",
		}, []string{"event", "state"}),
		Rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tripfsm_rejected_events_total",
			Help: "Events rejected as invalid input.",
		}, []string{"reason"}),
		TripsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tripfsm_trips_finished_total",
			Help: "Trips that reached a terminal state.",
		}, []string{"outcome"}),
		ActiveTrips: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "tripfsm_active_trips",
			Help: "Number of trips currently tracked by the registry.",
		}, func() float64 { return float64(active()) }),
		ApplyDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tripfsm_apply_duration_seconds",
			Help:    "Time to apply one event through the registry.",
			Buckets: prometheus.ExponentialBuckets(0.00001, 2, 15),
		}),
		IngestReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tripfsm_ingest_messages_total",
			Help: "Total event messages received from NATS.",
		}),
		IngestMalformed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tripfsm_ingest_malformed_total",
			Help: "Event messages dropped because they could not be decoded.",
		}),
		NATSPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tripfsm_nats_published_total",
			Help: "Total state messages published to NATS.",
		}),
		NATSPublishErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tripfsm_nats_publish_errors_total",
			Help: "Total NATS publish errors.",
		}),
		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tripfsm_nats_connected",
			Help: "1 if NATS connection is established, 0 otherwise.",
		}),
	}

	reg.MustRegister(
		c.Transitions, c.Ignored, c.Rejected, c.TripsFinished, c.ActiveTrips,
		c.ApplyDuration,
		c.IngestReceived, c.IngestMalformed,
		c.NATSPublished, c.NATSPublishErrs, c.NATSConnected,
	)
	return c
}

func (c *Collector) Registry() *prometheus.Registry { return c.reg }

func (c *Collector) OnTransition(_ context.Context, _ string, from, to tripfsm.Configuration, event tripfsm.Event) {
	c.Transitions.WithLabelValues(event.String(), from.State().String()).Inc()
	if to.IsTerminal() {
		c.TripsFinished.WithLabelValues(to.State().String()).Inc()
	}
}

func (c *Collector) OnIgnored(_ context.Context, _ string, current tripfsm.Configuration, event tripfsm.Event) {
	c.Ignored.WithLabelValues(event.String(), current.State().String()).Inc()
}

func (c *Collector) OnRejected(_ context.Context, _ string, _ tripfsm.Event, err error) {
	c.Rejected.WithLabelValues(rejectReason(err)).Inc()
}

// 未知事件名不作为标签，避免标签基数失控
func rejectReason(err error) string {
	switch {
	case errors.Is(err, tripfsm.ErrUnknownEvent):
		return "unknown_event"
	case errors.Is(err, tripfsm.ErrUnknownState):
		return "unknown_state"
	}
	return "other"
}

func (c *Collector) ApplyObserve(d time.Duration) { c.ApplyDuration.Observe(d.Seconds()) }

func (c *Collector) ReceivedInc()  { c.IngestReceived.Inc() }
func (c *Collector) MalformedInc() { c.IngestMalformed.Inc() }

func (c *Collector) NATSPublishedInc()  { c.NATSPublished.Inc() }
func (c *Collector) NATSPublishErrInc() { c.NATSPublishErrs.Inc() }

func (c *Collector) NATSSetConnected(connected bool) {
	if connected {
		c.NATSConnected.Set(1)
	} else {
		c.NATSConnected.Set(0)
	}
}

func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{})
}

// Server 返回暴露指标的 HTTP 服务，由调用方负责启动与关闭
func (c *Collector) Server(addr, path string) *http.Server {
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, c.Handler())
	return &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
}

var _ tripfsm.Observer = (*Collector)(nil)
