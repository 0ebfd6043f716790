package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Relay holds the prometheus collectors of the relay pipeline. A nil *Relay
// is valid and records nothing.
type Relay struct {
	produced  *prometheus.CounterVec
	delivered *prometheus.CounterVec
	dropped   *prometheus.CounterVec
	errors    *prometheus.CounterVec
	resets    prometheus.Counter
	queueLen  *prometheus.GaugeVec
	latency   *prometheus.HistogramVec
	viewers   prometheus.Gauge
}

// NewRelay creates the collectors and registers them on reg. A nil reg uses
// the default registerer.
func NewRelay(reg prometheus.Registerer) *Relay {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	r := &Relay{
		produced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "framerelay_frames_produced_total",
			Help: "Frames read from a source.",
		}, []string{"kind"}),
		delivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "framerelay_frames_delivered_total",
			Help: "Frames handed to a sink.",
		}, []string{"kind"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "framerelay_frames_dropped_total",
			Help: "Frames lost to a full queue.",
		}, []string{"kind"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "framerelay_errors_total",
			Help: "Relay errors by kind.",
		}, []string{"kind", "error"}),
		resets: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "framerelay_decoder_resets_total",
			Help: "Scan buffers discarded after growing past their cap.",
		}),
		queueLen: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "framerelay_queue_length",
			Help: "Frames currently buffered in a session queue.",
		}, []string{"kind"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "framerelay_deliver_latency_seconds",
			Help:    "Time spent in Sink.Deliver.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		}, []string{"kind"}),
		viewers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "framerelay_hub_viewers",
			Help: "Viewers connected to the hub.",
		}),
	}

	reg.MustRegister(r.produced, r.delivered, r.dropped, r.errors, r.resets,
		r.queueLen, r.latency, r.viewers)

	return r
}

func (r *Relay) Produced(kind string) {
	if r == nil {
		return
	}
	r.produced.WithLabelValues(kind).Inc()
}

func (r *Relay) Delivered(kind string, took time.Duration) {
	if r == nil {
		return
	}
	r.delivered.WithLabelValues(kind).Inc()
	r.latency.WithLabelValues(kind).Observe(took.Seconds())
}

func (r *Relay) Dropped(kind string, n int) {
	if r == nil || n <= 0 {
		return
	}
	r.dropped.WithLabelValues(kind).Add(float64(n))
}

// Error counts one error. errKind is the error classification name.
func (r *Relay) Error(kind, errKind string) {
	if r == nil {
		return
	}
	r.errors.WithLabelValues(kind, errKind).Inc()
}

func (r *Relay) DecoderReset() {
	if r == nil {
		return
	}
	r.resets.Inc()
}

func (r *Relay) QueueLength(kind string, n int) {
	if r == nil {
		return
	}
	r.queueLen.WithLabelValues(kind).Set(float64(n))
}

func (r *Relay) Viewers(n int) {
	if r == nil {
		return
	}
	r.viewers.Set(float64(n))
}
