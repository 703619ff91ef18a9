package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PromMetrics exposes operational metrics for the pipeline: channel
// depths, reconnect counts, and alert counts, on a Prometheus registry
// surfaced via cmd/surveild's /metrics handler.
type PromMetrics struct {
	ChannelDepth   *prometheus.GaugeVec
	ReconnectTotal *prometheus.CounterVec
	GapTotal       *prometheus.CounterVec
	AlertsFired    *prometheus.CounterVec
	AlertsActive   *prometheus.GaugeVec
	ColdQueueDepth prometheus.Gauge
}

// NewPromMetrics registers every collector against reg. Callers
// typically pass prometheus.NewRegistry() so tests can create isolated
// registries.
func NewPromMetrics(reg prometheus.Registerer) *PromMetrics {
	factory := promauto.With(reg)
	return &PromMetrics{
		ChannelDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "surveil",
			Name:      "channel_depth",
			Help:      "Current number of buffered messages per inter-stage channel.",
		}, []string{"channel"}),
		ReconnectTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "surveil",
			Name:      "venue_reconnect_total",
			Help:      "Total reconnect attempts per venue.",
		}, []string{"venue"}),
		GapTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "surveil",
			Name:      "gap_markers_total",
			Help:      "Total gap markers emitted per venue and reason.",
		}, []string{"venue", "reason"}),
		AlertsFired: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "surveil",
			Name:      "alerts_fired_total",
			Help:      "Total alerts fired per alert_type and priority.",
		}, []string{"alert_type", "priority"}),
		AlertsActive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "surveil",
			Name:      "alerts_active",
			Help:      "Currently active alerts per priority.",
		}, []string{"priority"}),
		ColdQueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "surveil",
			Name:      "cold_store_fallback_queue_depth",
			Help:      "Entries pending in the cold store's on-disk fallback queue.",
		}),
	}
}

// ObserveChannelDepths samples the pipeline's channel lengths. Intended
// to be called on a periodic tick (e.g. alongside the detector's own
// 1Hz escalation scan).
func (p *Pipeline) ObserveChannelDepths(m *PromMetrics) {
	m.ChannelDepth.WithLabelValues("books").Set(float64(len(p.books)))
	m.ChannelDepth.WithLabelValues("tickers").Set(float64(len(p.tickers)))
	m.ChannelDepth.WithLabelValues("gaps").Set(float64(len(p.gaps)))
	m.ChannelDepth.WithLabelValues("samples").Set(float64(len(p.samples)))
	m.ColdQueueDepth.Set(float64(p.coldStore.QueueDepth()))
}
