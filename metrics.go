package gpusync

import (
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/gogpu/gpusync/access"
	"github.com/gogpu/gpusync/internal/barrier"
	"github.com/gogpu/gpusync/internal/hazard"
)

// metrics holds the collectors of one context. Every collector carries the
// context id as a constant label so several contexts can share a registry.
type metrics struct {
	hazards     *prometheus.CounterVec
	commands    *prometheus.CounterVec
	transfers   prometheus.Counter
	submissions *prometheus.CounterVec
	rollbacks   prometheus.Counter
	waits       prometheus.Histogram
}

// newMetrics creates the collectors. A nil registerer leaves them
// unregistered.
func newMetrics(reg prometheus.Registerer, id uuid.UUID, inflight func() float64) *metrics {
	labels := prometheus.Labels{"context": id.String()}
	f := promauto.With(reg)

	f.NewGaugeFunc(prometheus.GaugeOpts{
		Name:        "gpusync_inflight_submissions",
		Help:        "Submissions not yet retired",
		ConstLabels: labels,
	}, inflight)

	return &metrics{
		hazards: f.NewCounterVec(prometheus.CounterOpts{
			Name:        "gpusync_hazards_total",
			Help:        "Hazards detected by class",
			ConstLabels: labels,
		}, []string{"kind"}),
		commands: f.NewCounterVec(prometheus.CounterOpts{
			Name:        "gpusync_sync_commands_total",
			Help:        "Synchronization commands emitted by granularity",
			ConstLabels: labels,
		}, []string{"mode"}),
		transfers: f.NewCounter(prometheus.CounterOpts{
			Name:        "gpusync_ownership_transfers_total",
			Help:        "Queue ownership transfers emitted",
			ConstLabels: labels,
		}),
		submissions: f.NewCounterVec(prometheus.CounterOpts{
			Name:        "gpusync_submissions_total",
			Help:        "Command buffer submissions by queue",
			ConstLabels: labels,
		}, []string{"queue"}),
		rollbacks: f.NewCounter(prometheus.CounterOpts{
			Name:        "gpusync_rollbacks_total",
			Help:        "Recording scopes abandoned and rolled back",
			ConstLabels: labels,
		}),
		waits: f.NewHistogram(prometheus.HistogramOpts{
			Name:        "gpusync_wait_duration_seconds",
			Help:        "Time spent blocked in Wait",
			Buckets:     prometheus.ExponentialBuckets(0.0001, 2, 14), // 0.1ms to ~1.6s
			ConstLabels: labels,
		}),
	}
}

// observeCommand counts one emitted synchronization command.
func (m *metrics) observeCommand(c barrier.Command) {
	if c.IsEmpty() {
		return
	}
	mode := "fine"
	if c.Coarse {
		mode = "coarse"
	}
	m.commands.WithLabelValues(mode).Inc()
	for _, k := range hazard.Kinds() {
		if c.Kind&k != 0 {
			m.hazards.WithLabelValues(k.String()).Inc()
		}
	}
	m.transfers.Add(float64(c.Transfers()))
}

func (m *metrics) observeSubmit(q access.QueueID) {
	m.submissions.WithLabelValues(queueLabel(q)).Inc()
}
