package pop

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusSink exports training signals as prometheus metrics.
type PrometheusSink struct {
	loss           *prometheus.GaugeVec     // last loss by component
	updates        *prometheus.CounterVec   // learning updates by component
	implicitReward *prometheus.HistogramVec // shaped manager rewards by component
	trainStep      prometheus.Gauge
}

// NewPrometheusSink creates the metrics and registers them with reg.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	s := &PrometheusSink{
		loss: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "gridpop",
			Subsystem: "training",
			Name:      "loss",
			Help:      "Most recent training loss",
		}, []string{"component"}),
		updates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gridpop",
			Subsystem: "training",
			Name:      "updates_total",
			Help:      "Number of learning updates",
		}, []string{"component"}),
		implicitReward: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "gridpop",
			Subsystem: "training",
			Name:      "implicit_reward",
			Help:      "Reward after shaping, as seen by community managers",
			Buckets:   prometheus.LinearBuckets(-2, 0.25, 17),
		}, []string{"component"}),
		trainStep: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gridpop",
			Subsystem: "training",
			Name:      "step",
			Help:      "Train step of the last record",
		}),
	}
	for _, c := range []prometheus.Collector{s.loss, s.updates, s.implicitReward, s.trainStep} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *PrometheusSink) Log(r Record) {
	s.trainStep.Set(float64(r.Step))
	if r.Loss != nil {
		s.loss.WithLabelValues(r.Component).Set(*r.Loss)
		s.updates.WithLabelValues(r.Component).Inc()
	}
	if r.ImplicitReward != nil {
		s.implicitReward.WithLabelValues(r.Component).Observe(*r.ImplicitReward)
	}
}
