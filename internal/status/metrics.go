package status

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/sparkyfit/updater/internal/update"
)

var stages = []update.Stage{
	update.StageIdle,
	update.StageChecking,
	update.StageDownloading,
	update.StageVerifying,
	update.StageBackingUp,
	update.StageInstalling,
	update.StageMigrating,
	update.StageRollingBack,
	update.StageCompleted,
	update.StageFailed,
	update.StageRolledBack,
}

// Metrics holds the updater's prometheus collectors.
type Metrics struct {
	cycles        *prometheus.CounterVec
	stage         *prometheus.GaugeVec
	downloadBytes prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "updater_cycles_total",
			Help: "Finished update operations by outcome.",
		}, []string{"outcome"}),
		stage: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "updater_stage",
			Help: "1 for the stage last reported by the updater, 0 otherwise.",
		}, []string{"stage"}),
		downloadBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "updater_download_bytes_total",
			Help: "Bytes of verified update packages downloaded.",
		}),
	}
	for _, c := range []prometheus.Collector{m.cycles, m.stage, m.downloadBytes} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	m.setStage(update.StageIdle)
	return m, nil
}

func (m *Metrics) setStage(current update.Stage) {
	for _, s := range stages {
		v := 0.0
		if s == current {
			v = 1
		}
		m.stage.WithLabelValues(string(s)).Set(v)
	}
}

// Attach counts the outcomes of o's operations.
func (m *Metrics) Attach(o *update.Orchestrator) {
	o.OnEvent(func(ev update.Event) {
		m.cycles.WithLabelValues(string(ev.Type)).Inc()
		if ev.Type == update.EventDownloaded {
			if art := o.Artifact(); art != nil {
				m.downloadBytes.Add(float64(art.SizeBytes))
			}
		}
	})
}

// Reporter wraps next so every published stage is mirrored in the stage
// gauge.
func (m *Metrics) Reporter(next update.ProgressReporter) update.ProgressReporter {
	return &meteredReporter{next: next, m: m}
}

type meteredReporter struct {
	next update.ProgressReporter
	m    *Metrics
}

func (r *meteredReporter) Report(ctx context.Context, p update.Progress) error {
	r.m.setStage(p.Stage)
	return r.next.Report(ctx, p)
}

func (r *meteredReporter) Current(ctx context.Context) (*update.Progress, error) {
	return r.next.Current(ctx)
}
