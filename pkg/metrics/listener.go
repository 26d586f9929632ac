package metrics

import (
	"github.com/vnykmshr/streamline/pkg/pipeline"
)

// Listener updates a Registry from pipeline lifecycle events.
type Listener struct {
	reg *Registry
}

var _ pipeline.Listener = (*Listener)(nil)

// NewListener returns a listener recording into reg. A nil reg uses
// Default().
func NewListener(reg *Registry) *Listener {
	if reg == nil {
		reg = Default()
	}
	return &Listener{reg: reg}
}

// OnStageStart implements pipeline.Listener.
func (l *Listener) OnStageStart(pipeline.StageStarted) {}

// OnStageEnd implements pipeline.Listener.
func (l *Listener) OnStageEnd(e pipeline.StageEnded) {
	l.reg.StagesTotal.WithLabelValues(e.Pipeline, e.StageID, e.Status.String()).Inc()
	l.reg.StageDuration.WithLabelValues(e.Pipeline, e.StageID).Observe(e.Duration.Seconds())
	l.reg.StageItems.WithLabelValues(e.Pipeline, e.StageID).Add(float64(e.ItemsOut))
}

// OnItemRetry implements pipeline.Listener.
func (l *Listener) OnItemRetry(e pipeline.ItemRetried) {
	l.reg.ItemRetries.WithLabelValues(e.Pipeline, e.StageID).Inc()
}

// OnQueueDrop implements pipeline.Listener.
func (l *Listener) OnQueueDrop(e pipeline.QueueDropped) {
	l.reg.QueueDrops.WithLabelValues(e.Pipeline, e.StageID, e.Policy.String()).Inc()
}

// OnStageRestart implements pipeline.Listener.
func (l *Listener) OnStageRestart(e pipeline.StageRestarted) {
	l.reg.StageRestarts.WithLabelValues(e.Pipeline, e.StageID).Inc()
}

// OnDeadLetter implements pipeline.Listener.
func (l *Listener) OnDeadLetter(e pipeline.DeadLettered) {
	l.reg.DeadLetters.WithLabelValues(e.Pipeline, e.StageID).Inc()
}

// OnBreakerStateChange implements pipeline.Listener.
func (l *Listener) OnBreakerStateChange(e pipeline.BreakerStateChanged) {
	l.reg.BreakerState.WithLabelValues(e.Pipeline, e.StageID).Set(breakerValue(e.To))
	l.reg.BreakerTransitions.WithLabelValues(e.Pipeline, e.StageID, e.From.String(), e.To.String()).Inc()
}
