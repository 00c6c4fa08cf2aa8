package update

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

const reportTimeout = 2 * time.Second

// tracker publishes progress for one cycle. Percent never decreases while
// the stage stays the same. Report failures are logged: progress is
// advisory and must never fail the pipeline.
type tracker struct {
	reporter ProgressReporter
	now      func() time.Time

	mu      sync.Mutex
	cycleID string
	version string
	stage   Stage
	percent int
}

func newTracker(reporter ProgressReporter, now func() time.Time, cycleID, version string) *tracker {
	return &tracker{
		reporter: reporter,
		now:      now,
		cycleID:  cycleID,
		version:  version,
	}
}

// next computes the progress record for a transition and remembers it.
func (t *tracker) next(stage Stage, percent int, message string, cause error) Progress {
	t.mu.Lock()
	defer t.mu.Unlock()

	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	if stage == t.stage && percent < t.percent {
		percent = t.percent
	}
	t.stage = stage
	t.percent = percent

	p := Progress{
		Stage:     stage,
		Percent:   percent,
		Message:   message,
		Timestamp: t.now(),
		Version:   t.version,
		CycleID:   t.cycleID,
	}
	if cause != nil {
		p.ErrorDetail = cause.Error()
	}
	return p
}

// report publishes synchronously. ctx cancellation does not suppress it:
// terminal stages must be written even for a cancelled call.
func (t *tracker) report(ctx context.Context, stage Stage, percent int, message string) {
	t.publish(ctx, t.next(stage, percent, message, nil))
}

func (t *tracker) fail(ctx context.Context, stage Stage, message string, cause error) {
	t.publish(ctx, t.next(stage, 100, message, cause))
}

func (t *tracker) publish(ctx context.Context, p Progress) {
	if t.reporter == nil {
		return
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), reportTimeout)
	defer cancel()
	if err := t.reporter.Report(rctx, p); err != nil {
		log.WithField("stage", p.Stage).Warnf("failed to publish update progress: %v", err)
	}
}

// pump delivers high-frequency progress (download bytes) without blocking
// the caller. Only the newest pending record of a stage is kept; last write
// wins.
type pump struct {
	t     *tracker
	ch    chan Progress
	done  chan struct{}
	stage Stage
}

func (t *tracker) startPump(ctx context.Context) *pump {
	p := &pump{
		t:    t,
		ch:   make(chan Progress, 1),
		done: make(chan struct{}),
	}
	go func() {
		defer close(p.done)
		for pr := range p.ch {
			t.publish(ctx, pr)
		}
	}()
	return p
}

func (p *pump) push(stage Stage, percent int, message string) {
	pr := p.t.next(stage, percent, message, nil)
	if stage != p.stage {
		// a stage change waits for the pending record instead of replacing it
		p.stage = stage
		p.ch <- pr
		return
	}
	for {
		select {
		case p.ch <- pr:
			return
		default:
		}
		// drop the stale pending record and retry
		select {
		case <-p.ch:
		default:
		}
	}
}

// stop flushes the pending record and waits for the publisher to exit.
func (p *pump) stop() {
	close(p.ch)
	<-p.done
}
