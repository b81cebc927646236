// Package task provides the periodic-task primitive shared by the printer
// worker and the scheduler: a cancellable, fixed-interval background loop
// with an immediate first iteration and orderly shutdown.
package task

import (
	"context"
	"sync"
	"time"
)

// StepFunc is one iteration of periodic work.
type StepFunc func(ctx context.Context) error

// ClassifyFunc decides whether an error returned by Step should be logged
// as a transient transport problem (true) or as a hard error (false).
type ClassifyFunc func(err error) (transport bool)

// ErrorHandler is invoked after every failed Step, already told whether the
// error was classified as transport-level.
type ErrorHandler func(err error, transport bool)

// Periodic runs Step every Interval until Stop is called. Shutdown is
// cooperative: the next iteration boundary terminates the loop.
type Periodic struct {
	Interval time.Duration
	Step     StepFunc
	Classify ClassifyFunc
	OnError  ErrorHandler

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

// Start schedules the background runner. Starting an already-started task
// is a no-op.
func (p *Periodic) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.started = true

	go p.run(runCtx)
}

func (p *Periodic) run(ctx context.Context) {
	defer close(p.done)

	p.runStep(ctx)

	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.runStep(ctx)
		}
	}
}

func (p *Periodic) runStep(ctx context.Context) {
	if err := p.Step(ctx); err != nil {
		transport := false
		if p.Classify != nil {
			transport = p.Classify(err)
		}
		if p.OnError != nil {
			p.OnError(err, transport)
		}
	}
}

// Stop requests cooperative shutdown and blocks until the runner exits.
// Stopping a never-started or already-stopped task is a no-op.
func (p *Periodic) Stop() {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	cancel := p.cancel
	done := p.done
	p.started = false
	p.mu.Unlock()

	cancel()
	<-done
}

// RunOnce executes a single Step synchronously, bypassing the scheduler.
// Used by tests and by operator-triggered "run now" actions.
func (p *Periodic) RunOnce(ctx context.Context) error {
	return p.Step(ctx)
}
