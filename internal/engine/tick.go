// Package engine provides the tick-based simulation loop and the passes it
// drives: aging, partner seeking and gestation.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/talgya/kinfolk/internal/config"
)

// timeEpsilon absorbs float drift when comparing accumulated simulated time.
const timeEpsilon = 1e-9

// WeeksPerYear is used for human-readable time only.
const WeeksPerYear = 52

// pass is one cadence-driven system.
type pass struct {
	name     string
	interval float64
	due      float64
	run      func(tick uint64, dt float64) error
}

// Engine drives the simulation forward in base steps of the finest cadence.
// Each step runs every pass whose due time has been reached, in the fixed
// order aging → seeking → gestation.
type Engine struct {
	Tick     uint64        // Current tick counter (monotonic, never resets)
	Elapsed  float64       // Simulated years at the end of the last step
	Interval time.Duration // Wall-clock pacing per step; 0 runs flat out

	// OnStep, when set, runs after each step's events have been delivered.
	OnStep func(tick uint64, elapsed float64)

	sim     *Simulation
	base    float64
	passes  []*pass
	mu      sync.Mutex
	running atomic.Bool
	halt    atomic.Bool
}

// NewEngine creates an engine driving sim at the given cadences.
func NewEngine(sim *Simulation, c config.Cadences) (*Engine, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		sim:  sim,
		base: c.Finest(),
	}
	e.passes = []*pass{
		{name: "aging", interval: c.Aging, due: c.Aging, run: sim.TickAging},
		{name: "seeking", interval: c.Seeking, due: c.Seeking, run: sim.TickSeeking},
		{name: "gestation", interval: c.Gestation, due: c.Gestation, run: sim.TickGestation},
	}
	return e, nil
}

// BaseStep returns the simulated years advanced per step.
func (e *Engine) BaseStep() float64 {
	return e.base
}

// Running reports whether Run is in progress.
func (e *Engine) Running() bool {
	return e.running.Load()
}

// Do runs fn with exclusive access to the simulation, between steps.
func (e *Engine) Do(fn func(s *Simulation)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(e.sim)
}

// Run steps the simulation until stop reports true, Stop is called, ctx is
// cancelled, or a step fails. Cancellation is only observed between steps.
func (e *Engine) Run(ctx context.Context, stop StopCondition) error {
	e.running.Store(true)
	defer e.running.Store(false)
	e.halt.Store(false)
	slog.Info("simulation engine started", "tick", e.Tick, "base_step", e.base)

	for {
		if err := ctx.Err(); err != nil {
			slog.Info("simulation engine cancelled", "tick", e.Tick, "time", SimTime(e.Elapsed))
			return err
		}
		if e.halt.Load() {
			slog.Info("simulation engine stopped", "tick", e.Tick, "time", SimTime(e.Elapsed))
			return nil
		}

		start := time.Now()
		done, err := e.Step(ctx, stop)
		if err != nil {
			slog.Error("simulation engine aborted", "tick", e.Tick, "error", err)
			return err
		}
		if done {
			slog.Info("stop condition reached", "tick", e.Tick, "time", SimTime(e.Elapsed))
			return nil
		}

		if e.Interval > 0 {
			if wait := e.Interval - time.Since(start); wait > 0 {
				select {
				case <-ctx.Done():
				case <-time.After(wait):
				}
			}
		}
	}
}

// Stop asks Run to return at the next step boundary.
func (e *Engine) Stop() {
	e.halt.Store(true)
}

// Step advances the simulation by one base step, delivers the step's events
// and polls stop. It reports whether stop was satisfied.
func (e *Engine) Step(ctx context.Context, stop StopCondition) (bool, error) {
	e.mu.Lock()
	batch, err := e.advance()
	e.mu.Unlock()
	if err != nil {
		return false, err
	}

	if err := e.sim.Deliver(ctx, batch); err != nil {
		return false, err
	}
	if e.OnStep != nil {
		e.OnStep(batch.Tick, batch.Time)
	}

	if stop == nil {
		return false, nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return stop(e.Elapsed, e.sim), nil
}

// advance runs the due passes. Callers hold e.mu.
func (e *Engine) advance() (Batch, error) {
	e.Tick++
	next := e.Elapsed + e.base
	e.sim.beginStep(e.Tick, next)

	for _, p := range e.passes {
		for p.due <= next+timeEpsilon {
			if err := p.run(e.Tick, p.interval); err != nil {
				return Batch{}, fmt.Errorf("tick %d %s pass: %w", e.Tick, p.name, err)
			}
			p.due += p.interval
		}
	}

	e.Elapsed = next
	e.sim.endStep()
	return e.sim.TakeBatch(), nil
}

// SimTime returns a human-readable simulation time from elapsed years.
func SimTime(years float64) string {
	whole := math.Floor(years + timeEpsilon)
	week := int((years-whole)*WeeksPerYear+timeEpsilon) + 1
	if week > WeeksPerYear {
		week = WeeksPerYear
	}
	return fmt.Sprintf("Year %d Week %d", int(whole)+1, week)
}
