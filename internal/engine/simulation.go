// Simulation ties the registry, partner market and gestation pipeline
// together and runs them each tick.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/talgya/kinfolk/internal/agents"
	"github.com/talgya/kinfolk/internal/config"
	"github.com/talgya/kinfolk/internal/entropy"
	"github.com/talgya/kinfolk/internal/population"
)

// Simulation holds the complete population state.
type Simulation struct {
	Registry *population.Registry
	Market   *SeekerQueues
	Spawner  *agents.Spawner
	Params   config.SimulationParameters
	Log      *EventLog

	// Statistics recomputed at the end of every step.
	Stats SimStats

	rng   entropy.Source
	sinks []Sink
	batch []Event

	tick       uint64  // Tick currently being processed
	now        float64 // Simulated years at the end of the current step
	reportYear int
}

// SimStats tracks aggregate population statistics.
type SimStats struct {
	Population   int     `json:"population"`
	Adults       int     `json:"adults"`
	Elders       int     `json:"elders"`
	Seekers      int     `json:"seekers"`
	Partnerships int     `json:"partnerships"`
	Gestating    int     `json:"gestating"`
	Births       int     `json:"births"`
	Deaths       int     `json:"deaths"`
	Years        float64 `json:"years"`
}

// NewSimulation creates an empty population governed by params. Every
// stochastic roll draws from rng.
func NewSimulation(params config.SimulationParameters, rng entropy.Source) (*Simulation, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	s := &Simulation{
		Registry: population.NewRegistry(),
		Market:   NewSeekerQueues(),
		Spawner:  agents.NewSpawner(rng),
		Params:   params,
		Log:      NewEventLog(),
		rng:      rng,
	}
	s.sinks = []Sink{s.Log}
	return s, nil
}

// AddSink registers an event consumer. Call before the engine starts.
func (s *Simulation) AddSink(sink Sink) {
	s.sinks = append(s.sinks, sink)
}

// SetParams replaces the parameters wholesale. An invalid set is rejected
// and the current parameters stay in force.
func (s *Simulation) SetParams(p config.SimulationParameters) error {
	if err := p.Validate(); err != nil {
		return err
	}
	s.Params = p
	slog.Info("simulation parameters updated",
		"death_age", p.DeathAge,
		"conception_rate", p.ConceptionRate,
		"breakup_rate", p.BreakupRate,
	)
	return nil
}

// CurrentTick returns the most recently processed tick number.
func (s *Simulation) CurrentTick() uint64 {
	return s.tick
}

// Now returns simulated years elapsed.
func (s *Simulation) Now() float64 {
	return s.now
}

// SpawnIndividual adds an individual of the given age with a uniformly random
// sex and emits Birth. A failed insertion means the ID allocator is broken;
// it panics with the underlying *population.InvariantError.
func (s *Simulation) SpawnIndividual(age float64, mother *agents.IndividualID) agents.IndividualID {
	id, err := s.spawn(age, mother)
	if err != nil {
		panic(err)
	}
	return id
}

func (s *Simulation) spawn(age float64, mother *agents.IndividualID) (agents.IndividualID, error) {
	ind := s.Spawner.Spawn(age, mother, s.now)
	if err := s.Registry.Insert(ind); err != nil {
		return 0, fmt.Errorf("spawning individual: %w", err)
	}
	s.emit(BirthEvent(ind.ID, mother))
	return ind.ID, nil
}

// SeedPopulation spawns n founders with ages drawn uniformly from the
// initial window.
func (s *Simulation) SeedPopulation(n int) {
	for i := 0; i < n; i++ {
		s.SpawnIndividual(s.Spawner.InitialAge(), nil)
	}
	s.updateStats()
	slog.Info("population seeded", "founders", n)
}

// emit stamps an event with the current tick and time and queues it.
func (s *Simulation) emit(ev Event) {
	ev.Tick = s.tick
	ev.Time = s.now
	switch ev.Kind {
	case EventBirth:
		s.Stats.Births++
	case EventDeath:
		s.Stats.Deaths++
	}
	s.batch = append(s.batch, ev)
}

// beginStep records the tick and the time the step advances to.
func (s *Simulation) beginStep(tick uint64, now float64) {
	s.tick = tick
	s.now = now
}

// endStep refreshes statistics and writes the yearly report when a year
// boundary has been crossed.
func (s *Simulation) endStep() {
	s.updateStats()

	year := int(math.Floor(s.now + 1e-9))
	if year <= s.reportYear {
		return
	}
	s.reportYear = year
	slog.Info("yearly report",
		"tick", s.tick,
		"time", SimTime(s.now),
		"population", s.Stats.Population,
		"adults", s.Stats.Adults,
		"elders", s.Stats.Elders,
		"seekers", s.Stats.Seekers,
		"partnerships", s.Stats.Partnerships,
		"gestating", s.Stats.Gestating,
		"births", s.Stats.Births,
		"deaths", s.Stats.Deaths,
	)
}

// TakeBatch returns the pending events and clears the buffer.
func (s *Simulation) TakeBatch() Batch {
	b := Batch{Tick: s.tick, Time: s.now, Events: s.batch}
	s.batch = nil
	return b
}

// Deliver hands a batch to every sink in registration order. Sinks never see
// live simulation state, so Deliver may run outside the engine lock.
func (s *Simulation) Deliver(ctx context.Context, b Batch) error {
	for _, sink := range s.sinks {
		if err := sink.WriteBatch(ctx, b); err != nil {
			return fmt.Errorf("delivering tick %d: %w", b.Tick, err)
		}
	}
	return nil
}

// Flush takes and delivers the pending batch.
func (s *Simulation) Flush(ctx context.Context) error {
	return s.Deliver(ctx, s.TakeBatch())
}

// Individual returns a copy of a living individual and its market state.
func (s *Simulation) Individual(id agents.IndividualID) (agents.Individual, MarketState, bool) {
	ind, ok := s.Registry.Get(id)
	if !ok {
		return agents.Individual{}, 0, false
	}
	cp := *ind
	if ind.Mother != nil {
		m := *ind.Mother
		cp.Mother = &m
	}
	if ind.Gestation != nil {
		g := *ind.Gestation
		cp.Gestation = &g
	}
	return cp, MarketStateOf(ind), true
}

// updateStats recalculates aggregate statistics. Births and deaths are
// cumulative and maintained by emit.
func (s *Simulation) updateStats() {
	stats := SimStats{
		Births:       s.Stats.Births,
		Deaths:       s.Stats.Deaths,
		Partnerships: s.Registry.PartnershipCount(),
		Seekers:      s.Market.Total(),
		Years:        s.now,
	}
	s.Registry.Each(func(ind *agents.Individual) {
		stats.Population++
		if ind.IsAdult() {
			stats.Adults++
		}
		if ind.IsElder() {
			stats.Elders++
		}
		if ind.IsGestating() {
			stats.Gestating++
		}
	})
	s.Stats = stats
}
