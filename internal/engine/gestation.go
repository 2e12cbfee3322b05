// Gestation pipeline: conception rolls, countdown and birth.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/talgya/kinfolk/internal/agents"
	"github.com/talgya/kinfolk/internal/entropy"
	"github.com/talgya/kinfolk/internal/logging"
)

// Hazard converts a per-year rate into the probability of at least one
// occurrence within dt years: 1 − exp(−dt·rate). Splitting a period into
// smaller steps leaves the cumulative probability unchanged.
func Hazard(dt, rate float64) float64 {
	if dt <= 0 || rate <= 0 {
		return 0
	}
	return -math.Expm1(-dt * rate)
}

// TickGestation runs the gestation cadence, then verifies integrity. The
// countdown and the conception rolls both see the records as they stood at
// the start of the tick: a new pregnancy is first decremented on the next
// tick, and a mother giving birth now cannot conceive until then.
func (s *Simulation) TickGestation(tick uint64, dt float64) error {
	born, err := s.UpdateGestation(dt)
	if err != nil {
		return err
	}
	delivered := make(map[agents.IndividualID]bool, len(born))
	for _, id := range born {
		if child, ok := s.Registry.Get(id); ok && child.Mother != nil {
			delivered[*child.Mother] = true
		}
	}
	s.conceive(dt, delivered)
	return s.Registry.CheckIntegrity()
}

// Conception rolls the conception hazard for every partnered female inside
// the fertile window [min_conception_age, max_conception_age) who is not
// already gestating. Returns the number of conceptions.
func (s *Simulation) Conception(dt float64) int {
	return s.conceive(dt, nil)
}

func (s *Simulation) conceive(dt float64, skip map[agents.IndividualID]bool) int {
	p := s.Params
	chance := Hazard(dt, p.ConceptionRate)
	if chance <= 0 {
		return 0
	}

	conceived := 0
	s.Registry.Each(func(ind *agents.Individual) {
		if ind.Sex != agents.SexFemale || !ind.IsPartnered() || ind.IsGestating() || skip[ind.ID] {
			return
		}
		if ind.Age < p.MinConceptionAge || ind.Age >= p.MaxConceptionAge {
			return
		}
		if !entropy.Bernoulli(s.rng, chance) {
			return
		}
		ind.Gestation = &agents.Gestation{Remaining: p.GestationDuration}
		conceived++
		slog.Log(context.Background(), logging.LevelTrace, "conceived", "id", ind.ID, "age", ind.Age)
	})
	return conceived
}

// UpdateGestation counts every pregnancy down by dt. A record whose
// remaining time drops below zero is removed and a newborn of age zero is
// spawned with its mother set. Returns the newborn IDs.
func (s *Simulation) UpdateGestation(dt float64) ([]agents.IndividualID, error) {
	var due []agents.IndividualID
	s.Registry.Each(func(ind *agents.Individual) {
		if ind.Gestation == nil {
			return
		}
		ind.Gestation.Remaining -= dt
		if ind.Gestation.Remaining < 0 {
			due = append(due, ind.ID)
		}
	})

	born := make([]agents.IndividualID, 0, len(due))
	for _, motherID := range due {
		mother, _ := s.Registry.Get(motherID)
		mother.Gestation = nil

		mid := motherID
		child, err := s.spawn(0, &mid)
		if err != nil {
			return born, fmt.Errorf("birth to %d: %w", motherID, err)
		}
		born = append(born, child)
		slog.Debug("birth", "child", child, "mother", motherID, "time", SimTime(s.now))
	}
	return born, nil
}
