// Population dynamics: aging, life-stage transitions and natural death.
package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/talgya/kinfolk/internal/agents"
	"github.com/talgya/kinfolk/internal/logging"
	"github.com/talgya/kinfolk/internal/population"
)

// TickAging runs the aging cadence: advance ages, apply flag transitions,
// remove the dead, clean up widowhood, then verify integrity.
func (s *Simulation) TickAging(tick uint64, dt float64) error {
	removals, err := s.AdvanceAges(dt)
	if err != nil {
		return err
	}
	if err := s.resolveRemovals(removals); err != nil {
		return err
	}
	return s.Registry.CheckIntegrity()
}

// AdvanceAges ages every living individual by dt. Adult and Elder fire on
// the 0→1 edge only and are never cleared. Anyone past the death age dies
// in the same pass; the returned removals must be passed through widowhood
// cleanup before the next seeking pass.
func (s *Simulation) AdvanceAges(dt float64) ([]population.Removal, error) {
	p := s.Params
	var dying []agents.IndividualID

	for _, id := range s.Registry.IDs() {
		ind, ok := s.Registry.Get(id)
		if !ok {
			continue
		}
		before := ind.Flags
		ind.Age += dt

		if !before.Has(agents.FlagAdult) && ind.Age > p.MinPartnerSeekingAge {
			ind.Flags |= agents.FlagAdult
			slog.Log(context.Background(), logging.LevelTrace, "came of age", "id", id, "age", ind.Age)
		}
		if !before.Has(agents.FlagElder) && ind.Age > p.MaxPartnerSeekingAge {
			ind.Flags |= agents.FlagElder
			s.StopElderPartnerSeeking(ind)
		}
		if ind.Age > p.DeathAge {
			dying = append(dying, id)
		}
	}

	removals := make([]population.Removal, 0, len(dying))
	for _, id := range dying {
		ind, _ := s.Registry.Get(id)
		s.emit(DeathEvent(id, ind.Age))

		rem, err := s.Registry.Remove(id)
		if err != nil {
			return nil, fmt.Errorf("removing dead individual: %w", err)
		}
		removals = append(removals, rem)
		slog.Debug("individual died", "id", id, "age", rem.Individual.Age, "time", SimTime(s.now))
	}
	return removals, nil
}
