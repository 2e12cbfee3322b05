// Individual spawning: allocates IDs and draws the random attributes of
// new individuals, both for the initial population and for births.
package agents

import (
	"github.com/talgya/kinfolk/internal/entropy"
)

// Initial population ages are drawn uniformly from this window.
const (
	InitialMinAge = 18.0
	InitialMaxAge = 30.0
)

// Spawner creates individuals for the simulation.
type Spawner struct {
	rng    entropy.Source
	nextID IndividualID
}

// NewSpawner creates a spawner drawing from rng.
func NewSpawner(rng entropy.Source) *Spawner {
	return &Spawner{
		rng:    rng,
		nextID: 1,
	}
}

// NextID reports the ID the next spawned individual will receive.
func (s *Spawner) NextID() IndividualID {
	return s.nextID
}

// Spawn creates a new individual with a uniformly random sex.
// The mother reference is copied so the caller cannot alias it.
func (s *Spawner) Spawn(age float64, mother *IndividualID, bornAt float64) *Individual {
	id := s.nextID
	s.nextID++

	ind := &Individual{
		ID:     id,
		Age:    age,
		Sex:    s.randomSex(),
		BornAt: bornAt,
	}
	if mother != nil {
		m := *mother
		ind.Mother = &m
	}
	return ind
}

// InitialAge draws an age for a founding member of the population.
func (s *Spawner) InitialAge() float64 {
	return InitialMinAge + s.rng.Float64()*(InitialMaxAge-InitialMinAge)
}

func (s *Spawner) randomSex() Sex {
	if s.rng.Float64() < 0.5 {
		return SexFemale
	}
	return SexMale
}
