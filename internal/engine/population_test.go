package engine

import (
	"math"
	"testing"

	"github.com/talgya/kinfolk/internal/agents"
	"github.com/talgya/kinfolk/internal/config"
)

const month = 1.0 / 12.0

func TestAdvanceAgesIsMonotonicAndRemovesTheDead(t *testing.T) {
	s := newTestSim(t, nil)
	young := addPerson(t, s, agents.SexFemale, 10)
	old := addPerson(t, s, agents.SexMale, 69.95)
	nearly := addPerson(t, s, agents.SexMale, 69.9)

	if err := s.TickAging(1, month); err != nil {
		t.Fatalf("TickAging: %v", err)
	}

	ind, _, ok := s.Individual(young)
	if !ok || math.Abs(ind.Age-(10+month)) > 1e-12 {
		t.Fatalf("young individual should have aged by one month, got %+v", ind)
	}
	if s.Registry.Alive(old) {
		t.Error("individual past the death age should be removed")
	}
	if !s.Registry.Alive(nearly) {
		t.Error("individual still below the death age should survive this tick")
	}

	deaths := eventsOf(s.TakeBatch(), EventDeath)
	if len(deaths) != 1 || deaths[0].Subject != old || deaths[0].Age <= 70 {
		t.Fatalf("expected one Death for %d, got %+v", old, deaths)
	}
}

func TestNoSurvivorExceedsDeathAge(t *testing.T) {
	s := newTestSim(t, func(p *config.SimulationParameters) { p.DeathAge = 30 })
	for i := 0; i < 20; i++ {
		addPerson(t, s, agents.Sex(i%2), 20+float64(i)/2)
	}
	var prev = map[agents.IndividualID]float64{}
	for tick := uint64(1); tick <= 24; tick++ {
		if err := s.TickAging(tick, month); err != nil {
			t.Fatalf("tick %d: %v", tick, err)
		}
		s.Registry.Each(func(ind *agents.Individual) {
			if ind.Age > s.Params.DeathAge {
				t.Fatalf("individual %d alive at age %v", ind.ID, ind.Age)
			}
			if a, ok := prev[ind.ID]; ok && ind.Age < a {
				t.Fatalf("age of %d decreased from %v to %v", ind.ID, a, ind.Age)
			}
			prev[ind.ID] = ind.Age
		})
	}
}

func TestAdultFlagFiresOnceAndSeekingFollows(t *testing.T) {
	s := newTestSim(t, nil)
	id := addPerson(t, s, agents.SexFemale, 19.95)

	s.StartPartnerSeeking()
	if s.Market.Contains(id) {
		t.Fatal("minor must not seek")
	}

	if err := s.TickAging(1, month); err != nil {
		t.Fatalf("TickAging: %v", err)
	}
	ind, state, _ := s.Individual(id)
	if !ind.IsAdult() || state != StateEligible {
		t.Fatalf("expected adult eligible individual, got flags=%b state=%v", ind.Flags, state)
	}

	s.StartPartnerSeeking()
	if _, state, _ := s.Individual(id); state != StateSeeking || !s.Market.Contains(id) {
		t.Fatalf("expected seeking after crossing adulthood, got %v", state)
	}

	// A second crossing never happens: flags are sticky.
	if err := s.TickAging(2, month); err != nil {
		t.Fatal(err)
	}
	ind, _, _ = s.Individual(id)
	if !ind.IsAdult() {
		t.Error("adult flag cleared")
	}
}

func TestElderLeavesMarketImmediately(t *testing.T) {
	s := newTestSim(t, nil)
	id := addPerson(t, s, agents.SexMale, 49.99)
	s.StartPartnerSeeking()
	if !s.Market.Contains(id) {
		t.Fatal("expected adult to be queued")
	}

	if err := s.TickAging(1, month); err != nil {
		t.Fatalf("TickAging: %v", err)
	}
	ind, state, _ := s.Individual(id)
	if !ind.IsElder() || ind.IsSeeking() || s.Market.Contains(id) {
		t.Fatalf("elder still in market: flags=%b queued=%v", ind.Flags, s.Market.Contains(id))
	}
	if state != StateElderIneligible {
		t.Errorf("state = %v, want elder", state)
	}

	s.StartPartnerSeeking()
	if s.Market.Contains(id) {
		t.Error("elder re-entered the market")
	}
}

func TestWidowhood(t *testing.T) {
	s := newTestSim(t, nil)
	f, m, rel := addCouple(t, s, 40, 69.99)

	if err := s.TickAging(1, month); err != nil {
		t.Fatalf("TickAging: %v", err)
	}
	b := s.TakeBatch()
	widowed := eventsOf(b, EventWidowed)
	if len(widowed) != 1 {
		t.Fatalf("expected one Widowed event, got %+v", b.Events)
	}
	w := widowed[0]
	if w.Subject != f || w.Other != m || w.Relationship != rel {
		t.Errorf("unexpected widowed event: %+v", w)
	}

	ind, state, _ := s.Individual(f)
	if ind.IsPartnered() || state != StateEligible {
		t.Fatalf("survivor should be single and eligible: %+v %v", ind, state)
	}
	if s.Registry.PartnershipCount() != 0 {
		t.Error("dangling partnership after widowhood")
	}

	// Re-admitted at the next eligibility pass.
	if err := s.TickSeeking(2, 0.25); err != nil {
		t.Fatal(err)
	}
	if !s.Market.Contains(f) {
		t.Error("widow should be seeking again")
	}
}

func TestDoubleDeathCleansUpOnce(t *testing.T) {
	s := newTestSim(t, nil)
	f, m, _ := addCouple(t, s, 69.99, 69.98)

	if err := s.TickAging(1, month); err != nil {
		t.Fatalf("TickAging: %v", err)
	}
	b := s.TakeBatch()
	if n := len(eventsOf(b, EventDeath)); n != 2 {
		t.Fatalf("expected two deaths, got %d", n)
	}
	if n := len(eventsOf(b, EventWidowed)); n != 0 {
		t.Fatalf("nobody survived to be widowed, got %d Widowed events", n)
	}
	if s.Registry.Alive(f) || s.Registry.Alive(m) {
		t.Error("both partners should be gone")
	}
	if s.Registry.PartnershipCount() != 0 {
		t.Error("partnership survived a double death")
	}
	if err := s.Registry.CheckIntegrity(); err != nil {
		t.Fatalf("integrity: %v", err)
	}
}

func TestDeathOfPartnerEndsGestation(t *testing.T) {
	s := newTestSim(t, nil)
	f, _, _ := addCouple(t, s, 30, 69.99)
	ind, _ := s.Registry.Get(f)
	ind.Gestation = &agents.Gestation{Remaining: 0.5}

	if err := s.TickAging(1, month); err != nil {
		t.Fatalf("TickAging: %v", err)
	}
	if ind.IsGestating() {
		t.Fatal("widowed mother kept gestating")
	}
}
