package agents

import (
	"testing"

	"github.com/talgya/kinfolk/internal/entropy"
	"github.com/talgya/kinfolk/internal/entropy/entropytest"
)

func TestSpawnAssignsSequentialIDs(t *testing.T) {
	s := NewSpawner(entropy.NewSeeded(1))
	a := s.Spawn(0, nil, 0)
	b := s.Spawn(0, nil, 0)
	if a.ID != 1 || b.ID != 2 {
		t.Fatalf("expected IDs 1 and 2, got %d and %d", a.ID, b.ID)
	}
	if s.NextID() != 3 {
		t.Errorf("expected next ID 3, got %d", s.NextID())
	}
}

func TestSpawnCopiesMother(t *testing.T) {
	s := NewSpawner(entropy.NewSeeded(1))
	mother := IndividualID(9)
	child := s.Spawn(0, &mother, 1.5)
	mother = 10
	if child.Mother == nil || *child.Mother != 9 {
		t.Fatalf("expected mother 9, got %v", child.Mother)
	}
	if child.Age != 0 || child.BornAt != 1.5 {
		t.Errorf("unexpected age/born: %v %v", child.Age, child.BornAt)
	}
}

func TestSpawnSexFollowsRoll(t *testing.T) {
	s := NewSpawner(&entropytest.Fixed{Values: []float64{0.1, 0.9}})
	if got := s.Spawn(0, nil, 0).Sex; got != SexFemale {
		t.Errorf("roll 0.1: expected female, got %v", got)
	}
	if got := s.Spawn(0, nil, 0).Sex; got != SexMale {
		t.Errorf("roll 0.9: expected male, got %v", got)
	}
}

func TestSpawnSexIsRoughlyBalanced(t *testing.T) {
	s := NewSpawner(entropy.NewSeeded(99))
	females := 0
	const n = 10000
	for i := 0; i < n; i++ {
		if s.Spawn(0, nil, 0).Sex == SexFemale {
			females++
		}
	}
	if females < 4700 || females > 5300 {
		t.Errorf("expected roughly half female, got %d/%d", females, n)
	}
}

func TestInitialAgeWindow(t *testing.T) {
	s := NewSpawner(entropy.NewSeeded(5))
	for i := 0; i < 1000; i++ {
		age := s.InitialAge()
		if age < InitialMinAge || age >= InitialMaxAge {
			t.Fatalf("initial age out of window: %v", age)
		}
	}
}

func TestPartnershipOther(t *testing.T) {
	p := &Partnership{ID: 1, Members: [2]IndividualID{3, 4}}
	if o, ok := p.Other(3); !ok || o != 4 {
		t.Errorf("Other(3) = %d, %v", o, ok)
	}
	if o, ok := p.Other(4); !ok || o != 3 {
		t.Errorf("Other(4) = %d, %v", o, ok)
	}
	if _, ok := p.Other(5); ok {
		t.Error("Other(5) should report non-member")
	}
}
