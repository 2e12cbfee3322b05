package entropy_test

import (
	"sync"
	"testing"

	"github.com/talgya/kinfolk/internal/entropy"
	"github.com/talgya/kinfolk/internal/entropy/entropytest"
)

func TestSeededIsDeterministic(t *testing.T) {
	a := entropy.NewSeeded(42)
	b := entropy.NewSeeded(42)
	for i := 0; i < 100; i++ {
		if x, y := a.Float64(), b.Float64(); x != y {
			t.Fatalf("draw %d differs: %v vs %v", i, x, y)
		}
	}
}

func TestCryptoRange(t *testing.T) {
	c := entropy.NewCrypto()
	for i := 0; i < 1000; i++ {
		v := c.Float64()
		if v < 0 || v >= 1 {
			t.Fatalf("value out of range: %v", v)
		}
	}
}

func TestFromSeed(t *testing.T) {
	if _, ok := entropy.FromSeed(0).(*entropy.Crypto); !ok {
		t.Error("expected crypto source for seed 0")
	}
	if _, ok := entropy.FromSeed(7).(*entropy.Seeded); !ok {
		t.Error("expected seeded source for non-zero seed")
	}
}

func TestBernoulli(t *testing.T) {
	f := &entropytest.Fixed{Values: []float64{0.2, 0.8}}
	if !entropy.Bernoulli(f, 0.5) {
		t.Error("0.2 < 0.5 should succeed")
	}
	if entropy.Bernoulli(f, 0.5) {
		t.Error("0.8 < 0.5 should fail")
	}
	if entropy.Bernoulli(f, 0) {
		t.Error("zero probability must never succeed")
	}
	// The zero-probability roll must not consume a draw.
	if got := f.Float64(); got != 0.2 {
		t.Errorf("expected sequence to resume at 0.2, got %v", got)
	}
}

func TestSeededConcurrentDraws(t *testing.T) {
	s := entropy.NewSeeded(5)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				if v := s.Float64(); v < 0 || v >= 1 {
					t.Errorf("value out of range: %v", v)
					return
				}
			}
		}()
	}
	wg.Wait()
}
