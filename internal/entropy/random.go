// Package entropy provides the random sources behind every stochastic roll
// in the simulation: sex at birth, conception, breakups.
// Seeded runs are reproducible; unseeded runs draw from crypto/rand.
package entropy

import (
	"crypto/rand"
	"encoding/binary"
	mrand "math/rand"
	"sync"
)

// Source yields uniform floats in [0, 1).
type Source interface {
	Float64() float64
}

// Seeded is a deterministic source. Two Seeded sources with the same seed
// produce the same sequence. It is safe for concurrent use.
type Seeded struct {
	mu  sync.Mutex
	rng *mrand.Rand
}

// NewSeeded creates a deterministic source from seed.
func NewSeeded(seed int64) *Seeded {
	return &Seeded{rng: mrand.New(mrand.NewSource(seed))}
}

// Float64 returns the next float in [0, 1).
func (s *Seeded) Float64() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Float64()
}

// Crypto draws from crypto/rand. It is safe for concurrent use.
type Crypto struct {
	mu sync.Mutex
}

// NewCrypto returns a crypto-backed source for unseeded runs.
func NewCrypto() *Crypto {
	return &Crypto{}
}

// Float64 returns a random float in [0, 1).
func (c *Crypto) Float64() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return cryptoRandFloat()
}

// FromSeed returns a Seeded source for a non-zero seed, or a Crypto source
// when seed is zero.
func FromSeed(seed int64) Source {
	if seed == 0 {
		return NewCrypto()
	}
	return NewSeeded(seed)
}

// Bernoulli reports whether a roll against src succeeds with probability p.
// p <= 0 never succeeds and does not consume a draw.
func Bernoulli(src Source, p float64) bool {
	if p <= 0 {
		return false
	}
	return src.Float64() < p
}

// cryptoRandFloat generates a random float64 using crypto/rand.
func cryptoRandFloat() float64 {
	var buf [8]byte
	_, err := rand.Read(buf[:])
	if err != nil {
		// This should never happen but return 0.5 as a safe default.
		return 0.5
	}
	// Use only 53 bits for a uniform float64 in [0, 1).
	n := binary.LittleEndian.Uint64(buf[:]) >> 11
	return float64(n) / float64(1<<53)
}
