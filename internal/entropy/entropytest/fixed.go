// Package entropytest provides random sources for tests that need to force
// a particular outcome.
package entropytest

// Fixed replays a fixed sequence of values, cycling when exhausted.
type Fixed struct {
	Values []float64
	next   int
}

// Float64 returns the next value in the sequence.
func (f *Fixed) Float64() float64 {
	if len(f.Values) == 0 {
		return 0
	}
	v := f.Values[f.next%len(f.Values)]
	f.next++
	return v
}
