package engine

// StopCondition is polled once per step, after the step's events have been
// flushed. Returning true ends the run.
type StopCondition func(elapsed float64, s *Simulation) bool

// AfterYears stops once the given number of simulated years has elapsed.
func AfterYears(years float64) StopCondition {
	return func(elapsed float64, _ *Simulation) bool {
		return elapsed >= years-timeEpsilon
	}
}

// WhenExtinct stops once nobody is left alive.
func WhenExtinct() StopCondition {
	return func(_ float64, s *Simulation) bool {
		return s.Registry.Len() == 0
	}
}

// AnyOf stops as soon as any of conds does. Nil conditions are ignored.
func AnyOf(conds ...StopCondition) StopCondition {
	return func(elapsed float64, s *Simulation) bool {
		for _, c := range conds {
			if c != nil && c(elapsed, s) {
				return true
			}
		}
		return false
	}
}
