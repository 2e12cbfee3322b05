// Partner market: seeker queues, FIFO matching, breakups and widowhood.
package engine

import (
	"fmt"
	"log/slog"

	"github.com/talgya/kinfolk/internal/agents"
	"github.com/talgya/kinfolk/internal/entropy"
	"github.com/talgya/kinfolk/internal/population"
)

// MarketState is an individual's position in the partner market.
type MarketState int

const (
	StateChild MarketState = iota
	StateEligible
	StateSeeking
	StatePartnered
	StateElderIneligible
)

func (m MarketState) String() string {
	switch m {
	case StateChild:
		return "child"
	case StateEligible:
		return "eligible"
	case StateSeeking:
		return "seeking"
	case StatePartnered:
		return "partnered"
	case StateElderIneligible:
		return "elder"
	}
	return fmt.Sprintf("market_state(%d)", int(m))
}

// MarketStateOf derives the market state from flags and partnership.
// A partnered elder stays Partnered until the partnership ends.
func MarketStateOf(ind *agents.Individual) MarketState {
	switch {
	case ind.IsPartnered():
		return StatePartnered
	case ind.IsElder():
		return StateElderIneligible
	case ind.IsSeeking():
		return StateSeeking
	case ind.IsAdult():
		return StateEligible
	default:
		return StateChild
	}
}

// SeekerQueues holds one FIFO of seekers per sex. An ID is in at most one
// queue at a time; entries for individuals who have since died, partnered or
// aged out are tolerated and filtered before matching.
type SeekerQueues struct {
	queues [2][]agents.IndividualID // indexed by agents.Sex
	queued map[agents.IndividualID]agents.Sex
}

// NewSeekerQueues creates empty queues.
func NewSeekerQueues() *SeekerQueues {
	return &SeekerQueues{queued: make(map[agents.IndividualID]agents.Sex)}
}

// Len returns the number of live queue memberships for sex.
func (q *SeekerQueues) Len(sex agents.Sex) int {
	n := 0
	for _, s := range q.queued {
		if s == sex {
			n++
		}
	}
	return n
}

// Total returns the number of queued seekers of both sexes.
func (q *SeekerQueues) Total() int {
	return len(q.queued)
}

// Contains reports whether id currently holds a queue membership.
func (q *SeekerQueues) Contains(id agents.IndividualID) bool {
	_, ok := q.queued[id]
	return ok
}

// Snapshot returns the queue for sex in arrival order, stale entries included.
func (q *SeekerQueues) Snapshot(sex agents.Sex) []agents.IndividualID {
	out := make([]agents.IndividualID, len(q.queues[sex]))
	copy(out, q.queues[sex])
	return out
}

func (q *SeekerQueues) enqueue(id agents.IndividualID, sex agents.Sex) bool {
	if _, ok := q.queued[id]; ok {
		return false
	}
	q.queued[id] = sex
	q.queues[sex] = append(q.queues[sex], id)
	return true
}

// requeueFront puts ids back at the head of the sex's queue, keeping their
// relative order.
func (q *SeekerQueues) requeueFront(sex agents.Sex, ids []agents.IndividualID) {
	if len(ids) == 0 {
		return
	}
	front := make([]agents.IndividualID, 0, len(ids)+len(q.queues[sex]))
	for _, id := range ids {
		if _, ok := q.queued[id]; ok {
			continue
		}
		q.queued[id] = sex
		front = append(front, id)
	}
	q.queues[sex] = append(front, q.queues[sex]...)
}

// forget drops the membership. The slice entry becomes stale and is removed
// by the next purge.
func (q *SeekerQueues) forget(id agents.IndividualID) {
	delete(q.queued, id)
}

// Match is a pending pairing produced by MatchPartners.
type Match struct {
	Female agents.IndividualID
	Male   agents.IndividualID
}

// TickSeeking runs the seeking cadence: eligibility, purge, match, resolve,
// breakups, then verifies integrity.
func (s *Simulation) TickSeeking(tick uint64, dt float64) error {
	s.StartPartnerSeeking()
	matches := s.MatchPartners()
	if err := s.ResolveMatches(matches); err != nil {
		return err
	}
	if err := s.RandomBreakups(dt); err != nil {
		return err
	}
	return s.Registry.CheckIntegrity()
}

// StartPartnerSeeking enqueues every adult, non-elder, unpartnered individual
// not already seeking, in registry order. Returns how many joined.
func (s *Simulation) StartPartnerSeeking() int {
	joined := 0
	s.Registry.Each(func(ind *agents.Individual) {
		if !ind.IsAdult() || ind.IsElder() || ind.IsPartnered() || ind.IsSeeking() {
			return
		}
		if s.Market.enqueue(ind.ID, ind.Sex) {
			ind.Flags |= agents.FlagSeeking
			joined++
		}
	})
	if joined > 0 {
		slog.Debug("seekers joined market", "count", joined, "tick", s.tick)
	}
	return joined
}

// StopElderPartnerSeeking evicts an individual from the market the moment
// it becomes an elder.
func (s *Simulation) StopElderPartnerSeeking(ind *agents.Individual) {
	if !ind.IsSeeking() && !s.Market.Contains(ind.ID) {
		return
	}
	ind.Flags &^= agents.FlagSeeking
	s.Market.forget(ind.ID)
	slog.Debug("elder left partner market", "id", ind.ID, "age", ind.Age)
}

// purgeSeekers drops queue entries that can no longer be matched: dead,
// partnered, elder, or no longer holding a membership.
func (s *Simulation) purgeSeekers() {
	for sex := range s.Market.queues {
		q := s.Market.queues[sex]
		live := q[:0]
		seen := make(map[agents.IndividualID]bool, len(q))
		for _, id := range q {
			if seen[id] {
				continue
			}
			if s.seekable(id, agents.Sex(sex)) {
				seen[id] = true
				live = append(live, id)
				continue
			}
			if s.Market.Contains(id) {
				s.Market.forget(id)
				if ind, ok := s.Registry.Get(id); ok {
					ind.Flags &^= agents.FlagSeeking
				}
			}
			slog.Debug("dropped stale seeker", "id", id)
		}
		s.Market.queues[sex] = live
	}
}

func (s *Simulation) seekable(id agents.IndividualID, sex agents.Sex) bool {
	if qs, ok := s.Market.queued[id]; !ok || qs != sex {
		return false
	}
	ind, ok := s.Registry.Get(id)
	return ok && !ind.IsPartnered() && !ind.IsElder()
}

// MatchPartners purges stale entries and pairs the queues position for
// position up to the shorter length. Matched seekers leave the queues and
// stop seeking; the remainder keeps its order.
func (s *Simulation) MatchPartners() []Match {
	s.purgeSeekers()

	females := s.Market.queues[agents.SexFemale]
	males := s.Market.queues[agents.SexMale]
	n := min(len(females), len(males))
	if n == 0 {
		return nil
	}

	matches := make([]Match, n)
	for i := 0; i < n; i++ {
		matches[i] = Match{Female: females[i], Male: males[i]}
		s.Market.forget(females[i])
		s.Market.forget(males[i])
		s.stopSeeking(females[i])
		s.stopSeeking(males[i])
	}
	s.Market.queues[agents.SexFemale] = append([]agents.IndividualID(nil), females[n:]...)
	s.Market.queues[agents.SexMale] = append([]agents.IndividualID(nil), males[n:]...)
	return matches
}

// ResolveMatches binds each pending match into a partnership. A match whose
// member has since died or become unavailable is discarded, and the member
// still able to seek goes back to the front of its queue.
func (s *Simulation) ResolveMatches(matches []Match) error {
	var backF, backM []agents.IndividualID

	for _, m := range matches {
		f, fok := s.available(m.Female)
		mm, mok := s.available(m.Male)
		if fok && mok {
			p, err := s.Registry.Bind(m.Female, m.Male, s.tick, s.now)
			if err != nil {
				return fmt.Errorf("binding match: %w", err)
			}
			s.emit(PartnerFormedEvent(m.Female, m.Male, p.ID))
			continue
		}

		slog.Debug("discarded stale match", "female", m.Female, "male", m.Male)
		if fok {
			f.Flags |= agents.FlagSeeking
			backF = append(backF, m.Female)
		}
		if mok {
			mm.Flags |= agents.FlagSeeking
			backM = append(backM, m.Male)
		}
	}

	s.Market.requeueFront(agents.SexFemale, backF)
	s.Market.requeueFront(agents.SexMale, backM)
	return nil
}

func (s *Simulation) stopSeeking(id agents.IndividualID) {
	if ind, ok := s.Registry.Get(id); ok {
		ind.Flags &^= agents.FlagSeeking
	}
}

// available returns the individual if it is alive, single and not an elder.
func (s *Simulation) available(id agents.IndividualID) (*agents.Individual, bool) {
	ind, ok := s.Registry.Get(id)
	if !ok || ind.IsPartnered() || ind.IsElder() {
		return nil, false
	}
	return ind, true
}

// RandomBreakups dissolves each partnership with probability
// 1 − exp(−dt·breakup_rate). Both former partners re-enter the market at
// the next eligibility pass.
func (s *Simulation) RandomBreakups(dt float64) error {
	p := Hazard(dt, s.Params.BreakupRate)
	if p <= 0 {
		return nil
	}
	for _, rel := range s.Registry.Partnerships() {
		if !entropy.Bernoulli(s.rng, p) {
			continue
		}
		rec, cleared := s.Registry.Dissolve(rel.ID)
		if rec == nil {
			return &population.InvariantError{Record: "partnership", ID: uint64(rel.ID), Detail: "vanished during breakup pass"}
		}
		for _, id := range cleared {
			s.singleAgain(id)
		}
		s.emit(BreakupEvent(rec.Members[0], rec.Members[1], rec.ID))
	}
	return nil
}

// resolveRemovals handles widowhood for every partnership invalidated by a
// removal. Each relationship is dissolved exactly once even when both
// members died in the same pass; Widowed is only emitted for a survivor.
func (s *Simulation) resolveRemovals(removals []population.Removal) error {
	done := make(map[agents.PartnershipID]bool)
	for _, rem := range removals {
		s.Market.forget(rem.Individual.ID)
		pid := rem.Partnership
		if pid == agents.NoPartnership || done[pid] {
			continue
		}
		done[pid] = true

		rec, cleared := s.Registry.Dissolve(pid)
		if rec == nil {
			return &population.InvariantError{
				Record: "individual",
				ID:     uint64(rem.Individual.ID),
				Detail: fmt.Sprintf("removed with unknown partnership %d", pid),
			}
		}
		for _, survivor := range cleared {
			deceased, _ := rec.Other(survivor)
			s.singleAgain(survivor)
			s.emit(WidowedEvent(survivor, deceased, rec.ID))
			slog.Debug("individual widowed", "survivor", survivor, "deceased", deceased)
		}
	}
	return nil
}

// singleAgain resets an individual whose partnership just ended. Any
// in-flight gestation ends with the partnership.
func (s *Simulation) singleAgain(id agents.IndividualID) {
	ind, ok := s.Registry.Get(id)
	if !ok {
		return
	}
	ind.Flags &^= agents.FlagSeeking
	if ind.Gestation != nil {
		ind.Gestation = nil
		slog.Debug("gestation ended with partnership", "id", id)
	}
}
