// Package population owns every individual and partnership record and keeps
// the references between them consistent.
package population

import (
	"fmt"
	"sort"

	"github.com/talgya/kinfolk/internal/agents"
)

// InvariantError reports a broken referential invariant. It is a programming
// contract failure: the tick that hits it must abort.
type InvariantError struct {
	Record string // "individual" or "partnership"
	ID     uint64
	Detail string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("invariant violated: %s %d: %s", e.Record, e.ID, e.Detail)
}

func individualErr(id agents.IndividualID, format string, args ...any) *InvariantError {
	return &InvariantError{Record: "individual", ID: uint64(id), Detail: fmt.Sprintf(format, args...)}
}

func partnershipErr(id agents.PartnershipID, format string, args ...any) *InvariantError {
	return &InvariantError{Record: "partnership", ID: uint64(id), Detail: fmt.Sprintf(format, args...)}
}

// Removal describes what a removed individual left behind. A non-zero
// Partnership names a record that now references a missing member and must
// be dissolved before the tick ends.
type Removal struct {
	Individual  *agents.Individual
	Partnership agents.PartnershipID
}

// Registry is an index-stable arena of individuals and partnerships.
// Handles are stable integers; partners refer to each other only through
// partnership IDs. It is not safe for concurrent use.
type Registry struct {
	individuals map[agents.IndividualID]*agents.Individual
	order       []agents.IndividualID // insertion order, may hold removed IDs
	stale       int

	partnerships    map[agents.PartnershipID]*agents.Partnership
	nextPartnership agents.PartnershipID
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		individuals:     make(map[agents.IndividualID]*agents.Individual),
		partnerships:    make(map[agents.PartnershipID]*agents.Partnership),
		nextPartnership: 1,
	}
}

// Insert registers a new individual. Inserting a nil record, a zero ID, an
// ID already present, or an individual carrying a partnership is a contract
// failure.
func (r *Registry) Insert(ind *agents.Individual) error {
	if ind == nil {
		return &InvariantError{Record: "individual", Detail: "nil insert"}
	}
	if ind.ID == 0 {
		return individualErr(ind.ID, "zero id")
	}
	if _, exists := r.individuals[ind.ID]; exists {
		return individualErr(ind.ID, "already registered")
	}
	if ind.IsPartnered() {
		return individualErr(ind.ID, "inserted with partnership %d", ind.Partnership)
	}
	r.individuals[ind.ID] = ind
	r.order = append(r.order, ind.ID)
	return nil
}

// Get looks up a living individual.
func (r *Registry) Get(id agents.IndividualID) (*agents.Individual, bool) {
	ind, ok := r.individuals[id]
	return ind, ok
}

// Alive reports whether id is currently registered.
func (r *Registry) Alive(id agents.IndividualID) bool {
	_, ok := r.individuals[id]
	return ok
}

// Len returns the number of living individuals.
func (r *Registry) Len() int {
	return len(r.individuals)
}

// IDs returns a snapshot of living IDs in insertion order. Passes that add
// or remove individuals iterate over this snapshot.
func (r *Registry) IDs() []agents.IndividualID {
	r.compact()
	ids := make([]agents.IndividualID, len(r.order))
	copy(ids, r.order)
	return ids
}

// Each calls fn for every living individual in insertion order.
// fn must not insert or remove individuals.
func (r *Registry) Each(fn func(*agents.Individual)) {
	for _, id := range r.order {
		if ind, ok := r.individuals[id]; ok {
			fn(ind)
		}
	}
}

func (r *Registry) compact() {
	if r.stale == 0 {
		return
	}
	live := r.order[:0]
	for _, id := range r.order {
		if _, ok := r.individuals[id]; ok {
			live = append(live, id)
		}
	}
	r.order = live
	r.stale = 0
}

// Remove destroys an individual. The returned Removal names the partnership
// the individual belonged to, if any; the record is left in place for the
// caller to dissolve so that widowhood is handled exactly once.
func (r *Registry) Remove(id agents.IndividualID) (Removal, error) {
	ind, ok := r.individuals[id]
	if !ok {
		return Removal{}, individualErr(id, "remove of unknown individual")
	}
	delete(r.individuals, id)
	r.stale++
	if r.stale > len(r.order)/2 {
		r.compact()
	}
	return Removal{Individual: ind, Partnership: ind.Partnership}, nil
}

// Bind creates a partnership between two living, unpartnered, distinct
// individuals and points both at it.
func (r *Registry) Bind(a, b agents.IndividualID, tick uint64, at float64) (*agents.Partnership, error) {
	if a == b {
		return nil, individualErr(a, "cannot partner with itself")
	}
	ia, ok := r.individuals[a]
	if !ok {
		return nil, individualErr(a, "bind of unknown individual")
	}
	ib, ok := r.individuals[b]
	if !ok {
		return nil, individualErr(b, "bind of unknown individual")
	}
	if ia.IsPartnered() {
		return nil, individualErr(a, "already in partnership %d", ia.Partnership)
	}
	if ib.IsPartnered() {
		return nil, individualErr(b, "already in partnership %d", ib.Partnership)
	}

	p := &agents.Partnership{
		ID:        r.nextPartnership,
		Members:   [2]agents.IndividualID{a, b},
		FormedAt:  tick,
		FormedSim: at,
	}
	r.nextPartnership++
	r.partnerships[p.ID] = p
	ia.Partnership = p.ID
	ib.Partnership = p.ID
	return p, nil
}

// Dissolve destroys a partnership and clears the reference on every member
// still alive. It returns the record and the members whose reference was
// cleared. Dissolving an unknown partnership returns nil: the record is
// already gone, which makes repeated cleanup of the same relationship a no-op.
func (r *Registry) Dissolve(pid agents.PartnershipID) (*agents.Partnership, []agents.IndividualID) {
	p, ok := r.partnerships[pid]
	if !ok {
		return nil, nil
	}
	delete(r.partnerships, pid)

	var cleared []agents.IndividualID
	for _, m := range p.Members {
		if ind, ok := r.individuals[m]; ok && ind.Partnership == pid {
			ind.Partnership = agents.NoPartnership
			cleared = append(cleared, m)
		}
	}
	return p, cleared
}

// Partnership looks up a partnership record.
func (r *Registry) Partnership(pid agents.PartnershipID) (*agents.Partnership, bool) {
	p, ok := r.partnerships[pid]
	return p, ok
}

// Partnerships returns every partnership ordered by ID.
func (r *Registry) Partnerships() []*agents.Partnership {
	out := make([]*agents.Partnership, 0, len(r.partnerships))
	for _, p := range r.partnerships {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// PartnershipCount returns the number of active partnerships.
func (r *Registry) PartnershipCount() int {
	return len(r.partnerships)
}

// CheckIntegrity verifies every cross-record invariant: partnerships have
// two distinct living members that point back at them, no individual points
// at a missing or foreign partnership, and gestation is only carried by
// partnered females.
func (r *Registry) CheckIntegrity() error {
	for _, p := range r.Partnerships() {
		if p.Members[0] == p.Members[1] {
			return partnershipErr(p.ID, "members are not distinct (%d)", p.Members[0])
		}
		for _, m := range p.Members {
			ind, ok := r.individuals[m]
			if !ok {
				return partnershipErr(p.ID, "member %d is not alive", m)
			}
			if ind.Partnership != p.ID {
				return partnershipErr(p.ID, "member %d points at partnership %d", m, ind.Partnership)
			}
		}
	}
	for _, id := range r.order {
		ind, ok := r.individuals[id]
		if !ok {
			continue
		}
		if ind.IsPartnered() {
			p, ok := r.partnerships[ind.Partnership]
			if !ok {
				return individualErr(id, "points at missing partnership %d", ind.Partnership)
			}
			if !p.Includes(id) {
				return individualErr(id, "points at partnership %d it is not a member of", p.ID)
			}
		}
		if ind.IsGestating() && (ind.Sex != agents.SexFemale || !ind.IsPartnered()) {
			return individualErr(id, "gestating without being a partnered female")
		}
	}
	return nil
}
