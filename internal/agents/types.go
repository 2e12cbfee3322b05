// Package agents provides the individual and partnership data model.
package agents

import "fmt"

// IndividualID is a stable handle for an individual. IDs are never reused.
type IndividualID uint64

// PartnershipID is a stable handle for a partnership record.
type PartnershipID uint64

// NoPartnership marks an individual without an active partnership.
const NoPartnership PartnershipID = 0

// Sex represents biological sex for demographic simulation.
type Sex uint8

const (
	SexFemale Sex = 0
	SexMale   Sex = 1
)

// String returns the lower-case name of the sex.
func (s Sex) String() string {
	switch s {
	case SexFemale:
		return "female"
	case SexMale:
		return "male"
	default:
		return fmt.Sprintf("sex(%d)", uint8(s))
	}
}

// Flags is a bitset of runtime capabilities attached to an individual.
type Flags uint8

const (
	FlagAdult   Flags = 1 << iota // Crossed the minimum partner-seeking age
	FlagElder                     // Crossed the maximum partner-seeking age
	FlagSeeking                   // Queued in the partner market
)

// Has reports whether every bit in f2 is set.
func (f Flags) Has(f2 Flags) bool { return f&f2 == f2 }

// Individual is one simulated person.
type Individual struct {
	ID  IndividualID `json:"id"`
	Age float64      `json:"age"` // Years
	Sex Sex          `json:"sex"`

	// Life stage. Adult and Elder are derived from age by the demographic
	// engine; Seeking is owned by the partner market.
	Flags Flags `json:"flags"`

	Mother      *IndividualID `json:"mother,omitempty"`
	Partnership PartnershipID `json:"partnership,omitempty"`
	Gestation   *Gestation    `json:"gestation,omitempty"`

	BornAt float64 `json:"born_at"` // Simulated years since start
}

// IsAdult reports whether the individual has reached partner-seeking age.
func (ind *Individual) IsAdult() bool { return ind.Flags.Has(FlagAdult) }

// IsElder reports whether the individual has aged out of partner seeking.
func (ind *Individual) IsElder() bool { return ind.Flags.Has(FlagElder) }

// IsSeeking reports whether the individual is queued for matching.
func (ind *Individual) IsSeeking() bool { return ind.Flags.Has(FlagSeeking) }

// IsPartnered reports whether the individual holds an active partnership.
func (ind *Individual) IsPartnered() bool { return ind.Partnership != NoPartnership }

// IsGestating reports whether a gestation record is attached.
func (ind *Individual) IsGestating() bool { return ind.Gestation != nil }

// Gestation counts down the time left until birth.
type Gestation struct {
	Remaining float64 `json:"remaining"` // Years
}

// Partnership binds exactly two distinct individuals.
type Partnership struct {
	ID        PartnershipID   `json:"id"`
	Members   [2]IndividualID `json:"members"`
	FormedAt  uint64          `json:"formed_tick"`
	FormedSim float64         `json:"formed_at"`
}

// Other returns the member that is not id, and false if id is not a member.
func (p *Partnership) Other(id IndividualID) (IndividualID, bool) {
	switch id {
	case p.Members[0]:
		return p.Members[1], true
	case p.Members[1]:
		return p.Members[0], true
	}
	return 0, false
}

// Includes reports whether id is one of the two members.
func (p *Partnership) Includes(id IndividualID) bool {
	return p.Members[0] == id || p.Members[1] == id
}
