// Lifecycle events: what the core tells the outside world each tick.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/talgya/kinfolk/internal/agents"
)

// EventKind names a lifecycle event.
type EventKind string

const (
	EventBirth         EventKind = "birth"
	EventDeath         EventKind = "death"
	EventPartnerFormed EventKind = "partner_formed"
	EventBreakup       EventKind = "breakup"
	EventWidowed       EventKind = "widowed"
)

// EventKinds lists every kind in a stable order.
var EventKinds = []EventKind{EventBirth, EventDeath, EventPartnerFormed, EventBreakup, EventWidowed}

// Event is a notable occurrence in the population. Which fields are set
// depends on Kind:
//
//	birth           Subject=child, Mother (optional)
//	death           Subject=individual, Age
//	partner_formed  Subject, Other, Relationship
//	breakup         Subject, Other, Relationship
//	widowed         Subject=survivor, Other=deceased, Relationship
type Event struct {
	Kind         EventKind            `json:"kind"`
	Tick         uint64               `json:"tick"`
	Time         float64              `json:"time"` // Simulated years since start
	Subject      agents.IndividualID  `json:"subject"`
	Other        agents.IndividualID  `json:"other,omitempty"`
	Relationship agents.PartnershipID `json:"relationship,omitempty"`
	Age          float64              `json:"age,omitempty"`
	Mother       *agents.IndividualID `json:"mother,omitempty"`
}

func BirthEvent(child agents.IndividualID, mother *agents.IndividualID) Event {
	ev := Event{Kind: EventBirth, Subject: child}
	if mother != nil {
		m := *mother
		ev.Mother = &m
	}
	return ev
}

func DeathEvent(id agents.IndividualID, age float64) Event {
	return Event{Kind: EventDeath, Subject: id, Age: age}
}

func PartnerFormedEvent(a, b agents.IndividualID, rel agents.PartnershipID) Event {
	return Event{Kind: EventPartnerFormed, Subject: a, Other: b, Relationship: rel}
}

func BreakupEvent(a, b agents.IndividualID, rel agents.PartnershipID) Event {
	return Event{Kind: EventBreakup, Subject: a, Other: b, Relationship: rel}
}

func WidowedEvent(survivor, deceased agents.IndividualID, rel agents.PartnershipID) Event {
	return Event{Kind: EventWidowed, Subject: survivor, Other: deceased, Relationship: rel}
}

// Description renders the event as a human-readable line.
func (e Event) Description() string {
	switch e.Kind {
	case EventBirth:
		if e.Mother != nil {
			return fmt.Sprintf("#%d was born to #%d", e.Subject, *e.Mother)
		}
		return fmt.Sprintf("#%d joined the population", e.Subject)
	case EventDeath:
		return fmt.Sprintf("#%d died at %.1f", e.Subject, e.Age)
	case EventPartnerFormed:
		return fmt.Sprintf("#%d and #%d formed partnership %d", e.Subject, e.Other, e.Relationship)
	case EventBreakup:
		return fmt.Sprintf("#%d and #%d broke up (partnership %d)", e.Subject, e.Other, e.Relationship)
	case EventWidowed:
		return fmt.Sprintf("#%d was widowed by the death of #%d", e.Subject, e.Other)
	}
	return string(e.Kind)
}

// Record returns the export columns for the event's kind. IDs are 64-bit
// integers; an absent mother is null.
func (e Event) Record() map[string]any {
	rec := map[string]any{
		"kind": string(e.Kind),
		"tick": e.Tick,
		"time": e.Time,
	}
	switch e.Kind {
	case EventBirth:
		rec["child"] = uint64(e.Subject)
		if e.Mother != nil {
			rec["mother"] = uint64(*e.Mother)
		} else {
			rec["mother"] = nil
		}
	case EventDeath:
		rec["individual"] = uint64(e.Subject)
		rec["age"] = e.Age
	case EventPartnerFormed, EventBreakup:
		rec["a"] = uint64(e.Subject)
		rec["b"] = uint64(e.Other)
		rec["relationship"] = uint64(e.Relationship)
	case EventWidowed:
		rec["survivor"] = uint64(e.Subject)
		rec["deceased"] = uint64(e.Other)
		rec["relationship"] = uint64(e.Relationship)
	}
	return rec
}

// Batch is the ordered set of events produced by one engine step.
type Batch struct {
	Tick   uint64  `json:"tick"`
	Time   float64 `json:"time"`
	Events []Event `json:"events"`
}

// Sink consumes event batches. Sinks are called outside the simulation lock,
// in registration order, once per step.
type Sink interface {
	WriteBatch(ctx context.Context, b Batch) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, b Batch) error

func (f SinkFunc) WriteBatch(ctx context.Context, b Batch) error { return f(ctx, b) }

// EventLog tallies every event kind over a run.
type EventLog struct {
	mu     sync.Mutex
	counts map[EventKind]int
	last   uint64
}

// NewEventLog creates an empty tally.
func NewEventLog() *EventLog {
	return &EventLog{counts: make(map[EventKind]int)}
}

// WriteBatch adds the batch to the tally.
func (l *EventLog) WriteBatch(_ context.Context, b Batch) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range b.Events {
		l.counts[e.Kind]++
	}
	l.last = b.Tick
	return nil
}

// Count returns how many events of kind were seen.
func (l *EventLog) Count(kind EventKind) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.counts[kind]
}

// Counts returns a copy of all tallies.
func (l *EventLog) Counts() map[EventKind]int {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[EventKind]int, len(l.counts))
	for k, v := range l.counts {
		out[k] = v
	}
	return out
}

// LogSummary writes the end-of-run tally.
func (l *EventLog) LogSummary() {
	counts := l.Counts()
	l.mu.Lock()
	last := l.last
	l.mu.Unlock()

	kinds := make([]string, 0, len(counts))
	for k := range counts {
		kinds = append(kinds, string(k))
	}
	sort.Strings(kinds)

	args := []any{"last_tick", last}
	for _, k := range kinds {
		args = append(args, k, counts[EventKind(k)])
	}
	slog.Info("event summary", args...)
}
