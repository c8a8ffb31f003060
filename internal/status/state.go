package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/huddle/internal/bus"
)

// State is the client-visible lifecycle state of a message.
type State string

const (
	Sending State = "SENDING"
	Sent    State = "SENT"
	Failed  State = "FAILED"
	Edited  State = "EDITED"
	Deleted State = "DELETED"
)

// validTransitions defines allowed state transitions. Deleted is terminal.
// Failed only leaves through an explicit re-send.
var validTransitions = map[State][]State{
	Sending: {Sent, Failed},
	Sent:    {Edited, Deleted},
	Edited:  {Edited, Deleted},
	Failed:  {Sending},
	Deleted: {},
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to State) bool {
	return slices.Contains(validTransitions[from], to)
}

// Machine tracks and enforces message lifecycle transitions for the messages
// of the open conversation.
type Machine struct {
	mu     sync.RWMutex
	states map[string]State
	bus    *bus.Bus
}

// NewMachine creates an empty machine.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		states: make(map[string]State),
		bus:    b,
	}
}

// Current returns the state of a message and whether it is tracked.
func (m *Machine) Current(id string) (State, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.states[id]
	return s, ok
}

// Track registers a message in the given state without a transition check.
// Used when a message enters the view from a snapshot or a remote insert.
func (m *Machine) Track(id string, s State) {
	m.mu.Lock()
	m.states[id] = s
	m.mu.Unlock()
}

// Transition attempts to move a tracked message to a new state.
func (m *Machine) Transition(id string, to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	from, ok := m.states[id]
	if !ok {
		return fmt.Errorf("message %s is not tracked", id)
	}
	if !CanTransition(from, to) {
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	m.states[id] = to
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      bus.MessageStateChanged,
			Timestamp: time.Now(),
			Payload: StatusChange{
				MessageID: id,
				From:      from,
				To:        to,
			},
		})
	}
	return nil
}

// Rekey moves the state of a pending message from its client id to the
// id assigned by the remote store.
func (m *Machine) Rekey(oldID, newID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.states[oldID]; ok {
		delete(m.states, oldID)
		m.states[newID] = s
	}
}

// Forget stops tracking a message.
func (m *Machine) Forget(id string) {
	m.mu.Lock()
	delete(m.states, id)
	m.mu.Unlock()
}

// Reset drops every tracked message. Called on conversation switch.
func (m *Machine) Reset() {
	m.mu.Lock()
	m.states = make(map[string]State)
	m.mu.Unlock()
}

// StatusChange is the payload for message state change events.
type StatusChange struct {
	MessageID string
	From      State
	To        State
}
