// Package state defines the store collaborator contract the resilience layer
// observes and mutates. The subsystem is otherwise store-agnostic: anything
// exposing GetState/SetState/Subscribe can be protected.
package state

import "sync"

// State is the application state shape: a bag of namespaced values.
type State = map[string]any

// Store is the consumed collaborator contract.
type Store interface {
	// GetState returns a copy of the current state.
	GetState() State
	// SetState shallow-merges partial into the current state and notifies
	// subscribers.
	SetState(partial State)
	// ReplaceState swaps the entire state and notifies subscribers.
	ReplaceState(next State)
	// Subscribe registers a listener invoked after every mutation. The
	// returned function removes the listener.
	Subscribe(listener func(State)) (unsubscribe func())
}

// MemoryStore is an in-memory Store used as the reference implementation and
// as the isolated fake in tests.
type MemoryStore struct {
	mu        sync.Mutex
	state     State
	listeners map[int]func(State)
	nextID    int
}

// NewMemoryStore returns a store seeded with initial (may be nil).
func NewMemoryStore(initial State) *MemoryStore {
	s := &MemoryStore{
		state:     State{},
		listeners: make(map[int]func(State)),
	}
	for k, v := range initial {
		s.state[k] = v
	}
	return s
}

// GetState returns a shallow copy so callers cannot mutate shared state.
func (s *MemoryStore) GetState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyState(s.state)
}

// SetState shallow-merges partial into the current state.
func (s *MemoryStore) SetState(partial State) {
	s.mu.Lock()
	for k, v := range partial {
		s.state[k] = v
	}
	snapshot := copyState(s.state)
	listeners := s.currentListeners()
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(snapshot)
	}
}

// ReplaceState swaps the entire state.
func (s *MemoryStore) ReplaceState(next State) {
	s.mu.Lock()
	s.state = copyState(next)
	snapshot := copyState(s.state)
	listeners := s.currentListeners()
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(snapshot)
	}
}

// Subscribe registers a mutation listener.
func (s *MemoryStore) Subscribe(listener func(State)) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = listener
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

// currentListeners snapshots the listener set. Notification order is not
// guaranteed; callers must not depend on it.
func (s *MemoryStore) currentListeners() []func(State) {
	out := make([]func(State), 0, len(s.listeners))
	for _, fn := range s.listeners {
		out = append(out, fn)
	}
	return out
}

func copyState(in State) State {
	out := make(State, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
