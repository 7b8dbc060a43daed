package tasks

import "sync"

// Store holds the current snapshot for one saga run and notifies
// subscribers on every transition. Safe for concurrent use.
type Store struct {
	mu     sync.Mutex
	state  *State
	subs   map[int]func(*State)
	nextID int
}

// NewStore declares the ordered task list for the run.
func NewStore(names ...string) *Store {
	return &Store{
		state: NewState(names...),
		subs:  make(map[int]func(*State)),
	}
}

// Subscribe registers a snapshot listener. The returned function
// removes it; listeners are invoked synchronously under the store lock.
func (st *Store) Subscribe(fn func(*State)) (cancel func()) {
	st.mu.Lock()
	defer st.mu.Unlock()
	id := st.nextID
	st.nextID++
	st.subs[id] = fn
	return func() {
		st.mu.Lock()
		defer st.mu.Unlock()
		delete(st.subs, id)
	}
}

func (st *Store) apply(transition func(*State) *State) *State {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.state = transition(st.state)
	for _, fn := range st.subs {
		fn(st.state)
	}
	return st.state
}

// Start marks the task Pending and emits the new snapshot.
func (st *Store) Start(name string) *State {
	return st.apply(func(s *State) *State { return s.Start(name) })
}

// Complete marks the task Done and emits the new snapshot.
func (st *Store) Complete(name string) *State {
	return st.apply(func(s *State) *State { return s.Complete(name) })
}

// Fail marks the task Error and emits the new snapshot.
func (st *Store) Fail(name, message string) *State {
	return st.apply(func(s *State) *State { return s.Fail(name, message) })
}

// Reset returns every task to Idle and emits the new snapshot.
func (st *Store) Reset() *State {
	return st.apply(func(s *State) *State { return s.Reset() })
}

// Snapshot returns the current state.
func (st *Store) Snapshot() *State {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.state
}
