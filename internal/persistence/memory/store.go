// Package memory provides an in-memory implementation of store.Backend used for
// tests and ephemeral environments.
package memory

import (
	"context"
	"sync"

	"github.com/jacentio/waybill/store"
)

// Compile-time contract assertion ensuring memory.Store adheres to the backend interface.
var _ store.Backend = (*Store)(nil)

type state struct {
	counters  map[store.CounterName]uint64
	products  map[uint64]store.Product
	steps     map[uint64]store.SupplyStep
	liveUntil uint64
}

func newState() state {
	return state{
		counters: make(map[store.CounterName]uint64),
		products: make(map[uint64]store.Product),
		steps:    make(map[uint64]store.SupplyStep),
	}
}

// clone copies the maps; records are plain values so a shallow copy per entry suffices.
func (s state) clone() state {
	c := state{
		counters:  make(map[store.CounterName]uint64, len(s.counters)),
		products:  make(map[uint64]store.Product, len(s.products)),
		steps:     make(map[uint64]store.SupplyStep, len(s.steps)),
		liveUntil: s.liveUntil,
	}
	for k, v := range s.counters {
		c.counters[k] = v
	}
	for k, v := range s.products {
		c.products[k] = v
	}
	for k, v := range s.steps {
		c.steps[k] = v
	}
	return c
}

// Store keeps every record in process memory. Update serializes writers on a
// private copy; Views share the committed state.
type Store struct {
	mu    sync.RWMutex
	state state
}

// NewStore constructs an empty in-memory store.
func NewStore() *Store {
	return &Store{state: newState()}
}

// Update applies fn to a private copy of the state and swaps it in when fn succeeds.
func (s *Store) Update(_ context.Context, fn func(store.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &transaction{state: s.state.clone()}
	if err := fn(tx); err != nil {
		return err
	}
	s.state = tx.state
	return nil
}

// View executes fn against the live state under the read lock. Writers wait
// until fn returns; the read-only transaction never mutates the maps.
func (s *Store) View(_ context.Context, fn func(store.Tx) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return fn(&transaction{state: s.state, readOnly: true})
}

// Close drops all records.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = newState()
	return nil
}

type transaction struct {
	state    state
	readOnly bool
}

func (tx *transaction) Counter(name store.CounterName) (uint64, error) {
	return tx.state.counters[name], nil
}

func (tx *transaction) SetCounter(name store.CounterName, value uint64) error {
	if tx.readOnly {
		return store.ErrReadOnly
	}
	tx.state.counters[name] = value
	return nil
}

func (tx *transaction) Product(id uint64) (store.Product, bool, error) {
	p, ok := tx.state.products[id]
	return p, ok, nil
}

func (tx *transaction) PutProduct(p store.Product) error {
	if tx.readOnly {
		return store.ErrReadOnly
	}
	if p.ID == 0 {
		return store.ErrInvalidID
	}
	tx.state.products[p.ID] = p
	return nil
}

func (tx *transaction) Step(id uint64) (store.SupplyStep, bool, error) {
	s, ok := tx.state.steps[id]
	return s, ok, nil
}

func (tx *transaction) PutStep(s store.SupplyStep) error {
	if tx.readOnly {
		return store.ErrReadOnly
	}
	if s.ID == 0 {
		return store.ErrInvalidID
	}
	if _, exists := tx.state.steps[s.ID]; exists {
		return store.ErrAlreadyExists
	}
	tx.state.steps[s.ID] = s
	return nil
}

func (tx *transaction) ExtendRetention(now uint64, r store.Retention) error {
	if tx.readOnly {
		return store.ErrReadOnly
	}
	if next, changed := r.Extend(now, tx.state.liveUntil); changed {
		tx.state.liveUntil = next
	}
	return nil
}

func (tx *transaction) LiveUntil() (uint64, error) {
	return tx.state.liveUntil, nil
}
