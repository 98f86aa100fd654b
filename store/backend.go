package store

import "context"

// Tx is a unit of work against one store instance. It is only valid inside the
// callback passed to Backend.Update or Backend.View.
type Tx interface {
	// Counter returns the current value of a counter, 0 if it was never set.
	Counter(name CounterName) (uint64, error)

	// SetCounter records a new counter value.
	SetCounter(name CounterName, value uint64) error

	// Product looks up a product by id.
	Product(id uint64) (Product, bool, error)

	// PutProduct writes p under p.ID.
	PutProduct(p Product) error

	// Step looks up a supply step by id.
	Step(id uint64) (SupplyStep, bool, error)

	// PutStep appends s under s.ID. Steps are never overwritten.
	PutStep(s SupplyStep) error

	// ExtendRetention pushes the instance horizon out per r, as of ledger time now.
	ExtendRetention(now uint64, r Retention) error

	// LiveUntil returns the instance horizon, 0 if it was never extended.
	LiveUntil() (uint64, error)
}

// Backend provides transactional access to the entity store.
type Backend interface {
	// Update runs fn in a read-write transaction. Writes become visible only if fn
	// returns nil and the commit succeeds.
	Update(ctx context.Context, fn func(Tx) error) error

	// View runs fn in a read-only transaction.
	View(ctx context.Context, fn func(Tx) error) error

	// Close releases the backend's resources.
	Close() error
}
