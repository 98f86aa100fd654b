// Package store provides the entity store for waybill: products, supply steps,
// id counters and the retention horizon of one instance.
//
// Every backend implements [Backend]. Work runs inside a transaction callback and
// commits atomically: either all writes of an operation become visible or none do.
//
//	err := backend.Update(ctx, func(tx store.Tx) error {
//	    n, err := tx.Counter(store.CounterProducts)
//	    if err != nil {
//	        return err
//	    }
//	    ...
//	})
//
// [Store] is the DynamoDB backend. All records of an instance live in a single
// partition ("waybill#<instance>") and every written item is pinned to the version
// it was read at, so concurrent writers lose with [ErrConcurrentModification]
// instead of reusing an id.
//
// # Retention
//
// Each write extends the instance horizon per [Retention]. DynamoDB items carry the
// horizon in the "ttl" attribute and are evicted by the table's TTL sweep. Items
// whose TTL has passed are treated as absent even before the sweep removes them.
// Older items are caught up by [Store.PropagateRetention], driven from the stream handler.
//
// # Errors
//
//   - [ErrNotFound] - product or step doesn't exist
//   - [ErrAlreadyExists] - a step with that id was already written
//   - [ErrConcurrentModification] - optimistic lock failed
//   - [ErrReadOnly] - write attempted inside View
//   - [ErrInvalidID] - id 0 is reserved for the sentinel
package store
