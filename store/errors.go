package store

import "errors"

var (
	// ErrNotFound is returned when a referenced product doesn't exist.
	ErrNotFound = errors.New("waybill: entity not found")

	// ErrAlreadyExists is returned when writing a supply step id that is already recorded.
	ErrAlreadyExists = errors.New("waybill: entity already exists")

	// ErrConcurrentModification is returned when a commit lost a race with another writer.
	ErrConcurrentModification = errors.New("waybill: entity was modified concurrently")

	// ErrReadOnly is returned when a write is attempted inside View.
	ErrReadOnly = errors.New("waybill: write in read-only transaction")

	// ErrInvalidID is returned when a record is written with the reserved id 0.
	ErrInvalidID = errors.New("waybill: id 0 is reserved")
)
