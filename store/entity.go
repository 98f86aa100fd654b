package store

import (
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/jacentio/waybill/internal/keyspace"
)

// PK represents a DynamoDB primary key.
type PK map[string]types.AttributeValue

// Entity is implemented by every record kept in the store.
type Entity interface {
	// EntityRef returns the sort key addressing this record within its instance
	// (e.g., "product#00000000000000000001").
	EntityRef() string

	// EntityType returns the record family (e.g., "product").
	EntityType() string
}

// Status is the lifecycle state of a product.
type Status string

const (
	StatusRegistered Status = "Registered"
	StatusInTransit  Status = "In Transit"
	StatusDelivered  Status = "Delivered"
)

// NotFound is the placeholder written into every text field of the sentinel product.
const NotFound = "Not_Found"

// CanTransition reports whether a product in status s may move to next.
// Delivered is terminal; re-delivery is allowed because it only refreshes location.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusRegistered:
		return next == StatusInTransit || next == StatusDelivered
	case StatusInTransit:
		return next == StatusInTransit || next == StatusDelivered
	case StatusDelivered:
		return next == StatusDelivered
	}
	return false
}

// Terminal reports whether no further custody changes apply.
func (s Status) Terminal() bool {
	return s == StatusDelivered
}

// CounterName identifies one of the monotonic id counters.
type CounterName string

const (
	// CounterProducts indexes Product ids.
	CounterProducts CounterName = "P_COUNT"

	// CounterSteps indexes SupplyStep ids. It is global across products.
	CounterSteps CounterName = "S_COUNT"
)

// Product is the current custody state of one tracked item.
type Product struct {
	ID              uint64 `json:"product_id" dynamodbav:"product_id"`
	Name            string `json:"name" dynamodbav:"name"`
	Manufacturer    string `json:"manufacturer" dynamodbav:"manufacturer"`
	CurrentLocation string `json:"current_location" dynamodbav:"current_location"`
	Status          Status `json:"status" dynamodbav:"status"`
	Timestamp       uint64 `json:"timestamp" dynamodbav:"timestamp"`
}

func (p Product) EntityRef() string  { return keyspace.ProductKey(p.ID) }
func (p Product) EntityType() string { return string(keyspace.KindProduct) }

// Found reports whether p is a real record rather than the sentinel.
func (p Product) Found() bool { return p.ID != 0 }

// NotFoundProduct returns the sentinel product handed out for unknown ids.
// It is never persisted.
func NotFoundProduct() Product {
	return Product{
		ID:              0,
		Name:            NotFound,
		Manufacturer:    NotFound,
		CurrentLocation: NotFound,
		Status:          Status(NotFound),
		Timestamp:       0,
	}
}

// SupplyStep is one append-only custody event.
type SupplyStep struct {
	ID        uint64 `json:"step_id" dynamodbav:"step_id"`
	ProductID uint64 `json:"product_id" dynamodbav:"product_id"`
	Location  string `json:"location" dynamodbav:"location"`
	Handler   string `json:"handler" dynamodbav:"handler"`
	Notes     string `json:"notes" dynamodbav:"notes"`
	Timestamp uint64 `json:"timestamp" dynamodbav:"timestamp"`
}

func (s SupplyStep) EntityRef() string  { return keyspace.StepKey(s.ID) }
func (s SupplyStep) EntityType() string { return string(keyspace.KindStep) }
