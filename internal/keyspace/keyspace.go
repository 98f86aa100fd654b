// Package keyspace derives the storage keys for counters, products, supply steps
// and the retention marker of a single store instance.
package keyspace

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind identifies the record family a sort key belongs to.
type Kind string

const (
	KindCounter   Kind = "counter"
	KindProduct   Kind = "product"
	KindStep      Kind = "step"
	KindRetention Kind = "retention"
)

const (
	partitionPrefix = "waybill#"
	sep             = "#"

	// idWidth is wide enough for any uint64 so lexical order matches numeric order.
	idWidth = 20
)

// Partition computes the partition key shared by every record of an instance.
func Partition(instance string) string {
	return partitionPrefix + instance
}

// Instance recovers the instance name from a partition key.
// Returns false if the key was not produced by Partition.
func Instance(partition string) (string, bool) {
	if !strings.HasPrefix(partition, partitionPrefix) {
		return "", false
	}
	return partition[len(partitionPrefix):], true
}

// CounterKey computes the sort key of a named counter.
func CounterKey(name string) string {
	return string(KindCounter) + sep + name
}

// ProductKey computes the sort key of a product record.
func ProductKey(id uint64) string {
	return fmt.Sprintf("%s%s%0*d", KindProduct, sep, idWidth, id)
}

// StepKey computes the sort key of a supply step record.
func StepKey(id uint64) string {
	return fmt.Sprintf("%s%s%0*d", KindStep, sep, idWidth, id)
}

// RetentionKey is the sort key of the instance retention marker.
func RetentionKey() string {
	return string(KindRetention)
}

// Parse splits a sort key into its kind and numeric id.
// Counter keys return id 0 and their name; the retention key returns id 0 and "".
func Parse(sortKey string) (kind Kind, id uint64, name string, ok bool) {
	if sortKey == RetentionKey() {
		return KindRetention, 0, "", true
	}
	prefix, rest, found := strings.Cut(sortKey, sep)
	if !found || rest == "" {
		return "", 0, "", false
	}
	switch Kind(prefix) {
	case KindCounter:
		return KindCounter, 0, rest, true
	case KindProduct, KindStep:
		n, err := strconv.ParseUint(rest, 10, 64)
		if err != nil {
			return "", 0, "", false
		}
		return Kind(prefix), n, "", true
	}
	return "", 0, "", false
}
