package store

import (
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// Retention describes how far every write pushes the eviction deadline of an instance.
type Retention struct {
	// Threshold is the remaining lifetime below which a write extends the horizon.
	Threshold uint64

	// ExtendTo is the lifetime, counted from now, granted by an extension.
	ExtendTo uint64
}

// DefaultRetention extends to 5000 seconds once less than 5000 remain.
func DefaultRetention() Retention {
	return Retention{Threshold: 5000, ExtendTo: 5000}
}

// Extend computes the horizon after a write at ledger time now.
// It returns the unchanged horizon and false when the remaining lifetime already
// meets the threshold or the extension would not move the horizon forward.
func (r Retention) Extend(now, liveUntil uint64) (uint64, bool) {
	if liveUntil > now && liveUntil-now >= r.Threshold {
		return liveUntil, false
	}
	target := now + r.ExtendTo
	if target <= liveUntil {
		return liveUntil, false
	}
	return target, true
}

// IsDeleted checks if an item has an expired TTL (DynamoDB removes it lazily).
func IsDeleted(item map[string]types.AttributeValue) bool {
	return isExpiredAt(item, time.Now().Unix())
}

func isExpiredAt(item map[string]types.AttributeValue, now int64) bool {
	ttlAttr, exists := item["ttl"]
	if !exists {
		return false // No TTL = retained
	}
	ttlNum, ok := ttlAttr.(*types.AttributeValueMemberN)
	if !ok {
		return false
	}
	ttl, err := strconv.ParseInt(ttlNum.Value, 10, 64)
	if err != nil {
		return false
	}
	return ttl <= now
}

// AbsentCondition returns the condition expression for creating an item.
// An item whose TTL already passed counts as absent.
func AbsentCondition() string {
	return "attribute_not_exists(sk) OR #ttl <= :now"
}

// StrictAbsentCondition requires that no item exists at all. It is used while the
// instance horizon is live, when a stale item ttl must not allow an overwrite.
func StrictAbsentCondition() string {
	return "attribute_not_exists(sk)"
}

// VersionCondition returns the condition expression pinning an item to the version read.
func VersionCondition() string {
	return "#version = :expected"
}

// PropagatedCondition only lets the recorded propagation of an existing marker move forward.
func PropagatedCondition() string {
	return "attribute_exists(sk) AND (attribute_not_exists(#propagated) OR #propagated < :ttl)"
}

// ExtendTTLCondition only lets a TTL move forward.
func ExtendTTLCondition() string {
	return "attribute_not_exists(#ttl) OR #ttl < :ttl"
}
