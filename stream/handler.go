// Package stream provides the DynamoDB Streams handler for retention propagation
// and the custody audit log.
package stream

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/aws/aws-lambda-go/events"

	"github.com/jacentio/waybill/internal/keyspace"
	"github.com/jacentio/waybill/store"
)

// ttlPrincipal is the identity DynamoDB uses for deletions made by the TTL sweep.
const ttlPrincipal = "dynamodb.amazonaws.com"

// Propagator raises the TTL of every item in a partition. *store.Store implements it.
type Propagator interface {
	PropagateRetention(ctx context.Context, partition string, ttl int64) (int, error)
}

// Handler processes DynamoDB stream events.
type Handler struct {
	store  Propagator
	logger *slog.Logger
	slack  int64
}

// NewHandler creates a new stream handler. Propagation overshoots the horizon by
// the default retention threshold; see WithSlack.
func NewHandler(p Propagator, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		store:  p,
		logger: logger,
		slack:  int64(store.DefaultRetention().Threshold),
	}
}

// WithSlack sets how far past the new horizon a propagation raises item TTLs.
// A horizon that stays below the last propagated TTL needs no propagation, so
// a partition is scanned at most once per slack seconds of write activity.
func (h *Handler) WithSlack(seconds int64) *Handler {
	if seconds >= 0 {
		h.slack = seconds
	}
	return h
}

// batch tallies one HandleStream invocation for its summary log line.
type batch struct {
	propagations int
	itemsUpdated int
}

// HandleStream processes DynamoDB stream events. A retention marker whose horizon
// moved past the TTL last propagated pushes a later TTL onto every item of its
// instance, so records written before the extension are not evicted early.
// This function is designed to be used as an AWS Lambda handler.
func (h *Handler) HandleStream(ctx context.Context, event events.DynamoDBEvent) error {
	var b batch
	for _, record := range event.Records {
		if err := h.processRecord(ctx, &b, record); err != nil {
			h.logger.Error("failed to process record",
				"eventID", record.EventID,
				"error", err,
			)
			return err // Will retry, eventually DLQ
		}
	}
	h.logger.Info("stream batch processed",
		"records", len(event.Records),
		"propagations", b.propagations,
		"itemsUpdated", b.itemsUpdated,
	)
	return nil
}

// processRecord processes a single DynamoDB stream record.
func (h *Handler) processRecord(ctx context.Context, b *batch, record events.DynamoDBEventRecord) error {
	partition := getStringAttr(record.Change.Keys, "pk")
	sortKey := getStringAttr(record.Change.Keys, "sk")
	instance, ok := keyspace.Instance(partition)
	if !ok {
		return nil // Not one of ours
	}
	kind, id, _, ok := keyspace.Parse(sortKey)
	if !ok {
		return nil
	}

	if record.EventName == "REMOVE" {
		h.logEviction(record, instance, kind, id)
		return nil
	}

	switch kind {
	case keyspace.KindRetention:
		return h.propagate(ctx, b, record, partition, instance)
	case keyspace.KindProduct:
		if !custodyChanged(record) {
			return nil // TTL propagation rewrites items without touching custody
		}
		h.logger.Info("custody changed",
			"instance", instance,
			"productID", id,
			"fromStatus", getStringAttr(record.Change.OldImage, "status"),
			"toStatus", getStringAttr(record.Change.NewImage, "status"),
			"location", getStringAttr(record.Change.NewImage, "current_location"),
		)
	case keyspace.KindStep:
		if record.EventName == "INSERT" {
			h.logger.Info("supply step recorded",
				"instance", instance,
				"stepID", id,
				"productID", getNumberAttr(record.Change.NewImage, "product_id"),
				"location", getStringAttr(record.Change.NewImage, "location"),
				"handler", getStringAttr(record.Change.NewImage, "handler"),
			)
		}
	}
	return nil
}

func (h *Handler) propagate(ctx context.Context, b *batch, record events.DynamoDBEventRecord, partition, instance string) error {
	oldHorizon := getNumberAttr(record.Change.OldImage, "live_until")
	newHorizon := getNumberAttr(record.Change.NewImage, "live_until")
	propagated := getNumberAttr(record.Change.NewImage, "propagated_until")

	// Retries and the handler's own marker updates leave the horizon in place
	if newHorizon <= oldHorizon {
		return nil
	}
	// Every item already carries at least the propagated TTL
	if newHorizon <= propagated {
		return nil
	}
	if h.store == nil {
		return fmt.Errorf("retention moved to %d for %s but no store is configured", newHorizon, instance)
	}

	target := newHorizon + h.slack
	h.logger.Info("propagating retention",
		"instance", instance,
		"from", oldHorizon,
		"to", newHorizon,
		"ttl", target,
	)

	updated, err := h.store.PropagateRetention(ctx, partition, target)
	b.itemsUpdated += updated
	if err != nil {
		return fmt.Errorf("propagate retention: %w", err)
	}
	b.propagations++

	h.logger.Info("retention propagated",
		"instance", instance,
		"liveUntil", newHorizon,
		"ttl", target,
		"itemsUpdated", updated,
	)
	return nil
}

// custodyChanged reports whether a product write was a custody event rather than
// a TTL-only rewrite. A repeated delivery only moves the timestamp.
func custodyChanged(record events.DynamoDBEventRecord) bool {
	if record.EventName == "INSERT" {
		return true
	}
	oldImage, newImage := record.Change.OldImage, record.Change.NewImage
	return getStringAttr(oldImage, "status") != getStringAttr(newImage, "status") ||
		getStringAttr(oldImage, "current_location") != getStringAttr(newImage, "current_location") ||
		getNumberAttr(oldImage, "timestamp") != getNumberAttr(newImage, "timestamp")
}

// logEviction records items removed by the TTL sweep. Manual deletes are logged at warn
// because nothing in waybill deletes records.
func (h *Handler) logEviction(record events.DynamoDBEventRecord, instance string, kind keyspace.Kind, id uint64) {
	if record.UserIdentity != nil && record.UserIdentity.PrincipalID == ttlPrincipal {
		h.logger.Info("record expired",
			"instance", instance,
			"kind", string(kind),
			"id", id,
			"ttl", getNumberAttr(record.Change.OldImage, "ttl"),
		)
		return
	}
	h.logger.Warn("record deleted outside retention",
		"instance", instance,
		"kind", string(kind),
		"id", id,
	)
}

// getStringAttr extracts a string attribute from a DynamoDB stream image.
func getStringAttr(image map[string]events.DynamoDBAttributeValue, key string) string {
	if v, ok := image[key]; ok {
		if v.DataType() == events.DataTypeString {
			return v.String()
		}
	}
	return ""
}

// getNumberAttr extracts a number attribute from a DynamoDB stream image.
func getNumberAttr(image map[string]events.DynamoDBAttributeValue, key string) int64 {
	if v, ok := image[key]; ok {
		if v.DataType() == events.DataTypeNumber {
			n, _ := strconv.ParseInt(v.Number(), 10, 64)
			return n
		}
	}
	return 0
}
