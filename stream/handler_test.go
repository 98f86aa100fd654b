package stream_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/aws/aws-lambda-go/events"

	"github.com/jacentio/waybill/store"
	"github.com/jacentio/waybill/stream"
)

type propagateCall struct {
	partition string
	ttl       int64
}

type fakePropagator struct {
	calls   []propagateCall
	updated int
	err     error
}

func (f *fakePropagator) PropagateRetention(_ context.Context, partition string, ttl int64) (int, error) {
	f.calls = append(f.calls, propagateCall{partition, ttl})
	return f.updated, f.err
}

var _ stream.Propagator = (*store.Store)(nil)

func retentionRecord(eventName, oldHorizon, newHorizon string) events.DynamoDBEventRecord {
	record := events.DynamoDBEventRecord{
		EventID:   "evt-1",
		EventName: eventName,
		Change: events.DynamoDBStreamRecord{
			Keys: map[string]events.DynamoDBAttributeValue{
				"pk": events.NewStringAttribute("waybill#default"),
				"sk": events.NewStringAttribute("retention"),
			},
			NewImage: map[string]events.DynamoDBAttributeValue{
				"live_until": events.NewNumberAttribute(newHorizon),
				"ttl":        events.NewNumberAttribute(newHorizon),
			},
		},
	}
	if oldHorizon != "" {
		record.Change.OldImage = map[string]events.DynamoDBAttributeValue{
			"live_until": events.NewNumberAttribute(oldHorizon),
			"ttl":        events.NewNumberAttribute(oldHorizon),
		}
	}
	return record
}

func TestNewHandler(t *testing.T) {
	// Test with nil store and logger (should not panic)
	h := stream.NewHandler(nil, nil)
	if h == nil {
		t.Fatal("expected non-nil Handler")
	}
}

func TestNewHandler_WithStore(t *testing.T) {
	s := store.New(nil, store.DefaultConfig())
	h := stream.NewHandler(s, nil)
	if h == nil {
		t.Fatal("expected non-nil Handler with store")
	}
}

func TestHandler_HandleStream_EmptyEvent(t *testing.T) {
	h := stream.NewHandler(nil, nil)
	event := events.DynamoDBEvent{
		Records: []events.DynamoDBEventRecord{},
	}

	// Empty event should not error
	if err := h.HandleStream(context.Background(), event); err != nil {
		t.Errorf("expected no error for empty event, got %v", err)
	}
}

func TestHandler_HandleStream_FirstRetentionInsert(t *testing.T) {
	p := &fakePropagator{updated: 2}
	h := stream.NewHandler(p, nil)

	event := events.DynamoDBEvent{Records: []events.DynamoDBEventRecord{
		retentionRecord("INSERT", "", "6000"),
	}}
	if err := h.HandleStream(context.Background(), event); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if len(p.calls) != 1 {
		t.Fatalf("expected 1 propagation, got %d", len(p.calls))
	}
	// Default slack is the default retention threshold
	if p.calls[0].partition != "waybill#default" || p.calls[0].ttl != 11000 {
		t.Errorf("unexpected propagation %+v", p.calls[0])
	}
}

func TestHandler_HandleStream_RetentionExtended(t *testing.T) {
	p := &fakePropagator{}
	h := stream.NewHandler(p, nil).WithSlack(100)

	event := events.DynamoDBEvent{Records: []events.DynamoDBEventRecord{
		retentionRecord("MODIFY", "6000", "7000"),
	}}
	if err := h.HandleStream(context.Background(), event); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(p.calls) != 1 || p.calls[0].ttl != 7100 {
		t.Errorf("expected propagation to 7100, got %+v", p.calls)
	}
}

func TestHandler_HandleStream_HorizonBelowPropagatedTTL(t *testing.T) {
	p := &fakePropagator{}
	h := stream.NewHandler(p, nil)

	// Writes one second apart each move the horizon; none passes the propagated ttl
	var records []events.DynamoDBEventRecord
	for _, step := range [][2]string{{"6000", "6001"}, {"6001", "6002"}, {"6002", "11000"}} {
		record := retentionRecord("MODIFY", step[0], step[1])
		record.Change.NewImage["propagated_until"] = events.NewNumberAttribute("11000")
		records = append(records, record)
	}
	if err := h.HandleStream(context.Background(), events.DynamoDBEvent{Records: records}); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(p.calls) != 0 {
		t.Errorf("expected no propagation, got %+v", p.calls)
	}

	// The first horizon past it propagates again
	next := retentionRecord("MODIFY", "11000", "11001")
	next.Change.NewImage["propagated_until"] = events.NewNumberAttribute("11000")
	if err := h.HandleStream(context.Background(), events.DynamoDBEvent{Records: []events.DynamoDBEventRecord{next}}); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(p.calls) != 1 || p.calls[0].ttl != 16001 {
		t.Errorf("expected propagation to 16001, got %+v", p.calls)
	}
}

func TestHandler_WithSlack_IgnoresNegative(t *testing.T) {
	p := &fakePropagator{}
	h := stream.NewHandler(p, nil).WithSlack(-1)

	event := events.DynamoDBEvent{Records: []events.DynamoDBEventRecord{
		retentionRecord("INSERT", "", "6000"),
	}}
	if err := h.HandleStream(context.Background(), event); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(p.calls) != 1 || p.calls[0].ttl != 11000 {
		t.Errorf("expected default slack, got %+v", p.calls)
	}
}

func TestHandler_HandleStream_RetentionUnchanged(t *testing.T) {
	p := &fakePropagator{}
	h := stream.NewHandler(p, nil)

	event := events.DynamoDBEvent{Records: []events.DynamoDBEventRecord{
		retentionRecord("MODIFY", "6000", "6000"),
	}}
	if err := h.HandleStream(context.Background(), event); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(p.calls) != 0 {
		t.Errorf("expected no propagation, got %+v", p.calls)
	}
}

func TestHandler_HandleStream_ProductAndStepRecordsDoNotPropagate(t *testing.T) {
	p := &fakePropagator{}
	h := stream.NewHandler(p, nil)

	event := events.DynamoDBEvent{Records: []events.DynamoDBEventRecord{
		{
			EventName: "MODIFY",
			Change: events.DynamoDBStreamRecord{
				Keys: map[string]events.DynamoDBAttributeValue{
					"pk": events.NewStringAttribute("waybill#default"),
					"sk": events.NewStringAttribute("product#00000000000000000001"),
				},
				OldImage: map[string]events.DynamoDBAttributeValue{
					"ttl": events.NewNumberAttribute("6000"),
				},
				NewImage: map[string]events.DynamoDBAttributeValue{
					"ttl": events.NewNumberAttribute("9000"),
				},
			},
		},
	}}
	if err := h.HandleStream(context.Background(), event); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(p.calls) != 0 {
		t.Errorf("expected only the retention marker to trigger propagation, got %+v", p.calls)
	}
}

func TestHandler_HandleStream_PropagationErrorStopsBatch(t *testing.T) {
	p := &fakePropagator{err: errors.New("throttled")}
	h := stream.NewHandler(p, nil)

	event := events.DynamoDBEvent{Records: []events.DynamoDBEventRecord{
		retentionRecord("MODIFY", "6000", "7000"),
		retentionRecord("MODIFY", "7000", "8000"),
	}}
	err := h.HandleStream(context.Background(), event)
	if err == nil || !strings.Contains(err.Error(), "throttled") {
		t.Fatalf("expected propagation error, got %v", err)
	}
	if len(p.calls) != 1 {
		t.Errorf("expected batch to stop after first failure, got %d calls", len(p.calls))
	}
}

func TestHandler_HandleStream_LogsEvictions(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	h := stream.NewHandler(&fakePropagator{}, logger)

	event := events.DynamoDBEvent{Records: []events.DynamoDBEventRecord{
		{
			EventName:    "REMOVE",
			UserIdentity: &events.DynamoDBUserIdentity{Type: "Service", PrincipalID: "dynamodb.amazonaws.com"},
			Change: events.DynamoDBStreamRecord{
				Keys: map[string]events.DynamoDBAttributeValue{
					"pk": events.NewStringAttribute("waybill#default"),
					"sk": events.NewStringAttribute("step#00000000000000000004"),
				},
			},
		},
		{
			EventName: "REMOVE",
			Change: events.DynamoDBStreamRecord{
				Keys: map[string]events.DynamoDBAttributeValue{
					"pk": events.NewStringAttribute("waybill#default"),
					"sk": events.NewStringAttribute("product#00000000000000000002"),
				},
			},
		},
	}}
	if err := h.HandleStream(context.Background(), event); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, `"msg":"record expired"`) || !strings.Contains(out, `"id":4`) {
		t.Errorf("expected expiry log for step 4, got %s", out)
	}
	if !strings.Contains(out, `"msg":"record deleted outside retention"`) {
		t.Errorf("expected warning for manual delete, got %s", out)
	}
}

func TestHandler_HandleStream_TTLOnlyProductModifyNotLogged(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	h := stream.NewHandler(&fakePropagator{}, logger)

	image := func(ttl string) map[string]events.DynamoDBAttributeValue {
		return map[string]events.DynamoDBAttributeValue{
			"status":           events.NewStringAttribute("In Transit"),
			"current_location": events.NewStringAttribute("Dock"),
			"timestamp":        events.NewNumberAttribute("1100"),
			"ttl":              events.NewNumberAttribute(ttl),
		}
	}
	event := events.DynamoDBEvent{Records: []events.DynamoDBEventRecord{
		{
			EventName: "MODIFY",
			Change: events.DynamoDBStreamRecord{
				Keys: map[string]events.DynamoDBAttributeValue{
					"pk": events.NewStringAttribute("waybill#default"),
					"sk": events.NewStringAttribute("product#00000000000000000001"),
				},
				OldImage: image("6000"),
				NewImage: image("11000"),
			},
		},
	}}
	if err := h.HandleStream(context.Background(), event); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if strings.Contains(buf.String(), "custody changed") {
		t.Errorf("expected no custody log for a ttl-only rewrite, got %s", buf.String())
	}
}

func TestHandler_HandleStream_LogsBatchSummary(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	h := stream.NewHandler(&fakePropagator{updated: 5}, logger)

	event := events.DynamoDBEvent{Records: []events.DynamoDBEventRecord{
		retentionRecord("MODIFY", "6000", "7000"),
		retentionRecord("MODIFY", "7000", "7000"),
	}}
	if err := h.HandleStream(context.Background(), event); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, `"msg":"stream batch processed"`) {
		t.Fatalf("expected batch summary, got %s", out)
	}
	for _, field := range []string{`"records":2`, `"propagations":1`, `"itemsUpdated":5`} {
		if !strings.Contains(out, field) {
			t.Errorf("expected %s in batch summary, got %s", field, out)
		}
	}
}
