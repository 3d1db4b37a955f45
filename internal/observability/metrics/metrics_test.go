package metrics

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric/noop"
)

func TestFilterAttributesDropsForbiddenLabels(t *testing.T) {
	attrs := FilterAttributes(
		attribute.String("tier", "pro"),
		attribute.String("key_id", "456"),
		attribute.String("decision", "allowed"),
	)
	if len(attrs) != 2 {
		t.Fatalf("expected 2 attributes, got %d", len(attrs))
	}
	if attrs[0].Key != "tier" && attrs[1].Key != "tier" {
		t.Fatalf("expected tier to be retained")
	}
	if attrs[0].Key != "decision" && attrs[1].Key != "decision" {
		t.Fatalf("expected decision to be retained")
	}
}

func TestMetricsNilReceiverIsSafe(t *testing.T) {
	var m *Metrics
	ctx := context.Background()
	m.RecordEntitlementDecision(ctx, "free", false, "limit_exceeded")
	m.RecordUsage(ctx, "pro", true)
	m.RecordSubscriptionEvent(ctx, "stripe", "customer.subscription.updated", "applied")
	m.RecordKeyIssued(ctx, "dev")
}

func TestNewRegistersInstruments(t *testing.T) {
	m, err := New(Config{ServiceName: "metergate-test"}, noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m == nil {
		t.Fatal("expected metrics instance")
	}
	m.RecordUsage(context.Background(), "enterprise", false)
}
