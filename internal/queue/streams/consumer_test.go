package streams

import (
	"context"
	"testing"
)

func TestLagMetricsRequiresGroup(t *testing.T) {
	c := NewConsumer(nil, "", "worker-1")
	if _, err := c.LagMetrics(context.Background(), "cycle.enqueued"); err == nil {
		t.Fatal("expected error for unconfigured group")
	}
}

func TestLagMetricsRequiresStream(t *testing.T) {
	c := NewConsumer(nil, "insight-workers", "worker-1")
	if _, err := c.LagMetrics(context.Background(), ""); err == nil {
		t.Fatal("expected error for missing stream name")
	}
}
