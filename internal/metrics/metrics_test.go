package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollectorRecordsDeliveryMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := New(reg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	c.Submitted(true)
	c.Submitted(true)
	c.Submitted(false)
	c.Transition("delivered")
	c.SendAttempt("radio-1", "transient", 2*time.Second)
	c.SetInterfaceUp("radio-1", true)
	c.SetConsumers("radio-1", 2)
	c.ReassemblyOutcome("expired", 3)
	c.ReassemblyOutcome("complete", 0)
	c.SetNodesOnline(5)

	if got := testutil.ToFloat64(c.Submissions.WithLabelValues("accepted")); got != 2 {
		t.Fatalf("accepted submissions = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.Submissions.WithLabelValues("rejected")); got != 1 {
		t.Fatalf("rejected submissions = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.SendAttempts.WithLabelValues("radio-1", "transient")); got != 1 {
		t.Fatalf("send attempts = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.InterfaceUp.WithLabelValues("radio-1")); got != 1 {
		t.Fatalf("interface_up = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.Consumers.WithLabelValues("radio-1")); got != 2 {
		t.Fatalf("interface_consumers = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.Reassembly.WithLabelValues("expired")); got != 3 {
		t.Fatalf("reassembly expired = %v, want 3", got)
	}
	if got := testutil.ToFloat64(c.NodesOnline); got != 5 {
		t.Fatalf("nodes_online = %v, want 5", got)
	}
}

func TestNewReusesAlreadyRegisteredCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := New(reg)
	if err != nil {
		t.Fatalf("first New: %v", err)
	}
	second, err := New(reg)
	if err != nil {
		t.Fatalf("second New: %v", err)
	}

	first.Transition("failed")
	if got := testutil.ToFloat64(second.Transitions.WithLabelValues("failed")); got != 1 {
		t.Fatalf("expected shared counter, got %v", got)
	}
}

func TestNilCollectorIsNoop(t *testing.T) {
	var c *Collector
	c.Submitted(true)
	c.Transition("queued")
	c.SendAttempt("radio-1", "ok", time.Second)
	c.SetInterfaceUp("radio-1", false)
	c.SetConsumers("radio-1", 0)
	c.ReassemblyOutcome("complete", 1)
	c.SetNodesOnline(1)
}

func TestHandlerServesRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := New(reg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c.Transition("queued")

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `meshbot_message_transitions_total{status="queued"} 1`) {
		t.Fatalf("metrics output missing transition counter:\n%s", rec.Body.String())
	}
}
