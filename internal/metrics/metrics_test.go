package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMustRegister(t *testing.T) {
	reg := prometheus.NewRegistry()
	MustRegister(reg)

	// Registering twice must panic (duplicate collectors)
	defer func() {
		if r := recover(); r == nil {
			t.Error("expected panic on duplicate registration")
		}
	}()
	MustRegister(reg)
}

func TestRecordDelivery(t *testing.T) {
	before := testutil.ToFloat64(DeliveriesTotal.WithLabelValues("succeeded", "worker"))
	RecordDelivery("succeeded", "worker", 120*time.Millisecond)
	after := testutil.ToFloat64(DeliveriesTotal.WithLabelValues("succeeded", "worker"))
	if after != before+1 {
		t.Errorf("DeliveriesTotal{succeeded,worker} = %v, want %v", after, before+1)
	}
}

func TestRecordRetry(t *testing.T) {
	before := testutil.ToFloat64(RetriesTotal.WithLabelValues("http_5xx"))
	RecordRetry("http_5xx")
	after := testutil.ToFloat64(RetriesTotal.WithLabelValues("http_5xx"))
	if after != before+1 {
		t.Errorf("RetriesTotal{http_5xx} = %v, want %v", after, before+1)
	}
}

func TestUpdateBacklog(t *testing.T) {
	UpdateBacklog("0", 42)
	if got := testutil.ToFloat64(QueueBacklog.WithLabelValues("0")); got != 42 {
		t.Errorf("QueueBacklog{0} = %v, want 42", got)
	}
	UpdateBacklog("0", 0)
	if got := testutil.ToFloat64(QueueBacklog.WithLabelValues("0")); got != 0 {
		t.Errorf("QueueBacklog{0} = %v, want 0", got)
	}
}

func TestRecordBreakerTransition(t *testing.T) {
	before := testutil.ToFloat64(BreakerTransitionsTotal.WithLabelValues("closed", "open"))
	RecordBreakerTransition("closed", "open")
	after := testutil.ToFloat64(BreakerTransitionsTotal.WithLabelValues("closed", "open"))
	if after != before+1 {
		t.Errorf("BreakerTransitionsTotal{closed,open} = %v, want %v", after, before+1)
	}
}
