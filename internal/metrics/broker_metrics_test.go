package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordEnqueuedSetsDepth(t *testing.T) {
	before := testutil.ToFloat64(CommandsEnqueuedTotal.WithLabelValues("metrics-test"))

	RecordEnqueued("metrics-test", 4)

	if got := testutil.ToFloat64(QueueDepth.WithLabelValues("metrics-test")); got != 4 {
		t.Fatalf("queue depth = %v, want 4", got)
	}
	if got := testutil.ToFloat64(CommandsEnqueuedTotal.WithLabelValues("metrics-test")); got != before+1 {
		t.Fatalf("enqueued = %v, want %v", got, before+1)
	}
}

func TestRecordDispatchedUpdatesDepth(t *testing.T) {
	RecordDispatched("metrics-test-2", 0)

	if got := testutil.ToFloat64(QueueDepth.WithLabelValues("metrics-test-2")); got != 0 {
		t.Fatalf("queue depth = %v, want 0", got)
	}
}

func TestRecordExecute(t *testing.T) {
	before := testutil.ToFloat64(ExecuteOutcomesTotal.WithLabelValues("success"))

	RecordExecute("success", 150*time.Millisecond)

	if got := testutil.ToFloat64(ExecuteOutcomesTotal.WithLabelValues("success")); got != before+1 {
		t.Fatalf("execute outcomes = %v, want %v", got, before+1)
	}
}
