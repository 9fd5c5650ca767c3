package metrics

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestStartRecordsResult(t *testing.T) {
	before := testutil.ToFloat64(operationsTotal.WithLabelValues("test_op", "error"))

	_, end := Start(context.Background(), "test_op")
	err := errors.New("boom")
	end(&err)

	after := testutil.ToFloat64(operationsTotal.WithLabelValues("test_op", "error"))
	if after != before+1 {
		t.Errorf("expected error counter to advance by 1, got %v -> %v", before, after)
	}

	_, end = Start(context.Background(), "test_op")
	end(nil)
	if got := testutil.ToFloat64(operationsTotal.WithLabelValues("test_op", "ok")); got < 1 {
		t.Errorf("expected ok counter, got %v", got)
	}
}

func TestCacheHit(t *testing.T) {
	before := testutil.ToFloat64(CacheRequests.WithLabelValues("structures", "hit"))
	CacheHit("structures", "hit")
	if got := testutil.ToFloat64(CacheRequests.WithLabelValues("structures", "hit")); got != before+1 {
		t.Errorf("expected %v, got %v", before+1, got)
	}
}
