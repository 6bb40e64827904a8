package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func delta(t *testing.T, collector prometheus.Collector, observe func()) float64 {
	t.Helper()

	before := testutil.ToFloat64(collector)
	observe()
	after := testutil.ToFloat64(collector)
	return after - before
}

func TestStoreRecords(t *testing.T) {
	m := NewStore()
	start := time.Now().Add(-time.Second)

	if inc := delta(t, storeWriteTotal.WithLabelValues("success"), func() {
		m.ObserveWrite(nil, 10, 1024, start)
	}); inc != 1 {
		t.Fatalf("expected store write counter increment, got %v", inc)
	}

	if errInc := delta(t, storeWriteTotal.WithLabelValues("error"), func() {
		m.ObserveWrite(errors.New("boom"), 0, 0, start)
	}); errInc != 1 {
		t.Fatalf("expected store write error counter increment, got %v", errInc)
	}
}

func TestRPCClientRecords(t *testing.T) {
	m := NewRPCClient()
	start := time.Now().Add(-time.Millisecond)

	if inc := delta(t, rpcRequestsTotal.WithLabelValues("get_block", "success"), func() {
		m.Observe("get_block", nil, start)
	}); inc != 1 {
		t.Fatalf("expected rpc counter increment, got %v", inc)
	}

	if inc := delta(t, rpcRetriesTotal.WithLabelValues("get_block"), func() {
		m.ObserveRetry("get_block")
	}); inc != 1 {
		t.Fatalf("expected rpc retry counter increment, got %v", inc)
	}
}

func TestPipelineAndWriterRecords(t *testing.T) {
	p := NewPipeline()
	start := time.Now()

	if inc := delta(t, pipelineQuarantinedTotal, func() {
		p.ObserveQuarantine()
	}); inc != 1 {
		t.Fatalf("expected quarantine counter increment, got %v", inc)
	}
	p.ObserveBlock(nil, start)
	p.ObserveRetry()

	w := NewWriter()
	if inc := delta(t, invariantViolationsTotal.WithLabelValues("INV-4"), func() {
		w.ObserveInvariantViolation("INV-4")
	}); inc != 1 {
		t.Fatalf("expected invariant counter increment, got %v", inc)
	}
	w.ObserveApply(nil, start)
	w.ObserveRollback(nil)
	w.SetSyncHeight(123)

	if got := testutil.ToFloat64(writerSyncHeight); got != 123 {
		t.Fatalf("expected sync height gauge 123, got %v", got)
	}
}

func TestLiveRecords(t *testing.T) {
	m := NewLive()

	if inc := delta(t, liveReorgsTotal.WithLabelValues("deep"), func() {
		m.ObserveReorg(101, false)
	}); inc != 1 {
		t.Fatalf("expected deep reorg counter increment, got %v", inc)
	}
	m.ObserveReorg(3, true)
	m.ObservePoll(nil)
	m.ObserveCatchup(5)
	m.SetNetworkHeight(1000)

	if got := testutil.ToFloat64(liveNetworkHeight); got != 1000 {
		t.Fatalf("expected network height gauge 1000, got %v", got)
	}
}
