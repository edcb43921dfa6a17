package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSetMasterStateActivatesOnlyOneLabel(t *testing.T) {
	SetMasterState("STARTED")

	if got := testutil.ToFloat64(MasterState.WithLabelValues("STARTED")); got != 1 {
		t.Errorf("MasterState{STARTED} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(MasterState.WithLabelValues("INIT")); got != 0 {
		t.Errorf("MasterState{INIT} = %v, want 0", got)
	}

	SetMasterState("INIT")
	if got := testutil.ToFloat64(MasterState.WithLabelValues("STARTED")); got != 0 {
		t.Errorf("MasterState{STARTED} after switch = %v, want 0", got)
	}
	if got := testutil.ToFloat64(MasterState.WithLabelValues("INIT")); got != 1 {
		t.Errorf("MasterState{INIT} after switch = %v, want 1", got)
	}
}

func TestRecordWorkerGood(t *testing.T) {
	RecordWorkerGood(7, true)
	if got := testutil.ToFloat64(WorkersGood.WithLabelValues(shardLabel(7))); got != 1 {
		t.Errorf("WorkersGood{shard=7} = %v, want 1", got)
	}

	RecordWorkerGood(7, false)
	if got := testutil.ToFloat64(WorkersGood.WithLabelValues(shardLabel(7))); got != 0 {
		t.Errorf("WorkersGood{shard=7} = %v, want 0", got)
	}
}

func TestRecordWriteRequestPushedIncrementsCounter(t *testing.T) {
	before := testutil.ToFloat64(WriteRequestsPushed.WithLabelValues(shardLabel(3), boolLabel(false)))
	RecordWriteRequestPushed(3, false, 128)
	after := testutil.ToFloat64(WriteRequestsPushed.WithLabelValues(shardLabel(3), boolLabel(false)))
	if after != before+1 {
		t.Errorf("WriteRequestsPushed{shard=3} = %v, want %v", after, before+1)
	}
}

func TestBoolLabel(t *testing.T) {
	if boolLabel(true) != "true" || boolLabel(false) != "false" {
		t.Errorf("boolLabel() mismapped")
	}
}
