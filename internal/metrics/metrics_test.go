package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/sempervigil/sempervigil/internal/model"
)

func TestInitIsIdempotent(t *testing.T) {
	Init()
	Init()

	if jobsTotal == nil || jobDurationSeconds == nil || activeWorkers == nil {
		t.Fatal("Init() did not initialize collectors")
	}
}

func TestQueueObserverCounts(t *testing.T) {
	obs := NewQueueObserver()

	before := testutil.ToFloat64(jobsTotal.WithLabelValues("cve_sync", "succeeded"))
	obs.JobStarted("cve_sync")
	obs.JobFinished("cve_sync", model.JobStatusSucceeded, 2*time.Second)

	after := testutil.ToFloat64(jobsTotal.WithLabelValues("cve_sync", "succeeded"))
	if after != before+1 {
		t.Errorf("jobsTotal = %f; want %f", after, before+1)
	}
	if gauge := testutil.ToFloat64(activeWorkers); gauge != 0 {
		t.Errorf("activeWorkers = %f; want 0", gauge)
	}
}

func TestObserveLLMRun(t *testing.T) {
	Init()

	before := testutil.ToFloat64(llmRunsTotal.WithLabelValues("gpt-x", "error"))
	ObserveLLMRun("gpt-x", false, 800*time.Millisecond)

	after := testutil.ToFloat64(llmRunsTotal.WithLabelValues("gpt-x", "error"))
	if after != before+1 {
		t.Errorf("llmRunsTotal = %f; want %f", after, before+1)
	}
}
