package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestInit(t *testing.T) {
	// Reset collectors for testing purposes.
	collectionRunsTotal = nil
	recordsSavedTotal = nil
	runDurationSeconds = nil

	// Call Init multiple times to test idempotency.
	Init()
	Init()

	if collectionRunsTotal == nil || recordsSavedTotal == nil || runDurationSeconds == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}

	ObserveRun("tx-hidalgo-assessor", "success", 3, 2*time.Second)
	if val := testutil.ToFloat64(collectionRunsTotal); val != 1 {
		t.Errorf("Expected collectionRunsTotal to be 1, got %f", val)
	}
	if val := testutil.ToFloat64(recordsSavedTotal); val != 3 {
		t.Errorf("Expected recordsSavedTotal to be 3, got %f", val)
	}
}
