package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestInit(t *testing.T) {
	// Reset collectors for testing purposes.
	ingestPagesTotal = nil
	retrievalAnswersTotal = nil
	httpRequestsTotal = nil
	httpRequestDurationSeconds = nil

	// Call Init multiple times to test idempotency.
	Init()
	Init()

	if ingestPagesTotal == nil || retrievalAnswersTotal == nil ||
		httpRequestsTotal == nil || httpRequestDurationSeconds == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}

	ObserveIngestPage("model", "success", 1024)
	if val := testutil.ToFloat64(ingestPagesTotal); val != 1 {
		t.Errorf("Expected ingestPagesTotal to be 1, got %f", val)
	}

	ObserveCacheLookup("hit")
	if val := testutil.ToFloat64(cacheLookupsTotal); val != 1 {
		t.Errorf("Expected cacheLookupsTotal to be 1, got %f", val)
	}
}
