package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordSyncCountsOnlySuccessfulRuns(t *testing.T) {
	before := testutil.ToFloat64(syncEntriesTotal.WithLabelValues("created"))
	failedBefore := testutil.ToFloat64(syncRunsTotal.WithLabelValues("error"))

	RecordSync(3, 1, 2, time.Millisecond, true)
	RecordSync(10, 10, 10, time.Millisecond, false)

	if got := testutil.ToFloat64(syncEntriesTotal.WithLabelValues("created")) - before; got != 3 {
		t.Errorf("expected 3 created, got %v", got)
	}
	if got := testutil.ToFloat64(syncRunsTotal.WithLabelValues("error")) - failedBefore; got != 1 {
		t.Errorf("expected 1 failed run, got %v", got)
	}
}

func TestRecordWebhookStatus(t *testing.T) {
	before := testutil.ToFloat64(webhookDeliveriesTotal.WithLabelValues("deleted", "error"))
	RecordWebhook("deleted", time.Millisecond, false)
	if got := testutil.ToFloat64(webhookDeliveriesTotal.WithLabelValues("deleted", "error")) - before; got != 1 {
		t.Errorf("expected 1 failed delivery, got %v", got)
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	RecordDelete(2, 1, true)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "fileserver_deleted_entries_total") {
		t.Error("expected deleted entries counter in exposition")
	}
}
