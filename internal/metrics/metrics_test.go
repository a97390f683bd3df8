package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/treesync/treesync/internal/mirror/schema"
	mirrorsync "github.com/treesync/treesync/internal/mirror/sync"
)

func scrape(t *testing.T) string {
	t.Helper()

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("scrape returned %d", rec.Code)
	}
	body, _ := io.ReadAll(rec.Body)
	return string(body)
}

func TestRecordSync(t *testing.T) {
	RecordSync("metrics-test", &mirrorsync.SyncResult{
		FilesAdded: 3,
		FilesMoved: 1,
		Duration:   20 * time.Millisecond,
		Skipped:    []string{"locked"},
	}, nil)
	RecordSync("metrics-test", nil, errors.New("root gone"))

	out := scrape(t)
	for _, want := range []string{
		`treesync_sync_runs_total{project="metrics-test",status="success"} 1`,
		`treesync_sync_runs_total{project="metrics-test",status="error"} 1`,
		`treesync_sync_changes_total{change="file_added",project="metrics-test"} 3`,
		`treesync_sync_changes_total{change="file_moved",project="metrics-test"} 1`,
		`treesync_sync_skipped_paths_total{project="metrics-test"} 1`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("scrape output missing %q", want)
		}
	}
	if strings.Contains(out, `change="file_deleted",project="metrics-test"`) {
		t.Error("zero-valued change should not be recorded")
	}
}

func TestSetQueueCounts(t *testing.T) {
	SetQueueCounts(schema.QueueCounts{Pending: 7, Failed: 2})

	out := scrape(t)
	for _, want := range []string{
		`treesync_queue_entries{status="pending"} 7`,
		`treesync_queue_entries{status="processing"} 0`,
		`treesync_queue_entries{status="failed"} 2`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("scrape output missing %q", want)
		}
	}
}

func TestMiddleware(t *testing.T) {
	h := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/teapot", nil))

	if out := scrape(t); !strings.Contains(out, `treesync_http_requests_total{method="GET",path="/teapot",status="418"} 1`) {
		t.Error("request was not counted")
	}
}
