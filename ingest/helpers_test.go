package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := OpenDB(DriverSQLite, filepath.Join(t.TempDir(), "facility.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = CloseDB(db) })
	return db
}

// registryServer answers every request with fn(query) and counts requests.
func registryServer(t *testing.T, fn func(q url.Values) (int, string)) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		status, body := fn(r.URL.Query())
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func childcareItem(i int) map[string]any {
	return map[string]any{
		"stcode":       fmt.Sprintf("C%05d", i),
		"crname":       fmt.Sprintf("어린이집 %d", i),
		"crstatusname": "정상",
		"crcapat":      "50",
		"crchcnt":      "40",
	}
}

// childcarePage renders a data.go.kr style envelope holding items.
func childcarePage(items []map[string]any) string {
	var inner any = ""
	if len(items) > 0 {
		list := make([]any, len(items))
		for i, it := range items {
			list[i] = it
		}
		inner = map[string]any{"item": list}
	}
	b, _ := json.Marshal(map[string]any{
		"response": map[string]any{
			"header": map[string]any{"resultCode": "00", "resultMsg": "NORMAL SERVICE."},
			"body":   map[string]any{"items": inner, "numOfRows": len(items)},
		},
	})
	return string(b)
}

func childcareItems(from, n int) []map[string]any {
	out := make([]map[string]any, n)
	for i := range out {
		out[i] = childcareItem(from + i)
	}
	return out
}

func kinderPage(items []map[string]any) string {
	b, _ := json.Marshal(map[string]any{"status": "SUCCESS", "kinderInfo": items})
	return string(b)
}

// recordingReconciler keeps every record it is handed.
type recordingReconciler struct {
	mu      sync.Mutex
	records []*Record
	failAt  int // 1-based call number that fails; 0 never fails
}

func (r *recordingReconciler) Reconcile(_ context.Context, rec *Record) (Outcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failAt > 0 && len(r.records)+1 == r.failAt {
		return Outcome{}, persistErr("insert facility", fmt.Errorf("disk full"))
	}
	r.records = append(r.records, rec)
	return Outcome{Upserted: 1, Changed: 1}, nil
}

func (r *recordingReconciler) all() []*Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Record(nil), r.records...)
}

func childcareConfig(endpoint string) SourceConfig {
	return SourceConfig{Endpoint: endpoint, Credential: "svc-key", PageSize: DefaultPageSize}
}

func testLogger() zerolog.Logger { return zerolog.Nop() }
