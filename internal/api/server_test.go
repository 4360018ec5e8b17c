package api_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"datacore/internal/api"
	"datacore/internal/blob"
	"datacore/internal/config"
	"datacore/internal/notify"
	"datacore/internal/recordstore"
	"datacore/internal/service"
	"datacore/internal/storage"
)

type fixture struct {
	srv     *httptest.Server
	models  *recordstore.Registry
	exports *service.ExportService
}

func newFixture(t *testing.T, opts ...api.Option) *fixture {
	t.Helper()
	ctx := context.Background()
	cat, err := config.LoadCatalog("")
	require.NoError(t, err)

	store := recordstore.NewMemory()
	models := recordstore.NewRegistry()
	for _, schema := range cat.Schemas() {
		require.NoError(t, models.Add(schema, store))
	}
	require.NoError(t, models.EnsureAll(ctx))

	dir := t.TempDir()
	db, err := storage.New(filepath.Join(dir, "meta.db"), filepath.Join(dir, "data"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	catalogStore := storage.NewCatalogStore(db)
	catalog := service.NewCatalogService(catalogStore, models, zap.NewNop())
	_, err = catalog.LoadCatalog(ctx, cat.SeedProjects())
	require.NoError(t, err)

	queue := service.NewQueue(zap.NewNop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		queue.Shutdown(ctx)
	})
	exports := service.NewExportService(storage.NewExportStore(db), catalogStore, models, blob.NewMemory(),
		queue, &notify.Recorder{}, service.NoopEmitter{}, service.ExportOptions{}, zap.NewNop())

	srv := httptest.NewServer(api.New(catalog, exports, zap.NewNop(), opts...).Handler())
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, models: models, exports: exports}
}

func (f *fixture) get(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(f.srv.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, body
}

func (f *fixture) post(t *testing.T, path, body string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Post(f.srv.URL+path, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, out
}

func decodeError(t *testing.T, body []byte) api.ErrorDetail {
	t.Helper()
	var e api.ErrorBody
	require.NoError(t, json.Unmarshal(body, &e))
	return e.Error
}

// ─────────────────────────────────────────────────────────────
// Health and metrics
// ─────────────────────────────────────────────────────────────

func TestHealthz(t *testing.T) {
	f := newFixture(t, api.WithHealthCheck("metadb", func(context.Context) error { return nil }))
	resp, body := f.get(t, "/healthz")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"metadb":{"status":"healthy"`)

	f = newFixture(t, api.WithHealthCheck("redis", func(context.Context) error { return errors.New("connection refused") }))
	resp, body = f.get(t, "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Contains(t, string(body), "connection refused")
}

func TestMetrics(t *testing.T) {
	f := newFixture(t)
	resp, body := f.get(t, "/metrics")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "go_goroutines")
}

// ─────────────────────────────────────────────────────────────
// Catalog
// ─────────────────────────────────────────────────────────────

func TestProjectDetails(t *testing.T) {
	f := newFixture(t)
	m, err := f.models.Resolve("outcomesone")
	require.NoError(t, err)
	require.NoError(t, m.Store.Upsert(context.Background(), "outcomesone", "1", recordstore.Record{"outcome": "1"}))

	resp, body := f.get(t, "/api/projects/details?names=tsepamo_1,%20tsepamo_2")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got []service.ProjectDetail
	require.NoError(t, json.Unmarshal(body, &got))
	require.Len(t, got, 2)
	assert.Equal(t, "tsepamo_1", got[0].Name)
	assert.Equal(t, int64(1), got[0].Records)
	assert.Len(t, got[1].Instruments, 4)
}

func TestInstrumentDetails(t *testing.T) {
	f := newFixture(t)
	resp, body := f.get(t, "/api/instruments/details/tsepamo_1")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got []service.InstrumentDetail
	require.NoError(t, json.Unmarshal(body, &got))
	require.Len(t, got, 2)
	assert.Equal(t, "tsepamoone", got[0].ModelName)
	assert.Equal(t, "tsepamo_1", got[0].ProjectName)
}

func TestModelFieldsAndDictionary(t *testing.T) {
	f := newFixture(t)

	resp, body := f.get(t, "/api/models/outcomesone/fields")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"name":"birthweight"`)

	resp, body = f.get(t, "/api/models/outcomesone/dictionary")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Disposition"), "outcomesone_data_dictionary.csv")
	assert.True(t, strings.HasPrefix(string(body), "Form Name,Field Name"))

	resp, body = f.get(t, "/api/models/nosuch/fields")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "not_found", decodeError(t, body).Code)
}

func TestModelPreview(t *testing.T) {
	f := newFixture(t)
	m, err := f.models.Resolve("outcomesone")
	require.NoError(t, err)
	for _, id := range []string{"1", "2", "3"} {
		require.NoError(t, m.Store.Upsert(context.Background(), "outcomesone", id,
			recordstore.Record{"outcome": id, "birthweight": "3.0"}))
	}

	resp, body := f.get(t, "/api/models/outcomesone/preview?fields=outcome&limit=2")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var got service.ModelPreview
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, []string{"record_id", "outcome"}, got.Fields)
	require.Len(t, got.Records, 2)
	assert.Equal(t, recordstore.Record{"record_id": "1", "outcome": "1"}, got.Records[0])

	resp, body = f.get(t, "/api/models/outcomesone/preview?fields=nosuch")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid", decodeError(t, body).Code)

	resp, _ = f.get(t, "/api/models/outcomesone/preview?limit=abc")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

// ─────────────────────────────────────────────────────────────
// Exports
// ─────────────────────────────────────────────────────────────

func TestExportLifecycle(t *testing.T) {
	f := newFixture(t)
	m, err := f.models.Resolve("tsepamoone")
	require.NoError(t, err)
	require.NoError(t, m.Store.Upsert(context.Background(), "tsepamoone", "1", recordstore.Record{"facility": "2"}))

	resp, body := f.post(t, "/api/exports", `{"name":"weekly","models":["tsepamoone"]}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))

	var job struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(body, &job))
	assert.Equal(t, "pending", job.Status)

	require.Eventually(t, func() bool {
		_, body := f.get(t, "/api/exports/"+job.ID)
		return strings.Contains(string(body), `"status":"ready"`)
	}, 5*time.Second, 10*time.Millisecond)

	resp, body = f.get(t, "/api/exports/"+job.ID+"/download")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/csv")
	assert.Contains(t, resp.Header.Get("Content-Disposition"), "weekly-")
	assert.True(t, strings.HasPrefix(string(body), "record_id,facility"))

	resp, body = f.get(t, "/api/exports?limit=5")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), job.ID)
}

func TestExportErrors(t *testing.T) {
	f := newFixture(t)

	resp, body := f.post(t, "/api/exports", `{"name":"","models":["tsepamoone"]}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid", decodeError(t, body).Code)

	resp, body = f.post(t, "/api/exports", `{not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid", decodeError(t, body).Code)

	resp, body = f.get(t, "/api/exports/missing")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "not_found", decodeError(t, body).Code)

	resp, _ = f.get(t, "/api/exports/missing/download")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = f.get(t, "/api/exports?limit=zero")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = f.get(t, "/api/nothing-here")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "not_found", decodeError(t, body).Code)
}
