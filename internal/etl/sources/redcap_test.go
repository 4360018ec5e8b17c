package sources_test

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"datacore/internal/apperr"
	"datacore/internal/blob"
	"datacore/internal/etl"
	"datacore/internal/etl/sources"
	"datacore/internal/redcap"
)

// fakeAPI serves rows from memory and records which pages were requested.
type fakeAPI struct {
	mu       sync.Mutex
	ids      []string
	rows     map[string]*etl.OrderedRecord
	pages    [][]string
	failPage map[string]error // first id of a page → error
	fileErr  error
}

func (f *fakeAPI) ListRecordIDs(ctx context.Context) ([]string, error) {
	return append([]string(nil), f.ids...), nil
}

func (f *fakeAPI) ExportRecords(ctx context.Context, ids []string) ([]*etl.OrderedRecord, error) {
	f.mu.Lock()
	f.pages = append(f.pages, append([]string(nil), ids...))
	f.mu.Unlock()
	if err := f.failPage[ids[0]]; err != nil {
		return nil, err
	}
	out := make([]*etl.OrderedRecord, 0, len(ids))
	for _, id := range ids {
		out = append(out, f.rows[id])
	}
	return out, nil
}

func (f *fakeAPI) ExportFile(ctx context.Context, recordID, field string) (*redcap.File, error) {
	if f.fileErr != nil {
		return nil, f.fileErr
	}
	return &redcap.File{Name: "consent.pdf", ContentType: "application/pdf", Data: []byte("%PDF " + recordID)}, nil
}

func row(kv ...string) *etl.OrderedRecord {
	r := etl.NewOrderedRecord()
	for i := 0; i+1 < len(kv); i += 2 {
		r.Set(kv[i], kv[i+1])
	}
	return r
}

func newFake(n int) *fakeAPI {
	f := &fakeAPI{rows: map[string]*etl.OrderedRecord{}, failPage: map[string]error{}}
	for i := 1; i <= n; i++ {
		id := string(rune('0' + i))
		f.ids = append(f.ids, id)
		f.rows[id] = row("record_id", id, "aspirin___1", "1", "aspirin___2", "0", "was_this_woman_on_aspirin", "1", "consent", "")
	}
	return f
}

func collect(t *testing.T, src etl.Source, cfg etl.SourceConfig) []etl.Record {
	t.Helper()
	ctx := context.Background()
	_, err := src.Discover(ctx, cfg)
	require.NoError(t, err)
	recCh, errCh := src.Read(ctx, cfg)
	var out []etl.Record
	for r := range recCh {
		out = append(out, r)
	}
	require.NoError(t, <-errCh)
	return out
}

func TestRedcap_ResumeFetchesOnlyMissingIDs(t *testing.T) {
	api := newFake(4)
	src := sources.NewRedcap(api, sources.RedcapOptions{Project: "tsepamo_2", PageSize: 1})

	recs := collect(t, src, etl.SourceConfig{etl.ConfigExcludeIDs: []string{"1", "2"}})
	require.Len(t, recs, 2)
	assert.Equal(t, [][]string{{"3"}, {"4"}}, api.pages)
	assert.Equal(t, "3", recs[0].RecordID())
	assert.Equal(t, "4", recs[1].RecordID())
}

func TestRedcap_FoldsChoicesAndRemaps(t *testing.T) {
	api := newFake(2)
	src := sources.NewRedcap(api, sources.RedcapOptions{
		Project: "tsepamo_3",
		Remap:   map[string]string{"was_this_woman_on_aspirin": "was_this_woman_aspirin"},
	})

	recs := collect(t, src, etl.SourceConfig{})
	require.Len(t, recs, 2)
	assert.Equal(t, [][]string{{"1", "2"}}, api.pages)

	data := recs[0].Data
	assert.Equal(t, "1", data["aspirin"])
	assert.Equal(t, "1", data["was_this_woman_aspirin"])
	assert.NotContains(t, data, "was_this_woman_on_aspirin")
	assert.NotContains(t, data, "aspirin___1")
}

func TestRedcap_TransientPageBecomesWarning(t *testing.T) {
	api := newFake(3)
	api.failPage["2"] = &apperr.TransientSourceError{Op: "record", Status: 503, Attempts: 10}
	src := sources.NewRedcap(api, sources.RedcapOptions{Project: "tsepamo_4", PageSize: 1})

	recs := collect(t, src, etl.SourceConfig{})
	assert.Len(t, recs, 2)
	require.Len(t, src.Warnings(), 1)
	assert.Contains(t, src.Warnings()[0], "page 2..2 skipped")
}

func TestRedcap_PermanentErrorAborts(t *testing.T) {
	api := newFake(2)
	api.failPage["1"] = &redcap.StatusError{Status: 403, Body: "forbidden"}
	src := sources.NewRedcap(api, sources.RedcapOptions{Project: "tsepamo_4", PageSize: 1})

	recCh, errCh := src.Read(context.Background(), etl.SourceConfig{})
	for range recCh {
	}
	err := <-errCh
	require.Error(t, err)
	var se *redcap.StatusError
	assert.True(t, errors.As(err, &se))
}

func TestRedcap_DownloadsFileFields(t *testing.T) {
	api := newFake(1)
	api.rows["1"] = row("record_id", "1", "consent", "consent.pdf")
	blobs := blob.NewMemory()
	src := sources.NewRedcap(api, sources.RedcapOptions{
		Project:    "tsepamo_2",
		Blobs:      blobs,
		FileFields: []string{"consent"},
	})

	recs := collect(t, src, etl.SourceConfig{})
	require.Len(t, recs, 1)
	key := "redcap/tsepamo_2/1/consent/consent.pdf"
	assert.Equal(t, key, recs[0].Data["consent"])

	info, rc, err := blobs.Get(context.Background(), key)
	require.NoError(t, err)
	defer rc.Close()
	b, _ := io.ReadAll(rc)
	assert.Equal(t, "%PDF 1", string(b))
	assert.Equal(t, "application/pdf", info.ContentType)
}

func TestRedcap_FailedDownloadLeavesFieldUnset(t *testing.T) {
	api := newFake(1)
	api.rows["1"] = row("record_id", "1", "consent", "consent.pdf")
	api.fileErr = errors.New("boom")
	src := sources.NewRedcap(api, sources.RedcapOptions{
		Project:    "tsepamo_2",
		Blobs:      blob.NewMemory(),
		FileFields: []string{"consent"},
	})

	recs := collect(t, src, etl.SourceConfig{})
	require.Len(t, recs, 1)
	assert.NotContains(t, recs[0].Data, "consent")
	require.Len(t, src.Warnings(), 1)
	assert.Contains(t, src.Warnings()[0], "record 1: file consent not downloaded")
}
