package export_test

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"datacore/internal/blob"
	"datacore/internal/domain"
	"datacore/internal/export"
	"datacore/internal/recordstore"
)

// ─────────────────────────────────────────────────────────────
// Fixtures: two models sharing record ids 1 and 2
// ─────────────────────────────────────────────────────────────

func fixture(t *testing.T) *recordstore.Registry {
	t.Helper()
	ctx := context.Background()
	store := recordstore.NewMemory()
	models := recordstore.NewRegistry()

	require.NoError(t, models.Add(&domain.ModelSchema{
		Name: "tsepamoone", Backend: domain.BackendRecords,
		Fields: []domain.FieldSpec{
			{Name: "record_id", Type: domain.FieldString},
			{Name: "site", Type: domain.FieldString, Nullable: true},
			{Name: "deliverydate", Type: domain.FieldDate, Nullable: true},
		},
	}, store))
	require.NoError(t, models.Add(&domain.ModelSchema{
		Name: "outcomesone", Backend: domain.BackendRecords,
		Fields: []domain.FieldSpec{
			{Name: "record_id", Type: domain.FieldString},
			{Name: "site", Type: domain.FieldString, Nullable: true},
			{Name: "birthweight", Type: domain.FieldDecimal, Nullable: true},
		},
	}, store))
	require.NoError(t, models.EnsureAll(ctx))

	day := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	require.NoError(t, store.Upsert(ctx, "tsepamoone", "2", recordstore.Record{"record_id": "2", "site": "gaborone", "deliverydate": day}))
	require.NoError(t, store.Upsert(ctx, "tsepamoone", "1", recordstore.Record{"record_id": "1", "site": "maun"}))
	require.NoError(t, store.Upsert(ctx, "outcomesone", "1", recordstore.Record{"record_id": "1", "site": nil, "birthweight": decimal.RequireFromString("3.25")}))
	require.NoError(t, store.Upsert(ctx, "outcomesone", "3", recordstore.Record{"record_id": "3", "site": "serowe"}))
	return models
}

// ─────────────────────────────────────────────────────────────
// Merge
// ─────────────────────────────────────────────────────────────

func TestMerge_LastWriterWinsWithoutNilOverwrite(t *testing.T) {
	models := fixture(t)

	table, err := export.Merge(context.Background(), models, export.MergeRequest{
		Models:   []string{"tsepamoone", "outcomesone"},
		PageSize: 1,
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"record_id", "site", "deliverydate", "birthweight"}, table.Header)
	require.Equal(t, 3, table.Len())

	// Query order is record_id ascending per model.
	assert.Equal(t, "1", table.Rows[0]["record_id"])
	assert.Equal(t, "2", table.Rows[1]["record_id"])
	assert.Equal(t, "3", table.Rows[2]["record_id"])

	assert.Equal(t, "maun", table.Rows[0]["site"], "nil in a later model does not overwrite")
	assert.True(t, decimal.RequireFromString("3.25").Equal(table.Rows[0]["birthweight"].(decimal.Decimal)))
	assert.Equal(t, "serowe", table.Rows[2]["site"])
}

func TestMerge_FieldsAndRecordFilter(t *testing.T) {
	models := fixture(t)

	table, err := export.Merge(context.Background(), models, export.MergeRequest{
		Models:    []string{"tsepamoone", "outcomesone"},
		Fields:    []string{"birthweight"},
		RecordIDs: []string{"1"},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"record_id", "birthweight"}, table.Header)
	require.Equal(t, 1, table.Len())
	assert.True(t, decimal.RequireFromString("3.25").Equal(table.Rows[0]["birthweight"].(decimal.Decimal)))
	require.Len(t, table.Warnings, 1)
	assert.Contains(t, table.Warnings[0], "tsepamoone")
}

func TestMerge_ModelWithoutRequestedFieldsKeepsIDs(t *testing.T) {
	models := fixture(t)

	table, err := export.Merge(context.Background(), models, export.MergeRequest{
		Models: []string{"tsepamoone", "outcomesone"},
		Fields: []string{"deliverydate"},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"record_id", "deliverydate"}, table.Header)
	assert.Equal(t, []string{"1", "2", "3"}, rowIDs(table))
	assert.Equal(t, map[string]any{"record_id": "3"}, table.Rows[2])
	require.Len(t, table.Warnings, 1)
	assert.Contains(t, table.Warnings[0], "outcomesone")
}

func TestMerge_RecordIDOnly(t *testing.T) {
	table, err := export.Merge(context.Background(), fixture(t), export.MergeRequest{
		Models: []string{"tsepamoone", "outcomesone"},
		Fields: []string{"record_id"},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"record_id"}, table.Header)
	assert.Equal(t, []string{"1", "2", "3"}, rowIDs(table))
	assert.Empty(t, table.Warnings)
}

// pair registers models a and b, each with fields x, y and z, and loads
// the given records keyed by record_id.
func pair(t *testing.T, a, b map[string]recordstore.Record) *recordstore.Registry {
	t.Helper()
	ctx := context.Background()
	store := recordstore.NewMemory()
	models := recordstore.NewRegistry()
	for _, name := range []string{"a", "b"} {
		require.NoError(t, models.Add(&domain.ModelSchema{
			Name: name, Backend: domain.BackendRecords,
			Fields: []domain.FieldSpec{
				{Name: "record_id", Type: domain.FieldString},
				{Name: "x", Type: domain.FieldInteger, Nullable: true},
				{Name: "y", Type: domain.FieldInteger, Nullable: true},
				{Name: "z", Type: domain.FieldInteger, Nullable: true},
			},
		}, store))
	}
	require.NoError(t, models.EnsureAll(ctx))
	for name, recs := range map[string]map[string]recordstore.Record{"a": a, "b": b} {
		for id, rec := range recs {
			rec["record_id"] = id
			require.NoError(t, store.Upsert(ctx, name, id, rec))
		}
	}
	return models
}

func TestMerge_CollisionFollowsModelOrder(t *testing.T) {
	newModels := func() *recordstore.Registry {
		return pair(t,
			map[string]recordstore.Record{"1": {"z": int64(1)}},
			map[string]recordstore.Record{"1": {"z": int64(2)}},
		)
	}

	ab, err := export.Merge(context.Background(), newModels(), export.MergeRequest{Models: []string{"a", "b"}, Fields: []string{"z"}})
	require.NoError(t, err)
	require.Equal(t, 1, ab.Len())
	assert.EqualValues(t, 2, ab.Rows[0]["z"])

	ba, err := export.Merge(context.Background(), newModels(), export.MergeRequest{Models: []string{"b", "a"}, Fields: []string{"z"}})
	require.NoError(t, err)
	require.Equal(t, 1, ba.Len())
	assert.EqualValues(t, 1, ba.Rows[0]["z"])
}

func TestMerge_UnionOfIDs(t *testing.T) {
	models := pair(t,
		map[string]recordstore.Record{"1": {"x": int64(1)}},
		map[string]recordstore.Record{"1": {"y": int64(2)}, "2": {"y": int64(3)}},
	)

	table, err := export.Merge(context.Background(), models, export.MergeRequest{
		Models: []string{"a", "b"},
		Fields: []string{"x", "y"},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"record_id", "x", "y"}, table.Header)
	require.Equal(t, []string{"1", "2"}, rowIDs(table))
	assert.EqualValues(t, 1, table.Rows[0]["x"])
	assert.EqualValues(t, 2, table.Rows[0]["y"])
	assert.NotContains(t, table.Rows[1], "x")
	assert.EqualValues(t, 3, table.Rows[1]["y"])
}

func rowIDs(table *export.Table) []string {
	ids := make([]string, 0, table.Len())
	for _, row := range table.Rows {
		ids = append(ids, row["record_id"].(string))
	}
	return ids
}

func TestMerge_UnknownModel(t *testing.T) {
	_, err := export.Merge(context.Background(), fixture(t), export.MergeRequest{Models: []string{"nope"}})
	assert.Error(t, err)
}

// ─────────────────────────────────────────────────────────────
// Writers
// ─────────────────────────────────────────────────────────────

func mergedTable(t *testing.T) *export.Table {
	t.Helper()
	table, err := export.Merge(context.Background(), fixture(t), export.MergeRequest{
		Models: []string{"tsepamoone", "outcomesone"},
	})
	require.NoError(t, err)
	return table
}

func TestWriteCSV(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, export.WriteCSV(&buf, mergedTable(t)))

	assert.Equal(t,
		"record_id,site,deliverydate,birthweight\n"+
			"1,maun,,3.25\n"+
			"2,gaborone,2024-01-02,\n"+
			"3,serowe,,\n",
		buf.String())
}

func TestWriteXLSX(t *testing.T) {
	var buf bytes.Buffer
	name := "weekly/export: all projects [2024] extended"
	require.NoError(t, export.WriteXLSX(&buf, mergedTable(t), name))

	f, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer f.Close()

	sheets := f.GetSheetList()
	require.Len(t, sheets, 1)
	assert.Equal(t, export.SheetName(name), sheets[0])
	assert.LessOrEqual(t, len([]rune(sheets[0])), 31)

	rows, err := f.GetRows(sheets[0])
	require.NoError(t, err)
	require.Len(t, rows, 4)
	assert.Equal(t, []string{"record_id", "site", "deliverydate", "birthweight"}, rows[0])
	assert.Equal(t, "2024-01-02", rows[2][2])
}

func TestSheetName(t *testing.T) {
	assert.Equal(t, "a_b_c", export.SheetName("a/b:c"))
	assert.Equal(t, "Export", export.SheetName("  "))
	assert.Len(t, []rune(export.SheetName(strings.Repeat("x", 40))), 31)
}

// ─────────────────────────────────────────────────────────────
// Files
// ─────────────────────────────────────────────────────────────

func TestFileName(t *testing.T) {
	ts := time.Date(2024, 1, 2, 3, 4, 59, 0, time.UTC)
	assert.Equal(t, "weekly-2024-01-02_03:04.csv", export.FileName("weekly", ts, domain.FormatCSV))
	assert.Equal(t, "weekly-2024-01-02_03:04.xlsx", export.FileName("weekly", ts, domain.FormatXLSX))
	assert.Equal(t, "documents/weekly-2024-01-02_03:04.csv", export.DocumentKey("weekly-2024-01-02_03:04.csv"))
}

func TestPersist(t *testing.T) {
	blobs := blob.NewMemory()
	info, err := export.Persist(context.Background(), blobs, "weekly.csv", []byte("record_id\n"), domain.FormatCSV)
	require.NoError(t, err)
	assert.Equal(t, "documents/weekly.csv", info.Key)
	assert.Equal(t, int64(10), info.Size)

	head, err := blobs.Head(context.Background(), "documents/weekly.csv")
	require.NoError(t, err)
	assert.Equal(t, "text/csv; charset=utf-8", head.ContentType)
}

func TestSizify(t *testing.T) {
	assert.Equal(t, "0.0 Kb", export.Sizify(0))
	assert.Equal(t, "1.0 Kb", export.Sizify(1024))
	assert.Equal(t, "499.9 Kb", export.Sizify(511898))
	assert.Equal(t, "0.49 Mb", export.Sizify(512000))
	assert.Equal(t, "3.91 Gb", export.Sizify(4194304000))
}

func TestDataDictionary(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, export.DataDictionary(&buf, &domain.ModelSchema{
		Name: "outcomesone",
		Fields: []domain.FieldSpec{
			{Name: "record_id", Type: domain.FieldString, MaxLength: 50},
			{Name: "gestage", Type: domain.FieldInteger, Nullable: true},
		},
	}))
	assert.Equal(t,
		"Form Name,Field Name,Field Type,Max Length,Other Attributes\n"+
			"outcomesone,record_id,string,50,unique=True\n"+
			"outcomesone,gestage,integer,,\"blank=True, null=True\"\n",
		buf.String())
	assert.Equal(t, "outcomesone_data_dictionary.csv", export.DictionaryFileName("OutcomesOne"))
}
