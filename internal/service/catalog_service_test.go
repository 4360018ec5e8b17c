package service_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"datacore/internal/apperr"
	"datacore/internal/recordstore"
	"datacore/internal/service"
	"datacore/internal/storage"
)

func newCatalogService(t *testing.T) (*service.CatalogService, *recordstore.Registry) {
	t.Helper()
	cat := defaultCatalog(t)
	models := newModels(t, cat)
	svc := service.NewCatalogService(storage.NewCatalogStore(openDB(t)), models, zap.NewNop())
	_, err := svc.LoadCatalog(context.Background(), cat.SeedProjects())
	require.NoError(t, err)
	return svc, models
}

func TestCatalogService_LoadCatalogIsIdempotent(t *testing.T) {
	cat := defaultCatalog(t)
	svc := service.NewCatalogService(storage.NewCatalogStore(openDB(t)), newModels(t, cat), zap.NewNop())
	ctx := context.Background()

	first, err := svc.LoadCatalog(ctx, cat.SeedProjects())
	require.NoError(t, err)
	assert.Equal(t, 4, first.Projects)
	assert.Equal(t, 14, first.InstrumentsAdded)

	second, err := svc.LoadCatalog(ctx, cat.SeedProjects())
	require.NoError(t, err)
	assert.Equal(t, 4, second.Projects)
	assert.Zero(t, second.InstrumentsAdded)

	instruments, err := svc.InstrumentsFor(ctx, "tsepamo_1")
	require.NoError(t, err)
	assert.Equal(t, []string{"tsepamoone", "outcomesone"}, instruments)
}

func TestCatalogService_ProjectDetails(t *testing.T) {
	svc, models := newCatalogService(t)
	ctx := context.Background()
	put(t, models, "tsepamoone", "1", recordstore.Record{"facility": "3"})
	put(t, models, "tsepamoone", "2", recordstore.Record{"facility": "4"})
	put(t, models, "outcomesone", "1", recordstore.Record{"outcome": "1"})

	details, err := svc.ProjectDetails(ctx, []string{"tsepamo_1"})
	require.NoError(t, err)
	require.Len(t, details, 1)
	assert.Equal(t, "Tsepamo 1", details[0].VerboseName)
	assert.Equal(t, []string{"tsepamoone", "outcomesone"}, details[0].Instruments)
	assert.Equal(t, int64(3), details[0].Records)

	all, err := svc.ProjectDetails(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestCatalogService_InstrumentDetails(t *testing.T) {
	svc, models := newCatalogService(t)
	put(t, models, "switcheripmstwo", "5", recordstore.Record{"ipms_foundv1": "1", "cd4any": "0"})

	details, err := svc.InstrumentDetails(context.Background(), []string{"tsepamo_2"})
	require.NoError(t, err)
	require.Len(t, details, 4)
	assert.Equal(t, "tsepamotwo", details[0].ModelName)
	assert.Equal(t, "Tsepamo 2", details[0].VerboseName)
	assert.Equal(t, "switcheripmstwo", details[2].ModelName)
	assert.Equal(t, int64(1), details[2].RecordsCount)
	assert.Equal(t, "tsepamo_2", details[2].ProjectName)

	none, err := svc.InstrumentDetails(context.Background(), []string{"tsepamo_9"})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestCatalogService_ModelFields(t *testing.T) {
	svc, _ := newCatalogService(t)

	schema, err := svc.ModelFields("tsepamo")
	require.NoError(t, err)
	assert.Equal(t, "record_id", schema.Fields[0].Name)
	assert.Equal(t, "project", schema.Fields[1].Name)

	_, err = svc.ModelFields("nosuch")
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
}

func TestCatalogService_PreviewModel(t *testing.T) {
	svc, models := newCatalogService(t)
	ctx := context.Background()
	put(t, models, "outcomesone", "2", recordstore.Record{"outcome": "2", "birthweight": "3.1"})
	put(t, models, "outcomesone", "1", recordstore.Record{"outcome": "1", "birthweight": "2.9"})

	preview, err := svc.PreviewModel(ctx, "outcomesone", []string{"outcome"}, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"record_id", "outcome"}, preview.Fields)
	require.Len(t, preview.Records, 1)
	assert.Equal(t, recordstore.Record{"record_id": "1", "outcome": "1"}, preview.Records[0])

	all, err := svc.PreviewModel(ctx, "outcomesone", nil, 0)
	require.NoError(t, err)
	assert.Len(t, all.Records, 2)
	assert.Contains(t, all.Fields, "birthweight")

	empty, err := svc.PreviewModel(ctx, "tsepamoone", []string{"record_id"}, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"record_id"}, empty.Fields)
	assert.NotNil(t, empty.Records)
	assert.Empty(t, empty.Records)

	_, err = svc.PreviewModel(ctx, "outcomesone", []string{"nosuch"}, 10)
	assert.True(t, errors.Is(err, apperr.ErrInvalid))

	_, err = svc.PreviewModel(ctx, "nosuch", nil, 10)
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
}
