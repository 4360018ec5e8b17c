package coerce_test

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"

	"datacore/internal/apperr"
	"datacore/internal/coerce"
	"datacore/internal/domain"
)

func TestValue_EmptyBecomesNil(t *testing.T) {
	for _, ft := range []domain.FieldType{
		domain.FieldString, domain.FieldInteger, domain.FieldDecimal,
		domain.FieldDate, domain.FieldDatetime, domain.FieldBoolean,
	} {
		v, err := coerce.Value("", ft)
		require.NoError(t, err, ft)
		assert.Nil(t, v, ft)

		v, err = coerce.Value(nil, ft)
		require.NoError(t, err, ft)
		assert.Nil(t, v, ft)
	}
}

func TestValue_Types(t *testing.T) {
	v, err := coerce.Value("2024-03-05", domain.FieldDate)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC), v)

	v, err = coerce.Value("2024-03-05 14:07", domain.FieldDatetime)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 5, 14, 7, 0, 0, time.UTC), v)

	v, err = coerce.Value("2024-03-05 14:07:59", domain.FieldDatetime)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 5, 14, 7, 0, 0, time.UTC), v)

	v, err = coerce.Value("42", domain.FieldInteger)
	require.NoError(t, err)
	assert.Equal(t, int64(42), v)

	v, err = coerce.Value("12.50", domain.FieldDecimal)
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("12.5").Equal(v.(decimal.Decimal)))

	v, err = coerce.Value("yes", domain.FieldBoolean)
	require.NoError(t, err)
	assert.Equal(t, true, v)

	v, err = coerce.Value("a, c", domain.FieldChoice)
	require.NoError(t, err)
	assert.Equal(t, "a, c", v)
}

func TestValue_Mismatch(t *testing.T) {
	_, err := coerce.Value("05/03/2024", domain.FieldDate)
	require.Error(t, err)

	var tm *apperr.TypeMismatchError
	require.True(t, errors.As(err, &tm))
	assert.Equal(t, "date", tm.Type)
	assert.Equal(t, apperr.CodeTypeMismatch, apperr.Code(err))

	_, err = coerce.Value("4.5", domain.FieldInteger)
	assert.Error(t, err)
	_, err = coerce.Value("maybe", domain.FieldBoolean)
	assert.Error(t, err)
}

func TestValue_Idempotent(t *testing.T) {
	cases := []struct {
		raw any
		ft  domain.FieldType
	}{
		{"2024-03-05", domain.FieldDate},
		{"2024-03-05 14:07:31", domain.FieldDatetime},
		{"2024-03-05T14:07:31Z", domain.FieldDatetime},
		{"-17", domain.FieldInteger},
		{"3.14159", domain.FieldDecimal},
		{"0", domain.FieldBoolean},
		{"free text", domain.FieldString},
		{int64(9), domain.FieldString},
	}
	for _, tc := range cases {
		once, err := coerce.Value(tc.raw, tc.ft)
		require.NoError(t, err, tc.raw)
		twice, err := coerce.Value(once, tc.ft)
		require.NoError(t, err, tc.raw)

		if d, ok := once.(decimal.Decimal); ok {
			assert.True(t, d.Equal(twice.(decimal.Decimal)), tc.raw)
			continue
		}
		assert.Equal(t, once, twice, tc.raw)
	}
}

func TestNormalizeDecimal(t *testing.T) {
	d128, err := bson.ParseDecimal128("1234.5600")
	require.NoError(t, err)

	d, err := coerce.NormalizeDecimal(d128)
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("1234.56").Equal(d))

	v, err := coerce.Value(d128, domain.FieldDecimal)
	require.NoError(t, err)
	assert.True(t, d.Equal(v.(decimal.Decimal)))
}

func TestNormalizeDocument(t *testing.T) {
	d128, err := bson.ParseDecimal128("7.25")
	require.NoError(t, err)

	doc := coerce.NormalizeDocument(map[string]any{"weight": d128, "name": "x"})
	assert.True(t, decimal.RequireFromString("7.25").Equal(doc["weight"].(decimal.Decimal)))
	assert.Equal(t, "x", doc["name"])
}

func TestRecord_NullsMismatchedFields(t *testing.T) {
	schema := &domain.ModelSchema{
		Name: "outcomesone",
		Fields: []domain.FieldSpec{
			{Name: "record_id", Type: domain.FieldString},
			{Name: "deliverydate", Type: domain.FieldDate},
			{Name: "gestage", Type: domain.FieldInteger},
			{Name: "outcome", Type: domain.FieldChoice},
		},
	}

	out, warnings := coerce.Record(schema, map[string]any{
		"record_id":    "17",
		"deliverydate": "not a date",
		"gestage":      "38",
		"unknown":      "dropped",
	})

	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0].Error(), "field deliverydate")
	assert.Equal(t, "17", out["record_id"])
	assert.Nil(t, out["deliverydate"])
	assert.Contains(t, out, "deliverydate")
	assert.Equal(t, int64(38), out["gestage"])
	assert.NotContains(t, out, "outcome")
	assert.NotContains(t, out, "unknown")
}
