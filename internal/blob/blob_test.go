package blob_test

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"datacore/internal/apperr"
	"datacore/internal/blob"
)

func stores(t *testing.T) map[string]blob.Store {
	t.Helper()
	fs, err := blob.NewFilesystem(t.TempDir())
	require.NoError(t, err)
	return map[string]blob.Store{"fs": fs, "memory": blob.NewMemory()}
}

func TestStore_Contract(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			info, err := s.Put(ctx, "documents/weekly.csv", strings.NewReader("record_id\n1\n"),
				blob.PutOptions{ContentType: "text/csv"})
			require.NoError(t, err)
			assert.Equal(t, int64(12), info.Size)
			assert.NotEmpty(t, info.ETag)

			_, err = s.Put(ctx, "documents/weekly.csv", strings.NewReader("x"), blob.PutOptions{})
			assert.True(t, errors.Is(err, blob.ErrExists))

			_, err = s.Put(ctx, "documents/weekly.csv", strings.NewReader("x"), blob.PutOptions{Overwrite: true})
			require.NoError(t, err)

			got, rc, err := s.Get(ctx, "documents/weekly.csv")
			require.NoError(t, err)
			b, err := io.ReadAll(rc)
			require.NoError(t, err)
			require.NoError(t, rc.Close())
			assert.Equal(t, "x", string(b))
			assert.Equal(t, int64(1), got.Size)

			_, err = s.Put(ctx, "redcap/p/1/f/a.pdf", strings.NewReader("pdf"), blob.PutOptions{})
			require.NoError(t, err)

			list, err := s.List(ctx, "documents/")
			require.NoError(t, err)
			require.Len(t, list, 1)
			assert.Equal(t, "documents/weekly.csv", list[0].Key)

			ok, err := s.Delete(ctx, "documents/weekly.csv")
			require.NoError(t, err)
			assert.True(t, ok)
			ok, err = s.Delete(ctx, "documents/weekly.csv")
			require.NoError(t, err)
			assert.False(t, ok)

			_, err = s.Head(ctx, "documents/weekly.csv")
			assert.True(t, errors.Is(err, apperr.ErrNotFound))
			_, _, err = s.Get(ctx, "documents/weekly.csv")
			assert.True(t, errors.Is(err, apperr.ErrNotFound))
		})
	}
}

func TestStore_RejectsTraversal(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Put(context.Background(), "../escape", strings.NewReader("x"), blob.PutOptions{})
			assert.Error(t, err)
			_, err = s.Put(context.Background(), "/abs", strings.NewReader("x"), blob.PutOptions{})
			assert.Error(t, err)
		})
	}
}

func TestJoin(t *testing.T) {
	assert.Equal(t, "redcap/tsepamo_2/17/consent/a_b.pdf", blob.Join("redcap", "tsepamo_2", "17", "consent", "a/b.pdf"))
	assert.Equal(t, "redcap/_/x", blob.Join("redcap", "..", "x"))
}

func TestOpen(t *testing.T) {
	s, err := blob.Open(context.Background(), blob.Config{Driver: blob.DriverFilesystem, FSRoot: t.TempDir()})
	require.NoError(t, err)
	assert.Equal(t, blob.DriverFilesystem, s.Driver())

	_, err = blob.Open(context.Background(), blob.Config{Driver: "gcs"})
	assert.Error(t, err)
}
