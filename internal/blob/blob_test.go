package blob

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStores(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name   string
		driver string
	}{
		{"file", "file"},
		{"sqlite", "sqlite"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := Open(ctx, tt.driver, "", t.TempDir())
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })

			_, err = s.Get(ctx, "events")
			assert.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, s.Put(ctx, "events", []byte("v1")))
			require.NoError(t, s.Put(ctx, "events", []byte("v2")))
			require.NoError(t, s.Put(ctx, "seen", []byte("{}")))

			got, err := s.Get(ctx, "events")
			require.NoError(t, err)
			assert.Equal(t, []byte("v2"), got)

			got, err = s.Get(ctx, "seen")
			require.NoError(t, err)
			assert.Equal(t, "{}", string(got))

			assert.Error(t, s.Put(ctx, "../escape", []byte("x")))
			_, err = s.Get(ctx, "")
			assert.Error(t, err)
		})
	}
}

func TestSQLitePersistsAcrossOpen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "db", "luma.db")

	s, err := OpenSQLite(ctx, path)
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, "events", []byte("persisted")))
	require.NoError(t, s.Close())

	s, err = OpenSQLite(ctx, path)
	require.NoError(t, err)
	defer s.Close()
	got, err := s.Get(ctx, "events")
	require.NoError(t, err)
	assert.Equal(t, "persisted", string(got))
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), "redis", "", t.TempDir())
	assert.Error(t, err)
}
