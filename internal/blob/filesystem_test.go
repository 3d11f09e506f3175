package blob

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilesystemStore_RoundTrip(t *testing.T) {
	s, err := NewFilesystemStore(t.TempDir())
	require.NoError(t, err)

	payload := []byte(`{"rows": [1, 2, 3]}`)
	require.NoError(t, s.Save("rowcache/def-1", payload))

	got, err := s.Load("rowcache/def-1")
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestFilesystemStore_LoadMissingIsNotFound(t *testing.T) {
	s, err := NewFilesystemStore(t.TempDir())
	require.NoError(t, err)

	_, err = s.Load("rowcache/absent")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFilesystemStore_SaveOverwrites(t *testing.T) {
	s, err := NewFilesystemStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, s.Save("report/p1/r1", []byte("first")))
	require.NoError(t, s.Save("report/p1/r1", []byte("second")))

	got, err := s.Load("report/p1/r1")
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), got)
}

func TestFilesystemStore_RejectsTraversalKeys(t *testing.T) {
	s, err := NewFilesystemStore(t.TempDir())
	require.NoError(t, err)

	assert.Error(t, s.Save("../escape", []byte("x")))
	_, err = s.Load("")
	assert.Error(t, err)
}
