package blockstore

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFileBlockManagerRoundTrip(t *testing.T) {
	m, err := NewFileBlockManager(t.TempDir())
	require.NoError(t, err)

	w, err := m.Create()
	require.NoError(t, err)
	_, err = w.Write([]byte("hello"))
	require.NoError(t, err)
	_, err = w.Write([]byte(" world"))
	require.NoError(t, err)
	id, err := w.Finish()
	require.NoError(t, err)

	ok, err := m.Has(id)
	require.NoError(t, err)
	require.True(t, ok)

	data, err := m.Get(id)
	require.NoError(t, err)
	require.Equal(t, "hello world", string(data))

	require.NoError(t, m.Delete(id))
	ok, err = m.Has(id)
	require.NoError(t, err)
	require.False(t, ok)

	_, err = m.Get(id)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestFileBlockManagerAbandon(t *testing.T) {
	m, err := NewFileBlockManager(t.TempDir())
	require.NoError(t, err)

	w, err := m.Create()
	require.NoError(t, err)
	_, err = w.Write([]byte("partial"))
	require.NoError(t, err)
	require.NoError(t, w.Abandon())

	_, err = w.Write(nil)
	require.Error(t, err)
}
