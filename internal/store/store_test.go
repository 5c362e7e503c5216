package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStores(t *testing.T) map[string]Store {
	t.Helper()

	sqlite, err := NewSQLiteStore(filepath.Join(t.TempDir(), "data", "kv.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })

	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": sqlite,
	}
}

func TestStoreRoundTrip(t *testing.T) {
	for name, st := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			_, ok, err := st.Get("missing")
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, st.Set("k", []byte("v1")))
			value, ok, err := st.Get("k")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, []byte("v1"), value)

			// Set replaces.
			require.NoError(t, st.Set("k", []byte("v2")))
			value, ok, err = st.Get("k")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, []byte("v2"), value)
		})
	}
}

func TestStoreDelete(t *testing.T) {
	for name, st := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, st.Set("k", []byte("v")))
			require.NoError(t, st.Delete("k"))

			_, ok, err := st.Get("k")
			require.NoError(t, err)
			assert.False(t, ok)

			// Deleting a missing key is not an error.
			assert.NoError(t, st.Delete("k"))
		})
	}
}

func TestSQLiteStorePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kv.db")

	st, err := NewSQLiteStore(path, nil)
	require.NoError(t, err)
	require.NoError(t, st.Set("sessions/state", []byte("payload")))
	require.NoError(t, st.Close())

	st, err = NewSQLiteStore(path, nil)
	require.NoError(t, err)
	defer st.Close()

	value, ok, err := st.Get("sessions/state")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("payload"), value)
}

func TestMemoryStoreCopiesValues(t *testing.T) {
	st := NewMemoryStore()

	original := []byte("abc")
	require.NoError(t, st.Set("k", original))
	original[0] = 'z'

	value, ok, err := st.Get("k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("abc"), value, "stored value must not alias caller buffer")

	value[0] = 'q'
	again, _, err := st.Get("k")
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), again, "returned value must not alias stored buffer")
}
