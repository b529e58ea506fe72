package engine

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/solidb/internal/index"
	"github.com/cuemby/solidb/internal/value"
)

func accelCollection(t *testing.T, accel string) (*Engine, *Collection) {
	t.Helper()
	e := openTestEngine(t)
	db, err := e.EnsureDatabase("app")
	require.NoError(t, err)
	coll, err := db.EnsureCollection("users")
	require.NoError(t, err)
	for _, k := range []string{"a", "b"} {
		_, _, err := coll.Store().Insert(map[string]value.Value{"_key": value.String(k), "email": value.String(k + "@x")})
		require.NoError(t, err)
	}
	require.NoError(t, coll.CreateIndex(index.Descriptor{
		Name: "by_email", Kind: index.KindHash, Fields: []string{"email"}, Accelerator: accel,
	}))
	return e, coll
}

func TestAcceleratedLookupStillFindsLiveEntries(t *testing.T) {
	for _, accel := range []string{index.AccelBloom, index.AccelCuckoo} {
		t.Run(accel, func(t *testing.T) {
			_, coll := accelCollection(t, accel)
			oi, ok := coll.Runtime().IndexOn("email")
			require.True(t, ok)

			keys, err := oi.Lookup([]value.Value{value.String("a@x")})
			require.NoError(t, err)
			require.Equal(t, []string{"a"}, keys)

			// A definitely-absent value short-circuits to empty.
			keys, err = oi.Lookup([]value.Value{value.String("nobody@x")})
			require.NoError(t, err)
			require.Empty(t, keys)
		})
	}
}

func TestAcceleratorBlobIsPersistedAndLoadedLazily(t *testing.T) {
	e, coll := accelCollection(t, index.AccelBloom)
	blob, ok, err := e.Store().Get("app:users", []byte("BLO/by_email"))
	require.NoError(t, err)
	require.True(t, ok)
	require.NotEmpty(t, blob)

	// A rebuilt maintainer (fresh process) loads the blob on first use.
	require.NoError(t, coll.PersistAccelerators())
	fresh := index.NewOrderedIndex(e.Store(), "app:users", index.Descriptor{
		Name: "by_email", Kind: index.KindHash, Fields: []string{"email"}, Accelerator: index.AccelBloom,
	})
	keys, err := fresh.Lookup([]value.Value{value.String("b@x")})
	require.NoError(t, err)
	require.Equal(t, []string{"b"}, keys)
}

func TestAcceleratorSurvivesInsertAfterLoad(t *testing.T) {
	_, coll := accelCollection(t, index.AccelCuckoo)
	_, _, err := coll.Store().Insert(map[string]value.Value{"_key": value.String("c"), "email": value.String("c@x")})
	require.NoError(t, err)

	oi, ok := coll.Runtime().IndexOn("email")
	require.True(t, ok)
	keys, err := oi.Lookup([]value.Value{value.String("c@x")})
	require.NoError(t, err)
	require.Equal(t, []string{"c"}, keys)
}
