package index

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/solidb/internal/value"
)

func TestCuckooAcceleratorAddLookupRemove(t *testing.T) {
	c := NewCuckooAccelerator("cuckoo_sku", 1000)
	v := []value.Value{value.String("sku-42")}

	require.True(t, c.Add(v))
	require.True(t, c.MaybeContains(v))

	require.True(t, c.Remove(v))
	require.False(t, c.MaybeContains(v))
}

func TestCuckooAcceleratorPersistLoadRoundTrip(t *testing.T) {
	c := NewCuckooAccelerator("cuckoo_rt", 100)
	v := []value.Value{value.String("sku-7")}
	c.Add(v)

	blob := c.Persist()
	loaded, err := LoadCuckooAccelerator("cuckoo_rt", blob)
	require.NoError(t, err)
	require.True(t, loaded.MaybeContains(v))
}
