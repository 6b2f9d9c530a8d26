package deadline

import (
	"testing"

	"github.com/filecoin-project/go-bitfield"
	"github.com/filecoin-project/go-state-types/exitcode"
	"github.com/stretchr/testify/require"
)

func TestPartitionSectorMapAddAndIterate(t *testing.T) {
	pm := PartitionSectorMap{}
	require.NoError(t, pm.AddValues(2, 4, 5))
	require.NoError(t, pm.Add(0, bf(1, 2)))
	// Merges with the sectors already recorded for the partition.
	require.NoError(t, pm.AddValues(0, 3))

	partitions, sectorCount, err := pm.Count()
	require.NoError(t, err)
	require.Equal(t, uint64(2), partitions)
	require.Equal(t, uint64(5), sectorCount)

	require.Equal(t, []uint64{0, 2}, pm.Partitions())

	var order []uint64
	require.NoError(t, pm.ForEach(func(partIdx uint64, sectorNos bitfield.BitField) error {
		order = append(order, partIdx)
		return nil
	}))
	require.Equal(t, []uint64{0, 2}, order)

	assertBitfieldEquals(t, pm[0], 1, 2, 3)
	assertBitfieldEquals(t, pm[2], 4, 5)
}

func TestPartitionSectorMapCountBound(t *testing.T) {
	sectorNos := make([]uint64, AddressedSectorsMax+1)
	for i := range sectorNos {
		sectorNos[i] = uint64(i)
	}
	pm := PartitionSectorMap{}
	require.NoError(t, pm.AddValues(0, sectorNos...))

	_, _, err := pm.Count()
	require.Error(t, err)
	require.Contains(t, err.Error(), "too many sectors")
	require.Equal(t, exitcode.ErrIllegalArgument, exitcode.Unwrap(err, exitcode.Ok))
}
