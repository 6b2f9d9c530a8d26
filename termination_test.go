package deadline

import (
	"testing"

	"github.com/filecoin-project/go-bitfield"
	"github.com/filecoin-project/go-state-types/abi"
	"github.com/stretchr/testify/require"
)

func TestTerminationResult(t *testing.T) {
	var result TerminationResult
	require.True(t, result.IsEmpty())
	require.NoError(t, result.ForEach(func(epoch abi.ChainEpoch, sectors bitfield.BitField) error {
		t.Fatal("unexpected callback on empty result")
		return nil
	}))

	resultA := TerminationResult{
		Sectors: map[abi.ChainEpoch]bitfield.BitField{
			3: bf(9, 1),
			0: bf(1, 2, 4),
			2: bf(3, 5, 7),
		},
		PartitionsProcessed: 1,
		SectorsProcessed:    9,
	}
	require.False(t, resultA.IsEmpty())

	resultB := TerminationResult{
		Sectors: map[abi.ChainEpoch]bitfield.BitField{
			1: bf(12),
			0: bf(10),
		},
		PartitionsProcessed: 0,
		SectorsProcessed:    2,
	}

	require.NoError(t, result.Add(resultA))
	require.NoError(t, result.Add(resultB))

	require.Equal(t, uint64(1), result.PartitionsProcessed)
	require.Equal(t, uint64(11), result.SectorsProcessed)

	// Bitfields sharing an epoch are unioned, and iteration is by epoch.
	expected := []struct {
		epoch   abi.ChainEpoch
		sectors []uint64
	}{
		{0, []uint64{1, 2, 4, 10}},
		{1, []uint64{12}},
		{2, []uint64{3, 5, 7}},
		{3, []uint64{1, 9}},
	}
	i := 0
	require.NoError(t, result.ForEach(func(epoch abi.ChainEpoch, sectors bitfield.BitField) error {
		require.Less(t, i, len(expected))
		require.Equal(t, expected[i].epoch, epoch)
		assertBitfieldEquals(t, sectors, expected[i].sectors...)
		i++
		return nil
	}))
	require.Equal(t, len(expected), i)
}

func TestTerminationResultBelowLimit(t *testing.T) {
	result := TerminationResult{
		PartitionsProcessed: 4,
		SectorsProcessed:    9,
	}

	require.True(t, result.BelowLimit(5, 10))
	require.False(t, result.BelowLimit(4, 10))
	require.False(t, result.BelowLimit(5, 9))
	require.False(t, result.BelowLimit(4, 9))
	require.False(t, result.BelowLimit(1, 1))
}
