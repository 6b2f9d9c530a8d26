package deadline

import (
	"testing"

	"github.com/filecoin-project/go-state-types/abi"
	"github.com/filecoin-project/go-state-types/exitcode"
	"github.com/stretchr/testify/require"
)

func TestSectorsLoad(t *testing.T) {
	store := emptyDeadlineTestStore(t)
	arr := sectorsArr(t, store, testDeadlineSectors())

	infos, err := arr.Load(bf(2, 5))
	require.NoError(t, err)
	require.Len(t, infos, 2)
	require.Equal(t, abi.SectorNumber(2), infos[0].SectorNumber)
	require.Equal(t, abi.SectorNumber(5), infos[1].SectorNumber)

	// Loading fails if any requested sector is absent.
	_, err = arr.Load(bf(2, 42))
	require.Error(t, err)
	require.Contains(t, err.Error(), "sector not found")
	require.Equal(t, exitcode.ErrIllegalArgument, exitcode.Unwrap(err, exitcode.Ok))
}

func TestSectorsGet(t *testing.T) {
	store := emptyDeadlineTestStore(t)
	arr := sectorsArr(t, store, testDeadlineSectors())

	info, found, err := arr.Get(3)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, abi.ChainEpoch(7), info.Expiration)

	_, found, err = arr.Get(42)
	require.NoError(t, err)
	require.False(t, found)
}

func TestSectorsMustGet(t *testing.T) {
	store := emptyDeadlineTestStore(t)
	arr := sectorsArr(t, store, testDeadlineSectors())

	info, err := arr.MustGet(7)
	require.NoError(t, err)
	require.Equal(t, abi.ChainEpoch(13), info.Expiration)

	_, err = arr.MustGet(42)
	require.Error(t, err)
	require.Contains(t, err.Error(), "not found")
}

func TestSectorsStoreValidation(t *testing.T) {
	store := emptyDeadlineTestStore(t)
	arr := sectorsArr(t, store, nil)

	err := arr.Store(nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "nil sector info")

	err = arr.Store(testSector(8, int64(SectorsMax)+1, 50, 60, 1000))
	require.Error(t, err)
	require.Contains(t, err.Error(), "out of range")

	// Numbers at the bound are fine.
	require.NoError(t, arr.Store(testSector(8, int64(SectorsMax), 50, 60, 1000)))
}
