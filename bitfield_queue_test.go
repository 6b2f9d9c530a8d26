package deadline

import (
	"testing"

	"github.com/filecoin-project/go-bitfield"
	"github.com/filecoin-project/go-state-types/abi"
	"github.com/stretchr/testify/require"

	"github.com/filecoin-project/go-deadline-state/adt"
)

const testAmtBitwidth = 3

func emptyBitfieldQueue(t *testing.T, store adt.Store, quant QuantSpec) BitfieldQueue {
	root, err := adt.StoreEmptyArray(store, testAmtBitwidth)
	require.NoError(t, err)

	queue, err := LoadBitfieldQueue(store, root, quant, testAmtBitwidth)
	require.NoError(t, err)
	return queue
}

func requireQueueState(t *testing.T, queue BitfieldQueue, expected map[abi.ChainEpoch][]uint64) {
	seen := map[abi.ChainEpoch][]uint64{}
	var bf bitfield.BitField
	err := queue.ForEach(&bf, func(i int64) error {
		values, err := bf.All(100_000)
		require.NoError(t, err)
		seen[abi.ChainEpoch(i)] = values
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, expected, seen)
}

func TestBitfieldQueueAddsValuesToEmptyQueue(t *testing.T) {
	queue := emptyBitfieldQueue(t, emptyDeadlineTestStore(t), NoQuantization)

	require.NoError(t, queue.AddToQueueValues(42, 1, 3))

	requireQueueState(t, queue, map[abi.ChainEpoch][]uint64{
		42: {1, 3},
	})
}

func TestBitfieldQueueAddsBitfieldToQueue(t *testing.T) {
	queue := emptyBitfieldQueue(t, emptyDeadlineTestStore(t), NoQuantization)

	require.NoError(t, queue.AddToQueue(42, bf(1, 3)))

	requireQueueState(t, queue, map[abi.ChainEpoch][]uint64{
		42: {1, 3},
	})
}

func TestBitfieldQueueQuantizesAddedEpochs(t *testing.T) {
	queue := emptyBitfieldQueue(t, emptyDeadlineTestStore(t), NewQuantSpec(5, 3))

	for _, e := range []abi.ChainEpoch{0, 2, 3, 4, 7, 8, 9} {
		require.NoError(t, queue.AddToQueueValues(e, uint64(e)))
	}

	// 0, 2, 3 quantize to 3; 4, 7, 8 quantize to 8; 9 quantizes to 13.
	requireQueueState(t, queue, map[abi.ChainEpoch][]uint64{
		3:  {0, 2, 3},
		8:  {4, 7, 8},
		13: {9},
	})
}

func TestBitfieldQueueMergesValuesWithExistingEntry(t *testing.T) {
	queue := emptyBitfieldQueue(t, emptyDeadlineTestStore(t), NoQuantization)

	require.NoError(t, queue.AddToQueueValues(42, 1, 3))
	require.NoError(t, queue.AddToQueueValues(42, 2, 3, 4))

	requireQueueState(t, queue, map[abi.ChainEpoch][]uint64{
		42: {1, 2, 3, 4},
	})
}

func TestBitfieldQueueIgnoresEmptyAdds(t *testing.T) {
	queue := emptyBitfieldQueue(t, emptyDeadlineTestStore(t), NoQuantization)

	require.NoError(t, queue.AddToQueueValues(42))
	require.NoError(t, queue.AddToQueue(42, bitfield.New()))

	requireQueueState(t, queue, map[abi.ChainEpoch][]uint64{})
	require.Zero(t, queue.Length())
}

func TestBitfieldQueueAddManyProcessesAllEpochs(t *testing.T) {
	queue := emptyBitfieldQueue(t, emptyDeadlineTestStore(t), NewQuantSpec(7, 0))

	require.NoError(t, queue.AddManyToQueueValues(map[abi.ChainEpoch][]uint64{
		10: {1, 2},
		3:  {3},
		8:  {4},
	}))

	requireQueueState(t, queue, map[abi.ChainEpoch][]uint64{
		7:  {3},
		14: {1, 2, 4},
	})
}

func TestBitfieldQueuePopUntil(t *testing.T) {
	t.Run("empty queue", func(t *testing.T) {
		queue := emptyBitfieldQueue(t, emptyDeadlineTestStore(t), NoQuantization)

		popped, modified, err := queue.PopUntil(42)
		require.NoError(t, err)
		require.False(t, modified)
		assertBitfieldEmpty(t, popped)
	})

	t.Run("does nothing when until precedes first epoch", func(t *testing.T) {
		queue := emptyBitfieldQueue(t, emptyDeadlineTestStore(t), NoQuantization)
		require.NoError(t, queue.AddToQueueValues(10, 1))
		require.NoError(t, queue.AddToQueueValues(20, 2))

		popped, modified, err := queue.PopUntil(9)
		require.NoError(t, err)
		require.False(t, modified)
		assertBitfieldEmpty(t, popped)

		requireQueueState(t, queue, map[abi.ChainEpoch][]uint64{
			10: {1},
			20: {2},
		})
	})

	t.Run("removes and merges entries up to and including until", func(t *testing.T) {
		queue := emptyBitfieldQueue(t, emptyDeadlineTestStore(t), NoQuantization)
		require.NoError(t, queue.AddToQueueValues(10, 1, 2))
		require.NoError(t, queue.AddToQueueValues(20, 3))
		require.NoError(t, queue.AddToQueueValues(30, 4))

		popped, modified, err := queue.PopUntil(20)
		require.NoError(t, err)
		require.True(t, modified)
		assertBitfieldEquals(t, popped, 1, 2, 3)

		requireQueueState(t, queue, map[abi.ChainEpoch][]uint64{
			30: {4},
		})

		// Popping the remainder empties the queue.
		popped, modified, err = queue.PopUntil(30)
		require.NoError(t, err)
		require.True(t, modified)
		assertBitfieldEquals(t, popped, 4)
		require.Zero(t, queue.Length())
	})
}

func TestBitfieldQueueCut(t *testing.T) {
	queue := emptyBitfieldQueue(t, emptyDeadlineTestStore(t), NoQuantization)

	require.NoError(t, queue.AddToQueueValues(42, 1, 2, 3, 4, 99))
	require.NoError(t, queue.AddToQueueValues(93, 5, 6))

	// Cutting shifts higher bits down over the removed positions.
	require.NoError(t, queue.Cut(bf(2, 4, 5, 6)))

	requireQueueState(t, queue, map[abi.ChainEpoch][]uint64{
		42: {1, 2, 95},
	})
}
