package deadline

import (
	"testing"

	"github.com/filecoin-project/go-state-types/abi"
	"github.com/stretchr/testify/require"
)

func TestQuantizeUp(t *testing.T) {
	t.Run("no quantization", func(t *testing.T) {
		require.Equal(t, abi.ChainEpoch(0), NoQuantization.QuantizeUp(0))
		require.Equal(t, abi.ChainEpoch(1), NoQuantization.QuantizeUp(1))
		require.Equal(t, abi.ChainEpoch(2), NoQuantization.QuantizeUp(2))
		require.Equal(t, abi.ChainEpoch(123456789), NoQuantization.QuantizeUp(123456789))
	})

	t.Run("zero offset", func(t *testing.T) {
		require.Equal(t, abi.ChainEpoch(50), NewQuantSpec(10, 0).QuantizeUp(42))
		require.Equal(t, abi.ChainEpoch(16000), NewQuantSpec(100, 0).QuantizeUp(15921))
		require.Equal(t, abi.ChainEpoch(0), NewQuantSpec(10, 0).QuantizeUp(0))
		require.Equal(t, abi.ChainEpoch(0), NewQuantSpec(10, 0).QuantizeUp(-5))
		require.Equal(t, abi.ChainEpoch(-50), NewQuantSpec(10, 0).QuantizeUp(-50))
		require.Equal(t, abi.ChainEpoch(-50), NewQuantSpec(10, 0).QuantizeUp(-53))
	})

	t.Run("non-zero offset", func(t *testing.T) {
		require.Equal(t, abi.ChainEpoch(3), NewQuantSpec(10, 3).QuantizeUp(0))
		require.Equal(t, abi.ChainEpoch(3), NewQuantSpec(10, 3).QuantizeUp(3))
		require.Equal(t, abi.ChainEpoch(13), NewQuantSpec(10, 3).QuantizeUp(4))
		require.Equal(t, abi.ChainEpoch(123), NewQuantSpec(10, 3).QuantizeUp(114))
		require.Equal(t, abi.ChainEpoch(-7), NewQuantSpec(10, 3).QuantizeUp(-8))
	})

	t.Run("offset seed bigger than unit is normalized", func(t *testing.T) {
		require.Equal(t, abi.ChainEpoch(13), NewQuantSpec(10, 13).QuantizeUp(9))
		require.Equal(t, abi.ChainEpoch(13), NewQuantSpec(10, 13).QuantizeUp(13))
	})
}

func TestQuantizeDown(t *testing.T) {
	require.Equal(t, abi.ChainEpoch(7), NoQuantization.QuantizeDown(7))
	require.Equal(t, abi.ChainEpoch(10), NewQuantSpec(10, 0).QuantizeDown(10))
	require.Equal(t, abi.ChainEpoch(10), NewQuantSpec(10, 0).QuantizeDown(11))
	require.Equal(t, abi.ChainEpoch(10), NewQuantSpec(10, 0).QuantizeDown(19))
	require.Equal(t, abi.ChainEpoch(20), NewQuantSpec(10, 0).QuantizeDown(20))
	require.Equal(t, abi.ChainEpoch(13), NewQuantSpec(10, 3).QuantizeDown(13))
	require.Equal(t, abi.ChainEpoch(13), NewQuantSpec(10, 3).QuantizeDown(22))
}
