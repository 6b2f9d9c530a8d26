package deadline

import (
	"github.com/filecoin-project/go-state-types/abi"
)

// QuantSpec represents a quantization of epochs to the next boundary of the
// form `offset + k*unit` at or after the epoch.
type QuantSpec struct {
	unit   abi.ChainEpoch // which multiple of epochs to quantize to
	offset abi.ChainEpoch // (offset % unit) is the phase of the quantization
}

func NewQuantSpec(unit, offset abi.ChainEpoch) QuantSpec {
	return QuantSpec{unit: unit, offset: offset}
}

// NoQuantization maps every epoch to itself.
var NoQuantization = NewQuantSpec(1, 0)

// QuantizeUp rounds an epoch up to the nearest exact multiple of the
// quantization unit offset by the phase, leaving exact multiples unchanged.
func (q QuantSpec) QuantizeUp(e abi.ChainEpoch) abi.ChainEpoch {
	offset := q.offset % q.unit

	remainder := (e - offset) % q.unit
	quotient := (e - offset) / q.unit
	// Don't round if epoch falls on a quantization epoch
	if remainder == 0 {
		return q.unit*quotient + offset
	}
	// Negative truncating division rounds up
	if e-offset < 0 {
		return q.unit*quotient + offset
	}
	return q.unit*(quotient+1) + offset
}

// QuantizeDown rounds an epoch down to the previous quantization boundary,
// leaving exact multiples unchanged.
func (q QuantSpec) QuantizeDown(e abi.ChainEpoch) abi.ChainEpoch {
	next := q.QuantizeUp(e)
	// QuantizeDown == QuantizeUp iff e is a fixed point of QuantizeUp
	if e == next {
		return next
	}
	return next - q.unit
}
