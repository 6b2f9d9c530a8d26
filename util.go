package deadline

import (
	"github.com/filecoin-project/go-bitfield"
)

// BitFieldContainsAll checks whether a bitfield contains every member of
// another.
func BitFieldContainsAll(superset, subset bitfield.BitField) (bool, error) {
	missing, err := bitfield.SubtractBitField(subset, superset)
	if err != nil {
		return false, err
	}
	return missing.IsEmpty()
}

// BitFieldContainsAny checks whether a bitfield contains any member of
// another.
func BitFieldContainsAny(a, b bitfield.BitField) (bool, error) {
	common, err := bitfield.IntersectBitField(a, b)
	if err != nil {
		return false, err
	}
	empty, err := common.IsEmpty()
	if err != nil {
		return false, err
	}
	return !empty, nil
}

func min64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}
