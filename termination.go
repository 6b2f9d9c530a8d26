package deadline

import (
	"sort"

	"github.com/filecoin-project/go-bitfield"
	"github.com/filecoin-project/go-state-types/abi"
)

// TerminationResult accumulates the work performed by one or more
// pop-early-terminations calls. Results from repeated bounded calls merge
// into the same value a single unbounded call would have produced.
type TerminationResult struct {
	// Sectors maps termination epochs to the sectors terminated at that epoch.
	Sectors map[abi.ChainEpoch]bitfield.BitField
	// Counts the number of partitions and sectors processed.
	PartitionsProcessed uint64
	SectorsProcessed    uint64
}

// Add merges another result into this one. Counters accumulate; sector
// bitfields sharing an epoch are unioned.
func (t *TerminationResult) Add(newResult TerminationResult) error {
	if t.Sectors == nil {
		t.Sectors = make(map[abi.ChainEpoch]bitfield.BitField, len(newResult.Sectors))
	}
	t.PartitionsProcessed += newResult.PartitionsProcessed
	t.SectorsProcessed += newResult.SectorsProcessed
	for epoch, newSectors := range newResult.Sectors { //nolint:nomaprange
		if oldSectors, exists := t.Sectors[epoch]; !exists {
			t.Sectors[epoch] = newSectors
		} else {
			merged, err := bitfield.MergeBitFields(oldSectors, newSectors)
			if err != nil {
				return err
			}
			t.Sectors[epoch] = merged
		}
	}
	return nil
}

// IsEmpty returns whether this result harvested any work at all.
func (t *TerminationResult) IsEmpty() bool {
	return t.SectorsProcessed == 0
}

// ForEach walks the terminated sectors grouped by epoch, in epoch order.
func (t *TerminationResult) ForEach(f func(epoch abi.ChainEpoch, sectors bitfield.BitField) error) error {
	epochs := make([]abi.ChainEpoch, 0, len(t.Sectors))
	for epoch := range t.Sectors { //nolint:nomaprange
		epochs = append(epochs, epoch)
	}
	sort.Slice(epochs, func(i, j int) bool {
		return epochs[i] < epochs[j]
	})
	for _, epoch := range epochs {
		if err := f(epoch, t.Sectors[epoch]); err != nil {
			return err
		}
	}
	return nil
}

// BelowLimit returns whether there is room left under both budgets.
func (t *TerminationResult) BelowLimit(maxPartitions, maxSectors uint64) bool {
	return t.PartitionsProcessed < maxPartitions && t.SectorsProcessed < maxSectors
}
