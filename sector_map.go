package deadline

import (
	"sort"

	"github.com/filecoin-project/go-bitfield"
	xc "github.com/filecoin-project/go-state-types/exitcode"
	"golang.org/x/xerrors"
)

// PartitionSectorMap maps partition indices to sector bitfields. It is the
// argument shape for operations addressing sectors by partition.
type PartitionSectorMap map[uint64]bitfield.BitField

// Add records the given sector bitfield against a partition, merging with any
// sectors already recorded for it.
func (pm PartitionSectorMap) Add(partIdx uint64, sectorNos bitfield.BitField) error {
	if oldSectorNos, ok := pm[partIdx]; ok {
		var err error
		sectorNos, err = bitfield.MergeBitFields(sectorNos, oldSectorNos)
		if err != nil {
			return xerrors.Errorf("failed to merge sector bitfields: %w", err)
		}
	}
	pm[partIdx] = sectorNos
	return nil
}

// AddValues records the given sector numbers against a partition.
func (pm PartitionSectorMap) AddValues(partIdx uint64, sectorNos ...uint64) error {
	return pm.Add(partIdx, bitfield.NewFromSet(sectorNos))
}

// Count counts the addressed partitions and sectors, failing if the totals
// exceed the addressable bounds.
func (pm PartitionSectorMap) Count() (partitions, sectors uint64, err error) {
	for partIdx, sectorNos := range pm { //nolint:nomaprange
		count, err := sectorNos.Count()
		if err != nil {
			return 0, 0, xerrors.Errorf("failed to parse sectors bitfield in partition %d: %w", partIdx, err)
		}
		sectors += count
	}
	partitions = uint64(len(pm))
	if sectors > AddressedSectorsMax {
		return 0, 0, xc.ErrIllegalArgument.Wrapf("too many sectors addressed %d, max %d", sectors, AddressedSectorsMax)
	}
	return partitions, sectors, nil
}

// ForEach walks the partitions in the map, in order of increasing index.
func (pm PartitionSectorMap) ForEach(cb func(partIdx uint64, sectorNos bitfield.BitField) error) error {
	for _, partIdx := range pm.Partitions() {
		if err := cb(partIdx, pm[partIdx]); err != nil {
			return err
		}
	}
	return nil
}

// Partitions returns the partition indices in the map, in increasing order.
func (pm PartitionSectorMap) Partitions() []uint64 {
	partitions := make([]uint64, 0, len(pm))
	for partIdx := range pm { //nolint:nomaprange
		partitions = append(partitions, partIdx)
	}
	sort.Slice(partitions, func(i, j int) bool {
		return partitions[i] < partitions[j]
	})
	return partitions
}
