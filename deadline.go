package deadline

import (
	"errors"

	"github.com/filecoin-project/go-bitfield"
	"github.com/filecoin-project/go-state-types/abi"
	"github.com/filecoin-project/go-state-types/big"
	xc "github.com/filecoin-project/go-state-types/exitcode"
	"github.com/ipfs/go-cid"
	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/go-deadline-state/adt"
)

var log = logging.Logger("deadline")

// Deadline holds the state for all sectors due at a specific deadline.
type Deadline struct {
	// Partitions in this deadline, in order.
	// The keys of this AMT are always sequential integers beginning with zero.
	Partitions cid.Cid // AMT[PartitionNumber]Partition

	// Maps epochs to partitions that _may_ have sectors that expire in or
	// before that epoch, either on-time or early as faults.
	// Keys are quantized to final epochs in each proving deadline.
	//
	// NOTE: Partitions are not removed from this queue when they no longer
	// have expiring sectors. For each epoch, the partitions here may have
	// sectors expiring, no longer expiring, or never expiring.
	ExpirationsEpochs cid.Cid // AMT[ChainEpoch]BitField

	// Partitions that have been proved by window PoSts so far during the
	// current challenge window.
	// NOTE: This bitfield includes partitions that were proved with errors
	// (skipped faults), and so may be faulty.
	PartitionsPoSted bitfield.BitField

	// Partitions with sectors that terminated early.
	EarlyTerminations bitfield.BitField

	// The number of non-terminated sectors in this deadline (incl faulty).
	LiveSectors uint64

	// The total number of sectors in this deadline (incl dead).
	TotalSectors uint64

	// Memoized sum of faulty power in partitions.
	FaultyPower PowerPair

	// Snapshot of the partitions state at the end of the previous challenge
	// window for this deadline.
	PartitionsSnapshot cid.Cid
	// Snapshot of the sectors AMT at the end of the previous challenge
	// window for this deadline.
	SectorsSnapshot cid.Cid
}

// PoStPartition names a partition being proven, with any of its sectors
// declared as skipped (faulty).
type PoStPartition struct {
	// Partitions are numbered per-deadline, from zero.
	Index uint64
	// Sectors skipped while proving that weren't already declared faulty.
	Skipped bitfield.BitField
}

// PoStResult is the aggregate effect of a set of partition proofs.
type PoStResult struct {
	// Power activated or deactivated (positive or negative).
	PowerDelta PowerPair
	// Powers used for calculating penalties.
	NewFaultyPower, RetractedRecoveryPower, RecoveredPower PowerPair
	// Sectors is a bitfield of all sectors in the proven partitions.
	Sectors bitfield.BitField
	// IgnoredSectors is a subset of Sectors that should be ignored.
	IgnoredSectors bitfield.BitField
	// Bitfield of partitions that were proven.
	Partitions bitfield.BitField
}

// PenaltyPower is the power from this PoSt that should be penalized.
func (p *PoStResult) PenaltyPower() PowerPair {
	return p.NewFaultyPower.Add(p.RetractedRecoveryPower)
}

func ConstructDeadline(store adt.Store) (*Deadline, error) {
	emptyPartitionsArrayCid, err := adt.StoreEmptyArray(store, DeadlinePartitionsAmtBitwidth)
	if err != nil {
		return nil, xerrors.Errorf("failed to construct empty partitions array: %w", err)
	}
	emptyDeadlineExpirationArrayCid, err := adt.StoreEmptyArray(store, DeadlineExpirationAmtBitwidth)
	if err != nil {
		return nil, xerrors.Errorf("failed to construct empty deadline expiration array: %w", err)
	}
	emptySectorsSnapshotArrayCid, err := adt.StoreEmptyArray(store, SectorsAmtBitwidth)
	if err != nil {
		return nil, xerrors.Errorf("failed to construct empty sectors snapshot array: %w", err)
	}

	return &Deadline{
		Partitions:         emptyPartitionsArrayCid,
		ExpirationsEpochs:  emptyDeadlineExpirationArrayCid,
		EarlyTerminations:  bitfield.New(),
		PartitionsPoSted:   bitfield.New(),
		LiveSectors:        0,
		TotalSectors:       0,
		FaultyPower:        NewPowerPairZero(),
		PartitionsSnapshot: emptyPartitionsArrayCid,
		SectorsSnapshot:    emptySectorsSnapshotArrayCid,
	}, nil
}

func (d *Deadline) PartitionsArray(store adt.Store) (*adt.Array, error) {
	arr, err := adt.AsArray(store, d.Partitions, DeadlinePartitionsAmtBitwidth)
	if err != nil {
		return nil, xc.ErrIllegalState.Wrapf("failed to load partitions: %w", err)
	}
	return arr, nil
}

func (d *Deadline) PartitionsSnapshotArray(store adt.Store) (*adt.Array, error) {
	arr, err := adt.AsArray(store, d.PartitionsSnapshot, DeadlinePartitionsAmtBitwidth)
	if err != nil {
		return nil, xc.ErrIllegalState.Wrapf("failed to load partitions snapshot: %w", err)
	}
	return arr, nil
}

func (d *Deadline) LoadPartition(store adt.Store, partIdx uint64) (*Partition, error) {
	partitions, err := d.PartitionsArray(store)
	if err != nil {
		return nil, err
	}
	var partition Partition
	found, err := partitions.Get(partIdx, &partition)
	if err != nil {
		return nil, xc.ErrIllegalState.Wrapf("failed to lookup partition %d: %w", partIdx, err)
	}
	if !found {
		return nil, xc.ErrNotFound.Wrapf("no partition %d", partIdx)
	}
	return &partition, nil
}

func (d *Deadline) LoadPartitionSnapshot(store adt.Store, partIdx uint64) (*Partition, error) {
	partitions, err := d.PartitionsSnapshotArray(store)
	if err != nil {
		return nil, err
	}
	var partition Partition
	found, err := partitions.Get(partIdx, &partition)
	if err != nil {
		return nil, xc.ErrIllegalState.Wrapf("failed to lookup partition snapshot %d: %w", partIdx, err)
	}
	if !found {
		return nil, xc.ErrNotFound.Wrapf("no partition snapshot %d", partIdx)
	}
	return &partition, nil
}

// ForEachPartition walks the partitions in index order.
func (d *Deadline) ForEachPartition(store adt.Store, cb func(idx uint64, partition *Partition) error) error {
	partitions, err := d.PartitionsArray(store)
	if err != nil {
		return err
	}
	var partition Partition
	return partitions.ForEach(&partition, func(idx int64) error {
		return cb(uint64(idx), &partition)
	})
}

// Adds some partition numbers to the set expiring at an epoch.
func (d *Deadline) addExpirationPartitions(store adt.Store, expirationEpoch abi.ChainEpoch, partitions []uint64, quant QuantSpec) error {
	// Avoid doing any work if there's nothing to reschedule.
	if len(partitions) == 0 {
		return nil
	}

	queue, err := LoadBitfieldQueue(store, d.ExpirationsEpochs, quant, DeadlineExpirationAmtBitwidth)
	if err != nil {
		return xerrors.Errorf("failed to load expiration queue: %w", err)
	}
	if err = queue.AddToQueueValues(expirationEpoch, partitions...); err != nil {
		return xerrors.Errorf("failed to mutate expiration queue: %w", err)
	}
	if d.ExpirationsEpochs, err = queue.Root(); err != nil {
		return xerrors.Errorf("failed to save expiration queue: %w", err)
	}
	return nil
}

// PopExpiredSectors terminates all sectors with expirations due at or before
// some epoch, aggregating the results across the deadline's partitions.
func (d *Deadline) PopExpiredSectors(store adt.Store, until abi.ChainEpoch, quant QuantSpec) (*ExpirationSet, error) {
	expiredPartitions, modified, err := d.popExpiredPartitions(store, until, quant)
	if err != nil {
		return nil, err
	} else if !modified {
		return NewExpirationSetEmpty(), nil // nothing to do.
	}

	partitions, err := d.PartitionsArray(store)
	if err != nil {
		return nil, err
	}

	var onTimeSectors []bitfield.BitField
	var earlySectors []bitfield.BitField
	allActivePower := NewPowerPairZero()
	allFaultyPower := NewPowerPairZero()
	allOnTimePledge := big.Zero()
	var partitionsWithEarlyTerminations []uint64

	// For each partition with an expiry, remove and collect expirations from
	// the partition queue.
	if err = expiredPartitions.ForEach(func(partIdx uint64) error {
		var partition Partition
		if found, err := partitions.Get(partIdx, &partition); err != nil {
			return err
		} else if !found {
			return xerrors.Errorf("missing expected partition %d", partIdx)
		}

		partExpiration, err := partition.PopExpiredSectors(store, until, quant)
		if err != nil {
			return xerrors.Errorf("failed to pop expired sectors from partition %d: %w", partIdx, err)
		}

		onTimeSectors = append(onTimeSectors, partExpiration.OnTimeSectors)
		earlySectors = append(earlySectors, partExpiration.EarlySectors)
		allActivePower = allActivePower.Add(partExpiration.ActivePower)
		allFaultyPower = allFaultyPower.Add(partExpiration.FaultyPower)
		allOnTimePledge = big.Add(allOnTimePledge, partExpiration.OnTimePledge)

		if empty, err := partExpiration.EarlySectors.IsEmpty(); err != nil {
			return xerrors.Errorf("failed to count early expirations: %w", err)
		} else if !empty {
			partitionsWithEarlyTerminations = append(partitionsWithEarlyTerminations, partIdx)
		}

		return partitions.Set(partIdx, &partition)
	}); err != nil {
		return nil, err
	}

	if d.Partitions, err = partitions.Root(); err != nil {
		return nil, err
	}

	// Update early expiration queue.
	for _, partIdx := range partitionsWithEarlyTerminations {
		d.EarlyTerminations.Set(partIdx)
	}

	allOnTimeSectors, err := bitfield.MultiMerge(onTimeSectors...)
	if err != nil {
		return nil, err
	}
	allEarlySectors, err := bitfield.MultiMerge(earlySectors...)
	if err != nil {
		return nil, err
	}

	// Update live sector count.
	onTimeCount, err := allOnTimeSectors.Count()
	if err != nil {
		return nil, xerrors.Errorf("failed to count on-time expired sectors: %w", err)
	}
	earlyCount, err := allEarlySectors.Count()
	if err != nil {
		return nil, xerrors.Errorf("failed to count early expired sectors: %w", err)
	}
	d.LiveSectors -= onTimeCount + earlyCount

	d.FaultyPower = d.FaultyPower.Sub(allFaultyPower)

	return NewExpirationSet(allOnTimeSectors, allEarlySectors, allOnTimePledge, allActivePower, allFaultyPower), nil
}

// AddSectors adds sectors to a deadline, distributing them into partitions.
// It updates both the partitions' expiration queues and the deadline's own
// partition-expiration queue.
// The sectors must not already be present in any partition of the deadline.
func (d *Deadline) AddSectors(
	store adt.Store, partitionSize uint64, proven bool, sectors []*SectorOnChainInfo,
	ssize abi.SectorSize, quant QuantSpec,
) (PowerPair, error) {
	totalPower := NewPowerPairZero()
	if len(sectors) == 0 {
		return totalPower, nil
	}

	newSnos := bitfield.New()
	for _, sector := range sectors {
		sno := uint64(sector.SectorNumber)
		if set, err := newSnos.IsSet(sno); err != nil {
			return NewPowerPairZero(), err
		} else if set {
			return NewPowerPairZero(), xc.ErrIllegalArgument.Wrapf("duplicate sector %d in added sectors", sno)
		}
		newSnos.Set(sno)
	}

	// First update partitions, consuming the sectors
	partitionDeadlineUpdates := make(map[abi.ChainEpoch][]uint64)
	d.LiveSectors += uint64(len(sectors))
	d.TotalSectors += uint64(len(sectors))

	{
		partitions, err := d.PartitionsArray(store)
		if err != nil {
			return NewPowerPairZero(), err
		}

		// Sectors may not cross partitions.
		var existing Partition
		if err = partitions.ForEach(&existing, func(i int64) error {
			if overlap, err := BitFieldContainsAny(existing.Sectors, newSnos); err != nil {
				return err
			} else if overlap {
				return xc.ErrIllegalArgument.Wrapf("sector already present in partition %d", i)
			}
			return nil
		}); err != nil {
			return NewPowerPairZero(), err
		}

		partIdx := uint64(0)
		if partitionCount := partitions.Length(); partitionCount > 0 {
			// Try filling up the last partition first.
			partIdx = partitionCount - 1
		}

		for ; len(sectors) > 0; partIdx++ {
			// Get/create partition to update.
			var partition Partition
			if found, err := partitions.Get(partIdx, &partition); err != nil {
				return NewPowerPairZero(), err
			} else if !found {
				// This case will usually happen zero times.
				// It would require adding more than a full partition in one go to happen twice.
				p, err := ConstructPartition(store)
				if err != nil {
					return NewPowerPairZero(), err
				}
				partition = *p
			}

			// Figure out which (if any) sectors we want to add to this partition.
			sectorCount, err := partition.Sectors.Count()
			if err != nil {
				return NewPowerPairZero(), err
			}
			if sectorCount >= partitionSize {
				continue
			}

			size := min64(partitionSize-sectorCount, uint64(len(sectors)))
			partitionNewSectors := sectors[:size]
			sectors = sectors[size:]

			// Add sectors to partition.
			partitionPower, err := partition.AddSectors(store, proven, partitionNewSectors, ssize, quant)
			if err != nil {
				return NewPowerPairZero(), err
			}
			totalPower = totalPower.Add(partitionPower)

			// Save partition back.
			err = partitions.Set(partIdx, &partition)
			if err != nil {
				return NewPowerPairZero(), err
			}

			// Record deadline -> partition mapping so we can later update the deadlines.
			for _, sector := range partitionNewSectors {
				partitionUpdate := partitionDeadlineUpdates[sector.Expiration]
				// Record each new partition once.
				if len(partitionUpdate) > 0 && partitionUpdate[len(partitionUpdate)-1] == partIdx {
					continue
				}
				partitionDeadlineUpdates[sector.Expiration] = append(partitionUpdate, partIdx)
			}
		}

		// Save partitions back.
		d.Partitions, err = partitions.Root()
		if err != nil {
			return NewPowerPairZero(), err
		}
	}

	// Next, update the expiration queue.
	{
		deadlineExpirations, err := LoadBitfieldQueue(store, d.ExpirationsEpochs, quant, DeadlineExpirationAmtBitwidth)
		if err != nil {
			return NewPowerPairZero(), xerrors.Errorf("failed to load expiration epochs: %w", err)
		}
		if err = deadlineExpirations.AddManyToQueueValues(partitionDeadlineUpdates); err != nil {
			return NewPowerPairZero(), xerrors.Errorf("failed to add expirations for new deadlines: %w", err)
		}
		if d.ExpirationsEpochs, err = deadlineExpirations.Root(); err != nil {
			return NewPowerPairZero(), err
		}
	}

	return totalPower, nil
}

// PopEarlyTerminations pops early terminated sectors, partition by
// partition in index order, up to the given limits.
// Returns the termination result and whether the deadline has more early
// terminations remaining.
func (d *Deadline) PopEarlyTerminations(store adt.Store, maxPartitions, maxSectors uint64) (result TerminationResult, hasMore bool, err error) {
	stopErr := errors.New("stop error")

	partitions, err := d.PartitionsArray(store)
	if err != nil {
		return TerminationResult{}, false, xerrors.Errorf("failed to load partitions: %w", err)
	}

	var partitionsFinished []uint64
	if err = d.EarlyTerminations.ForEach(func(partIdx uint64) error {
		// Load partition.
		var partition Partition
		found, err := partitions.Get(partIdx, &partition)
		if err != nil {
			return xerrors.Errorf("failed to load partition %d: %w", partIdx, err)
		}

		if !found {
			// If the partition doesn't exist any more, no problem.
			// We don't expect this to happen (compaction should re-index early terminations),
			// but it's not worth failing if it does.
			log.Warnw("missing partition with early terminations", "partition", partIdx)
			partitionsFinished = append(partitionsFinished, partIdx)
			return nil
		}

		// Pop early terminations.
		partitionResult, more, err := partition.PopEarlyTerminations(
			store, maxSectors-result.SectorsProcessed,
		)
		if err != nil {
			return xerrors.Errorf("failed to pop terminations from partition: %w", err)
		}

		err = result.Add(partitionResult)
		if err != nil {
			return xerrors.Errorf("failed to merge termination result: %w", err)
		}

		// If we've processed all of them for this partition, unmark it in the deadline.
		if !more {
			partitionsFinished = append(partitionsFinished, partIdx)
		}

		// Save partition
		err = partitions.Set(partIdx, &partition)
		if err != nil {
			return xerrors.Errorf("failed to store partition %v", partIdx)
		}

		if !result.BelowLimit(maxPartitions, maxSectors) {
			return stopErr
		}

		return nil
	}); err != nil && err != stopErr {
		return TerminationResult{}, false, xerrors.Errorf("failed to walk early terminations bitfield for deadlines: %w", err)
	}

	// Removed finished partitions from the index.
	for _, finished := range partitionsFinished {
		d.EarlyTerminations.Unset(finished)
	}

	// Save deadline's partitions
	d.Partitions, err = partitions.Root()
	if err != nil {
		return TerminationResult{}, false, xerrors.Errorf("failed to update partitions: %w", err)
	}

	log.Debugw("popped early terminations",
		"partitions", result.PartitionsProcessed, "sectors", result.SectorsProcessed)

	// Update global early terminations bitfield.
	noEarlyTerminations, err := d.EarlyTerminations.IsEmpty()
	if err != nil {
		return TerminationResult{}, false, xerrors.Errorf("failed to count remaining early terminations partitions: %w", err)
	}

	return result, !noEarlyTerminations, nil
}

// popExpiredPartitions removes and returns the partition numbers with
// expirations due at or before some epoch, from the deadline expiration
// queue.
func (d *Deadline) popExpiredPartitions(store adt.Store, until abi.ChainEpoch, quant QuantSpec) (bitfield.BitField, bool, error) {
	expirations, err := LoadBitfieldQueue(store, d.ExpirationsEpochs, quant, DeadlineExpirationAmtBitwidth)
	if err != nil {
		return bitfield.BitField{}, false, err
	}

	popped, modified, err := expirations.PopUntil(until)
	if err != nil {
		return bitfield.BitField{}, false, xerrors.Errorf("failed to pop expiring partitions: %w", err)
	}

	if modified {
		if d.ExpirationsEpochs, err = expirations.Root(); err != nil {
			return bitfield.BitField{}, false, err
		}
	}

	return popped, modified, nil
}

// TerminateSectors terminates sectors in the given partitions at the given
// epoch, recording them for later early-termination processing.
func (d *Deadline) TerminateSectors(
	store adt.Store, sectors Sectors, epoch abi.ChainEpoch, partitionSectors PartitionSectorMap,
	ssize abi.SectorSize, quant QuantSpec,
) (powerLost PowerPair, err error) {
	if _, _, err := partitionSectors.Count(); err != nil {
		return NewPowerPairZero(), xerrors.Errorf("failed to validate termination declarations: %w", err)
	}

	partitions, err := d.PartitionsArray(store)
	if err != nil {
		return NewPowerPairZero(), xerrors.Errorf("failed to load partitions: %w", err)
	}

	powerLost = NewPowerPairZero()
	var partition Partition
	if err = partitionSectors.ForEach(func(partIdx uint64, sectorNos bitfield.BitField) error {
		if found, err := partitions.Get(partIdx, &partition); err != nil {
			return xc.ErrIllegalState.Wrapf("failed to load partition %d: %w", partIdx, err)
		} else if !found {
			return xc.ErrNotFound.Wrapf("failed to find partition %d", partIdx)
		}

		removed, err := partition.TerminateSectors(store, sectors, epoch, sectorNos, ssize, quant)
		if err != nil {
			return xerrors.Errorf("failed to terminate sectors in partition %d: %w", partIdx, err)
		}

		if err = partitions.Set(partIdx, &partition); err != nil {
			return xc.ErrIllegalState.Wrapf("failed to store updated partition %d: %w", partIdx, err)
		}

		if count, err := removed.Count(); err != nil {
			return xerrors.Errorf("failed to count terminated sectors in partition %d: %w", partIdx, err)
		} else if count > 0 {
			// Record that partition now has pending early terminations.
			d.EarlyTerminations.Set(partIdx)
			// Record change to sectors and power
			d.LiveSectors -= count
		} // note: we should _always_ have early terminations, unless the early termination bitfield is empty.

		d.FaultyPower = d.FaultyPower.Sub(removed.FaultyPower)

		// Aggregate power lost from active sectors
		powerLost = powerLost.Add(removed.ActivePower)
		return nil
	}); err != nil {
		return NewPowerPairZero(), err
	}

	// save partitions back
	if d.Partitions, err = partitions.Root(); err != nil {
		return NewPowerPairZero(), xerrors.Errorf("failed to persist partitions: %w", err)
	}

	return powerLost, nil
}

// RemovePartitions removes the specified partitions, shifting the remaining
// ones to the left, and returning the live and dead sectors they contained.
//
// Returns an error if any of the partitions contained faulty sectors or
// unproven sectors.
func (d *Deadline) RemovePartitions(store adt.Store, toRemove bitfield.BitField, quant QuantSpec) (
	live, dead bitfield.BitField, removedPower PowerPair, err error,
) {
	// Short-circuit if nothing is removed.
	if emptyToRemove, err := toRemove.IsEmpty(); err != nil {
		return bitfield.BitField{}, bitfield.BitField{}, NewPowerPairZero(), xerrors.Errorf("failed to count partitions to remove: %w", err)
	} else if emptyToRemove {
		return bitfield.New(), bitfield.New(), NewPowerPairZero(), nil
	}

	oldPartitions, err := d.PartitionsArray(store)
	if err != nil {
		return bitfield.BitField{}, bitfield.BitField{}, NewPowerPairZero(), xerrors.Errorf("failed to load partitions: %w", err)
	}

	partitionCount := oldPartitions.Length()
	toRemoveSet, err := toRemove.AllMap(partitionCount)
	if err != nil {
		return bitfield.BitField{}, bitfield.BitField{}, NewPowerPairZero(), xc.ErrIllegalArgument.Wrapf("failed to expand partitions into map: %w", err)
	}

	// Nothing to do.
	if len(toRemoveSet) == 0 {
		return bitfield.New(), bitfield.New(), NewPowerPairZero(), nil
	}

	for partIdx := range toRemoveSet { //nolint:nomaprange
		if partIdx >= partitionCount {
			return bitfield.BitField{}, bitfield.BitField{}, NewPowerPairZero(), xc.ErrNotFound.Wrapf(
				"partition index %d out of range [0, %d)", partIdx, partitionCount,
			)
		}
	}

	// Should already be checked earlier, but we might as well check again.
	noEarlyTerminations, err := d.EarlyTerminations.IsEmpty()
	if err != nil {
		return bitfield.BitField{}, bitfield.BitField{}, NewPowerPairZero(), xerrors.Errorf("failed to check for early terminations: %w", err)
	}
	if !noEarlyTerminations {
		return bitfield.BitField{}, bitfield.BitField{}, NewPowerPairZero(), xc.ErrForbidden.Wrapf("cannot remove partitions from deadline with early terminations")
	}

	newPartitions, err := adt.MakeEmptyArray(store, DeadlinePartitionsAmtBitwidth)
	if err != nil {
		return bitfield.BitField{}, bitfield.BitField{}, NewPowerPairZero(), xerrors.Errorf("failed to create empty array for partitions: %w", err)
	}
	allDeadSectors := make([]bitfield.BitField, 0, len(toRemoveSet))
	allLiveSectors := make([]bitfield.BitField, 0, len(toRemoveSet))
	removedPower = NewPowerPairZero()

	// Define all of the partitions that are not removed, and record the
	// sectors of removed ones.
	var partition Partition
	if err = oldPartitions.ForEach(&partition, func(partIdx int64) error {
		// If we're keeping the partition as-is, append it to the new
		// partitions array.
		if _, ok := toRemoveSet[uint64(partIdx)]; !ok {
			return newPartitions.AppendContinuous(&partition)
		}

		// Don't allow removing partitions with faulty sectors.
		hasNoFaults, err := partition.Faults.IsEmpty()
		if err != nil {
			return xc.ErrIllegalState.Wrapf("failed to determine if partition %d has faults: %w", partIdx, err)
		}
		if !hasNoFaults {
			return xc.ErrForbidden.Wrapf("cannot remove partition %d: has faults", partIdx)
		}

		// Don't allow removing partitions with unproven sectors.
		allProven, err := partition.Unproven.IsEmpty()
		if err != nil {
			return xc.ErrIllegalState.Wrapf("failed to determine if partition %d has unproven sectors: %w", partIdx, err)
		}
		if !allProven {
			return xc.ErrForbidden.Wrapf("cannot remove partition %d: has unproven sectors", partIdx)
		}

		// Get the live sectors.
		liveSectors, err := partition.LiveSectors()
		if err != nil {
			return xerrors.Errorf("failed to calculate live sectors for partition %d: %w", partIdx, err)
		}

		allDeadSectors = append(allDeadSectors, partition.Terminated)
		allLiveSectors = append(allLiveSectors, liveSectors)
		removedPower = removedPower.Add(partition.LivePower)
		return nil
	}); err != nil {
		return bitfield.BitField{}, bitfield.BitField{}, NewPowerPairZero(), xerrors.Errorf("while removing partitions: %w", err)
	}

	if d.Partitions, err = newPartitions.Root(); err != nil {
		return bitfield.BitField{}, bitfield.BitField{}, NewPowerPairZero(), xerrors.Errorf("failed to persist new partition table: %w", err)
	}

	if dead, err = bitfield.MultiMerge(allDeadSectors...); err != nil {
		return bitfield.BitField{}, bitfield.BitField{}, NewPowerPairZero(), xerrors.Errorf("failed to merge dead sector bitfields: %w", err)
	}
	if live, err = bitfield.MultiMerge(allLiveSectors...); err != nil {
		return bitfield.BitField{}, bitfield.BitField{}, NewPowerPairZero(), xerrors.Errorf("failed to merge live sector bitfields: %w", err)
	}

	// Update sector counts.
	removedDeadSectors, err := dead.Count()
	if err != nil {
		return bitfield.BitField{}, bitfield.BitField{}, NewPowerPairZero(), xerrors.Errorf("failed to count dead sectors: %w", err)
	}
	removedLiveSectors, err := live.Count()
	if err != nil {
		return bitfield.BitField{}, bitfield.BitField{}, NewPowerPairZero(), xerrors.Errorf("failed to count live sectors: %w", err)
	}

	d.LiveSectors -= removedLiveSectors
	d.TotalSectors -= removedLiveSectors + removedDeadSectors

	// Update expiration bitfields.
	{
		expirationEpochs, err := LoadBitfieldQueue(store, d.ExpirationsEpochs, quant, DeadlineExpirationAmtBitwidth)
		if err != nil {
			return bitfield.BitField{}, bitfield.BitField{}, NewPowerPairZero(), xerrors.Errorf("failed to load expiration queue: %w", err)
		}

		if err = expirationEpochs.Cut(toRemove); err != nil {
			return bitfield.BitField{}, bitfield.BitField{}, NewPowerPairZero(), xerrors.Errorf("failed cut removed partitions from deadline expiration queue: %w", err)
		}

		if d.ExpirationsEpochs, err = expirationEpochs.Root(); err != nil {
			return bitfield.BitField{}, bitfield.BitField{}, NewPowerPairZero(), xerrors.Errorf("failed persist deadline expiration queue: %w", err)
		}
	}

	return live, dead, removedPower, nil
}

// RecordFaults records declared faults in the given partitions, rescheduling
// the faulty sectors to expire at the fault expiration epoch if not sooner.
// Returns the power delta (always non-positive).
func (d *Deadline) RecordFaults(
	store adt.Store, sectors Sectors, ssize abi.SectorSize, quant QuantSpec,
	faultExpirationEpoch abi.ChainEpoch, partitionSectors PartitionSectorMap,
) (powerDelta PowerPair, err error) {
	if _, _, err := partitionSectors.Count(); err != nil {
		return NewPowerPairZero(), xerrors.Errorf("failed to validate fault declarations: %w", err)
	}

	partitions, err := d.PartitionsArray(store)
	if err != nil {
		return NewPowerPairZero(), err
	}

	// Record partitions with some fault, for subsequently indexing in the deadline.
	// Duplicate entries don't matter, they'll be stored in a bitfield (a set).
	partitionsWithFault := make([]uint64, 0, len(partitionSectors))
	powerDelta = NewPowerPairZero()
	if err = partitionSectors.ForEach(func(partIdx uint64, sectorNos bitfield.BitField) error {
		var partition Partition
		if found, err := partitions.Get(partIdx, &partition); err != nil {
			return xc.ErrIllegalState.Wrapf("failed to load partition %d: %w", partIdx, err)
		} else if !found {
			return xc.ErrNotFound.Wrapf("no such partition %d", partIdx)
		}

		newFaults, partitionPowerDelta, partitionNewFaultyPower, err := partition.RecordFaults(
			store, sectors, sectorNos, faultExpirationEpoch, ssize, quant,
		)
		if err != nil {
			return xerrors.Errorf("failed to declare faults in partition %d: %w", partIdx, err)
		}
		d.FaultyPower = d.FaultyPower.Add(partitionNewFaultyPower)
		powerDelta = powerDelta.Add(partitionPowerDelta)
		if empty, err := newFaults.IsEmpty(); err != nil {
			return xerrors.Errorf("failed to count new faults: %w", err)
		} else if !empty {
			partitionsWithFault = append(partitionsWithFault, partIdx)
		}

		if err = partitions.Set(partIdx, &partition); err != nil {
			return xc.ErrIllegalState.Wrapf("failed to store partition %d: %w", partIdx, err)
		}

		return nil
	}); err != nil {
		return NewPowerPairZero(), err
	}

	if d.Partitions, err = partitions.Root(); err != nil {
		return NewPowerPairZero(), xc.ErrIllegalState.Wrapf("failed to store partitions root: %w", err)
	}

	if err = d.addExpirationPartitions(store, faultExpirationEpoch, partitionsWithFault, quant); err != nil {
		return NewPowerPairZero(), xc.ErrIllegalState.Wrapf("failed to update expirations for partitions with faults: %w", err)
	}

	return powerDelta, nil
}

// DeclareFaultsRecovered declares recoveries for faulty sectors in the
// given partitions. The sectors stay faulty until the proof arrives.
func (d *Deadline) DeclareFaultsRecovered(
	store adt.Store, sectors Sectors, ssize abi.SectorSize, partitionSectors PartitionSectorMap,
) (err error) {
	if _, _, err := partitionSectors.Count(); err != nil {
		return xerrors.Errorf("failed to validate recovery declarations: %w", err)
	}

	partitions, err := d.PartitionsArray(store)
	if err != nil {
		return err
	}

	if err = partitionSectors.ForEach(func(partIdx uint64, sectorNos bitfield.BitField) error {
		var partition Partition
		if found, err := partitions.Get(partIdx, &partition); err != nil {
			return xc.ErrIllegalState.Wrapf("failed to load partition %d: %w", partIdx, err)
		} else if !found {
			return xc.ErrNotFound.Wrapf("no such partition %d", partIdx)
		}

		if err = partition.DeclareFaultsRecovered(sectors, ssize, sectorNos); err != nil {
			return xerrors.Errorf("failed to add recoveries: %w", err)
		}

		if err = partitions.Set(partIdx, &partition); err != nil {
			return xc.ErrIllegalState.Wrapf("failed to update partition %d: %w", partIdx, err)
		}
		return nil
	}); err != nil {
		return err
	}

	// Power is not regained until the deadline end, when the recovery is confirmed.

	if d.Partitions, err = partitions.Root(); err != nil {
		return xc.ErrIllegalState.Wrapf("failed to store partitions root: %w", err)
	}
	return nil
}

// ProcessDeadlineEnd processes a deadline at close of its challenge window.
// Marks all partitions not proven this window as faulty, resets the proven
// set, and takes snapshots of the partitions and sectors states.
func (d *Deadline) ProcessDeadlineEnd(store adt.Store, quant QuantSpec, faultExpirationEpoch abi.ChainEpoch, sectors cid.Cid) (
	powerDelta, penalizedPower PowerPair, err error,
) {
	powerDelta = NewPowerPairZero()
	penalizedPower = NewPowerPairZero()

	partitions, err := d.PartitionsArray(store)
	if err != nil {
		return powerDelta, penalizedPower, xc.ErrIllegalState.Wrapf("failed to load partitions: %w", err)
	}

	detectedAny := false
	var rescheduledPartitions []uint64
	partitionCount := partitions.Length()
	for partIdx := uint64(0); partIdx < partitionCount; partIdx++ {
		proven, err := d.PartitionsPoSted.IsSet(partIdx)
		if err != nil {
			return powerDelta, penalizedPower, xc.ErrIllegalState.Wrapf("failed to check for proof in partition %d: %w", partIdx, err)
		}
		if proven {
			continue
		}

		var partition Partition
		found, err := partitions.Get(partIdx, &partition)
		if err != nil {
			return powerDelta, penalizedPower, xc.ErrIllegalState.Wrapf("failed to load partition %d: %w", partIdx, err)
		}
		if !found {
			return powerDelta, penalizedPower, xerrors.Errorf("no partition %d", partIdx)
		}

		// If we have no recovering power/sectors, and all power is faulty,
		// skip this. This lets us skip some work if a miner repeatedly fails
		// to PoSt.
		if partition.RecoveringPower.IsZero() && partition.FaultyPower.Equals(partition.LivePower) {
			continue
		}

		// Ok, we actually need to process this partition. Make sure we save the partition state back.
		detectedAny = true

		partPowerDelta, partPenalizedPower, partNewFaultyPower, err := partition.RecordMissedPost(store, faultExpirationEpoch, quant)
		if err != nil {
			return powerDelta, penalizedPower, xerrors.Errorf("failed to record missed PoSt for partition %v: %w", partIdx, err)
		}

		// We marked some sectors faulty, we need to record the new
		// expiration. We don't want to do this if we're just penalizing the
		// miner for missing a PoSt.
		if !partNewFaultyPower.IsZero() {
			rescheduledPartitions = append(rescheduledPartitions, partIdx)
		}

		// Save new partition state.
		err = partitions.Set(partIdx, &partition)
		if err != nil {
			return powerDelta, penalizedPower, xc.ErrIllegalState.Wrapf("failed to update partition %v: %w", partIdx, err)
		}

		d.FaultyPower = d.FaultyPower.Add(partNewFaultyPower)

		powerDelta = powerDelta.Add(partPowerDelta)
		penalizedPower = penalizedPower.Add(partPenalizedPower)
	}

	// Save modified deadline state.
	if detectedAny {
		if d.Partitions, err = partitions.Root(); err != nil {
			return powerDelta, penalizedPower, xc.ErrIllegalState.Wrapf("failed to store partitions: %w", err)
		}
	}

	err = d.addExpirationPartitions(store, faultExpirationEpoch, rescheduledPartitions, quant)
	if err != nil {
		return powerDelta, penalizedPower, xc.ErrIllegalState.Wrapf("failed to update deadline expiration queue: %w", err)
	}

	// Reset PoSt submissions, snapshot proven partitions and sectors.
	d.PartitionsPoSted = bitfield.New()
	d.PartitionsSnapshot = d.Partitions
	d.SectorsSnapshot = sectors

	log.Debugw("processed deadline end",
		"rescheduledPartitions", len(rescheduledPartitions),
		"powerDelta", powerDelta, "penalizedPower", penalizedPower)

	return powerDelta, penalizedPower, nil
}

// RescheduleSectorExpirations moves the given active sectors to the target
// expiration, skipping missing partitions and non-active sectors.
// Returns all re-scheduled sectors.
func (d *Deadline) RescheduleSectorExpirations(
	store adt.Store, sectors Sectors, expiration abi.ChainEpoch, partitionSectors PartitionSectorMap,
	ssize abi.SectorSize, quant QuantSpec,
) ([]*SectorOnChainInfo, error) {
	partitions, err := d.PartitionsArray(store)
	if err != nil {
		return nil, err
	}

	var rescheduledPartitions []uint64 // track partitions with moved expirations.
	var allReplaced []*SectorOnChainInfo
	if err = partitionSectors.ForEach(func(partIdx uint64, sectorNos bitfield.BitField) error {
		var partition Partition
		if found, err := partitions.Get(partIdx, &partition); err != nil {
			return xc.ErrIllegalState.Wrapf("failed to load partition %d: %w", partIdx, err)
		} else if !found {
			// We failed to find the partition, it could have moved due to
			// compaction. This function is only reschedules sectors it can
			// find so we'll just skip it.
			return nil
		}

		replaced, err := partition.RescheduleExpirations(store, sectors, expiration, sectorNos, ssize, quant)
		if err != nil {
			return xerrors.Errorf("failed to reschedule expirations in partition %d: %w", partIdx, err)
		}
		if len(replaced) == 0 {
			// nothing moved.
			return nil
		}
		allReplaced = append(allReplaced, replaced...)

		rescheduledPartitions = append(rescheduledPartitions, partIdx)
		if err = partitions.Set(partIdx, &partition); err != nil {
			return xc.ErrIllegalState.Wrapf("failed to store partition %d: %w", partIdx, err)
		}
		return nil
	}); err != nil {
		return nil, err
	}

	if len(rescheduledPartitions) > 0 {
		if d.Partitions, err = partitions.Root(); err != nil {
			return nil, xc.ErrIllegalState.Wrapf("failed to save partitions: %w", err)
		}
		if err := d.addExpirationPartitions(store, expiration, rescheduledPartitions, quant); err != nil {
			return nil, xc.ErrIllegalState.Wrapf("failed to reschedule partition expirations: %w", err)
		}
	}

	return allReplaced, nil
}

// RecordProvenSectors records a set of partitions as proven for the current
// window, processing their skipped faults, declared recoveries and unproven
// sector activations.
// The partitions are added to the Posted set.
func (d *Deadline) RecordProvenSectors(
	store adt.Store, sectors Sectors, ssize abi.SectorSize, quant QuantSpec,
	faultExpiration abi.ChainEpoch, postPartitions []PoStPartition,
) (*PoStResult, error) {
	partitionIndexes := bitfield.New()
	for _, partition := range postPartitions {
		partitionIndexes.Set(partition.Index)
	}
	if numPartitions, err := partitionIndexes.Count(); err != nil {
		return nil, xc.ErrIllegalArgument.Wrapf("failed to count posted partitions: %w", err)
	} else if numPartitions != uint64(len(postPartitions)) {
		return nil, xc.ErrIllegalArgument.Wrapf("duplicate partitions proven")
	}

	// First check to see if we're proving any already proven partitions.
	// This is faster than checking one at a time.
	if alreadyProven, err := bitfield.IntersectBitField(d.PartitionsPoSted, partitionIndexes); err != nil {
		return nil, xerrors.Errorf("failed to check proven partitions: %w", err)
	} else if empty, err := alreadyProven.IsEmpty(); err != nil {
		return nil, xerrors.Errorf("failed to check proven intersection is empty: %w", err)
	} else if !empty {
		return nil, xc.ErrIllegalArgument.Wrapf("partition already proven: %v", alreadyProven)
	}

	partitions, err := d.PartitionsArray(store)
	if err != nil {
		return nil, err
	}

	allSectors := make([]bitfield.BitField, 0, len(postPartitions))
	allIgnored := make([]bitfield.BitField, 0, len(postPartitions))
	newFaultyPowerTotal := NewPowerPairZero()
	retractedRecoveryPowerTotal := NewPowerPairZero()
	recoveredPowerTotal := NewPowerPairZero()
	powerDelta := NewPowerPairZero()
	var rescheduledPartitions []uint64

	// Accumulate sectors info for proof verification.
	for _, post := range postPartitions {
		var partition Partition
		found, err := partitions.Get(post.Index, &partition)
		if err != nil {
			return nil, xerrors.Errorf("failed to load partition %d: %w", post.Index, err)
		} else if !found {
			return nil, xc.ErrNotFound.Wrapf("no such partition %d", post.Index)
		}

		// Process new faults and accumulate new faulty power.
		// This updates the faults in partition state ahead of calculating the sectors to include for proof.
		newPowerDelta, newFaultPower, retractedRecoveryPower, hasNewFaults, err := partition.RecordSkippedFaults(
			store, sectors, ssize, quant, faultExpiration, post.Skipped,
		)
		if err != nil {
			return nil, xerrors.Errorf("failed to add skipped faults to partition %d: %w", post.Index, err)
		}

		// If we have new faulty power, we've added some faults. We need
		// to record the new expiration in the deadline.
		if hasNewFaults {
			rescheduledPartitions = append(rescheduledPartitions, post.Index)
		}

		recoveredPower, err := partition.RecoverAllDeclaredRecoveries(store, sectors, ssize, quant)
		if err != nil {
			return nil, xerrors.Errorf("failed to process recoveries for partition %d: %w", post.Index, err)
		}

		// Finally, activate power for newly proven sectors.
		newPowerDelta = newPowerDelta.Add(partition.ActivateUnproven())

		// This will be rolled back if the method aborts with a failed proof.
		if err = partitions.Set(post.Index, &partition); err != nil {
			return nil, xc.ErrIllegalState.Wrapf("failed to update partition %v: %w", post.Index, err)
		}

		newFaultyPowerTotal = newFaultyPowerTotal.Add(newFaultPower)
		retractedRecoveryPowerTotal = retractedRecoveryPowerTotal.Add(retractedRecoveryPower)
		recoveredPowerTotal = recoveredPowerTotal.Add(recoveredPower)
		powerDelta = powerDelta.Add(newPowerDelta).Add(recoveredPower)

		// Record the post.
		d.PartitionsPoSted.Set(post.Index)

		// At this point, the partition faults represents the expected faults
		// for the proof, with new skipped faults and recoveries taken into
		// account.
		allSectors = append(allSectors, partition.Sectors)
		allIgnored = append(allIgnored, partition.Faults)
		allIgnored = append(allIgnored, partition.Terminated)
	}

	err = d.addExpirationPartitions(store, faultExpiration, rescheduledPartitions, quant)
	if err != nil {
		return nil, xc.ErrIllegalState.Wrapf("failed to update expirations for partitions with faults: %w", err)
	}

	// Save everything back.
	d.FaultyPower = d.FaultyPower.Sub(recoveredPowerTotal).Add(newFaultyPowerTotal)

	if d.Partitions, err = partitions.Root(); err != nil {
		return nil, xc.ErrIllegalState.Wrapf("failed to persist partitions: %w", err)
	}

	// Collect all sectors, faults, and recoveries for proof verification.
	allSectorNos, err := bitfield.MultiMerge(allSectors...)
	if err != nil {
		return nil, xc.ErrIllegalState.Wrapf("failed to merge all sectors bitfields: %w", err)
	}
	allIgnoredSectorNos, err := bitfield.MultiMerge(allIgnored...)
	if err != nil {
		return nil, xc.ErrIllegalState.Wrapf("failed to merge ignored sectors bitfields: %w", err)
	}

	return &PoStResult{
		Sectors:                allSectorNos,
		IgnoredSectors:         allIgnoredSectorNos,
		PowerDelta:             powerDelta,
		NewFaultyPower:         newFaultyPowerTotal,
		RecoveredPower:         recoveredPowerTotal,
		RetractedRecoveryPower: retractedRecoveryPowerTotal,
		Partitions:             partitionIndexes,
	}, nil
}
