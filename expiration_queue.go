package deadline

import (
	"fmt"
	"sort"

	"github.com/filecoin-project/go-bitfield"
	"github.com/filecoin-project/go-state-types/abi"
	"github.com/filecoin-project/go-state-types/big"
	"github.com/ipfs/go-cid"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/go-deadline-state/adt"
)

// ExpirationSet is a collection of sector numbers that are expiring, either
// due to expected "on-time" expiration at the end of their life, or unexpected
// "early" termination due to being faulty for too long consecutively.
// Note that there is not a direct correspondence between on-time sectors and
// active power or faulty power, since faulty sectors may expire on-time at
// their declared expiration.
type ExpirationSet struct {
	OnTimeSectors bitfield.BitField // Sectors expiring "on time" at the end of their committed life
	EarlySectors  bitfield.BitField // Sectors expiring "early" due to being faulty for too long
	OnTimePledge  abi.TokenAmount   // Pledge total for the on-time sectors
	ActivePower   PowerPair         // Power that is currently active (not faulty)
	FaultyPower   PowerPair         // Power that is currently faulty
}

func NewExpirationSetEmpty() *ExpirationSet {
	return NewExpirationSet(bitfield.New(), bitfield.New(), big.Zero(), NewPowerPairZero(), NewPowerPairZero())
}

func NewExpirationSet(onTimeSectors, earlySectors bitfield.BitField, onTimePledge abi.TokenAmount, activePower, faultyPower PowerPair) *ExpirationSet {
	return &ExpirationSet{
		OnTimeSectors: onTimeSectors,
		EarlySectors:  earlySectors,
		OnTimePledge:  onTimePledge,
		ActivePower:   activePower,
		FaultyPower:   faultyPower,
	}
}

// Add adds sectors and power to the expiration set in place.
func (es *ExpirationSet) Add(onTimeSectors, earlySectors bitfield.BitField, onTimePledge abi.TokenAmount, activePower, faultyPower PowerPair) error {
	var err error
	if es.OnTimeSectors, err = bitfield.MergeBitFields(es.OnTimeSectors, onTimeSectors); err != nil {
		return err
	}
	if es.EarlySectors, err = bitfield.MergeBitFields(es.EarlySectors, earlySectors); err != nil {
		return err
	}
	es.OnTimePledge = big.Add(es.OnTimePledge, onTimePledge)
	es.ActivePower = es.ActivePower.Add(activePower)
	es.FaultyPower = es.FaultyPower.Add(faultyPower)
	return nil
}

// Remove removes sectors and power from the expiration set in place.
// The sectors are expected to be present.
func (es *ExpirationSet) Remove(onTimeSectors, earlySectors bitfield.BitField, onTimePledge abi.TokenAmount, activePower, faultyPower PowerPair) error {
	// Check for sector intersection, to better balance single-sector removal
	// with zero-removal cases.
	if found, err := BitFieldContainsAll(es.OnTimeSectors, onTimeSectors); err != nil {
		return err
	} else if !found {
		return xerrors.Errorf("removing on-time sectors %v not contained in %v", onTimeSectors, es.OnTimeSectors)
	}
	if found, err := BitFieldContainsAll(es.EarlySectors, earlySectors); err != nil {
		return err
	} else if !found {
		return xerrors.Errorf("removing early sectors %v not contained in %v", earlySectors, es.EarlySectors)
	}

	var err error
	if es.OnTimeSectors, err = bitfield.SubtractBitField(es.OnTimeSectors, onTimeSectors); err != nil {
		return err
	}
	if es.EarlySectors, err = bitfield.SubtractBitField(es.EarlySectors, earlySectors); err != nil {
		return err
	}
	es.OnTimePledge = big.Sub(es.OnTimePledge, onTimePledge)
	es.ActivePower = es.ActivePower.Sub(activePower)
	es.FaultyPower = es.FaultyPower.Sub(faultyPower)
	return es.ValidateState()
}

// IsEmpty returns whether the set is empty of sectors.
func (es *ExpirationSet) IsEmpty() (empty bool, err error) {
	if empty, err = es.OnTimeSectors.IsEmpty(); err != nil {
		return false, err
	} else if empty {
		if empty, err = es.EarlySectors.IsEmpty(); err != nil {
			return false, err
		}
		return empty, nil
	}
	return false, nil
}

// Count counts all sectors in the expiration set.
func (es *ExpirationSet) Count() (count uint64, err error) {
	onTime, err := es.OnTimeSectors.Count()
	if err != nil {
		return 0, err
	}
	early, err := es.EarlySectors.Count()
	if err != nil {
		return 0, err
	}
	return onTime + early, nil
}

// ValidateState checks the expiration set is internally consistent.
func (es *ExpirationSet) ValidateState() error {
	if es.ActivePower.Raw.LessThan(big.Zero()) || es.ActivePower.QA.LessThan(big.Zero()) {
		return xerrors.Errorf("expiration set left with negative active power: %v", es.ActivePower)
	}
	if es.FaultyPower.Raw.LessThan(big.Zero()) || es.FaultyPower.QA.LessThan(big.Zero()) {
		return xerrors.Errorf("expiration set left with negative faulty power: %v", es.FaultyPower)
	}
	if es.OnTimePledge.LessThan(big.Zero()) {
		return xerrors.Errorf("expiration set left with negative pledge: %v", es.OnTimePledge)
	}
	return nil
}

// ExpirationQueue is a queue of expiration sets indexed by (quantized) epoch.
// The goal of this data structure is to be able to pop all sectors scheduled
// up to some epoch, as well as to remove or reschedule specific sectors from
// arbitrary future entries.
//
// Schedules inside the queue are assumed to be quantized upwards by the
// queue's quantization spec.
type ExpirationQueue struct {
	*adt.Array
	quant QuantSpec
}

// sectorEpochSet groups a set of sectors that share an expiration epoch,
// with their aggregate power and pledge.
// Note that the sectors are not sorted.
type sectorEpochSet struct {
	epoch   abi.ChainEpoch
	sectors []uint64
	power   PowerPair
	pledge  abi.TokenAmount
}

// sectorExpirationSet pairs a sectorEpochSet with the queue entry the
// sectors currently occupy.
type sectorExpirationSet struct {
	sectorEpochSet
	es *ExpirationSet
}

// LoadExpirationQueue opens a queue stored at a root, with quantization.
// The caller must write the root back after mutating the queue.
func LoadExpirationQueue(store adt.Store, root cid.Cid, quant QuantSpec, bitwidth uint) (ExpirationQueue, error) {
	arr, err := adt.AsArray(store, root, bitwidth)
	if err != nil {
		return ExpirationQueue{}, xerrors.Errorf("failed to load epoch queue %v: %w", root, err)
	}
	return ExpirationQueue{arr, quant}, nil
}

// AddActiveSectors adds a collection of sectors to their on-time target
// expiration entries, quantized up. The sectors are assumed to be active
// (non-faulty).
// Returns the sector numbers, power, and pledge added.
func (q ExpirationQueue) AddActiveSectors(sectors []*SectorOnChainInfo, ssize abi.SectorSize) (bitfield.BitField, PowerPair, abi.TokenAmount, error) {
	totalPower := NewPowerPairZero()
	totalPledge := big.Zero()
	var totalSectors []bitfield.BitField
	noEarlySectors := bitfield.New()
	noFaultyPower := NewPowerPairZero()
	for _, group := range groupNewSectorsByDeclaredExpiration(ssize, sectors, q.quant) {
		snos := bitfield.NewFromSet(group.sectors)
		if err := q.add(group.epoch, snos, noEarlySectors, group.power, noFaultyPower, group.pledge); err != nil {
			return bitfield.BitField{}, NewPowerPairZero(), big.Zero(), xerrors.Errorf("failed to record new sector expirations: %w", err)
		}
		totalSectors = append(totalSectors, snos)
		totalPower = totalPower.Add(group.power)
		totalPledge = big.Add(totalPledge, group.pledge)
	}
	snos, err := bitfield.MultiMerge(totalSectors...)
	if err != nil {
		return bitfield.BitField{}, NewPowerPairZero(), big.Zero(), err
	}
	return snos, totalPower, totalPledge, nil
}

// RescheduleExpirations removes a collection of active sectors from their
// current entries and re-schedules them at a new (quantized) expiration.
// The sectors being rescheduled are assumed not to be faulty; the stored
// sector infos are not updated by this queue.
func (q ExpirationQueue) RescheduleExpirations(newExpiration abi.ChainEpoch, sectors []*SectorOnChainInfo, ssize abi.SectorSize) error {
	if len(sectors) == 0 {
		return nil
	}

	snos, power, pledge, err := q.removeActiveSectors(sectors, ssize)
	if err != nil {
		return xerrors.Errorf("failed to remove sector expirations: %w", err)
	}
	if err = q.add(newExpiration, snos, bitfield.New(), power, NewPowerPairZero(), pledge); err != nil {
		return xerrors.Errorf("failed to record new sector expirations: %w", err)
	}
	return nil
}

// RescheduleAsFaults re-schedules sectors to expire at an early expiration
// epoch (quantized), if they were not already scheduled before that epoch.
// Sectors must not be already faulty, so must be scheduled for on-time
// rather than early expiration.
// The pledge for the now-early sectors is dropped from the on-time bucket.
// Returns the total power represented by the sectors.
func (q ExpirationQueue) RescheduleAsFaults(newExpiration abi.ChainEpoch, sectors []*SectorOnChainInfo, ssize abi.SectorSize) (PowerPair, error) {
	var sectorsTotal []uint64
	expiredPower := NewPowerPairZero()
	rescheduledPower := NewPowerPairZero()

	// Group sectors by their current expiration, then remove from existing
	// queue entries according to those groups.
	groups, err := q.findSectorsByExpiration(ssize, sectors)
	if err != nil {
		return NewPowerPairZero(), err
	}
	for _, group := range groups {
		var err error
		if group.epoch <= q.quant.QuantizeUp(newExpiration) {
			// Don't reschedule sectors that are already due to expire
			// on-time before the fault-driven expiration, but do represent
			// their power as faulty.
			// Their pledge remains as "on-time".
			group.es.ActivePower = group.es.ActivePower.Sub(group.power)
			group.es.FaultyPower = group.es.FaultyPower.Add(group.power)
			expiredPower = expiredPower.Add(group.power)
		} else {
			// Remove sectors from on-time expiry and active power.
			sectorsBf := bitfield.NewFromSet(group.sectors)
			if group.es.OnTimeSectors, err = bitfield.SubtractBitField(group.es.OnTimeSectors, sectorsBf); err != nil {
				return NewPowerPairZero(), err
			}
			group.es.OnTimePledge = big.Sub(group.es.OnTimePledge, group.pledge)
			group.es.ActivePower = group.es.ActivePower.Sub(group.power)

			// Accumulate the sectors and power removed.
			sectorsTotal = append(sectorsTotal, group.sectors...)
			rescheduledPower = rescheduledPower.Add(group.power)
		}
		if err = q.mustUpdateOrDelete(group.epoch, group.es); err != nil {
			return NewPowerPairZero(), err
		}

		if err = group.es.ValidateState(); err != nil {
			return NewPowerPairZero(), err
		}
	}

	if len(sectorsTotal) > 0 {
		// Add sectors to new expiration as early-expiring and faulty.
		earlySectors := bitfield.NewFromSet(sectorsTotal)
		noOnTimeSectors := bitfield.New()
		noActivePower := NewPowerPairZero()
		noOnTimePledge := big.Zero()
		if err := q.add(newExpiration, noOnTimeSectors, earlySectors, noActivePower, rescheduledPower, noOnTimePledge); err != nil {
			return NewPowerPairZero(), err
		}
	}

	return rescheduledPower.Add(expiredPower), nil
}

// RescheduleAllAsFaults re-schedules all non-expired, non-faulty sectors to
// expire at the fault expiration (quantized), for use when the caller fails
// to prove a whole partition.
// Sectors already expiring before the fault epoch keep their entry, with all
// their power treated as faulty.
func (q ExpirationQueue) RescheduleAllAsFaults(faultExpiration abi.ChainEpoch) error {
	var rescheduledEpochs []uint64
	var rescheduledSectors []bitfield.BitField
	rescheduledPower := NewPowerPairZero()

	var es ExpirationSet
	if err := q.Array.ForEach(&es, func(e int64) error {
		epoch := abi.ChainEpoch(e)
		if epoch <= q.quant.QuantizeUp(faultExpiration) {
			// Regardless of whether the sectors were expiring on-time or
			// early, all the power is now faulty. Pledge is still on-time.
			es.FaultyPower = es.FaultyPower.Add(es.ActivePower)
			es.ActivePower = NewPowerPairZero()
			if err := q.mustUpdate(epoch, &es); err != nil {
				return err
			}
		} else {
			rescheduledEpochs = append(rescheduledEpochs, uint64(e))
			// Sanity check to make sure we're not trying to re-schedule
			// already faulty sectors to an earlier epoch.
			if isEmpty, err := es.EarlySectors.IsEmpty(); err != nil {
				return err
			} else if !isEmpty {
				return xerrors.New("attempted to re-schedule early expirations to an earlier epoch")
			}
			rescheduledSectors = append(rescheduledSectors, es.OnTimeSectors)
			rescheduledPower = rescheduledPower.Add(es.ActivePower)
			rescheduledPower = rescheduledPower.Add(es.FaultyPower)
		}

		if err := es.ValidateState(); err != nil {
			return err
		}

		return nil
	}); err != nil {
		return err
	}

	// If we didn't reschedule anything, we're done.
	if len(rescheduledEpochs) == 0 {
		return nil
	}

	// Add rescheduled sectors to the new expiration as early-expiring and faulty.
	allRescheduled, err := bitfield.MultiMerge(rescheduledSectors...)
	if err != nil {
		return xerrors.Errorf("failed to merge rescheduled sectors: %w", err)
	}
	noOnTimeSectors := bitfield.New()
	noActivePower := NewPowerPairZero()
	noOnTimePledge := big.Zero()
	if err = q.add(faultExpiration, noOnTimeSectors, allRescheduled, noActivePower, rescheduledPower, noOnTimePledge); err != nil {
		return err
	}

	// Trim the rescheduled epochs from the queue.
	if err = q.Array.BatchDelete(rescheduledEpochs, true); err != nil {
		return err
	}

	return nil
}

// RescheduleRecovered removes sectors from the early-expiring (faulty)
// entries and re-schedules them at their declared on-time expiration,
// restoring their power as active.
// Returns the power of the now-recovered sectors.
func (q ExpirationQueue) RescheduleRecovered(sectors []*SectorOnChainInfo, ssize abi.SectorSize) (PowerPair, error) {
	remaining := make(map[abi.SectorNumber]struct{}, len(sectors))
	for _, s := range sectors {
		remaining[s.SectorNumber] = struct{}{}
	}

	// Traverse the expiration queue once to find each recovering sector and
	// remove it from early/faulty there. The sectors will be re-scheduled
	// according to their declared expirations.
	var sectorsRescheduled []*SectorOnChainInfo
	recoveredPower := NewPowerPairZero()
	if err := q.traverseMutate(func(epoch abi.ChainEpoch, es *ExpirationSet) (changed bool, keepGoing bool, err error) {
		onTimeSectors, err := es.OnTimeSectors.AllMap(SectorsMax)
		if err != nil {
			return false, false, err
		}
		earlySectors, err := es.EarlySectors.AllMap(SectorsMax)
		if err != nil {
			return false, false, err
		}

		// This loop could alternatively be done by constructing bitfields and
		// intersecting them, but it's not clearly faster. If faults are
		// correlated, the first queue entry likely has them all anyway.
		for _, sector := range sectors {
			sno := uint64(sector.SectorNumber)
			power := PowerForSector(ssize, sector)
			found := false
			if onTimeSectors[sno] {
				found = true
				// If the sector expires on-time at this epoch, leave it here
				// but change faulty power to active.
				// The pledge is already part of the on-time pledge at this entry.
				es.ActivePower = es.ActivePower.Add(power)
				es.FaultyPower = es.FaultyPower.Sub(power)
			} else if earlySectors[sno] {
				found = true
				// If the sector expires early at this epoch, remove it for
				// re-scheduling. It's not part of the on-time pledge here.
				es.EarlySectors.Unset(sno)
				es.FaultyPower = es.FaultyPower.Sub(power)
				sectorsRescheduled = append(sectorsRescheduled, sector)
			}
			if found {
				recoveredPower = recoveredPower.Add(power)
				delete(remaining, sector.SectorNumber)
				changed = true
			}
		}

		if err = es.ValidateState(); err != nil {
			return false, false, err
		}

		return changed, len(remaining) > 0, nil
	}); err != nil {
		return NewPowerPairZero(), err
	}
	if len(remaining) > 0 {
		return NewPowerPairZero(), xerrors.Errorf("sectors not found in expiration queue: %v", remaining)
	}

	// Re-schedule the removed sectors to their target expirations.
	if _, _, _, err := q.AddActiveSectors(sectorsRescheduled, ssize); err != nil {
		return NewPowerPairZero(), err
	}
	return recoveredPower, nil
}

// RemoveSectors removes some sectors from the queue entirely.
// The sectors may be active or faulty, and scheduled either for on-time or
// early termination.
// Returns the aggregate of removed sectors and power, and the power of the
// removed sectors that were recovering.
func (q ExpirationQueue) RemoveSectors(sectors []*SectorOnChainInfo, faults, recovering bitfield.BitField, ssize abi.SectorSize) (*ExpirationSet, PowerPair, error) {
	remaining := make(map[abi.SectorNumber]struct{}, len(sectors))
	for _, s := range sectors {
		remaining[s.SectorNumber] = struct{}{}
	}

	faultsMap, err := faults.AllMap(SectorsMax)
	if err != nil {
		return nil, NewPowerPairZero(), xerrors.Errorf("failed to expand faults: %w", err)
	}
	recoveringMap, err := recovering.AllMap(SectorsMax)
	if err != nil {
		return nil, NewPowerPairZero(), xerrors.Errorf("failed to expand recoveries: %w", err)
	}

	// Results
	removed := NewExpirationSetEmpty()
	recoveringPower := NewPowerPairZero()

	// Split into faulty and non-faulty. We process non-faulty sectors first
	// because they always expire on-time so we know where to find them.
	if err := q.traverseMutate(func(epoch abi.ChainEpoch, es *ExpirationSet) (changed bool, keepGoing bool, err error) {
		onTimeSectors, err := es.OnTimeSectors.AllMap(SectorsMax)
		if err != nil {
			return false, false, err
		}
		earlySectors, err := es.EarlySectors.AllMap(SectorsMax)
		if err != nil {
			return false, false, err
		}

		for _, sector := range sectors {
			sno := uint64(sector.SectorNumber)
			power := PowerForSector(ssize, sector)
			found := false

			if onTimeSectors[sno] {
				found = true
				es.OnTimeSectors.Unset(sno)
				removed.OnTimeSectors.Set(sno)
				es.OnTimePledge = big.Sub(es.OnTimePledge, sector.InitialPledge)
				removed.OnTimePledge = big.Add(removed.OnTimePledge, sector.InitialPledge)
			} else if earlySectors[sno] {
				found = true
				es.EarlySectors.Unset(sno)
				removed.EarlySectors.Set(sno)
			}

			if found {
				if faultsMap[sno] {
					es.FaultyPower = es.FaultyPower.Sub(power)
					removed.FaultyPower = removed.FaultyPower.Add(power)
				} else {
					es.ActivePower = es.ActivePower.Sub(power)
					removed.ActivePower = removed.ActivePower.Add(power)
				}
				if recoveringMap[sno] {
					recoveringPower = recoveringPower.Add(power)
				}
				delete(remaining, sector.SectorNumber)
				changed = true
			}
		}

		if err = es.ValidateState(); err != nil {
			return false, false, err
		}

		return changed, len(remaining) > 0, nil
	}); err != nil {
		return nil, NewPowerPairZero(), err
	}
	if len(remaining) > 0 {
		return nil, NewPowerPairZero(), xerrors.Errorf("sectors not found in expiration queue: %v", remaining)
	}

	return removed, recoveringPower, nil
}

// PopUntil removes and aggregates entries from the queue up to and including
// some epoch.
func (q ExpirationQueue) PopUntil(until abi.ChainEpoch) (*ExpirationSet, error) {
	var onTimeSectors []bitfield.BitField
	var earlySectors []bitfield.BitField
	activePower := NewPowerPairZero()
	faultyPower := NewPowerPairZero()
	onTimePledge := big.Zero()
	var poppedKeys []uint64

	stopErr := fmt.Errorf("stop")
	var thisValue ExpirationSet
	if err := q.Array.ForEach(&thisValue, func(i int64) error {
		if abi.ChainEpoch(i) > until {
			return stopErr
		}
		poppedKeys = append(poppedKeys, uint64(i))
		onTimeSectors = append(onTimeSectors, thisValue.OnTimeSectors)
		earlySectors = append(earlySectors, thisValue.EarlySectors)
		activePower = activePower.Add(thisValue.ActivePower)
		faultyPower = faultyPower.Add(thisValue.FaultyPower)
		onTimePledge = big.Add(onTimePledge, thisValue.OnTimePledge)
		return nil
	}); err != nil && err != stopErr {
		return nil, err
	}

	if err := q.Array.BatchDelete(poppedKeys, true); err != nil {
		return nil, err
	}

	allOnTime, err := bitfield.MultiMerge(onTimeSectors...)
	if err != nil {
		return nil, err
	}
	allEarly, err := bitfield.MultiMerge(earlySectors...)
	if err != nil {
		return nil, err
	}
	return NewExpirationSet(allOnTime, allEarly, onTimePledge, activePower, faultyPower), nil
}

func (q ExpirationQueue) add(rawEpoch abi.ChainEpoch, onTimeSectors, earlySectors bitfield.BitField, activePower, faultyPower PowerPair, pledge abi.TokenAmount) error {
	epoch := q.quant.QuantizeUp(rawEpoch)
	es, err := q.mayGet(epoch)
	if err != nil {
		return err
	}

	if err = es.Add(onTimeSectors, earlySectors, pledge, activePower, faultyPower); err != nil {
		return xerrors.Errorf("failed to add expiration values for epoch %v: %w", epoch, err)
	}

	return q.mustUpdate(epoch, es)
}

func (q ExpirationQueue) removeActiveSectors(sectors []*SectorOnChainInfo, ssize abi.SectorSize) (bitfield.BitField, PowerPair, abi.TokenAmount, error) {
	removedSnos := bitfield.New()
	removedPower := NewPowerPairZero()
	removedPledge := big.Zero()
	noEarlySectors := bitfield.New()
	noFaultyPower := NewPowerPairZero()

	// Group sectors by their current expiration, then remove from existing
	// queue entries according to those groups.
	groups, err := q.findSectorsByExpiration(ssize, sectors)
	if err != nil {
		return bitfield.BitField{}, NewPowerPairZero(), big.Zero(), err
	}
	for _, group := range groups {
		sectorsBf := bitfield.NewFromSet(group.sectors)
		if err := q.remove(group.epoch, sectorsBf, noEarlySectors, group.power, noFaultyPower, group.pledge); err != nil {
			return bitfield.BitField{}, NewPowerPairZero(), big.Zero(), err
		}
		for _, n := range group.sectors {
			removedSnos.Set(n)
		}
		removedPower = removedPower.Add(group.power)
		removedPledge = big.Add(removedPledge, group.pledge)
	}
	return removedSnos, removedPower, removedPledge, nil
}

func (q ExpirationQueue) remove(rawEpoch abi.ChainEpoch, onTimeSectors, earlySectors bitfield.BitField, activePower, faultyPower PowerPair, pledge abi.TokenAmount) error {
	epoch := q.quant.QuantizeUp(rawEpoch)
	var es ExpirationSet
	if found, err := q.Array.Get(uint64(epoch), &es); err != nil {
		return xerrors.Errorf("failed to lookup queue epoch %v: %w", epoch, err)
	} else if !found {
		return xerrors.Errorf("missing expected expiration set at epoch %v", epoch)
	}
	if err := es.Remove(onTimeSectors, earlySectors, pledge, activePower, faultyPower); err != nil {
		return xerrors.Errorf("failed to remove expiration values for queue epoch %v: %w", epoch, err)
	}

	return q.mustUpdateOrDelete(epoch, &es)
}

// traverseMutate iterates the queue, allowing the callback to mutate each
// entry. Entries emptied by the callback are removed after iteration.
func (q ExpirationQueue) traverseMutate(f func(epoch abi.ChainEpoch, es *ExpirationSet) (changed, keepGoing bool, err error)) error {
	var es ExpirationSet
	var epochsEmptied []uint64
	errStop := fmt.Errorf("stop")
	if err := q.Array.ForEach(&es, func(epoch int64) error {
		changed, keepGoing, err := f(abi.ChainEpoch(epoch), &es)
		if err != nil {
			return err
		}
		if changed {
			if emptied, err := es.IsEmpty(); err != nil {
				return err
			} else if emptied {
				epochsEmptied = append(epochsEmptied, uint64(epoch))
			} else if err = q.mustUpdate(abi.ChainEpoch(epoch), &es); err != nil {
				return err
			}
		}
		if !keepGoing {
			return errStop
		}
		return nil
	}); err != nil && err != errStop {
		return err
	}
	if err := q.Array.BatchDelete(epochsEmptied, true); err != nil {
		return err
	}
	return nil
}

func (q ExpirationQueue) mayGet(key abi.ChainEpoch) (*ExpirationSet, error) {
	es := NewExpirationSetEmpty()
	if _, err := q.Array.Get(uint64(key), es); err != nil {
		return nil, xerrors.Errorf("failed to lookup queue epoch %v: %w", key, err)
	}
	return es, nil
}

func (q ExpirationQueue) mustUpdate(epoch abi.ChainEpoch, es *ExpirationSet) error {
	if err := q.Array.Set(uint64(epoch), es); err != nil {
		return xerrors.Errorf("failed to set queue epoch %v: %w", epoch, err)
	}
	return nil
}

// Since this might delete the node, it's not safe for use inside an iteration.
func (q ExpirationQueue) mustUpdateOrDelete(epoch abi.ChainEpoch, es *ExpirationSet) error {
	if empty, err := es.IsEmpty(); err != nil {
		return err
	} else if empty {
		if err := q.Array.Delete(uint64(epoch)); err != nil {
			return xerrors.Errorf("failed to delete queue epoch %d: %w", epoch, err)
		}
	} else if err := q.Array.Set(uint64(epoch), es); err != nil {
		return xerrors.Errorf("failed to set queue epoch %v: %w", epoch, err)
	}
	return nil
}

// findSectorsByExpiration groups the given sectors by the expiration queue
// entry in which each currently sits. Active sectors are usually found at
// their quantized declared expiration, but may have been rescheduled; the
// queue is searched in epoch order for any stragglers.
// Returns groups sorted by epoch, each holding a reference to the queue
// entry for subsequent mutation.
func (q ExpirationQueue) findSectorsByExpiration(ssize abi.SectorSize, sectors []*SectorOnChainInfo) ([]sectorExpirationSet, error) {
	declaredExpirations := make(map[abi.ChainEpoch]bool, len(sectors))
	sectorsByNumber := make(map[uint64]*SectorOnChainInfo, len(sectors))
	allRemaining := make(map[uint64]struct{})
	expirationGroups := make([]sectorExpirationSet, 0, len(declaredExpirations))

	for _, sector := range sectors {
		qExpiration := q.quant.QuantizeUp(sector.Expiration)
		declaredExpirations[qExpiration] = true
		allRemaining[uint64(sector.SectorNumber)] = struct{}{}
		sectorsByNumber[uint64(sector.SectorNumber)] = sector
	}

	// Traverse the expiration queue once to find each declared expiration.
	for expiration := range declaredExpirations { //nolint:nomaprange
		es := NewExpirationSetEmpty()
		if _, err := q.Array.Get(uint64(expiration), es); err != nil {
			return nil, xerrors.Errorf("failed to lookup queue epoch %v: %w", expiration, err)
		}

		// Sectors found at their declared expiration are grouped there.
		group, err := groupExpirationSet(ssize, sectorsByNumber, allRemaining, es, expiration)
		if err != nil {
			return nil, err
		}
		if len(group.sectors) > 0 {
			expirationGroups = append(expirationGroups, group)
		}
	}

	// If sectors remain, traverse next in epoch order. Remaining sectors
	// should be rescheduled to expire soon, so this traversal should exit
	// early.
	if len(allRemaining) > 0 {
		stopErr := fmt.Errorf("stop")
		var es ExpirationSet
		if err := q.Array.ForEach(&es, func(e int64) error {
			epoch := abi.ChainEpoch(e)
			// If this set's epoch is one of our declared epochs, we've
			// already processed it above. Sectors rescheduled to this epoch
			// would have been included in that processing.
			if _, found := declaredExpirations[epoch]; found {
				return nil
			}

			// Sector should not be found in EarlySectors, which holds
			// faults. An implicit assumption of grouping is that it only
			// returns sectors with active power.
			if err := checkNoEarlySectors(allRemaining, &es); err != nil {
				return err
			}

			esCopy := es
			group, err := groupExpirationSet(ssize, sectorsByNumber, allRemaining, &esCopy, epoch)
			if err != nil {
				return err
			}
			if len(group.sectors) > 0 {
				expirationGroups = append(expirationGroups, group)
			}

			if len(allRemaining) == 0 {
				return stopErr
			}
			return nil
		}); err != nil && err != stopErr {
			return nil, err
		}
	}

	if len(allRemaining) > 0 {
		return nil, xerrors.New("some sectors not found in expiration queue")
	}

	// Sort groups by epoch.
	sort.Slice(expirationGroups, func(i, j int) bool {
		return expirationGroups[i].epoch < expirationGroups[j].epoch
	})

	return expirationGroups, nil
}

// groupExpirationSet collects the sector numbers from the `include` set that
// expire on-time in this entry, removing them from `include` as found.
func groupExpirationSet(ssize abi.SectorSize, sectors map[uint64]*SectorOnChainInfo,
	include map[uint64]struct{}, es *ExpirationSet, expiration abi.ChainEpoch,
) (sectorExpirationSet, error) {
	var sectorNumbers []uint64
	totalPower := NewPowerPairZero()
	totalPledge := big.Zero()
	if err := es.OnTimeSectors.ForEach(func(u uint64) error {
		if _, found := include[u]; found {
			sector := sectors[u]
			sectorNumbers = append(sectorNumbers, u)
			totalPower = totalPower.Add(PowerForSector(ssize, sector))
			totalPledge = big.Add(totalPledge, sector.InitialPledge)
			delete(include, u)
		}
		return nil
	}); err != nil {
		return sectorExpirationSet{}, err
	}

	return sectorExpirationSet{
		sectorEpochSet: sectorEpochSet{
			epoch:   expiration,
			sectors: sectorNumbers,
			power:   totalPower,
			pledge:  totalPledge,
		},
		es: es,
	}, nil
}

func checkNoEarlySectors(set map[uint64]struct{}, es *ExpirationSet) error {
	return es.EarlySectors.ForEach(func(u uint64) error {
		if _, found := set[u]; found {
			return xerrors.Errorf("Invalid attempt to group sector %d with an early expiration", u)
		}
		return nil
	})
}

// groupNewSectorsByDeclaredExpiration groups newly-added sectors by their
// quantized declared expiration, with aggregate power and pledge per group.
// Returns groups sorted by epoch.
func groupNewSectorsByDeclaredExpiration(sectorSize abi.SectorSize, sectors []*SectorOnChainInfo, quant QuantSpec) []sectorEpochSet {
	sectorsByExpiration := make(map[abi.ChainEpoch][]*SectorOnChainInfo)

	for _, sector := range sectors {
		qExpiration := quant.QuantizeUp(sector.Expiration)
		sectorsByExpiration[qExpiration] = append(sectorsByExpiration[qExpiration], sector)
	}

	sectorEpochSets := make([]sectorEpochSet, 0, len(sectorsByExpiration))

	for expiration, epochSectors := range sectorsByExpiration { //nolint:nomaprange
		sectorNumbers := make([]uint64, len(epochSectors))
		totalPower := NewPowerPairZero()
		totalPledge := big.Zero()
		for i, sector := range epochSectors {
			sectorNumbers[i] = uint64(sector.SectorNumber)
			totalPower = totalPower.Add(PowerForSector(sectorSize, sector))
			totalPledge = big.Add(totalPledge, sector.InitialPledge)
		}
		sectorEpochSets = append(sectorEpochSets, sectorEpochSet{
			epoch:   expiration,
			sectors: sectorNumbers,
			power:   totalPower,
			pledge:  totalPledge,
		})
	}

	sort.Slice(sectorEpochSets, func(i, j int) bool {
		return sectorEpochSets[i].epoch < sectorEpochSets[j].epoch
	})
	return sectorEpochSets
}
