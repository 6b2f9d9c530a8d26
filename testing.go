package deadline

import (
	"fmt"

	"github.com/filecoin-project/go-bitfield"
	"github.com/filecoin-project/go-state-types/abi"
	"github.com/filecoin-project/go-state-types/big"

	"github.com/filecoin-project/go-deadline-state/adt"
)

// MessageAccumulator accumulates a sequence of messages (e.g. validation
// failures).
type MessageAccumulator struct {
	// Accumulated messages.
	// This is a pointer to support accumulators derived from WithPrefix.
	msgs *[]string
	// Optional prefix to all new messages, e.g. describing higher level
	// context.
	prefix string
}

// Returns a new accumulator backed by the same collection, that will prefix
// each new message with a formatted string.
func (ma *MessageAccumulator) WithPrefix(format string, args ...interface{}) *MessageAccumulator {
	ma.initialize()
	return &MessageAccumulator{
		msgs:   ma.msgs,
		prefix: ma.prefix + fmt.Sprintf(format, args...),
	}
}

func (ma *MessageAccumulator) IsEmpty() bool {
	return ma.msgs == nil || len(*ma.msgs) == 0
}

func (ma *MessageAccumulator) Messages() []string {
	if ma.msgs == nil {
		return nil
	}
	return (*ma.msgs)[:]
}

// Adds a message to the accumulator.
func (ma *MessageAccumulator) Add(msg string) {
	ma.initialize()
	*ma.msgs = append(*ma.msgs, ma.prefix+msg)
}

// Adds a formatted message to the accumulator.
func (ma *MessageAccumulator) Addf(format string, args ...interface{}) {
	ma.Add(fmt.Sprintf(format, args...))
}

// Adds messages from another accumulator to this one.
func (ma *MessageAccumulator) AddAll(other *MessageAccumulator) {
	if other.msgs == nil {
		return
	}
	for _, msg := range *other.msgs {
		ma.Add(msg)
	}
}

// Adds a message to the accumulator if predicate is false.
func (ma *MessageAccumulator) Require(predicate bool, msg string, args ...interface{}) {
	if !predicate {
		ma.Add(fmt.Sprintf(msg, args...))
	}
}

// Adds a failure message if err is non-nil.
func (ma *MessageAccumulator) RequireNoError(err error, msg string, args ...interface{}) {
	if err != nil {
		msg = msg + ": %v"
		args = append(args, err)
		ma.Add(fmt.Sprintf(msg, args...))
	}
}

func (ma *MessageAccumulator) initialize() {
	if ma.msgs == nil {
		ma.msgs = &[]string{}
	}
}

// PartitionStateSummary is a summary of a partition's state, gathered while
// checking its internal invariants.
type PartitionStateSummary struct {
	AllSectors            bitfield.BitField
	LiveSectors           bitfield.BitField
	FaultySectors         bitfield.BitField
	RecoveringSectors     bitfield.BitField
	UnprovenSectors       bitfield.BitField
	TerminatedSectors     bitfield.BitField
	LivePower             PowerPair
	ActivePower           PowerPair
	FaultyPower           PowerPair
	RecoveringPower       PowerPair
	ExpirationEpochs      []abi.ChainEpoch // Epochs at which some sector is scheduled to expire.
	EarlyTerminationCount int
}

// CheckPartitionStateInvariants checks the partition against the sectors
// recorded in sectorsMap, accumulating any problems found.
func CheckPartitionStateInvariants(
	partition *Partition,
	store adt.Store,
	quant QuantSpec,
	sectorSize abi.SectorSize,
	sectors map[abi.SectorNumber]*SectorOnChainInfo,
	acc *MessageAccumulator,
) *PartitionStateSummary {
	irrecoverable := false // State is so broken we can't make useful checks.
	live, err := partition.LiveSectors()
	if err != nil {
		acc.Addf("error computing live sectors: %v", err)
		irrecoverable = true
	}
	active, err := partition.ActiveSectors()
	if err != nil {
		acc.Addf("error computing active sectors: %v", err)
		irrecoverable = true
	}

	if irrecoverable {
		return &PartitionStateSummary{
			AllSectors:            partition.Sectors,
			LiveSectors:           bitfield.New(),
			FaultySectors:         partition.Faults,
			RecoveringSectors:     partition.Recoveries,
			UnprovenSectors:       partition.Unproven,
			TerminatedSectors:     partition.Terminated,
			LivePower:             partition.LivePower,
			ActivePower:           partition.ActivePower(),
			FaultyPower:           partition.FaultyPower,
			RecoveringPower:       partition.RecoveringPower,
			ExpirationEpochs:      nil,
			EarlyTerminationCount: 0,
		}
	}

	// Live contains all faults.
	requireContainsAll(live, partition.Faults, acc, "live does not contain faults")

	// Live contains all unproven.
	requireContainsAll(live, partition.Unproven, acc, "live does not contain unproven")

	// Active contains no faults.
	requireContainsNone(active, partition.Faults, acc, "active includes faults")

	// Active contains no unproven.
	requireContainsNone(active, partition.Unproven, acc, "active includes unproven")

	// Faults contains all recoveries.
	requireContainsAll(partition.Faults, partition.Recoveries, acc, "faults do not contain recoveries")

	// Live contains no terminated sectors.
	requireContainsNone(live, partition.Terminated, acc, "live includes terminations")

	// Unproven contains no faults.
	requireContainsNone(partition.Faults, partition.Unproven, acc, "unproven includes faults")

	// All terminated sectors are part of the partition.
	requireContainsAll(partition.Sectors, partition.Terminated, acc, "sectors do not contain terminations")

	// Validate power
	var msgs []string
	livePower, missing, err := powerForSectors(sectorSize, live, sectors)
	acc.RequireNoError(err, "error computing live power")
	if len(missing) > 0 {
		msgs = append(msgs, fmt.Sprintf("live sectors missing from all sectors: %v", missing))
	}
	acc.Require(partition.LivePower.Equals(livePower), "live power was %v, expected %v", partition.LivePower, livePower)

	unprovenPower, missing, err := powerForSectors(sectorSize, partition.Unproven, sectors)
	acc.RequireNoError(err, "error computing unproven power")
	if len(missing) > 0 {
		msgs = append(msgs, fmt.Sprintf("unproven sectors missing from all sectors: %v", missing))
	}
	acc.Require(partition.UnprovenPower.Equals(unprovenPower), "unproven power was %v, expected %v", partition.UnprovenPower, unprovenPower)

	faultyPower, missing, err := powerForSectors(sectorSize, partition.Faults, sectors)
	acc.RequireNoError(err, "error computing faulty power")
	if len(missing) > 0 {
		msgs = append(msgs, fmt.Sprintf("faulty sectors missing from all sectors: %v", missing))
	}
	acc.Require(partition.FaultyPower.Equals(faultyPower), "faulty power was %v, expected %v", partition.FaultyPower, faultyPower)

	recoveringPower, missing, err := powerForSectors(sectorSize, partition.Recoveries, sectors)
	acc.RequireNoError(err, "error computing recovering power")
	if len(missing) > 0 {
		msgs = append(msgs, fmt.Sprintf("recovering sectors missing from all sectors: %v", missing))
	}
	acc.Require(partition.RecoveringPower.Equals(recoveringPower), "recovering power was %v, expected %v", partition.RecoveringPower, recoveringPower)

	for _, msg := range msgs {
		acc.Add(msg)
	}

	activePower := partition.ActivePower()
	expectedActivePower := livePower.Sub(faultyPower).Sub(unprovenPower)
	acc.Require(activePower.Equals(expectedActivePower), "active power was %v, expected %v", activePower, expectedActivePower)

	// Validate the expiration queue.
	var expirationEpochs []abi.ChainEpoch
	if expQ, err := LoadExpirationQueue(store, partition.ExpirationsEpochs, quant, PartitionExpirationAmtBitwidth); err != nil {
		acc.Addf("error loading expiration queue: %v", err)
	} else {
		qsummary := CheckExpirationQueue(expQ, live, partition.Faults, quant, sectorSize, sectors, acc)
		expirationEpochs = qsummary.ExpirationEpochs

		// Check the queue is compatible with partition fields
		qSectors, err := bitfield.MergeBitFields(qsummary.OnTimeSectors, qsummary.EarlySectors)
		if err != nil {
			acc.Addf("error merging summary on-time and early sectors: %v", err)
		} else {
			requireEqual(live, qSectors, acc, "live does not equal all expirations")
		}
	}

	// Validate the early termination queue.
	earlyTerminationCount := 0
	if earlyQ, err := LoadBitfieldQueue(store, partition.EarlyTerminated, NoQuantization, PartitionEarlyTerminationArrayAmtBitwidth); err != nil {
		acc.Addf("error loading early termination queue: %v", err)
	} else {
		earlyTerminationCount, err = CheckEarlyTerminationQueue(earlyQ, partition.Terminated, acc)
		if err != nil {
			acc.Addf("error checking early termination queue: %v", err)
		}
	}

	return &PartitionStateSummary{
		AllSectors:            partition.Sectors,
		LiveSectors:           live,
		FaultySectors:         partition.Faults,
		RecoveringSectors:     partition.Recoveries,
		UnprovenSectors:       partition.Unproven,
		TerminatedSectors:     partition.Terminated,
		LivePower:             livePower,
		ActivePower:           activePower,
		FaultyPower:           partition.FaultyPower,
		RecoveringPower:       recoveringPower,
		ExpirationEpochs:      expirationEpochs,
		EarlyTerminationCount: earlyTerminationCount,
	}
}

type ExpirationQueueStateSummary struct {
	OnTimeSectors    bitfield.BitField
	EarlySectors     bitfield.BitField
	ActivePower      PowerPair
	FaultyPower      PowerPair
	OnTimePledge     abi.TokenAmount
	ExpirationEpochs []abi.ChainEpoch
}

// CheckExpirationQueue checks the expiration queue for consistency.
func CheckExpirationQueue(expQ ExpirationQueue, liveSectors bitfield.BitField, partitionFaults bitfield.BitField,
	quant QuantSpec, sectorSize abi.SectorSize, sectors map[abi.SectorNumber]*SectorOnChainInfo, acc *MessageAccumulator,
) *ExpirationQueueStateSummary {
	partitionFaultsMap, err := partitionFaults.AllMap(1 << 30)
	if err != nil {
		acc.Addf("error loading partition faults map: %v", err)
		partitionFaultsMap = nil
	}

	seenSectors := make(map[abi.SectorNumber]bool)
	var allOnTime []bitfield.BitField
	var allEarly []bitfield.BitField
	var expirationEpochs []abi.ChainEpoch
	allActivePower := NewPowerPairZero()
	allFaultyPower := NewPowerPairZero()
	allOnTimePledge := big.Zero()
	firstQueueEpoch := abi.ChainEpoch(-1)
	var exp ExpirationSet
	err = expQ.Array.ForEach(&exp, func(e int64) error {
		epoch := abi.ChainEpoch(e)
		acc := acc.WithPrefix("expiration epoch %d: ", epoch)
		acc.Require(quant.QuantizeUp(epoch) == epoch,
			"expiration queue key %d is not quantized, expected %d", epoch, quant.QuantizeUp(epoch))
		if firstQueueEpoch == abi.ChainEpoch(-1) {
			firstQueueEpoch = epoch
		}
		expirationEpochs = append(expirationEpochs, epoch)

		onTimeSectorsPledge := big.Zero()
		err := exp.OnTimeSectors.ForEach(func(n uint64) error {
			sno := abi.SectorNumber(n)
			// Check sectors are present only once.
			acc.Require(!seenSectors[sno], "sector %d in expiration queue twice", sno)
			seenSectors[sno] = true

			// Check expiring sectors are still alive.
			if sector, ok := sectors[sno]; ok {
				target := quant.QuantizeUp(sector.Expiration)
				acc.Require(epoch == target, "sector %d expiration %d expected at %d, found at %d",
					sno, sector.Expiration, target, epoch)
				onTimeSectorsPledge = big.Add(onTimeSectorsPledge, sector.InitialPledge)
			} else {
				acc.Addf("on-time expiration sector %d isn't live", n)
			}
			return nil
		})
		acc.RequireNoError(err, "error iterating on-time sectors")

		err = exp.EarlySectors.ForEach(func(n uint64) error {
			sno := abi.SectorNumber(n)
			// Check sectors are present only once.
			acc.Require(!seenSectors[sno], "sector %d in expiration queue twice", sno)
			seenSectors[sno] = true

			// Check early sectors are faulty.
			acc.Require(partitionFaultsMap == nil || partitionFaultsMap[n], "sector %d expiring early but not faulty", sno)

			// Check expiring sectors are still alive.
			if sector, ok := sectors[sno]; ok {
				target := quant.QuantizeUp(sector.Expiration)
				acc.Require(epoch < target, "sector %d expiring early at %d but expected on-time at %d", sno, epoch, target)
			} else {
				acc.Addf("early expiration sector %d isn't live", n)
			}
			return nil
		})
		acc.RequireNoError(err, "error iterating early sectors")

		// Validate power and pledge.
		var activeSectors, faultySectors bitfield.BitField
		allActive, err := bitfield.MergeBitFields(exp.OnTimeSectors, exp.EarlySectors)
		if err != nil {
			acc.Addf("error merging all on-time and early bitfields: %v", err)
		} else {
			activeSectors, err = bitfield.SubtractBitField(allActive, partitionFaults)
			if err != nil {
				acc.Addf("error computing active sectors: %v", err)
			}
			faultySectors, err = bitfield.IntersectBitField(allActive, partitionFaults)
			if err != nil {
				acc.Addf("error computing faulty sectors: %v", err)
			}
		}

		activeSectorsPower, missing, err := powerForSectors(sectorSize, activeSectors, sectors)
		acc.RequireNoError(err, "error computing active sectors power")
		acc.Require(len(missing) == 0, "active sectors missing from all sectors: %v", missing)
		acc.Require(exp.ActivePower.Equals(activeSectorsPower), "active power recorded %v doesn't match computed %v", exp.ActivePower, activeSectorsPower)

		faultySectorsPower, missing, err := powerForSectors(sectorSize, faultySectors, sectors)
		acc.RequireNoError(err, "error computing faulty sectors power")
		acc.Require(len(missing) == 0, "faulty sectors missing from all sectors: %v", missing)
		acc.Require(exp.FaultyPower.Equals(faultySectorsPower), "faulty power recorded %v doesn't match computed %v", exp.FaultyPower, faultySectorsPower)

		acc.Require(exp.OnTimePledge.Equals(onTimeSectorsPledge), "on-time pledge recorded %v doesn't match computed %v", exp.OnTimePledge, onTimeSectorsPledge)

		allOnTime = append(allOnTime, exp.OnTimeSectors)
		allEarly = append(allEarly, exp.EarlySectors)
		allActivePower = allActivePower.Add(exp.ActivePower)
		allFaultyPower = allFaultyPower.Add(exp.FaultyPower)
		allOnTimePledge = big.Add(allOnTimePledge, exp.OnTimePledge)
		return nil
	})
	acc.RequireNoError(err, "error iterating expiration queue")

	unionOnTime, err := bitfield.MultiMerge(allOnTime...)
	if err != nil {
		acc.Addf("error merging on-time sector numbers: %v", err)
		unionOnTime = bitfield.New()
	}
	unionEarly, err := bitfield.MultiMerge(allEarly...)
	if err != nil {
		acc.Addf("error merging early sector numbers: %v", err)
		unionEarly = bitfield.New()
	}

	return &ExpirationQueueStateSummary{
		OnTimeSectors:    unionOnTime,
		EarlySectors:     unionEarly,
		ActivePower:      allActivePower,
		FaultyPower:      allFaultyPower,
		OnTimePledge:     allOnTimePledge,
		ExpirationEpochs: expirationEpochs,
	}
}

// CheckEarlyTerminationQueue checks that the sectors in the early
// termination queue are each terminated, and no sector appears twice.
// Returns the number of sectors in the queue.
func CheckEarlyTerminationQueue(earlyQ BitfieldQueue, terminated bitfield.BitField, acc *MessageAccumulator) (int, error) {
	seenMap := make(map[uint64]bool)
	seenBf := bitfield.New()
	var bf bitfield.BitField
	err := earlyQ.ForEach(&bf, func(epoch int64) error {
		acc := acc.WithPrefix("early termination epoch %d: ", epoch)
		return bf.ForEach(func(i uint64) error {
			acc.Require(!seenMap[i], "sector %v in early termination queue twice", i)
			seenMap[i] = true
			seenBf.Set(i)
			return nil
		})
	})
	if err != nil {
		return 0, err
	}

	requireContainsAll(terminated, seenBf, acc, "terminated sectors missing early termination entries")
	return len(seenMap), nil
}

// DeadlineStateSummary is a summary of a deadline's state, gathered while
// checking its internal invariants.
type DeadlineStateSummary struct {
	AllSectors        bitfield.BitField
	LiveSectors       bitfield.BitField
	FaultySectors     bitfield.BitField
	RecoveringSectors bitfield.BitField
	UnprovenSectors   bitfield.BitField
	TerminatedSectors bitfield.BitField
	LivePower         PowerPair
	ActivePower       PowerPair
	FaultyPower       PowerPair
}

// CheckDeadlineStateInvariants checks a deadline's partitions and queues
// are mutually consistent, and consistent with the sectors in sectorsMap.
func CheckDeadlineStateInvariants(
	deadline *Deadline,
	store adt.Store,
	quant QuantSpec,
	sectorSize abi.SectorSize,
	sectors map[abi.SectorNumber]*SectorOnChainInfo,
	acc *MessageAccumulator,
) *DeadlineStateSummary {
	allSectors := bitfield.New()
	var allLiveSectors []bitfield.BitField
	var allFaultySectors []bitfield.BitField
	var allRecoveringSectors []bitfield.BitField
	var allUnprovenSectors []bitfield.BitField
	var allTerminatedSectors []bitfield.BitField
	allLivePower := NewPowerPairZero()
	allActivePower := NewPowerPairZero()
	allFaultyPower := NewPowerPairZero()

	// Check partitions.
	partitionsWithExpirations := map[abi.ChainEpoch][]uint64{}
	var partitionsWithEarlyTerminations []uint64
	partitionCount := uint64(0)
	err := deadline.ForEachPartition(store, func(pIdx uint64, partition *Partition) error {
		// Check sequential partitions.
		acc.Require(pIdx == partitionCount, "Non-sequential partitions, expected index %d, found %d", partitionCount, pIdx)
		partitionCount++

		acc := acc.WithPrefix("partition %d: ", pIdx)
		summary := CheckPartitionStateInvariants(partition, store, quant, sectorSize, sectors, acc)

		if contains, err := BitFieldContainsAny(allSectors, summary.AllSectors); err != nil {
			return err
		} else {
			acc.Require(!contains, "duplicate sector in partition %d", pIdx)
		}

		for _, e := range summary.ExpirationEpochs {
			partitionsWithExpirations[e] = append(partitionsWithExpirations[e], pIdx)
		}
		if summary.EarlyTerminationCount > 0 {
			partitionsWithEarlyTerminations = append(partitionsWithEarlyTerminations, pIdx)
		}

		merged, err := bitfield.MergeBitFields(allSectors, summary.AllSectors)
		if err != nil {
			return err
		}
		allSectors = merged
		allLiveSectors = append(allLiveSectors, summary.LiveSectors)
		allFaultySectors = append(allFaultySectors, summary.FaultySectors)
		allRecoveringSectors = append(allRecoveringSectors, summary.RecoveringSectors)
		allUnprovenSectors = append(allUnprovenSectors, summary.UnprovenSectors)
		allTerminatedSectors = append(allTerminatedSectors, summary.TerminatedSectors)
		allLivePower = allLivePower.Add(summary.LivePower)
		allActivePower = allActivePower.Add(summary.ActivePower)
		allFaultyPower = allFaultyPower.Add(summary.FaultyPower)
		return nil
	})
	acc.RequireNoError(err, "error iterating partitions")

	// Check partitions expiration queue contains an entry for each partition
	// and epoch with an expiration.
	// The queue may be a superset of the partitions that have expirations
	// because we never remove from it.
	if expirationEpochs, err := LoadBitfieldQueue(store, deadline.ExpirationsEpochs, quant, DeadlineExpirationAmtBitwidth); err != nil {
		acc.Addf("error loading expiration queue: %v", err)
	} else {
		for epoch, expiringPIdxs := range partitionsWithExpirations { //nolint:nomaprange
			var bf bitfield.BitField
			if found, err := expirationEpochs.Get(uint64(epoch), &bf); err != nil {
				acc.Addf("error fetching expiration bitfield: %v", err)
			} else {
				acc.Require(found, "expected to find partition expiration entry at epoch %d", epoch)
			}

			if queuedPIdxs, err := bf.AllMap(1 << 20); err != nil {
				acc.Addf("error expanding expirating partitions: %v", err)
			} else {
				for _, p := range expiringPIdxs {
					acc.Require(queuedPIdxs[p], "expected partition %d to be present in deadline expiration queue at epoch %d", p, epoch)
				}
			}
		}
	}

	// Validate the early termination queue.
	if earlyPIdxs, err := deadline.EarlyTerminations.All(1 << 20); err != nil {
		acc.Addf("error expanding early terminations: %v", err)
	} else {
		acc.Require(len(earlyPIdxs) == len(partitionsWithEarlyTerminations),
			"deadline has %d partitions with early terminations, expected %d", len(earlyPIdxs), len(partitionsWithEarlyTerminations))
		earlySet := make(map[uint64]bool, len(earlyPIdxs))
		for _, p := range earlyPIdxs {
			earlySet[p] = true
		}
		for _, p := range partitionsWithEarlyTerminations {
			acc.Require(earlySet[p], "partition %d has early terminations but isn't in deadline early terminations bitfield", p)
		}
	}

	allLive, err := bitfield.MultiMerge(allLiveSectors...)
	if err != nil {
		acc.Addf("error merging live sector numbers: %v", err)
		allLive = bitfield.New()
	}
	allFaulty, err := bitfield.MultiMerge(allFaultySectors...)
	if err != nil {
		acc.Addf("error merging faulty sector numbers: %v", err)
		allFaulty = bitfield.New()
	}
	allRecovering, err := bitfield.MultiMerge(allRecoveringSectors...)
	if err != nil {
		acc.Addf("error merging recovering sector numbers: %v", err)
		allRecovering = bitfield.New()
	}
	allUnproven, err := bitfield.MultiMerge(allUnprovenSectors...)
	if err != nil {
		acc.Addf("error merging unproven sector numbers: %v", err)
		allUnproven = bitfield.New()
	}
	allTerminated, err := bitfield.MultiMerge(allTerminatedSectors...)
	if err != nil {
		acc.Addf("error merging terminated sector numbers: %v", err)
		allTerminated = bitfield.New()
	}

	// Check memoized sector and power values.
	live, err := allLive.Count()
	if err != nil {
		acc.Addf("error counting live sectors: %v", err)
	} else {
		acc.Require(deadline.LiveSectors == live, "deadline live sectors %d != partitions count %d", deadline.LiveSectors, live)
	}

	all, err := allSectors.Count()
	if err != nil {
		acc.Addf("error counting all sectors: %v", err)
	} else {
		acc.Require(deadline.TotalSectors == all, "deadline total sectors %d != partitions count %d", deadline.TotalSectors, all)
	}

	acc.Require(deadline.FaultyPower.Equals(allFaultyPower), "deadline faulty power %v != partitions total %v", deadline.FaultyPower, allFaultyPower)

	return &DeadlineStateSummary{
		AllSectors:        allSectors,
		LiveSectors:       allLive,
		FaultySectors:     allFaulty,
		RecoveringSectors: allRecovering,
		UnprovenSectors:   allUnproven,
		TerminatedSectors: allTerminated,
		LivePower:         allLivePower,
		ActivePower:       allActivePower,
		FaultyPower:       allFaultyPower,
	}
}

func powerForSectors(sectorSize abi.SectorSize, sectors bitfield.BitField, sectorInfos map[abi.SectorNumber]*SectorOnChainInfo) (PowerPair, []abi.SectorNumber, error) {
	power := NewPowerPairZero()
	var missing []abi.SectorNumber
	err := sectors.ForEach(func(i uint64) error {
		if sector, ok := sectorInfos[abi.SectorNumber(i)]; ok {
			power = power.Add(PowerForSector(sectorSize, sector))
		} else {
			missing = append(missing, abi.SectorNumber(i))
		}
		return nil
	})
	return power, missing, err
}

func requireContainsAll(superset, subset bitfield.BitField, acc *MessageAccumulator, msg string) {
	if contains, err := BitFieldContainsAll(superset, subset); err != nil {
		acc.Addf("error in contains all: %v", err)
	} else if !contains {
		acc.Addf(msg+": %v, %v", subset, superset)
	}
}

func requireContainsNone(superset, subset bitfield.BitField, acc *MessageAccumulator, msg string) {
	if contains, err := BitFieldContainsAny(superset, subset); err != nil {
		acc.Addf("error in contains none: %v", err)
	} else if contains {
		acc.Addf(msg+": %v, %v", subset, superset)
	}
}

func requireEqual(a, b bitfield.BitField, acc *MessageAccumulator, msg string) {
	requireContainsAll(a, b, acc, msg)
	requireContainsAll(b, a, acc, msg)
}
