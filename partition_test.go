package deadline

import (
	"testing"

	"github.com/filecoin-project/go-bitfield"
	"github.com/filecoin-project/go-state-types/abi"
	"github.com/filecoin-project/go-state-types/big"
	"github.com/filecoin-project/go-state-types/exitcode"
	"github.com/stretchr/testify/require"

	"github.com/filecoin-project/go-deadline-state/adt"
)

func partitionTestSectors() []*SectorOnChainInfo {
	return []*SectorOnChainInfo{
		testSector(2, 1, 50, 60, 1000),
		testSector(3, 2, 51, 61, 1001),
		testSector(7, 3, 52, 62, 1002),
		testSector(8, 4, 53, 63, 1003),
		testSector(11, 5, 54, 64, 1004),
		testSector(13, 6, 55, 65, 1005),
	}
}

func partPower(t *testing.T, secNos ...uint64) PowerPair {
	t.Helper()
	selected, err := selectSectors(partitionTestSectors(), bf(secNos...))
	require.NoError(t, err)
	return PowerForSectors(testSectorSize, selected)
}

// Constructs a partition holding all the test sectors, proven.
func setupPartition(t *testing.T) (adt.Store, *Partition, Sectors) {
	store := emptyDeadlineTestStore(t)
	partition, err := ConstructPartition(store)
	require.NoError(t, err)

	sectors := partitionTestSectors()
	power, err := partition.AddSectors(store, true, sectors, testSectorSize, testQuantSpec)
	require.NoError(t, err)
	require.True(t, power.Equals(PowerForSectors(testSectorSize, sectors)))

	return store, partition, sectorsArr(t, store, sectors)
}

func assertPartitionState(
	t *testing.T, store adt.Store, partition *Partition, sectors []*SectorOnChainInfo,
	allSectors, faults, recovering, terminations, unproven bitfield.BitField,
) {
	t.Helper()
	assertBitfieldsEqual(t, allSectors, partition.Sectors)
	assertBitfieldsEqual(t, faults, partition.Faults)
	assertBitfieldsEqual(t, recovering, partition.Recoveries)
	assertBitfieldsEqual(t, terminations, partition.Terminated)
	assertBitfieldsEqual(t, unproven, partition.Unproven)

	acc := &MessageAccumulator{}
	CheckPartitionStateInvariants(partition, store, testQuantSpec, testSectorSize, sectorsAsMap(sectors), acc)
	require.True(t, acc.IsEmpty(), "invariants failed: %v", acc.Messages())
}

func TestPartitionAddsSectors(t *testing.T) {
	store, partition, _ := setupPartition(t)
	sectors := partitionTestSectors()

	live, err := partition.LiveSectors()
	require.NoError(t, err)
	assertBitfieldEquals(t, live, 1, 2, 3, 4, 5, 6)

	active, err := partition.ActiveSectors()
	require.NoError(t, err)
	assertBitfieldEquals(t, active, 1, 2, 3, 4, 5, 6)

	require.True(t, partition.ActivePower().Equals(partPower(t, 1, 2, 3, 4, 5, 6)))
	assertPartitionState(t, store, partition, sectors,
		bf(1, 2, 3, 4, 5, 6), bf(), bf(), bf(), bf())
}

func TestPartitionAddsUnprovenSectors(t *testing.T) {
	store := emptyDeadlineTestStore(t)
	partition, err := ConstructPartition(store)
	require.NoError(t, err)

	sectors := partitionTestSectors()
	power, err := partition.AddSectors(store, false, sectors, testSectorSize, testQuantSpec)
	require.NoError(t, err)
	require.True(t, power.Equals(PowerForSectors(testSectorSize, sectors)))

	// Nothing is active until the first PoSt.
	require.True(t, partition.ActivePower().IsZero())
	require.True(t, partition.UnprovenPower.Equals(power))
	assertPartitionState(t, store, partition, sectors,
		bf(1, 2, 3, 4, 5, 6), bf(), bf(), bf(), bf(1, 2, 3, 4, 5, 6))
}

func TestPartitionRejectsDuplicateSectors(t *testing.T) {
	store, partition, _ := setupPartition(t)

	_, err := partition.AddSectors(store, true, partitionTestSectors()[:1], testSectorSize, testQuantSpec)
	require.Error(t, err)
	require.Contains(t, err.Error(), "not all added sectors are new")
}

func TestPartitionActivateUnproven(t *testing.T) {
	store := emptyDeadlineTestStore(t)
	partition, err := ConstructPartition(store)
	require.NoError(t, err)

	sectors := partitionTestSectors()
	_, err = partition.AddSectors(store, false, sectors, testSectorSize, testQuantSpec)
	require.NoError(t, err)

	newPower := partition.ActivateUnproven()
	require.True(t, newPower.Equals(PowerForSectors(testSectorSize, sectors)))
	require.True(t, partition.ActivePower().Equals(newPower))
	assertPartitionState(t, store, partition, sectors,
		bf(1, 2, 3, 4, 5, 6), bf(), bf(), bf(), bf())
}

func TestPartitionRecordsFaults(t *testing.T) {
	store, partition, sectorArr := setupPartition(t)
	sectors := partitionTestSectors()

	newFaults, powerDelta, newFaultyPower, err := partition.RecordFaults(
		store, sectorArr, bf(4, 5), 7, testSectorSize, testQuantSpec)
	require.NoError(t, err)
	assertBitfieldEquals(t, newFaults, 4, 5)

	expectedPower := partPower(t, 4, 5)
	require.True(t, newFaultyPower.Equals(expectedPower))
	require.True(t, powerDelta.Equals(expectedPower.Neg()))
	require.True(t, partition.FaultyPower.Equals(expectedPower))

	assertPartitionState(t, store, partition, sectors,
		bf(1, 2, 3, 4, 5, 6), bf(4, 5), bf(), bf(), bf())

	// Re-declaring an existing fault adds nothing; a new one is scheduled at
	// the (earlier) fault expiration.
	newFaults, powerDelta, newFaultyPower, err = partition.RecordFaults(
		store, sectorArr, bf(5, 6), 3, testSectorSize, testQuantSpec)
	require.NoError(t, err)
	assertBitfieldEquals(t, newFaults, 6)
	require.True(t, newFaultyPower.Equals(partPower(t, 6)))
	require.True(t, powerDelta.Equals(partPower(t, 6).Neg()))

	assertPartitionState(t, store, partition, sectors,
		bf(1, 2, 3, 4, 5, 6), bf(4, 5, 6), bf(), bf(), bf())
}

func TestPartitionFaultDeclarationForMissingSectorFails(t *testing.T) {
	store, partition, sectorArr := setupPartition(t)

	_, _, _, err := partition.RecordFaults(store, sectorArr, bf(99), 7, testSectorSize, testQuantSpec)
	require.Error(t, err)
	require.Equal(t, exitcode.ErrIllegalArgument, exitcode.Unwrap(err, exitcode.Ok))
}

func TestPartitionDeclaresAndRecoversFaults(t *testing.T) {
	store, partition, sectorArr := setupPartition(t)
	sectors := partitionTestSectors()

	_, _, _, err := partition.RecordFaults(store, sectorArr, bf(4, 5), 7, testSectorSize, testQuantSpec)
	require.NoError(t, err)

	require.NoError(t, partition.DeclareFaultsRecovered(sectorArr, testSectorSize, bf(4, 5)))
	require.True(t, partition.RecoveringPower.Equals(partPower(t, 4, 5)))
	assertPartitionState(t, store, partition, sectors,
		bf(1, 2, 3, 4, 5, 6), bf(4, 5), bf(4, 5), bf(), bf())

	recovered, err := partition.RecoverAllDeclaredRecoveries(store, sectorArr, testSectorSize, testQuantSpec)
	require.NoError(t, err)
	require.True(t, recovered.Equals(partPower(t, 4, 5)))
	require.True(t, partition.FaultyPower.IsZero())
	require.True(t, partition.RecoveringPower.IsZero())

	assertPartitionState(t, store, partition, sectors,
		bf(1, 2, 3, 4, 5, 6), bf(), bf(), bf(), bf())
}

func TestPartitionRetractsRecoveriesOnNewFaultDeclaration(t *testing.T) {
	store, partition, sectorArr := setupPartition(t)
	sectors := partitionTestSectors()

	_, _, _, err := partition.RecordFaults(store, sectorArr, bf(4, 5), 7, testSectorSize, testQuantSpec)
	require.NoError(t, err)
	require.NoError(t, partition.DeclareFaultsRecovered(sectorArr, testSectorSize, bf(4, 5)))

	// Redeclaring sector 5 as faulty only retracts its pending recovery.
	newFaults, powerDelta, newFaultyPower, err := partition.RecordFaults(
		store, sectorArr, bf(5), 11, testSectorSize, testQuantSpec)
	require.NoError(t, err)
	assertBitfieldEmpty(t, newFaults)
	require.True(t, powerDelta.IsZero())
	require.True(t, newFaultyPower.IsZero())
	require.True(t, partition.RecoveringPower.Equals(partPower(t, 4)))

	assertPartitionState(t, store, partition, sectors,
		bf(1, 2, 3, 4, 5, 6), bf(4, 5), bf(4), bf(), bf())
}

func TestPartitionRecordsSkippedFaults(t *testing.T) {
	t.Run("empty skipped is a no-op", func(t *testing.T) {
		store, partition, sectorArr := setupPartition(t)

		powerDelta, newFaultPower, retractedPower, hasNewFaults, err := partition.RecordSkippedFaults(
			store, sectorArr, testSectorSize, testQuantSpec, 7, bitfield.New())
		require.NoError(t, err)
		require.False(t, hasNewFaults)
		require.True(t, powerDelta.IsZero())
		require.True(t, newFaultPower.IsZero())
		require.True(t, retractedPower.IsZero())
	})

	t.Run("new skipped faults", func(t *testing.T) {
		store, partition, sectorArr := setupPartition(t)
		sectors := partitionTestSectors()

		powerDelta, newFaultPower, retractedPower, hasNewFaults, err := partition.RecordSkippedFaults(
			store, sectorArr, testSectorSize, testQuantSpec, 7, bf(4, 5))
		require.NoError(t, err)
		require.True(t, hasNewFaults)
		require.True(t, newFaultPower.Equals(partPower(t, 4, 5)))
		require.True(t, powerDelta.Equals(partPower(t, 4, 5).Neg()))
		require.True(t, retractedPower.IsZero())

		assertPartitionState(t, store, partition, sectors,
			bf(1, 2, 3, 4, 5, 6), bf(4, 5), bf(), bf(), bf())
	})

	t.Run("skipping a pending recovery retracts it", func(t *testing.T) {
		store, partition, sectorArr := setupPartition(t)
		sectors := partitionTestSectors()

		_, _, _, err := partition.RecordFaults(store, sectorArr, bf(4, 5), 7, testSectorSize, testQuantSpec)
		require.NoError(t, err)
		require.NoError(t, partition.DeclareFaultsRecovered(sectorArr, testSectorSize, bf(4, 5)))

		powerDelta, newFaultPower, retractedPower, hasNewFaults, err := partition.RecordSkippedFaults(
			store, sectorArr, testSectorSize, testQuantSpec, 7, bf(4))
		require.NoError(t, err)
		require.False(t, hasNewFaults)
		require.True(t, powerDelta.IsZero())
		require.True(t, newFaultPower.IsZero())
		require.True(t, retractedPower.Equals(partPower(t, 4)))

		assertPartitionState(t, store, partition, sectors,
			bf(1, 2, 3, 4, 5, 6), bf(4, 5), bf(5), bf(), bf())
	})

	t.Run("fails if skipped sectors are outside partition", func(t *testing.T) {
		store, partition, sectorArr := setupPartition(t)

		_, _, _, _, err := partition.RecordSkippedFaults(
			store, sectorArr, testSectorSize, testQuantSpec, 7, bf(1, 99))
		require.Error(t, err)
		require.Contains(t, err.Error(), "skipped faults contains sectors outside partition")
		require.Equal(t, exitcode.ErrIllegalArgument, exitcode.Unwrap(err, exitcode.Ok))
	})
}

func TestPartitionMissedPost(t *testing.T) {
	store, partition, sectorArr := setupPartition(t)
	sectors := partitionTestSectors()

	_, _, _, err := partition.RecordFaults(store, sectorArr, bf(4, 5), 7, testSectorSize, testQuantSpec)
	require.NoError(t, err)
	require.NoError(t, partition.DeclareFaultsRecovered(sectorArr, testSectorSize, bf(4)))

	powerDelta, penalizedPower, newFaultyPower, err := partition.RecordMissedPost(store, 11, testQuantSpec)
	require.NoError(t, err)

	expectedNewFaults := partPower(t, 1, 2, 3, 6)
	require.True(t, newFaultyPower.Equals(expectedNewFaults))
	require.True(t, penalizedPower.Equals(expectedNewFaults.Add(partPower(t, 4))))
	require.True(t, powerDelta.Equals(expectedNewFaults.Neg()))

	// Everything is now faulty; recoveries are retracted.
	require.True(t, partition.FaultyPower.Equals(partition.LivePower))
	require.True(t, partition.RecoveringPower.IsZero())
	assertPartitionState(t, store, partition, sectors,
		bf(1, 2, 3, 4, 5, 6), bf(1, 2, 3, 4, 5, 6), bf(), bf(), bf())
}

func TestPartitionPopsExpiredSectors(t *testing.T) {
	store, partition, _ := setupPartition(t)
	sectors := partitionTestSectors()

	expired, err := partition.PopExpiredSectors(store, 5, testQuantSpec)
	require.NoError(t, err)
	assertBitfieldEquals(t, expired.OnTimeSectors, 1, 2)
	assertBitfieldEmpty(t, expired.EarlySectors)
	require.True(t, expired.ActivePower.Equals(partPower(t, 1, 2)))
	require.True(t, expired.FaultyPower.IsZero())
	require.True(t, expired.OnTimePledge.Equals(big.NewInt(2001)))

	assertPartitionState(t, store, partition, sectors,
		bf(1, 2, 3, 4, 5, 6), bf(), bf(), bf(1, 2), bf())

	// On-time expirations don't queue any early terminations.
	result, hasMore, err := partition.PopEarlyTerminations(store, 1000)
	require.NoError(t, err)
	require.False(t, hasMore)
	require.True(t, result.IsEmpty())
}

func TestPartitionPopsExpiredSectorsWithFaults(t *testing.T) {
	store, partition, sectorArr := setupPartition(t)
	sectors := partitionTestSectors()

	// Fault sectors 4 and 5 with expiration before their declared epochs.
	_, _, _, err := partition.RecordFaults(store, sectorArr, bf(4, 5), 2, testSectorSize, testQuantSpec)
	require.NoError(t, err)

	expired, err := partition.PopExpiredSectors(store, 9, testQuantSpec)
	require.NoError(t, err)
	assertBitfieldEquals(t, expired.OnTimeSectors, 1, 2, 3)
	assertBitfieldEquals(t, expired.EarlySectors, 4, 5)
	require.True(t, expired.ActivePower.Equals(partPower(t, 1, 2, 3)))
	require.True(t, expired.FaultyPower.Equals(partPower(t, 4, 5)))
	require.True(t, expired.OnTimePledge.Equals(big.NewInt(3003)))

	assertPartitionState(t, store, partition, sectors,
		bf(1, 2, 3, 4, 5, 6), bf(), bf(), bf(1, 2, 3, 4, 5), bf())

	// The early expirations are queued for termination fee assessment.
	result, hasMore, err := partition.PopEarlyTerminations(store, 1000)
	require.NoError(t, err)
	require.False(t, hasMore)
	require.Equal(t, uint64(1), result.PartitionsProcessed)
	require.Equal(t, uint64(2), result.SectorsProcessed)
	assertBitfieldEquals(t, result.Sectors[9], 4, 5)
}

func TestPartitionPopExpiredFailsWithPendingRecoveries(t *testing.T) {
	store, partition, sectorArr := setupPartition(t)

	_, _, _, err := partition.RecordFaults(store, sectorArr, bf(4), 2, testSectorSize, testQuantSpec)
	require.NoError(t, err)
	require.NoError(t, partition.DeclareFaultsRecovered(sectorArr, testSectorSize, bf(4)))

	_, err = partition.PopExpiredSectors(store, 9, testQuantSpec)
	require.Error(t, err)
	require.Contains(t, err.Error(), "unexpected recoveries")
}

func TestPartitionPopExpiredFailsWithUnprovenSectors(t *testing.T) {
	store := emptyDeadlineTestStore(t)
	partition, err := ConstructPartition(store)
	require.NoError(t, err)

	_, err = partition.AddSectors(store, false, partitionTestSectors(), testSectorSize, testQuantSpec)
	require.NoError(t, err)

	_, err = partition.PopExpiredSectors(store, 5, testQuantSpec)
	require.Error(t, err)
	require.Equal(t, exitcode.ErrForbidden, exitcode.Unwrap(err, exitcode.Ok))
}

func TestPartitionTerminatesSectors(t *testing.T) {
	store, partition, sectorArr := setupPartition(t)
	sectors := partitionTestSectors()

	// Faults 3 and 4 reschedule early to epoch 5; 4 is also recovering.
	_, _, _, err := partition.RecordFaults(store, sectorArr, bf(3, 4), 2, testSectorSize, testQuantSpec)
	require.NoError(t, err)
	require.NoError(t, partition.DeclareFaultsRecovered(sectorArr, testSectorSize, bf(4)))

	removed, err := partition.TerminateSectors(store, sectorArr, 3, bf(1, 3, 4, 6), testSectorSize, testQuantSpec)
	require.NoError(t, err)
	assertBitfieldEquals(t, removed.OnTimeSectors, 1, 6)
	assertBitfieldEquals(t, removed.EarlySectors, 3, 4)
	require.True(t, removed.ActivePower.Equals(partPower(t, 1, 6)))
	require.True(t, removed.FaultyPower.Equals(partPower(t, 3, 4)))
	require.True(t, removed.OnTimePledge.Equals(big.NewInt(2005)))

	require.True(t, partition.RecoveringPower.IsZero())
	require.True(t, partition.FaultyPower.IsZero())
	require.True(t, partition.LivePower.Equals(partPower(t, 2, 5)))
	assertPartitionState(t, store, partition, sectors,
		bf(1, 2, 3, 4, 5, 6), bf(), bf(), bf(1, 3, 4, 6), bf())

	// Terminations pop out in bounded chunks, in order.
	result, hasMore, err := partition.PopEarlyTerminations(store, 2)
	require.NoError(t, err)
	require.True(t, hasMore)
	require.Equal(t, uint64(2), result.SectorsProcessed)
	assertBitfieldEquals(t, result.Sectors[3], 1, 3)

	result, hasMore, err = partition.PopEarlyTerminations(store, 10)
	require.NoError(t, err)
	require.False(t, hasMore)
	require.Equal(t, uint64(2), result.SectorsProcessed)
	assertBitfieldEquals(t, result.Sectors[3], 4, 6)
}

func TestPartitionTerminatesUnprovenSectors(t *testing.T) {
	store := emptyDeadlineTestStore(t)
	partition, err := ConstructPartition(store)
	require.NoError(t, err)

	sectors := partitionTestSectors()
	_, err = partition.AddSectors(store, false, sectors, testSectorSize, testQuantSpec)
	require.NoError(t, err)
	sectorArr := sectorsArr(t, store, sectors)

	removed, err := partition.TerminateSectors(store, sectorArr, 3, bf(1, 2), testSectorSize, testQuantSpec)
	require.NoError(t, err)

	// Unproven sectors never contributed power, so none is removed.
	require.True(t, removed.ActivePower.IsZero())
	require.True(t, removed.FaultyPower.IsZero())
	require.True(t, partition.UnprovenPower.Equals(partPower(t, 3, 4, 5, 6)))
	assertPartitionState(t, store, partition, sectors,
		bf(1, 2, 3, 4, 5, 6), bf(), bf(), bf(1, 2), bf(3, 4, 5, 6))
}

func TestPartitionTerminationErrors(t *testing.T) {
	t.Run("missing sector", func(t *testing.T) {
		store, partition, sectorArr := setupPartition(t)

		_, err := partition.TerminateSectors(store, sectorArr, 3, bf(99), testSectorSize, testQuantSpec)
		require.Error(t, err)
		require.Contains(t, err.Error(), "can only terminate live sectors")
		require.Equal(t, exitcode.ErrIllegalArgument, exitcode.Unwrap(err, exitcode.Ok))
	})

	t.Run("already terminated sector", func(t *testing.T) {
		store, partition, sectorArr := setupPartition(t)

		_, err := partition.TerminateSectors(store, sectorArr, 3, bf(1), testSectorSize, testQuantSpec)
		require.NoError(t, err)
		_, err = partition.TerminateSectors(store, sectorArr, 3, bf(1), testSectorSize, testQuantSpec)
		require.Error(t, err)
		require.Equal(t, exitcode.ErrIllegalArgument, exitcode.Unwrap(err, exitcode.Ok))
	})
}

func TestPartitionReschedulesExpirations(t *testing.T) {
	store, partition, sectorArr := setupPartition(t)
	sectors := partitionTestSectors()

	// Fault sector 3, terminate sector 6. Both are ignored by rescheduling,
	// as is the absent sector 99.
	_, _, _, err := partition.RecordFaults(store, sectorArr, bf(3), 2, testSectorSize, testQuantSpec)
	require.NoError(t, err)
	_, err = partition.TerminateSectors(store, sectorArr, 3, bf(6), testSectorSize, testQuantSpec)
	require.NoError(t, err)

	replaced, err := partition.RescheduleExpirations(store, sectorArr, 18, bf(2, 3, 6, 99), testSectorSize, testQuantSpec)
	require.NoError(t, err)
	require.Len(t, replaced, 1)
	require.Equal(t, abi.SectorNumber(2), replaced[0].SectorNumber)

	// Check invariants against the new declared expiration.
	rescheduled := rescheduleSectors(t, 18, sectors, bf(2))
	assertPartitionState(t, store, partition, rescheduled,
		bf(1, 2, 3, 4, 5, 6), bf(3), bf(), bf(6), bf())
}

// Returns a copy of sectors with the declared expiration of those selected
// replaced by a new epoch.
func rescheduleSectors(t *testing.T, target abi.ChainEpoch, sectors []*SectorOnChainInfo, filter bitfield.BitField) []*SectorOnChainInfo {
	t.Helper()
	output := make([]*SectorOnChainInfo, len(sectors))
	included, err := filter.AllMap(SectorsMax)
	require.NoError(t, err)
	for i, sector := range sectors {
		cpy := *sector
		if included[uint64(sector.SectorNumber)] {
			cpy.Expiration = target
		}
		output[i] = &cpy
	}
	return output
}
