package deadline

import (
	"fmt"
	"sort"

	"github.com/filecoin-project/go-bitfield"
	"github.com/filecoin-project/go-state-types/abi"
	"github.com/ipfs/go-cid"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/go-deadline-state/adt"
)

// BitfieldQueue is an epoch-keyed AMT of bitfields, with insertion quantized
// by a QuantSpec. It backs the deadline's partition-expiration index and the
// per-partition early-termination record.
type BitfieldQueue struct {
	*adt.Array
	quant QuantSpec
}

func LoadBitfieldQueue(store adt.Store, root cid.Cid, quant QuantSpec, bitwidth uint) (BitfieldQueue, error) {
	arr, err := adt.AsArray(store, root, bitwidth)
	if err != nil {
		return BitfieldQueue{}, xerrors.Errorf("failed to load epoch queue %v: %w", root, err)
	}
	return BitfieldQueue{arr, quant}, nil
}

// AddToQueue adds values to the queue entry for an epoch, quantizing the
// epoch up to the next boundary.
func (q BitfieldQueue) AddToQueue(rawEpoch abi.ChainEpoch, values bitfield.BitField) error {
	if isEmpty, err := values.IsEmpty(); err != nil {
		return xerrors.Errorf("failed to decode bitfield: %w", err)
	} else if isEmpty {
		// Nothing to do.
		return nil
	}
	epoch := q.quant.QuantizeUp(rawEpoch)
	var bf bitfield.BitField
	if found, err := q.Array.Get(uint64(epoch), &bf); err != nil {
		return xerrors.Errorf("failed to lookup queue epoch %v: %w", epoch, err)
	} else if found {
		// Merge with existing values.
		values, err = bitfield.MergeBitFields(values, bf)
		if err != nil {
			return xerrors.Errorf("failed to merge bitfields for queue epoch %v: %w", epoch, err)
		}
	}

	if err := q.Array.Set(uint64(epoch), values); err != nil {
		return xerrors.Errorf("failed to set queue epoch %v: %w", epoch, err)
	}
	return nil
}

func (q BitfieldQueue) AddToQueueValues(epoch abi.ChainEpoch, values ...uint64) error {
	if len(values) == 0 {
		return nil
	}
	return q.AddToQueue(epoch, bitfield.NewFromSet(values))
}

// AddManyToQueueValues adds values to the queue for multiple epochs.
// Each epoch is processed in order to be deterministic.
func (q BitfieldQueue) AddManyToQueueValues(values map[abi.ChainEpoch][]uint64) error {
	epochs := make([]abi.ChainEpoch, 0, len(values))
	for epoch := range values { //nolint:nomaprange
		epochs = append(epochs, epoch)
	}
	sort.Slice(epochs, func(i, j int) bool {
		return epochs[i] < epochs[j]
	})

	for _, epoch := range epochs {
		if err := q.AddToQueueValues(epoch, values[epoch]...); err != nil {
			return err
		}
	}
	return nil
}

// Cut cuts the elements from the bits in the given bitfield out of the
// bitfields in the queue, shifting other bits down and removing any newly
// empty entries.
//
// See the go-bitfield docs on Cut to understand what it does.
func (q BitfieldQueue) Cut(toCut bitfield.BitField) error {
	var epochsToRemove []uint64
	var bf bitfield.BitField
	if err := q.ForEach(&bf, func(i int64) error {
		bfCut, err := bitfield.CutBitField(bf, toCut)
		if err != nil {
			return err
		}
		if count, err := bfCut.Count(); err != nil {
			return err
		} else if count == 0 {
			epochsToRemove = append(epochsToRemove, uint64(i))
		} else {
			return q.Array.Set(uint64(i), bfCut)
		}
		return nil
	}); err != nil {
		return xerrors.Errorf("failed to cut from bitfield queue: %w", err)
	}
	if err := q.BatchDelete(epochsToRemove, true); err != nil {
		return xerrors.Errorf("failed to remove empty epochs from bitfield queue: %w", err)
	}
	return nil
}

// PopUntil removes and returns entries with epochs up to and including the
// cutoff, merged into one bitfield. Returns whether the queue was modified.
func (q BitfieldQueue) PopUntil(until abi.ChainEpoch) (values bitfield.BitField, modified bool, err error) {
	var poppedValues []bitfield.BitField
	var poppedKeys []uint64

	stopErr := fmt.Errorf("stop")
	var bf bitfield.BitField
	if err = q.ForEach(&bf, func(i int64) error {
		if abi.ChainEpoch(i) > until {
			return stopErr
		}
		poppedKeys = append(poppedKeys, uint64(i))
		poppedValues = append(poppedValues, bf)
		return nil
	}); err != nil && err != stopErr {
		return bitfield.BitField{}, false, err
	}

	// Nothing expired.
	if len(poppedKeys) == 0 {
		return bitfield.New(), false, nil
	}

	if err = q.BatchDelete(poppedKeys, true); err != nil {
		return bitfield.BitField{}, false, err
	}
	merged, err := bitfield.MultiMerge(poppedValues...)
	if err != nil {
		return bitfield.BitField{}, false, err
	}

	return merged, true, nil
}
