package adt

import (
	"bytes"

	amt "github.com/filecoin-project/go-amt-ipld/v4"
	"github.com/filecoin-project/go-state-types/cbor"
	"github.com/ipfs/go-cid"
	cbg "github.com/whyrusleeping/cbor-gen"
	"golang.org/x/xerrors"
)

// Array stores a sparse sequence of values in an AMT.
type Array struct {
	root  *amt.Root
	store Store
}

// AsArray interprets a store as an AMT-based array with root `r`.
func AsArray(s Store, r cid.Cid, bitwidth uint) (*Array, error) {
	root, err := amt.LoadAMT(s.Context(), s, r, amt.UseTreeBitWidth(bitwidth))
	if err != nil {
		return nil, xerrors.Errorf("failed to root: %w", err)
	}

	return &Array{
		root:  root,
		store: s,
	}, nil
}

// MakeEmptyArray creates a new array backed by an empty AMT.
func MakeEmptyArray(s Store, bitwidth uint) (*Array, error) {
	root, err := amt.NewAMT(s, amt.UseTreeBitWidth(bitwidth))
	if err != nil {
		return nil, err
	}
	return &Array{
		root:  root,
		store: s,
	}, nil
}

// StoreEmptyArray writes a new empty array to the store, returning its root.
func StoreEmptyArray(s Store, bitwidth uint) (cid.Cid, error) {
	arr, err := MakeEmptyArray(s, bitwidth)
	if err != nil {
		return cid.Undef, err
	}
	return arr.Root()
}

// Root returns the root CID of the underlying AMT.
func (a *Array) Root() (cid.Cid, error) {
	return a.root.Flush(a.store.Context())
}

// Set adds value `v` with index `i` to the AMT store, The pair is not
// committed until the root is flushed.
func (a *Array) Set(i uint64, v cbor.Marshaler) error {
	if err := a.root.Set(a.store.Context(), i, v); err != nil {
		return xerrors.Errorf("failed to set index %v value %v: %w", i, v, err)
	}
	return nil
}

// AppendContinuous stores a value at the next index after the highest one
// currently present. Fails if the array's indices are not contiguous from
// zero.
func (a *Array) AppendContinuous(value cbor.Marshaler) error {
	nextIdx := a.Length()
	if err := a.root.Set(a.store.Context(), nextIdx, value); err != nil {
		return xerrors.Errorf("failed to append index %v: %w", nextIdx, err)
	}
	return nil
}

// Get retrieves an array element into the 'out' unmarshaler, returning a
// boolean indicating whether the element was found in the array.
func (a *Array) Get(i uint64, out cbor.Unmarshaler) (bool, error) {
	if found, err := a.root.Get(a.store.Context(), i, out); err != nil {
		return false, xerrors.Errorf("failed to get index %v: %w", i, err)
	} else {
		return found, nil
	}
}

// Delete removes the value at index `i` from the AMT, expecting it to exist.
func (a *Array) Delete(i uint64) error {
	if found, err := a.root.Delete(a.store.Context(), i); err != nil {
		return xerrors.Errorf("failed to delete index %v: %w", i, err)
	} else if !found {
		return xerrors.Errorf("no such index %v to delete", i)
	}
	return nil
}

// BatchDelete removes all given indices. If strict is true, all indices are
// expected to be present.
func (a *Array) BatchDelete(ix []uint64, strict bool) error {
	if _, err := a.root.BatchDelete(a.store.Context(), ix, strict); err != nil {
		return xerrors.Errorf("failed to batch delete keys %v: %w", ix, err)
	}
	return nil
}

// ForEach iterates all entries in the array in index order, deserializing
// each value in turn into `out` and then calling a function.
// Iteration halts if the function returns an error.
// If the output parameter is nil, deserialization is skipped.
func (a *Array) ForEach(out cbor.Unmarshaler, fn func(i int64) error) error {
	return a.root.ForEach(a.store.Context(), func(k uint64, val *cbg.Deferred) error {
		if out != nil {
			if deferred, ok := out.(*cbg.Deferred); ok {
				*deferred = *val
			} else if err := out.UnmarshalCBOR(bytes.NewReader(val.Raw)); err != nil {
				return err
			}
		}
		return fn(int64(k))
	})
}

// Length returns the number of elements in the array.
func (a *Array) Length() uint64 {
	return a.root.Len()
}
