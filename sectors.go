package deadline

import (
	"github.com/filecoin-project/go-bitfield"
	"github.com/filecoin-project/go-state-types/abi"
	xc "github.com/filecoin-project/go-state-types/exitcode"
	"github.com/ipfs/go-cid"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/go-deadline-state/adt"
)

// SectorOnChainInfo is the record of one storage commitment. It is immutable
// once created; this library only reads the stored expiration and weights.
type SectorOnChainInfo struct {
	SectorNumber       abi.SectorNumber
	Activation         abi.ChainEpoch  // Epoch during which the sector was activated
	Expiration         abi.ChainEpoch  // Epoch during which the sector expires
	DealWeight         abi.DealWeight  // Integral of active deals over sector lifetime
	VerifiedDealWeight abi.DealWeight  // Integral of active verified deals over sector lifetime
	InitialPledge      abi.TokenAmount // Pledge collected to commit this sector
}

// Sectors is a lookup of sector infos by sector number, backed by an AMT.
// It satisfies the sector-lookup collaborator contract: loading a set of
// sector numbers fails if any requested number is absent.
type Sectors struct {
	*adt.Array
}

func LoadSectors(store adt.Store, root cid.Cid) (Sectors, error) {
	sectorsArr, err := adt.AsArray(store, root, SectorsAmtBitwidth)
	if err != nil {
		return Sectors{}, xerrors.Errorf("failed to load sectors: %w", err)
	}
	return Sectors{sectorsArr}, nil
}

// Load reads the full info for every sector number in the bitfield.
func (sa Sectors) Load(sectorNos bitfield.BitField) ([]*SectorOnChainInfo, error) {
	var sectorInfos []*SectorOnChainInfo
	if err := sectorNos.ForEach(func(i uint64) error {
		var sectorOnChain SectorOnChainInfo
		found, err := sa.Array.Get(i, &sectorOnChain)
		if err != nil {
			return xerrors.Errorf("failed to load sector %v: %w", abi.SectorNumber(i), err)
		} else if !found {
			return xc.ErrIllegalArgument.Wrapf("sector not found: %d", i)
		}
		sectorInfos = append(sectorInfos, &sectorOnChain)
		return nil
	}); err != nil {
		return nil, err
	}
	return sectorInfos, nil
}

func (sa Sectors) Get(sectorNumber abi.SectorNumber) (*SectorOnChainInfo, bool, error) {
	var info SectorOnChainInfo
	found, err := sa.Array.Get(uint64(sectorNumber), &info)
	if err != nil {
		return nil, false, xerrors.Errorf("failed to get sector %d: %w", sectorNumber, err)
	} else if !found {
		return nil, false, nil
	}
	return &info, true, nil
}

func (sa Sectors) MustGet(sectorNumber abi.SectorNumber) (*SectorOnChainInfo, error) {
	info, found, err := sa.Get(sectorNumber)
	if err != nil {
		return nil, err
	} else if !found {
		return nil, xerrors.Errorf("sector %d not found", sectorNumber)
	}
	return info, nil
}

// Store writes sector infos at their sector-number index.
func (sa Sectors) Store(infos ...*SectorOnChainInfo) error {
	for _, info := range infos {
		if info == nil {
			return xerrors.Errorf("nil sector info")
		}
		if uint64(info.SectorNumber) > SectorsMax {
			return xerrors.Errorf("sector number %d out of range", info.SectorNumber)
		}
		if err := sa.Set(uint64(info.SectorNumber), info); err != nil {
			return xerrors.Errorf("failed to store sector %d: %w", info.SectorNumber, err)
		}
	}
	return nil
}

// selectSectors takes sector infos for the sector numbers in the bitfield
// from an already-loaded slice, failing if any number has no info present.
func selectSectors(sectors []*SectorOnChainInfo, field bitfield.BitField) ([]*SectorOnChainInfo, error) {
	toInclude, err := field.AllMap(AddressedSectorsMax)
	if err != nil {
		return nil, xerrors.Errorf("failed to expand sectors into map: %w", err)
	}

	included := []*SectorOnChainInfo{}
	for _, s := range sectors {
		if !toInclude[uint64(s.SectorNumber)] {
			continue
		}
		included = append(included, s)
		delete(toInclude, uint64(s.SectorNumber))
	}
	if len(toInclude) > 0 {
		return nil, xerrors.Errorf("failed to find %d expected sectors", len(toInclude))
	}
	return included, nil
}
