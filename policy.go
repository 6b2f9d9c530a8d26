package deadline

// The maximum number of sector infos that may be loaded or addressed by a
// single operation's bitfield argument. Bounds the memory held while a
// bitfield is expanded into a map.
const AddressedSectorsMax = 25_000

// An approximation to chain state size, used to bound bitfield expansion.
// No sector number may exceed this value.
const SectorsMax = 32 << 20

// Bitwidth of the AMT holding a deadline's partitions.
const DeadlinePartitionsAmtBitwidth = 3

// Bitwidth of the AMT indexing partition expirations per epoch in a deadline.
const DeadlineExpirationAmtBitwidth = 5

// Bitwidth of the AMT holding a partition's expiration queue. The queue is
// quantized, so economical even at small widths.
const PartitionExpirationAmtBitwidth = 4

// Bitwidth of the AMT recording a partition's early terminations by epoch.
const PartitionEarlyTerminationArrayAmtBitwidth = 3

// Bitwidth of the AMT backing the sector info lookup.
const SectorsAmtBitwidth = 5
