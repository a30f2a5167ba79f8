package bktr

import (
	"encoding/binary"
	"fmt"
)

const (
	bucketStride       = 0x4000 // on-disk size of one bucket record
	blockHeaderSize    = 0x10   // entry_count_total + bucket_count + logical_size
	topTableSize       = 0x3FF0
	maxBucketCount     = topTableSize / 8 // 0x3FF0 / sizeof(u64)
	bucketHeaderSize   = 8                // entry_count + reserved
	indirectEntrySize  = 24               // virtual_offset + physical_offset + source + reserved
	aesCtrExEntrySize  = 16               // offset + reserved + generation
	bucketPayloadSpace = bucketStride - bucketHeaderSize
)

// indirectEntry is one Indirect Storage entry, decoded.
type indirectEntry struct {
	VirtualOffset  uint64
	PhysicalOffset uint64
	Source         Source
}

// indirectBucket holds a bucket's entries plus its appended sentinel
// (always the slice's last element).
type indirectBucket struct {
	entries []indirectEntry
}

// indirectBlock is the normalized, sentinel-terminated Indirect
// Storage index.
type indirectBlock struct {
	virtualSize uint64
	topOffsets  []uint64 // topOffsets[i] = first virtual_offset served by bucket i
	buckets     []indirectBucket
}

// aesCtrExEntry is one AesCtrEx Storage entry, decoded.
type aesCtrExEntry struct {
	Offset     uint64
	Generation uint32
}

type aesCtrExBucket struct {
	entries []aesCtrExEntry
}

// aesCtrExBlock is the normalized, sentinel-terminated AesCtrEx
// Storage index.
type aesCtrExBlock struct {
	physicalSize uint64
	topOffsets   []uint64
	buckets      []aesCtrExBucket
}

// decodeIndirectBlock parses a raw Indirect Storage Block (as read
// from disk) into its buckets, without sentinels.
func decodeIndirectBlock(raw []byte) (*indirectBlock, error) {
	if len(raw) < blockHeaderSize+topTableSize {
		return nil, fmt.Errorf("%w: indirect block too short", ErrHeaderMismatch)
	}

	bucketCount := binary.LittleEndian.Uint32(raw[4:8])
	virtualSize := binary.LittleEndian.Uint64(raw[8:16])
	if bucketCount == 0 || bucketCount > maxBucketCount {
		return nil, fmt.Errorf("%w: invalid indirect bucket count %d", ErrHeaderMismatch, bucketCount)
	}

	topOffsets := make([]uint64, bucketCount)
	for i := range topOffsets {
		off := blockHeaderSize + i*8
		topOffsets[i] = binary.LittleEndian.Uint64(raw[off : off+8])
	}

	buckets := make([]indirectBucket, bucketCount)
	bucketsStart := blockHeaderSize + topTableSize
	for i := uint32(0); i < bucketCount; i++ {
		base := bucketsStart + int(i)*bucketStride
		if base+bucketStride > len(raw) {
			return nil, fmt.Errorf("%w: indirect bucket %d truncated", ErrHeaderMismatch, i)
		}

		entryCount := binary.LittleEndian.Uint32(raw[base : base+4])
		maxEntries := bucketPayloadSpace / indirectEntrySize
		if int(entryCount) > maxEntries {
			return nil, fmt.Errorf("%w: indirect bucket %d entry count %d exceeds capacity", ErrHeaderMismatch, i, entryCount)
		}

		entries := make([]indirectEntry, entryCount)
		entriesStart := base + bucketHeaderSize
		for j := uint32(0); j < entryCount; j++ {
			e := entriesStart + int(j)*indirectEntrySize
			entries[j] = indirectEntry{
				VirtualOffset:  binary.LittleEndian.Uint64(raw[e : e+8]),
				PhysicalOffset: binary.LittleEndian.Uint64(raw[e+8 : e+16]),
				Source:         Source(binary.LittleEndian.Uint32(raw[e+16 : e+20])),
			}
		}
		buckets[i] = indirectBucket{entries: entries}
	}

	return &indirectBlock{
		virtualSize: virtualSize,
		topOffsets:  topOffsets,
		buckets:     buckets,
	}, nil
}

// decodeAesCtrExBlock parses a raw AesCtrEx Storage Block into its
// buckets, without sentinels. Initialize requires physicalSize to equal
// the on-disk offset at which this AesCtrEx Storage Block itself begins.
func decodeAesCtrExBlock(raw []byte) (*aesCtrExBlock, error) {
	if len(raw) < blockHeaderSize+topTableSize {
		return nil, fmt.Errorf("%w: aesctrex block too short", ErrHeaderMismatch)
	}

	bucketCount := binary.LittleEndian.Uint32(raw[4:8])
	physicalSize := binary.LittleEndian.Uint64(raw[8:16])
	if bucketCount == 0 || bucketCount > maxBucketCount {
		return nil, fmt.Errorf("%w: invalid aesctrex bucket count %d", ErrHeaderMismatch, bucketCount)
	}

	topOffsets := make([]uint64, bucketCount)
	for i := range topOffsets {
		off := blockHeaderSize + i*8
		topOffsets[i] = binary.LittleEndian.Uint64(raw[off : off+8])
	}

	buckets := make([]aesCtrExBucket, bucketCount)
	bucketsStart := blockHeaderSize + topTableSize
	for i := uint32(0); i < bucketCount; i++ {
		base := bucketsStart + int(i)*bucketStride
		if base+bucketStride > len(raw) {
			return nil, fmt.Errorf("%w: aesctrex bucket %d truncated", ErrHeaderMismatch, i)
		}

		entryCount := binary.LittleEndian.Uint32(raw[base : base+4])
		maxEntries := bucketPayloadSpace / aesCtrExEntrySize
		if int(entryCount) > maxEntries {
			return nil, fmt.Errorf("%w: aesctrex bucket %d entry count %d exceeds capacity", ErrHeaderMismatch, i, entryCount)
		}

		entries := make([]aesCtrExEntry, entryCount)
		entriesStart := base + bucketHeaderSize
		for j := uint32(0); j < entryCount; j++ {
			e := entriesStart + int(j)*aesCtrExEntrySize
			entries[j] = aesCtrExEntry{
				Offset:     binary.LittleEndian.Uint64(raw[e : e+8]),
				Generation: binary.LittleEndian.Uint32(raw[e+12 : e+16]),
			}
		}
		buckets[i] = aesCtrExBucket{entries: entries}
	}

	return &aesCtrExBlock{
		physicalSize: physicalSize,
		topOffsets:   topOffsets,
		buckets:      buckets,
	}, nil
}

// relayIndirectSentinels appends the "next entry" sentinel to every
// bucket: for bucket i < last, the first key of bucket i+1; for the
// last bucket, the block's virtual_size. This is the in-memory
// equivalent of the reference implementation's in-place bucket
// relayout, done here as plain slice append since Go has no need for
// the original's fixed-stride pointer arithmetic (spec explicitly
// sanctions representing a bucket as an owned growable sequence).
func relayIndirectSentinels(b *indirectBlock) {
	n := len(b.buckets)
	for i := 0; i < n; i++ {
		var sentinelOffset uint64
		if i+1 < n {
			sentinelOffset = b.topOffsets[i+1]
		} else {
			sentinelOffset = b.virtualSize
		}
		b.buckets[i].entries = append(b.buckets[i].entries, indirectEntry{VirtualOffset: sentinelOffset})
	}
}

// relayAesCtrExSentinels appends the "next entry" sentinel to every
// bucket the same way, except the last bucket gets two trailing
// sentinels: one marking the start of the Indirect Storage Block on
// disk (carrying the update section's upper-IV generation), and a
// final one marking the full update section end (generation 0).
func relayAesCtrExSentinels(b *aesCtrExBlock, indirectBlockOffset uint64, upperIVGeneration uint32, updateSectionSize uint64) {
	n := len(b.buckets)
	for i := 0; i < n-1; i++ {
		next := b.buckets[i+1].entries[0]
		b.buckets[i].entries = append(b.buckets[i].entries, aesCtrExEntry{Offset: next.Offset, Generation: next.Generation})
	}

	last := n - 1
	b.buckets[last].entries = append(b.buckets[last].entries,
		aesCtrExEntry{Offset: indirectBlockOffset, Generation: upperIVGeneration},
		aesCtrExEntry{Offset: updateSectionSize, Generation: 0},
	)
}
