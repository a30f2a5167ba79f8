package bktr

import "testing"

func TestRelayIndirectSentinels(t *testing.T) {
	b := &indirectBlock{
		virtualSize: 0x3000,
		topOffsets:  []uint64{0, 0x1000, 0x2000},
		buckets: []indirectBucket{
			{entries: []indirectEntry{{VirtualOffset: 0, PhysicalOffset: 0, Source: SourceBase}}},
			{entries: []indirectEntry{{VirtualOffset: 0x1000, PhysicalOffset: 0x1000, Source: SourcePatch}}},
			{entries: []indirectEntry{{VirtualOffset: 0x2000, PhysicalOffset: 0x500, Source: SourceBase}}},
		},
	}

	relayIndirectSentinels(b)

	if len(b.buckets[0].entries) != 2 || b.buckets[0].entries[1].VirtualOffset != 0x1000 {
		t.Fatalf("bucket 0 sentinel wrong: %+v", b.buckets[0].entries)
	}
	if len(b.buckets[1].entries) != 2 || b.buckets[1].entries[1].VirtualOffset != 0x2000 {
		t.Fatalf("bucket 1 sentinel wrong: %+v", b.buckets[1].entries)
	}
	if len(b.buckets[2].entries) != 2 || b.buckets[2].entries[1].VirtualOffset != 0x3000 {
		t.Fatalf("last bucket sentinel should be virtual_size, got %+v", b.buckets[2].entries)
	}
}

func TestRelayAesCtrExSentinels(t *testing.T) {
	b := &aesCtrExBlock{
		physicalSize: 0x2000,
		topOffsets:   []uint64{0, 0x1000},
		buckets: []aesCtrExBucket{
			{entries: []aesCtrExEntry{{Offset: 0, Generation: 1}}},
			{entries: []aesCtrExEntry{{Offset: 0x1000, Generation: 2}}},
		},
	}

	relayAesCtrExSentinels(b, 0x9000, 7, 0x9500)

	if len(b.buckets[0].entries) != 2 {
		t.Fatalf("bucket 0 should have one sentinel, got %+v", b.buckets[0].entries)
	}
	if got := b.buckets[0].entries[1]; got.Offset != 0x1000 || got.Generation != 2 {
		t.Fatalf("bucket 0 sentinel should mirror bucket 1's first entry, got %+v", got)
	}

	last := b.buckets[1].entries
	if len(last) != 3 {
		t.Fatalf("last bucket should carry two trailing sentinels, got %+v", last)
	}
	if last[1].Offset != 0x9000 || last[1].Generation != 7 {
		t.Fatalf("first trailing sentinel should mark indirect block offset with upper IV generation, got %+v", last[1])
	}
	if last[2].Offset != 0x9500 || last[2].Generation != 0 {
		t.Fatalf("final sentinel should mark section end with generation 0, got %+v", last[2])
	}
}

func TestDecodeIndirectBlockRejectsShortBuffer(t *testing.T) {
	if _, err := decodeIndirectBlock(make([]byte, 4)); err == nil {
		t.Fatal("expected error decoding truncated indirect block")
	}
}

func TestDecodeAesCtrExBlockRejectsBadBucketCount(t *testing.T) {
	raw := make([]byte, blockHeaderSize+topTableSize)
	// bucket_count = 0 is invalid.
	if _, err := decodeAesCtrExBlock(raw); err == nil {
		t.Fatal("expected error decoding aesctrex block with zero buckets")
	}
}
