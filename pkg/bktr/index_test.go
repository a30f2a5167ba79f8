package bktr

import (
	"errors"
	"testing"
)

func buildIndirectFixture() *indirectBlock {
	b := &indirectBlock{
		virtualSize: 0x4000,
		topOffsets:  []uint64{0, 0x2000},
		buckets: []indirectBucket{
			{entries: []indirectEntry{
				{VirtualOffset: 0, PhysicalOffset: 0, Source: SourceBase},
				{VirtualOffset: 0x1000, PhysicalOffset: 0x5000, Source: SourcePatch},
			}},
			{entries: []indirectEntry{
				{VirtualOffset: 0x2000, PhysicalOffset: 0x2000, Source: SourceBase},
			}},
		},
	}
	relayIndirectSentinels(b)
	return b
}

func TestFindIndirectCoversFullRange(t *testing.T) {
	b := buildIndirectFixture()

	cases := []struct {
		offset     uint64
		wantOffset uint64
		wantNext   uint64
		wantSource Source
	}{
		{0, 0, 0x1000, SourceBase},
		{0xFFF, 0, 0x1000, SourceBase},
		{0x1000, 0x1000, 0x2000, SourcePatch},
		{0x1FFF, 0x1000, 0x2000, SourcePatch},
		{0x2000, 0x2000, 0x4000, SourceBase},
		{0x3FFF, 0x2000, 0x4000, SourceBase},
	}

	for _, c := range cases {
		entry, next, err := findIndirect(b, c.offset)
		if err != nil {
			t.Fatalf("offset 0x%x: unexpected error: %v", c.offset, err)
		}
		if entry.VirtualOffset != c.wantOffset || entry.Source != c.wantSource {
			t.Errorf("offset 0x%x: got entry %+v, want offset=0x%x source=%v", c.offset, entry, c.wantOffset, c.wantSource)
		}
		if next.VirtualOffset != c.wantNext {
			t.Errorf("offset 0x%x: got next 0x%x, want 0x%x", c.offset, next.VirtualOffset, c.wantNext)
		}
	}
}

func TestFindIndirectOutOfRange(t *testing.T) {
	b := buildIndirectFixture()
	_, _, err := findIndirect(b, b.virtualSize)
	if !errors.Is(err, ErrInvalidArgs) {
		t.Fatalf("expected ErrInvalidArgs at virtual_size boundary, got %v", err)
	}
}

func buildAesCtrExFixture() *aesCtrExBlock {
	b := &aesCtrExBlock{
		physicalSize: 0x2000,
		topOffsets:   []uint64{0, 0x1000},
		buckets: []aesCtrExBucket{
			{entries: []aesCtrExEntry{{Offset: 0, Generation: 1}}},
			{entries: []aesCtrExEntry{{Offset: 0x1000, Generation: 2}}},
		},
	}
	relayAesCtrExSentinels(b, 0x2000, 9, 0x2500)
	return b
}

func TestFindAesCtrExWithinPhysicalRange(t *testing.T) {
	b := buildAesCtrExFixture()

	entry, next, err := findAesCtrEx(b, 0x500)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if entry.Generation != 1 || next.Offset != 0x1000 {
		t.Fatalf("got entry %+v next %+v", entry, next)
	}

	entry, next, err = findAesCtrEx(b, 0x1800)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if entry.Generation != 2 || next.Offset != 0x2000 {
		t.Fatalf("got entry %+v next %+v", entry, next)
	}
}

func TestFindAesCtrExIntoRelocationTableRegion(t *testing.T) {
	b := buildAesCtrExFixture()

	entry, next, err := findAesCtrEx(b, 0x2000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if entry.Offset != 0x2000 || entry.Generation != 9 {
		t.Fatalf("expected the first trailing sentinel, got %+v", entry)
	}
	if next.Offset != 0x2500 {
		t.Fatalf("expected next to be the section-end sentinel, got %+v", next)
	}
}

func TestFindAesCtrExNilBlock(t *testing.T) {
	b := buildAesCtrExFixture()
	if _, _, err := findAesCtrEx(nil, 0); !errors.Is(err, ErrInvalidArgs) {
		t.Fatalf("expected ErrInvalidArgs for nil block, got %v", err)
	}
	_ = b
}
