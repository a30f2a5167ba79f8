package bktr

import (
	"bytes"
	"errors"
	"testing"
)

type recordedRead struct {
	offset     uint64
	length     int
	generation uint32
	withGen    bool
}

type fakeBaseReader struct {
	data  []byte
	calls []recordedRead
}

func (f *fakeBaseReader) ReadSection(buf []byte, offset uint64) error {
	f.calls = append(f.calls, recordedRead{offset: offset, length: len(buf)})
	copy(buf, f.data[offset:offset+uint64(len(buf))])
	return nil
}

type fakeUpdateReader struct {
	data             []byte
	calls            []recordedRead
	htOffset, htSize uint64
}

func (f *fakeUpdateReader) ReadSection(buf []byte, offset uint64) error {
	f.calls = append(f.calls, recordedRead{offset: offset, length: len(buf)})
	copy(buf, f.data[offset:offset+uint64(len(buf))])
	return nil
}

func (f *fakeUpdateReader) ReadSectionWithGeneration(buf []byte, offset uint64, generation uint32) error {
	f.calls = append(f.calls, recordedRead{offset: offset, length: len(buf), generation: generation, withGen: true})
	copy(buf, f.data[offset:offset+uint64(len(buf))])
	return nil
}

func (f *fakeUpdateReader) HashTargetProperties() (uint64, uint64, error) {
	return f.htOffset, f.htSize, nil
}

func fillPattern(size int) []byte {
	b := make([]byte, size)
	for i := range b {
		b[i] = byte(i)
	}
	return b
}

// Scenario 1: single-entry base read.
func TestScenarioSingleEntryBaseRead(t *testing.T) {
	base := &fakeBaseReader{data: fillPattern(0x10000)}
	update := &fakeUpdateReader{}

	ctx := &Context{
		base:   base,
		update: update,
		indirect: &indirectBlock{
			virtualSize: 0x10000,
			topOffsets:  []uint64{0},
			buckets: []indirectBucket{
				{entries: []indirectEntry{
					{VirtualOffset: 0, PhysicalOffset: 0, Source: SourceBase},
					{VirtualOffset: 0x10000},
				}},
			},
		},
	}

	buf := make([]byte, 0x200)
	if err := ctx.physicalRead(buf, 0x200, 0x1000); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.Equal(buf, base.data[0x1000:0x1200]) {
		t.Errorf("read_fs did not match direct base section read")
	}
}

// Scenario 2: cross-source split between base and patch.
func TestScenarioCrossSourceSplit(t *testing.T) {
	base := &fakeBaseReader{data: fillPattern(0x4000)}
	update := &fakeUpdateReader{data: fillPattern(0x4000)}

	ctx := &Context{
		base:   base,
		update: update,
		indirect: &indirectBlock{
			virtualSize: 0x8000,
			topOffsets:  []uint64{0},
			buckets: []indirectBucket{
				{entries: []indirectEntry{
					{VirtualOffset: 0, PhysicalOffset: 0, Source: SourceBase},
					{VirtualOffset: 0x4000, PhysicalOffset: 0, Source: SourcePatch},
					{VirtualOffset: 0x8000},
				}},
			},
		},
		aesCtrEx: &aesCtrExBlock{
			physicalSize: 0x4000,
			topOffsets:   []uint64{0},
			buckets: []aesCtrExBucket{
				{entries: []aesCtrExEntry{
					{Offset: 0, Generation: 5},
					{Offset: 0x4000, Generation: 9},
					{Offset: 0x9000, Generation: 0},
				}},
			},
		},
	}

	buf := make([]byte, 0x8000)
	if err := ctx.physicalRead(buf, 0x8000, 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.Equal(buf[:0x4000], base.data[:0x4000]) {
		t.Errorf("base half did not match base section data")
	}
	if !bytes.Equal(buf[0x4000:], update.data[:0x4000]) {
		t.Errorf("patch half did not match update section data")
	}
	if len(update.calls) != 1 || update.calls[0].generation != 5 || update.calls[0].length != 0x4000 {
		t.Errorf("expected one generation-5 update read of 0x4000 bytes, got %+v", update.calls)
	}
}

// Scenario 3: generation split inside a single patch entry.
func TestScenarioGenerationSplitInsidePatch(t *testing.T) {
	update := &fakeUpdateReader{data: fillPattern(0x3000)}

	ctx := &Context{
		missingBaseRomfs: true,
		update:           update,
		indirect: &indirectBlock{
			virtualSize: 0x2000,
			topOffsets:  []uint64{0},
			buckets: []indirectBucket{
				{entries: []indirectEntry{
					{VirtualOffset: 0, PhysicalOffset: 0, Source: SourcePatch},
					{VirtualOffset: 0x2000},
				}},
			},
		},
		aesCtrEx: &aesCtrExBlock{
			physicalSize: 0x2000,
			topOffsets:   []uint64{0},
			buckets: []aesCtrExBucket{
				{entries: []aesCtrExEntry{
					{Offset: 0, Generation: 5},
					{Offset: 0x1000, Generation: 6},
					{Offset: 0x2000, Generation: 7},
					{Offset: 0x3000, Generation: 0},
				}},
			},
		},
	}

	buf := make([]byte, 0x2000)
	if err := ctx.physicalRead(buf, 0x2000, 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(update.calls) != 2 {
		t.Fatalf("expected exactly two section reads, got %d: %+v", len(update.calls), update.calls)
	}
	if update.calls[0].offset != 0 || update.calls[0].length != 0x1000 || update.calls[0].generation != 5 {
		t.Errorf("first call wrong: %+v", update.calls[0])
	}
	if update.calls[1].offset != 0x1000 || update.calls[1].length != 0x1000 || update.calls[1].generation != 6 {
		t.Errorf("second call wrong: %+v", update.calls[1])
	}
}

// Scenario 4: missing-base rejection.
func TestScenarioMissingBaseRejection(t *testing.T) {
	ctx := &Context{
		missingBaseRomfs: true,
		indirect: &indirectBlock{
			virtualSize: 0x1000,
			topOffsets:  []uint64{0},
			buckets: []indirectBucket{
				{entries: []indirectEntry{
					{VirtualOffset: 0, PhysicalOffset: 0, Source: SourceBase},
					{VirtualOffset: 0x1000},
				}},
			},
		},
	}

	buf := make([]byte, 0x10)
	original := append([]byte(nil), buf...)

	err := ctx.physicalRead(buf, 0x10, 0)
	if !errors.Is(err, ErrBaseMissing) {
		t.Fatalf("expected ErrBaseMissing, got %v", err)
	}
	if !bytes.Equal(buf, original) {
		t.Errorf("buffer was modified despite failed read")
	}
}

// Scenario 5: bootstrap header mismatch leaves the context empty.
func TestScenarioBootstrapHeaderMismatch(t *testing.T) {
	cfg := Config{
		IndirectBucket: PatchBucketInfo{Offset: 0, Size: 0x4000, Magic: [4]byte{'B', 'K', 'T', 'R'}, Version: bktrPatchInfoVersion},
		AesCtrExBucket: PatchBucketInfo{Offset: 0x5000, Size: 0x4000, Magic: [4]byte{'B', 'K', 'T', 'R'}, Version: bktrPatchInfoVersion},
		SectionSize:    0x9000,
	}

	ctx := &Context{}
	update := &fakeUpdateReader{}
	err := Initialize(ctx, nil, update, cfg)
	if !errors.Is(err, ErrHeaderMismatch) {
		t.Fatalf("expected ErrHeaderMismatch, got %v", err)
	}
	if ctx.indirect != nil || ctx.aesCtrEx != nil {
		t.Errorf("context should remain empty after failed bootstrap, got %+v", ctx)
	}
}

// Scenario 6: file-updated oracle.
func TestScenarioFileUpdatedOracle(t *testing.T) {
	ctx := &Context{
		offset:     0,
		bodyOffset: 0,
		size:       0x10000,
		indirect: &indirectBlock{
			virtualSize: 0x10000,
			topOffsets:  []uint64{0},
			buckets: []indirectBucket{
				{entries: []indirectEntry{
					{VirtualOffset: 0, PhysicalOffset: 0, Source: SourceBase},
					{VirtualOffset: 0x1000, PhysicalOffset: 0, Source: SourcePatch},
					{VirtualOffset: 0x2000, PhysicalOffset: 0, Source: SourceBase},
					{VirtualOffset: 0x10000},
				}},
			},
		},
	}

	updated, err := ctx.IsFileUpdated(FileEntry{Offset: 0x1000, Size: 0x100})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !updated {
		t.Errorf("expected file covered by a Patch entry to be reported updated")
	}

	notUpdated, err := ctx.IsFileUpdated(FileEntry{Offset: 0, Size: 0x100})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if notUpdated {
		t.Errorf("expected file entirely within a Base entry to be reported not updated")
	}
}
