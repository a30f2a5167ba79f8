package bktr

import (
	"encoding/binary"
	"fmt"
)

const (
	romfsHeaderSize = 0x50

	maxIndirectTailEntries = topTableSize / 8
	maxAesCtrExTailEntries = topTableSize/8 + 1

	bktrPatchInfoVersion = 2
)

// romfsHeader mirrors the fixed fields of a RomFS header that bootstrap
// needs; the remaining hash-table fields are opaque to this package.
type romfsHeader struct {
	headerSize      uint64
	dirTableOffset  uint64
	dirTableSize    uint64
	fileTableOffset uint64
	fileTableSize   uint64
	bodyOffset      uint64
}

func decodeRomfsHeader(raw []byte) (romfsHeader, error) {
	if len(raw) < romfsHeaderSize {
		return romfsHeader{}, fmt.Errorf("%w: romfs header too short", ErrHeaderMismatch)
	}
	return romfsHeader{
		headerSize:      binary.LittleEndian.Uint64(raw[0x00:0x08]),
		dirTableOffset:  binary.LittleEndian.Uint64(raw[0x18:0x20]),
		dirTableSize:    binary.LittleEndian.Uint64(raw[0x20:0x28]),
		fileTableOffset: binary.LittleEndian.Uint64(raw[0x38:0x40]),
		fileTableSize:   binary.LittleEndian.Uint64(raw[0x40:0x48]),
		bodyOffset:      binary.LittleEndian.Uint64(raw[0x48:0x50]),
	}, nil
}

// Context is the bootstrapped, read-only handle returned by Initialize.
// It exclusively owns the Indirect Block, the AesCtrEx Block, and the
// directory/file table buffers; base and update are borrowed and must
// outlive it.
type Context struct {
	missingBaseRomfs bool
	base             BaseReader
	update           UpdateReader

	indirect *indirectBlock
	aesCtrEx *aesCtrExBlock

	offset uint64
	size   uint64

	bodyOffset uint64
	dirTable   []byte
	fileTable  []byte
}

// PatchBucketInfo is the bucket-tree descriptor (offset, size, magic,
// version) for one of the two indexes, as stored in the update
// volume's FS header. It is independent of any particular container
// format; callers translate their own on-disk descriptor into this.
type PatchBucketInfo struct {
	Offset  uint64
	Size    uint64
	Magic   [4]byte
	Version uint32
}

// Config carries the bootstrap inputs that Initialize cannot obtain
// from the BaseReader/UpdateReader interfaces alone: the raw patch_info
// descriptors and crypto-relevant fields straight out of the update
// NCA's FS header.
type Config struct {
	// HasBaseRomfs is false when the base volume's FS section is
	// absent or is not itself a RomFS section.
	HasBaseRomfs bool
	// BaseHasSparseLayer, if true alongside HasBaseRomfs, makes
	// Initialize fail: composing with a sparse base is unsupported.
	BaseHasSparseLayer bool

	IndirectBucket    PatchBucketInfo
	AesCtrExBucket    PatchBucketInfo
	SectionSize       uint64
	UpperIVGeneration uint32
}

// Initialize bootstraps ctx over a base volume (optional) and an
// update volume's BKTR patch section. base may be nil iff
// cfg.HasBaseRomfs is false.
func Initialize(ctx *Context, base BaseReader, update UpdateReader, cfg Config) error {
	if update == nil {
		return fmt.Errorf("%w: update reader required", ErrInvalidArgs)
	}
	if cfg.IndirectBucket.Magic != [4]byte{'B', 'K', 'T', 'R'} || cfg.IndirectBucket.Version != bktrPatchInfoVersion ||
		cfg.AesCtrExBucket.Magic != [4]byte{'B', 'K', 'T', 'R'} || cfg.AesCtrExBucket.Version != bktrPatchInfoVersion {
		return fmt.Errorf("%w: bad patch bucket magic/version", ErrHeaderMismatch)
	}
	if cfg.IndirectBucket.Offset+cfg.IndirectBucket.Size != cfg.AesCtrExBucket.Offset ||
		cfg.AesCtrExBucket.Offset+cfg.AesCtrExBucket.Size != cfg.SectionSize {
		return fmt.Errorf("%w: patch bucket layout is not contiguous with the section", ErrHeaderMismatch)
	}

	if cfg.HasBaseRomfs && cfg.BaseHasSparseLayer {
		return ErrSparseUnsupported
	}

	*ctx = Context{
		missingBaseRomfs: !cfg.HasBaseRomfs,
		base:             base,
		update:           update,
	}

	indirectRaw := make([]byte, cfg.IndirectBucket.Size)
	if err := update.ReadSection(indirectRaw, cfg.IndirectBucket.Offset); err != nil {
		return fmt.Errorf("reading indirect storage block: %w", err)
	}
	indirect, err := decodeIndirectBlock(indirectRaw)
	if err != nil {
		return err
	}
	if uint32(len(indirect.buckets)) > maxIndirectTailEntries {
		return fmt.Errorf("%w: indirect bucket count exceeds tail allocation", ErrHeaderMismatch)
	}
	relayIndirectSentinels(indirect)

	aesCtrExRaw := make([]byte, cfg.AesCtrExBucket.Size)
	if err := update.ReadSection(aesCtrExRaw, cfg.AesCtrExBucket.Offset); err != nil {
		return fmt.Errorf("reading aesctrex storage block: %w", err)
	}
	aesCtrEx, err := decodeAesCtrExBlock(aesCtrExRaw)
	if err != nil {
		return err
	}
	if aesCtrEx.physicalSize != cfg.AesCtrExBucket.Offset {
		return fmt.Errorf("%w: aesctrex physical_size does not match bucket offset", ErrHeaderMismatch)
	}
	if uint32(len(aesCtrEx.buckets)) > maxAesCtrExTailEntries {
		return fmt.Errorf("%w: aesctrex bucket count exceeds tail allocation", ErrHeaderMismatch)
	}
	relayAesCtrExSentinels(aesCtrEx, cfg.IndirectBucket.Offset, cfg.UpperIVGeneration, cfg.SectionSize)

	ctx.indirect = indirect
	ctx.aesCtrEx = aesCtrEx

	offset, size, err := update.HashTargetProperties()
	if err != nil {
		return fmt.Errorf("reading hash target properties: %w", err)
	}
	ctx.offset = offset
	ctx.size = size

	headerRaw := make([]byte, romfsHeaderSize)
	if err := ctx.physicalRead(headerRaw, romfsHeaderSize, ctx.offset); err != nil {
		return fmt.Errorf("reading patch romfs header: %w", err)
	}
	header, err := decodeRomfsHeader(headerRaw)
	if err != nil {
		return err
	}
	if header.headerSize != romfsHeaderSize {
		return fmt.Errorf("%w: invalid romfs header size", ErrHeaderMismatch)
	}
	if header.dirTableOffset == 0 || header.dirTableSize == 0 {
		return fmt.Errorf("%w: invalid romfs directory table", ErrHeaderMismatch)
	}
	if header.fileTableOffset == 0 || header.fileTableSize == 0 {
		return fmt.Errorf("%w: invalid romfs file table", ErrHeaderMismatch)
	}

	dirTable := make([]byte, header.dirTableSize)
	if err := ctx.physicalRead(dirTable, int(header.dirTableSize), ctx.offset+header.dirTableOffset); err != nil {
		return fmt.Errorf("reading patch romfs directory table: %w", err)
	}

	fileTable := make([]byte, header.fileTableSize)
	if err := ctx.physicalRead(fileTable, int(header.fileTableSize), ctx.offset+header.fileTableOffset); err != nil {
		return fmt.Errorf("reading patch romfs file table: %w", err)
	}

	ctx.dirTable = dirTable
	ctx.fileTable = fileTable
	ctx.bodyOffset = header.bodyOffset

	return nil
}

// Free releases ctx's owned buffers and drops its borrowed readers.
// The garbage collector would reclaim these on its own once ctx goes
// out of scope; Free exists so callers holding a *Context across a
// longer-lived scope (an open CLI session, a cache keyed by title) can
// release it explicitly, mirroring the bootstrap/teardown pairing the
// original engine exposes. ctx must not be used after Free returns.
func (ctx *Context) Free() {
	ctx.base = nil
	ctx.update = nil
	ctx.indirect = nil
	ctx.aesCtrEx = nil
	ctx.dirTable = nil
	ctx.fileTable = nil
}

// DirTable returns the bootstrapped directory-entry table, opaque to
// this package beyond its role as bootstrap evidence.
func (ctx *Context) DirTable() []byte { return ctx.dirTable }

// FileTable returns the bootstrapped file-entry table.
func (ctx *Context) FileTable() []byte { return ctx.fileTable }

// Size returns the logical size of the patched RomFS region.
func (ctx *Context) Size() uint64 { return ctx.size }

// BodyOffset returns the patched RomFS's file-data body offset.
func (ctx *Context) BodyOffset() uint64 { return ctx.bodyOffset }

// ReadFS reads length bytes of the patched, logical RomFS region at
// the given offset (relative to the RomFS region, not the NCA).
func (ctx *Context) ReadFS(buf []byte, length int, offset uint64) error {
	if ctx.size == 0 || length == 0 || offset+uint64(length) > ctx.size {
		return fmt.Errorf("%w: read_fs out of range", ErrInvalidArgs)
	}
	return ctx.physicalRead(buf[:length], length, ctx.offset+offset)
}

// ReadFile reads length bytes of a file's data at the given offset
// relative to the file's own start.
func (ctx *Context) ReadFile(entry FileEntry, buf []byte, length int, offset uint64) error {
	if entry.Size == 0 || entry.Offset+entry.Size > ctx.size || length == 0 || offset+uint64(length) > entry.Size {
		return fmt.Errorf("%w: read_file out of range", ErrInvalidArgs)
	}
	return ctx.ReadFS(buf, length, ctx.bodyOffset+entry.Offset+offset)
}

// IsFileUpdated reports whether any byte of entry's range is served by
// an Indirect entry with Source == SourcePatch.
func (ctx *Context) IsFileUpdated(entry FileEntry) (bool, error) {
	if entry.Size == 0 || entry.Offset+entry.Size > ctx.size {
		return false, fmt.Errorf("%w: is_file_updated out of range", ErrInvalidArgs)
	}

	fileOffset := ctx.offset + ctx.bodyOffset + entry.Offset
	fileEnd := fileOffset + entry.Size

	cur := fileOffset
	for cur < fileEnd {
		ie, next, err := findIndirect(ctx.indirect, cur)
		if err != nil {
			return false, err
		}
		if ie.Source == SourcePatch {
			return true, nil
		}
		cur = next.VirtualOffset
	}
	return false, nil
}
