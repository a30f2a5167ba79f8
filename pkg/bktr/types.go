// Package bktr implements the BKTR (Bucket Tree Relocation) engine: a
// read-only virtual-storage layer that composes a base volume and an
// update volume's relocation tables into a single patched logical
// image.
package bktr

import "errors"

// Source identifies which volume a byte of the logical image is drawn
// from.
type Source uint32

const (
	SourceBase Source = iota
	SourcePatch
)

func (s Source) String() string {
	if s == SourcePatch {
		return "patch"
	}
	return "base"
}

var (
	// ErrInvalidArgs covers a nil handle or an out-of-range offset/length.
	ErrInvalidArgs = errors.New("bktr: invalid arguments")

	// ErrHeaderMismatch covers bad magic, bad version, or a
	// block-layout invariant violation during bootstrap.
	ErrHeaderMismatch = errors.New("bktr: header validation failed")

	// ErrSparseUnsupported is returned when the base RomFS carries a
	// sparse overlay; composing a BKTR patch with it is unsupported.
	ErrSparseUnsupported = errors.New("bktr: sparse base layer unsupported")

	// ErrChainedPatch names the error kind for an update section that
	// itself carries a second patch trigger. No function in this
	// package returns it: Initialize does not inspect the update
	// section for such a trigger.
	ErrChainedPatch = errors.New("bktr: chained patch sections unsupported")

	// ErrCorruptIndex means no bucket/entry serves a given key: the
	// bucket tree is corrupt.
	ErrCorruptIndex = errors.New("bktr: corrupt bucket tree index")

	// ErrBaseMissing is returned when a read routes to the base volume
	// but no base RomFS was configured for this context.
	ErrBaseMissing = errors.New("bktr: read requires base RomFS but none is configured")

	// ErrAllocation names the allocation-failure error kind. No
	// function in this package returns it.
	ErrAllocation = errors.New("bktr: allocation failed")
)

// BaseReader reads raw bytes from the base volume's RomFS section.
type BaseReader interface {
	ReadSection(buf []byte, offset uint64) error
}

// UpdateReader reads raw bytes from the update volume's patch section,
// either under the section's base counter or under a counter with a
// specific BKTR generation substituted in.
type UpdateReader interface {
	ReadSection(buf []byte, offset uint64) error
	ReadSectionWithGeneration(buf []byte, offset uint64, generation uint32) error
	HashTargetProperties() (offset, size uint64, err error)
}

// FileEntry is the minimal slice of a RomFS file-table entry the core
// needs to route ReadFile/IsFileUpdated: an offset and size relative
// to the patched RomFS body. Everything else about a file entry
// (name, parent, sibling) is opaque to this package.
type FileEntry struct {
	Offset uint64
	Size   uint64
}
