// Package ncaopen wires concrete NCA/NCZ section readers into a
// bootstrapped bktr.Context: it is the only place in this module that
// imports both pkg/fs and pkg/ncz, alongside pkg/bktr, translating the
// NCA container format's on-disk patch_info descriptors into the
// engine's container-independent bktr.Config.
package ncaopen

import (
	"fmt"

	"github.com/falk/bktrfs/pkg/bktr"
	"github.com/falk/bktrfs/pkg/fs"
	"github.com/falk/bktrfs/pkg/ncz"
)

// OpenPatched bootstraps a bktr.Context over a base NCA (may be nil if
// the title has no base, e.g. a standalone patch dump) and an update
// NCA's BKTR patch section. Either NCA may be backed by a plain
// encrypted payload or by an NCZ-compressed one; openSection probes
// for the NCZ block tables and falls back to the encrypted reader when
// they are absent.
func OpenPatched(baseNca *fs.NCA, updateNca *fs.NCA, baseTitleKey, updateTitleKey []byte) (*bktr.Context, error) {
	updateFsHeader, err := updateNca.FsHeader(0)
	if err != nil {
		return nil, fmt.Errorf("ncaopen: reading update fs header: %w", err)
	}
	if !updateFsHeader.HasBktrPatchInfo() {
		return nil, fmt.Errorf("ncaopen: update NCA section 0 is not a BKTR patch section")
	}

	updateReader, err := openSection(updateNca, 0, updateTitleKey)
	if err != nil {
		return nil, fmt.Errorf("ncaopen: opening update section: %w", err)
	}

	var baseReader bktr.BaseReader
	hasBaseRomfs := false
	sparseBase := false
	if baseNca != nil {
		baseFsHeader, err := baseNca.FsHeader(0)
		if err != nil {
			return nil, fmt.Errorf("ncaopen: reading base fs header: %w", err)
		}
		hasBaseRomfs = baseFsHeader.FsType == fs.FsTypeRomFs
		sparseBase = baseFsHeader.HasSparseLayer()
		if hasBaseRomfs {
			r, err := openSection(baseNca, 0, baseTitleKey)
			if err != nil {
				return nil, fmt.Errorf("ncaopen: opening base section: %w", err)
			}
			baseReader = r
		}
	}

	cfg := bktr.Config{
		HasBaseRomfs:       hasBaseRomfs,
		BaseHasSparseLayer: sparseBase,
		IndirectBucket:     toBktrBucket(updateFsHeader.IndirectBucket),
		AesCtrExBucket:     toBktrBucket(updateFsHeader.AesCtrExBucket),
		SectionSize:        sectionSize(updateNca, 0),
		UpperIVGeneration:  updateFsHeader.UpperIVGeneration(),
	}

	ctx := &bktr.Context{}
	if err := bktr.Initialize(ctx, baseReader, updateReader, cfg); err != nil {
		return nil, fmt.Errorf("ncaopen: bootstrap failed: %w", err)
	}
	return ctx, nil
}

// openSection opens section sectionIdx of nca for reading, preferring
// an ncz.SectionReader when the bytes immediately following the NCA's
// uncompressed header carry NCZ block tables, and falling back to the
// ordinary encrypted fs.NcaSectionReader otherwise.
func openSection(nca *fs.NCA, sectionIdx int, titleKey []byte) (bktr.UpdateReader, error) {
	if r, err := ncz.NewSectionReader(nca.Reader, nca, sectionIdx); err == nil {
		return r, nil
	}
	return fs.NewNcaSectionReader(nca, sectionIdx, titleKey)
}

func toBktrBucket(b fs.PatchBucketInfo) bktr.PatchBucketInfo {
	return bktr.PatchBucketInfo{
		Offset:  b.Offset,
		Size:    b.Size,
		Magic:   b.Magic,
		Version: b.Version,
	}
}

func sectionSize(nca *fs.NCA, sectionIdx int) uint64 {
	_, size, err := nca.SectionRange(sectionIdx)
	if err != nil {
		return 0
	}
	return size
}
