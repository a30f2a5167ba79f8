package fs

import (
	"fmt"
	"io"
)

type NCA struct {
	Header *NcaHeader
	Reader io.ReaderAt
}

func NewNCA(r io.ReaderAt) (*NCA, error) {
	h, err := ParseNcaHeader(r)
	if err != nil {
		return nil, err
	}
	return &NCA{Header: h, Reader: r}, nil
}

// FsHeader returns the FS header for section index i.
func (n *NCA) FsHeader(i int) (*FsHeader, error) {
	if i < 0 || i >= len(n.Header.FsHeaders) {
		return nil, fmt.Errorf("fs: section index %d out of range", i)
	}
	return &n.Header.FsHeaders[i], nil
}

// SectionRange returns the absolute file offset and size of section i,
// in bytes, including the uncompressed NCA header region.
func (n *NCA) SectionRange(i int) (offset, size uint64, err error) {
	if i < 0 || i >= len(n.Header.SectionTables) {
		return 0, 0, fmt.Errorf("fs: section index %d out of range", i)
	}
	entry := n.Header.SectionTables[i]
	if entry.MediaStartOffset == 0 && entry.MediaEndOffset == 0 {
		return 0, 0, fmt.Errorf("fs: section %d not present", i)
	}
	offset = uint64(entry.MediaStartOffset) * MediaSize
	end := uint64(entry.MediaEndOffset) * MediaSize
	return offset, end - offset, nil
}

// HashTargetProperties returns the logical offset and size of the
// hash-verified data region within section i (the RomFS region for a
// RomFS or Patch RomFS section). This mirrors
// ncaGetFsSectionHashTargetProperties from the reference
// implementation: an external, largely opaque property of the
// section's integrity metadata.
func (n *NCA) HashTargetProperties(i int) (offset, size uint64, err error) {
	h, err := n.FsHeader(i)
	if err != nil {
		return 0, 0, err
	}
	if h.HashTargetSize == 0 {
		return 0, 0, fmt.Errorf("fs: section %d has no hash target", i)
	}
	return h.HashTargetOffset, h.HashTargetSize, nil
}

// BaseIV builds the 16-byte base AES-CTR counter for section i from
// its FS header's 8-byte counter field.
func (n *NCA) BaseIV(i int) ([]byte, error) {
	h, err := n.FsHeader(i)
	if err != nil {
		return nil, err
	}
	return buildBaseIV(h.CryptoCounter[:]), nil
}

// buildBaseIV constructs the 16-byte base IV from the 8-byte FS header
// counter: copy to the high bytes, then reverse to big-endian order.
func buildBaseIV(counter []byte) []byte {
	iv := make([]byte, 16)
	copy(iv[8:], counter)
	for i, j := 0, 15; i < j; i, j = i+1, j-1 {
		iv[i], iv[j] = iv[j], iv[i]
	}
	return iv
}
