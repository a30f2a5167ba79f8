package fs

import (
	"fmt"

	"github.com/falk/bktrfs/pkg/crypto"
)

// NcaSectionReader reads and decrypts one FS section of an NCA content
// file. It implements the bktr package's BaseReader and UpdateReader
// interfaces without importing that package: bktr depends only on the
// method shapes, never on this concrete type.
type NcaSectionReader struct {
	nca        *NCA
	sectionIdx int

	sectionOffset uint64
	sectionSize   uint64
	baseIV        []byte
}

// NewNcaSectionReader opens section index sectionIdx of nca for
// reading. titleKey overrides the key decrypted from the NCA header's
// key area (needed for title-key crypto / rights-ID content).
func NewNcaSectionReader(nca *NCA, sectionIdx int, titleKey []byte) (*NcaSectionReader, error) {
	offset, size, err := nca.SectionRange(sectionIdx)
	if err != nil {
		return nil, err
	}

	iv, err := nca.BaseIV(sectionIdx)
	if err != nil {
		return nil, err
	}

	if titleKey != nil {
		nca.Header.TitleKey = titleKey
	}
	if nca.Header.TitleKey == nil {
		return nil, fmt.Errorf("fs: no title key available for section %d", sectionIdx)
	}

	return &NcaSectionReader{
		nca:           nca,
		sectionIdx:    sectionIdx,
		sectionOffset: offset,
		sectionSize:   size,
		baseIV:        iv,
	}, nil
}

// ReadSection decrypts len(buf) bytes of section data starting at
// offset (relative to the section start) using the section's base
// AES-CTR counter.
func (s *NcaSectionReader) ReadSection(buf []byte, offset uint64) error {
	return s.readWithCounter(buf, offset, s.baseIV)
}

// ReadSectionWithGeneration decrypts using the section's base counter
// with its generation field (bytes 4-7) replaced, as required when
// resolving a read through a BKTR AesCtrEx entry.
func (s *NcaSectionReader) ReadSectionWithGeneration(buf []byte, offset uint64, generation uint32) error {
	return s.readWithCounter(buf, offset, crypto.CounterWithGeneration(s.baseIV, generation))
}

func (s *NcaSectionReader) readWithCounter(buf []byte, offset uint64, counter []byte) error {
	if offset+uint64(len(buf)) > s.sectionSize {
		return fmt.Errorf("fs: read past end of section %d (off=%d len=%d size=%d)", s.sectionIdx, offset, len(buf), s.sectionSize)
	}

	absoluteOffset := int64(s.sectionOffset + offset)
	if _, err := s.nca.Reader.ReadAt(buf, absoluteOffset); err != nil {
		return fmt.Errorf("fs: read section %d at 0x%x: %w", s.sectionIdx, absoluteOffset, err)
	}

	stream, err := crypto.NewCTRStream(s.nca.Header.TitleKey, counter, absoluteOffset)
	if err != nil {
		return fmt.Errorf("fs: build CTR stream: %w", err)
	}
	stream.XORKeyStream(buf, buf)
	return nil
}

// HashTargetProperties reports this section's hash-target region.
func (s *NcaSectionReader) HashTargetProperties() (uint64, uint64, error) {
	return s.nca.HashTargetProperties(s.sectionIdx)
}
