// Package ncz reads NCZ containers: NCA content whose post-header
// payload was zstd-compressed in fixed-size blocks after being
// decrypted (the format the teacher's compressor produces on write).
// This package only reads that format back, handing the core BKTR
// engine an already-decrypted byte stream for whichever volume
// happens to be packed this way.
package ncz

import (
	"encoding/binary"
	"fmt"
	"io"
	"runtime"
	"sync"

	"github.com/falk/bktrfs/pkg/fs"
	github_zstd "github.com/falk/bktrfs/pkg/zstd"
)

const (
	MagicNCZSECTN = "NCZSECTN"
	MagicNCZBLOCK = "NCZBLOCK"

	sectionEntrySize = 64 // offset+size+cryptoType+padding (8*4) + key(16) + counter(16)
)

// SectionHeader is the NCZSECTN table header.
type SectionHeader struct {
	Magic [8]byte
	Count uint64
}

// BlockHeader is the NCZBLOCK table header.
type BlockHeader struct {
	Magic            [8]byte
	Version          uint8
	Type             uint8
	Unused           uint8
	BlockSizeExp     uint8
	BlockCount       uint32
	DecompressedSize uint64
}

// Reader decompresses an NCZ payload on demand, addressed by the
// logical (decompressed) offset relative to the start of the payload,
// i.e. relative to the byte immediately following the NCA's
// uncompressed 0x4000-byte header.
type Reader struct {
	r io.ReaderAt

	blockSize        int64
	blockCount       uint32
	decompressedSize uint64

	// blockFileOffset[i] is the file offset of compressed block i.
	blockFileOffset []int64
	blockCompSize   []uint32
}

// Open parses the NCZSECTN and NCZBLOCK headers located at
// headerTableOffset (the byte immediately after the NCA's raw
// 0x4000-byte header) and returns a Reader ready to serve decompressed
// payload reads.
func Open(r io.ReaderAt, headerTableOffset int64) (*Reader, error) {
	pos := headerTableOffset

	var sh SectionHeader
	if err := readStruct(r, pos, &sh); err != nil {
		return nil, fmt.Errorf("ncz: read section header: %w", err)
	}
	if string(sh.Magic[:]) != MagicNCZSECTN {
		return nil, fmt.Errorf("ncz: bad section magic %q", sh.Magic)
	}
	pos += 16 + int64(sh.Count)*sectionEntrySize

	var bh BlockHeader
	if err := readStruct(r, pos, &bh); err != nil {
		return nil, fmt.Errorf("ncz: read block header: %w", err)
	}
	if string(bh.Magic[:]) != MagicNCZBLOCK {
		return nil, fmt.Errorf("ncz: bad block magic %q", bh.Magic)
	}
	pos += 24

	sizes := make([]uint32, bh.BlockCount)
	sizeTable := make([]byte, len(sizes)*4)
	if _, err := r.ReadAt(sizeTable, pos); err != nil {
		return nil, fmt.Errorf("ncz: read block size table: %w", err)
	}
	for i := range sizes {
		sizes[i] = binary.LittleEndian.Uint32(sizeTable[i*4:])
	}
	pos += int64(len(sizeTable))

	offsets := make([]int64, len(sizes))
	cur := pos
	for i, sz := range sizes {
		offsets[i] = cur
		cur += int64(sz)
	}

	return &Reader{
		r:                r,
		blockSize:        int64(1) << bh.BlockSizeExp,
		blockCount:       bh.BlockCount,
		decompressedSize: bh.DecompressedSize,
		blockFileOffset:  offsets,
		blockCompSize:    sizes,
	}, nil
}

// ReadAt fills buf with len(buf) decompressed payload bytes starting
// at the given logical offset.
func (z *Reader) ReadAt(buf []byte, offset uint64) error {
	if offset+uint64(len(buf)) > z.decompressedSize {
		return fmt.Errorf("ncz: read past end of payload (off=%d len=%d size=%d)", offset, len(buf), z.decompressedSize)
	}

	first := int(offset / uint64(z.blockSize))
	last := int((offset + uint64(len(buf)) - 1) / uint64(z.blockSize))

	blocks, err := z.decompressRange(first, last)
	if err != nil {
		return err
	}

	for i := first; i <= last; i++ {
		blockStart := uint64(i) * uint64(z.blockSize)
		block := blocks[i-first]

		srcStart, dstStart := uint64(0), uint64(0)
		if blockStart < offset {
			srcStart = offset - blockStart
		} else {
			dstStart = blockStart - offset
		}

		srcEnd := uint64(len(block))
		if blockStart+srcEnd > offset+uint64(len(buf)) {
			srcEnd = offset + uint64(len(buf)) - blockStart
		}
		copy(buf[dstStart:], block[srcStart:srcEnd])
	}

	return nil
}

// decompressRange decompresses blocks [first, last] inclusive,
// spreading the work over a small worker pool when more than one
// block is involved.
func (z *Reader) decompressRange(first, last int) ([][]byte, error) {
	count := last - first + 1
	out := make([][]byte, count)

	if count == 1 {
		b, err := z.decompressBlock(first)
		if err != nil {
			return nil, err
		}
		out[0] = b
		return out, nil
	}

	numWorkers := runtime.NumCPU()
	if numWorkers > count {
		numWorkers = count
	}

	workCh := make(chan int, count)
	for i := first; i <= last; i++ {
		workCh <- i
	}
	close(workCh)

	var wg sync.WaitGroup
	var errOnce sync.Once
	var workErr error

	for w := 0; w < numWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range workCh {
				b, err := z.decompressBlock(idx)
				if err != nil {
					errOnce.Do(func() { workErr = err })
					continue
				}
				out[idx-first] = b
			}
		}()
	}
	wg.Wait()

	if workErr != nil {
		return nil, workErr
	}
	return out, nil
}

func (z *Reader) decompressBlock(index int) ([]byte, error) {
	if uint32(index) >= z.blockCount {
		return nil, fmt.Errorf("ncz: block %d out of range (count=%d)", index, z.blockCount)
	}

	size := z.blockCompSize[index]
	raw := make([]byte, size)
	if _, err := z.r.ReadAt(raw, z.blockFileOffset[index]); err != nil {
		return nil, fmt.Errorf("ncz: read block %d: %w", index, err)
	}

	want := z.blockSize
	if blockEnd := uint64(index+1) * uint64(z.blockSize); blockEnd > z.decompressedSize {
		want = int64(z.decompressedSize) - int64(index)*z.blockSize
	}

	// A block is stored uncompressed whenever compression didn't help.
	if int64(size) == want {
		return raw, nil
	}

	out, err := github_zstd.Decompress(raw)
	if err != nil {
		return nil, fmt.Errorf("ncz: decompress block %d: %w", index, err)
	}
	return out, nil
}

func readStruct(r io.ReaderAt, offset int64, v interface{}) error {
	switch p := v.(type) {
	case *SectionHeader:
		buf := make([]byte, 16)
		if _, err := r.ReadAt(buf, offset); err != nil {
			return err
		}
		copy(p.Magic[:], buf[0:8])
		p.Count = binary.LittleEndian.Uint64(buf[8:16])
	case *BlockHeader:
		buf := make([]byte, 24)
		if _, err := r.ReadAt(buf, offset); err != nil {
			return err
		}
		copy(p.Magic[:], buf[0:8])
		p.Version = buf[8]
		p.Type = buf[9]
		p.Unused = buf[10]
		p.BlockSizeExp = buf[11]
		p.BlockCount = binary.LittleEndian.Uint32(buf[12:16])
		p.DecompressedSize = binary.LittleEndian.Uint64(buf[16:24])
	}
	return nil
}

// SectionReader adapts a Reader to the bktr package's BaseReader and
// UpdateReader interfaces for one FS section of an NCZ-backed NCA.
type SectionReader struct {
	reader      *Reader
	payloadBase uint64 // reader-space offset of this section's first byte
	nca         *fs.NCA
	sectionIdx  int
}

// NewSectionReader opens section index sectionIdx of nca, which must
// be backed by an NCZ container (ncaFile), for reading.
func NewSectionReader(ncaFile io.ReaderAt, nca *fs.NCA, sectionIdx int) (*SectionReader, error) {
	sectionOffset, _, err := nca.SectionRange(sectionIdx)
	if err != nil {
		return nil, err
	}

	reader, err := Open(ncaFile, int64(fs.NcaFullHeaderSize))
	if err != nil {
		return nil, err
	}

	return &SectionReader{
		reader:      reader,
		payloadBase: sectionOffset - uint64(fs.NcaFullHeaderSize),
		nca:         nca,
		sectionIdx:  sectionIdx,
	}, nil
}

func (s *SectionReader) ReadSection(buf []byte, offset uint64) error {
	return s.reader.ReadAt(buf, s.payloadBase+offset)
}

// ReadSectionWithGeneration ignores generation: NCZ payload bytes are
// already decrypted, so no per-generation counter needs applying.
func (s *SectionReader) ReadSectionWithGeneration(buf []byte, offset uint64, _ uint32) error {
	return s.ReadSection(buf, offset)
}

func (s *SectionReader) HashTargetProperties() (uint64, uint64, error) {
	return s.nca.HashTargetProperties(s.sectionIdx)
}
