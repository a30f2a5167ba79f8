package fs

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/falk/bktrfs/pkg/crypto"
	"github.com/falk/bktrfs/pkg/keys"
)

const (
	NcaHeaderStructSize = 0xC00  // NCA header structure size
	NcaFullHeaderSize   = 0x4000 // Full header (uncompressable in NCZ)
	MediaSize           = 0x200  // Sector/media unit size
	MagicNCA3           = "NCA3"
	MagicBKTR           = "BKTR"
	BktrVersion         = 2

	// Crypto types from FS header
	CryptoTypeNone = 1
	CryptoTypeXTS  = 2
	CryptoTypeCTR  = 3
	CryptoTypeBKTR = 4

	// FS section types (relevant subset).
	FsTypeRomFs = 0
)

type NcaHeader struct {
	FixedKeySig    [0x100]byte     // 0x000
	NpkSignature   [0x100]byte     // 0x100
	Magic          [4]byte         // 0x200 "NCA3"
	DistType       byte            // 0x204
	ContentType    byte            // 0x205
	KeyGeneration  byte            // 0x206
	KeyAreaIndex   byte            // 0x207
	ContentSize    uint64          // 0x208
	ProgID         uint64          // 0x210
	ContentIdx     uint32          // 0x218
	SdkAddonVer    uint32          // 0x21C
	KeyGeneration2 byte            // 0x220
	Signature2     [0xF]byte       // 0x221
	RightsID       [0x10]byte      // 0x230
	SectionTables  [4]SectionEntry // 0x240
	KeyArea        [0x40]byte      // 0x300

	TitleKey  []byte // Decrypted Title Key
	FsHeaders [4]FsHeader

	// TitleVersion and IdOffset come from the title's metadata (CNMT),
	// not from the NCA header itself. Nothing in this module fills them
	// in, and bktr.Initialize does not compare program identity or
	// title versions between the base and update volumes.
	TitleVersion uint32
	IdOffset     uint8
}

type SectionEntry struct {
	MediaStartOffset uint32
	MediaEndOffset   uint32
	Unknown1         uint32
	Unknown2         uint32
}

// PatchBucketInfo is the bucket descriptor embedded in an FS header's
// patch_info block: where a BKTR storage block lives on disk, and the
// magic/version that must tag it.
type PatchBucketInfo struct {
	Offset     uint64
	Size       uint64
	Magic      [4]byte
	Version    uint32
	EntryCount uint32
	Reserved   uint32
}

// SparseInfo describes a sparse overlay on a base RomFS section. A
// non-zero Generation marks the section as sparse; bootstrap rejects
// composing a BKTR patch against a sparse base (spec Non-goal).
type SparseInfo struct {
	Offset     uint64
	Size       uint64
	Generation uint32
	Reserved   uint32
}

type FsHeader struct {
	Version    uint16
	FsType     uint8
	HashType   uint8
	CryptoType uint8

	HashTargetOffset uint64 // 0x008
	HashTargetSize   uint64 // 0x010

	IndirectBucket PatchBucketInfo // 0x100-0x120
	AesCtrExBucket PatchBucketInfo // 0x120-0x140

	// CryptoCounter is the section's base AES-CTR counter for
	// CryptoTypeCTR sections. For CryptoTypeBKTR sections the low 4
	// bytes instead carry the upper IV's generation field (see
	// UpperIVGeneration).
	CryptoCounter [8]byte // 0x140

	Sparse SparseInfo // 0x148-0x160
}

// HasBktrPatchInfo reports whether this FS header carries populated
// Indirect/AesCtrEx bucket descriptors.
func (h *FsHeader) HasBktrPatchInfo() bool {
	return h.CryptoType == CryptoTypeBKTR && h.IndirectBucket.Size > 0 && h.AesCtrExBucket.Size > 0
}

// HasSparseLayer reports whether this FS section carries a sparse
// overlay, which BKTR composition cannot handle on the base side.
func (h *FsHeader) HasSparseLayer() bool {
	return h.Sparse.Generation != 0
}

// UpperIVGeneration returns the generation field of the section's
// upper IV, valid only when CryptoType == CryptoTypeBKTR. The first of
// the BKTR AesCtrEx storage block's two trailing sentinels carries this
// value (see pkg/bktr bootstrap).
func (h *FsHeader) UpperIVGeneration() uint32 {
	return binary.LittleEndian.Uint32(h.CryptoCounter[0:4])
}

// ParseNcaHeader reads and decrypts the NCA header.
func ParseNcaHeader(r io.ReaderAt) (*NcaHeader, error) {
	encryptedHeader := make([]byte, NcaHeaderStructSize)
	if _, err := r.ReadAt(encryptedHeader, 0); err != nil {
		return nil, err
	}

	headerKey := keys.Get("header_key")
	if headerKey == nil {
		return nil, fmt.Errorf("header_key not found")
	}

	// Decrypt in sectors of 0x200 bytes
	decrypted := make([]byte, len(encryptedHeader))
	sectorSize := 0x200
	for i := 0; i < len(encryptedHeader)/sectorSize; i++ {
		start := i * sectorSize
		end := start + sectorSize
		chunk := encryptedHeader[start:end]

		out, err := crypto.XTSDecrypt(chunk, headerKey, uint64(i))
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt sector %d: %v", i, err)
		}
		copy(decrypted[start:end], out)
	}

	// Parse Main Header at 0x200
	type MainHeaderBlock struct {
		Magic       [4]byte
		DistType    byte
		ContentType byte
		KeyGen      byte
		KeyAreaIdx  byte
		ContentSize uint64
		ProgID      uint64
		ContentIdx  uint32
		SdkAddonVer uint32
		KeyGen2     byte
		Sig2        [0xF]byte
		RightsID    [0x10]byte
	}

	var mainBlock MainHeaderBlock
	if err := binary.Read(bytes.NewReader(decrypted[0x200:]), binary.LittleEndian, &mainBlock); err != nil {
		return nil, err
	}

	if string(mainBlock.Magic[:]) != MagicNCA3 {
		return nil, fmt.Errorf("invalid magic: expected NCA3, got %s", mainBlock.Magic)
	}

	var header NcaHeader
	header.Magic = mainBlock.Magic
	header.ContentType = mainBlock.ContentType
	header.KeyGeneration = mainBlock.KeyGen
	header.KeyGeneration2 = mainBlock.KeyGen2
	header.ContentSize = mainBlock.ContentSize
	header.RightsID = mainBlock.RightsID

	// Read Section Tables (0x240)
	secReader := bytes.NewReader(decrypted[0x240:])
	if err := binary.Read(secReader, binary.LittleEndian, &header.SectionTables); err != nil {
		return nil, err
	}

	// Read Key Area (0x300)
	copy(header.KeyArea[:], decrypted[0x300:0x340])

	// Get Title Key
	keyGen := int(header.KeyGeneration)
	if header.KeyGeneration2 > header.KeyGeneration {
		keyGen = int(header.KeyGeneration2)
	}
	keyGen = keyGen - 1
	if keyGen < 0 {
		keyGen = 0
	}

	// Decrypt Key Area. Title Key is usually at index 2 (offset 0x20).
	encryptedTitleKey := header.KeyArea[0x20:0x30]

	titleKey, err := keys.UnwrapAesWrappedTitleKey(encryptedTitleKey, keyGen)
	if err == nil {
		header.TitleKey = titleKey
	}

	// Parse FS Headers (0x400, 0x600, 0x800, 0xA00)
	for i := 0; i < 4; i++ {
		offset := 0x400 + i*0x200
		data := decrypted[offset : offset+0x200]

		h, err := parseFsHeader(data)
		if err != nil {
			return nil, fmt.Errorf("fs header %d: %w", i, err)
		}
		header.FsHeaders[i] = h
	}

	return &header, nil
}

func parseFsHeader(data []byte) (FsHeader, error) {
	var h FsHeader
	h.Version = binary.LittleEndian.Uint16(data[0x0:0x2])
	h.HashType = data[0x2]
	h.FsType = data[0x3]
	h.CryptoType = data[0x4]

	h.HashTargetOffset = binary.LittleEndian.Uint64(data[0x8:0x10])
	h.HashTargetSize = binary.LittleEndian.Uint64(data[0x10:0x18])

	copy(h.CryptoCounter[:], data[0x140:0x148])

	if h.CryptoType == CryptoTypeBKTR {
		ind, err := parsePatchBucketInfo(data[0x100:0x120])
		if err != nil {
			return h, err
		}
		aes, err := parsePatchBucketInfo(data[0x120:0x140])
		if err != nil {
			return h, err
		}
		h.IndirectBucket = ind
		h.AesCtrExBucket = aes
	}

	h.Sparse = SparseInfo{
		Offset:     binary.LittleEndian.Uint64(data[0x148:0x150]),
		Size:       binary.LittleEndian.Uint64(data[0x150:0x158]),
		Generation: binary.LittleEndian.Uint32(data[0x158:0x15C]),
		Reserved:   binary.LittleEndian.Uint32(data[0x15C:0x160]),
	}

	return h, nil
}

func parsePatchBucketInfo(data []byte) (PatchBucketInfo, error) {
	if len(data) < 32 {
		return PatchBucketInfo{}, fmt.Errorf("patch bucket descriptor too short")
	}
	var p PatchBucketInfo
	p.Offset = binary.LittleEndian.Uint64(data[0:8])
	p.Size = binary.LittleEndian.Uint64(data[8:16])
	copy(p.Magic[:], data[16:20])
	p.Version = binary.LittleEndian.Uint32(data[20:24])
	p.EntryCount = binary.LittleEndian.Uint32(data[24:28])
	p.Reserved = binary.LittleEndian.Uint32(data[28:32])
	return p, nil
}
