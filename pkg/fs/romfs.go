package fs

import (
	"encoding/binary"
	"fmt"
)

// RomFsFileEntry is one entry of a RomFS file table, named by the
// entry's own stored name (not a full path). Unlike bktr.FileEntry (which carries only what the core
// needs to route a read), this carries the name fields the core
// treats as opaque.
type RomFsFileEntry struct {
	Name   string
	Offset uint64
	Size   uint64
}

// romfsRawFileEntry mirrors the on-disk RomFS file-entry record.
type romfsRawFileEntry struct {
	Parent      uint32
	Sibling     uint32
	Offset      uint64
	Size        uint64
	HashSibling uint32
	NameSize    uint32
}

const romfsFileEntryFixedSize = 32

// ParseFileTable walks a RomFS file-entry table and returns every file
// it finds with its offset and size, but without reconstructing
// directory paths: directory walking beyond this is explicitly out of
// scope for the BKTR core, so names are exactly as stored (the file's
// own name, not a full path).
func ParseFileTable(fileTable []byte) ([]RomFsFileEntry, error) {
	var entries []RomFsFileEntry

	pos := uint32(0)
	for pos+romfsFileEntryFixedSize <= uint32(len(fileTable)) {
		raw, err := readRawFileEntry(fileTable, pos)
		if err != nil {
			return nil, err
		}

		nameEnd := pos + romfsFileEntryFixedSize + raw.NameSize
		if nameEnd > uint32(len(fileTable)) {
			return nil, fmt.Errorf("romfs: file entry at %#x has out-of-bounds name", pos)
		}
		name := decodeEntryName(fileTable[pos+romfsFileEntryFixedSize : nameEnd])

		entries = append(entries, RomFsFileEntry{
			Name:   name,
			Offset: raw.Offset,
			Size:   raw.Size,
		})

		pos = alignUp4(nameEnd)
	}

	return entries, nil
}

func readRawFileEntry(table []byte, pos uint32) (romfsRawFileEntry, error) {
	if pos+romfsFileEntryFixedSize > uint32(len(table)) {
		return romfsRawFileEntry{}, fmt.Errorf("romfs: truncated file entry at %#x", pos)
	}
	d := table[pos:]
	return romfsRawFileEntry{
		Parent:      binary.LittleEndian.Uint32(d[0:4]),
		Sibling:     binary.LittleEndian.Uint32(d[4:8]),
		Offset:      binary.LittleEndian.Uint64(d[8:16]),
		Size:        binary.LittleEndian.Uint64(d[16:24]),
		HashSibling: binary.LittleEndian.Uint32(d[24:28]),
		NameSize:    binary.LittleEndian.Uint32(d[28:32]),
	}, nil
}

func alignUp4(v uint32) uint32 {
	return (v + 3) &^ 3
}

// decodeEntryName decodes a RomFS entry name, stored as a raw UTF-8
// byte string with no null terminator.
func decodeEntryName(b []byte) string {
	return string(b)
}
