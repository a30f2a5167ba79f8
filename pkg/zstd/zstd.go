package zstd

import (
	"github.com/klauspost/compress/zstd"
)

var decoder, _ = zstd.NewReader(nil)

// Decompress decompresses a single Zstd frame, such as one NCZ block.
func Decompress(src []byte) ([]byte, error) {
	return decoder.DecodeAll(src, nil)
}
