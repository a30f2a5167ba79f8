package bktr

// aesCtrExRead fills buf[:length] with plaintext update-section bytes,
// splitting the read at AesCtrEx entry boundaries so that each piece
// is decrypted under the correct counter generation. sectionOffset is
// the physical offset within the update section; v is the logical
// (virtual) offset the caller is ultimately resolving, needed only to
// recurse back through physicalRead when the read crosses an AesCtrEx
// boundary and is split.
func (ctx *Context) aesCtrExRead(buf []byte, length int, v uint64, sectionOffset uint64) error {
	entry, next, err := findAesCtrEx(ctx.aesCtrEx, sectionOffset)
	if err != nil {
		return err
	}

	if sectionOffset+uint64(length) <= next.Offset {
		return ctx.update.ReadSectionWithGeneration(buf[:length], sectionOffset, entry.Generation)
	}

	head := int(next.Offset - sectionOffset)
	if err := ctx.physicalRead(buf[:head], head, v); err != nil {
		return err
	}
	return ctx.physicalRead(buf[head:length], length-head, v+uint64(head))
}
