package bktr

import "fmt"

// physicalRead fills buf[:length] with logical image bytes starting at
// offset v, splitting the read at Indirect entry boundaries and
// dispatching each homogeneous segment to the base volume or, via
// aesCtrExRead, to the update volume.
func (ctx *Context) physicalRead(buf []byte, length int, v uint64) error {
	entry, next, err := findIndirect(ctx.indirect, v)
	if err != nil {
		return err
	}

	sectionOffset := v - entry.VirtualOffset + entry.PhysicalOffset

	if v+uint64(length) <= next.VirtualOffset {
		if entry.Source == SourcePatch {
			return ctx.aesCtrExRead(buf[:length], length, v, sectionOffset)
		}
		if ctx.missingBaseRomfs {
			return fmt.Errorf("%w: at offset 0x%x", ErrBaseMissing, sectionOffset)
		}
		return ctx.base.ReadSection(buf[:length], sectionOffset)
	}

	head := int(next.VirtualOffset - v)
	if err := ctx.physicalRead(buf[:head], head, v); err != nil {
		return err
	}
	return ctx.physicalRead(buf[head:length], length-head, v+uint64(head))
}
