//go:build linux
package iomgr

import (
	"fmt"
	"strings"
	"unsafe"
)

func (c OpCode) String() string {
	switch c {
	case OpNop:
		return "NOP"
	case OpWrite:
		return "WRITE"
	case OpRead:
		return "READ"
	case OpSync:
		return "FSYNC"
	case OpAllocate:
		return "FALLOCATE"
	case OpWriteFixed:
		return "WRITE_FIXED"
	case OpReadFixed:
		return "READ_FIXED"
	}
	return fmt.Sprintf("OpCode(%d)", uint16(c))
}

func (o *Op) String() string {
	if o == nil {
		return "<nil>"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Op | Opcode: %v, Done: %v, Count: %d, Seen: %d, Res: 0x%x | Ch: @0x%x\n",
		o.Opcode, o.done, o.Count, o.seen, o.Res, unsafe.Pointer(&o.Ch))

	switch o.Opcode {
	case OpWrite, OpRead, OpWriteFixed, OpReadFixed:
		for i := range min(OP_MAX_OPS, o.Count) {
			var d string
			if i + 1 == o.seen {
				d = ">"
			} else {
				d = "|"
			}
			fmt.Fprintf(&b, "   %s [%02d] %-11v [ Buf: @0x%x | Len: 0x%08x | Off: 0x%08x | Idx: %d ]\n",
				d, i, o.Opcode, o.Bufs[i], o.Lens[i], o.Offs[i], o.BufIdx[i])
		}
		if o.Sync && (o.Opcode == OpWrite || o.Opcode == OpWriteFixed) {
			var d string
			if uint(o.seen) == sqeCount(o) {
				d = ">"
			} else {
				d = "|"
			}
			fmt.Fprintf(&b, "   %s [%02d] FSYNC       [ ]\n", d, min(OP_MAX_OPS, o.Count))
		}

	case OpSync:
			fmt.Fprintf(&b, "   > [%02d] FYSNC       [ ]\n", 0)
	case OpAllocate:
			fmt.Fprintf(&b, "   > [%02d] FALLOCATE   [ Off: 0x%08x | Len: 0x%08x ]\n", 0, o.Offs[0], o.Lens[0])
	}

	return b.String()
}
