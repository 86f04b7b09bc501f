package system

import (
	"fmt"
	"log/slog"
	"unsafe"

	"golang.org/x/sys/unix"
)

const MMAP_MODE	= unix.MAP_ANON  | unix.MAP_PRIVATE
const MMAP_PROT	= unix.PROT_READ | unix.PROT_WRITE

// Anonymous mmap, page aligned by the kernel. When a larger alignment is asked for we map
// size+align and hand back the aligned window.
type AlignedProvider struct {
	log		*slog.Logger
}

func CreateAlignedProvider() *AlignedProvider {
	return &AlignedProvider{log: slog.With("src", "AlignedProvider")}
}

func (p *AlignedProvider) AllocSlab(size int, align int) (*Slab, error) {
	if size <= 0 || align < 0 {
		return nil, ErrInvalidSize
	}

	if align <= 1 {
		raw, err := unix.Mmap(-1, 0, size, MMAP_PROT, MMAP_MODE)
		if err != nil {
			p.log.Error("AllocSlab", "size", size, "err", err)
			return nil, fmt.Errorf("mmap %d bytes: %w", size, err)
		}
		return &Slab{Buf: raw[:size:size], raw: raw}, nil
	}

	raw, err := unix.Mmap(-1, 0, size+align, MMAP_PROT, MMAP_MODE)
	if err != nil {
		p.log.Error("AllocSlab", "size", size, "align", align, "err", err)
		return nil, fmt.Errorf("mmap %d+%d bytes: %w", size, align, err)
	}

	off := alignOffset(uintptr(unsafe.Pointer(&raw[0])), align)
	p.log.Debug("AllocSlab", "size", size, "align", align, "off", off)
	return &Slab{Buf: raw[off : off+size : off+size], raw: raw}, nil
}

func (p *AlignedProvider) DeallocSlab(s *Slab) error {
	if s == nil || s.raw == nil {
		return ErrNotOwned
	}
	err := unix.Munmap(s.raw)
	if err != nil {
		p.log.Error("DeallocSlab", "err", err)
		return err
	}
	s.raw, s.Buf = nil, nil
	return nil
}

// nothing outlives the mappings
func (p *AlignedProvider) Close() error {
	return nil
}
