// Platform abstracted slab provisioning
package system

import (
	"errors"
	"unsafe"
)

var (
	ErrInvalidSize	= errors.New("system: invalid slab size")
	ErrClosed		= errors.New("system: provider closed")
	ErrNotOwned		= errors.New("system: slab not owned by provider")
)

// Slab is one contiguous chunk handed out by a Provider. Buf is exactly the requested size and
// starts at the requested alignment; raw is the whole mapping that has to be released.
type Slab struct {
	Buf		[]byte
	raw		[]byte
	path	string // backing file, empty for anonymous memory
}

func (s *Slab) Addr() uintptr {
	return uintptr(unsafe.Pointer(unsafe.SliceData(s.Buf)))
}

func (s *Slab) Path() string {
	return s.path
}

// A Provider produces raw slabs. It is chosen once when the pool is built.
type Provider interface {
	AllocSlab(size int, align int) (*Slab, error)
	DeallocSlab(s *Slab) error
	// releases whatever the provider still holds (files, directories)
	Close() error
}

// offset into a buffer starting at addr that lands on a multiple of align
func alignOffset(addr uintptr, align int) int {
	rem := int(addr % uintptr(align))
	if rem == 0 {
		return 0
	}
	return align - rem
}
