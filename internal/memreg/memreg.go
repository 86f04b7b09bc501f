// Memory registration: the contract between the buffer pool and whatever owns a protection
// domain (an RDMA protection domain, an io_uring fixed-buffer table, ...).
package memreg

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"unsafe"

	"mrpool/internal/util"
)

var (
	ErrNoSlots		= errors.New("memreg: registration table full")
	ErrBadKey		= errors.New("memreg: unknown key")
	ErrEmptyRegion	= errors.New("memreg: empty region")
	ErrOutOfRegion	= errors.New("memreg: buffer outside registered region")
)

type Access uint32

const (
	AccessLocalWrite Access = 1 << iota
	AccessRemoteWrite
	AccessRemoteRead
	AccessRemoteAtomic
)

const DEFAULT_ACCESS = AccessLocalWrite | AccessRemoteWrite | AccessRemoteRead

func (a Access) String() string {
	return fmt.Sprintf("%04b", uint32(a))
}

// Key identifies a registered region to the adapter (lkey).
type Key uint32

// Domain is a protection domain. Implementations must be comparable (pointer receivers), the pool
// keeps one buddy forest per Domain value.
type Domain interface {
	Register(buf []byte, access Access) (Key, error)
	Deregister(key Key) error
}

type region struct {
	base	uintptr
	len		int
	access	Access
	gen		uint8
	live	bool
}

// Table is a software protection domain with a fixed number of registration slots. Keys carry
// an 8 bit generation in the low byte so a key goes stale once its slot is recycled.
type Table struct {
	log		*slog.Logger
	name	string

	mu		sync.Mutex
	slots	util.TicketQueue[region]
	gens	[]uint8 // survives slot recycling
}

func CreateTable(name string, slots int) *Table {
	return &Table{
		log:	slog.With("src", "MemregTable", "domain", name),
		name:	name,
		slots:	util.CreateTicketQueue[region](slots),
		gens:	make([]uint8, slots),
	}
}

func (t *Table) Name() string {
	return t.name
}

func makeKey(slot int, gen uint8) Key {
	return Key(slot)<<8 | Key(gen)
}

func (t *Table) Register(buf []byte, access Access) (Key, error) {
	if len(buf) == 0 {
		return 0, ErrEmptyRegion
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.slots.Free() == 0 {
		t.log.Warn("Register", "err", ErrNoSlots, "slots", t.slots.Cap())
		return 0, ErrNoSlots
	}

	r := region{
		base:	uintptr(unsafe.Pointer(unsafe.SliceData(buf))),
		len:	len(buf),
		access:	access,
		live:	true,
	}
	slot := t.slots.Acq(r)
	r.gen = t.gens[slot]
	t.slots.Set(slot, r)

	key := makeKey(slot, r.gen)
	t.log.Debug("Register", "key", key, "len", r.len, "access", access)
	return key, nil
}

func (t *Table) lookup(key Key) (int, region, bool) {
	slot := int(key >> 8)
	if slot >= t.slots.Cap() {
		return 0, region{}, false
	}
	r := t.slots.Get(slot)
	if !r.live || r.gen != uint8(key) {
		return 0, region{}, false
	}
	return slot, r, true
}

func (t *Table) Deregister(key Key) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	slot, _, ok := t.lookup(key)
	if !ok {
		return fmt.Errorf("deregister %d: %w", key, ErrBadKey)
	}
	t.gens[slot]++
	t.slots.Set(slot, region{})
	t.slots.Rel(slot)
	t.log.Debug("Deregister", "key", key)
	return nil
}

// Resolve reports whether buf lies entirely within the region registered under key, and with
// which access rights. This is the check an adapter does on every work request.
func (t *Table) Resolve(key Key, buf []byte) (Access, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	_, r, ok := t.lookup(key)
	if !ok || len(buf) == 0 {
		return 0, false
	}
	addr := uintptr(unsafe.Pointer(unsafe.SliceData(buf)))
	if addr < r.base || addr+uintptr(len(buf)) > r.base+uintptr(r.len) {
		return 0, false
	}
	return r.access, true
}

// Verify is Resolve as an error, for callers that only care whether the key covers buf.
func (t *Table) Verify(key Key, buf []byte) error {
	if _, ok := t.Resolve(key, buf); !ok {
		return fmt.Errorf("key %d, %d bytes: %w", key, len(buf), ErrOutOfRegion)
	}
	return nil
}

// number of live registrations
func (t *Table) Registered() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.slots.Cap() - t.slots.Free()
}
