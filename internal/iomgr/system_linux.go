//go:build linux

package iomgr

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"
	"unsafe"

	"mrpool/internal/memreg"
	"mrpool/internal/util"

	"github.com/aethne0/giouring"
	"github.com/cespare/xxhash"
	"golang.org/x/sys/unix"
)

// PERF:
// 1. register file
// 2. huge TLB for the buffer slabs (pool can sit on a hugetlbfs dir)
// Fixed buffers skip the per-op GUP of the buffer, that is the whole point of registering the
// pool slabs with the ring.

const ALIGN			= uint64(0x1000)
const F_OPEN_MODE 	= unix.O_RDWR | unix.O_CREAT | unix.O_CLOEXEC
const F_OPEN_PERM 	= 0b_000_110_100_000
const RING_ENTRIES 	= 0x80
const RING_DPTHTRG	= 0x40
const OP_Q_SIZE		= 0x100
const REG_SLOTS		= 0x40 // fixed-buffer table size, one slot per registered slab
const RING_CPU		= 2

var (
	ErrClosed	= errors.New("iomgr: closed")
	ErrShortIO	= errors.New("iomgr: short read or write")
	ErrReadBack	= errors.New("iomgr: read back differs from what was written")
)

// IoMgr drives one io_uring ring against one file. The ring's fixed-buffer table is a protection
// domain: slabs registered through it can be used by OpReadFixed/OpWriteFixed, and the key is
// the buffer index.
type IoMgr struct {
	log			*slog.Logger
	path		string
	ring 		*giouring.Ring
	fd			int
	opQueue		chan *Op
	opSem		chan struct{}
	done		chan struct{}
	closed		atomic.Bool

	// ops on the ring, owned by ringlord. sqe user data is the ticket, not the *Op.
	ops			util.TicketQueue[*Op]

	regMu		sync.Mutex
	slots		util.TicketQueue[[]byte]
}

var _ memreg.Domain = (*IoMgr)(nil)

func CreateIoMgr(path string, direct bool) (*IoMgr, error) {
	log := slog.With("src", "IoMgr", "path", path)

	flags := F_OPEN_MODE
	if direct {
		flags |= unix.O_DIRECT
	}
	fd, err := unix.Open(path, flags, F_OPEN_PERM)
	if err != nil {
		log.Error("open", "err", err)
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	ring, err := giouring.CreateRing(RING_ENTRIES)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("create ring: %w", err)
	}

	if _, err := ring.RegisterBuffersSparse(REG_SLOTS); err != nil {
		ring.QueueExit()
		unix.Close(fd)
		return nil, fmt.Errorf("sparse buffer table: %w", err)
	}

	iomgr := IoMgr {
		log: 		log,
		path:		path,
		ring: 		ring,
		fd:			fd,
		opQueue: 	make(chan *Op, OP_Q_SIZE),
		opSem: 		make(chan struct{}, RING_ENTRIES),
		done:		make(chan struct{}),
		ops:		util.CreateTicketQueue[*Op](RING_ENTRIES),
		slots:		util.CreateTicketQueue[[]byte](REG_SLOTS),
	}

	go iomgr.ringlord()
	return &iomgr, nil
}

func (m *IoMgr) Name() string {
	return m.path
}

// Waits for in-flight ops, then tears down the ring and the file. Registered buffers go away with
// the ring.
func (m *IoMgr) Close() {
	if m.closed.Swap(true) {
		return
	}
	m.opQueue <- nil
	<- m.done
	m.ring.QueueExit()
	unix.Close(m.fd)
}

// Register puts buf into a free slot of the ring's fixed-buffer table. Only local access exists
// for io_uring, access is accepted for the interface and ignored.
func (m *IoMgr) Register(buf []byte, access memreg.Access) (memreg.Key, error) {
	if len(buf) == 0 {
		return 0, memreg.ErrEmptyRegion
	}
	if m.closed.Load() {
		return 0, ErrClosed
	}

	m.regMu.Lock()
	defer m.regMu.Unlock()

	if m.slots.Free() == 0 {
		return 0, memreg.ErrNoSlots
	}
	slot := m.slots.Acq(buf)

	iovecs := []syscall.Iovec{{Base: &buf[0]}}
	iovecs[0].SetLen(len(buf))
	var tag uint64
	if _, err := m.ring.RegisterBuffersUpdateTag(uint32(slot), iovecs, &tag, 1); err != nil {
		m.slots.Set(slot, nil)
		m.slots.Rel(slot)
		m.log.Error("Register", "slot", slot, "len", len(buf), "err", err)
		return 0, fmt.Errorf("register buffer: %w", err)
	}

	m.log.Debug("Register", "slot", slot, "len", len(buf))
	return memreg.Key(slot), nil
}

// Deregister empties the slot again (a zero iovec makes it sparse).
func (m *IoMgr) Deregister(key memreg.Key) error {
	m.regMu.Lock()
	defer m.regMu.Unlock()

	slot := int(key)
	if slot >= m.slots.Cap() || m.slots.Get(slot) == nil {
		return fmt.Errorf("deregister %d: %w", key, memreg.ErrBadKey)
	}
	if m.closed.Load() {
		// the ring is gone and took the table with it
		m.slots.Set(slot, nil)
		m.slots.Rel(slot)
		return nil
	}

	iovecs := []syscall.Iovec{{}}
	var tag uint64
	if _, err := m.ring.RegisterBuffersUpdateTag(uint32(slot), iovecs, &tag, 1); err != nil {
		m.log.Error("Deregister", "slot", slot, "err", err)
		return fmt.Errorf("deregister buffer %d: %w", slot, err)
	}
	m.slots.Set(slot, nil)
	m.slots.Rel(slot)

	m.log.Debug("Deregister", "slot", slot)
	return nil
}

// Verify checks that key addresses buf the way the kernel sees it: buf is written through the
// fixed-buffer slot and read back into itself. Each slot gets its own stretch of the file so
// concurrent checks of distinct buffers do not collide.
func (m *IoMgr) Verify(key memreg.Key, buf []byte) error {
	if len(buf) == 0 {
		return memreg.ErrEmptyRegion
	}

	m.regMu.Lock()
	var region []byte
	if slot := int(key); slot < m.slots.Cap() {
		region = m.slots.Get(slot)
	}
	m.regMu.Unlock()
	if region == nil {
		return fmt.Errorf("verify %d: %w", key, memreg.ErrBadKey)
	}

	base := uintptr(unsafe.Pointer(&region[0]))
	addr := uintptr(unsafe.Pointer(&buf[0]))
	if addr < base || addr+uintptr(len(buf)) > base+uintptr(len(region)) {
		return fmt.Errorf("verify %d: %w", key, memreg.ErrOutOfRegion)
	}
	off := uint64(key)*uint64(len(region)) + uint64(addr-base)
	sum := xxhash.Sum64(buf)

	op := new(Op)
	op.Reset(OpWriteFixed)
	op.AddFixed(buf, off, key)
	if n, err := m.Do(op); err != nil {
		return err
	} else if int(n) != len(buf) {
		return fmt.Errorf("write %d of %d: %w", n, len(buf), ErrShortIO)
	}

	op.Reset(OpReadFixed)
	op.AddFixed(buf, off, key)
	if n, err := m.Do(op); err != nil {
		return err
	} else if int(n) != len(buf) {
		return fmt.Errorf("read %d of %d: %w", n, len(buf), ErrShortIO)
	}

	if xxhash.Sum64(buf) != sum {
		return fmt.Errorf("key %d off 0x%x: %w", key, off, ErrReadBack)
	}
	return nil
}

type OpCode uint16
const (
	OpNop 	OpCode = iota
	OpWrite
	OpRead
	OpSync
	OpAllocate
	OpWriteFixed
	OpReadFixed
)

// this is fixed size and preallocable
// we just pool these into a ring buffer and reuse them
// an op may have at most 24 operations (we can revise this later if needed)
const OP_MAX_OPS = 24
type Op struct {
	Bufs	[OP_MAX_OPS]uintptr
	Lens	[OP_MAX_OPS]uint32
	Offs	[OP_MAX_OPS]uint64
	BufIdx	[OP_MAX_OPS]uint16 // fixed-buffer slot, fixed ops only
	Count   uint16

	seen	uint16
	ticket	int

	Ch 		chan struct{}

	Res		int32
	Opcode	OpCode
	done 	bool
	Sync 	bool
}

func (op *Op) Reset(opcode OpCode) {
	op.Count = 0
	op.Opcode = opcode
	op.Sync = false
	op.Res = 0
}

// Adds one buffer at file offset off. Returns false once the op is full.
func (op *Op) AddSlice(buf []byte, off uint64) bool {
	if op.Count == OP_MAX_OPS {
		return false
	}
	i := op.Count
	op.Bufs[i] = uintptr(unsafe.Pointer(&buf[0]))
	op.Lens[i] = uint32(len(buf))
	op.Offs[i] = off
	op.Count++
	return true
}

// Same as AddSlice for buffers that live inside a slab registered under key.
func (op *Op) AddFixed(buf []byte, off uint64, key memreg.Key) bool {
	i := op.Count
	if !op.AddSlice(buf, off) {
		return false
	}
	op.BufIdx[i] = uint16(key)
	return true
}

// op must not be reused until Ch fires.
func (m *IoMgr) Submit(op *Op) {
	if op.Ch == nil {
		op.Ch = make(chan struct{}, 1)
	}
	for range sqeCount(op) {
		m.opSem <- struct{}{}
	}
	m.opQueue <- op
}

// Submit and wait for the result: bytes of the last sqe, or -errno.
func (m *IoMgr) Do(op *Op) (int32, error) {
	if m.closed.Load() {
		return 0, ErrClosed
	}
	m.Submit(op)
	<- op.Ch
	res := atomic.LoadInt32(&op.Res)
	if res < 0 {
		return res, fmt.Errorf("%v: %w", op.Opcode, unix.Errno(-res))
	}
	return res, nil
}

func (m *IoMgr) prepSQEs(op *Op) {
	ud := uint64(op.ticket)

	switch op.Opcode {
	case OpNop:
		for i := range op.Count {
			sqe := m.ring.GetSQE()
			sqe.PrepareNop()
			sqe.UserData = ud
			if i < op.Count - 1 { sqe.Flags |= giouring.SqeIOLink }
		}

	case OpWrite, OpWriteFixed:
		for i := range op.Count {
			sqe := m.ring.GetSQE()
			if op.Opcode == OpWriteFixed {
				sqe.PrepareWriteFixed(m.fd, op.Bufs[i], op.Lens[i], op.Offs[i], int(op.BufIdx[i]))
			} else {
				sqe.PrepareWrite(m.fd, op.Bufs[i], op.Lens[i], op.Offs[i])
			}
			sqe.UserData = ud
			if op.Sync || i < op.Count - 1 { sqe.Flags |= giouring.SqeIOLink }
		}
		if op.Sync {
			sqe := m.ring.GetSQE()
			sqe.PrepareFsync(m.fd, 0)
			sqe.UserData = ud
		}

	case OpRead, OpReadFixed:
		for i := range op.Count {
			sqe := m.ring.GetSQE()
			if op.Opcode == OpReadFixed {
				sqe.PrepareReadFixed(m.fd, op.Bufs[i], op.Lens[i], op.Offs[i], int(op.BufIdx[i]))
			} else {
				sqe.PrepareRead(m.fd, op.Bufs[i], op.Lens[i], op.Offs[i])
			}
			sqe.UserData = ud
			if i < op.Count - 1 { sqe.Flags |= giouring.SqeIOLink }
		}

	case OpSync:
		sqe := m.ring.GetSQE()
		sqe.PrepareFsync(m.fd, 0)
		sqe.UserData = ud

	case OpAllocate:
		sqe := m.ring.GetSQE()
		sqe.PrepareFallocate(m.fd, 0, op.Offs[0], uint64(op.Lens[0]))
		sqe.UserData = ud
	}
}

// sqes an op puts on the ring
func sqeCount(op *Op) uint {
	switch op.Opcode {
	case OpSync, OpAllocate:
		return 1
	case OpWrite, OpWriteFixed:
		if op.Sync {
			return uint(op.Count) + 1
		}
		return uint(op.Count)
	case OpNop, OpRead, OpReadFixed:
		return uint(op.Count)
	}
	return 0
}

// "Those who sow the good seed
// Shall surely reap"
func (m *IoMgr) ringlord() {
	defer close(m.done)

	// note: it is possible to set interrupt affinity so io_uring io interupts will come
	// 		 to this core
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	var cpuSet unix.CPUSet
	cpuSet.Zero()
	cpuSet.Set(RING_CPU)
	err := unix.SchedSetaffinity(0, &cpuSet)
	if err != nil { m.log.Warn("Couldn't set core affinity for ring manager", "cpu", RING_CPU) }

	var queued   uint = 0 // SQEs that we have "got" and prepared from the opQueue
	var inflight uint = 0 // SQEs that have been SUBMITTED
	stopping := false

	take := func(op *Op) {
		if op == nil {
			stopping = true
			return
		}
		op.done = false
		op.seen = 0
		atomic.StoreInt32(&op.Res, 0)

		n := sqeCount(op)
		if n == 0 {
			// nothing to put on the ring: empty op, or an opcode we do not know
			var res int32
			if op.Opcode > OpReadFixed {
				m.log.Warn("Invalid opcode", "opcode", op.Opcode)
				res = -int32(unix.EINVAL)
			}
			atomic.StoreInt32(&op.Res, res)
			op.done = true
			op.Ch <- struct{}{}
			return
		}

		op.ticket = m.ops.Acq(op)
		m.prepSQEs(op)
		queued += n
	}

	// 1. collect submitted ops from the opQueue, get+prepare SQEs
	// 2. submit to the submission-queue
	// 3. reap completed CQEs
	for {
		// STAGE 1
		if inflight == 0 && queued == 0 {
			if stopping {
				return
			}
			// nothing to reap, block until there is at least 1 op
			take(<- m.opQueue)
		}
		// Non-blocking
		COLLECT: for !stopping {
			select {
			case op := <- m.opQueue:
				take(op)
			default:
				break COLLECT
			}
		}

		// STAGE 2
		if queued > 0 {
			var submitted uint
			var err error
			if inflight + queued > RING_DPTHTRG {
				submitted, err = m.ring.SubmitAndWait(8)
			} else {
				submitted, err = m.ring.Submit()
			}
			if err != nil && err != unix.ETIME && err != unix.EINTR {
				m.log.Error("Submit", "err", err)
			}
			queued   -= submitted
			inflight += submitted
		}

		// STAGE 3
		for inflight > 0 {
			cqe, err := m.ring.PeekCQE()
			if err == unix.EAGAIN || err == unix.EINTR || err == unix.ETIME {
				break
			} else if err != nil {
				m.log.Error("Peek cqe fatal error", "err", err)
				panic("Something wrong with your IO_URING!")
			}

			if cqe == nil {
				m.log.Warn("cqe == nil but we didnt get an err (eagain)?")
				break
			}

			inflight--

			ticket := int(cqe.UserData)
			op := m.ops.Get(ticket)
			op.seen++
			last := uint(op.seen) == sqeCount(op)

			// a failed link cancels the rest of the chain, those still show up here (-ECANCELED).
			// The first error sticks and the op completes with its last cqe.
			if cqe.Res < 0 && atomic.LoadInt32(&op.Res) >= 0 {
				atomic.StoreInt32(&op.Res, cqe.Res)
			}
			if last {
				m.ops.Set(ticket, nil)
				m.ops.Rel(ticket)
				if atomic.LoadInt32(&op.Res) >= 0 {
					atomic.StoreInt32(&op.Res, cqe.Res)
				}
				op.done = true
				op.Ch <- struct{}{}
			}

			m.ring.CQESeen(cqe)
			<- m.opSem
		}
	}
}
