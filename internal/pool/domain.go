package pool

import (
	"errors"
	"fmt"
	"log/slog"
	"unsafe"

	c "mrpool/internal"
	"mrpool/internal/memreg"
	"mrpool/internal/system"
	"mrpool/internal/util"

	"github.com/negrel/assert"
)

type slabEntry struct {
	slab	*system.Slab
	base	uintptr
	key		memreg.Key
	root	nodeId
}

// One buddy forest per protection domain. Not safe for concurrent use, the Pool lock covers it.
type domainPool struct {
	log			*slog.Logger
	domain		memreg.Domain
	provider	system.Provider

	minLog		int
	maxOrder	int
	allocSize	int
	alignSize	int
	access		memreg.Access

	slabs		[]slabEntry
	nodes		[]buddyNode
	recycled	[]nodeId
	free		[][]nodeId // by order
	used		map[uintptr]nodeId
}

func createDomainPool(log *slog.Logger, cfg Config, provider system.Provider, domain memreg.Domain) *domainPool {
	minLog := c.Log2(cfg.MinAllocationSize)
	maxOrder := c.Log2(cfg.AllocationSize) - minLog

	return &domainPool{
		log:		log,
		domain:		domain,
		provider:	provider,
		minLog:		minLog,
		maxOrder:	maxOrder,
		allocSize:	cfg.AllocationSize,
		alignSize:	cfg.AlignmentSize,
		access:		cfg.Access,
		free:		make([][]nodeId, maxOrder+1),
		used:		make(map[uintptr]nodeId),
	}
}

func (d *domainPool) sizeOf(order int) int {
	return 1 << (order + d.minLog)
}

// order of the smallest block that holds size bytes
func (d *domainPool) orderOf(size int) int {
	size = max(size, 1<<d.minLog)
	return c.Log2(c.NextPow2(size)) - d.minLog
}

func (d *domainPool) addrOf(id nodeId) uintptr {
	n := &d.nodes[id]
	return d.slabs[n.slab].base + uintptr(n.off)
}

func (d *domainPool) viewOf(id nodeId) []byte {
	n := &d.nodes[id]
	size := d.sizeOf(n.order)
	return d.slabs[n.slab].slab.Buf[n.off : n.off+size : n.off+size]
}

// New slab, registered with the domain, as one FREE root.
func (d *domainPool) ensureNewSlab() error {
	slab, err := d.provider.AllocSlab(d.allocSize, d.alignSize)
	if err != nil {
		return fmt.Errorf("alloc slab: %w", err)
	}

	key, err := d.domain.Register(slab.Buf, d.access)
	if err != nil {
		d.log.Error("register slab", "size", util.FormatSize(d.allocSize), "err", err)
		if derr := d.provider.DeallocSlab(slab); derr != nil {
			d.log.Warn("dealloc unregistered slab", "err", derr)
		}
		return fmt.Errorf("register slab: %w", err)
	}

	idx := int32(len(d.slabs))
	root := d.newNode(buddyNode{
		off:		0,
		order:		d.maxOrder,
		state:		stateFree,
		slab:		idx,
		key:		key,
		parent:		nilNode,
		sibling:	nilNode,
	})
	d.slabs = append(d.slabs, slabEntry{
		slab:	slab,
		base:	slab.Addr(),
		key:	key,
		root:	root,
	})
	d.pushFree(root)

	d.log.Debug("new slab", "slab", idx, "key", key, "size", util.FormatSize(d.allocSize), "path", slab.Path())
	return nil
}

func (d *domainPool) allocate(size int) ([]byte, error) {
	if size > d.allocSize {
		return nil, ErrTooLarge
	}

	order := d.orderOf(size)
	if len(d.free[order]) == 0 {
		if err := d.ensureFree(order); err != nil {
			return nil, err
		}
	}

	id := d.popFree(order)
	d.nodes[id].state = stateUsed
	addr := d.addrOf(id)
	_, dup := d.used[addr]
	assert.True(!dup, "address handed out twice")
	d.used[addr] = id

	return d.viewOf(id), nil
}

// false when nothing is allocated at addr
func (d *domainPool) release(addr uintptr) bool {
	id, ok := d.used[addr]
	if !ok {
		return false
	}
	delete(d.used, addr)

	d.nodes[id].state = stateFree
	d.pushFree(id)
	d.merge(id)
	return true
}

func (d *domainPool) lookupKey(addr uintptr) (memreg.Key, bool) {
	id, ok := d.used[addr]
	if !ok {
		return 0, false
	}
	return d.nodes[id].key, true
}

func (d *domainPool) stats() Stats {
	st := Stats{
		Slabs:		len(d.slabs),
		FreeBlocks:	make(map[int]int),
		UsedBlocks:	len(d.used),
	}
	for order, bucket := range d.free {
		if len(bucket) == 0 {
			continue
		}
		st.FreeBlocks[d.sizeOf(order)] = len(bucket)
		st.FreeBytes += len(bucket) * d.sizeOf(order)
	}
	for _, id := range d.used {
		st.UsedBytes += d.sizeOf(d.nodes[id].order)
	}
	return st
}

// Deregisters and releases every slab. Keeps going on failure, the returned error joins all of
// them.
func (d *domainPool) teardown() error {
	var errs []error
	for i := range d.slabs {
		s := &d.slabs[i]
		if err := d.domain.Deregister(s.key); err != nil {
			d.log.Error("could not deregister slab", "slab", i, "key", s.key, "err", err)
			errs = append(errs, fmt.Errorf("deregister key %d: %w", s.key, err))
		}
		if err := d.provider.DeallocSlab(s.slab); err != nil {
			d.log.Error("could not release slab", "slab", i, "err", err)
			errs = append(errs, fmt.Errorf("release slab %d: %w", i, err))
		}
	}

	d.slabs = nil
	d.nodes = nil
	d.recycled = nil
	d.free = make([][]nodeId, d.maxOrder+1)
	clear(d.used)
	return errors.Join(errs...)
}

func addrOfBuf(buf []byte) uintptr {
	return uintptr(unsafe.Pointer(unsafe.SliceData(buf)))
}
