package pool

import (
	"mrpool/internal/memreg"

	"github.com/negrel/assert"
)

type nodeState uint8

const (
	stateFree nodeState = iota
	stateSplit
	stateUsed
)

func (s nodeState) String() string {
	switch s {
	case stateFree:
		return "FREE"
	case stateSplit:
		return "SPLIT"
	case stateUsed:
		return "USED"
	}
	return "?"
}

// Index into domainPool.nodes. parent and sibling links are indices so the arena is the only
// owner of nodes.
type nodeId int32

const nilNode nodeId = -1

// A buddyNode covers [off, off+size) of one slab, size = minAllocationSize << order.
type buddyNode struct {
	off		int
	order	int
	state	nodeState
	slab	int32
	key		memreg.Key // copied from the slab, never changes
	parent	nodeId
	sibling	nodeId
	pos		int // index in its free bucket while FREE
}

// The arena recycles ids of merged-away children. A recycled id is a brand new node.
func (d *domainPool) newNode(n buddyNode) nodeId {
	if k := len(d.recycled); k > 0 {
		id := d.recycled[k-1]
		d.recycled = d.recycled[:k-1]
		d.nodes[id] = n
		return id
	}
	d.nodes = append(d.nodes, n)
	return nodeId(len(d.nodes) - 1)
}

func (d *domainPool) dropNode(id nodeId) {
	d.nodes[id] = buddyNode{parent: nilNode, sibling: nilNode, pos: -1}
	d.recycled = append(d.recycled, id)
}

// Free buckets are unordered; removal swaps the last entry into the hole.
func (d *domainPool) pushFree(id nodeId) {
	n := &d.nodes[id]
	assert.True(n.state == stateFree, "only FREE nodes go into buckets")
	n.pos = len(d.free[n.order])
	d.free[n.order] = append(d.free[n.order], id)
}

func (d *domainPool) unlinkFree(id nodeId) {
	n := &d.nodes[id]
	bucket := d.free[n.order]
	assert.Less(n.pos, len(bucket), "node not in its bucket")

	last := bucket[len(bucket)-1]
	bucket[n.pos] = last
	d.nodes[last].pos = n.pos
	d.free[n.order] = bucket[:len(bucket)-1]
	n.pos = -1
}

func (d *domainPool) popFree(order int) nodeId {
	bucket := d.free[order]
	id := bucket[len(bucket)-1]
	d.free[order] = bucket[:len(bucket)-1]
	d.nodes[id].pos = -1
	return id
}

// Makes sure a FREE node exists one order below `order` by splitting a FREE node of `order`.
// A missing node of `order` is produced by splitting further up, and at the root order by
// asking for a new slab.
func (d *domainPool) split(order int) error {
	if order > d.maxOrder {
		return ErrTooLarge
	}
	assert.GreaterOrEqual(order, 1, "cannot split a minimum sized block")

	if len(d.free[order]) == 0 {
		if err := d.ensureFree(order); err != nil {
			return err
		}
	}

	pid := d.popFree(order)
	p := d.nodes[pid]
	assert.True(p.state == stateFree, "splitting a non-FREE node")
	d.nodes[pid].state = stateSplit

	half := d.sizeOf(order - 1)
	left := d.newNode(buddyNode{
		off:		p.off,
		order:		order - 1,
		state:		stateFree,
		slab:		p.slab,
		key:		p.key,
		parent:		pid,
		sibling:	nilNode,
	})
	right := d.newNode(buddyNode{
		off:		p.off + half,
		order:		order - 1,
		state:		stateFree,
		slab:		p.slab,
		key:		p.key,
		parent:		pid,
		sibling:	left,
	})
	d.nodes[left].sibling = right

	d.pushFree(left)
	d.pushFree(right)
	return nil
}

// FREE node at `order`, from the tree above or from a fresh slab.
func (d *domainPool) ensureFree(order int) error {
	if order == d.maxOrder {
		return d.ensureNewSlab()
	}
	return d.split(order + 1)
}

// Coalesces id with its buddy for as long as the buddy is FREE. id must be FREE and in its
// bucket.
func (d *domainPool) merge(id nodeId) {
	for {
		n := d.nodes[id]
		if n.parent == nilNode {
			return
		}
		sib := d.nodes[n.sibling]
		if sib.state != stateFree {
			return
		}
		assert.True(sib.order == n.order, "buddies of different size")

		d.unlinkFree(id)
		d.unlinkFree(n.sibling)
		d.dropNode(n.sibling)
		d.dropNode(id)

		parent := &d.nodes[n.parent]
		assert.True(parent.state == stateSplit, "parent of a buddy pair must be SPLIT")
		parent.state = stateFree
		d.pushFree(n.parent)

		id = n.parent
	}
}
