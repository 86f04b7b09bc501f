package pool

import (
	"errors"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
	"unsafe"

	"mrpool/internal/memreg"
	"mrpool/internal/system"

	"github.com/lmittmann/tint"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestMain(m *testing.M) {
	slog.SetDefault(slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      slog.LevelInfo,
		TimeFormat: time.TimeOnly,
		AddSource:  true,
	})))
	os.Exit(m.Run())
}

// counts calls and can be told to fail
type countingDomain struct {
	mu			sync.Mutex
	next		memreg.Key
	registered	map[memreg.Key]int
	deregs		map[memreg.Key]int
	failReg		error
	failDereg	map[memreg.Key]error
}

func newCountingDomain() *countingDomain {
	return &countingDomain{
		next:		100,
		registered:	make(map[memreg.Key]int),
		deregs:		make(map[memreg.Key]int),
		failDereg:	make(map[memreg.Key]error),
	}
}

func (d *countingDomain) Register(buf []byte, access memreg.Access) (memreg.Key, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failReg != nil {
		return 0, d.failReg
	}
	k := d.next
	d.next++
	d.registered[k] = len(buf)
	return k, nil
}

func (d *countingDomain) Deregister(key memreg.Key) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.deregs[key]++
	return d.failDereg[key]
}

type failingProvider struct {
	system.AlignedProvider
	err			error
	deallocs	int
}

func newFailingProvider(err error) *failingProvider {
	return &failingProvider{AlignedProvider: *system.CreateAlignedProvider(), err: err}
}

func (p *failingProvider) AllocSlab(size int, align int) (*system.Slab, error) {
	if p.err != nil {
		return nil, p.err
	}
	return p.AlignedProvider.AllocSlab(size, align)
}

func (p *failingProvider) DeallocSlab(s *system.Slab) error {
	p.deallocs++
	return p.AlignedProvider.DeallocSlab(s)
}

func smallPool(t *testing.T) *Pool {
	p, err := CreatePool(Config{AllocationSize: 1024, MinAllocationSize: 64})
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p
}

func addr(buf []byte) uintptr {
	return uintptr(unsafe.Pointer(unsafe.SliceData(buf)))
}

// Walks the whole arena and checks the buddy invariants, including that FREE+USED leaves of every
// slab add up to exactly one slab.
func checkInvariants(t *testing.T, d *domainPool) {
	t.Helper()

	dead := make(map[nodeId]bool)
	for _, id := range d.recycled {
		dead[id] = true
	}
	children := make(map[nodeId]int)
	leafBytes := make(map[int32]int)

	for i := range d.nodes {
		id := nodeId(i)
		if dead[id] {
			continue
		}
		n := d.nodes[id]
		size := d.sizeOf(n.order)
		require.LessOrEqual(t, size, d.allocSize)
		require.Equal(t, d.slabs[n.slab].key, n.key, "key must come from the slab")

		if n.parent != nilNode {
			children[n.parent]++
			require.Equal(t, n.order+1, d.nodes[n.parent].order)
			require.Equal(t, id, d.nodes[n.sibling].sibling)
		} else {
			require.Equal(t, d.maxOrder, n.order)
		}

		switch n.state {
		case stateFree:
			require.Equal(t, id, d.free[n.order][n.pos], "FREE node must sit in its bucket")
			leafBytes[n.slab] += size
		case stateUsed:
			require.Equal(t, id, d.used[d.addrOf(id)], "USED node must be in the used index")
			leafBytes[n.slab] += size
		}
	}

	for i := range d.nodes {
		id := nodeId(i)
		if dead[id] {
			continue
		}
		if d.nodes[id].state == stateSplit {
			require.Equal(t, 2, children[id], "SPLIT node needs two children")
		} else {
			require.Zero(t, children[id])
		}
	}

	for slab := range d.slabs {
		require.Equal(t, d.allocSize, leafBytes[int32(slab)], "conservation in slab %d", slab)
	}

	total := 0
	for _, bucket := range d.free {
		total += len(bucket)
	}
	free := 0
	for i := range d.nodes {
		if !dead[nodeId(i)] && d.nodes[i].state == stateFree {
			free++
		}
	}
	require.Equal(t, free, total, "bucket count vs FREE nodes")
}

func Test_Pool_Rounding(t *testing.T) {
	p := smallPool(t)
	pd := memreg.CreateTable("pd", 16)

	for size := 0; size <= 1024; size++ {
		buf, err := p.GetBuffer(pd, size)
		require.NoError(t, err)

		want := 64
		for want < size {
			want <<= 1
		}
		require.Len(t, buf, want, "size %d", size)
		require.Equal(t, want, cap(buf))
		p.FreeBuffer(pd, buf)
	}

	st := p.Stats(pd)
	assert.Equal(t, 1, st.Slabs)
	assert.Equal(t, map[int]int{1024: 1}, st.FreeBlocks)
}

func Test_Pool_Scenario_TwoSmall(t *testing.T) {
	p := smallPool(t)
	pd := memreg.CreateTable("pd", 16)

	a, err := p.GetBuffer(pd, 50)
	require.NoError(t, err)
	b, err := p.GetBuffer(pd, 50)
	require.NoError(t, err)

	assert.Len(t, a, 64)
	assert.Len(t, b, 64)
	assert.NotEqual(t, addr(a), addr(b))
	assert.Equal(t, 1, p.Stats(pd).Slabs)

	ka, err := p.RegistrationKey(pd, a)
	require.NoError(t, err)
	kb, err := p.RegistrationKey(pd, b)
	require.NoError(t, err)
	assert.Equal(t, ka, kb, "same slab, same key")

	// adapter agrees the buffers are inside the registered region
	_, ok := pd.Resolve(ka, a)
	assert.True(t, ok)
	_, ok = pd.Resolve(kb, b)
	assert.True(t, ok)

	// non-overlapping
	lo, hi := addr(a), addr(b)
	if lo > hi {
		lo, hi = hi, lo
	}
	assert.GreaterOrEqual(t, int(hi-lo), 64)

	checkInvariants(t, p.domains[pd])
}

func Test_Pool_Scenario_WholeSlab(t *testing.T) {
	p := smallPool(t)
	pd := memreg.CreateTable("pd", 16)

	buf, err := p.GetBuffer(pd, 600)
	require.NoError(t, err)
	assert.Len(t, buf, 1024)

	st := p.Stats(pd)
	assert.Equal(t, 1, st.Slabs)
	assert.Empty(t, st.FreeBlocks, "no split for a whole slab")
	assert.Equal(t, 1024, st.UsedBytes)

	p.FreeBuffer(pd, buf)
	st = p.Stats(pd)
	assert.Equal(t, map[int]int{1024: 1}, st.FreeBlocks)
	assert.Zero(t, st.UsedBlocks)
	checkInvariants(t, p.domains[pd])
}

func Test_Pool_Scenario_MergeOnSecondFree(t *testing.T) {
	p := smallPool(t)
	pd := memreg.CreateTable("pd", 16)

	a, err := p.GetBuffer(pd, 100)
	require.NoError(t, err)
	b, err := p.GetBuffer(pd, 100)
	require.NoError(t, err)
	assert.Len(t, a, 128)
	assert.Len(t, b, 128)

	p.FreeBuffer(pd, a)
	st := p.Stats(pd)
	// a stays a FREE 128 because its buddy b is USED
	assert.Equal(t, 1, st.FreeBlocks[128])
	checkInvariants(t, p.domains[pd])

	p.FreeBuffer(pd, b)
	st = p.Stats(pd)
	// 128+128 -> 256, and the 256 buddy was FREE too, all the way up
	assert.Equal(t, map[int]int{1024: 1}, st.FreeBlocks)
	checkInvariants(t, p.domains[pd])
}

func Test_Pool_Scenario_MergeStopsAtUsedBuddy(t *testing.T) {
	p := smallPool(t)
	pd := memreg.CreateTable("pd", 16)

	a, _ := p.GetBuffer(pd, 100)
	b, _ := p.GetBuffer(pd, 100)
	c, err := p.GetBuffer(pd, 256)
	require.NoError(t, err)

	p.FreeBuffer(pd, a)
	p.FreeBuffer(pd, b)
	st := p.Stats(pd)
	assert.Equal(t, map[int]int{256: 1, 512: 1}, st.FreeBlocks)
	checkInvariants(t, p.domains[pd])

	p.FreeBuffer(pd, c)
	assert.Equal(t, map[int]int{1024: 1}, p.Stats(pd).FreeBlocks)
}

func Test_Pool_Scenario_TooLarge(t *testing.T) {
	p := smallPool(t)
	pd := memreg.CreateTable("pd", 16)

	_, err := p.GetBuffer(pd, 2000)
	assert.ErrorIs(t, err, ErrTooLarge)
	assert.Zero(t, p.Stats(pd).Slabs, "nothing allocated for an impossible request")

	_, err = p.GetBuffer(pd, -1)
	assert.ErrorIs(t, err, ErrInvalidArg)
	_, err = p.GetBuffer(nil, 64)
	assert.ErrorIs(t, err, ErrInvalidArg)
}

func Test_Pool_Scenario_FreeUnknown(t *testing.T) {
	p := smallPool(t)
	pd := memreg.CreateTable("pd", 16)

	buf, err := p.GetBuffer(pd, 64)
	require.NoError(t, err)
	before := p.Stats(pd)

	p.FreeBuffer(pd, make([]byte, 64))
	p.FreeBuffer(pd, buf[64/2:])
	p.FreeBuffer(pd, nil)
	p.FreeBuffer(memreg.CreateTable("other", 1), buf)
	assert.Equal(t, before, p.Stats(pd))

	// double free is a no-op too
	p.FreeBuffer(pd, buf)
	after := p.Stats(pd)
	p.FreeBuffer(pd, buf)
	assert.Equal(t, after, p.Stats(pd))
	checkInvariants(t, p.domains[pd])
}

func Test_Pool_NewSlabWhenExhausted(t *testing.T) {
	p := smallPool(t)
	pd := newCountingDomain()

	a, err := p.GetBuffer(pd, 1024)
	require.NoError(t, err)
	b, err := p.GetBuffer(pd, 64)
	require.NoError(t, err)

	st := p.Stats(pd)
	assert.Equal(t, 2, st.Slabs)
	assert.Len(t, pd.registered, 2)
	for _, l := range pd.registered {
		assert.Equal(t, 1024, l)
	}

	ka, _ := p.RegistrationKey(pd, a)
	kb, _ := p.RegistrationKey(pd, b)
	assert.NotEqual(t, ka, kb)

	// freeing the whole slab does not give it back before Close
	p.FreeBuffer(pd, a)
	assert.Equal(t, 2, p.Stats(pd).Slabs)
	checkInvariants(t, p.domains[pd])
}

func Test_Pool_SingleOrder(t *testing.T) {
	// allocation size == min allocation size, every request is a whole slab
	p, err := CreatePool(Config{AllocationSize: 4096, MinAllocationSize: 4096})
	require.NoError(t, err)
	defer p.Close()
	pd := memreg.CreateTable("pd", 8)

	a, err := p.GetBuffer(pd, 1)
	require.NoError(t, err)
	b, err := p.GetBuffer(pd, 4096)
	require.NoError(t, err)
	assert.Len(t, a, 4096)
	assert.Len(t, b, 4096)
	assert.Equal(t, 2, p.Stats(pd).Slabs)
}

func Test_Pool_Alignment(t *testing.T) {
	p, err := CreatePool(Config{AllocationSize: 1 << 16, MinAllocationSize: 1 << 8, AlignmentSize: 1 << 16})
	require.NoError(t, err)
	defer p.Close()
	pd := memreg.CreateTable("pd", 8)

	buf, err := p.GetBuffer(pd, 1<<16)
	require.NoError(t, err)
	assert.Zero(t, addr(buf)%(1<<16))

	// every block sits on a multiple of its own size relative to the slab
	p.FreeBuffer(pd, buf)
	for range 10 {
		b, err := p.GetBuffer(pd, 1000)
		require.NoError(t, err)
		assert.Zero(t, addr(b)%1024)
	}
}

func Test_Pool_KeyStability(t *testing.T) {
	p := smallPool(t)
	pd := memreg.CreateTable("pd", 16)

	buf, err := p.GetBuffer(pd, 64)
	require.NoError(t, err)
	k1, err := p.RegistrationKey(pd, buf)
	require.NoError(t, err)

	for range 5 {
		other, err := p.GetBuffer(pd, 128)
		require.NoError(t, err)
		k, err := p.RegistrationKey(pd, buf)
		require.NoError(t, err)
		assert.Equal(t, k1, k)
		p.FreeBuffer(pd, other)
	}

	p.FreeBuffer(pd, buf)
	_, err = p.RegistrationKey(pd, buf)
	assert.ErrorIs(t, err, ErrInvalidArg)
}

func Test_Pool_RegistrationKey_Invalid(t *testing.T) {
	p := smallPool(t)
	pd := memreg.CreateTable("pd", 16)

	_, err := p.RegistrationKey(pd, nil)
	assert.ErrorIs(t, err, ErrInvalidArg)
	_, err = p.RegistrationKey(nil, make([]byte, 1))
	assert.ErrorIs(t, err, ErrInvalidArg)
	_, err = p.RegistrationKey(pd, make([]byte, 64))
	assert.ErrorIs(t, err, ErrInvalidArg, "unknown domain")

	buf, err := p.GetBuffer(pd, 64)
	require.NoError(t, err)
	_, err = p.RegistrationKey(pd, make([]byte, 64))
	assert.ErrorIs(t, err, ErrInvalidArg, "never allocated")
	_, err = p.RegistrationKey(pd, buf[1:])
	assert.ErrorIs(t, err, ErrInvalidArg, "interior address")
}

func Test_Pool_DomainsIsolated(t *testing.T) {
	p := smallPool(t)
	pd0 := memreg.CreateTable("pd0", 16)
	pd1 := memreg.CreateTable("pd1", 16)

	a, err := p.GetBuffer(pd0, 64)
	require.NoError(t, err)
	b, err := p.GetBuffer(pd1, 64)
	require.NoError(t, err)

	assert.Equal(t, 1, p.Stats(pd0).Slabs)
	assert.Equal(t, 1, p.Stats(pd1).Slabs)
	assert.Equal(t, 1, pd0.Registered())
	assert.Equal(t, 1, pd1.Registered())

	// a buffer is only known to its own domain
	_, err = p.RegistrationKey(pd1, a)
	assert.ErrorIs(t, err, ErrInvalidArg)
	p.FreeBuffer(pd1, a)
	assert.Equal(t, 1, p.Stats(pd0).UsedBlocks)

	kb, err := p.RegistrationKey(pd1, b)
	require.NoError(t, err)
	_, ok := pd1.Resolve(kb, b)
	assert.True(t, ok)
}

// value receivers on a struct holding a slice: a valid Domain, but not usable as a map key
type sliceDomain struct {
	regions	[][]byte
}

func (d sliceDomain) Register(buf []byte, access memreg.Access) (memreg.Key, error) {
	return memreg.Key(len(d.regions)), nil
}

func (d sliceDomain) Deregister(key memreg.Key) error {
	return nil
}

func Test_Pool_UncomparableDomain(t *testing.T) {
	p := smallPool(t)
	pd := sliceDomain{regions: [][]byte{nil}}

	assert.NotPanics(t, func() {
		_, err := p.GetBuffer(pd, 64)
		assert.ErrorIs(t, err, ErrInvalidArg)

		p.FreeBuffer(pd, make([]byte, 64))

		_, err = p.RegistrationKey(pd, make([]byte, 64))
		assert.ErrorIs(t, err, ErrInvalidArg)

		assert.Zero(t, p.Stats(pd).Slabs)
	})

	fp, err := CreateFixedPool(Config{AllocationSize: 1024, MinAllocationSize: 64})
	require.NoError(t, err)
	defer fp.Close()

	// rejected by the fixed pool as well
	ok := newCountingDomain()
	_, err = fp.GetBuffer(ok, 64)
	require.NoError(t, err)
	assert.NotPanics(t, func() {
		_, err := fp.GetBuffer(pd, 64)
		assert.ErrorIs(t, err, ErrInvalidArg)
		fp.FreeBuffer(pd, make([]byte, 64))
	})
}

func Test_Pool_RegisterFailure(t *testing.T) {
	fp := newFailingProvider(nil)
	p, err := CreatePool(Config{AllocationSize: 1024, MinAllocationSize: 64, Provider: fp})
	require.NoError(t, err)
	defer p.Close()

	pd := newCountingDomain()
	regErr := errors.New("adapter says no")
	pd.failReg = regErr

	_, err = p.GetBuffer(pd, 64)
	assert.ErrorIs(t, err, regErr)
	assert.Equal(t, 1, fp.deallocs, "unregistered slab is released again")
	assert.Zero(t, p.Stats(pd).Slabs)

	// recovers once the adapter does
	pd.failReg = nil
	_, err = p.GetBuffer(pd, 64)
	assert.NoError(t, err)
	checkInvariants(t, p.domains[pd])
}

func Test_Pool_ProviderFailure(t *testing.T) {
	slabErr := errors.New("out of huge pages")
	fp := newFailingProvider(slabErr)
	p, err := CreatePool(Config{AllocationSize: 1024, MinAllocationSize: 64, Provider: fp})
	require.NoError(t, err)
	defer p.Close()

	pd := newCountingDomain()
	_, err = p.GetBuffer(pd, 64)
	assert.ErrorIs(t, err, slabErr)
	assert.Empty(t, pd.registered)
	checkInvariants(t, p.domains[pd])
}

func Test_Pool_CloseIdempotent(t *testing.T) {
	p, err := CreatePool(Config{AllocationSize: 1024, MinAllocationSize: 64})
	require.NoError(t, err)
	pd0 := newCountingDomain()
	pd1 := newCountingDomain()

	for range 3 {
		_, err := p.GetBuffer(pd0, 1024)
		require.NoError(t, err)
	}
	_, err = p.GetBuffer(pd1, 64)
	require.NoError(t, err)

	require.NoError(t, p.Close())
	require.NoError(t, p.Close())

	assert.Len(t, pd0.deregs, 3)
	for _, n := range pd0.deregs {
		assert.Equal(t, 1, n)
	}
	assert.Len(t, pd1.deregs, 1)

	_, err = p.GetBuffer(pd0, 64)
	assert.ErrorIs(t, err, ErrClosed)
	// no-op after close
	p.FreeBuffer(pd0, make([]byte, 64))
}

func Test_Pool_CloseContinuesPastFailures(t *testing.T) {
	p, err := CreatePool(Config{AllocationSize: 1024, MinAllocationSize: 64})
	require.NoError(t, err)
	pd := newCountingDomain()

	var keys []memreg.Key
	for range 3 {
		buf, err := p.GetBuffer(pd, 1024)
		require.NoError(t, err)
		k, err := p.RegistrationKey(pd, buf)
		require.NoError(t, err)
		keys = append(keys, k)
	}
	deregErr := errors.New("device gone")
	pd.failDereg[keys[0]] = deregErr

	err = p.Close()
	assert.ErrorIs(t, err, deregErr)
	for _, k := range keys {
		assert.Equal(t, 1, pd.deregs[k], "every slab gets its deregistration")
	}
}

func Test_Pool_RandomChurn(t *testing.T) {
	p, err := CreatePool(Config{AllocationSize: 1 << 14, MinAllocationSize: 1 << 6})
	require.NoError(t, err)
	defer p.Close()
	pd := memreg.CreateTable("pd", 256)
	r := rand.New(rand.NewPCG(1, 2))

	type grant struct {
		buf		[]byte
		fill	byte
	}
	var live []grant

	for i := range 4000 {
		if len(live) > 0 && r.IntN(2) == 0 {
			j := r.IntN(len(live))
			g := live[j]
			for _, v := range g.buf {
				require.Equal(t, g.fill, v, "buffer was overwritten by another grant")
			}
			p.FreeBuffer(pd, g.buf)
			live[j] = live[len(live)-1]
			live = live[:len(live)-1]
		} else {
			buf, err := p.GetBuffer(pd, 1+r.IntN(1<<12))
			require.NoError(t, err)
			fill := byte(i)
			for k := range buf {
				buf[k] = fill
			}
			live = append(live, grant{buf, fill})
		}
		if i%250 == 0 {
			checkInvariants(t, p.domains[pd])
		}
	}

	for _, g := range live {
		p.FreeBuffer(pd, g.buf)
	}
	checkInvariants(t, p.domains[pd])

	// every slab collapses back into one FREE root
	st := p.Stats(pd)
	assert.Equal(t, map[int]int{1 << 14: st.Slabs}, st.FreeBlocks)
	assert.Zero(t, st.UsedBytes)
}

func Test_Pool_Concurrent(t *testing.T) {
	p, err := CreatePool(Config{AllocationSize: 1 << 16, MinAllocationSize: 1 << 8})
	require.NoError(t, err)
	defer p.Close()
	domains := []*memreg.Table{memreg.CreateTable("pd0", 64), memreg.CreateTable("pd1", 64)}

	var g errgroup.Group
	for w := range 8 {
		g.Go(func() error {
			pd := domains[w%len(domains)]
			r := rand.New(rand.NewPCG(uint64(w), 7))
			for range 500 {
				buf, err := p.GetBuffer(pd, 1+r.IntN(1<<13))
				if err != nil {
					return err
				}
				buf[0], buf[len(buf)-1] = byte(w), byte(w)
				if _, err := p.RegistrationKey(pd, buf); err != nil {
					return err
				}
				if buf[0] != byte(w) || buf[len(buf)-1] != byte(w) {
					return errors.New("buffer shared between workers")
				}
				p.FreeBuffer(pd, buf)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	for _, pd := range domains {
		st := p.Stats(pd)
		assert.Zero(t, st.UsedBlocks)
		assert.Equal(t, map[int]int{1 << 16: st.Slabs}, st.FreeBlocks)
	}
}

func Test_Pool_HugePagesDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "hp")
	p, err := CreatePool(Config{AllocationSize: 1 << 16, MinAllocationSize: 1 << 12, HugePagesDir: dir})
	require.NoError(t, err)
	pd := memreg.CreateTable("pd", 8)

	a, err := p.GetBuffer(pd, 1<<16)
	require.NoError(t, err)
	_, err = p.GetBuffer(pd, 1<<12)
	require.NoError(t, err)
	copy(a, "payload")

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	require.NoError(t, p.Close())
	_, err = os.Stat(dir)
	assert.True(t, os.IsNotExist(err))
	assert.Zero(t, pd.Registered())
}
