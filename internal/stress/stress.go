// Concurrent get/fill/verify/free workload against a BufferPool. Any two grants that overlap
// show up as a digest mismatch.
package stress

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync/atomic"

	"mrpool/internal/memreg"
	"mrpool/internal/pool"
	"mrpool/internal/util"

	"github.com/cespare/xxhash"
	"golang.org/x/sync/errgroup"
)

var (
	ErrCorrupt	= errors.New("stress: buffer contents changed while held")
)

// Target is a protection domain that can check a grant the way its adapter would: memreg.Table
// resolves the key, iomgr.IoMgr does a fixed-buffer write/read round trip.
type Target interface {
	memreg.Domain
	Name() string
	Verify(key memreg.Key, buf []byte) error
}

var (
	_ Target = (*memreg.Table)(nil)
)

type Options struct {
	Domains		int
	Workers		int
	Ops			int // per worker
	MaxSize		int
	BlockSize	int // when set every request is exactly this size (fixed-block pools)
	Hold		int // buffers a worker keeps at most
	Seed		uint64
	Slots		int // registration slots per domain
	Targets		[]Target // used instead of Domains software tables when set
}

func (o Options) withDefaults() Options {
	if o.Domains <= 0 {
		o.Domains = 1
	}
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.Ops <= 0 {
		o.Ops = 10000
	}
	if o.MaxSize <= 0 {
		o.MaxSize = 0x10000
	}
	if o.Hold <= 0 {
		o.Hold = 16
	}
	if o.Slots <= 0 {
		o.Slots = 256
	}
	return o
}

type DomainReport struct {
	Name	string
	Stats	pool.Stats
}

type Report struct {
	Gets	int64
	Frees	int64
	Domains	[]DomainReport
}

type grant struct {
	buf		[]byte
	sum		uint64
}

// Run drives p from o.Workers goroutines spread over o.Targets, or o.Domains software domains
// when there are none. It returns the first failure; the pool is left open for the caller to
// inspect and close.
func Run(ctx context.Context, p pool.BufferPool, stats func(memreg.Domain) pool.Stats, o Options) (Report, error) {
	o = o.withDefaults()
	log := slog.With("src", "Stress")

	domains := o.Targets
	if len(domains) == 0 {
		domains = make([]Target, o.Domains)
		for i := range domains {
			domains[i] = memreg.CreateTable(fmt.Sprintf("pd%d", i), o.Slots)
		}
	}

	var gets, frees atomic.Int64
	g, ctx := errgroup.WithContext(ctx)

	for w := range o.Workers {
		g.Go(func() error {
			pd := domains[w%len(domains)]
			r := rand.New(rand.NewPCG(util.Hash(o.Seed+uint64(w)), o.Seed))
			held := make([]grant, 0, o.Hold)

			release := func(i int) error {
				gr := held[i]
				if got := xxhash.Sum64(gr.buf); got != gr.sum {
					log.Error("corrupt buffer", "worker", w, "len", len(gr.buf),
						"dump", "\n"+util.PrettyPrintBuf(gr.buf, 128))
					return fmt.Errorf("%w: worker %d, %x != %x", ErrCorrupt, w, got, gr.sum)
				}
				key, err := p.RegistrationKey(pd, gr.buf)
				if err != nil {
					return err
				}
				if err := pd.Verify(key, gr.buf); err != nil {
					return fmt.Errorf("worker %d, %s: %w", w, pd.Name(), err)
				}
				p.FreeBuffer(pd, gr.buf)
				frees.Add(1)
				held[i] = held[len(held)-1]
				held = held[:len(held)-1]
				return nil
			}

			for range o.Ops {
				if err := ctx.Err(); err != nil {
					return err
				}
				if len(held) == o.Hold || (len(held) > 0 && r.IntN(2) == 0) {
					if err := release(r.IntN(len(held))); err != nil {
						return err
					}
					continue
				}

				size := o.BlockSize
				if size <= 0 {
					size = 1 + r.IntN(o.MaxSize)
				}
				buf, err := p.GetBuffer(pd, size)
				if err != nil {
					return fmt.Errorf("worker %d: %w", w, err)
				}
				gets.Add(1)
				seed := r.Uint64()
				for i := range buf {
					buf[i] = byte(util.Hash(seed + uint64(i/8)) >> (i % 8 * 8))
				}
				held = append(held, grant{buf: buf, sum: xxhash.Sum64(buf)})
			}

			for len(held) > 0 {
				if err := release(len(held) - 1); err != nil {
					return err
				}
			}
			return nil
		})
	}

	err := g.Wait()

	rep := Report{Gets: gets.Load(), Frees: frees.Load()}
	for _, pd := range domains {
		dr := DomainReport{Name: pd.Name()}
		if stats != nil {
			dr.Stats = stats(pd)
		}
		rep.Domains = append(rep.Domains, dr)
	}
	return rep, err
}
