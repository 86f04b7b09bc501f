package pool

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"mrpool/internal/memreg"
	"mrpool/internal/system"
	"mrpool/internal/util"
)

// FixedPool is the simple alternative to Pool: one slab, one protection domain, and blocks all of
// the size asked for first. No splitting or merging.
type FixedPool struct {
	log			*slog.Logger
	cfg			Config
	provider	system.Provider
	slab		*system.Slab

	mu			sync.Mutex
	domain		memreg.Domain
	key			memreg.Key
	blockSize	int
	free		util.Queue[int] // block indices
	out			[]bool
	closed		bool
}

// The slab is allocated up front; registration waits for the first domain to show up.
func CreateFixedPool(cfg Config) (*FixedPool, error) {
	cfg, err := cfg.Normalize()
	if err != nil {
		return nil, err
	}
	provider, err := cfg.provider()
	if err != nil {
		return nil, fmt.Errorf("slab provider: %w", err)
	}
	slab, err := provider.AllocSlab(cfg.AllocationSize, cfg.AlignmentSize)
	if err != nil {
		provider.Close()
		return nil, fmt.Errorf("alloc slab: %w", err)
	}

	return &FixedPool{
		log:		slog.With("src", "FixedPool"),
		cfg:		cfg,
		provider:	provider,
		slab:		slab,
	}, nil
}

func (p *FixedPool) Config() Config {
	return p.cfg
}

// 0 until the first request fixed it
func (p *FixedPool) BlockSize() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.blockSize
}

// registers the slab and carves it on the first request
func (p *FixedPool) setup(d memreg.Domain, size int) error {
	key, err := d.Register(p.slab.Buf, p.cfg.Access)
	if err != nil {
		p.log.Error("register slab", "err", err)
		return fmt.Errorf("register slab: %w", err)
	}

	n := len(p.slab.Buf) / size
	p.domain = d
	p.key = key
	p.blockSize = size
	p.free = util.CreateQueue[int](n)
	p.out = make([]bool, n)
	for i := range n {
		p.free.Push(i)
	}

	p.log.Debug("setup", "key", key, "block", size, "blocks", n)
	return nil
}

func (p *FixedPool) GetBuffer(d memreg.Domain, size int) ([]byte, error) {
	if !usableDomain(d) || size <= 0 {
		return nil, ErrInvalidArg
	}
	if size > p.cfg.AllocationSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrTooLarge, size, p.cfg.AllocationSize)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrClosed
	}
	if p.domain == nil {
		if err := p.setup(d, size); err != nil {
			return nil, err
		}
	} else if p.domain != d {
		return nil, ErrDomainUnsupported
	}
	if size != p.blockSize {
		return nil, fmt.Errorf("%w: %d != %d", ErrSizeMismatch, size, p.blockSize)
	}
	if p.free.Cnt() == 0 {
		return nil, ErrExhausted
	}

	i := p.free.Pop()
	p.out[i] = true
	off := i * p.blockSize
	return p.slab.Buf[off : off+p.blockSize : off+p.blockSize], nil
}

// index of the handed out block starting at buf, -1 if there is none
func (p *FixedPool) blockOf(buf []byte) int {
	if p.domain == nil {
		return -1
	}
	addr := addrOfBuf(buf)
	base := p.slab.Addr()
	if addr < base || addr >= base+uintptr(len(p.slab.Buf)) {
		return -1
	}
	off := int(addr - base)
	if off%p.blockSize != 0 {
		return -1
	}
	i := off / p.blockSize
	if i >= len(p.out) || !p.out[i] {
		return -1
	}
	return i
}

func (p *FixedPool) FreeBuffer(d memreg.Domain, buf []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed || !usableDomain(d) || d != p.domain {
		return
	}
	i := p.blockOf(buf)
	if i < 0 {
		return
	}
	p.out[i] = false
	p.free.Push(i)
}

func (p *FixedPool) RegistrationKey(d memreg.Domain, buf []byte) (memreg.Key, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !usableDomain(d) || d != p.domain || p.blockOf(buf) < 0 {
		return 0, ErrInvalidArg
	}
	return p.key, nil
}

func (p *FixedPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	var errs []error
	if p.domain != nil {
		if err := p.domain.Deregister(p.key); err != nil {
			p.log.Error("could not deregister slab", "key", p.key, "err", err)
			errs = append(errs, fmt.Errorf("deregister key %d: %w", p.key, err))
		}
	}
	if err := p.provider.DeallocSlab(p.slab); err != nil {
		errs = append(errs, err)
	}
	if err := p.provider.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
