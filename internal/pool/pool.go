// Package pool hands out power-of-two buffers carved from large slabs that are registered once
// per protection domain, so callers get buffers an adapter can already address.
package pool

import (
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sync"

	"mrpool/internal/memreg"
	"mrpool/internal/system"
	"mrpool/internal/util"
)

var (
	ErrTooLarge				= errors.New("pool: requested size exceeds allocation size")
	ErrInvalidArg			= errors.New("pool: invalid argument")
	ErrInvalidConfig		= errors.New("pool: invalid config")
	ErrClosed				= errors.New("pool: closed")
	ErrDomainUnsupported	= errors.New("pool: only one protection domain supported")
	ErrSizeMismatch			= errors.New("pool: size does not match pool block size")
	ErrExhausted			= errors.New("pool: no free blocks")
)

// BufferPool is what the transport layer sees. Buffers stay owned by the caller until handed
// back with FreeBuffer.
type BufferPool interface {
	GetBuffer(d memreg.Domain, size int) ([]byte, error)
	FreeBuffer(d memreg.Domain, buf []byte)
	RegistrationKey(d memreg.Domain, buf []byte) (memreg.Key, error)
	Close() error
}

var (
	_ BufferPool = (*Pool)(nil)
	_ BufferPool = (*FixedPool)(nil)
)

type Stats struct {
	Slabs		int
	FreeBytes	int
	UsedBytes	int
	UsedBlocks	int
	FreeBlocks	map[int]int // block size -> count
}

// Pool is a buddy allocator with one forest of slab-rooted trees per protection domain.
// Everything happens under one lock: split and merge touch parent, sibling and grandparents in
// one go.
type Pool struct {
	log			*slog.Logger
	cfg			Config
	provider	system.Provider

	mu			sync.Mutex
	domains		map[memreg.Domain]*domainPool
	ordered		[]*domainPool // creation order, for teardown
	closed		bool
}

func CreatePool(cfg Config) (*Pool, error) {
	cfg, err := cfg.Normalize()
	if err != nil {
		return nil, err
	}

	provider, err := cfg.provider()
	if err != nil {
		return nil, fmt.Errorf("slab provider: %w", err)
	}

	log := slog.With("src", "Pool")
	log.Debug("CreatePool",
		"allocation", util.FormatSize(cfg.AllocationSize),
		"min", util.FormatSize(cfg.MinAllocationSize),
		"align", cfg.AlignmentSize,
		"access", cfg.Access)

	return &Pool{
		log:		log,
		cfg:		cfg,
		provider:	provider,
		domains:	make(map[memreg.Domain]*domainPool),
	}, nil
}

func (p *Pool) Config() Config {
	return p.cfg
}

// Domains key the per-domain forests, so their dynamic type has to be comparable. Anything else
// (nil, a struct holding a slice) is rejected up front instead of panicking in a map lookup.
func usableDomain(d memreg.Domain) bool {
	return d != nil && reflect.TypeOf(d).Comparable()
}

func (p *Pool) GetBuffer(d memreg.Domain, size int) ([]byte, error) {
	if !usableDomain(d) || size < 0 {
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

	dp, ok := p.domains[d]
	if !ok {
		dp = createDomainPool(p.log.With("domain", fmt.Sprintf("%p", d)), p.cfg, p.provider, d)
		p.domains[d] = dp
		p.ordered = append(p.ordered, dp)
	}

	return dp.allocate(size)
}

// Unknown domains and addresses are ignored, so a buffer may be freed twice.
func (p *Pool) FreeBuffer(d memreg.Domain, buf []byte) {
	addr := addrOfBuf(buf)
	if !usableDomain(d) || addr == 0 {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	dp, ok := p.domains[d]
	if !ok {
		return
	}
	if !dp.release(addr) {
		p.log.Debug("FreeBuffer: not allocated", "addr", fmt.Sprintf("0x%x", addr))
	}
}

func (p *Pool) RegistrationKey(d memreg.Domain, buf []byte) (memreg.Key, error) {
	addr := addrOfBuf(buf)
	if !usableDomain(d) || addr == 0 {
		return 0, ErrInvalidArg
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	dp, ok := p.domains[d]
	if !ok {
		return 0, fmt.Errorf("%w: unknown domain", ErrInvalidArg)
	}
	key, ok := dp.lookupKey(addr)
	if !ok {
		return 0, fmt.Errorf("%w: buffer at 0x%x not allocated", ErrInvalidArg, addr)
	}
	return key, nil
}

// Per domain accounting. Unknown domains report zeros.
func (p *Pool) Stats(d memreg.Domain) Stats {
	if !usableDomain(d) {
		return Stats{FreeBlocks: map[int]int{}}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	dp, ok := p.domains[d]
	if !ok {
		return Stats{FreeBlocks: map[int]int{}}
	}
	return dp.stats()
}

// Close deregisters and releases every slab of every domain, then the provider. Failures do not
// stop the teardown; they are logged and returned joined. Only the first call does anything.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	var errs []error
	for _, dp := range p.ordered {
		if err := dp.teardown(); err != nil {
			errs = append(errs, err)
		}
	}
	clear(p.domains)
	p.ordered = nil

	if err := p.provider.Close(); err != nil {
		p.log.Error("close provider", "err", err)
		errs = append(errs, err)
	}

	err := errors.Join(errs...)
	if err != nil {
		p.log.Warn("Close finished with errors", "err", err)
	}
	return err
}
