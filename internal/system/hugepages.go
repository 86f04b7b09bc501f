package system

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"

	c "mrpool/internal"

	"golang.org/x/sys/unix"
)

const F_OPEN_MODE	= unix.O_RDWR | unix.O_CREAT | unix.O_EXCL | unix.O_CLOEXEC
const F_OPEN_PERM	= 0b_000_110_000_000
const HUGE_MMAP_MODE	= unix.MAP_SHARED

// One file per slab inside a dedicated directory, normally on a hugetlbfs mount. The directory
// is owned by the provider: stale files are purged on creation and everything is removed on Close.
type HugePageProvider struct {
	log		*slog.Logger
	dir		string
	next	atomic.Uint64

	mu		sync.Mutex
	live	map[string]*Slab
	closed	bool
}

func CreateHugePageProvider(dir string) (*HugePageProvider, error) {
	if dir == "" {
		dir = c.DEFAULT_HUGEPAGES_DIR
	}
	log := slog.With("src", "HugePageProvider", "dir", dir)

	if err := os.MkdirAll(dir, 0o700); err != nil {
		log.Error("mkdir", "err", err)
		return nil, fmt.Errorf("huge page dir %s: %w", dir, err)
	}
	if err := purgeDir(dir); err != nil {
		log.Error("purge", "err", err)
		return nil, err
	}

	return &HugePageProvider{
		log:	log,
		dir:	dir,
		live:	make(map[string]*Slab),
	}, nil
}

func (p *HugePageProvider) Dir() string {
	return p.dir
}

// Creates the next numbered backing file. Names that already exist are skipped so two providers
// (or a leftover file) never share a backing file.
func (p *HugePageProvider) create() (*os.File, string, error) {
	for {
		path := filepath.Join(p.dir, strconv.FormatUint(p.next.Add(1)-1, 10)+c.HUGEPAGES_FILE_SUFFIX)
		f, err := os.OpenFile(path, F_OPEN_MODE, F_OPEN_PERM)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			p.log.Error("open backing file", "path", path, "err", err)
			return nil, "", fmt.Errorf("open %s: %w", path, err)
		}
		return f, path, nil
	}
}

// align is ignored, file mappings always start on a (huge) page boundary.
func (p *HugePageProvider) AllocSlab(size int, align int) (*Slab, error) {
	if size <= 0 {
		return nil, ErrInvalidSize
	}

	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	f, path, err := p.create()
	if err != nil {
		return nil, err
	}
	// the mapping keeps the pages alive, the descriptor is not needed past mmap
	defer f.Close()

	if err := unix.Ftruncate(int(f.Fd()), int64(size)); err != nil {
		p.log.Error("could not set length of backing file", "path", path, "err", err)
		os.Remove(path)
		return nil, fmt.Errorf("truncate %s to %d: %w", path, size, err)
	}

	raw, err := unix.Mmap(int(f.Fd()), 0, size, MMAP_PROT, HUGE_MMAP_MODE)
	if err != nil {
		p.log.Error("could not map backing file", "path", path, "err", err)
		os.Remove(path)
		return nil, fmt.Errorf("mmap %s: %w", path, err)
	}

	s := &Slab{Buf: raw[:size:size], raw: raw, path: path}
	p.mu.Lock()
	p.live[path] = s
	p.mu.Unlock()

	p.log.Debug("AllocSlab", "path", path, "size", size)
	return s, nil
}

// Unmaps the slab. The file stays until Close, like the rest of the directory.
func (p *HugePageProvider) DeallocSlab(s *Slab) error {
	if s == nil || s.raw == nil {
		return ErrNotOwned
	}
	p.mu.Lock()
	_, ok := p.live[s.path]
	delete(p.live, s.path)
	p.mu.Unlock()
	if !ok {
		return ErrNotOwned
	}

	if err := unix.Munmap(s.raw); err != nil {
		p.log.Error("DeallocSlab", "path", s.path, "err", err)
		return err
	}
	s.raw, s.Buf = nil, nil
	return nil
}

func (p *HugePageProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true

	var errs []error
	for path, s := range p.live {
		if err := unix.Munmap(s.raw); err != nil {
			errs = append(errs, fmt.Errorf("munmap %s: %w", path, err))
		}
		s.raw, s.Buf = nil, nil
	}
	clear(p.live)

	if err := purgeDir(p.dir); err != nil {
		errs = append(errs, err)
	}
	if err := os.Remove(p.dir); err != nil && !errors.Is(err, fs.ErrNotExist) {
		errs = append(errs, fmt.Errorf("remove %s: %w", p.dir, err))
	}

	err := errors.Join(errs...)
	if err != nil {
		p.log.Warn("Close", "err", err)
	}
	return err
}

func purgeDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", dir, err)
	}
	var errs []error
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
