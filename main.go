package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"mrpool/internal/memreg"
	"mrpool/internal/pool"
	"mrpool/internal/stress"
	"mrpool/internal/util"

	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
)

var (
	configPath		string
	hugePagesDir	string
	fixed			bool
	ringPath		string
	verbose			bool
	opts			stress.Options
)

func main() {
	rootCmd := &cobra.Command{
		Use:	"mrpool",
		Short:	"Registered buffer pool stress driver",
		Long: 	"Runs concurrent get/fill/verify/free workers against the buddy buffer pool " +
			"and reports per-domain slab usage.",
		Args:	cobra.NoArgs,
		RunE:	run,
		SilenceUsage: true,
	}

	f := rootCmd.Flags()
	f.StringVarP(&configPath, "config", "c", "", "pool config yaml")
	f.StringVar(&hugePagesDir, "hugepages-dir", "", "back slabs with files in this (hugetlbfs) directory")
	f.BoolVar(&fixed, "fixed", false, "use the fixed-block pool instead of the buddy pool")
	f.StringVar(&ringPath, "iouring", "", "register slabs with an io_uring ring on this file and "+
		"round-trip every buffer through fixed reads/writes")
	f.BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	f.IntVar(&opts.Domains, "domains", 2, "protection domains")
	f.IntVar(&opts.Workers, "workers", 8, "concurrent workers")
	f.IntVar(&opts.Ops, "ops", 100000, "operations per worker")
	f.IntVar(&opts.MaxSize, "max-size", 0x10000, "largest request in bytes")
	f.IntVar(&opts.BlockSize, "block-size", 0, "fixed pool block size (default: min allocation size)")
	f.IntVar(&opts.Hold, "hold", 32, "buffers a worker holds at most")
	f.Uint64Var(&opts.Seed, "seed", uint64(time.Now().UnixNano()), "workload seed")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.TimeOnly,
	})))

	var cfg pool.Config
	if configPath != "" {
		var err error
		cfg, err = pool.LoadConfig(configPath)
		if err != nil {
			return err
		}
	}
	if hugePagesDir != "" {
		cfg.HugePagesDir = hugePagesDir
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if ringPath != "" {
		ring, closeRing, err := openRing(ringPath)
		if err != nil {
			return err
		}
		// after the pool, which deregisters its slabs from the ring on Close
		defer closeRing()
		opts.Targets = []stress.Target{ring}
	}

	bp, statsFn, err := openPool(cfg, fixed, &opts)
	if err != nil {
		return err
	}

	slog.Info("mrpool", "domains", max(opts.Domains, len(opts.Targets)), "workers", opts.Workers,
		"ops", opts.Ops, "max", util.FormatSize(opts.MaxSize), "block", opts.BlockSize,
		"seed", opts.Seed, "fixed", fixed, "iouring", ringPath)

	start := time.Now()
	rep, err := stress.Run(ctx, bp, statsFn, opts)
	elapsed := time.Since(start)

	for _, d := range rep.Domains {
		slog.Info("domain", "name", d.Name, "slabs", d.Stats.Slabs,
			"free", util.FormatSize(d.Stats.FreeBytes), "used", util.FormatSize(d.Stats.UsedBytes))
	}
	slog.Info("done", "gets", rep.Gets, "frees", rep.Frees, "elapsed", elapsed,
		"ops/s", fmt.Sprintf("%.0f", float64(rep.Gets+rep.Frees)/elapsed.Seconds()))

	if cerr := bp.Close(); cerr != nil {
		slog.Error("close", "err", cerr)
		if err == nil {
			err = cerr
		}
	}
	return err
}

// Builds the pool and fits o to it: a fixed pool serves one domain and one block size, the buddy
// pool nothing above its slab size.
func openPool(cfg pool.Config, fixed bool, o *stress.Options) (pool.BufferPool, func(memreg.Domain) pool.Stats, error) {
	if fixed {
		fp, err := pool.CreateFixedPool(cfg)
		if err != nil {
			return nil, nil, err
		}
		fcfg := fp.Config()
		if o.BlockSize <= 0 {
			o.BlockSize = fcfg.MinAllocationSize
		}
		if o.BlockSize > fcfg.AllocationSize {
			fp.Close()
			return nil, nil, fmt.Errorf("%w: block size %d > %d", pool.ErrTooLarge, o.BlockSize, fcfg.AllocationSize)
		}
		o.Domains = 1
		if len(o.Targets) > 1 {
			o.Targets = o.Targets[:1]
		}
		o.MaxSize = o.BlockSize
		return fp, nil, nil
	}

	p, err := pool.CreatePool(cfg)
	if err != nil {
		return nil, nil, err
	}
	o.BlockSize = 0
	o.MaxSize = min(o.MaxSize, p.Config().AllocationSize)
	return p, p.Stats, nil
}
