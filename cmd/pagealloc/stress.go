package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/hupe1980/pagealloc"
	"github.com/hupe1980/pagealloc/dumpstore"
	"github.com/hupe1980/pagealloc/internal/crashdump"
	"github.com/hupe1980/pagealloc/prommetrics"
	"github.com/hupe1980/pagealloc/resource"
	"github.com/hupe1980/pagealloc/testutil"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

type stressOptions struct {
	rangeFlags
	store storeFlags

	workers     int
	parallel    int
	ops         int
	seed        int64
	touch       int
	maxHeld     int
	quotaPages  int
	timeout     time.Duration
	dumpPath    string
	compression string
	metricsAddr string
}

var stressOpts stressOptions

func init() {
	cmd := newStressCmd()
	stressOpts.register(cmd)
	stressOpts.store.register(cmd)
	cmd.Flags().IntVar(&stressOpts.workers, "workers", 8, "Number of workers")
	cmd.Flags().IntVar(&stressOpts.parallel, "parallel", 0, "Workers running at once (0 = all)")
	cmd.Flags().IntVar(&stressOpts.ops, "ops", 100000, "Operations per worker")
	cmd.Flags().Int64Var(&stressOpts.seed, "seed", 1, "Workload seed")
	cmd.Flags().IntVar(&stressOpts.touch, "touch", testutil.DefaultMix.Touch, "Touch weight (alloc and free weigh 45 each)")
	cmd.Flags().IntVar(&stressOpts.maxHeld, "max-held", testutil.DefaultMix.MaxHeld, "References a worker keeps at most (1-255)")
	cmd.Flags().IntVar(&stressOpts.quotaPages, "quota-pages", 0, "Cap pages handed out at once (0 = no cap)")
	cmd.Flags().DurationVar(&stressOpts.timeout, "timeout", 0, "Stop after this long (0 = no limit)")
	cmd.Flags().StringVar(&stressOpts.dumpPath, "dump", "", "Write a crash dump here after the run or on a fatal error")
	cmd.Flags().StringVar(&stressOpts.compression, "compression", "zstd", "Dump compression: none, lz4, zstd")
	cmd.Flags().StringVar(&stressOpts.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address during the run")
	rootCmd.AddCommand(cmd)
}

func newStressCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stress",
		Short: "Run concurrent alloc/touch/free workers and verify the result",
		Long: `The stress command boots an allocator and runs workers that allocate,
share and free pages in a reproducible random order. Each worker checks that
no page it holds is handed to anyone else. When all workers have released
their pages the free list and reference table are cross-checked.

Example:
  pagealloc stress --workers 16 --ops 1000000
  pagealloc stress --quota-pages 512 --dump run.pgdump
  pagealloc stress --metrics-addr :2112 --timeout 5m
  pagealloc stress --dump run-42.pgdump --dump-endpoint s3.example.com --dump-bucket crash`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStress(cmd.Context(), &stressOpts)
		},
	}
}

// StressReport is the JSON shape of the stress command.
type StressReport struct {
	Seed        int64   `json:"seed"`
	Workers     int     `json:"workers"`
	Ops         uint64  `json:"ops"`
	Elapsed     string  `json:"elapsed"`
	OpsPerSec   float64 `json:"ops_per_sec"`
	Allocs      uint64  `json:"allocs"`
	Frees       uint64  `json:"frees"`
	Touches     uint64  `json:"touches"`
	Exhaustions uint64  `json:"exhaustions"`
	PeakHeld    int64   `json:"peak_held"`
	FreePages   int     `json:"free_pages"`
	Pages       int     `json:"pages"`
	Dump        string  `json:"dump,omitempty"`
}

func runStress(ctx context.Context, o *stressOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}

	kernelEnd, physTop, err := o.parse()
	if err != nil {
		return err
	}

	mix := testutil.DefaultMix
	mix.Touch = o.touch
	mix.MaxHeld = o.maxHeld
	if err := mix.Validate(); err != nil {
		return err
	}
	// Every reference a worker holds may point at the same page.
	if o.maxHeld < 1 || o.maxHeld > pagealloc.MaxRefCount {
		return fmt.Errorf("--max-held must be between 1 and %d", pagealloc.MaxRefCount)
	}
	if o.workers < 1 {
		return fmt.Errorf("--workers must be positive")
	}

	compression, err := crashdump.ParseCompression(o.compression)
	if err != nil {
		return err
	}

	var (
		store    dumpstore.Store
		dumpName string
	)
	if o.dumpPath != "" {
		if store, dumpName, err = o.store.open(o.dumpPath); err != nil {
			return err
		}
	}

	parallel := o.parallel
	if parallel <= 0 || parallel > o.workers {
		parallel = o.workers
	}
	rc := resource.NewController(resource.Config{
		MemoryLimitBytes:     int64(o.quotaPages) * pagealloc.PageSize,
		MaxBackgroundWorkers: int64(parallel),
	})

	reg := prometheus.NewRegistry()
	mc, err := prommetrics.NewCollector(reg)
	if err != nil {
		return err
	}

	var a *pagealloc.Allocator
	opts := []pagealloc.Option{
		pagealloc.WithLogger(newLogger()),
		pagealloc.WithMetricsCollector(mc),
		pagealloc.WithDiagnosticRate(1, 10),
	}
	if o.quotaPages > 0 {
		opts = append(opts, pagealloc.WithQuota(rc))
	}
	if o.dumpPath != "" {
		opts = append(opts, pagealloc.WithHalter(func(*pagealloc.FatalError) {
			if err := writeDump(context.Background(), a, store, dumpName, compression); err != nil {
				printError("crash dump: %v\n", err)
			}
		}))
	}

	a, err = pagealloc.Boot(kernelEnd, physTop, opts...)
	if err != nil {
		return err
	}
	defer a.Close()

	if o.metricsAddr != "" {
		stop, err := serveMetrics(o.metricsAddr, reg)
		if err != nil {
			return err
		}
		defer stop()
	}

	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}

	printVerbose("Running %d workers (%d at once), %d ops each, seed %d\n", o.workers, parallel, o.ops, o.seed)

	var (
		done    atomic.Uint64
		held    atomic.Int64
		peak    atomic.Int64
		rng     = testutil.NewRNG(o.seed)
		started = time.Now()
	)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < o.workers; i++ {
		w := &worker{
			id:       i,
			alloc:    a,
			workload: testutil.NewWorkload(rng.Fork(i), mix),
			ops:      o.ops,
			done:     &done,
			held:     &held,
			peak:     &peak,
		}
		g.Go(func() error {
			if err := rc.AcquireBackground(gctx); err != nil {
				return nil
			}
			defer rc.ReleaseBackground()
			return w.run(gctx)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	elapsed := time.Since(started)

	report, err := a.Verify()
	if err != nil {
		return err
	}
	if report.Allocated != 0 || report.InTransit != 0 {
		return fmt.Errorf("%w: %d pages still allocated after all workers released theirs",
			pagealloc.ErrInconsistent, report.Allocated+report.InTransit)
	}

	s := a.Stats()
	r := StressReport{
		Seed:        o.seed,
		Workers:     o.workers,
		Ops:         done.Load(),
		Elapsed:     elapsed.Round(time.Millisecond).String(),
		OpsPerSec:   float64(done.Load()) / elapsed.Seconds(),
		Allocs:      s.Allocs,
		Frees:       s.Frees,
		Touches:     s.Touches,
		Exhaustions: s.Exhaustions,
		PeakHeld:    peak.Load(),
		FreePages:   s.FreePages,
		Pages:       s.ManagedPages,
	}

	if o.dumpPath != "" {
		if err := writeDump(context.WithoutCancel(ctx), a, store, dumpName, compression); err != nil {
			return err
		}
		r.Dump = o.dumpPath
	}

	if jsonOut {
		return printJSON(r)
	}

	printInfo("Ops:         %d in %s (%.0f ops/s)\n", r.Ops, r.Elapsed, r.OpsPerSec)
	printInfo("Allocs:      %d\n", r.Allocs)
	printInfo("Frees:       %d\n", r.Frees)
	printInfo("Touches:     %d\n", r.Touches)
	printInfo("Exhaustions: %d\n", r.Exhaustions)
	printInfo("Peak held:   %d references\n", r.PeakHeld)
	printInfo("Free pages:  %d of %d (verified)\n", r.FreePages, r.Pages)
	if r.Dump != "" {
		printInfo("Dump:        %s\n", r.Dump)
	}
	return nil
}

type worker struct {
	id       int
	alloc    *pagealloc.Allocator
	workload *testutil.Workload
	ops      int
	done     *atomic.Uint64
	held     *atomic.Int64
	peak     *atomic.Int64
}

func (w *worker) run(ctx context.Context) (err error) {
	var refs []pagealloc.PhysAddr

	defer func() {
		if r := recover(); r != nil {
			fe, ok := pagealloc.AsFatal(r)
			if !ok {
				panic(r)
			}
			err = fmt.Errorf("worker %d: %w", w.id, fe)
			return
		}
		// Release whatever is still held, even when stopped early.
		for _, pa := range refs {
			if ferr := w.alloc.Free(pa); ferr != nil && err == nil {
				err = fmt.Errorf("worker %d: %w", w.id, ferr)
			}
		}
		w.held.Add(-int64(len(refs)))
	}()

	for i := 0; i < w.ops; i++ {
		if i%256 == 0 && ctx.Err() != nil {
			return nil
		}

		op := w.workload.Next(len(refs))
		switch op.Kind {
		case testutil.OpAlloc:
			pa, err := w.alloc.Alloc()
			if errors.Is(err, pagealloc.ErrExhausted) {
				break
			}
			if err != nil {
				return err
			}
			refs = append(refs, pa)
			w.track(1)
		case testutil.OpTouch:
			pa := refs[op.Slot]
			w.alloc.Touch(pa)
			refs = append(refs, pa)
			w.track(1)
		case testutil.OpFree:
			pa := refs[op.Slot]
			last := len(refs) - 1
			refs[op.Slot] = refs[last]
			refs = refs[:last]
			w.track(-1)
			if err := w.alloc.Free(pa); err != nil {
				return fmt.Errorf("worker %d: %w", w.id, err)
			}
		}
		w.done.Add(1)
	}
	return nil
}

func (w *worker) track(delta int64) {
	n := w.held.Add(delta)
	for {
		p := w.peak.Load()
		if n <= p || w.peak.CompareAndSwap(p, n) {
			return
		}
	}
}

func writeDump(ctx context.Context, a *pagealloc.Allocator, store dumpstore.Store, name string, c crashdump.Compression) error {
	var buf bytes.Buffer
	if err := a.Dump(&buf, c); err != nil {
		return err
	}
	if err := store.Put(ctx, name, buf.Bytes()); err != nil {
		return fmt.Errorf("failed to store dump %s: %w", name, err)
	}
	return nil
}

func serveMetrics(addr string, reg *prometheus.Registry) (func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() { _ = srv.Serve(ln) }()
	printInfo("Prometheus metrics available at http://%s/metrics\n", ln.Addr())

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}
