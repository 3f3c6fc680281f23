package main

import (
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/mirkobrombin/go-trylock/v1/instrument"
	"github.com/mirkobrombin/go-trylock/v1/metrics"
)

var (
	goroutines  = flag.Int("g", runtime.GOMAXPROCS(0)*4, "Racing goroutines")
	attempts    = flag.Int("n", 100000, "TryLock attempts per goroutine")
	metricsAddr = flag.String("metrics", "", "Serve Prometheus metrics on this address and keep running")
	verbose     = flag.Bool("v", false, "Debug logging")
)

// record is updated field by field while held; a reader that sees the fields
// disagree has observed a torn write.
type record struct {
	seq   uint64
	check uint64
}

func main() {
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	reg := metrics.NewRegistry()
	metrics.RegisterCoreMetrics(reg)

	m := instrument.New(record{}, instrument.WithName("bench"), instrument.WithMetrics(), instrument.WithLogger(logger))

	var acquired, contended atomic.Uint64
	start := time.Now()
	var g errgroup.Group
	for i := 0; i < *goroutines; i++ {
		g.Go(func() error {
			for j := 0; j < *attempts; j++ {
				guard, ok := m.TryLock()
				if !ok {
					contended.Add(1)
					continue
				}
				r := guard.Value()
				if r.seq != r.check {
					guard.Unlock()
					return fmt.Errorf("torn record observed: seq=%d check=%d", r.seq, r.check)
				}
				r.seq++
				r.check++
				guard.Unlock()
				acquired.Add(1)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		log.Fatal(err)
	}
	elapsed := time.Since(start)

	guard, ok := m.TryLock()
	if !ok {
		log.Fatal("mutex still held after all goroutines returned")
	}
	final := guard.Get()
	guard.Unlock()
	if final.seq != acquired.Load() {
		log.Fatalf("lost updates: seq=%d acquisitions=%d", final.seq, acquired.Load())
	}

	total := uint64(*goroutines) * uint64(*attempts)
	fmt.Printf("| %-12s | %-12s | %-12s | %-12s | %-12s |\n", "Goroutines", "Attempts", "Acquired", "Contended", "Ops/sec")
	fmt.Println("|:---|:---|:---|:---|:---|")
	fmt.Printf("| %-12d | %-12d | %-12d | %-12d | %-12.0f |\n",
		*goroutines, total, acquired.Load(), contended.Load(), float64(total)/elapsed.Seconds())

	if *metricsAddr != "" {
		logger.Info("serving metrics", "addr", *metricsAddr)
		http.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		log.Fatal(http.ListenAndServe(*metricsAddr, nil))
	}
}
