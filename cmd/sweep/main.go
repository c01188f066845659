package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"snipe/internal/catalog"
	"snipe/internal/metrics"
)

// The sweeper frees claims stranded by runs that died between claiming and
// purchasing. It runs against the same catalog data directory as the worker.
func main() {
	var (
		stateBackend string
		dataDir      string
		ttlSec       int
		intervalSec  int
		once         bool
		httpAddr     string
	)
	flag.StringVar(&stateBackend, "state-backend", "badger", "catalog backend: memory|badger|pebble")
	flag.StringVar(&dataDir, "data-dir", "./data/catalog", "catalog data directory")
	flag.IntVar(&ttlSec, "claim-ttl", 900, "release claims older than this many seconds")
	flag.IntVar(&intervalSec, "interval", 60, "sweep interval seconds")
	flag.BoolVar(&once, "once", false, "run a single sweep and exit")
	flag.StringVar(&httpAddr, "http", ":9091", "http listen for /metrics")
	flag.Parse()

	st, closeStore, err := openStore(stateBackend, dataDir)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer closeStore()

	mreg := metrics.NewRegistry()
	go func() {
		http.Handle("/metrics", mreg.Handler())
		_ = http.ListenAndServe(httpAddr, nil)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sweep := func() {
		cutoff := catalog.NowUnix() - int64(ttlSec)
		n, err := st.ReleaseExpiredClaims(cutoff)
		if err != nil {
			log.Printf("sweep: %v", err)
			return
		}
		if n > 0 {
			log.Printf("released %d expired claims (cutoff %d)", n, cutoff)
		}
		mreg.ClaimsSwept.Add(float64(n))
	}

	sweep()
	if once {
		return
	}

	ticker := time.NewTicker(time.Duration(intervalSec) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweep()
		}
	}
}

func openStore(backend string, dataDir string) (catalog.Store, func(), error) {
	switch backend {
	case "badger":
		bs, err := catalog.NewBadgerStore(dataDir)
		if err != nil {
			return nil, nil, fmt.Errorf("init badger: %w", err)
		}
		return bs, func() { _ = bs.Close() }, nil
	case "pebble":
		ps, err := catalog.NewPebbleStore(dataDir)
		if err != nil {
			return nil, nil, fmt.Errorf("init pebble: %w", err)
		}
		return ps, func() { _ = ps.Close() }, nil
	default:
		return catalog.NewMemoryStore(), func() {}, nil
	}
}
