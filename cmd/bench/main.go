package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mirkobrombin/go-lockstep/v1/fairqueue"
	"github.com/mirkobrombin/go-lockstep/v1/lease"
	"github.com/mirkobrombin/go-lockstep/v1/quorum"
)

var (
	concurrency = flag.Int("c", 16, "Concurrency")
	requests    = flag.Int("n", 2000, "Critical sections per worker")
	nodes       = flag.Int("nodes", 5, "Quorum node count")
	timeout     = flag.Duration("timeout", 10*time.Second, "Acquire timeout")
	target      = flag.String("target", "all", "Target: lease, quorum, fairqueue")
)

func main() {
	flag.Parse()

	targets := strings.Split(*target, ",")
	if *target == "all" {
		targets = []string{"lease", "quorum", "fairqueue"}
	}

	fmt.Printf("| %-10s | %-10s | %-8s | %-8s |\n", "Strategy", "Ops/sec", "Grants", "Misses")
	fmt.Println("|:---|:---|:---|:---|")
	for _, t := range targets {
		run(strings.TrimSpace(t))
	}
}

func run(name string) {
	ctx := context.Background()
	var section func() (bool, error)

	switch name {
	case "lease":
		registry, err := lease.NewRegistry(lease.WithDefaultTTL(time.Minute))
		if err != nil {
			log.Fatal(err)
		}
		l := registry.Get("bench")
		section = func() (bool, error) {
			token, ok, err := l.Acquire(ctx, "bench-worker", *timeout)
			if err != nil || !ok {
				return false, err
			}
			l.Release(token)
			return true, nil
		}

	case "quorum":
		stores := make([]quorum.NodeStore, 0, *nodes)
		for i := 0; i < *nodes; i++ {
			stores = append(stores, quorum.NewMemoryStore(nil))
		}
		l, err := quorum.New(stores)
		if err != nil {
			log.Fatal(err)
		}
		section = func() (bool, error) {
			proof, ok, err := l.Acquire(ctx, "bench", time.Minute)
			if err != nil || !ok {
				return false, err
			}
			return true, l.Release(ctx, "bench", proof)
		}

	case "fairqueue":
		q := fairqueue.New()
		section = func() (bool, error) {
			key, ok, err := q.Acquire(ctx, "bench", "bench-worker", *timeout)
			if err != nil || !ok {
				return false, err
			}
			q.Release(key)
			return true, nil
		}

	default:
		log.Fatalf("unknown target %q", name)
	}

	var grants, misses atomic.Int64
	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < *concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < *requests; j++ {
				ok, err := section()
				if err != nil {
					log.Fatalf("%s: %v", name, err)
				}
				if ok {
					grants.Add(1)
				} else {
					misses.Add(1)
				}
			}
		}()
	}
	wg.Wait()
	elapsed := time.Since(start)

	total := float64(grants.Load() + misses.Load())
	fmt.Printf("| %-10s | %-10.0f | %-8d | %-8d |\n",
		name, total/elapsed.Seconds(), grants.Load(), misses.Load())
}
