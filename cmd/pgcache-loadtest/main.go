// Command pgcache-loadtest drives concurrent writer and reader goroutines
// against a cache instance and reports mean and p95 latency plus the reader
// hit rate. Writers call Set (which emits invalidation events) and readers
// call Get; GetOrSet and its single-flight path are not exercised.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mnorrsken/pgcache"
)

func main() {
	var (
		dsn             = flag.String("dsn", os.Getenv("PGCACHE_DSN"), "authoritative store connection string")
		writers         = flag.Int("writers", 10, "number of concurrent writer clients")
		readers         = flag.Int("readers", 10, "number of concurrent reader clients")
		writeIterations = flag.Int("write-iterations", 200, "writes performed per writer")
		readIterations  = flag.Int("read-iterations", 400, "reads performed per reader")
		ttl             = flag.Duration("ttl", 2*time.Second, "TTL for written keys")
	)
	flag.Parse()

	if *dsn == "" {
		log.Fatalf("pgcache-loadtest: -dsn (or PGCACHE_DSN) is required")
	}

	ctx := context.Background()
	settings := pgcache.DefaultSettings(*dsn)

	if err := pgcache.InitDB(ctx, settings); err != nil {
		log.Fatalf("pgcache-loadtest: init_db failed: %v", err)
	}

	total := *writers + *readers
	caches := make([]*pgcache.Cache, total)
	for i := range caches {
		c, err := pgcache.New(settings)
		if err != nil {
			log.Fatalf("pgcache-loadtest: new cache: %v", err)
		}
		if err := c.Connect(ctx); err != nil {
			log.Fatalf("pgcache-loadtest: connect: %v", err)
		}
		caches[i] = c
	}
	defer func() {
		for _, c := range caches {
			c.Close()
		}
	}()

	writerClients := caches[:*writers]
	readerClients := caches[*writers : *writers+*readers]

	var mu sync.Mutex
	var writeLatencies, readLatencies []time.Duration
	var hits, reads int

	group, gctx := errgroup.WithContext(ctx)

	for idx, client := range writerClients {
		idx, client := idx, client
		group.Go(func() error {
			key := fmt.Sprintf("writer-%d", idx)
			local := make([]time.Duration, 0, *writeIterations)
			for iteration := 0; iteration < *writeIterations; iteration++ {
				payload := map[string]any{"writer": idx, "iteration": iteration}
				start := time.Now()
				if err := client.Set(gctx, key, payload, *ttl); err != nil {
					return fmt.Errorf("writer %d: %w", idx, err)
				}
				local = append(local, time.Since(start))
				time.Sleep(time.Duration(rand.Intn(20)) * time.Millisecond)
			}
			mu.Lock()
			writeLatencies = append(writeLatencies, local...)
			mu.Unlock()
			return nil
		})
	}

	for _, client := range readerClients {
		client := client
		group.Go(func() error {
			local := make([]time.Duration, 0, *readIterations)
			localHits := 0
			for i := 0; i < *readIterations; i++ {
				key := fmt.Sprintf("writer-%d", rand.Intn(*writers))
				start := time.Now()
				value, err := client.Get(gctx, key)
				if err != nil {
					return fmt.Errorf("reader: %w", err)
				}
				local = append(local, time.Since(start))
				if value != nil {
					localHits++
				}
				time.Sleep(time.Duration(rand.Intn(10)) * time.Millisecond)
			}
			mu.Lock()
			readLatencies = append(readLatencies, local...)
			hits += localHits
			reads += *readIterations
			mu.Unlock()
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		log.Fatalf("pgcache-loadtest: %v", err)
	}

	report("writes", writeLatencies)
	report("reads", readLatencies)
	if reads > 0 {
		fmt.Printf("reader hit rate: %.2f%%\n", 100*float64(hits)/float64(reads))
	}
}

func report(label string, latencies []time.Duration) {
	if len(latencies) == 0 {
		fmt.Printf("%s: no samples\n", label)
		return
	}
	sorted := append([]time.Duration(nil), latencies...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum time.Duration
	for _, l := range sorted {
		sum += l
	}
	mean := sum / time.Duration(len(sorted))
	p95idx := int(float64(len(sorted)) * 0.95)
	if p95idx >= len(sorted) {
		p95idx = len(sorted) - 1
	}
	p95 := sorted[p95idx]

	fmt.Printf("%s: n=%d mean=%s p95=%s\n", label, len(sorted), mean, p95)
}
