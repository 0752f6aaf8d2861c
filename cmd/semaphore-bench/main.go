package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/votem/semaphore-service/v1/client"
	"github.com/votem/semaphore-service/v1/httpapi"
	"github.com/votem/semaphore-service/v1/lease"
	"github.com/votem/semaphore-service/v1/presets"
)

var (
	concurrency = flag.Int("c", 50, "Concurrency")
	requests    = flag.Int("n", 100000, "Requests")
	keys        = flag.Int("keys", 1, "Distinct keys; 1 means every worker contends on the same key")
	target      = flag.String("target", "all", "Target: mem, redis, http")
	redisAddr   = flag.String("redis-addr", "localhost:6379", "Redis Address")
)

type ops struct {
	acquire func(ctx context.Context, key string) (lease.Result, error)
	release func(ctx context.Context, key string) (lease.Result, error)
}

func main() {
	flag.Parse()
	if *keys < 1 {
		*keys = 1
	}
	if *concurrency < 1 {
		*concurrency = 1
	}

	targets := strings.Split(*target, ",")
	if *target == "all" {
		targets = []string{"mem", "http", "redis"}
	}

	fmt.Printf("| %-8s | %-10s | %-10s | %-10s | %-12s | %-12s | %-10s |\n",
		"Store", "Ops/sec", "Granted", "Denied", "Avg Latency", "P99 Latency", "Overlaps")
	fmt.Println("|:---|:---|:---|:---|:---|:---|:---|")

	for _, t := range targets {
		runBenchmark(strings.TrimSpace(t))
	}
}

func managerOps(m *lease.Manager) ops {
	return ops{
		acquire: func(ctx context.Context, key string) (lease.Result, error) {
			res, _, err := m.Acquire(ctx, key, time.Minute)
			return res, err
		},
		release: m.Release,
	}
}

func runBenchmark(name string) {
	var (
		o       ops
		cleanup func()
	)

	switch name {
	case "mem":
		m, _ := presets.NewInMemoryStandalone()
		o = managerOps(m)
		cleanup = func() { _ = m.Close() }

	case "redis":
		m, _ := presets.NewRedisShared(presets.RedisOptions{Addr: *redisAddr, Prefix: "bench:"})
		o = managerOps(m)
		cleanup = func() { _ = m.Close() }

	case "http":
		m, _ := presets.NewInMemoryStandalone()
		srv := httptest.NewServer(httpapi.New(m))
		c, err := client.New(srv.URL)
		if err != nil {
			log.Printf("client: %v", err)
			srv.Close()
			return
		}
		o = ops{
			acquire: func(ctx context.Context, key string) (lease.Result, error) {
				return c.Acquire(ctx, key, time.Minute)
			},
			release: c.Release,
		}
		cleanup = func() {
			srv.Close()
			_ = m.Close()
		}

	default:
		log.Printf("Unknown target: %s", name)
		return
	}
	defer cleanup()

	ctx := context.Background()
	var (
		wg        sync.WaitGroup
		granted   int64
		denied    int64
		failed    int64
		overlaps  int64
		totalReqs = *requests
		chunk     = totalReqs / *concurrency
		latencies = make([]int64, chunk*(*concurrency))
	)
	holders := make([]int32, *keys)

	start := time.Now()
	for i := 0; i < *concurrency; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			offset := idx * chunk
			for j := 0; j < chunk; j++ {
				slot := (offset + j) % *keys
				key := fmt.Sprintf("bench-%d", slot)
				reqStart := time.Now()
				res, err := o.acquire(ctx, key)
				if err != nil {
					atomic.AddInt64(&failed, 1)
					continue
				}
				if res != lease.Granted {
					atomic.AddInt64(&denied, 1)
					latencies[offset+j] = time.Since(reqStart).Nanoseconds()
					continue
				}
				atomic.AddInt64(&granted, 1)
				if atomic.AddInt32(&holders[slot], 1) > 1 {
					atomic.AddInt64(&overlaps, 1)
				}
				atomic.AddInt32(&holders[slot], -1)
				if _, err := o.release(ctx, key); err != nil {
					atomic.AddInt64(&failed, 1)
				}
				latencies[offset+j] = time.Since(reqStart).Nanoseconds()
			}
		}(i)
	}
	wg.Wait()
	elapsed := time.Since(start)

	done := granted + denied
	if done == 0 {
		fmt.Printf("| %-8s | %-10s | %-10s | %-10s | %-12s | %-12s | %-10s |\n", name, "ERROR", "-", "-", "-", "-", "-")
		return
	}

	throughput := float64(done) / elapsed.Seconds()
	avgLat := float64(elapsed.Nanoseconds()) / float64(done)

	p99 := "-"
	validLats := make([]int64, 0, done)
	for _, l := range latencies {
		if l > 0 {
			validLats = append(validLats, l)
		}
	}
	if len(validLats) > 0 {
		sort.Slice(validLats, func(i, j int) bool { return validLats[i] < validLats[j] })
		p99Idx := int(float64(len(validLats)) * 0.99)
		if p99Idx >= len(validLats) {
			p99Idx = len(validLats) - 1
		}
		p99 = fmt.Sprintf("%d", validLats[p99Idx])
	}

	fmt.Printf("| %-8s | %-10.0f | %-10d | %-10d | %-12.0f | %-12s | %-10d |\n",
		name, throughput, granted, denied, avgLat, p99, overlaps)
	if failed > 0 {
		log.Printf("%s: %d operations failed", name, failed)
	}
}
