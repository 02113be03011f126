// Command httpclient supplements the distilled spec (SPEC_FULL.md §10): it
// is the analog of test_webserver_client.cc, driving concurrent requests
// against an httpserver instance and reporting latency percentiles. Unlike
// the original, concurrency is bounded with golang.org/x/sync/semaphore
// rather than spawning one OS thread per request.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/go-sylar/sylar/internal/logx"
)

func main() {
	var addr string
	var path string
	var concurrency int64
	var total int

	cmd := &cobra.Command{
		Use:   "httpclient",
		Short: "Bounded-concurrency load driver for httpserver",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(addr, path, concurrency, total)
		},
	}
	cmd.Flags().StringVarP(&addr, "addr", "a", "127.0.0.1:8080", "server address")
	cmd.Flags().StringVarP(&path, "path", "p", "/api/hello", "request path")
	cmd.Flags().Int64VarP(&concurrency, "concurrency", "c", 10, "max in-flight requests")
	cmd.Flags().IntVarP(&total, "total", "n", 100, "total requests to send")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(addr, path string, concurrency int64, total int) error {
	logger := logx.New("httpclient")
	defer logger.Sync()

	sem := semaphore.NewWeighted(concurrency)
	ctx := context.Background()

	var mu sync.Mutex
	var latencies []time.Duration
	var success, failed int

	var wg sync.WaitGroup
	start := time.Now()

	for i := 0; i < total; i++ {
		if err := sem.Acquire(ctx, 1); err != nil {
			return err
		}
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			defer sem.Release(1)

			reqStart := time.Now()
			ok := doRequest(addr, path)
			elapsed := time.Since(reqStart)

			mu.Lock()
			latencies = append(latencies, elapsed)
			if ok {
				success++
			} else {
				failed++
			}
			mu.Unlock()
		}(i)
	}
	wg.Wait()
	totalDuration := time.Since(start)

	mu.Lock()
	defer mu.Unlock()
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	logger.Info("load test complete",
		zap.Int("success", success),
		zap.Int("failed", failed),
		zap.Duration("total_duration", totalDuration),
		zap.Duration("p50", percentile(latencies, 0.50)),
		zap.Duration("p95", percentile(latencies, 0.95)),
		zap.Duration("p99", percentile(latencies, 0.99)),
		zap.Float64("qps", float64(success)/totalDuration.Seconds()),
	)
	return nil
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)))
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func doRequest(addr, path string) bool {
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		return false
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(2 * time.Second))
	req := fmt.Sprintf("GET %s HTTP/1.1\r\nHost: %s\r\nUser-Agent: sylar-httpclient\r\nConnection: close\r\n\r\n", path, addr)
	if _, err := conn.Write([]byte(req)); err != nil {
		return false
	}

	buf := make([]byte, 4096)
	n, err := conn.Read(buf)
	return err == nil && n > 0
}
