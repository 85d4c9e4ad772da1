// Command loadtest hammers a running gateway's JSON-RPC API and reports
// latency percentiles. All workers share one connection, so it also
// exercises response demultiplexing under contention.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/luminarimud/i3-gateway/pkg/client"
)

// LoadTestConfig holds load test parameters
type LoadTestConfig struct {
	Addr           string
	APIKey         string
	Method         string
	NumCalls       int
	Concurrency    int
	ReportInterval time.Duration
}

// LoadTestStats tracks test metrics
type LoadTestStats struct {
	TotalCalls          uint64
	Succeeded           uint64
	Failed              uint64
	TotalDuration       time.Duration
	AvgLatency          time.Duration
	MaxLatency          time.Duration
	MinLatency          time.Duration
	P95Latency          time.Duration
	P99Latency          time.Duration
	ThroughputPerSecond float64
}

func main() {
	addr := flag.String("addr", "localhost:8081", "gateway TCP API address")
	apiKey := flag.String("key", os.Getenv("I3_API_KEY"), "API key (default $I3_API_KEY)")
	method := flag.String("method", "ping", "method to call: ping, status, or mudlist")
	numCalls := flag.Int("calls", 10000, "number of calls to issue")
	concurrency := flag.Int("concurrency", 50, "number of concurrent workers")
	reportInterval := flag.Duration("report", 5*time.Second, "stats reporting interval")
	flag.Parse()

	config := LoadTestConfig{
		Addr:           *addr,
		APIKey:         *apiKey,
		Method:         *method,
		NumCalls:       *numCalls,
		Concurrency:    *concurrency,
		ReportInterval: *reportInterval,
	}

	slog.Info("🚀 Starting gateway API load test")
	slog.Info("Target", "addr", config.Addr, "method", config.Method)
	slog.Info("Plan", "calls", config.NumCalls, "concurrency", config.Concurrency)

	stats, err := runLoadTest(config)
	if err != nil {
		slog.Error("load test aborted", "error", err)
		os.Exit(1)
	}
	printResults(stats)
}

func runLoadTest(config LoadTestConfig) (*LoadTestStats, error) {
	c := client.New(client.Config{Addr: config.Addr, APIKey: config.APIKey})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	defer c.Close()

	call := callFunc(c, config.Method)

	stats := &LoadTestStats{
		MinLatency: time.Hour, // shrinks to the first sample
	}
	var latencies []time.Duration
	var latenciesMu sync.Mutex

	callChan := make(chan int, config.NumCalls)
	var wg sync.WaitGroup

	go reportStats(ctx, stats, config.ReportInterval)

	startTime := time.Now()
	for i := 0; i < config.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range callChan {
				start := time.Now()
				err := call(ctx)
				latency := time.Since(start)

				atomic.AddUint64(&stats.TotalCalls, 1)
				if err != nil {
					atomic.AddUint64(&stats.Failed, 1)
				} else {
					atomic.AddUint64(&stats.Succeeded, 1)
				}

				latenciesMu.Lock()
				latencies = append(latencies, latency)
				if latency > stats.MaxLatency {
					stats.MaxLatency = latency
				}
				if latency < stats.MinLatency {
					stats.MinLatency = latency
				}
				latenciesMu.Unlock()
			}
		}()
	}

	for i := 0; i < config.NumCalls; i++ {
		callChan <- i
	}
	close(callChan)

	wg.Wait()
	totalDuration := time.Since(startTime)

	stats.TotalDuration = totalDuration
	stats.ThroughputPerSecond = float64(stats.TotalCalls) / totalDuration.Seconds()

	latenciesMu.Lock()
	if len(latencies) > 0 {
		stats.AvgLatency = calculateAverage(latencies)
		stats.P95Latency = calculatePercentile(latencies, 95)
		stats.P99Latency = calculatePercentile(latencies, 99)
	}
	latenciesMu.Unlock()

	return stats, nil
}

// callFunc picks the workload. Ping works with the router link down, so
// it is the default; status and mudlist add marshaling weight.
func callFunc(c *client.Client, method string) func(context.Context) error {
	switch method {
	case "status":
		return func(ctx context.Context) error {
			_, err := c.Status(ctx)
			return err
		}
	case "mudlist":
		return func(ctx context.Context) error {
			_, err := c.Mudlist(ctx, false, "")
			return err
		}
	default:
		return c.Ping
	}
}

func reportStats(ctx context.Context, stats *LoadTestStats, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			total := atomic.LoadUint64(&stats.TotalCalls)
			ok := atomic.LoadUint64(&stats.Succeeded)
			failed := atomic.LoadUint64(&stats.Failed)
			slog.Info("progress", "calls", total, "ok", ok, "failed", failed)
		case <-ctx.Done():
			return
		}
	}
}

func printResults(stats *LoadTestStats) {
	separator := "================================================================================"
	divider := "--------------------------------------------------------------------------------"

	fmt.Println("\n" + separator)
	fmt.Println("📊 LOAD TEST RESULTS")
	fmt.Println(separator)
	fmt.Printf("Total Calls:            %d\n", stats.TotalCalls)
	fmt.Printf("Succeeded:              %d (%.2f%%)\n",
		stats.Succeeded,
		float64(stats.Succeeded)/float64(stats.TotalCalls)*100)
	fmt.Printf("Failed:                 %d (%.2f%%)\n",
		stats.Failed,
		float64(stats.Failed)/float64(stats.TotalCalls)*100)
	fmt.Println(divider)
	fmt.Printf("Total Duration:         %v\n", stats.TotalDuration)
	fmt.Printf("Throughput:             %.2f calls/sec\n", stats.ThroughputPerSecond)
	fmt.Println(divider)
	fmt.Printf("Latency (min):          %v\n", stats.MinLatency)
	fmt.Printf("Latency (avg):          %v\n", stats.AvgLatency)
	fmt.Printf("Latency (p95):          %v\n", stats.P95Latency)
	fmt.Printf("Latency (p99):          %v\n", stats.P99Latency)
	fmt.Printf("Latency (max):          %v\n", stats.MaxLatency)
	fmt.Println(separator)

	if stats.ThroughputPerSecond >= 1000 {
		fmt.Println("✅ PASS: Throughput meets target (>1000 calls/sec)")
	} else {
		fmt.Println("❌ FAIL: Throughput below target (<1000 calls/sec)")
	}

	if stats.P95Latency < 20*time.Millisecond {
		fmt.Println("✅ PASS: P95 latency meets target (<20ms)")
	} else {
		fmt.Println("⚠️  WARN: P95 latency above target (>20ms)")
	}

	successRate := float64(stats.Succeeded) / float64(stats.TotalCalls) * 100
	if successRate >= 99 {
		fmt.Println("✅ PASS: Success rate meets target (>99%)")
	} else {
		fmt.Println("❌ FAIL: Success rate below target (<99%)")
	}
	fmt.Println(separator + "\n")
}

func calculateAverage(latencies []time.Duration) time.Duration {
	if len(latencies) == 0 {
		return 0
	}

	var total time.Duration
	for _, l := range latencies {
		total += l
	}

	return total / time.Duration(len(latencies))
}

func calculatePercentile(latencies []time.Duration, percentile int) time.Duration {
	if len(latencies) == 0 {
		return 0
	}

	sorted := make([]time.Duration, len(latencies))
	copy(sorted, latencies)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	idx := int(float64(len(sorted)) * float64(percentile) / 100.0)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}

	return sorted[idx]
}
