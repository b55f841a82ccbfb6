package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand/v2"
	"os"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/angariumd/gridq/internal/client"
	"github.com/angariumd/gridq/internal/models"
)

var (
	serverAddr    string
	concurrency   int
	jobsPerWorker int
	script        string
	timeoutSecs   int
	ratePerSec    float64
	legacy        bool
)

func init() {
	flag.StringVar(&serverAddr, "addr", "localhost:8080", "Controller job address")
	flag.IntVar(&concurrency, "c", 10, "Number of concurrent submitters")
	flag.IntVar(&jobsPerWorker, "n", 10, "Jobs per submitter")
	flag.StringVar(&script, "script", "echo load", "Script to submit")
	flag.IntVar(&timeoutSecs, "timeout", models.DefaultTimeoutSeconds, "Job timeout in seconds")
	flag.Float64Var(&ratePerSec, "rate", 0, "Total submissions per second across submitters (0 = unlimited)")
	flag.BoolVar(&legacy, "legacy", false, "Use the short JOB:<script> form")
}

// Stats
var (
	successCount int64
	failCount    int64
	latMu        sync.Mutex
	latencies    []time.Duration
)

func main() {
	flag.Parse()

	totalJobs := concurrency * jobsPerWorker
	fmt.Printf("Starting load test: %d submitters, %d jobs each (%d total)\n", concurrency, jobsPerWorker, totalJobs)
	fmt.Printf("Target: %s\n", serverAddr)

	var limiter *rate.Limiter
	if ratePerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(ratePerSec), 1)
	}

	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			submitter(id, limiter)
		}(i)
	}
	wg.Wait()
	duration := time.Since(start)

	ok := atomic.LoadInt64(&successCount)
	failed := atomic.LoadInt64(&failCount)
	fmt.Printf("\n--- Results (%d total) ---\n", totalJobs)
	fmt.Printf("Duration: %v (%.2f ops/sec)\n", duration, float64(ok)/duration.Seconds())
	if len(latencies) > 0 {
		slices.Sort(latencies)
		fmt.Printf("Latency:  p50=%v p95=%v p99=%v max=%v\n",
			percentile(latencies, 50), percentile(latencies, 95), percentile(latencies, 99), latencies[len(latencies)-1])
	}
	fmt.Printf("Status:   %d ok, %d failed\n", ok, failed)
	if failed > 0 {
		os.Exit(1)
	}
}

func submitter(id int, limiter *rate.Limiter) {
	ctx := context.Background()
	sub, err := client.DialSubmitter(ctx, serverAddr, 5*time.Second)
	if err != nil {
		fmt.Printf("submitter %d: %v\n", id, err)
		atomic.AddInt64(&failCount, int64(jobsPerWorker))
		return
	}
	defer sub.Close()

	for j := 0; j < jobsPerWorker; j++ {
		if limiter != nil {
			limiter.Wait(ctx)
		}
		draft := models.JobDraft{
			Script:         script,
			Priority:       rand.IntN(models.MaxPriority) + models.MinPriority,
			TimeoutSeconds: timeoutSecs,
		}

		start := time.Now()
		if legacy {
			_, err = sub.SubmitLegacy(draft.Script)
		} else {
			_, err = sub.Submit(draft)
		}
		lat := time.Since(start)

		if err != nil {
			atomic.AddInt64(&failCount, 1)
			if client.IsClosed(err) {
				fmt.Printf("submitter %d: controller is shutting down\n", id)
				atomic.AddInt64(&failCount, int64(jobsPerWorker-j-1))
				return
			}
			continue
		}
		atomic.AddInt64(&successCount, 1)
		latMu.Lock()
		latencies = append(latencies, lat)
		latMu.Unlock()
	}
}

func percentile(sorted []time.Duration, p int) time.Duration {
	i := (len(sorted)*p + 99) / 100
	if i > 0 {
		i--
	}
	return sorted[min(i, len(sorted)-1)]
}
