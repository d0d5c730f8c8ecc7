// Package main provides incremental load testing for the static server.
// It adds clients step by step and reports throughput, status codes and
// connections that were dropped without a response.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Config defines the configuration of an incremental load test.
type Config struct {
	URL            string
	RampUpInterval time.Duration // Time between adding new clients
	ClientsPerStep int           // Number of clients to add each step
	TestDuration   time.Duration // Total test duration
	RequestTimeout time.Duration // Request timeout
	RequestDelay   time.Duration // Delay between requests per client
}

// StepResult contains the results for a single step.
type StepResult struct {
	StepNumber        int
	ClientCount       int
	Requests          int64
	Dropped           int64
	RequestsPerSecond float64
}

// Result contains the results of an incremental load test.
type Result struct {
	TestDuration       time.Duration
	MaxClients         int
	TotalRequests      int64
	DroppedConnections int64
	StatusCodes        map[int]int64
	Steps              []StepResult
	MaxRPS             float64
}

// Runner manages the incremental load test.
type Runner struct {
	config Config
	client *http.Client

	requests atomic.Int64
	dropped  atomic.Int64

	mu          sync.Mutex
	statusCodes map[int]int64
}

// NewRunner creates a runner. Every request uses a fresh connection since
// the server closes after each response.
func NewRunner(config Config) *Runner {
	return &Runner{
		config: config,
		client: &http.Client{
			Timeout:   config.RequestTimeout,
			Transport: &http.Transport{DisableKeepAlives: true},
		},
		statusCodes: make(map[int]int64),
	}
}

// Run adds clients every RampUpInterval until TestDuration elapses.
func (r *Runner) Run(ctx context.Context) *Result {
	ctx, cancel := context.WithTimeout(ctx, r.config.TestDuration)
	defer cancel()

	var (
		wg      sync.WaitGroup
		clients int
		steps   []StepResult
		last    int64
		lastDrp int64
	)
	start := time.Now()
	ticker := time.NewTicker(r.config.RampUpInterval)
	defer ticker.Stop()

	for step := 1; ; step++ {
		for i := 0; i < r.config.ClientsPerStep; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				r.runClient(ctx)
			}()
		}
		clients += r.config.ClientsPerStep

		select {
		case <-ctx.Done():
			wg.Wait()
			return r.result(time.Since(start), clients, steps)
		case <-ticker.C:
		}

		total, drops := r.requests.Load(), r.dropped.Load()
		steps = append(steps, StepResult{
			StepNumber:        step,
			ClientCount:       clients,
			Requests:          total - last,
			Dropped:           drops - lastDrp,
			RequestsPerSecond: float64(total-last) / r.config.RampUpInterval.Seconds(),
		})
		last, lastDrp = total, drops
	}
}

func (r *Runner) runClient(ctx context.Context) {
	for ctx.Err() == nil {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.config.URL, nil)
		if err != nil {
			return
		}
		resp, err := r.client.Do(req)
		if ctx.Err() != nil {
			if resp != nil {
				resp.Body.Close()
			}
			return
		}
		r.requests.Add(1)
		if err != nil {
			r.dropped.Add(1)
		} else {
			_, _ = io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			r.mu.Lock()
			r.statusCodes[resp.StatusCode]++
			r.mu.Unlock()
		}
		time.Sleep(r.config.RequestDelay)
	}
}

func (r *Runner) result(took time.Duration, clients int, steps []StepResult) *Result {
	res := &Result{
		TestDuration:       took,
		MaxClients:         clients,
		TotalRequests:      r.requests.Load(),
		DroppedConnections: r.dropped.Load(),
		StatusCodes:        make(map[int]int64),
		Steps:              steps,
	}
	r.mu.Lock()
	for code, n := range r.statusCodes {
		res.StatusCodes[code] = n
	}
	r.mu.Unlock()
	for _, s := range steps {
		if s.RequestsPerSecond > res.MaxRPS {
			res.MaxRPS = s.RequestsPerSecond
		}
	}
	return res
}

// Print writes a human-readable report.
func (res *Result) Print(w io.Writer) {
	fmt.Fprintf(w, "\n=== Incremental Load Test Results ===\n")
	fmt.Fprintf(w, "Test Duration: %v\n", res.TestDuration)
	fmt.Fprintf(w, "Max Clients: %d\n", res.MaxClients)
	fmt.Fprintf(w, "Max RPS: %.0f\n", res.MaxRPS)
	fmt.Fprintf(w, "Total Requests: %d\n", res.TotalRequests)
	fmt.Fprintf(w, "Dropped Connections: %d\n", res.DroppedConnections)

	fmt.Fprintf(w, "\n=== Status Code Distribution ===\n")
	codes := make([]int, 0, len(res.StatusCodes))
	for code := range res.StatusCodes {
		codes = append(codes, code)
	}
	sort.Ints(codes)
	for _, code := range codes {
		n := res.StatusCodes[code]
		fmt.Fprintf(w, "  %d: %d (%.2f%%)\n", code, n, 100*float64(n)/float64(max(res.TotalRequests, 1)))
	}
}

// Failed reports whether any connection ended without a response.
func (res *Result) Failed() bool {
	return res.DroppedConnections > 0
}

func main() {
	var (
		url            = flag.String("url", "http://localhost:80/", "URL to request")
		rampUpInterval = flag.Duration("rampup", 25*time.Millisecond, "Time between adding new clients")
		clientsPerStep = flag.Int("clients", 1, "Number of clients to add each step")
		testDuration   = flag.Duration("duration", 30*time.Second, "Test duration")
		requestTimeout = flag.Duration("timeout", 3*time.Second, "Request timeout")
		requestDelay   = flag.Duration("delay", 2*time.Millisecond, "Delay between requests per client")
	)
	flag.Parse()

	if *rampUpInterval <= 0 || *clientsPerStep <= 0 {
		log.Fatal("rampup and clients must be positive")
	}

	runner := NewRunner(Config{
		URL:            *url,
		RampUpInterval: *rampUpInterval,
		ClientsPerStep: *clientsPerStep,
		TestDuration:   *testDuration,
		RequestTimeout: *requestTimeout,
		RequestDelay:   *requestDelay,
	})

	log.Printf("Load testing %s for %v", *url, *testDuration)
	res := runner.Run(context.Background())
	res.Print(os.Stdout)
	if res.Failed() {
		fmt.Printf("\nTEST FAILED: %d connections were dropped without a response\n", res.DroppedConnections)
		os.Exit(1)
	}
	fmt.Println("\nTEST PASSED: every request got a response")
}
