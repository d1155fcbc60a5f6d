// Package benchmarks provides performance and load testing for the transfer
// engine, with a focus on connection reuse after refused upgrades
package benchmarks

import (
	"context"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/olekukonko/tablewriter"
	"golang.org/x/sync/errgroup"

	"github.com/ajitpratap0/xfer-go/pkg/conformance"
	"github.com/ajitpratap0/xfer-go/pkg/engine"
	xerrors "github.com/ajitpratap0/xfer-go/pkg/errors"
	"github.com/ajitpratap0/xfer-go/pkg/logging"
)

// Operation names
const (
	OpRefusedUpgrade = "ws-refused"
	OpPlain          = "http"
)

// LoadTestConfig configures load testing parameters
type LoadTestConfig struct {
	// Number of concurrent workers, each with its own request handle and pool
	Workers int

	// Number of transfers per worker (0 = until Duration expires)
	TransfersPerWorker int

	// Transfer rate limit across all workers (per second, 0 = unlimited)
	RateLimit int

	// Test duration (0 = run until all transfers complete)
	Duration time.Duration

	// Ramp up period for gradual load increase
	RampUpTime time.Duration

	// Mix of operations to perform
	OperationMix OperationMix

	// Endpoint is the host:port of the server under test
	Endpoint string

	// ForbidReuse closes every connection after its transfer
	ForbidReuse bool

	// Reporting interval (0 = no progress reports)
	ReportInterval time.Duration

	Logger logging.Logger
}

// OperationMix defines the distribution of different operations
type OperationMix struct {
	RefusedUpgrade float64 // Share of refused ws:// upgrades
	Plain          float64 // Share of plain http:// requests
}

// LoadTestResult contains the results of a load test
type LoadTestResult struct {
	TotalTransfers      int64
	SuccessfulTransfers int64
	FailedTransfers     int64
	TotalDuration       time.Duration

	// Connections opened and transfers that ran on a pooled connection
	ConnectionsOpened int64
	ReusedTransfers   int64

	// Latency statistics
	MinLatency time.Duration
	MaxLatency time.Duration
	AvgLatency time.Duration
	P50Latency time.Duration
	P90Latency time.Duration
	P95Latency time.Duration
	P99Latency time.Duration

	// Throughput
	TransfersPerSecond float64

	// Error breakdown by result name
	ErrorCounts map[string]int64

	// Operation-specific metrics
	OperationMetrics map[string]*OperationMetrics
}

// ReuseRatio is the share of transfers that did not open a connection
func (r *LoadTestResult) ReuseRatio() float64 {
	if r.TotalTransfers == 0 {
		return 0
	}
	return float64(r.ReusedTransfers) / float64(r.TotalTransfers)
}

// OperationMetrics tracks metrics for a specific operation type
type OperationMetrics struct {
	Count      int64
	Successful int64
	Failed     int64
	Reused     int64
	TotalTime  time.Duration
	MinTime    time.Duration
	MaxTime    time.Duration

	mu        sync.Mutex
	latencies []time.Duration
}

// LoadTester drives transfers against a server and collects statistics
type LoadTester struct {
	config LoadTestConfig
	log    logging.Logger

	// Metrics
	totalTransfers      atomic.Int64
	successfulTransfers atomic.Int64
	failedTransfers     atomic.Int64
	opened              atomic.Int64
	reused              atomic.Int64

	mu               sync.Mutex
	errorCounts      map[string]int64
	operationMetrics map[string]*OperationMetrics

	startTime time.Time
}

// NewLoadTester creates a new load tester
func NewLoadTester(config LoadTestConfig) *LoadTester {
	if config.Workers <= 0 {
		config.Workers = 1
	}
	if config.Logger == nil {
		config.Logger = logging.NewNop()
	}

	total := config.OperationMix.RefusedUpgrade + config.OperationMix.Plain
	if total <= 0 {
		config.OperationMix = OperationMix{RefusedUpgrade: 50, Plain: 50}
		total = 100
	}
	config.OperationMix.RefusedUpgrade /= total
	config.OperationMix.Plain /= total

	return &LoadTester{
		config:           config,
		log:              config.Logger.WithFields(logging.String("component", "loadtest")),
		errorCounts:      make(map[string]int64),
		operationMetrics: make(map[string]*OperationMetrics),
	}
}

// Run executes the load test. It stops when every worker finished its
// transfers, Duration expires or ctx is done.
func (lt *LoadTester) Run(ctx context.Context) (*LoadTestResult, error) {
	if _, _, err := net.SplitHostPort(lt.config.Endpoint); err != nil {
		return nil, fmt.Errorf("invalid endpoint %q: %w", lt.config.Endpoint, err)
	}
	if lt.config.TransfersPerWorker <= 0 && lt.config.Duration <= 0 {
		return nil, fmt.Errorf("either TransfersPerWorker or Duration must be set")
	}

	if lt.config.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, lt.config.Duration)
		defer cancel()
	}

	if err := engine.GlobalInit(engine.GlobalAll); err != nil {
		return nil, err
	}
	defer engine.GlobalCleanup()

	lt.startTime = time.Now()
	g, gctx := errgroup.WithContext(ctx)

	if lt.config.ReportInterval > 0 {
		stop := make(chan struct{})
		defer close(stop)
		go lt.reportProgress(stop)
	}

	rateLimiter := lt.createRateLimiter(gctx)

	for i := 0; i < lt.config.Workers; i++ {
		e, err := engine.NewEasy()
		if err != nil {
			_ = g.Wait()
			return nil, fmt.Errorf("failed to create request handle %d: %w", i, err)
		}
		g.Go(func() error {
			defer e.Close()
			return lt.runWorker(gctx, e, rateLimiter)
		})

		if lt.config.RampUpTime > 0 && i < lt.config.Workers-1 {
			select {
			case <-time.After(lt.config.RampUpTime / time.Duration(lt.config.Workers-1)):
			case <-gctx.Done():
			}
		}
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return lt.calculateResults(), nil
}

// runWorker runs one worker's transfers on a single handle so its pool
// can reuse connections between them
func (lt *LoadTester) runWorker(ctx context.Context, e *engine.Easy, rateLimiter <-chan struct{}) error {
	if err := e.Setopt(engine.OptForbidReuse, lt.config.ForbidReuse); err != nil {
		return err
	}

	for n := 0; lt.config.TransfersPerWorker <= 0 || n < lt.config.TransfersPerWorker; n++ {
		if rateLimiter != nil {
			select {
			case <-rateLimiter:
			case <-ctx.Done():
				return nil
			}
		}
		if ctx.Err() != nil {
			return nil
		}
		if err := lt.executeOperation(ctx, e, lt.selectOperation()); err != nil {
			return err
		}
	}
	return nil
}

// selectOperation chooses an operation based on the configured mix
func (lt *LoadTester) selectOperation() string {
	if rand.Float64() < lt.config.OperationMix.RefusedUpgrade {
		return OpRefusedUpgrade
	}
	return OpPlain
}

// executeOperation performs a single transfer and records metrics. Only
// option errors are returned; transfer failures are counted.
func (lt *LoadTester) executeOperation(ctx context.Context, e *engine.Easy, operation string) error {
	url := "http://" + lt.config.Endpoint + conformance.HTTPPath
	var ws engine.WSOption
	if operation == OpRefusedUpgrade {
		url = "ws://" + lt.config.Endpoint + conformance.WSPath
		ws = engine.WSUpgradeRefusedOK
	}
	if err := e.Setopt(engine.OptURL, url); err != nil {
		return err
	}
	if err := e.Setopt(engine.OptWSOptions, ws); err != nil {
		return err
	}

	start := time.Now()
	err := e.Perform(ctx)
	duration := time.Since(start)

	// a transfer cut short by the end of the run is not a failure
	if err != nil && ctx.Err() != nil {
		return nil
	}

	var connects int
	if v, infoErr := e.GetInfo(engine.InfoNumConnects); infoErr == nil {
		connects, _ = v.(int)
	}
	reused := err == nil && connects == 0

	lt.totalTransfers.Add(1)
	lt.opened.Add(int64(connects))
	if reused {
		lt.reused.Add(1)
	}
	if err != nil {
		lt.failedTransfers.Add(1)
		lt.recordError(err)
	} else {
		lt.successfulTransfers.Add(1)
	}

	lt.getOperationMetrics(operation).recordOperation(duration, reused, err)
	return nil
}

// getOperationMetrics returns metrics for a specific operation
func (lt *LoadTester) getOperationMetrics(operation string) *OperationMetrics {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	m, ok := lt.operationMetrics[operation]
	if !ok {
		m = &OperationMetrics{}
		lt.operationMetrics[operation] = m
	}
	return m
}

// recordOperation records a single operation's metrics
func (m *OperationMetrics) recordOperation(duration time.Duration, reused bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Count++
	m.TotalTime += duration

	if err != nil {
		m.Failed++
	} else {
		m.Successful++
	}
	if reused {
		m.Reused++
	}

	if m.MinTime == 0 || duration < m.MinTime {
		m.MinTime = duration
	}
	if duration > m.MaxTime {
		m.MaxTime = duration
	}

	m.latencies = append(m.latencies, duration)
}

// recordError counts err under its result name
func (lt *LoadTester) recordError(err error) {
	name := xerrors.ResultOf(err).String()
	lt.mu.Lock()
	lt.errorCounts[name]++
	lt.mu.Unlock()
}

// createRateLimiter creates a rate limiter channel
func (lt *LoadTester) createRateLimiter(ctx context.Context) <-chan struct{} {
	if lt.config.RateLimit <= 0 {
		return nil
	}

	ch := make(chan struct{})
	go func() {
		ticker := time.NewTicker(time.Second / time.Duration(lt.config.RateLimit))
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				select {
				case ch <- struct{}{}:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch
}

// reportProgress periodically reports test progress
func (lt *LoadTester) reportProgress(stop <-chan struct{}) {
	ticker := time.NewTicker(lt.config.ReportInterval)
	defer ticker.Stop()

	lastTransfers := int64(0)
	lastTime := time.Now()

	for {
		select {
		case <-ticker.C:
			current := lt.totalTransfers.Load()
			now := time.Now()
			rate := float64(current-lastTransfers) / now.Sub(lastTime).Seconds()

			lt.log.Info(fmt.Sprintf("Progress: %d transfers (%.1f/s)", current, rate),
				logging.Any("successful", lt.successfulTransfers.Load()),
				logging.Any("failed", lt.failedTransfers.Load()),
				logging.Any("reused", lt.reused.Load()))

			lastTransfers = current
			lastTime = now

		case <-stop:
			return
		}
	}
}

// calculateResults computes the final test results
func (lt *LoadTester) calculateResults() *LoadTestResult {
	duration := time.Since(lt.startTime)

	result := &LoadTestResult{
		TotalTransfers:      lt.totalTransfers.Load(),
		SuccessfulTransfers: lt.successfulTransfers.Load(),
		FailedTransfers:     lt.failedTransfers.Load(),
		ConnectionsOpened:   lt.opened.Load(),
		ReusedTransfers:     lt.reused.Load(),
		TotalDuration:       duration,
		ErrorCounts:         make(map[string]int64),
		OperationMetrics:    make(map[string]*OperationMetrics),
	}
	if duration > 0 {
		result.TransfersPerSecond = float64(result.TotalTransfers) / duration.Seconds()
	}

	lt.mu.Lock()
	for name, count := range lt.errorCounts {
		result.ErrorCounts[name] = count
	}
	var all []time.Duration
	for op, m := range lt.operationMetrics {
		result.OperationMetrics[op] = m
		all = append(all, m.latencies...)
	}
	lt.mu.Unlock()

	if len(all) > 0 {
		slices.Sort(all)
		result.MinLatency = all[0]
		result.MaxLatency = all[len(all)-1]
		result.AvgLatency = avgDuration(all)
		result.P50Latency = percentileDuration(all, 50)
		result.P90Latency = percentileDuration(all, 90)
		result.P95Latency = percentileDuration(all, 95)
		result.P99Latency = percentileDuration(all, 99)
	}

	return result
}

func avgDuration(durations []time.Duration) time.Duration {
	var sum time.Duration
	for _, d := range durations {
		sum += d
	}
	return sum / time.Duration(len(durations))
}

func percentileDuration(sortedDurations []time.Duration, percentile float64) time.Duration {
	index := int(math.Ceil(float64(len(sortedDurations))*percentile/100.0)) - 1
	if index < 0 {
		index = 0
	}
	if index >= len(sortedDurations) {
		index = len(sortedDurations) - 1
	}
	return sortedDurations[index]
}

func ms(d time.Duration) string {
	return fmt.Sprintf("%.2f", float64(d)/float64(time.Millisecond))
}

// WriteResults renders the results as tables
func (r *LoadTestResult) WriteResults(w io.Writer) {
	summary := tablewriter.NewWriter(w)
	summary.SetHeader([]string{"Transfers", "OK", "Failed", "Per sec", "New conns", "Reuse"})
	summary.Append([]string{
		fmt.Sprint(r.TotalTransfers),
		fmt.Sprint(r.SuccessfulTransfers),
		fmt.Sprint(r.FailedTransfers),
		fmt.Sprintf("%.1f", r.TransfersPerSecond),
		fmt.Sprint(r.ConnectionsOpened),
		fmt.Sprintf("%.1f%%", r.ReuseRatio()*100),
	})
	summary.Render()

	latency := tablewriter.NewWriter(w)
	latency.SetHeader([]string{"Min", "Avg", "P50", "P90", "P95", "P99", "Max"})
	latency.Append([]string{
		ms(r.MinLatency), ms(r.AvgLatency), ms(r.P50Latency), ms(r.P90Latency),
		ms(r.P95Latency), ms(r.P99Latency), ms(r.MaxLatency),
	})
	latency.Render()

	if len(r.OperationMetrics) > 0 {
		ops := tablewriter.NewWriter(w)
		ops.SetHeader([]string{"Operation", "Count", "Failed", "Reused", "Avg ms"})
		names := make([]string, 0, len(r.OperationMetrics))
		for op := range r.OperationMetrics {
			names = append(names, op)
		}
		slices.Sort(names)
		for _, op := range names {
			m := r.OperationMetrics[op]
			avg := time.Duration(0)
			if m.Count > 0 {
				avg = m.TotalTime / time.Duration(m.Count)
			}
			ops.Append([]string{op, fmt.Sprint(m.Count), fmt.Sprint(m.Failed), fmt.Sprint(m.Reused), ms(avg)})
		}
		ops.Render()
	}

	if len(r.ErrorCounts) > 0 {
		errs := tablewriter.NewWriter(w)
		errs.SetHeader([]string{"Error", "Count"})
		for name, count := range r.ErrorCounts {
			errs.Append([]string{name, fmt.Sprint(count)})
		}
		errs.Render()
	}
}
