// Package batch verifies many presentations under a bounded concurrency limit.
package batch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/pilacorp/go-credential-verifier/metrics"
	"github.com/pilacorp/go-credential-verifier/verifier"
	"github.com/pilacorp/go-credential-verifier/verifyerr"
)

const DefaultConcurrency = 4

// Verifier is the single-request verification the coordinator fans out to.
// *verifier.Engine satisfies it.
type Verifier interface {
	Verify(ctx context.Context, req verifier.Request) (*verifier.Result, error)
}

// Item is the outcome of one request. Err is set when the verification could
// not produce a result: a fatal engine error, a panic, or the batch timing out
// before the item finished.
type Item struct {
	Result *verifier.Result
	Err    error
}

// Success reports whether the item produced a valid verification.
func (i Item) Success() bool {
	return i.Err == nil && i.Result != nil && i.Result.IsValid
}

// Result is the outcome of a batch. Items follow the input order.
type Result struct {
	BatchID      string
	Items        []Item
	SuccessCount int
	FailureCount int
	TotalTime    time.Duration
	AverageTime  time.Duration
}

type Option func(*Coordinator)

func WithClock(clk clock.Clock) Option {
	return func(c *Coordinator) {
		if clk != nil {
			c.clock = clk
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) {
		c.metrics = m
	}
}

// Coordinator runs batches through a Verifier.
type Coordinator struct {
	verifier Verifier
	clock    clock.Clock
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// New creates a Coordinator over v.
func New(v Verifier, opts ...Option) (*Coordinator, error) {
	if v == nil {
		return nil, verifyerr.New(verifyerr.CodeInvalidConfig, "batch coordinator requires a verifier")
	}
	c := &Coordinator{
		verifier: v,
		clock:    clock.New(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type outcome struct {
	index int
	item  Item
}

// VerifyBatch verifies reqs with at most concurrency requests in flight.
// A non-positive concurrency uses DefaultConcurrency. When timeout is positive
// and elapses first, items still pending are reported as timeout failures and
// finished items are kept.
func (c *Coordinator) VerifyBatch(ctx context.Context, reqs []verifier.Request, concurrency int, timeout time.Duration) *Result {
	start := c.clock.Now()
	res := &Result{BatchID: uuid.NewString(), Items: make([]Item, len(reqs))}
	if len(reqs) == 0 {
		return res
	}
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	if concurrency > len(reqs) {
		concurrency = len(reqs)
	}

	var (
		batchCtx context.Context
		cancel   context.CancelFunc
	)
	if timeout > 0 {
		batchCtx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		batchCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	// buffered so workers never block on a collector that has given up
	results := make(chan outcome, len(reqs))
	sem := semaphore.NewWeighted(int64(concurrency))

	go func() {
		for i := range reqs {
			if err := sem.Acquire(batchCtx, 1); err != nil {
				return
			}
			go func(i int) {
				defer sem.Release(1)
				c.metrics.AddBatchInFlight(1)
				defer c.metrics.AddBatchInFlight(-1)
				results <- outcome{index: i, item: c.verifyOne(batchCtx, reqs[i])}
			}(i)
		}
	}()

	done := make([]bool, len(reqs))
	collected := 0
	accept := func(o outcome) {
		res.Items[o.index] = o.item
		done[o.index] = true
		collected++
	}
collect:
	for collected < len(reqs) {
		select {
		case o := <-results:
			accept(o)
		case <-batchCtx.Done():
			break collect
		}
	}
	// keep whatever finished alongside the deadline
	for drained := collected == len(reqs); !drained; {
		select {
		case o := <-results:
			accept(o)
		default:
			drained = true
		}
	}

	for i := range res.Items {
		if done[i] {
			continue
		}
		res.Items[i] = Item{Err: verifyerr.Wrap(batchCtx.Err(), verifyerr.CodeTimeout, "batch deadline elapsed before verification finished")}
	}

	for i, item := range res.Items {
		switch {
		case item.Success():
			res.SuccessCount++
			c.metrics.RecordBatchItem("success")
		case !done[i]:
			res.FailureCount++
			c.metrics.RecordBatchItem("timeout")
		default:
			res.FailureCount++
			c.metrics.RecordBatchItem("failure")
		}
	}

	res.TotalTime = c.clock.Since(start)
	res.AverageTime = res.TotalTime / time.Duration(len(reqs))
	c.metrics.ObserveBatch(res.TotalTime)

	c.logger.Info("batch_completed",
		"batch_id", res.BatchID,
		"items", len(reqs),
		"succeeded", res.SuccessCount,
		"failed", res.FailureCount,
		"timed_out", len(reqs)-collected,
		"duration_ms", res.TotalTime.Milliseconds(),
	)
	return res
}

// verifyOne isolates a single verification, turning a panic into an error.
func (c *Coordinator) verifyOne(ctx context.Context, req verifier.Request) (item Item) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("batch_item_panicked", "panic", fmt.Sprint(r))
			item = Item{Err: fmt.Errorf("verification panicked: %v", r)}
		}
	}()

	result, err := c.verifier.Verify(ctx, req)
	if err != nil {
		return Item{Err: fmt.Errorf("failed to verify presentation: %w", err)}
	}
	return Item{Result: result}
}

var _ Verifier = (*verifier.Engine)(nil)
