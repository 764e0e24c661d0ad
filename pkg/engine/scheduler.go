package engine

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"
)

// DefaultMaxParallel bounds the number of concurrent continuation steps in a fan-out.
const DefaultMaxParallel = 10

// FanOut runs fn for every item on a bounded worker pool and waits for all of
// them. It is the barrier used by composite operations: it returns only once
// every item has been processed, and reports the first error encountered.
func FanOut[T any](ctx context.Context, maxParallel int, items []T, fn func(ctx context.Context, item T) error) error {
	if len(items) == 0 {
		return nil
	}

	workerCount := maxParallel
	if workerCount <= 0 {
		workerCount = DefaultMaxParallel
	}
	if len(items) < workerCount {
		workerCount = len(items)
	}

	workQueue := make(chan T, len(items))
	for _, item := range items {
		workQueue <- item
	}
	close(workQueue)

	var wg sync.WaitGroup
	errChan := make(chan error, len(items))

	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			for item := range workQueue {
				select {
				case <-ctx.Done():
					errChan <- ctx.Err()
					return
				default:
				}

				if err := fn(ctx, item); err != nil {
					errChan <- err
				}
			}
		}()
	}

	wg.Wait()
	close(errChan)

	var firstErr error
	for err := range errChan {
		if firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Backoff calculates exponential backoff with jitter for the given attempt.
func Backoff(attempt int, err error) time.Duration {
	baseDelay := 1 * time.Second

	if IsThrottled(err) {
		baseDelay = 5 * time.Second
	} else if IsConflict(err) {
		baseDelay = 2 * time.Second
	}

	delay := baseDelay * time.Duration(math.Pow(2, float64(attempt)))
	if delay > time.Minute || delay <= 0 {
		delay = time.Minute
	}

	jitter := time.Duration(float64(delay) * 0.25)
	return delay + jitter/2
}

// DefaultConflictRetries is the number of refetch-and-retry rounds for versioned writes.
const DefaultConflictRetries = 5

// RetryOnConflict runs fn until it succeeds or fails with something other than
// a conflict. fn must refetch whatever it mutates on every call.
func RetryOnConflict(ctx context.Context, attempts int, fn func(ctx context.Context) error) error {
	if attempts <= 0 {
		attempts = DefaultConflictRetries
	}

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if err = fn(ctx); err == nil || !IsConflict(err) {
			return err
		}

		// Linear pause between attempts.
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 10 * time.Millisecond):
		}
	}
	return fmt.Errorf("failed after %d conflicting updates: %w", attempts, err)
}
