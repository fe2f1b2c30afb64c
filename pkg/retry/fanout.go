package retry

import (
	"context"
	"sync"
)

// Task is one unit of a fan-out call. Each task carries its own policy and
// retryability predicate; a nil predicate retries every failure.
type Task[T any] struct {
	Name      string
	Policy    Policy
	Retryable IsRetryableFunc
	Fn        Func[T]
}

// DoAll runs every task concurrently, applying the retry executor to each.
//
// Semantics are all-settled: DoAll waits for every task to finish (success or
// exhaustion) before returning. Results are ordered like the input tasks. If
// one or more tasks ultimately failed, the error of the lowest-index failure
// is returned alongside the full result slice; entries whose task failed hold
// the zero value.
func DoAll[T any](ctx context.Context, tasks []Task[T]) ([]T, error) {
	results, errs := DoAllSettled(ctx, tasks)
	for _, err := range errs {
		if err != nil {
			return results, err
		}
	}
	return results, nil
}

// DoAllSettled is DoAll with per-task error reporting: errs[i] holds the
// final error of tasks[i], nil on success.
func DoAllSettled[T any](ctx context.Context, tasks []Task[T]) (results []T, errs []error) {
	results = make([]T, len(tasks))
	errs = make([]error, len(tasks))

	var wg sync.WaitGroup
	for i, task := range tasks {
		wg.Add(1)
		go func(i int, t Task[T]) {
			defer wg.Done()
			results[i], errs[i] = DoWithRetryable(ctx, t.Policy, t.Name, t.Fn, t.Retryable)
		}(i, task)
	}
	wg.Wait()
	return results, errs
}
