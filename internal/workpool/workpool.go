// Package workpool fans independent items out to a fixed number of
// goroutines and collects every failure instead of stopping at the first.
package workpool

import (
	"context"
	"errors"
	"strings"
	"sync"
)

// TaskError accumulates the errors of one batch.
type TaskError struct {
	Errors []error
}

func (e *TaskError) Error() string {
	if len(e.Errors) == 0 {
		return "no errors"
	}
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}
	var b strings.Builder
	b.WriteString("multiple errors:")
	for _, err := range e.Errors {
		b.WriteString(" ")
		b.WriteString(err.Error())
		b.WriteString(";")
	}
	return b.String()
}

// Unwrap lets errors.Is/As see every collected error.
func (e *TaskError) Unwrap() []error { return e.Errors }

func (e *TaskError) append(err error) {
	if err == nil {
		return
	}
	e.Errors = append(e.Errors, err)
}

func (e *TaskError) asError() error {
	if len(e.Errors) == 0 {
		return nil
	}
	return e
}

// Run calls fn(i) for every i in [0, total) on at most workers goroutines.
// A cancelled context stops feeding new items and is returned as is;
// otherwise all item errors come back as one *TaskError.
func Run(ctx context.Context, workers, total int, fn func(ctx context.Context, idx int) error) error {
	if total == 0 {
		return nil
	}
	if workers <= 0 {
		workers = 4
	}
	if workers > total {
		workers = total
	}
	indexCh := make(chan int)
	errCh := make(chan error, total)
	var wg sync.WaitGroup

	worker := func() {
		defer wg.Done()
		for idx := range indexCh {
			if err := fn(ctx, idx); err != nil {
				errCh <- err
			}
		}
	}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go worker()
	}

	cancelled := false
Loop:
	for i := 0; i < total; i++ {
		if ctx.Err() != nil {
			cancelled = true
			break
		}
		select {
		case indexCh <- i:
		case <-ctx.Done():
			cancelled = true
			break Loop
		}
	}
	close(indexCh)
	wg.Wait()
	close(errCh)

	if cancelled {
		return ctx.Err()
	}
	var taskErr TaskError
	for err := range errCh {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		taskErr.append(err)
	}
	return taskErr.asError()
}
