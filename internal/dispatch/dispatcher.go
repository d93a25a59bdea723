// Package dispatch runs task contracts against worker sessions. Independent
// contracts in the same parallel group run concurrently under a semaphore;
// groups run strictly in order. Workers see only their contract and slice.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"covenant/internal/design"
	"covenant/internal/domain"
)

var (
	ErrWorkerTimeout   = errors.New("worker session timed out")
	ErrWorkerError     = errors.New("worker session failed")
	ErrDependencyUnmet = errors.New("contract dependency not accepted")
)

// WorkContext is the full view a worker session receives: the contract and
// its design slice, nothing else.
type WorkContext struct {
	Contract     domain.TaskContract
	Slice        design.Slice
	Instructions string
	FromStep     int
}

// WorkerSession executes one contract-scoped unit of work.
type WorkerSession interface {
	Execute(ctx context.Context, wc WorkContext) (domain.WorkerOutput, error)
}

// Handler receives each completed execution in scheduling order within its
// group. Returning an error aborts the remaining groups.
type Handler func(ctx context.Context, contract domain.TaskContract, output domain.WorkerOutput, execErr error) (accepted bool, err error)

type Dispatcher struct {
	Session          WorkerSession
	ConcurrencyLimit int
	WorkerTimeout    time.Duration
	RetryBound       int
}

type result struct {
	contract domain.TaskContract
	output   domain.WorkerOutput
	err      error
}

// Run executes contracts group by group. A group only starts once every
// contract in the previous groups reached a terminal handler decision, and a
// contract is skipped with ErrDependencyUnmet when any of its dependencies
// was not accepted. done seeds the accepted set with contracts that cleared
// review in an earlier run.
func (d Dispatcher) Run(ctx context.Context, contracts []domain.TaskContract, slices map[string]design.Slice, done map[string]bool, handle Handler) error {
	limit := d.ConcurrencyLimit
	if limit < 1 {
		limit = 1
	}

	groups := map[int][]domain.TaskContract{}
	maxGroup := 0
	for _, c := range contracts {
		groups[c.ParallelGroup] = append(groups[c.ParallelGroup], c)
		if c.ParallelGroup > maxGroup {
			maxGroup = c.ParallelGroup
		}
	}

	accepted := map[string]bool{}
	for id := range done {
		accepted[id] = done[id]
	}
	for g := 0; g <= maxGroup; g++ {
		group := groups[g]
		if len(group) == 0 {
			continue
		}

		sem := make(chan struct{}, limit)
		results := make([]result, len(group))
		var wg sync.WaitGroup
		for i, c := range group {
			unmet := ""
			for _, dep := range c.DependsOn {
				if !accepted[dep] {
					unmet = dep
					break
				}
			}
			if unmet != "" {
				results[i] = result{contract: c, err: fmt.Errorf("%w: %s waits on %s", ErrDependencyUnmet, c.Subsystem, unmet)}
				continue
			}
			wg.Add(1)
			go func(i int, c domain.TaskContract) {
				defer wg.Done()
				sem <- struct{}{}
				defer func() { <-sem }()
				out, err := d.execute(ctx, WorkContext{
					Contract:     c,
					Slice:        slices[c.ID],
					Instructions: stringValue(c.Instructions),
				})
				results[i] = result{contract: c, output: out, err: err}
			}(i, c)
		}
		wg.Wait()

		for _, r := range results {
			ok, err := handle(ctx, r.contract, r.output, r.err)
			if err != nil {
				return err
			}
			if ok {
				accepted[r.contract.ID] = true
			}
		}
	}
	return nil
}

// Execute runs a single contract with the timeout and retry policy applied.
// Used directly for revision re-dispatch.
func (d Dispatcher) Execute(ctx context.Context, wc WorkContext) (domain.WorkerOutput, error) {
	return d.execute(ctx, wc)
}

func (d Dispatcher) execute(ctx context.Context, wc WorkContext) (domain.WorkerOutput, error) {
	attempts := d.RetryBound + 1
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		out, err := d.executeOnce(ctx, wc)
		if err == nil {
			return out, nil
		}
		lastErr = err
		// only timeouts are retried; worker failures go straight to review
		if !errors.Is(err, ErrWorkerTimeout) {
			return domain.WorkerOutput{}, err
		}
		if ctx.Err() != nil {
			return domain.WorkerOutput{}, ctx.Err()
		}
	}
	return domain.WorkerOutput{}, lastErr
}

func (d Dispatcher) executeOnce(ctx context.Context, wc WorkContext) (domain.WorkerOutput, error) {
	if d.WorkerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.WorkerTimeout)
		defer cancel()
	}
	out, err := d.Session.Execute(ctx, wc)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return domain.WorkerOutput{}, fmt.Errorf("%w: contract %s", ErrWorkerTimeout, wc.Contract.ID)
		}
		return domain.WorkerOutput{}, err
	}
	return out, nil
}

func stringValue(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
