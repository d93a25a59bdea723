package dispatch_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"covenant/internal/design"
	"covenant/internal/dispatch"
	"covenant/internal/domain"
)

type funcSession func(ctx context.Context, wc dispatch.WorkContext) (domain.WorkerOutput, error)

func (f funcSession) Execute(ctx context.Context, wc dispatch.WorkContext) (domain.WorkerOutput, error) {
	return f(ctx, wc)
}

func contract(id string, group int, deps ...string) domain.TaskContract {
	return domain.TaskContract{ID: id, Subsystem: id, ParallelGroup: group, DependsOn: deps}
}

func TestRunRespectsConcurrencyLimit(t *testing.T) {
	var mu sync.Mutex
	inFlight, peak := 0, 0
	session := funcSession(func(ctx context.Context, wc dispatch.WorkContext) (domain.WorkerOutput, error) {
		mu.Lock()
		inFlight++
		if inFlight > peak {
			peak = inFlight
		}
		mu.Unlock()
		time.Sleep(10 * time.Millisecond)
		mu.Lock()
		inFlight--
		mu.Unlock()
		return domain.WorkerOutput{ContractID: wc.Contract.ID}, nil
	})

	contracts := []domain.TaskContract{
		contract("a", 0), contract("b", 0), contract("c", 0), contract("d", 0), contract("e", 0),
	}
	d := dispatch.Dispatcher{Session: session, ConcurrencyLimit: 2}
	handled := 0
	err := d.Run(context.Background(), contracts, map[string]design.Slice{}, nil, func(ctx context.Context, c domain.TaskContract, out domain.WorkerOutput, execErr error) (bool, error) {
		if execErr != nil {
			t.Fatalf("unexpected exec error: %v", execErr)
		}
		handled++
		return true, nil
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if handled != 5 {
		t.Fatalf("expected 5 handled, got %d", handled)
	}
	if peak > 2 {
		t.Fatalf("concurrency limit exceeded: peak %d", peak)
	}
}

func TestRunSkipsWhenDependencyNotAccepted(t *testing.T) {
	session := funcSession(func(ctx context.Context, wc dispatch.WorkContext) (domain.WorkerOutput, error) {
		return domain.WorkerOutput{ContractID: wc.Contract.ID}, nil
	})
	contracts := []domain.TaskContract{
		contract("a", 0),
		contract("b", 1, "a"),
	}
	d := dispatch.Dispatcher{Session: session, ConcurrencyLimit: 1}
	var skipped error
	err := d.Run(context.Background(), contracts, map[string]design.Slice{}, nil, func(ctx context.Context, c domain.TaskContract, out domain.WorkerOutput, execErr error) (bool, error) {
		if c.ID == "a" {
			// review rejects the dependency
			return false, nil
		}
		skipped = execErr
		return false, nil
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !errors.Is(skipped, dispatch.ErrDependencyUnmet) {
		t.Fatalf("expected ErrDependencyUnmet for b, got %v", skipped)
	}
}

func TestRunSeedsAcceptedFromEarlierRun(t *testing.T) {
	calls := map[string]int{}
	var mu sync.Mutex
	session := funcSession(func(ctx context.Context, wc dispatch.WorkContext) (domain.WorkerOutput, error) {
		mu.Lock()
		calls[wc.Contract.ID]++
		mu.Unlock()
		return domain.WorkerOutput{ContractID: wc.Contract.ID}, nil
	})
	contracts := []domain.TaskContract{contract("b", 1, "a")}
	d := dispatch.Dispatcher{Session: session, ConcurrencyLimit: 1}
	err := d.Run(context.Background(), contracts, map[string]design.Slice{}, map[string]bool{"a": true}, func(ctx context.Context, c domain.TaskContract, out domain.WorkerOutput, execErr error) (bool, error) {
		if execErr != nil {
			t.Fatalf("dependency should be satisfied by seed: %v", execErr)
		}
		return true, nil
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if calls["b"] != 1 {
		t.Fatalf("expected b executed once, got %d", calls["b"])
	}
}

func TestExecuteRetriesTimeoutsOnly(t *testing.T) {
	attempts := 0
	session := funcSession(func(ctx context.Context, wc dispatch.WorkContext) (domain.WorkerOutput, error) {
		attempts++
		if attempts == 1 {
			return domain.WorkerOutput{}, context.DeadlineExceeded
		}
		return domain.WorkerOutput{ContractID: wc.Contract.ID}, nil
	})
	d := dispatch.Dispatcher{Session: session, RetryBound: 2, WorkerTimeout: time.Second}
	out, err := d.Execute(context.Background(), dispatch.WorkContext{Contract: contract("a", 0)})
	if err != nil {
		t.Fatalf("expected retry to succeed: %v", err)
	}
	if out.ContractID != "a" || attempts != 2 {
		t.Fatalf("expected second attempt to produce output, attempts=%d", attempts)
	}

	attempts = 0
	failing := funcSession(func(ctx context.Context, wc dispatch.WorkContext) (domain.WorkerOutput, error) {
		attempts++
		return domain.WorkerOutput{}, errors.New("boom")
	})
	d = dispatch.Dispatcher{Session: failing, RetryBound: 2, WorkerTimeout: time.Second}
	if _, err := d.Execute(context.Background(), dispatch.WorkContext{Contract: contract("a", 0)}); err == nil {
		t.Fatalf("expected worker error")
	}
	if attempts != 1 {
		t.Fatalf("worker failures must not be retried, attempts=%d", attempts)
	}
}

func TestExecuteExhaustsRetryBound(t *testing.T) {
	attempts := 0
	session := funcSession(func(ctx context.Context, wc dispatch.WorkContext) (domain.WorkerOutput, error) {
		attempts++
		return domain.WorkerOutput{}, context.DeadlineExceeded
	})
	d := dispatch.Dispatcher{Session: session, RetryBound: 1, WorkerTimeout: time.Second}
	_, err := d.Execute(context.Background(), dispatch.WorkContext{Contract: contract("a", 0)})
	if !errors.Is(err, dispatch.ErrWorkerTimeout) {
		t.Fatalf("expected ErrWorkerTimeout, got %v", err)
	}
	if attempts != 2 {
		t.Fatalf("expected initial attempt plus one retry, got %d", attempts)
	}
}
