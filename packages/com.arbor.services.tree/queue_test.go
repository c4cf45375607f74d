package tree

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestQueue_SerializesSameNode(t *testing.T) {
	q := NewQueue(nil)
	ctx := context.Background()

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		i := i
		wg.Add(1)
		q.Enqueue(ctx, "node-1", func(ctx context.Context) error {
			defer wg.Done()
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil
		})
	}
	wg.Wait()

	if len(order) != 50 {
		t.Fatalf("expected 50 executions, got %d", len(order))
	}
	for i, got := range order {
		if got != i {
			t.Fatalf("operations ran out of submission order at %d: %v", i, order[:i+1])
		}
	}
}

func TestQueue_ConcurrentKeysOnSameNode(t *testing.T) {
	store := NewMemoryStore()
	svc := New(store, NopAuditLog{}, nil, nil, Config{})
	ctx := context.Background()

	root := mustCreateRoot(t, svc, "root", map[string]float64{"a": 0, "b": 0})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			if err := svc.SetValue(ctx, root.ID, "a", 1, 0, "owner"); err != nil {
				t.Errorf("set a: %v", err)
			}
		}()
		go func() {
			defer wg.Done()
			if err := svc.SetValue(ctx, root.ID, "b", 2, 0, "owner"); err != nil {
				t.Errorf("set b: %v", err)
			}
		}()
	}
	wg.Wait()

	got, _ := svc.Get(ctx, root.ID)
	// Last-writer-wins per key, but the final state must be one of the
	// written values with the aggregate matching exactly.
	if got.Versions[0].Values["a"] != 1 || got.Versions[0].Values["b"] != 2 {
		t.Fatalf("unexpected values: %v", got.Versions[0].Values)
	}
	if got.GlobalValues["a"] != 1 || got.GlobalValues["b"] != 2 {
		t.Fatalf("aggregate diverged from values: %v", got.GlobalValues)
	}
}

func TestQueue_SharedAncestorConcurrency(t *testing.T) {
	store := NewMemoryStore()
	svc := New(store, NopAuditLog{}, nil, nil, Config{})
	ctx := context.Background()

	root := mustCreateRoot(t, svc, "root", nil)
	left := mustCreateChild(t, svc, root.ID, "left", map[string]float64{"a": 0})
	right := mustCreateChild(t, svc, root.ID, "right", map[string]float64{"a": 0})

	var wg sync.WaitGroup
	for i := 1; i <= 20; i++ {
		i := i
		wg.Add(2)
		go func() {
			defer wg.Done()
			if err := svc.SetValue(ctx, left.ID, "a", i, 0, "owner"); err != nil {
				t.Errorf("left: %v", err)
			}
		}()
		go func() {
			defer wg.Done()
			if err := svc.SetValue(ctx, right.ID, "a", i, 0, "owner"); err != nil {
				t.Errorf("right: %v", err)
			}
		}()
	}
	wg.Wait()

	// Whatever interleaving won, the root aggregate must equal the sum of
	// the children's final values.
	gotLeft, _ := svc.Get(ctx, left.ID)
	gotRight, _ := svc.Get(ctx, right.ID)
	gotRoot, _ := svc.Get(ctx, root.ID)
	want := gotLeft.Versions[0].Values["a"] + gotRight.Versions[0].Values["a"]
	if gotRoot.GlobalValues["a"] != want {
		t.Fatalf("root aggregate %v, want %v", gotRoot.GlobalValues["a"], want)
	}

	truth, err := svc.FullRecompute(ctx, root.ID)
	if err != nil {
		t.Fatalf("full recompute: %v", err)
	}
	if gotRoot.GlobalValues["a"] != truth["a"] {
		t.Fatalf("incremental aggregate %v diverged from ground truth %v", gotRoot.GlobalValues["a"], truth["a"])
	}
}

func TestQueue_WorkerTearsDown(t *testing.T) {
	q := NewQueue(nil)
	ctx := context.Background()

	if err := q.Do(ctx, "node-1", func(ctx context.Context) error { return nil }); err != nil {
		t.Fatalf("do: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for q.PendingNodes() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("worker did not tear down, %d pending", q.PendingNodes())
		}
		time.Sleep(time.Millisecond)
	}

	// A retired worker must not strand later submissions.
	if err := q.Do(ctx, "node-1", func(ctx context.Context) error { return nil }); err != nil {
		t.Fatalf("do after teardown: %v", err)
	}
}

func TestQueue_FailureDoesNotBlockChain(t *testing.T) {
	q := NewQueue(nil)
	ctx := context.Background()
	boom := errors.New("boom")

	first := q.Enqueue(ctx, "node-1", func(ctx context.Context) error { return boom })
	second := q.Enqueue(ctx, "node-1", func(ctx context.Context) error { return nil })

	if err := <-first; !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	select {
	case err := <-second:
		if err != nil {
			t.Fatalf("second op: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("failed operation blocked the chain")
	}
}

func TestQueue_PanicBecomesError(t *testing.T) {
	q := NewQueue(nil)
	ctx := context.Background()

	err := q.Do(ctx, "node-1", func(ctx context.Context) error { panic("bad") })
	if !IsConsistencyError(err) {
		t.Fatalf("expected consistency error from panic, got %v", err)
	}
	if err := q.Do(ctx, "node-1", func(ctx context.Context) error { return nil }); err != nil {
		t.Fatalf("chain should survive a panic: %v", err)
	}
}

func TestQueue_OperationOutlivesCaller(t *testing.T) {
	q := NewQueue(nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ran := make(chan struct{})
	err := q.Do(ctx, "node-1", func(ctx context.Context) error {
		defer close(ran)
		time.Sleep(50 * time.Millisecond)
		if ctx.Err() != nil {
			t.Errorf("enqueued operation saw cancellation: %v", ctx.Err())
		}
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("caller should observe its own cancellation, got %v", err)
	}
	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatalf("operation did not run to completion after caller gave up")
	}
}
