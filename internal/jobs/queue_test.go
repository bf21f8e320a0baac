package jobs

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

type noopProcessor struct {
	count int32
	fail  bool
	block chan struct{}
}

func (p *noopProcessor) Process(ctx context.Context, item WorkItem) error {
	atomic.AddInt32(&p.count, 1)
	if p.block != nil {
		select {
		case <-p.block:
		case <-ctx.Done():
		}
	}
	if p.fail {
		return errors.New("fail")
	}
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestQueue_StartEnqueueShutdown(t *testing.T) {
	q := NewQueue(discardLogger(), 2, 1)
	p := &noopProcessor{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := q.Start(ctx, p); err != nil {
		t.Fatalf("queue start: %v", err)
	}

	var cleaned int32
	item := WorkItem{JobID: "id1", Kind: KindLidar, Cleanup: func() error {
		atomic.AddInt32(&cleaned, 1)
		return nil
	}}
	if err := q.Enqueue(item); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt32(&cleaned) < 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if atomic.LoadInt32(&p.count) != 1 {
		t.Fatalf("processor calls: got %d want 1", p.count)
	}
	if atomic.LoadInt32(&cleaned) != 1 {
		t.Fatalf("cleanup should run after processing")
	}

	q.Shutdown(2 * time.Second)
	if err := q.Enqueue(item); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("enqueue after shutdown: got %v want ErrQueueClosed", err)
	}
}

func TestQueue_EnqueueBeforeStartFails(t *testing.T) {
	q := NewQueue(discardLogger(), 1, 1)
	err := q.Enqueue(WorkItem{JobID: "x"})
	if !errors.Is(err, ErrQueueNotStarted) {
		t.Fatalf("enqueue before start: got %v want ErrQueueNotStarted", err)
	}
}

func TestQueue_FullRejectsWithoutBlocking(t *testing.T) {
	q := NewQueue(discardLogger(), 1, 1)
	p := &noopProcessor{block: make(chan struct{})}
	defer close(p.block)
	if err := q.Start(context.Background(), p); err != nil {
		t.Fatalf("queue start: %v", err)
	}
	defer q.Shutdown(time.Second)

	if err := q.Enqueue(WorkItem{JobID: "a"}); err != nil {
		t.Fatalf("enqueue a: %v", err)
	}
	// Wait until the single worker has taken "a" off the channel.
	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt32(&p.count) < 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if err := q.Enqueue(WorkItem{JobID: "b"}); err != nil {
		t.Fatalf("enqueue b: %v", err)
	}
	if q.Depth() != 1 {
		t.Fatalf("depth: got %d want 1", q.Depth())
	}
	if err := q.Enqueue(WorkItem{JobID: "c"}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("enqueue c: got %v want ErrQueueFull", err)
	}
}

func TestQueue_FailedProcessStillCleansUp(t *testing.T) {
	q := NewQueue(discardLogger(), 1, 1)
	p := &noopProcessor{fail: true}
	if err := q.Start(context.Background(), p); err != nil {
		t.Fatalf("queue start: %v", err)
	}
	done := make(chan struct{})
	if err := q.Enqueue(WorkItem{JobID: "f", Cleanup: func() error {
		close(done)
		return nil
	}}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("cleanup not called after failed processing")
	}
	q.Shutdown(time.Second)
}
