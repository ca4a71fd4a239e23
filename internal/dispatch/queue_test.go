package dispatch

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestTopicQueue_FIFO(t *testing.T) {
	q := NewTopicQueue(nil, nil)

	var mu sync.Mutex
	var order []int
	for i := 1; i <= 5; i++ {
		i := i
		q.Enqueue(func() error {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil
		})
	}

	select {
	case <-q.WhenIdle():
	case <-time.After(2 * time.Second):
		t.Fatal("queue did not drain")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 5 {
		t.Fatalf("ran %d tasks, want 5", len(order))
	}
	for i, got := range order {
		if got != i+1 {
			t.Fatalf("execution order = %v, want ascending", order)
		}
	}
}

func TestTopicQueue_ErrorDoesNotAbortQueue(t *testing.T) {
	var reported []error
	var mu sync.Mutex
	q := NewTopicQueue(nil, func(err error) {
		mu.Lock()
		reported = append(reported, err)
		mu.Unlock()
	})

	var ran atomic.Int32
	q.Enqueue(func() error { return errors.New("boom") })
	q.Enqueue(func() error { panic("kaboom") })
	q.Enqueue(func() error { ran.Add(1); return nil })

	select {
	case <-q.WhenIdle():
	case <-time.After(2 * time.Second):
		t.Fatal("queue did not drain")
	}

	if ran.Load() != 1 {
		t.Fatal("task after failures did not run")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(reported) != 2 {
		t.Fatalf("reported %d errors, want 2", len(reported))
	}
}

func TestTopicQueue_WhenIdleImmediate(t *testing.T) {
	q := NewTopicQueue(nil, nil)
	select {
	case <-q.WhenIdle():
	case <-time.After(time.Second):
		t.Fatal("idle queue should resolve WhenIdle immediately")
	}
}

func TestTopicQueue_OnIdleOncePerDrain(t *testing.T) {
	var idles atomic.Int32
	block := make(chan struct{})
	q := NewTopicQueue(func() { idles.Add(1) }, nil)

	q.Enqueue(func() error { <-block; return nil })
	q.Enqueue(func() error { return nil })
	close(block)

	select {
	case <-q.WhenIdle():
	case <-time.After(2 * time.Second):
		t.Fatal("queue did not drain")
	}
	// Give a stray second onIdle a chance to fire before asserting.
	time.Sleep(20 * time.Millisecond)
	if got := idles.Load(); got != 1 {
		t.Fatalf("onIdle fired %d times, want 1", got)
	}
}

func TestTopicQueueMap_AutoRemoval(t *testing.T) {
	m := NewTopicQueueMap()

	q0 := m.GetOrCreate("chat-1:root", nil)
	done := make(chan struct{})
	m.Enqueue("chat-1:root", func() error { close(done); return nil }, nil)
	<-done

	deadline := time.Now().Add(2 * time.Second)
	for m.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("queue not auto-removed, len = %d", m.Len())
		}
		time.Sleep(time.Millisecond)
	}

	// A queue recreated after removal is a fresh instance.
	q1 := m.GetOrCreate("chat-1:root", nil)
	if q1 == nil {
		t.Fatal("recreated queue is nil")
	}
	if q1 == q0 {
		t.Fatal("recreated queue reuses the removed instance")
	}
}

func TestTopicQueueMap_EnqueueDuringRemovalKeepsFIFO(t *testing.T) {
	m := NewTopicQueueMap()

	var mu sync.Mutex
	var order []int
	const rounds = 200
	for i := 0; i < rounds; i++ {
		i := i
		m.Enqueue("k", func() error {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil
		}, nil)
		if i%3 == 0 {
			// Let some drains complete so removal races with enqueue.
			time.Sleep(time.Microsecond * 50)
		}
	}

	m.DrainAll()

	mu.Lock()
	defer mu.Unlock()
	if len(order) != rounds {
		t.Fatalf("ran %d tasks, want %d", len(order), rounds)
	}
	for i := 1; i < len(order); i++ {
		if order[i] < order[i-1] {
			t.Fatalf("order violated at %d: %d before %d", i, order[i-1], order[i])
		}
	}
}

func TestTopicQueueMap_DrainAll(t *testing.T) {
	m := NewTopicQueueMap()

	var done atomic.Int32
	for _, key := range []string{"a", "b", "c"} {
		m.Enqueue(key, func() error {
			time.Sleep(10 * time.Millisecond)
			done.Add(1)
			return nil
		}, nil)
	}

	m.DrainAll()
	if got := done.Load(); got != 3 {
		t.Fatalf("completed %d tasks before DrainAll returned, want 3", got)
	}
}
