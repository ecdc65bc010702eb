package gc

import (
	"sync"
	"testing"
	"time"
)

func TestQueueFIFOAcrossGrowth(t *testing.T) {
	var q Queue[int]
	// Interleave pushes and pops so the ring wraps before it grows.
	next := 0
	for i := 0; i < 100; i++ {
		q.Push(i)
		if i%3 == 0 {
			v, ok := q.Pop()
			if !ok || v != next {
				t.Fatalf("Pop = %d, %v; want %d", v, ok, next)
			}
			next++
		}
	}
	var rest []int
	for v := range q.All() {
		rest = append(rest, v)
	}
	if len(rest) != q.Len() {
		t.Fatalf("All yielded %d items, Len = %d", len(rest), q.Len())
	}
	for !q.Empty() {
		v, _ := q.Pop()
		if v != next {
			t.Fatalf("Pop = %d, want %d", v, next)
		}
		next++
	}
	if next != 100 {
		t.Errorf("drained up to %d, want 100", next)
	}
	if _, ok := q.Peek(); ok {
		t.Error("Peek on empty queue reported an item")
	}
}

func TestBlockingQueuePopWaitsForPush(t *testing.T) {
	q := NewBlockingQueue[int]()
	got := make(chan int, 1)
	go func() {
		v, ok := q.Pop()
		if ok {
			got <- v
		}
	}()

	select {
	case v := <-got:
		t.Fatalf("Pop returned %d before any push", v)
	case <-time.After(20 * time.Millisecond):
	}

	q.PushBatch([]int{7, 8})
	select {
	case v := <-got:
		if v != 7 {
			t.Errorf("Pop = %d, want 7", v)
		}
	case <-time.After(time.Second):
		t.Fatal("Pop did not wake after push")
	}
	if q.Len() != 1 {
		t.Errorf("Len = %d, want 1", q.Len())
	}
}

func TestBlockingQueueCloseReleasesWaiters(t *testing.T) {
	q := NewBlockingQueue[int]()
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := q.Pop(); ok {
				t.Error("Pop succeeded on a closed queue")
			}
		}()
	}
	time.Sleep(10 * time.Millisecond)
	q.Close()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("waiters not released by Close")
	}
	if q.Push(1) {
		t.Error("Push accepted after Close")
	}
}
