package heap

import "testing"

func TestDequeueOrdering(t *testing.T) {
	pq := NewPriorityQueue(func(a, b int) bool { return a < b })

	for _, v := range []int{5, 1, 4, 2, 3} {
		pq.Enqueue(v)
	}

	var got []int
	for {
		v, ok := pq.Dequeue()
		if !ok {
			break
		}
		got = append(got, v)
	}

	want := []int{1, 2, 3, 4, 5}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestPeekDoesNotRemove(t *testing.T) {
	pq := NewPriorityQueue(func(a, b int) bool { return a < b })
	pq.Enqueue(10)
	pq.Enqueue(20)

	v, ok := pq.Peek()
	if !ok || v != 10 {
		t.Fatalf("Peek = %d, %v, want 10, true", v, ok)
	}
	if pq.Len() != 2 {
		t.Fatalf("Peek should not remove, Len() = %d", pq.Len())
	}
}

func TestDequeueEmpty(t *testing.T) {
	pq := NewPriorityQueue(func(a, b int) bool { return a < b })
	if _, ok := pq.Dequeue(); ok {
		t.Fatalf("Dequeue on empty queue should report false")
	}
}
