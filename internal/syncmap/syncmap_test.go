package syncmap

import "testing"

func TestPutGetDelete(t *testing.T) {
	m := New[string, int]()

	m.Put("a", 1)
	v, ok := m.Get("a")
	if !ok || v != 1 {
		t.Fatalf("Get(a) = %d, %v, want 1, true", v, ok)
	}

	m.Delete("a")
	if _, ok := m.Get("a"); ok {
		t.Fatalf("expected key a to be deleted")
	}
}

func TestLenAndValues(t *testing.T) {
	m := New[int, string]()
	m.Put(1, "one")
	m.Put(2, "two")

	if m.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", m.Len())
	}

	vals := m.Values()
	if len(vals) != 2 {
		t.Fatalf("Values() returned %d entries, want 2", len(vals))
	}
}

func TestRangeEarlyStop(t *testing.T) {
	m := New[int, int]()
	for i := 0; i < 10; i++ {
		m.Put(i, i*i)
	}

	seen := 0
	m.Range(func(k, v int) bool {
		seen++
		return seen < 3
	})

	if seen != 3 {
		t.Fatalf("Range should stop after 3 entries, saw %d", seen)
	}
}

func TestPop(t *testing.T) {
	m := New[string, int]()
	m.Put("a", 1)

	v, ok := m.Pop("a")
	if !ok || v != 1 {
		t.Fatalf("Pop(a) = %d, %v, want 1, true", v, ok)
	}
	if _, ok := m.Get("a"); ok {
		t.Fatalf("expected key a removed after Pop")
	}
	if _, ok := m.Pop("a"); ok {
		t.Fatalf("Pop on absent key should report false")
	}
}

func TestPutBounded(t *testing.T) {
	m := New[string, int]()

	if !m.PutBounded("a", 1, 2) {
		t.Fatalf("expected first insert under bound to succeed")
	}
	if m.PutBounded("a", 2, 2) {
		t.Fatalf("expected duplicate key insert to fail")
	}
	if !m.PutBounded("b", 2, 2) {
		t.Fatalf("expected second insert under bound to succeed")
	}
	if m.PutBounded("c", 3, 2) {
		t.Fatalf("expected insert past bound to fail")
	}
	if m.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", m.Len())
	}
}

func TestDrain(t *testing.T) {
	m := New[string, int]()
	m.Put("a", 1)
	m.Put("b", 2)

	vals := m.Drain()
	if len(vals) != 2 {
		t.Fatalf("Drain() returned %d entries, want 2", len(vals))
	}
	if m.Len() != 0 {
		t.Fatalf("expected map empty after Drain, Len() = %d", m.Len())
	}
}
