package bpqueue

import (
	"bytes"
	"testing"
)

func TestQueue_PushPopOrder(t *testing.T) {
	q := New(100, 50, 1000)
	if err := q.Push([]byte("a")); err != nil {
		t.Fatal(err)
	}
	if err := q.Push([]byte("b")); err != nil {
		t.Fatal(err)
	}
	c, ok := q.Pop()
	if !ok || !bytes.Equal(c, []byte("a")) {
		t.Fatalf("got %q, want 'a'", c)
	}
	c, ok = q.Pop()
	if !ok || !bytes.Equal(c, []byte("b")) {
		t.Fatalf("got %q, want 'b'", c)
	}
	if _, ok := q.Pop(); ok {
		t.Fatal("expected empty queue")
	}
}

func TestQueue_HardLimit(t *testing.T) {
	q := New(5, 2, 10)
	if err := q.Push(make([]byte, 10)); err != nil {
		t.Fatal(err)
	}
	if err := q.Push(make([]byte, 1)); err != ErrHardLimitExceeded {
		t.Fatalf("got %v, want ErrHardLimitExceeded", err)
	}
	if q.Len() != 10 {
		t.Fatalf("rejected chunk must not be admitted, Len()=%d", q.Len())
	}
}

func TestQueue_Watermarks(t *testing.T) {
	q := New(10, 5, 100)
	if q.AboveHighWatermark() {
		t.Fatal("should start below high watermark")
	}
	q.Push(make([]byte, 10))
	if !q.AboveHighWatermark() {
		t.Fatal("expected above high watermark after crossing it")
	}
	q.Push(make([]byte, 6))
	q.Pop()
	if !q.AboveHighWatermark() {
		t.Fatal("should remain paused until low watermark is reached")
	}
	q.Pop()
	if q.AboveHighWatermark() {
		t.Fatal("expected resume once at/below low watermark")
	}
}

func TestQueue_Drain(t *testing.T) {
	q := New(100, 50, 1000)
	q.Push([]byte("ab"))
	q.Push([]byte("cd"))
	got := q.Drain()
	if !bytes.Equal(got, []byte("abcd")) {
		t.Fatalf("got %q, want 'abcd'", got)
	}
	if !q.Empty() {
		t.Fatal("expected empty after drain")
	}
}
