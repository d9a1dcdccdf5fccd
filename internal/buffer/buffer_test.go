package buffer

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestPutPollOrder(t *testing.T) {
	b := New[int](8)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := b.Put(ctx, i); err != nil {
			t.Fatal(err)
		}
	}
	if b.Len() != 5 {
		t.Fatalf("Len = %d, want 5", b.Len())
	}

	for i := 0; i < 5; i++ {
		v, ok := b.Poll()
		if !ok || v != i {
			t.Fatalf("Poll = (%d, %v), want (%d, true)", v, ok, i)
		}
	}

	if _, ok := b.Poll(); ok {
		t.Error("空缓冲 Poll 应返回 false")
	}
}

func TestPutBlocksWhenFull(t *testing.T) {
	b := New[int](1)
	ctx := context.Background()

	if err := b.Put(ctx, 1); err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() {
		done <- b.Put(ctx, 2)
	}()

	select {
	case <-done:
		t.Fatal("满缓冲的 Put 不应立即返回")
	case <-time.After(50 * time.Millisecond):
	}

	b.Poll()
	if err := <-done; err != nil {
		t.Fatal(err)
	}
}

func TestPutCancelled(t *testing.T) {
	b := New[int](1)
	ctx, cancel := context.WithCancel(context.Background())

	if err := b.Put(ctx, 1); err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() {
		done <- b.Put(ctx, 2)
	}()
	cancel()

	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestDrain(t *testing.T) {
	b := New[int](16)
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		b.Put(ctx, i)
	}

	got := b.Drain(4)
	if len(got) != 4 || got[0] != 0 || got[3] != 3 {
		t.Fatalf("Drain(4) = %v", got)
	}

	rest := b.Drain(0)
	if len(rest) != 6 || rest[0] != 4 {
		t.Fatalf("Drain(0) = %v", rest)
	}
}
