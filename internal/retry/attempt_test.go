package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestAttemptReturnsResult(t *testing.T) {
	lateCalled := make(chan int, 1)
	v, err := Attempt(context.Background(), time.Second, func(context.Context) (int, error) {
		return 7, nil
	}, func(v int) { lateCalled <- v })
	if err != nil || v != 7 {
		t.Fatalf("unexpected result %d %v", v, err)
	}
	select {
	case <-lateCalled:
		t.Fatal("late must not see a result the caller received")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestAttemptHandsAbandonedResultToLate(t *testing.T) {
	release := make(chan struct{})
	lateCalled := make(chan int, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Attempt(ctx, 0, func(context.Context) (int, error) {
		<-release
		return 42, nil
	}, func(v int) { lateCalled <- v })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	close(release)
	select {
	case v := <-lateCalled:
		if v != 42 {
			t.Fatalf("unexpected late value %d", v)
		}
	case <-time.After(time.Second):
		t.Fatal("late result not delivered")
	}
}

func TestAttemptTimeout(t *testing.T) {
	_, err := Attempt(context.Background(), 10*time.Millisecond, func(ctx context.Context) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	}, nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}
