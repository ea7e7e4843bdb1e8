package queue

import (
	"context"
	"testing"
	"time"
)

func TestInMemoryDeliversInOrder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := NewInMemory(4)
	events, err := q.Consume(ctx)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}

	sent := []Rejection{
		{AttemptID: "a-1", Code: "INVALID_QR", At: time.Now().UTC()},
		{AttemptID: "a-2", Code: "OUTSIDE_RADIUS", At: time.Now().UTC()},
	}
	for _, ev := range sent {
		if err := q.Publish(ctx, ev); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	for i, want := range sent {
		select {
		case got := <-events:
			if got.AttemptID != want.AttemptID || got.Code != want.Code {
				t.Fatalf("event %d: got %+v, want %+v", i, got, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("event %d never arrived", i)
		}
	}
}

func TestInMemoryStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	q := NewInMemory(1)
	events, err := q.Consume(ctx)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	cancel()
	select {
	case _, ok := <-events:
		if ok {
			t.Fatalf("expected closed channel after cancel")
		}
	case <-time.After(time.Second):
		t.Fatalf("channel did not close after cancel")
	}
}

func TestInMemoryPublishFullQueueCancelled(t *testing.T) {
	q := NewInMemory(1)
	if err := q.Publish(context.Background(), Rejection{AttemptID: "a-1"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// Nobody is consuming and the buffer is full; the cancelled context is
	// what keeps this from blocking forever.
	if err := q.Publish(ctx, Rejection{AttemptID: "a-2"}); err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
