package queue_test

import (
	"errors"
	"testing"

	"github.com/malbeclabs/netstack/internal/queue"
)

func TestFIFOOrderAndEmpty(t *testing.T) {
	q := queue.New()

	if _, err := q.Pop(); !errors.Is(err, queue.ErrEmpty) {
		t.Fatalf("pop on empty queue: got err %v, want ErrEmpty", err)
	}

	q.Push(11)
	q.Push(22)

	v, err := q.Pop()
	if err != nil || v != 11 {
		t.Fatalf("pop 1: got (%d, %v), want (11, nil)", v, err)
	}

	q.Push(33)

	v, err = q.Pop()
	if err != nil || v != 22 {
		t.Fatalf("pop 2: got (%d, %v), want (22, nil)", v, err)
	}

	v, err = q.Pop()
	if err != nil || v != 33 {
		t.Fatalf("pop 3: got (%d, %v), want (33, nil)", v, err)
	}

	if _, err := q.Pop(); !errors.Is(err, queue.ErrEmpty) {
		t.Fatalf("pop on drained queue: got err %v, want ErrEmpty", err)
	}
}

func TestNumTracksPushesAndPops(t *testing.T) {
	q := queue.New()
	for i := 0; i < 5; i++ {
		q.Push(i)
	}
	if q.Num() != 5 {
		t.Fatalf("Num() = %d, want 5", q.Num())
	}
	for i := 0; i < 3; i++ {
		if _, err := q.Pop(); err != nil {
			t.Fatal(err)
		}
	}
	if q.Num() != 2 {
		t.Fatalf("Num() = %d, want 2", q.Num())
	}
	if q.Empty() {
		t.Fatal("queue should not be empty")
	}
}
