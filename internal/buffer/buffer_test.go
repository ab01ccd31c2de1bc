package buffer

import (
	"errors"
	"testing"
)

func TestPushDropsOldestWhenFull(t *testing.T) {
	q := New[int](2)
	if q.Push(1) || q.Push(2) {
		t.Fatal("nothing should be dropped below capacity")
	}
	if !q.Push(3) {
		t.Fatal("expected the third push to drop")
	}
	if q.Len() != 2 || q.Dropped() != 1 {
		t.Fatalf("len=%d dropped=%d", q.Len(), q.Dropped())
	}
	if v, _ := q.Pop(); v != 2 {
		t.Fatalf("Pop = %d, want 2", v)
	}
	if v, _ := q.Peek(); v != 3 {
		t.Fatalf("Peek = %d, want 3", v)
	}
}

func TestPopEmpty(t *testing.T) {
	q := New[string](0)
	if _, ok := q.Pop(); ok {
		t.Fatal("Pop on empty queue returned ok")
	}
	if _, ok := q.Peek(); ok {
		t.Fatal("Peek on empty queue returned ok")
	}
	q.Push("a")
	if q.Len() != 1 {
		t.Fatalf("capacity below one should hold one item, len=%d", q.Len())
	}
}

func TestFlushStopsAtFirstFailure(t *testing.T) {
	q := New[int](5)
	for i := 1; i <= 4; i++ {
		q.Push(i)
	}

	var got []int
	errDown := errors.New("broker down")
	sent, err := q.Flush(func(v int) error {
		if v == 3 {
			return errDown
		}
		got = append(got, v)
		return nil
	})
	if !errors.Is(err, errDown) || sent != 2 {
		t.Fatalf("Flush = %d, %v", sent, err)
	}
	if len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("sent items = %v", got)
	}
	if v, _ := q.Peek(); v != 3 || q.Len() != 2 {
		t.Fatalf("failed item must stay at the head: head=%d len=%d", v, q.Len())
	}

	sent, err = q.Flush(func(int) error { return nil })
	if err != nil || sent != 2 || q.Len() != 0 {
		t.Fatalf("second Flush = %d, %v, len=%d", sent, err, q.Len())
	}
}
