package spike

import "testing"

func TestFIFOOrder(t *testing.T) {
	var q Queue
	for i := 0; i < 5; i++ {
		if !q.Push(Spike{NeuronID: uint32(i)}) {
			t.Fatalf("push %d failed unexpectedly", i)
		}
	}
	for i := 0; i < 5; i++ {
		s, ok := q.Pop()
		if !ok || s.NeuronID != uint32(i) {
			t.Fatalf("pop %d: got %+v ok=%v", i, s, ok)
		}
	}
	if _, ok := q.Pop(); ok {
		t.Fatalf("expected empty queue")
	}
}

func TestOverflowDropsAndCounts(t *testing.T) {
	var q Queue
	for i := 0; i < 300; i++ {
		q.Push(Spike{NeuronID: uint32(i)})
	}
	if q.Len() != Capacity {
		t.Fatalf("len = %d, want %d", q.Len(), Capacity)
	}
	if q.Dropped() != 300-Capacity {
		t.Fatalf("dropped = %d, want %d", q.Dropped(), 300-Capacity)
	}
}

func TestResetClearsStateAndCounters(t *testing.T) {
	var q Queue
	for i := 0; i < 300; i++ {
		q.Push(Spike{NeuronID: uint32(i)})
	}
	q.Reset()
	if q.Len() != 0 || q.Dropped() != 0 {
		t.Fatalf("reset did not clear state: len=%d dropped=%d", q.Len(), q.Dropped())
	}
}
