package bridge

import (
	"sync"
	"testing"
)

func TestDeviceQueueOrder(t *testing.T) {
	q := newDeviceQueue(4)
	defer func() {
		q.stop()
		q.wait()
	}()

	var (
		mu  sync.Mutex
		got []int
		wg  sync.WaitGroup
	)
	wg.Add(100)
	for i := 0; i < 100; i++ {
		i := i
		if !q.post(func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
			wg.Done()
		}) {
			t.Fatalf("post %d rejected", i)
		}
	}
	wg.Wait()

	for i, v := range got {
		if v != i {
			t.Fatalf("job %d ran at position %d", v, i)
		}
	}
}

func TestDeviceQueueStop(t *testing.T) {
	q := newDeviceQueue(1)
	q.stop()
	q.wait()

	if q.post(func() { t.Error("job ran after stop") }) {
		t.Error("post after stop should report false")
	}
	q.stop() // idempotent
}
