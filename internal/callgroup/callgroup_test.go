package callgroup

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestDeduplication(t *testing.T) {
	var g Group[int, string]
	var calls atomic.Int32
	started := make(chan struct{})

	fn := func() (string, error) {
		calls.Add(1)
		close(started)
		time.Sleep(50 * time.Millisecond)
		return "result", nil
	}

	const n = 10
	var wg sync.WaitGroup
	results := make([]string, n)
	errs := make([]error, n)

	// First caller starts the work.
	wg.Go(func() {
		results[0], errs[0] = g.Do(1, fn)
	})

	// Wait for fn to start, then pile on.
	<-started
	for i := 1; i < n; i++ {
		wg.Go(func() {
			results[i], errs[i] = g.Do(1, fn)
		})
	}

	wg.Wait()

	for i := range n {
		if errs[i] != nil {
			t.Errorf("caller %d got error: %v", i, errs[i])
		}
		if results[i] != "result" {
			t.Errorf("caller %d got %q", i, results[i])
		}
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("fn called %d times, want 1", got)
	}
}

func TestIndependentKeys(t *testing.T) {
	var g Group[string, int]
	var calls atomic.Int32

	fn := func() (int, error) {
		calls.Add(1)
		return 7, nil
	}

	if _, err := g.Do("a", fn); err != nil {
		t.Fatal(err)
	}
	if _, err := g.Do("b", fn); err != nil {
		t.Fatal(err)
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("fn called %d times, want 2", got)
	}
}

func TestErrorShared(t *testing.T) {
	var g Group[int, int]
	want := errors.New("dial failed")

	_, err := g.Do(1, func() (int, error) { return 0, want })
	if !errors.Is(err, want) {
		t.Errorf("got %v, want %v", err, want)
	}

	// Key is forgotten after completion; next call runs again.
	v, err := g.Do(1, func() (int, error) { return 3, nil })
	if err != nil || v != 3 {
		t.Errorf("got (%d, %v), want (3, nil)", v, err)
	}
}
