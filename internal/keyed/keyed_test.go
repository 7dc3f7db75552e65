package keyed

import (
	"sync"
	"testing"
	"time"
)

func TestLockerSerializesSameKey(t *testing.T) {
	l := NewLocker()
	var wg sync.WaitGroup
	counter := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := l.Lock("campaign-1")
			counter++
			unlock()
		}()
	}
	wg.Wait()
	if counter != 50 {
		t.Fatalf("counter = %d, want 50", counter)
	}
	if n := l.Len(); n != 0 {
		t.Errorf("Len() = %d after all unlocks, want 0", n)
	}
}

func TestLockerIndependentKeys(t *testing.T) {
	l := NewLocker()
	unlockA := l.Lock("a")
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlock := l.Lock("b")
		unlock()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on key b blocked behind key a")
	}
}

func TestMapUpdateAndView(t *testing.T) {
	m := NewMap(func() []int { return nil })

	if m.View("missing", func(*[]int) {}) {
		t.Fatal("View reported a missing key as present")
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m.Update("k", func(v *[]int) { *v = append(*v, i) })
		}(i)
	}
	wg.Wait()

	var n int
	m.View("k", func(v *[]int) { n = len(*v) })
	if n != 20 {
		t.Fatalf("got %d entries, want 20", n)
	}

	m.Update("j", func(*[]int) {})
	keys := m.Keys()
	if len(keys) != 2 || keys[0] != "j" || keys[1] != "k" {
		t.Errorf("Keys() = %v, want [j k]", keys)
	}

	m.Delete("k")
	if m.View("k", func(*[]int) {}) {
		t.Error("key k still present after Delete")
	}
}
