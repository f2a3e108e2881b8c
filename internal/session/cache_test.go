package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ccbridge/ccbridge/internal/translator"
)

func key(s string) translator.SystemPromptKey {
	return translator.SystemPromptKey(s)
}

func TestLookupMissAndHit(t *testing.T) {
	c := New(time.Minute, 4)
	defer c.Close()

	if _, ok := c.Lookup(key("k1")); ok {
		t.Error("expected miss on empty cache")
	}

	id, err := c.EstablishOrReuse(context.Background(), key("k1"), func() (string, error) {
		return "sess-1", nil
	})
	if err != nil || id != "sess-1" {
		t.Fatalf("establish: id=%q err=%v", id, err)
	}

	if got, ok := c.Lookup(key("k1")); !ok || got != "sess-1" {
		t.Errorf("expected hit with sess-1, got %q ok=%v", got, ok)
	}
}

func TestLookupIgnoresNoSessionKey(t *testing.T) {
	c := New(time.Minute, 4)
	defer c.Close()

	if _, ok := c.Lookup(translator.NoSessionKey); ok {
		t.Error("NoSessionKey must never hit")
	}
}

func TestEstablishOnceAcrossConcurrentCallers(t *testing.T) {
	c := New(time.Minute, 4)
	defer c.Close()

	var establishCount atomic.Int32
	const callers = 16

	var wg sync.WaitGroup
	results := make([]string, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.EstablishOrReuse(context.Background(), key("shared"), func() (string, error) {
				establishCount.Add(1)
				time.Sleep(20 * time.Millisecond) // let the others pile onto the flight
				return "sess-shared", nil
			})
		}(i)
	}
	wg.Wait()

	if n := establishCount.Load(); n != 1 {
		t.Errorf("expected exactly 1 establish, got %d", n)
	}
	for i := 0; i < callers; i++ {
		if errs[i] != nil || results[i] != "sess-shared" {
			t.Errorf("caller %d: id=%q err=%v", i, results[i], errs[i])
		}
	}
}

func TestFailedEstablishInsertsNothing(t *testing.T) {
	c := New(time.Minute, 4)
	defer c.Close()

	boom := errors.New("spawn failed")
	_, err := c.EstablishOrReuse(context.Background(), key("k"), func() (string, error) {
		return "", boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if _, ok := c.Lookup(key("k")); ok {
		t.Error("failed establish must not insert")
	}

	// The key stays eligible: the next attempt runs establish again.
	id, err := c.EstablishOrReuse(context.Background(), key("k"), func() (string, error) {
		return "sess-2", nil
	})
	if err != nil || id != "sess-2" {
		t.Errorf("retry after failure: id=%q err=%v", id, err)
	}
}

func TestTTLExpiry(t *testing.T) {
	c := New(30*time.Millisecond, 4)
	defer c.Close()

	c.insert(key("k"), "sess-1")
	if _, ok := c.Lookup(key("k")); !ok {
		t.Fatal("expected fresh hit")
	}

	time.Sleep(50 * time.Millisecond)
	if _, ok := c.Lookup(key("k")); ok {
		t.Error("expected expiry after TTL")
	}
}

func TestCapacityEvictsLeastRecentlyUsed(t *testing.T) {
	c := New(time.Minute, 2)
	defer c.Close()

	c.insert(key("a"), "sess-a")
	c.insert(key("b"), "sess-b")

	// Touch a so b is the LRU entry.
	if _, err := c.EstablishOrReuse(context.Background(), key("a"), nil); err != nil {
		t.Fatalf("touch a: %v", err)
	}

	c.insert(key("c"), "sess-c")

	if _, ok := c.Lookup(key("b")); ok {
		t.Error("b should have been evicted")
	}
	if _, ok := c.Lookup(key("a")); !ok {
		t.Error("a should have survived")
	}
	if _, ok := c.Lookup(key("c")); !ok {
		t.Error("c should be present")
	}
	if c.Len() != 2 {
		t.Errorf("len = %d, want 2", c.Len())
	}
}

func TestRemove(t *testing.T) {
	c := New(time.Minute, 4)
	defer c.Close()

	c.insert(key("k"), "sess-1")
	c.Remove(key("k"))
	if _, ok := c.Lookup(key("k")); ok {
		t.Error("expected removal")
	}
	c.Remove(key("missing")) // no-op
}

func TestEvictCollectsExpired(t *testing.T) {
	c := New(20*time.Millisecond, 8)
	defer c.Close()

	for i := 0; i < 3; i++ {
		c.insert(key(fmt.Sprintf("k%d", i)), "sess")
	}
	time.Sleep(40 * time.Millisecond)
	c.insert(key("fresh"), "sess")

	if removed := c.Evict(); removed != 3 {
		t.Errorf("evicted %d, want 3", removed)
	}
	if c.Len() != 1 {
		t.Errorf("len = %d, want 1", c.Len())
	}
}

func TestEstablishHonorsContext(t *testing.T) {
	c := New(time.Minute, 4)
	defer c.Close()

	ctx, cancel := context.WithCancel(context.Background())
	release := make(chan struct{})
	done := make(chan error, 1)

	go func() {
		_, err := c.EstablishOrReuse(ctx, key("slow"), func() (string, error) {
			<-release
			return "sess", nil
		})
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("caller did not unblock on cancellation")
	}
	close(release)
}
