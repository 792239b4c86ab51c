package listing

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

type countingCatalog struct {
	calls atomic.Int32
	gate  chan struct{}
	item  Item
	err   error
}

func (c *countingCatalog) Lookup(ctx context.Context, itemID string) (Item, error) {
	c.calls.Add(1)
	if c.gate != nil {
		<-c.gate
	}
	if c.err != nil {
		return Item{}, c.err
	}
	it := c.item
	it.ID = itemID
	return it, nil
}

func TestCachedCatalogCoalescesConcurrentMisses(t *testing.T) {
	t.Parallel()

	upstream := &countingCatalog{gate: make(chan struct{}), item: Item{Title: "Lamp"}}
	c := NewCachedCatalog(upstream, nil, time.Minute, nil)

	const n = 8
	var wg, started sync.WaitGroup
	results := make(chan Item, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		started.Add(1)
		go func() {
			defer wg.Done()
			started.Done()
			it, err := c.Lookup(context.Background(), "it-7")
			if err != nil {
				t.Errorf("Lookup: %v", err)
				return
			}
			results <- it
		}()
	}

	// Let the callers pile up on the in-flight lookup before releasing it.
	started.Wait()
	deadline := time.Now().Add(2 * time.Second)
	for upstream.calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)
	close(upstream.gate)
	wg.Wait()
	close(results)

	for it := range results {
		if it.ID != "it-7" || it.Title != "Lamp" {
			t.Fatalf("unexpected item: %+v", it)
		}
	}
	if got := upstream.calls.Load(); got != 1 {
		t.Fatalf("upstream calls=%d want 1", got)
	}
}

func TestCachedCatalogPropagatesErrors(t *testing.T) {
	t.Parallel()

	c := NewCachedCatalog(&countingCatalog{err: ErrItemNotFound}, nil, time.Minute, nil)
	if _, err := c.Lookup(context.Background(), "x"); !errors.Is(err, ErrItemNotFound) {
		t.Fatalf("err=%v want ErrItemNotFound", err)
	}
}

// Integration test enabled when AGORA_REDIS_ADDR is set.
func TestCachedCatalogRedis(t *testing.T) {
	addr := strings.TrimSpace(os.Getenv("AGORA_REDIS_ADDR"))
	if addr == "" {
		t.Skip("integration test skipped: AGORA_REDIS_ADDR is not set")
	}

	rdb := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = rdb.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Fatalf("ping redis: %v", err)
	}

	itemID := "it-" + time.Now().Format("150405.000000000")
	t.Cleanup(func() { _ = rdb.Del(context.Background(), cacheKeyPrefix+itemID).Err() })

	upstream := &countingCatalog{item: Item{Title: "Desk", Price: 40}}
	c := NewCachedCatalog(upstream, rdb, time.Minute, nil)

	for i := 0; i < 3; i++ {
		it, err := c.Lookup(ctx, itemID)
		if err != nil {
			t.Fatalf("Lookup %d: %v", i, err)
		}
		if it.Title != "Desk" || it.Price != 40 {
			t.Fatalf("item=%+v", it)
		}
	}
	if got := upstream.calls.Load(); got != 1 {
		t.Fatalf("upstream calls=%d want 1", got)
	}

	ttl, err := rdb.TTL(ctx, cacheKeyPrefix+itemID).Result()
	if err != nil || ttl <= 0 || ttl > time.Minute {
		t.Fatalf("ttl=%v err=%v", ttl, err)
	}
}
