package realtime

import (
	"context"
	"errors"
	"testing"
	"time"

	"agora/cmd/internal/conversation"
)

func TestKeyLocks_SerializesSameKey(t *testing.T) {
	t.Parallel()

	l := newKeyLocks()
	k := conversation.NewKey("i", "b", "s")

	unlock, err := l.lock(context.Background(), k)
	if err != nil {
		t.Fatalf("lock: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := l.lock(ctx, k); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("second lock err=%v want deadline exceeded", err)
	}

	other, err := l.lock(context.Background(), conversation.NewKey("i2", "b", "s"))
	if err != nil {
		t.Fatalf("other key should not block: %v", err)
	}
	other()

	unlock()
	unlock()

	again, err := l.lock(context.Background(), k)
	if err != nil {
		t.Fatalf("relock: %v", err)
	}
	again()

	if n := l.len(); n != 0 {
		t.Fatalf("lock table should be empty, has %d", n)
	}
}
