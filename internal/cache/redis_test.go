package cache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// testRedis connects to REDIS_URL and skips the test when it is unset.
func testRedis(t *testing.T) *Redis {
	t.Helper()
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}
	r, err := New(url)
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Ping(context.Background()); err != nil {
		t.Skipf("redis unavailable: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func TestCacheRoundTripAndInvalidate(t *testing.T) {
	r := testRedis(t)
	ctx := context.Background()
	key := fmt.Sprintf("test:%d:a", time.Now().UnixNano())

	if _, err := Get[[]int](ctx, r, key); !errors.Is(err, redis.Nil) {
		t.Fatalf("Get on a miss = %v, want redis.Nil", err)
	}
	if err := Set(ctx, r, key, []int{1, 2}, time.Minute); err != nil {
		t.Fatal(err)
	}
	got, err := Get[[]int](ctx, r, key)
	if err != nil || len(got) != 2 {
		t.Fatalf("Get = %v, %v", got, err)
	}

	lock := ImportLockKey(time.Now().UnixNano())
	unlock, err := TryLock(ctx, r, lock, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	defer unlock()

	if err := DelPattern(ctx, r, "test:*"); err != nil {
		t.Fatal(err)
	}
	if _, err := Get[[]int](ctx, r, key); !errors.Is(err, redis.Nil) {
		t.Errorf("value survived DelPattern: %v", err)
	}
	if !IsLocked(ctx, r, lock) {
		t.Error("DelPattern removed a lock key")
	}
}

func TestTryLock(t *testing.T) {
	r := testRedis(t)
	ctx := context.Background()
	key := ImportLockKey(time.Now().UnixNano())

	unlock, err := TryLock(ctx, r, key, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := TryLock(ctx, r, key, time.Minute); !errors.Is(err, ErrLocked) {
		t.Fatalf("second TryLock = %v, want ErrLocked", err)
	}
	unlock()
	if IsLocked(ctx, r, key) {
		t.Error("lock still held after unlock")
	}
}

func TestQueue(t *testing.T) {
	r := testRedis(t)
	ctx := context.Background()
	queue := fmt.Sprintf("pvrguide:test:queue:%d", time.Now().UnixNano())

	for _, id := range []int64{1, 2} {
		if err := Enqueue(ctx, r, queue, ImportRequest{SourceID: id, Reason: "test"}); err != nil {
			t.Fatal(err)
		}
	}
	for _, want := range []int64{1, 2} {
		req, err := Dequeue(ctx, r, queue, time.Second)
		if err != nil || req == nil || req.SourceID != want {
			t.Fatalf("Dequeue = %+v, %v; want source %d", req, err, want)
		}
	}
	if req, err := Dequeue(ctx, r, queue, time.Second); req != nil || err != nil {
		t.Errorf("Dequeue on empty queue = %+v, %v", req, err)
	}
}
