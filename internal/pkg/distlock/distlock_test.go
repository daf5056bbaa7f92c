package distlock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func testRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func TestRedisLockMutualExclusion(t *testing.T) {
	client := testRedis(t)
	ctx := context.Background()
	key := ExperimentKey("exp-1")

	first := NewRedisLock(client, key, time.Minute)
	ok, err := first.Acquire(ctx)
	if err != nil || !ok {
		t.Fatalf("first acquire: ok=%v err=%v", ok, err)
	}

	second := NewRedisLock(client, key, time.Minute)
	ok, err = second.Acquire(ctx)
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if ok {
		t.Fatal("second holder acquired a held lock")
	}

	if err := first.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	ok, err = second.Acquire(ctx)
	if err != nil || !ok {
		t.Fatalf("acquire after release: ok=%v err=%v", ok, err)
	}
}

func TestRedisLockReleaseRequiresOwnership(t *testing.T) {
	client := testRedis(t)
	ctx := context.Background()
	key := ExperimentKey("exp-2")

	owner := NewRedisLock(client, key, time.Minute)
	if ok, _ := owner.Acquire(ctx); !ok {
		t.Fatal("owner could not acquire")
	}

	// A stranger releasing must not free the owner's lock.
	stranger := NewRedisLock(client, key, time.Minute)
	if err := stranger.Release(ctx); err != nil {
		t.Fatalf("stranger release: %v", err)
	}

	intruder := NewRedisLock(client, key, time.Minute)
	if ok, _ := intruder.Acquire(ctx); ok {
		t.Fatal("lock was freed by a non-owner")
	}
}

func TestExperimentKeyIsDeterministic(t *testing.T) {
	if ExperimentKey("abc") != ExperimentKey("abc") {
		t.Fatal("same experiment must map to the same key")
	}
	if ExperimentKey("abc") == ExperimentKey("abd") {
		t.Fatal("different experiments must not share a key")
	}
}
