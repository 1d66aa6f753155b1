package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// memRedis implements the few commands Locker uses on top of a map.
type memRedis struct {
	redis.Cmdable
	keys map[string]string
}

func (m *memRedis) SetNX(_ context.Context, key string, value interface{}, _ time.Duration) *redis.BoolCmd {
	if _, ok := m.keys[key]; ok {
		return redis.NewBoolResult(false, nil)
	}
	m.keys[key] = value.(string)
	return redis.NewBoolResult(true, nil)
}

func (m *memRedis) EvalSha(_ context.Context, _ string, keys []string, args ...interface{}) *redis.Cmd {
	return m.release(keys[0], args[0].(string))
}

func (m *memRedis) Eval(_ context.Context, _ string, keys []string, args ...interface{}) *redis.Cmd {
	return m.release(keys[0], args[0].(string))
}

func (m *memRedis) release(key, token string) *redis.Cmd {
	if m.keys[key] == token {
		delete(m.keys, key)
		return redis.NewCmdResult(int64(1), nil)
	}
	return redis.NewCmdResult(int64(0), nil)
}

func TestLockerExcludesSecondCaller(t *testing.T) {
	ctx := context.Background()
	mem := &memRedis{keys: map[string]string{}}
	l := NewLocker(mem, "lock:")

	release, err := l.TryLock(ctx, "signup:a@x.com", time.Second)
	if err != nil {
		t.Fatalf("TryLock: %v", err)
	}
	if _, ok := mem.keys["lock:signup:a@x.com"]; !ok {
		t.Fatal("lock key not namespaced by prefix")
	}
	if _, err := l.TryLock(ctx, "signup:a@x.com", time.Second); !errors.Is(err, ErrLockHeld) {
		t.Fatalf("second TryLock err = %v, want ErrLockHeld", err)
	}

	if err := release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := l.TryLock(ctx, "signup:a@x.com", time.Second); err != nil {
		t.Fatalf("TryLock after release: %v", err)
	}
}

func TestReleaseKeepsLockTakenByAnotherCaller(t *testing.T) {
	ctx := context.Background()
	mem := &memRedis{keys: map[string]string{}}
	l := NewLocker(mem, "")

	release, err := l.TryLock(ctx, "k", time.Second)
	if err != nil {
		t.Fatalf("TryLock: %v", err)
	}
	// Simulate expiry followed by a new holder.
	mem.keys["k"] = "someone-else"
	if err := release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	if mem.keys["k"] != "someone-else" {
		t.Error("release removed a lock it no longer owned")
	}
}
