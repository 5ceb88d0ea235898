package sink

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// TestRedisBudget_Integration requires a running Redis and is skipped otherwise.
func TestRedisBudget_Integration(t *testing.T) {
	ctx := context.Background()
	rdb := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skip("Skipping Redis integration test: redis not available")
	}

	key := "test-" + uuid.NewString()
	defer rdb.Del(ctx, "nostrhook:budget:"+key)
	budget := NewRedisBudget(rdb, key, 1, 1)
	peer := NewRedisBudget(rdb, key, 1, 1)

	ok, _, err := budget.Take(ctx)
	if err != nil || !ok {
		t.Fatalf("first Take() = %v, %v; want allowed", ok, err)
	}
	ok, wait, err := peer.Take(ctx)
	if err != nil {
		t.Fatalf("peer Take() error = %v", err)
	}
	if ok {
		t.Fatalf("peer Take() allowed; the bucket should be shared")
	}
	if wait <= 0 || wait > time.Second {
		t.Errorf("wait = %v, want within (0, 1s]", wait)
	}

	time.Sleep(1100 * time.Millisecond)
	if ok, _, err := peer.Take(ctx); err != nil || !ok {
		t.Errorf("Take() after refill = %v, %v; want allowed", ok, err)
	}
}

func TestDialRedisUnreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := DialRedis(ctx, "127.0.0.1:1", "", 0); err == nil {
		t.Fatal("DialRedis() to a closed port succeeded")
	}
}

func TestBudgetKey(t *testing.T) {
	a := BudgetKey("https://discord.com/api/webhooks/1/secret-token")
	if a != BudgetKey("https://discord.com/api/webhooks/1/secret-token") {
		t.Fatal("BudgetKey() is not stable")
	}
	if a == BudgetKey("https://discord.com/api/webhooks/2/other") {
		t.Fatal("BudgetKey() collides for different webhooks")
	}
	if len(a) != 16 || strings.Contains(a, "secret") {
		t.Fatalf("BudgetKey() = %q", a)
	}
}
