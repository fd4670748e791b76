package badge

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func setupTestCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	cache, err := NewCache("redis://"+s.Addr(), 30*time.Second)
	if err != nil {
		t.Fatalf("failed to create badge cache: %v", err)
	}
	return cache, s
}

func TestNewCache(t *testing.T) {
	s := miniredis.RunT(t)
	defer s.Close()

	cache, err := NewCache("redis://"+s.Addr(), 30*time.Second)
	if err != nil {
		t.Fatalf("NewCache failed: %v", err)
	}
	defer cache.Close()

	if err := cache.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}

func TestSetAndGetCount(t *testing.T) {
	cache, s := setupTestCache(t)
	defer cache.Close()
	defer s.Close()

	ctx := context.Background()

	if err := cache.SetNewConversationCount(ctx, "user-123", 4); err != nil {
		t.Fatalf("SetNewConversationCount failed: %v", err)
	}

	count, ok, err := cache.GetNewConversationCount(ctx, "user-123")
	if err != nil {
		t.Fatalf("GetNewConversationCount failed: %v", err)
	}
	if !ok {
		t.Fatal("expected cache hit")
	}
	if count != 4 {
		t.Errorf("expected count 4, got %d", count)
	}
}

func TestGetMissingCountIsNotAnError(t *testing.T) {
	cache, s := setupTestCache(t)
	defer cache.Close()
	defer s.Close()

	count, ok, err := cache.GetNewConversationCount(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("GetNewConversationCount failed: %v", err)
	}
	if ok {
		t.Fatal("expected cache miss")
	}
	if count != 0 {
		t.Errorf("expected zero count on miss, got %d", count)
	}
}

func TestCountExpires(t *testing.T) {
	s := miniredis.RunT(t)
	defer s.Close()

	cache, err := NewCache("redis://"+s.Addr(), time.Second)
	if err != nil {
		t.Fatalf("NewCache failed: %v", err)
	}
	defer cache.Close()

	ctx := context.Background()
	if err := cache.SetNewConversationCount(ctx, "user-123", 2); err != nil {
		t.Fatalf("SetNewConversationCount failed: %v", err)
	}

	s.FastForward(2 * time.Second)

	_, ok, err := cache.GetNewConversationCount(ctx, "user-123")
	if err != nil {
		t.Fatalf("GetNewConversationCount failed: %v", err)
	}
	if ok {
		t.Fatal("expected entry to expire")
	}
}

func TestInvalidateDropsOnlyGivenUsers(t *testing.T) {
	cache, s := setupTestCache(t)
	defer cache.Close()
	defer s.Close()

	ctx := context.Background()
	for userID, count := range map[string]int{"u1": 1, "u2": 2, "u3": 3} {
		if err := cache.SetNewConversationCount(ctx, userID, count); err != nil {
			t.Fatalf("SetNewConversationCount failed: %v", err)
		}
	}

	if err := cache.Invalidate(ctx, "u1", "u2"); err != nil {
		t.Fatalf("Invalidate failed: %v", err)
	}

	if _, ok, _ := cache.GetNewConversationCount(ctx, "u1"); ok {
		t.Error("expected u1 to be invalidated")
	}
	if _, ok, _ := cache.GetNewConversationCount(ctx, "u2"); ok {
		t.Error("expected u2 to be invalidated")
	}
	if count, ok, _ := cache.GetNewConversationCount(ctx, "u3"); !ok || count != 3 {
		t.Errorf("expected u3 to survive with count 3, got ok=%v count=%d", ok, count)
	}

	if err := cache.Invalidate(ctx); err != nil {
		t.Errorf("Invalidate with no users should be a no-op, got %v", err)
	}
}
