package notify

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestGuardBlocksSameDayDuplicates(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()
	g := NewGuard(redis.NewClient(&redis.Options{Addr: mr.Addr()}), 48*time.Hour)

	day := time.Date(2025, 1, 4, 7, 0, 0, 0, time.UTC)

	first, err := g.FirstToday(ctx, "stage-123", day)
	if err != nil || !first {
		t.Fatalf("first claim: first=%v err=%v", first, err)
	}
	again, err := g.FirstToday(ctx, "stage-123", day)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if again {
		t.Fatal("same-day duplicate was not suppressed")
	}

	// Different subject, same day: independent.
	other, err := g.FirstToday(ctx, "stage-456", day)
	if err != nil || !other {
		t.Fatalf("other subject: first=%v err=%v", other, err)
	}

	// Same subject, next civil day: a fresh slot.
	next, err := g.FirstToday(ctx, "stage-123", day.AddDate(0, 0, 1))
	if err != nil || !next {
		t.Fatalf("next day: first=%v err=%v", next, err)
	}
}

func TestGuardKeysExpire(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()
	g := NewGuard(redis.NewClient(&redis.Options{Addr: mr.Addr()}), time.Hour)

	day := time.Date(2025, 1, 4, 7, 0, 0, 0, time.UTC)
	if _, err := g.FirstToday(ctx, "stage-123", day); err != nil {
		t.Fatalf("claim: %v", err)
	}

	mr.FastForward(2 * time.Hour)
	first, err := g.FirstToday(ctx, "stage-123", day)
	if err != nil || !first {
		t.Fatalf("expected expired key to be claimable again: first=%v err=%v", first, err)
	}
}
