package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Guard is the duplicate-dispatch guard: one send per subject per civil
// day, enforced with a SET NX key so overlapping runs (crash retry, lease
// reclaim) cannot double-send the same day's reminder.
type Guard struct {
	client *redis.Client
	ttl    time.Duration
}

// NewGuard builds a guard whose keys outlive the day they protect. The
// TTL only bounds Redis growth; the date in the key does the guarding.
func NewGuard(client *redis.Client, ttl time.Duration) *Guard {
	if ttl <= 0 {
		ttl = 48 * time.Hour
	}
	return &Guard{client: client, ttl: ttl}
}

// FirstToday claims the day-keyed slot for subject. true means the caller
// is the first this civil day and may dispatch; day must already be in
// the tenant's timezone.
func (g *Guard) FirstToday(ctx context.Context, subject string, day time.Time) (bool, error) {
	key := guardKey(subject, day)
	ok, err := g.client.SetNX(ctx, key, 1, g.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dispatch guard %s: %w", key, err)
	}
	return ok, nil
}

// Release frees the day's slot again. Called when a claimed send fails,
// so a later pass the same day may retry instead of waiting for tomorrow.
func (g *Guard) Release(ctx context.Context, subject string, day time.Time) error {
	key := guardKey(subject, day)
	if err := g.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("release dispatch guard %s: %w", key, err)
	}
	return nil
}

func guardKey(subject string, day time.Time) string {
	return fmt.Sprintf("dispatch:%s:%s", subject, day.Format("2006-01-02"))
}
