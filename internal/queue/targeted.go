package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

const targetedKey = "sync:targeted"

// TargetedQueue holds member refs flagged by webhook ingestion until the
// targeted reconciliation job drains them. Entries are "tenant|ref"; a
// set alongside the list dedupes refs that arrive repeatedly between runs.
type TargetedQueue struct {
	client *redis.Client
}

func NewTargetedQueue(client *redis.Client) *TargetedQueue {
	return &TargetedQueue{client: client}
}

func entry(tenantID, externalRef string) string {
	return tenantID + "|" + externalRef
}

// Push enqueues one member for out-of-band reconciliation. Pushing a ref
// that is already waiting is a no-op.
func (q *TargetedQueue) Push(ctx context.Context, tenantID, externalRef string) error {
	if tenantID == "" || externalRef == "" {
		return errors.New("tenant and member ref are required")
	}
	err := pushScript.Run(ctx, q.client, []string{targetedKey, targetedKey + ":members"},
		entry(tenantID, externalRef)).Err()
	if err != nil {
		return fmt.Errorf("enqueue targeted sync: %w", err)
	}
	return nil
}

// Pop dequeues the oldest waiting ref. ok=false means the queue is empty.
func (q *TargetedQueue) Pop(ctx context.Context) (tenantID, externalRef string, ok bool, err error) {
	val, err := popScript.Run(ctx, q.client, []string{targetedKey, targetedKey + ":members"}).Text()
	if errors.Is(err, redis.Nil) {
		return "", "", false, nil
	}
	if err != nil {
		return "", "", false, fmt.Errorf("dequeue targeted sync: %w", err)
	}

	tenantID, externalRef, found := strings.Cut(val, "|")
	if !found || tenantID == "" || externalRef == "" {
		return "", "", false, fmt.Errorf("malformed targeted sync entry %q", val)
	}
	return tenantID, externalRef, true, nil
}

// Depth reports how many refs are waiting, for the queue-depth gauge.
func (q *TargetedQueue) Depth(ctx context.Context) (int64, error) {
	n, err := q.client.LLen(ctx, targetedKey).Result()
	if err != nil {
		return 0, fmt.Errorf("targeted queue depth: %w", err)
	}
	return n, nil
}

// The set and list must move together: a ref left in the dedup set with
// no matching list entry would make every later Push a silent no-op.
var pushScript = redis.NewScript(`
if redis.call('SADD', KEYS[2], ARGV[1]) == 1 then
  redis.call('RPUSH', KEYS[1], ARGV[1])
  return 1
end
return 0
`)

var popScript = redis.NewScript(`
local val = redis.call('LPOP', KEYS[1])
if val then
  redis.call('SREM', KEYS[2], val)
end
return val
`)
