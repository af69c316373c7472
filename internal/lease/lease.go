package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrNotHeld is returned by Renew when the stored lease no longer belongs
// to the caller, i.e. it expired and another worker reclaimed it.
var ErrNotHeld = errors.New("lease not held")

// Lease is an exclusive, time-bounded execution right for a named job.
type Lease struct {
	JobName    string
	HolderID   string
	RunID      string
	AcquiredAt time.Time
	ExpiresAt  time.Time
}

// Manager implements the cross-worker lock on Redis. Each job name maps to
// one hash; all conditional transitions run as single Lua scripts so the
// check and the write are atomic.
type Manager struct {
	client *redis.Client
	prefix string
}

func NewManager(client *redis.Client) *Manager {
	return &Manager{client: client, prefix: "lease:"}
}

func (m *Manager) key(jobName string) string {
	return m.prefix + jobName
}

// TryAcquire claims the lease for jobName unless an unexpired lease exists.
// ok=false with a nil error means another worker is already running the
// job; the caller skips this trigger silently.
func (m *Manager) TryAcquire(ctx context.Context, jobName, holderID string, ttl time.Duration) (Lease, bool, error) {
	runID := uuid.New().String()
	now := time.Now()
	expires := now.Add(ttl)

	res, err := acquireScript.Run(ctx, m.client, []string{m.key(jobName)},
		holderID, runID, now.UnixMilli(), expires.UnixMilli()).Result()
	if err != nil {
		return Lease{}, false, fmt.Errorf("acquire lease %s: %w", jobName, err)
	}
	if n, _ := res.(int64); n != 1 {
		return Lease{}, false, nil
	}
	return Lease{
		JobName:    jobName,
		HolderID:   holderID,
		RunID:      runID,
		AcquiredAt: now,
		ExpiresAt:  expires,
	}, true, nil
}

// Renew extends the lease by ttl from now, but only while the stored
// holder and run still match. A preempted holder gets ErrNotHeld and must
// not keep writing under the assumption of exclusivity.
func (m *Manager) Renew(ctx context.Context, l *Lease, ttl time.Duration) error {
	now := time.Now()
	expires := now.Add(ttl)

	res, err := renewScript.Run(ctx, m.client, []string{m.key(l.JobName)},
		l.HolderID, l.RunID, expires.UnixMilli(), now.UnixMilli()).Result()
	if err != nil {
		return fmt.Errorf("renew lease %s: %w", l.JobName, err)
	}
	if n, _ := res.(int64); n != 1 {
		return ErrNotHeld
	}
	l.ExpiresAt = expires
	return nil
}

// Release deletes the lease if the caller still holds it. Releasing a
// lease that was already reclaimed is a no-op success: the job finished,
// exclusivity just moved on without it.
func (m *Manager) Release(ctx context.Context, l Lease) error {
	err := releaseScript.Run(ctx, m.client, []string{m.key(l.JobName)}, l.HolderID, l.RunID).Err()
	if err != nil {
		return fmt.Errorf("release lease %s: %w", l.JobName, err)
	}
	return nil
}

// Current returns the stored lease for a job name, if any. Used for
// operational inspection only; never for synchronization decisions.
func (m *Manager) Current(ctx context.Context, jobName string) (Lease, bool, error) {
	vals, err := m.client.HGetAll(ctx, m.key(jobName)).Result()
	if err != nil {
		return Lease{}, false, fmt.Errorf("read lease %s: %w", jobName, err)
	}
	if len(vals) == 0 {
		return Lease{}, false, nil
	}
	l := Lease{
		JobName:  jobName,
		HolderID: vals["holder_id"],
		RunID:    vals["run_id"],
	}
	if ms, ok := parseMilli(vals["acquired_at_ms"]); ok {
		l.AcquiredAt = ms
	}
	if ms, ok := parseMilli(vals["expires_at_ms"]); ok {
		l.ExpiresAt = ms
	}
	return l, true, nil
}

func parseMilli(s string) (time.Time, bool) {
	var ms int64
	if _, err := fmt.Sscanf(s, "%d", &ms); err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}

// Claim iff the hash is absent or its expiry is in the past. The key gets
// a PEXPIRE slightly past the lease expiry so crashed holders cannot leak
// keys forever even if nothing ever reclaims the job.
var acquireScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'expires_at_ms')
if cur and tonumber(cur) > tonumber(ARGV[3]) then
  return 0
end
redis.call('HSET', KEYS[1],
  'holder_id', ARGV[1],
  'run_id', ARGV[2],
  'acquired_at_ms', ARGV[3],
  'expires_at_ms', ARGV[4])
redis.call('PEXPIRE', KEYS[1], tonumber(ARGV[4]) - tonumber(ARGV[3]) + 60000)
return 1
`)

var renewScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'holder_id') ~= ARGV[1] then
  return 0
end
if redis.call('HGET', KEYS[1], 'run_id') ~= ARGV[2] then
  return 0
end
redis.call('HSET', KEYS[1], 'expires_at_ms', ARGV[3])
redis.call('PEXPIRE', KEYS[1], tonumber(ARGV[3]) - tonumber(ARGV[4]) + 60000)
return 1
`)

var releaseScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'holder_id') == ARGV[1] and redis.call('HGET', KEYS[1], 'run_id') == ARGV[2] then
  redis.call('DEL', KEYS[1])
end
return 1
`)
