package queue

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestQueue(t *testing.T) *TargetedQueue {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewTargetedQueue(client)
}

func TestPushPopFIFO(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	if err := q.Push(ctx, "tenant-a", "crm-101"); err != nil {
		t.Fatalf("push: %v", err)
	}
	if err := q.Push(ctx, "tenant-b", "crm-202"); err != nil {
		t.Fatalf("push: %v", err)
	}

	tenant, ref, ok, err := q.Pop(ctx)
	if err != nil || !ok {
		t.Fatalf("pop: ok=%v err=%v", ok, err)
	}
	if tenant != "tenant-a" || ref != "crm-101" {
		t.Errorf("expected first entry, got %s/%s", tenant, ref)
	}

	tenant, ref, ok, err = q.Pop(ctx)
	if err != nil || !ok {
		t.Fatalf("pop: ok=%v err=%v", ok, err)
	}
	if tenant != "tenant-b" || ref != "crm-202" {
		t.Errorf("expected second entry, got %s/%s", tenant, ref)
	}

	if _, _, ok, err = q.Pop(ctx); err != nil || ok {
		t.Errorf("expected empty queue, got ok=%v err=%v", ok, err)
	}
}

func TestPushDedupesWaitingRefs(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := q.Push(ctx, "tenant-a", "crm-101"); err != nil {
			t.Fatalf("push: %v", err)
		}
	}

	depth, err := q.Depth(ctx)
	if err != nil {
		t.Fatalf("depth: %v", err)
	}
	if depth != 1 {
		t.Errorf("expected depth 1 after duplicate pushes, got %d", depth)
	}

	// Once popped, the same ref can be enqueued again.
	if _, _, ok, err := q.Pop(ctx); err != nil || !ok {
		t.Fatalf("pop: ok=%v err=%v", ok, err)
	}
	if err := q.Push(ctx, "tenant-a", "crm-101"); err != nil {
		t.Fatalf("re-push: %v", err)
	}
	depth, _ = q.Depth(ctx)
	if depth != 1 {
		t.Errorf("expected depth 1 after re-push, got %d", depth)
	}
}

func TestPopRemovesDedupEntryWithListEntry(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	q := NewTargetedQueue(client)
	ctx := context.Background()

	if err := q.Push(ctx, "tenant-a", "crm-101"); err != nil {
		t.Fatalf("push: %v", err)
	}
	if member, _ := client.SIsMember(ctx, "sync:targeted:members", "tenant-a|crm-101").Result(); !member {
		t.Fatal("pushed ref missing from dedup set")
	}

	if _, _, ok, err := q.Pop(ctx); err != nil || !ok {
		t.Fatalf("pop: ok=%v err=%v", ok, err)
	}
	// Pop removes list entry and dedup member together; a leftover set
	// member would turn every later Push for this ref into a no-op.
	if member, _ := client.SIsMember(ctx, "sync:targeted:members", "tenant-a|crm-101").Result(); member {
		t.Fatal("popped ref still marked as waiting in dedup set")
	}

	if err := q.Push(ctx, "tenant-a", "crm-101"); err != nil {
		t.Fatalf("re-push: %v", err)
	}
	tenant, ref, ok, err := q.Pop(ctx)
	if err != nil || !ok {
		t.Fatalf("re-pushed ref was lost: ok=%v err=%v", ok, err)
	}
	if tenant != "tenant-a" || ref != "crm-101" {
		t.Errorf("got %s/%s", tenant, ref)
	}
}

func TestPushRejectsEmptyFields(t *testing.T) {
	q := newTestQueue(t)
	if err := q.Push(context.Background(), "", "crm-101"); err == nil {
		t.Error("expected error for empty tenant")
	}
	if err := q.Push(context.Background(), "tenant-a", ""); err == nil {
		t.Error("expected error for empty ref")
	}
}
