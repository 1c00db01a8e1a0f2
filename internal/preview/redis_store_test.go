package preview

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"charterdesk/api/internal/model"
	"charterdesk/api/internal/syncstate"
)

func setupTestRedis(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	store, err := NewRedisStore("redis://"+s.Addr(), time.Minute)
	if err != nil {
		t.Fatalf("failed to create redis store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store, s
}

func TestNewRedisStore(t *testing.T) {
	store, _ := setupTestRedis(t)
	if err := store.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}

func TestNewRedisStoreRejectsBadURL(t *testing.T) {
	if _, err := NewRedisStore("not a url", time.Minute); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestPublishAndLatest(t *testing.T) {
	store, s := setupTestRedis(t)
	ctx := context.Background()

	frame := Frame{SessionID: "ses-1", Version: 2, Fields: map[string]any{"project.name": "Aurora"}, Locked: []string{"project.name"}}
	if err := store.Publish(ctx, frame); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	got, err := store.Latest(ctx, "ses-1")
	if err != nil {
		t.Fatalf("Latest failed: %v", err)
	}
	if got.Version != 2 || got.Fields["project.name"] != "Aurora" {
		t.Fatalf("unexpected frame: %+v", got)
	}
	if ttl := s.TTL(store.key("ses-1")); ttl != time.Minute {
		t.Errorf("expected 1m TTL, got %v", ttl)
	}
}

func TestLatestExpiresWithTTL(t *testing.T) {
	store, s := setupTestRedis(t)
	ctx := context.Background()
	if err := store.Publish(ctx, Frame{SessionID: "ses-1", Version: 1}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	s.FastForward(2 * time.Minute)
	if _, err := store.Latest(ctx, "ses-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after expiry, got %v", err)
	}
}

func TestDeleteAndIsolation(t *testing.T) {
	store, _ := setupTestRedis(t)
	ctx := context.Background()
	for _, id := range []string{"ses-1", "ses-2"} {
		if err := store.Publish(ctx, Frame{SessionID: id, Version: 1}); err != nil {
			t.Fatalf("Publish %s failed: %v", id, err)
		}
	}
	if err := store.Delete(ctx, "ses-1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := store.Latest(ctx, "ses-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ses-1 gone, got %v", err)
	}
	if _, err := store.Latest(ctx, "ses-2"); err != nil {
		t.Errorf("ses-2 should remain: %v", err)
	}
	if err := store.Delete(ctx, "missing"); err != nil {
		t.Errorf("Delete of missing key failed: %v", err)
	}
}

func TestSubscribeReceivesPublishedFrames(t *testing.T) {
	store, _ := setupTestRedis(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	frames, err := store.Subscribe(ctx, "ses-1")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if err := store.Publish(ctx, Frame{SessionID: "ses-1", Version: 7}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	select {
	case f := <-frames:
		if f.Version != 7 {
			t.Fatalf("unexpected frame version %d", f.Version)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no frame received")
	}
}

func TestForwardPublishesContainerSnapshots(t *testing.T) {
	store, _ := setupTestRedis(t)
	c := syncstate.New(syncstate.Options{})
	snaps, unsubscribe := c.Subscribe()
	defer unsubscribe()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		Forward(ctx, store, "ses-1", snaps, nil)
		close(done)
	}()

	c.ApplyUserPatch(model.DocumentPatch{ID: "p1", Fields: map[string]any{"project.name": "Aurora"}})

	deadline := time.Now().Add(2 * time.Second)
	for {
		f, err := store.Latest(context.Background(), "ses-1")
		if err == nil && f.Version == 1 {
			if len(f.Locked) != 1 || f.Locked[0] != "project.name" {
				t.Fatalf("unexpected locks %v", f.Locked)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("frame never forwarded: %+v %v", f, err)
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done
}
