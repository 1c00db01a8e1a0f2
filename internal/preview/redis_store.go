// Package preview fans draft snapshots out to preview renderers through
// Redis: the latest frame per session is kept under a key with a TTL and
// every frame is published on the session's channel.
package preview

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"charterdesk/api/internal/syncstate"
)

var ErrNotFound = errors.New("no preview frame for session")

// Frame is one published draft snapshot.
type Frame struct {
	SessionID    string         `json:"sessionId"`
	Version      int64          `json:"version"`
	Fields       map[string]any `json:"fields"`
	Locked       []string       `json:"locked"`
	ActiveTurnID string         `json:"activeTurnId,omitempty"`
	Layer        string         `json:"layer"`
	UpdatedAt    time.Time      `json:"updatedAt"`
}

// FrameFromSnapshot flattens a container snapshot into a frame.
func FrameFromSnapshot(sessionID string, snap syncstate.Snapshot) Frame {
	locked := make([]string, 0, len(snap.Locks))
	for p, on := range snap.Locks {
		if on {
			locked = append(locked, p)
		}
	}
	sort.Strings(locked)
	return Frame{
		SessionID:    sessionID,
		Version:      snap.Draft.Version,
		Fields:       snap.Draft.Fields,
		Locked:       locked,
		ActiveTurnID: snap.ActiveTurnID,
		Layer:        string(snap.Layer),
		UpdatedAt:    snap.Draft.UpdatedAt,
	}
}

// RedisStore publishes preview frames.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore connects to redisURL and verifies the connection.
func NewRedisStore(redisURL string, ttl time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisStoreWithClient(client, ttl), nil
}

func NewRedisStoreWithClient(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &RedisStore{
		client: client,
		prefix: "charter:preview:",
		ttl:    ttl,
	}
}

func (s *RedisStore) key(sessionID string) string { return s.prefix + sessionID }

// Channel is the pub/sub channel frames of sessionID are published on.
func (s *RedisStore) Channel(sessionID string) string { return s.prefix + "events:" + sessionID }

// Publish stores frame as the session's latest and broadcasts it.
func (s *RedisStore) Publish(ctx context.Context, frame Frame) error {
	payload, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal preview frame: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.key(frame.SessionID), payload, s.ttl)
	pipe.Publish(ctx, s.Channel(frame.SessionID), payload)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish preview frame: %w", err)
	}
	return nil
}

// Latest returns the most recent frame stored for sessionID.
func (s *RedisStore) Latest(ctx context.Context, sessionID string) (Frame, error) {
	raw, err := s.client.Get(ctx, s.key(sessionID)).Result()
	if errors.Is(err, redis.Nil) {
		return Frame{}, ErrNotFound
	}
	if err != nil {
		return Frame{}, fmt.Errorf("lookup preview frame: %w", err)
	}
	var frame Frame
	if err := json.Unmarshal([]byte(raw), &frame); err != nil {
		return Frame{}, fmt.Errorf("unmarshal preview frame: %w", err)
	}
	return frame, nil
}

// Subscribe streams frames published for sessionID until ctx ends.
func (s *RedisStore) Subscribe(ctx context.Context, sessionID string) (<-chan Frame, error) {
	sub := s.client.Subscribe(ctx, s.Channel(sessionID))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe preview channel: %w", err)
	}
	out := make(chan Frame, 16)
	go func() {
		defer close(out)
		defer sub.Close()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var frame Frame
				if err := json.Unmarshal([]byte(msg.Payload), &frame); err != nil {
					continue
				}
				select {
				case out <- frame:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Delete removes the stored frame, e.g. when a session is closed.
func (s *RedisStore) Delete(ctx context.Context, sessionID string) error {
	if err := s.client.Del(ctx, s.key(sessionID)).Err(); err != nil {
		return fmt.Errorf("delete preview frame: %w", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Publisher is what Forward needs from a preview backend.
type Publisher interface {
	Publish(ctx context.Context, frame Frame) error
}

// Forward publishes every snapshot received on snaps until the channel
// closes or ctx ends. Publish failures are logged and do not stop it.
func Forward(ctx context.Context, pub Publisher, sessionID string, snaps <-chan syncstate.Snapshot, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-snaps:
			if !ok {
				return
			}
			if err := pub.Publish(ctx, FrameFromSnapshot(sessionID, snap)); err != nil && ctx.Err() == nil {
				logger.Warn("preview: publish failed", "session_id", sessionID, "version", snap.Draft.Version, "error", err)
			}
		}
	}
}
