package services

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"quiz-progression-system/cache"
	"quiz-progression-system/logger"

	"github.com/redis/go-redis/v9"
)

type EventType string

const (
	EventProgressionUpdate   EventType = "progression_update"
	EventLevelUp             EventType = "level_up"
	EventAchievementUnlocked EventType = "achievement_unlocked"
	EventLeaderboardUpdate   EventType = "leaderboard_update"
	EventRankChanged         EventType = "rank_changed"
	EventStreakMilestone     EventType = "streak_milestone"
)

// Event is a logical notification for the realtime gateway.
type Event struct {
	Type    EventType `json:"type"`
	UserID  string    `json:"user_id"`
	Payload any       `json:"payload,omitempty"`
	At      time.Time `json:"at"`
}

// Notifier delivers events best-effort. Implementations must not block for long and never fail
// the caller.
type Notifier interface {
	Notify(ctx context.Context, e Event)
}

type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, Event) {}

// LogNotifier writes events to the log. Used when no Redis is configured.
type LogNotifier struct {
	log *logger.Logger
}

func NewLogNotifier(log *logger.Logger) *LogNotifier {
	return &LogNotifier{log: log.With("service", "LogNotifier")}
}

func (n *LogNotifier) Notify(_ context.Context, e Event) {
	n.log.Info("📣 event", "type", e.Type, "user_id", e.UserID)
}

// RedisNotifier publishes events as JSON on a Redis channel.
type RedisNotifier struct {
	log     *logger.Logger
	rdb     *redis.Client
	channel string
}

func NewRedisNotifier(rdb *redis.Client, channel string, log *logger.Logger) *RedisNotifier {
	if channel == "" {
		channel = "quiz-events"
	}
	return &RedisNotifier{
		log:     log.With("service", "RedisNotifier"),
		rdb:     rdb,
		channel: channel,
	}
}

func (n *RedisNotifier) Notify(ctx context.Context, e Event) {
	raw, err := json.Marshal(e)
	if err != nil {
		n.log.Warn("event marshal failed", "type", e.Type, "error", err)
		return
	}
	if err := n.rdb.Publish(ctx, n.channel, raw).Err(); err != nil {
		n.log.Warn("event publish failed", "type", e.Type, "user_id", e.UserID, "error", err)
	}
}

// Recorder keeps events in memory. Tests and the CLI use it to inspect what would be sent.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Notify(_ context.Context, e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfType filters recorded events.
func (r *Recorder) OfType(t EventType) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// sideEffects collects everything that must only happen after the authoritative write commits.
type sideEffects struct {
	events   []Event
	unlocked []UnlockedAchievement
	keys     []string
	prefixes []string
}

func (fx *sideEffects) emit(t EventType, userID string, payload any, at time.Time) {
	fx.events = append(fx.events, Event{Type: t, UserID: userID, Payload: payload, At: at})
}

func (fx *sideEffects) invalidate(keys ...string) {
	fx.keys = append(fx.keys, keys...)
}

func (fx *sideEffects) invalidatePrefix(prefixes ...string) {
	fx.prefixes = append(fx.prefixes, prefixes...)
}

func (fx *sideEffects) invalidateUser(userID string) {
	fx.invalidate(
		cache.UserKey(cache.NSProgression, userID),
		cache.UserKey(cache.NSUserStats, userID),
	)
}

// apply runs cache invalidation then notifications. Neither can fail the caller.
func (fx *sideEffects) apply(ctx context.Context, c *cache.Cache, n Notifier) {
	if c != nil {
		for _, k := range fx.keys {
			c.Delete(k)
		}
		for _, p := range fx.prefixes {
			c.InvalidatePrefix(p)
		}
	}
	if n == nil {
		return
	}
	for _, e := range fx.events {
		n.Notify(ctx, e)
	}
}
