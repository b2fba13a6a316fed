// Package presence keeps bot presence honest: a bot is "online" only while
// it holds at least one live event queue. Human presence is tracked by the
// frontends; bots have no UI, so queue liveness is the only signal.
package presence

import (
	"context"
	"log/slog"
	"sync"

	"github.com/chatrelay/chatrelay/internal/registry"
)

// StatusSink receives bot status transitions. The production sink writes to
// the presence store; tests inject a recorder.
type StatusSink interface {
	SetBotOffline(ctx context.Context, userID int64) error
}

// BotTracker watches queue garbage collection for bot users.
type BotTracker struct {
	sink StatusSink
	log  *slog.Logger

	mu   sync.RWMutex
	bots map[int64]bool
}

// NewBotTracker returns a tracker that reports transitions to sink.
func NewBotTracker(sink StatusSink, log *slog.Logger) *BotTracker {
	if log == nil {
		log = slog.Default()
	}
	return &BotTracker{
		sink: sink,
		log:  log,
		bots: make(map[int64]bool),
	}
}

// MarkBot records that userID is a bot account.
func (t *BotTracker) MarkBot(userID int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.bots[userID] = true
}

// UnmarkBot forgets a bot, e.g. after account deactivation.
func (t *BotTracker) UnmarkBot(userID int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.bots, userID)
}

// IsBot reports whether userID is tracked as a bot.
func (t *BotTracker) IsBot(userID int64) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.bots[userID]
}

// GCHook is registered with the registry. When a bot's last queue is
// collected, the bot has no way left to hear anything and is marked offline.
func (t *BotTracker) GCHook(userID int64, _ *registry.ClientDescriptor, lastForUser bool) {
	if !lastForUser || !t.IsBot(userID) {
		return
	}
	if err := t.sink.SetBotOffline(context.Background(), userID); err != nil {
		t.log.Error("mark bot offline",
			slog.Int64("user_id", userID),
			slog.Any("error", err))
	}
}
