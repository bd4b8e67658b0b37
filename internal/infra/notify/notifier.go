// Package notify implements the user-facing notification feed the
// local UI polls for toast messages.
package notify

import (
	"sync"
	"time"

	"github.com/autocontrolpro/edge-agent-go/internal/domain"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Feed is a bounded in-memory notification feed. Oldest entries are
// evicted once the capacity is reached.
type Feed struct {
	mu       sync.Mutex
	items    []domain.Notification
	capacity int
	logger   *zap.Logger
}

// NewFeed creates a feed holding at most capacity notifications.
func NewFeed(capacity int, logger *zap.Logger) *Feed {
	if capacity <= 0 {
		capacity = 50
	}
	return &Feed{capacity: capacity, logger: logger}
}

// Notify appends a notification to the feed and mirrors it to the log.
func (f *Feed) Notify(n domain.Notification) {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.At.IsZero() {
		n.At = time.Now()
	}

	f.mu.Lock()
	f.items = append(f.items, n)
	if len(f.items) > f.capacity {
		f.items = f.items[len(f.items)-f.capacity:]
	}
	f.mu.Unlock()

	fields := []zap.Field{
		zap.String("title", n.Title),
		zap.String("message", n.Message),
	}
	if n.Level == domain.NotificationError {
		f.logger.Warn("notification", fields...)
	} else {
		f.logger.Info("notification", fields...)
	}
}

// Recent returns up to limit notifications, newest last.
func (f *Feed) Recent(limit int) []domain.Notification {
	f.mu.Lock()
	defer f.mu.Unlock()

	if limit <= 0 || limit > len(f.items) {
		limit = len(f.items)
	}
	out := make([]domain.Notification, limit)
	copy(out, f.items[len(f.items)-limit:])
	return out
}
