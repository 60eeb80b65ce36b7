// Package sessions owns live conversation state: a capacity-bounded store of
// sessions and their message histories, read-time context trimming, and
// per-key turn serialization.
package sessions

import (
	"context"
	"errors"

	"github.com/haasonsaas/clawgate/pkg/models"
)

// ErrNotFound is returned when a session key or id is unknown.
var ErrNotFound = errors.New("session not found")

// Store is the interface for session state.
// Histories are append-only; only Delete (and capacity eviction) discards
// stored messages.
type Store interface {
	// GetOrCreate returns the session for key, creating it if absent.
	// Creation may synchronously evict the least-recently-active session
	// to stay within capacity.
	GetOrCreate(ctx context.Context, key string, channel models.ChannelType, channelID string) (*models.Session, error)
	Get(ctx context.Context, key string) (*models.Session, error)
	Delete(ctx context.Context, key string) error

	// Touch bumps the session's last-activity timestamp.
	Touch(ctx context.Context, key string) error

	AppendMessage(ctx context.Context, key string, msg *models.Message) error
	GetHistory(ctx context.Context, key string, limit int) ([]*models.Message, error)

	List(ctx context.Context) ([]*models.Session, error)
	Count(ctx context.Context) (int, error)
}

// SessionKey builds a session key from a channel and a platform identity.
func SessionKey(channel models.ChannelType, channelID string) string {
	return string(channel) + ":" + channelID
}
