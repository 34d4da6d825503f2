package store

import (
	"context"
	"errors"

	"github.com/pliu/ume/internal/models"
)

// DefaultConversationLimit bounds FindConversation when callers pass no limit.
const DefaultConversationLimit = 50

var ErrNotFound = errors.New("store: message not found")

type Store interface {
	// Append persists m with Delivered=false, assigns m.ID and returns it.
	Append(ctx context.Context, m *models.Message) (string, error)
	MarkDelivered(ctx context.Context, id string) error
	// FindUndelivered returns messages addressed to username that were never
	// pushed, oldest first.
	FindUndelivered(ctx context.Context, username string) ([]models.Message, error)
	// FindConversation returns the most recent limit messages exchanged
	// between userA and userB in ascending creation order.
	FindConversation(ctx context.Context, userA, userB string, limit int) ([]models.Message, error)
	Close() error
}
