// Package presence tracks which peers currently hold a relay connection.
package presence

import (
	"context"
	"errors"

	"github.com/mossy-p/peerlink/internal/models"
)

// ErrNotFound is returned by Lookup for a peer that is not online.
var ErrNotFound = errors.New("presence: peer not online")

// Store records online peers. Implementations must be safe for concurrent use.
type Store interface {
	Add(ctx context.Context, user models.OnlineUser) error
	Remove(ctx context.Context, peerID string) error
	Lookup(ctx context.Context, peerID string) (models.OnlineUser, error)
	List(ctx context.Context) ([]models.OnlineUser, error)
}
