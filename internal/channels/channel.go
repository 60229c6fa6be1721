package channels

import (
	"context"
)

// Channel is a chat integration that feeds the inbox.
type Channel interface {
	// Name returns the unique name of the channel (e.g., "telegram").
	Name() string

	// Start blocks until the context is canceled or a fatal error occurs.
	Start(ctx context.Context) error
}
