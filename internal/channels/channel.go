// Package channels integrates messaging platforms as notification targets.
package channels

import (
	"context"
)

// Notifier defines the interface for a platform that can host notification
// threads. A thread groups all messages for one session behind a single
// platform-specific reference.
type Notifier interface {
	// Name returns the unique name of the channel (e.g., "telegram").
	Name() string

	// CreateThread creates a new thread titled for a session and returns
	// the channel id and an opaque thread reference for later posts.
	CreateThread(ctx context.Context, title string) (channelID, threadRef string, err error)

	// Post appends a message to an existing thread. An empty threadRef
	// posts without thread continuity.
	Post(ctx context.Context, threadRef, text string) error
}
