// Package clip holds synthesized audio between the moment it is produced and
// the moment the telephony platform fetches it. Each clip is retrievable
// exactly once and expires if never fetched.
package clip

import (
	"context"
	"errors"
	"expvar"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultTTL        = 60 * time.Second
	DefaultMaxEntries = 1024
)

// ErrNotFound is returned by Take for unknown, expired, or already taken ids.
var ErrNotFound = errors.New("clip: not found")

// Clip is a stored audio payload.
type Clip struct {
	ID       string
	Data     []byte
	MIMEType string
}

// Store is a short-lived, take-once audio store. Implementations must be
// safe for concurrent use; two concurrent Takes of the same id succeed at
// most once.
type Store interface {
	// Put stores data and returns the id it can be taken with.
	Put(ctx context.Context, data []byte, mimeType string) (string, error)
	// Take returns the clip and removes it.
	Take(ctx context.Context, id string) (Clip, error)
	Close() error
}

// stats counts store activity, published under "clip" on /debug/vars.
var stats = expvar.NewMap("clip")

func newID() string {
	return uuid.NewString()
}
