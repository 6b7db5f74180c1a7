// Package outputcache stores rendered responses so repeat requests skip
// template rendering. The publish workflow clears it wholesale.
package outputcache

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// DefaultTTL bounds how long an entry lives when nothing clears it.
const DefaultTTL = 10 * time.Minute

// ErrStale is returned by Set when the entry was rendered before the most
// recent Clear.
var ErrStale = errors.New("outputcache: entry predates the last clear")

// Entry is one cached response.
type Entry struct {
	Status   int         `json:"status"`
	Header   http.Header `json:"header"`
	Body     []byte      `json:"body"`
	StoredAt time.Time   `json:"stored_at"`
	// Generation is the cache generation observed before rendering.
	Generation uint64 `json:"generation"`
}

// Cache is implemented by the memory and valkey backends.
type Cache interface {
	Get(ctx context.Context, key string) (Entry, bool, error)
	// Set stores e unless e.Generation is older than the current
	// generation, in which case it returns ErrStale and stores nothing.
	Set(ctx context.Context, key string, e Entry) error
	// Clear evicts every entry, advances the generation and returns how
	// many entries were dropped.
	Clear(ctx context.Context) (int, error)
	Generation(ctx context.Context) (uint64, error)
	Len(ctx context.Context) (int64, error)
	Close(ctx context.Context) error
}

func cloneEntry(e Entry) Entry {
	out := Entry{Status: e.Status, StoredAt: e.StoredAt, Generation: e.Generation, Header: e.Header.Clone()}
	if e.Body != nil {
		out.Body = append([]byte(nil), e.Body...)
	}
	return out
}
