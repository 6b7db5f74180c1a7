// Package cachebust holds the asset version token appended to asset URLs.
//
// A single Token is constructed at startup and handed to both the URL
// rendering layer and the publish workflow. Regenerating it changes the
// ?v= suffix on every asset URL rendered afterwards, which forces browsers
// and CDNs to refetch.
//
// The token is not persisted: a restart picks a fresh random value, which
// only invalidates URLs issued by the previous process.
package cachebust

import (
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/keithlinneman/linnemanlabs-sitestyle/internal/cryptoutil"
)

// Length is the number of hex characters kept from the digest.
const Length = 8

// Token is safe for concurrent use. Reads are lock-free; regenerations
// are serialized.
type Token struct {
	mu    sync.Mutex
	value atomic.Pointer[string]

	// onRegenerate is called with the old and new value while mu is held.
	onRegenerate func(prev, next string)
	now          func() time.Time
	newID        func() string
}

type Option func(*Token)

// WithOnRegenerate registers a callback run after each successful swap.
func WithOnRegenerate(fn func(prev, next string)) Option {
	return func(t *Token) { t.onRegenerate = fn }
}

// New returns a Token seeded with a fresh random value.
func New(opts ...Option) *Token {
	t := &Token{
		now:   time.Now,
		newID: uuid.NewString,
	}
	for _, o := range opts {
		o(t)
	}
	v := t.generate()
	t.value.Store(&v)
	return t
}

// Value returns the current token. It never blocks.
func (t *Token) Value() string {
	return *t.value.Load()
}

// Regenerate computes a new token, swaps it in and returns it.
func (t *Token) Regenerate() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	prev := t.Value()
	next := t.generate()
	// a regeneration must always change the value
	for next == prev {
		next = t.generate()
	}
	t.value.Store(&next)

	if t.onRegenerate != nil {
		t.onRegenerate(prev, next)
	}
	return next
}

// generate hashes timestamp + random id and keeps the first Length hex chars.
func (t *Token) generate() string {
	seed := strconv.FormatInt(t.now().UnixNano(), 10) + t.newID()
	return cryptoutil.SHA256Hex([]byte(seed))[:Length]
}

// Valid reports whether s has the shape of a token.
func Valid(s string) bool {
	if len(s) != Length {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
