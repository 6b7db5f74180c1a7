package cms

import (
	"strings"

	"github.com/google/uuid"
)

// udiPrefix is the scheme the CMS uses for media references.
const udiPrefix = "umb://media/"

// MediaRef is a normalized media key.
type MediaRef string

func (r MediaRef) String() string { return string(r) }

// ParseMediaRef normalizes the reference forms the CMS emits: a GUID with
// or without dashes, or a udi of the form umb://media/<32 hex>. Anything
// that is not a UUID is kept as the trimmed raw id. Empty input yields
// an empty ref.
func ParseMediaRef(s string) MediaRef {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	raw := s
	if len(s) > len(udiPrefix) && strings.EqualFold(s[:len(udiPrefix)], udiPrefix) {
		raw = s[len(udiPrefix):]
	}
	if id, err := uuid.Parse(raw); err == nil {
		return MediaRef(id.String())
	}
	return MediaRef(raw)
}
