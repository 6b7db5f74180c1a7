package cms

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by stores when an entity or media record does not exist.
var ErrNotFound = errors.New("cms: not found")

// EditorKind names the editor a property was authored with.
type EditorKind string

const (
	EditorText     EditorKind = "text"
	EditorColor    EditorKind = "color"
	EditorInteger  EditorKind = "integer"
	EditorMedia    EditorKind = "media"
	EditorRichText EditorKind = "richtext"
	EditorBoolean  EditorKind = "boolean"
)

// Property is one named value on a published document.
// Value is whatever the CMS exported: string, float64, bool, []any,
// map[string]any or nil.
type Property struct {
	Alias  string     `json:"alias"`
	Editor EditorKind `json:"editor"`
	Value  any        `json:"value"`
}

// Entity is a published content document.
type Entity struct {
	ID         string     `json:"id"`
	Type       string     `json:"type"`
	Name       string     `json:"name,omitempty"`
	Properties []Property `json:"properties"`
}

// Property returns the first property with alias, if any.
func (e *Entity) Property(alias string) (Property, bool) {
	for _, p := range e.Properties {
		if p.Alias == alias {
			return p, true
		}
	}
	return Property{}, false
}

// PublishedEntity identifies one entity inside a publish event.
type PublishedEntity struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

// PublishEvent is raised once per publish operation and may carry
// several entities.
type PublishEvent struct {
	Entities    []PublishedEntity `json:"entities"`
	PublishedAt time.Time         `json:"published_at"`
	Source      string            `json:"source,omitempty"`
}

// MediaRecord is a media library item. Properties holds the raw
// exported values keyed by alias.
type MediaRecord struct {
	Key        string         `json:"key"`
	Name       string         `json:"name,omitempty"`
	Properties map[string]any `json:"properties"`
}

// ContentStore resolves published entities by id.
type ContentStore interface {
	GetEntity(ctx context.Context, id string) (*Entity, error)
}

// MediaStore resolves media records by reference.
type MediaStore interface {
	GetMedia(ctx context.Context, ref MediaRef) (*MediaRecord, error)
}
