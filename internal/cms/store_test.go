package cms

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
)

const settingsDoc = `{
  "id": "1057",
  "type": "siteSettings",
  "name": "Site settings",
  "properties": [
    {"alias": "primaryColor", "editor": "color", "value": "#ff0000"},
    {"alias": "baseSize", "editor": "integer", "value": 16},
    {"alias": "fontArchive", "editor": "media", "value": "umb://media/3f2504e04f8911d39a0c0305e82c3301"}
  ]
}`

const mediaDoc = `{
  "name": "Brand fonts",
  "properties": {"umbracoFile": {"src": "/media/abc/fonts.zip"}}
}`

type fakeS3 struct {
	objects map[string][]byte
	err     error
	gets    []string
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.gets = append(f.gets, *in.Key)
	if f.err != nil {
		return nil, f.err
	}
	data, ok := f.objects[*in.Key]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func newS3Store(t *testing.T, f *fakeS3) *S3Store {
	t.Helper()
	s, err := NewS3Store(S3StoreOptions{Client: f, Bucket: "site-bucket", Prefix: "cms"})
	if err != nil {
		t.Fatalf("NewS3Store: %v", err)
	}
	return s
}

func TestNewS3Store_Validation(t *testing.T) {
	if _, err := NewS3Store(S3StoreOptions{Bucket: "b"}); err == nil {
		t.Fatal("expected error without client")
	}
	if _, err := NewS3Store(S3StoreOptions{Client: &fakeS3{}}); err == nil {
		t.Fatal("expected error without bucket")
	}
}

func TestS3Store_GetEntity(t *testing.T) {
	f := &fakeS3{objects: map[string][]byte{"cms/content/1057.json": []byte(settingsDoc)}}
	s := newS3Store(t, f)

	e, err := s.GetEntity(context.Background(), "1057")
	if err != nil {
		t.Fatalf("GetEntity: %v", err)
	}
	if e.Type != "siteSettings" || len(e.Properties) != 3 {
		t.Fatalf("entity = %+v", e)
	}
	p, ok := e.Property("baseSize")
	if !ok || p.Editor != EditorInteger || p.Value != float64(16) {
		t.Fatalf("baseSize = %+v", p)
	}
}

func TestS3Store_NotFound(t *testing.T) {
	s := newS3Store(t, &fakeS3{objects: map[string][]byte{}})

	if _, err := s.GetEntity(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetEntity err = %v, want ErrNotFound", err)
	}
	if _, err := s.GetMedia(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetMedia err = %v, want ErrNotFound", err)
	}
}

func TestS3Store_TransportError(t *testing.T) {
	boom := errors.New("connection reset")
	s := newS3Store(t, &fakeS3{err: boom})

	_, err := s.GetEntity(context.Background(), "1057")
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want wrapped transport error", err)
	}
	if errors.Is(err, ErrNotFound) {
		t.Fatal("transport errors must not look like not-found")
	}
}

func TestS3Store_GetMediaDefaultsKey(t *testing.T) {
	ref := MediaRef("3f2504e0-4f89-11d3-9a0c-0305e82c3301")
	f := &fakeS3{objects: map[string][]byte{"cms/media/" + ref.String() + ".json": []byte(mediaDoc)}}
	s := newS3Store(t, f)

	m, err := s.GetMedia(context.Background(), ref)
	if err != nil {
		t.Fatalf("GetMedia: %v", err)
	}
	if m.Key != ref.String() || m.Name != "Brand fonts" {
		t.Fatalf("media = %+v", m)
	}
}

func TestS3Store_GetEvent(t *testing.T) {
	doc := `{"entities":[{"id":"1057","type":"siteSettings"}],"published_at":"2026-01-02T03:04:05Z","source":"backoffice"}`
	s := newS3Store(t, &fakeS3{objects: map[string][]byte{"cms/events/r42.json": []byte(doc)}})

	ev, err := s.GetEvent(context.Background(), "r42")
	if err != nil {
		t.Fatalf("GetEvent: %v", err)
	}
	if len(ev.Entities) != 1 || ev.Entities[0].Type != "siteSettings" || ev.Source != "backoffice" {
		t.Fatalf("event = %+v", ev)
	}
}

func TestS3Store_Key(t *testing.T) {
	s, _ := NewS3Store(S3StoreOptions{Client: &fakeS3{}, Bucket: "b"})
	if got := s.Key("content", "1.json"); got != "content/1.json" {
		t.Fatalf("Key without prefix = %q", got)
	}
}

func TestDirStore(t *testing.T) {
	fs := memfs.New()
	if err := util.WriteFile(fs, "content/1057.json", []byte(settingsDoc), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := util.WriteFile(fs, "media/abc.json", []byte(mediaDoc), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := util.WriteFile(fs, "content/broken.json", []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	d := NewDirStore(fs)
	ctx := context.Background()

	e, err := d.GetEntity(ctx, "1057")
	if err != nil || e.ID != "1057" {
		t.Fatalf("GetEntity = %+v, %v", e, err)
	}

	m, err := d.GetMedia(ctx, "abc")
	if err != nil || m.Key != "abc" {
		t.Fatalf("GetMedia = %+v, %v", m, err)
	}

	for _, id := range []string{"missing", "../content/1057", "", "a/b"} {
		if _, err := d.GetEntity(ctx, id); !errors.Is(err, ErrNotFound) {
			t.Errorf("GetEntity(%q) err = %v, want ErrNotFound", id, err)
		}
	}

	_, err = d.GetEntity(ctx, "broken")
	if err == nil || errors.Is(err, ErrNotFound) {
		t.Fatalf("broken document err = %v", err)
	}
	if !strings.Contains(err.Error(), "decode document") {
		t.Fatalf("err = %v", err)
	}
}

func TestDecodeEntity_RequiresID(t *testing.T) {
	if _, err := decodeEntity(strings.NewReader(`{"type":"x"}`)); err == nil {
		t.Fatal("expected error for document without id")
	}
}
