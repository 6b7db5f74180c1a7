package cms

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path"

	"github.com/go-git/go-billy/v5"

	"github.com/keithlinneman/linnemanlabs-sitestyle/internal/xerrors"
)

// DirStore reads exported documents from a filesystem laid out like the
// bucket: content/{id}.json, media/{key}.json and events/{rev}.json.
type DirStore struct {
	fs billy.Filesystem
}

func NewDirStore(fsys billy.Filesystem) *DirStore {
	return &DirStore{fs: fsys}
}

// ContentDir is the directory entity documents live in.
const ContentDir = "content"

func (d *DirStore) GetEntity(_ context.Context, id string) (*Entity, error) {
	if id == "" || !validName(id) {
		return nil, ErrNotFound
	}
	f, err := d.open(path.Join(ContentDir, id+".json"))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return decodeEntity(f)
}

func (d *DirStore) GetMedia(_ context.Context, ref MediaRef) (*MediaRecord, error) {
	if ref == "" || !validName(ref.String()) {
		return nil, ErrNotFound
	}
	f, err := d.open(path.Join("media", ref.String()+".json"))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	m, err := decodeMedia(f)
	if err != nil {
		return nil, err
	}
	if m.Key == "" {
		m.Key = ref.String()
	}
	return m, nil
}

func (d *DirStore) GetEvent(_ context.Context, rev string) (*PublishEvent, error) {
	if !validName(rev) {
		return nil, ErrNotFound
	}
	f, err := d.open(path.Join("events", rev+".json"))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return DecodeEvent(f)
}

func (d *DirStore) open(name string) (billy.File, error) {
	f, err := d.fs.Open(name)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, xerrors.Wrapf(err, "open %s", name)
	}
	return f, nil
}

// validName rejects ids that would escape their directory.
func validName(s string) bool {
	return s != "" && s != "." && s != ".." && fs.ValidPath(s) && path.Base(s) == s
}
