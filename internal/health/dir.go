package health

import (
	"context"

	"github.com/go-git/go-billy/v5"

	"github.com/keithlinneman/linnemanlabs-sitestyle/internal/xerrors"
)

// DirReadable fails until dir exists on fsys and is a directory. name prefixes
// the failure reason, e.g. "public root: ...".
func DirReadable(name string, fsys billy.Filesystem, dir string) CheckFunc {
	return func(ctx context.Context) error {
		if fsys == nil {
			return xerrors.Newf("%s: no filesystem", name)
		}
		fi, err := fsys.Stat(dir)
		if err != nil {
			return xerrors.Wrap(err, name)
		}
		if !fi.IsDir() {
			return xerrors.Newf("%s: %s is not a directory", name, dir)
		}
		if _, err := fsys.ReadDir(dir); err != nil {
			return xerrors.Wrap(err, name)
		}
		return nil
	}
}
