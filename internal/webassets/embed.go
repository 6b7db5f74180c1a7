// Package webassets embeds the maintenance and 404 pages served when the
// public root is unusable, plus a starter site copied into an empty public
// root on first boot.
package webassets

import (
	"embed"
	"fmt"
	"io"
	"io/fs"
	"path"

	"github.com/go-git/go-billy/v5"

	"github.com/keithlinneman/linnemanlabs-sitestyle/internal/xerrors"
)

// fallback/ and seed/ must exist and have at least one file each to satisfy go:embed
//
//go:embed fallback seed
var embedded embed.FS

func FallbackFS() fs.FS {
	sub, err := fs.Sub(embedded, "fallback")
	if err != nil {
		panic(fmt.Errorf("webassets: fallback subfs: %w", err))
	}
	return sub
}

// SeedSiteFS returns (fs, true) only if seed looks like a real site (has index.html)
func SeedSiteFS() (fs.FS, bool) {
	sub, err := fs.Sub(embedded, "seed")
	if err != nil {
		return nil, false
	}
	if _, err := fs.Stat(sub, "index.html"); err != nil {
		return nil, false
	}
	return sub, true
}

// SeedInto copies the seed site into dst when dst has no index.html yet.
// Existing files are never overwritten. Returns the number of files written.
func SeedInto(dst billy.Filesystem) (int, error) {
	if _, err := dst.Stat("index.html"); err == nil {
		return 0, nil
	}
	src, ok := SeedSiteFS()
	if !ok {
		return 0, nil
	}

	n := 0
	err := fs.WalkDir(src, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if _, err := dst.Stat(p); err == nil {
			return nil
		}
		if err := copyFile(dst, src, p); err != nil {
			return xerrors.Wrapf(err, "seed %s", p)
		}
		n++
		return nil
	})
	return n, err
}

func copyFile(dst billy.Filesystem, src fs.FS, p string) error {
	in, err := src.Open(p)
	if err != nil {
		return err
	}
	defer in.Close()

	if dir := path.Dir(p); dir != "." {
		if err := dst.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	out, err := dst.Create(p)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
