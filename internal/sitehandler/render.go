package sitehandler

import (
	"bytes"
	"html/template"
	"sync"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"

	"github.com/keithlinneman/linnemanlabs-sitestyle/internal/xerrors"
)

type pageData struct {
	Path  string
	Token string
}

type parsedPage struct {
	modTime time.Time
	size    int64
	tmpl    *template.Template
}

// pageCache keeps parsed templates until the file on disk changes.
// Only parsing is cached; every render reads the token again.
type pageCache struct {
	funcs template.FuncMap

	mu    sync.Mutex
	pages map[string]parsedPage
}

func newPageCache(funcs template.FuncMap) *pageCache {
	return &pageCache{funcs: funcs, pages: make(map[string]parsedPage)}
}

func (c *pageCache) render(root billy.Filesystem, name string, data pageData) ([]byte, error) {
	t, err := c.template(root, name)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return nil, xerrors.Wrapf(err, "execute %s", name)
	}
	return buf.Bytes(), nil
}

func (c *pageCache) template(root billy.Filesystem, name string) (*template.Template, error) {
	fi, err := root.Stat(name)
	if err != nil {
		return nil, xerrors.Wrapf(err, "stat %s", name)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if p, ok := c.pages[name]; ok && p.modTime.Equal(fi.ModTime()) && p.size == fi.Size() {
		return p.tmpl, nil
	}

	src, err := util.ReadFile(root, name)
	if err != nil {
		return nil, xerrors.Wrapf(err, "read %s", name)
	}
	t, err := template.New(name).Funcs(c.funcs).Parse(string(src))
	if err != nil {
		return nil, xerrors.Wrapf(err, "parse %s", name)
	}
	c.pages[name] = parsedPage{modTime: fi.ModTime(), size: fi.Size(), tmpl: t}
	return t, nil
}
