// Package bundler combines ordered source assets into named bundles and
// caches the compiled output both in memory and on disk.
//
// The in-memory index is keyed by bundle name; the on-disk copy lives in
// a single directory so ClearAll can drop everything with one recursive
// removal.
package bundler

import (
	"bytes"
	"context"
	"errors"
	"io/fs"
	"mime"
	"os"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
	"github.com/klauspost/compress/gzip"

	"github.com/keithlinneman/linnemanlabs-sitestyle/internal/cryptoutil"
	"github.com/keithlinneman/linnemanlabs-sitestyle/internal/log"
	"github.com/keithlinneman/linnemanlabs-sitestyle/internal/xerrors"
)

// DefaultDir is the compiled-output directory relative to the cache root.
const DefaultDir = "bundles"

// maxSourceSize caps a single source file.
const maxSourceSize int64 = 5 * 1024 * 1024

// ErrUnknownBundle is returned for names that are not configured.
var ErrUnknownBundle = errors.New("bundler: unknown bundle")

// Metrics is implemented by the metrics package.
type Metrics interface {
	IncBundleLookup(result string)
	ObserveBundleCompile(seconds float64)
	IncBundleClear()
}

// Compiled is one bundle's output.
type Compiled struct {
	Name        string
	ContentType string
	Data        []byte
	Gzip        []byte
	Hash        string
	ModTime     time.Time
}

// ETag returns a strong validator derived from the content hash.
func (c *Compiled) ETag() string {
	return `"` + c.Hash[:16] + `"`
}

type Options struct {
	Logger log.Logger
	// SourceFS is the public asset root the source paths are relative to.
	SourceFS billy.Filesystem
	// CacheFS is the private cache root; compiled files go to Dir on it.
	CacheFS billy.Filesystem
	Dir     string
	// Bundles maps a bundle name such as site.css to its ordered sources.
	Bundles map[string][]string
	Metrics Metrics
}

// Bundler is safe for concurrent use.
type Bundler struct {
	logger  log.Logger
	src     billy.Filesystem
	cache   billy.Filesystem
	dir     string
	bundles map[string][]string
	metrics Metrics

	mu    sync.RWMutex
	index map[string]*Compiled
}

func New(opts Options) (*Bundler, error) {
	if opts.SourceFS == nil {
		return nil, xerrors.New("bundler: SourceFS is required")
	}
	if opts.CacheFS == nil {
		return nil, xerrors.New("bundler: CacheFS is required")
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.Dir == "" {
		opts.Dir = DefaultDir
	}

	bundles := make(map[string][]string, len(opts.Bundles))
	for name, sources := range opts.Bundles {
		if !validName(name) {
			return nil, xerrors.Newf("bundler: invalid bundle name %q", name)
		}
		if len(sources) == 0 {
			return nil, xerrors.Newf("bundler: bundle %q has no sources", name)
		}
		bundles[name] = append([]string(nil), sources...)
	}

	return &Bundler{
		logger:  opts.Logger,
		src:     opts.SourceFS,
		cache:   opts.CacheFS,
		dir:     opts.Dir,
		bundles: bundles,
		metrics: opts.Metrics,
		index:   make(map[string]*Compiled),
	}, nil
}

// Names returns the configured bundle names, sorted.
func (b *Bundler) Names() []string {
	names := make([]string, 0, len(b.bundles))
	for n := range b.bundles {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Has reports whether name is a configured bundle.
func (b *Bundler) Has(name string) bool {
	_, ok := b.bundles[name]
	return ok
}

// Len returns the number of bundles in the in-memory index.
func (b *Bundler) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.index)
}

// Get returns the compiled bundle, compiling it on a miss. Lookups check
// memory, then the on-disk copy, then compile from sources.
func (b *Bundler) Get(ctx context.Context, name string) (*Compiled, error) {
	sources, ok := b.bundles[name]
	if !ok {
		return nil, ErrUnknownBundle
	}

	b.mu.RLock()
	c, ok := b.index[name]
	b.mu.RUnlock()
	if ok {
		b.lookup("memory")
		return c, nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if c, ok := b.index[name]; ok {
		b.lookup("memory")
		return c, nil
	}

	if c, err := b.readDisk(name); err == nil {
		b.index[name] = c
		b.lookup("disk")
		return c, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		b.logger.Warn(ctx, "bundle disk cache unreadable, recompiling", "bundle", name, "error", err.Error())
	}

	start := time.Now()
	c, err := b.compile(name, sources)
	if err != nil {
		return nil, err
	}
	if b.metrics != nil {
		b.metrics.ObserveBundleCompile(time.Since(start).Seconds())
	}

	if err := b.writeDisk(c); err != nil {
		// the in-memory copy still serves; the next process recompiles
		b.logger.Warn(ctx, "bundle disk cache write failed", "bundle", name, "error", err.Error())
	}
	b.index[name] = c
	b.lookup("compiled")

	b.logger.Info(ctx, "bundle compiled",
		"bundle", name,
		"sources", len(sources),
		"bytes", len(c.Data),
		"gzip_bytes", len(c.Gzip),
	)
	return c, nil
}

// ClearAll drops the in-memory index and removes the compiled-output
// directory. A missing directory is not an error.
func (b *Bundler) ClearAll(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	dropped := len(b.index)
	b.index = make(map[string]*Compiled)

	if b.metrics != nil {
		b.metrics.IncBundleClear()
	}

	if err := util.RemoveAll(b.cache, b.dir); err != nil && !errors.Is(err, fs.ErrNotExist) && !errors.Is(err, os.ErrNotExist) {
		return xerrors.Wrapf(err, "remove bundle directory %s", b.dir)
	}

	b.logger.Info(ctx, "bundle cache cleared", "dropped", dropped, "dir", b.dir)
	return nil
}

func (b *Bundler) compile(name string, sources []string) (*Compiled, error) {
	var buf bytes.Buffer
	for _, src := range sources {
		data, err := readLimited(b.src, strings.TrimPrefix(src, "/"), maxSourceSize)
		if err != nil {
			return nil, xerrors.Wrapf(err, "bundle %s: source %s", name, src)
		}
		buf.Write(data)
		if len(data) > 0 && data[len(data)-1] != '\n' {
			buf.WriteByte('\n')
		}
	}
	return newCompiled(name, buf.Bytes(), time.Now().UTC())
}

func newCompiled(name string, data []byte, mod time.Time) (*Compiled, error) {
	var gz bytes.Buffer
	zw, err := gzip.NewWriterLevel(&gz, gzip.BestCompression)
	if err != nil {
		return nil, xerrors.Wrap(err, "gzip writer")
	}
	if _, err := zw.Write(data); err != nil {
		return nil, xerrors.Wrap(err, "gzip bundle")
	}
	if err := zw.Close(); err != nil {
		return nil, xerrors.Wrap(err, "gzip bundle")
	}

	ct := mime.TypeByExtension(path.Ext(name))
	if ct == "" {
		ct = "application/octet-stream"
	}
	return &Compiled{
		Name:        name,
		ContentType: ct,
		Data:        data,
		Gzip:        gz.Bytes(),
		Hash:        cryptoutil.SHA256Hex(data),
		ModTime:     mod,
	}, nil
}

func (b *Bundler) diskPath(name string) string {
	return path.Join(b.dir, name)
}

func (b *Bundler) readDisk(name string) (*Compiled, error) {
	p := b.diskPath(name)
	fi, err := b.cache.Stat(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fs.ErrNotExist
		}
		return nil, err
	}
	data, err := util.ReadFile(b.cache, p)
	if err != nil {
		return nil, err
	}
	return newCompiled(name, data, fi.ModTime().UTC())
}

func (b *Bundler) writeDisk(c *Compiled) error {
	if err := b.cache.MkdirAll(b.dir, 0o755); err != nil {
		return xerrors.Wrapf(err, "create %s", b.dir)
	}
	if err := util.WriteFile(b.cache, b.diskPath(c.Name), c.Data, 0o644); err != nil {
		return err
	}
	return util.WriteFile(b.cache, b.diskPath(c.Name)+".gz", c.Gzip, 0o644)
}

func (b *Bundler) lookup(result string) {
	if b.metrics != nil {
		b.metrics.IncBundleLookup(result)
	}
}

func readLimited(fsys billy.Filesystem, name string, limit int64) ([]byte, error) {
	fi, err := fsys.Stat(name)
	if err != nil {
		return nil, err
	}
	if fi.Size() > limit {
		return nil, xerrors.Newf("%s exceeds max size (%d > %d)", name, fi.Size(), limit)
	}
	return util.ReadFile(fsys, name)
}

func validName(name string) bool {
	return name != "" && !strings.ContainsAny(name, "/\\") && name != "." && name != ".." && path.Ext(name) != ""
}
