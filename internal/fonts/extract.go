// Package fonts unpacks font files from zip archives referenced by a
// settings document into a flat directory under the public asset root.
package fonts

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path"
	"strings"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
	"github.com/klauspost/compress/zip"

	"github.com/keithlinneman/linnemanlabs-sitestyle/internal/cms"
	"github.com/keithlinneman/linnemanlabs-sitestyle/internal/log"
	"github.com/keithlinneman/linnemanlabs-sitestyle/internal/pathutil"
	"github.com/keithlinneman/linnemanlabs-sitestyle/internal/xerrors"
)

const (
	// DefaultOutDir is the flat font directory relative to the public root.
	DefaultOutDir = "fonts"

	// DefaultFileProperty is the media property holding the stored file path.
	DefaultFileProperty = "umbracoFile"

	// maxEntrySize is the maximum uncompressed size of a single font file
	maxEntrySize int64 = 10 * 1024 * 1024 // 10MB

	// maxTotalExtract is the maximum total uncompressed size per archive
	maxTotalExtract int64 = 100 * 1024 * 1024 // 100MB
)

var fontExts = map[string]bool{
	".woff":  true,
	".woff2": true,
	".ttf":   true,
	".otf":   true,
	".eot":   true,
	".svg":   true,
}

// Result summarizes one ExtractProperty call.
type Result struct {
	References int
	Archives   int
	Files      []string
	// Failures counts references and entries that were skipped because of
	// an error, as opposed to entries filtered out by name.
	Failures int
}

// Extractor resolves media references to stored zip archives and unpacks
// their font entries.
type Extractor struct {
	Media cms.MediaStore
	// MediaFS is the media storage root the stored file paths are relative to.
	MediaFS billy.Filesystem
	// OutFS is the public asset root; fonts are written to OutDir on it.
	OutFS        billy.Filesystem
	OutDir       string
	FileProperty string
	Logger       log.Logger

	MaxEntrySize    int64
	MaxTotalExtract int64
}

// ExtractProperty extracts every archive referenced by the property alias
// of e. Failures are logged per reference and per entry and never abort
// the remaining work.
func (x *Extractor) ExtractProperty(ctx context.Context, e cms.Entity, alias string) Result {
	logger := x.logger().With("entity_id", e.ID, "property", alias)
	var res Result

	prop, ok := e.Property(alias)
	if !ok || prop.Value == nil {
		logger.Debug(ctx, "font property not set")
		return res
	}

	refs, err := ResolveReferences(prop.Value)
	if err != nil {
		logger.Warn(ctx, "font references partially malformed", "error", err.Error())
		res.Failures++
	}
	res.References = len(refs)

	for _, ref := range refs {
		if ctx.Err() != nil {
			logger.Warn(ctx, "font extraction cancelled", "error", ctx.Err().Error())
			return res
		}
		files, failures, err := x.extractRef(ctx, logger.With("media_key", ref.String()), ref)
		res.Files = append(res.Files, files...)
		res.Failures += failures
		if err != nil {
			res.Failures++
			continue
		}
		res.Archives++
	}

	logger.Info(ctx, "font extraction finished",
		"references", res.References,
		"archives", res.Archives,
		"files", len(res.Files),
		"failures", res.Failures,
	)
	return res
}

// errSkipped marks a reference that was skipped with a warning already logged.
var errSkipped = errors.New("skipped")

func (x *Extractor) extractRef(ctx context.Context, logger log.Logger, ref cms.MediaRef) ([]string, int, error) {
	rec, err := x.Media.GetMedia(ctx, ref)
	if err != nil {
		if errors.Is(err, cms.ErrNotFound) {
			logger.Warn(ctx, "font archive media not found")
			return nil, 0, errSkipped
		}
		logger.Error(ctx, err, "font archive media lookup failed")
		return nil, 0, err
	}

	prop := x.FileProperty
	if prop == "" {
		prop = DefaultFileProperty
	}
	src, ok := FilePath(rec.Properties[prop])
	if !ok {
		logger.Warn(ctx, "font archive media has no file path", "file_property", prop)
		return nil, 0, errSkipped
	}
	logger = logger.With("src", src)

	if !strings.EqualFold(path.Ext(src), ".zip") {
		logger.Warn(ctx, "font archive is not a zip file")
		return nil, 0, errSkipped
	}

	name, err := mediaPath(src)
	if err != nil {
		logger.Warn(ctx, "font archive path rejected", "error", err.Error())
		return nil, 0, errSkipped
	}

	f, err := x.MediaFS.Open(name)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, os.ErrNotExist) {
			logger.Warn(ctx, "font archive file does not exist")
			return nil, 0, errSkipped
		}
		logger.Error(ctx, xerrors.Wrapf(err, "open %s", name), "font archive open failed")
		return nil, 0, err
	}
	defer f.Close()

	fi, err := x.MediaFS.Stat(name)
	if err != nil {
		logger.Error(ctx, xerrors.Wrapf(err, "stat %s", name), "font archive stat failed")
		return nil, 0, err
	}

	zr, err := zip.NewReader(f, fi.Size())
	if err != nil {
		logger.Error(ctx, xerrors.Wrapf(err, "read zip %s", name), "font archive unreadable")
		return nil, 0, err
	}

	files, failures := x.extractArchive(ctx, logger, zr)
	return files, failures, nil
}

func (x *Extractor) extractArchive(ctx context.Context, logger log.Logger, zr *zip.Reader) ([]string, int) {
	outDir := x.OutDir
	if outDir == "" {
		outDir = DefaultOutDir
	}
	entryLimit := x.MaxEntrySize
	if entryLimit <= 0 {
		entryLimit = maxEntrySize
	}
	totalLimit := x.MaxTotalExtract
	if totalLimit <= 0 {
		totalLimit = maxTotalExtract
	}

	if err := x.OutFS.MkdirAll(outDir, 0o755); err != nil {
		logger.Error(ctx, xerrors.Wrapf(err, "create %s", outDir), "font output directory unavailable")
		return nil, 1
	}

	var files []string
	var failures int
	var total int64

	for _, zf := range zr.File {
		outName, ok := EntryName(zf.Name, zf.FileInfo().IsDir())
		if !ok {
			logger.Debug(ctx, "archive entry skipped", "entry", zf.Name)
			continue
		}

		if int64(zf.UncompressedSize64) > entryLimit {
			logger.Warn(ctx, "font file exceeds size limit", "entry", zf.Name, "size", zf.UncompressedSize64, "limit", entryLimit)
			failures++
			continue
		}
		if total+int64(zf.UncompressedSize64) > totalLimit {
			logger.Warn(ctx, "archive exceeds total extraction limit, skipping remaining entries", "limit", totalLimit)
			failures++
			break
		}

		n, err := x.writeEntry(zf, path.Join(outDir, outName), entryLimit)
		if err != nil {
			logger.Error(ctx, err, "font file extraction failed", "entry", zf.Name)
			failures++
			continue
		}
		total += n
		files = append(files, outName)
	}
	return files, failures
}

func (x *Extractor) writeEntry(zf *zip.File, dst string, limit int64) (int64, error) {
	rc, err := zf.Open()
	if err != nil {
		return 0, xerrors.Wrapf(err, "open entry %s", zf.Name)
	}
	defer rc.Close()

	// the declared size is not trusted; enforce the limit on the stream
	data, err := io.ReadAll(io.LimitReader(rc, limit+1))
	if err != nil {
		return 0, xerrors.Wrapf(err, "read entry %s", zf.Name)
	}
	if int64(len(data)) > limit {
		return 0, xerrors.Newf("entry %s exceeds max size after read", zf.Name)
	}

	if err := util.WriteFile(x.OutFS, dst, data, 0o644); err != nil {
		return 0, xerrors.Wrapf(err, "write %s", dst)
	}
	return int64(len(data)), nil
}

func (x *Extractor) logger() log.Logger {
	if x.Logger == nil {
		return log.Nop()
	}
	return x.Logger
}

// FilePath reads a stored file path property, which is either a plain
// string or an object with a src field.
func FilePath(v any) (string, bool) {
	var s string
	switch t := v.(type) {
	case string:
		s = t
	case map[string]any:
		s, _ = t["src"].(string)
	}
	s = strings.TrimSpace(s)
	return s, s != ""
}

// mediaPath turns a stored path like /media/abc/fonts.zip into a path
// relative to the media root, rejecting anything that escapes it.
func mediaPath(src string) (string, error) {
	if i := strings.IndexAny(src, "?#"); i >= 0 {
		src = src[:i]
	}
	p, err := pathutil.Relative(strings.ReplaceAll(src, "\\", "/"))
	if err != nil {
		return "", xerrors.Wrapf(err, "media path %q", src)
	}
	return p, nil
}

// EntryName decides whether a zip entry is a font file and returns the
// flat output name for it.
func EntryName(name string, isDir bool) (string, bool) {
	name = strings.ReplaceAll(name, "\\", "/")
	if isDir || name == "" || strings.HasSuffix(name, "/") {
		return "", false
	}
	base := name[strings.LastIndex(name, "/")+1:]
	if !strings.Contains(base, ".") {
		return "", false
	}
	if !fontExts[strings.ToLower(path.Ext(base))] {
		return "", false
	}
	return Sanitize(base), true
}

// Sanitize replaces characters that are not valid in file names on common
// filesystems with an underscore.
func Sanitize(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		switch {
		case r < 0x20, r == 0x7f:
			b.WriteByte('_')
		case strings.ContainsRune(`<>:"/\|?*`, r):
			b.WriteByte('_')
		default:
			b.WriteRune(r)
		}
	}
	out := b.String()
	if strings.Trim(out, ".") == "" {
		return strings.Repeat("_", len(out))
	}
	return out
}
