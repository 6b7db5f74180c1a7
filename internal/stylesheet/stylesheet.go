// Package stylesheet renders the theme custom properties of a settings
// document into a :root block and writes it under the public asset root.
package stylesheet

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"path"
	"strconv"
	"strings"

	"github.com/go-git/go-billy/v5"

	"github.com/keithlinneman/linnemanlabs-sitestyle/internal/cms"
	"github.com/keithlinneman/linnemanlabs-sitestyle/internal/log"
	"github.com/keithlinneman/linnemanlabs-sitestyle/internal/xerrors"
)

// DefaultPath is where the stylesheet lives relative to the public root.
const DefaultPath = "css/theme.css"

// allowed maps editor kinds to their value formatter.
var allowed = map[cms.EditorKind]func(any) (string, bool){
	cms.EditorText:    formatText,
	cms.EditorColor:   formatColor,
	cms.EditorInteger: formatInteger,
}

// Declaration is one rendered custom property.
type Declaration struct {
	Alias string
	Value string
}

// Rejection records a property that was in the allow-list but whose value
// could not be rendered.
type Rejection struct {
	Alias  string
	Reason string
}

// Build returns the declarations for e in property order. Properties with
// a kind outside the allow-list or a nil value are skipped without a
// rejection.
func Build(e cms.Entity) ([]Declaration, []Rejection) {
	var decls []Declaration
	var rejected []Rejection
	for _, p := range e.Properties {
		format, ok := allowed[p.Editor]
		if !ok || p.Value == nil {
			continue
		}
		if !validAlias(p.Alias) {
			rejected = append(rejected, Rejection{Alias: p.Alias, Reason: "invalid alias"})
			continue
		}
		v, ok := format(p.Value)
		if !ok {
			rejected = append(rejected, Rejection{Alias: p.Alias, Reason: fmt.Sprintf("unsupported %s value %T", p.Editor, p.Value)})
			continue
		}
		if v == "" {
			continue
		}
		if strings.ContainsAny(v, ";{}<>\r\n") {
			rejected = append(rejected, Rejection{Alias: p.Alias, Reason: "value contains css control characters"})
			continue
		}
		decls = append(decls, Declaration{Alias: p.Alias, Value: v})
	}
	return decls, rejected
}

// Generate renders the full stylesheet for e.
func Generate(e cms.Entity) []byte {
	decls, _ := Build(e)
	return render(e, decls)
}

func render(e cms.Entity, decls []Declaration) []byte {
	var b bytes.Buffer
	b.WriteString("/*\n")
	b.WriteString(" * Theme variables generated from the site settings document.\n")
	fmt.Fprintf(&b, " * Source: %s (%s)\n", commentSafe(e.Name), commentSafe(e.ID))
	b.WriteString(" * This file is rewritten on every publish. Do not edit.\n")
	b.WriteString(" */\n")
	b.WriteString(":root {\n")
	for _, d := range decls {
		fmt.Fprintf(&b, "  --%s: %s;\n", d.Alias, d.Value)
	}
	b.WriteString("}\n")
	return b.Bytes()
}

func commentSafe(s string) string {
	return strings.ReplaceAll(s, "*/", "* /")
}

// validAlias accepts the characters CSS allows in a custom property name
// without escaping.
func validAlias(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return false
		}
	}
	return true
}

func formatText(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t), true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case int:
		return strconv.Itoa(t), true
	case bool:
		return strconv.FormatBool(t), true
	}
	return "", false
}

// formatColor also accepts the picker's {"value": "..."} object form.
func formatColor(v any) (string, bool) {
	if m, ok := v.(map[string]any); ok {
		inner, ok := m["value"]
		if !ok || inner == nil {
			return "", true
		}
		v = inner
	}
	s, ok := v.(string)
	if !ok {
		return "", false
	}
	return strings.TrimSpace(s), true
}

func formatInteger(v any) (string, bool) {
	var n int64
	switch t := v.(type) {
	case float64:
		if t != math.Trunc(t) || math.IsInf(t, 0) || math.IsNaN(t) {
			return "", false
		}
		n = int64(t)
	case int:
		n = int64(t)
	case int64:
		n = t
	case string:
		t = strings.TrimSpace(t)
		if t == "" {
			return "", true
		}
		parsed, err := strconv.ParseInt(t, 10, 64)
		if err != nil {
			return "", false
		}
		n = parsed
	default:
		return "", false
	}
	return strconv.FormatInt(n, 10) + "px", true
}

// Writer writes the generated stylesheet to Path on FS.
type Writer struct {
	FS     billy.Filesystem
	Path   string
	Logger log.Logger
}

// Write renders e and atomically replaces the stylesheet. It returns the
// number of bytes written.
func (w *Writer) Write(ctx context.Context, e cms.Entity) (int, error) {
	logger := w.Logger
	if logger == nil {
		logger = log.Nop()
	}
	target := w.Path
	if target == "" {
		target = DefaultPath
	}

	decls, rejected := Build(e)
	for _, r := range rejected {
		logger.Warn(ctx, "stylesheet property skipped",
			"entity_id", e.ID,
			"alias", r.Alias,
			"reason", r.Reason,
		)
	}
	data := render(e, decls)

	if err := writeAtomic(w.FS, target, data); err != nil {
		return 0, xerrors.Wrapf(err, "write stylesheet %s", target)
	}

	logger.Info(ctx, "stylesheet written",
		"entity_id", e.ID,
		"path", target,
		"declarations", len(decls),
		"bytes", len(data),
	)
	return len(data), nil
}

// writeAtomic writes data to a temp file beside name and renames it over name.
func writeAtomic(fs billy.Filesystem, name string, data []byte) error {
	dir := path.Dir(name)
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return xerrors.Wrapf(err, "create %s", dir)
	}

	tmp, err := fs.TempFile(dir, "."+path.Base(name)+".tmp-")
	if err != nil {
		return xerrors.Wrap(err, "create temp file")
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		fs.Remove(tmpName)
		return xerrors.Wrap(err, "write temp file")
	}
	if err := tmp.Close(); err != nil {
		fs.Remove(tmpName)
		return xerrors.Wrap(err, "close temp file")
	}
	if err := fs.Rename(tmpName, name); err != nil {
		fs.Remove(tmpName)
		return xerrors.Wrap(err, "rename temp file")
	}
	return nil
}
