package fonts

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/keithlinneman/linnemanlabs-sitestyle/internal/cms"
	"github.com/keithlinneman/linnemanlabs-sitestyle/internal/xerrors"
)

// ResolveReferences decodes the raw value of a font archive property into
// media references. Accepted encodings:
//
//	"umb://media/<id>"                      single reference
//	"<ref>,<ref>"                           comma separated references
//	`["<ref>", ...]`                        JSON array of references
//	`[{"mediaKey": "<ref>"}, ...]`          JSON array of picker objects
//
// Already decoded []any, map[string]any and []string values are accepted
// too. Malformed items are skipped; their problems are joined into the
// returned error while the valid references are still returned. A nil
// value yields no references and no error.
func ResolveReferences(raw any) ([]cms.MediaRef, error) {
	var r resolver
	r.value(raw)
	return r.refs, xerrors.Join(r.errs...)
}

type resolver struct {
	refs []cms.MediaRef
	seen map[cms.MediaRef]struct{}
	errs []error
}

func (r *resolver) add(ref cms.MediaRef) {
	if ref == "" {
		return
	}
	if r.seen == nil {
		r.seen = make(map[cms.MediaRef]struct{})
	}
	if _, ok := r.seen[ref]; ok {
		return
	}
	r.seen[ref] = struct{}{}
	r.refs = append(r.refs, ref)
}

func (r *resolver) value(raw any) {
	switch v := raw.(type) {
	case nil:
	case string:
		r.text(v)
	case []string:
		for _, s := range v {
			r.add(cms.ParseMediaRef(s))
		}
	case []any:
		for i, item := range v {
			r.item(i, item)
		}
	case map[string]any:
		r.item(0, v)
	default:
		r.errs = append(r.errs, fmt.Errorf("unsupported reference value of type %T", raw))
	}
}

func (r *resolver) text(s string) {
	s = strings.TrimSpace(s)
	if s == "" {
		return
	}
	switch s[0] {
	case '[', '{':
		var decoded any
		if err := json.Unmarshal([]byte(s), &decoded); err != nil {
			r.errs = append(r.errs, xerrors.Wrap(err, "decode reference list"))
			return
		}
		r.value(decoded)
	default:
		for _, part := range strings.Split(s, ",") {
			r.add(cms.ParseMediaRef(part))
		}
	}
}

func (r *resolver) item(i int, item any) {
	switch v := item.(type) {
	case string:
		if ref := cms.ParseMediaRef(v); ref != "" {
			r.add(ref)
			return
		}
		r.errs = append(r.errs, fmt.Errorf("item %d: empty reference", i))
	case map[string]any:
		key, ok := v["mediaKey"].(string)
		if !ok || strings.TrimSpace(key) == "" {
			r.errs = append(r.errs, fmt.Errorf("item %d: object has no mediaKey", i))
			return
		}
		r.add(cms.ParseMediaRef(key))
	default:
		r.errs = append(r.errs, fmt.Errorf("item %d: unsupported type %T", i, item))
	}
}
