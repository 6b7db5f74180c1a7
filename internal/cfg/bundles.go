package cfg

import (
	"fmt"
	"sort"
	"strings"
)

// Bundles maps a bundle name to its ordered source paths under the public
// root. It is a flag.Value: each Set adds one or more "name=src,src"
// definitions separated by ';'.
type Bundles map[string][]string

func (b *Bundles) String() string {
	if b == nil || len(*b) == 0 {
		return ""
	}
	names := make([]string, 0, len(*b))
	for name := range *b {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, name+"="+strings.Join((*b)[name], ","))
	}
	return strings.Join(parts, ";")
}

func (b *Bundles) Set(s string) error {
	if *b == nil {
		*b = make(Bundles)
	}
	for _, def := range strings.Split(s, ";") {
		def = strings.TrimSpace(def)
		if def == "" {
			continue
		}
		name, list, ok := strings.Cut(def, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return fmt.Errorf("bundle %q: want name=src[,src...]", def)
		}
		var srcs []string
		for _, src := range strings.Split(list, ",") {
			if src = strings.TrimSpace(src); src != "" {
				srcs = append(srcs, src)
			}
		}
		if len(srcs) == 0 {
			return fmt.Errorf("bundle %q has no sources", name)
		}
		(*b)[name] = srcs
	}
	return nil
}
