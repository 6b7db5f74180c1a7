package log

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
)

type hasPC interface {
	PC() uintptr
}

type hasStack interface {
	StackPCs() []uintptr
}

// wrapper types add context but say nothing about what failed
type xerrorsWrapper interface {
	IsXerrorsWrapper()
}

// errorAttrs expands err into the key/value pairs attached by Logger.Error.
func errorAttrs(err error, includeLinks bool, maxLinks int) []any {
	surface, root := classifyTypes(err)
	kv := []any{"err", err, "error_type", surface, "cause_type", root}
	if chain := errorChain(err); len(chain) > 0 {
		kv = append(kv, "error_chain", chain)
	}
	if includeLinks {
		kv = append(kv, "error_links", chainLinks(err, maxLinks))
	}
	return kv
}

// errorChain lists distinct messages down the Unwrap chain, then the
// members of an errors.Join at the top.
func errorChain(err error) []string {
	var out []string
	add := func(s string) {
		if len(out) == 0 || out[len(out)-1] != s {
			out = append(out, s)
		}
	}
	for e := err; e != nil; e = errors.Unwrap(e) {
		add(e.Error())
	}
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		for _, e := range joined.Unwrap() {
			add(e.Error())
		}
	}
	return out
}

type frame struct {
	fn, file string
	line     int
}

// origin is where e was created or wrapped, if it recorded that.
func origin(e error) (frame, bool) {
	switch v := e.(type) {
	case hasPC:
		if pc := v.PC(); pc != 0 {
			fr, _ := runtime.CallersFrames([]uintptr{pc}).Next()
			return frame{fr.Function, fr.File, fr.Line}, true
		}
	case hasStack:
		frames := runtime.CallersFrames(v.StackPCs())
		for {
			fr, more := frames.Next()
			if fr.Function != "" && !strings.HasPrefix(fr.Function, "runtime.") && !internalFrame(fr.Function) {
				return frame{fr.Function, fr.File, fr.Line}, true
			}
			if !more {
				break
			}
		}
	}
	return frame{}, false
}

// chainLinks maps each wrap in the chain to the place it was created. The
// outermost error is always listed; inner ones only when they carry a
// location.
func chainLinks(err error, max int) []map[string]any {
	var links []map[string]any
	depth := 0
	for e := err; e != nil && (max <= 0 || depth < max); e = errors.Unwrap(e) {
		fr, ok := origin(e)
		if !ok && depth > 0 {
			depth++
			continue
		}
		link := map[string]any{"msg": e.Error()}
		if ok {
			link["func"], link["file"], link["line"] = fr.fn, fr.file, fr.line
		}
		links = append(links, link)
		depth++
	}
	return links
}

func isWrapper(e error) bool {
	if _, ok := e.(xerrorsWrapper); ok {
		return true
	}
	switch fmt.Sprintf("%T", e) {
	case "*fmt.wrapError", "*fmt.wrapErrors":
		return true
	}
	return false
}

// classifyTypes returns the first non-wrapper type in the chain and the
// type of the innermost error.
func classifyTypes(err error) (surface, root string) {
	if err == nil {
		return "", ""
	}
	for e := err; e != nil; e = errors.Unwrap(e) {
		root = fmt.Sprintf("%T", e)
		if surface == "" && !isWrapper(e) {
			surface = root
		}
	}
	if surface == "" {
		surface = fmt.Sprintf("%T", err)
	}
	return surface, root
}
