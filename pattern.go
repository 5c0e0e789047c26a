package siteroutes

import (
	"fmt"
	"path"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

type patternKind int

const (
	patternExact patternKind = iota
	patternExtension
	patternGlob
	patternPrefix
)

func (k patternKind) String() string {
	switch k {
	case patternExact:
		return "exact"
	case patternExtension:
		return "extension"
	case patternGlob:
		return "glob"
	case patternPrefix:
		return "prefix"
	}
	return "unknown"
}

// pattern is a compiled route pattern or exclusion glob.
type pattern struct {
	raw  string
	kind patternKind

	// exact: normalised path. prefix: the part before the trailing '*'.
	// glob: the doublestar expression.
	value string

	// extension set, lower case, with the leading dot
	exts map[string]struct{}

	// glob patterns without a '/' only look at the base name
	baseOnly bool
}

func compilePattern(raw string) (pattern, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return pattern{}, fmt.Errorf("%w: empty pattern", ErrInvalidConfig)
	}

	if exts, ok := parseExtensionSet(s); ok {
		return pattern{raw: raw, kind: patternExtension, exts: exts}, nil
	}

	if !hasMeta(s) {
		return pattern{raw: raw, kind: patternExact, value: normalizePath(rootPath(s))}, nil
	}

	if prefix, ok := strings.CutSuffix(s, "*"); ok && !hasMeta(prefix) {
		return pattern{raw: raw, kind: patternPrefix, value: rootPath(prefix)}, nil
	}

	if !doublestar.ValidatePattern(s) {
		return pattern{}, fmt.Errorf("%w: bad glob %q", ErrInvalidConfig, raw)
	}
	return pattern{
		raw:      raw,
		kind:     patternGlob,
		value:    s,
		baseOnly: !strings.Contains(s, "/"),
	}, nil
}

// parseExtensionSet recognises "*.ext", "/*.ext", "*.{a,b}" and "/*.{a,b}".
func parseExtensionSet(s string) (map[string]struct{}, bool) {
	rest, ok := strings.CutPrefix(strings.TrimPrefix(s, "/"), "*.")
	if !ok || rest == "" {
		return nil, false
	}

	var names []string
	if strings.HasPrefix(rest, "{") && strings.HasSuffix(rest, "}") {
		names = strings.Split(rest[1:len(rest)-1], ",")
	} else {
		names = []string{rest}
	}

	exts := make(map[string]struct{}, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" || hasMeta(n) || strings.Contains(n, "/") {
			return nil, false
		}
		exts["."+strings.ToLower(n)] = struct{}{}
	}
	return exts, true
}

func hasMeta(s string) bool {
	return strings.ContainsAny(s, "*?[{")
}

func (p pattern) match(reqPath string) bool {
	switch p.kind {
	case patternExact:
		return p.value == reqPath
	case patternExtension:
		_, ok := p.exts[strings.ToLower(path.Ext(reqPath))]
		return ok
	case patternPrefix:
		if strings.HasPrefix(reqPath, p.value) {
			return true
		}
		// "/folder/*" also covers "/folder" itself
		dir, ok := strings.CutSuffix(p.value, "/")
		return ok && reqPath == dir
	case patternGlob:
		target := reqPath
		if p.baseOnly {
			target = path.Base(reqPath)
		}
		ok, err := doublestar.Match(p.value, target)
		return err == nil && ok
	}
	return false
}

// normalizePath cleans p and maps directory-style paths to their index
// document, so "/f/" and "/f/index.html" compare equal.
func normalizePath(p string) string {
	if p == "" {
		return "/index.html"
	}
	trailing := strings.HasSuffix(p, "/")
	p = path.Clean(rootPath(p))
	if trailing {
		if p == "/" {
			return "/index.html"
		}
		return p + "/index.html"
	}
	return p
}

// implicitIndex returns the index document an extension-less path would
// resolve to, or "" if the path already names a file.
func implicitIndex(p string) string {
	if path.Ext(p) != "" {
		return ""
	}
	if p == "/" {
		return "/index.html"
	}
	return p + "/index.html"
}
