package siteroutes

import (
	"io/fs"
	"net/http"
)

// excluded reports whether reqPath must 404 instead of getting the
// navigation fallback.
func (t *RouteTable) excluded(reqPath string) bool {
	p := normalizePath(reqPath)
	for _, ex := range t.exclude {
		if ex.match(p) {
			return true
		}
	}
	return false
}

// resolveFallback handles an unmatched request: excluded paths and a missing
// fallback document give 404, everything else gets the fallback with 200.
func (t *RouteTable) resolveFallback(fsys fs.FS, reqPath string) *Resolution {
	if t.excluded(reqPath) {
		return t.notFound()
	}

	file := resolveFile(fsys, t.fallback)
	if file == "" {
		return t.notFound()
	}

	return &Resolution{
		Status:   http.StatusOK,
		Kind:     KindFile,
		File:     file,
		Fallback: true,
		Header:   composeHeaders(t.contentTypeFor(file), t.globalHeaders, nil),
	}
}
