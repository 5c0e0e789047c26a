package siteroutes

import (
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/caddyserver/caddy/v2/modules/caddyhttp"
)

// fsName converts a site path to an fs.FS name.
func fsName(sitePath string) string {
	name := filepath.ToSlash(caddyhttp.SanitizedPathJoin(".", sitePath))
	name = strings.TrimPrefix(name, "./")
	if name = strings.TrimSuffix(name, "/"); name == "" {
		return "."
	}
	return name
}

// hideFS reports the hidden names as missing. Names compare
// case-insensitively so a case-folding filesystem cannot leak them.
type hideFS struct {
	fs.FS
	hidden map[string]struct{}
}

func (h hideFS) isHidden(name string) bool {
	_, ok := h.hidden[strings.ToLower(name)]
	return ok
}

func (h hideFS) Open(name string) (fs.File, error) {
	if h.isHidden(name) {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrNotExist}
	}
	return h.FS.Open(name)
}

func (h hideFS) Stat(name string) (fs.FileInfo, error) {
	if h.isHidden(name) {
		return nil, &fs.PathError{Op: "stat", Path: name, Err: fs.ErrNotExist}
	}
	return fs.Stat(h.FS, name)
}

func fileExists(fsys fs.FS, sitePath string) bool {
	name := fsName(sitePath)
	if !fs.ValidPath(name) {
		return false
	}
	info, err := fs.Stat(fsys, name)
	return err == nil && !info.IsDir()
}

func dirExists(fsys fs.FS, sitePath string) bool {
	name := fsName(sitePath)
	if !fs.ValidPath(name) {
		return false
	}
	info, err := fs.Stat(fsys, name)
	return err == nil && info.IsDir()
}

// resolveFile finds the file that serves sitePath: the file itself, or the
// index document of a folder. It returns "" when nothing exists.
func resolveFile(fsys fs.FS, sitePath string) string {
	p := normalizePath(sitePath)

	if fileExists(fsys, p) {
		return p
	}

	if index := implicitIndex(p); index != "" && fileExists(fsys, index) {
		return index
	}

	// "/folder.d" style directories
	if dirExists(fsys, p) {
		index := strings.TrimSuffix(p, "/") + "/index.html"
		if fileExists(fsys, index) {
			return index
		}
	}

	return ""
}
