package siteroutes

import (
	"mime"
	"net/http"
	"path"
	"strings"
)

const defaultContentType = "application/octet-stream"

// composeHeaders layers the content-type default, then global headers, then
// route headers. Later layers win; an empty value removes the header.
func composeHeaders(contentType string, global, route http.Header) http.Header {
	out := make(http.Header, len(global)+len(route)+1)
	if contentType != "" {
		out.Set("Content-Type", contentType)
	}
	for _, layer := range []http.Header{global, route} {
		for k, v := range layer {
			if len(v) == 0 || v[0] == "" {
				out.Del(k)
				continue
			}
			out[http.CanonicalHeaderKey(k)] = append([]string(nil), v...)
		}
	}
	return out
}

// fillHeaders copies global headers into h for keys h does not already have.
func fillHeaders(h http.Header, global http.Header) {
	for k, v := range global {
		if len(v) == 0 || v[0] == "" {
			continue
		}
		if _, ok := h[k]; ok {
			continue
		}
		h[k] = append([]string(nil), v...)
	}
}

func mimeKey(key string) string {
	key = strings.ToLower(strings.TrimSpace(key))
	if strings.HasPrefix(key, "/") || strings.HasPrefix(key, ".") {
		return key
	}
	return "." + key
}

// contentTypeFor picks the content type of a served file: an override for
// the exact path, then for its extension, then the system table.
func (t *RouteTable) contentTypeFor(filePath string) string {
	if typ, ok := t.mimeTypes[strings.ToLower(filePath)]; ok {
		return typ
	}
	ext := strings.ToLower(path.Ext(filePath))
	if ext == "" {
		return defaultContentType
	}
	if typ, ok := t.mimeTypes[ext]; ok {
		return typ
	}
	if typ := mime.TypeByExtension(ext); typ != "" {
		return typ
	}
	return defaultContentType
}
