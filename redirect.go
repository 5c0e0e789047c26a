package siteroutes

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

var errBadRedirect = errors.New("malformed redirect target")

// resolveRedirect returns the status and Location for a redirect directive.
// Absolute URLs are returned exactly as configured; internal targets are
// rooted at the site root.
func resolveRedirect(r *Redirect) (int, string, error) {
	status := r.StatusCode
	if status == 0 {
		status = http.StatusFound
	}

	target := strings.TrimSpace(r.Target)
	if target == "" {
		return 0, "", errBadRedirect
	}

	u, err := url.Parse(target)
	if err != nil {
		return 0, "", fmt.Errorf("%w: %v", errBadRedirect, err)
	}

	if u.Scheme != "" || strings.HasPrefix(target, "//") {
		if u.Host == "" {
			return 0, "", fmt.Errorf("%w: %q has no host", errBadRedirect, target)
		}
		return status, target, nil
	}

	return status, rootPath(target), nil
}
