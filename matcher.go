package siteroutes

import (
	"net/http"
	"strings"
)

// Rule is a compiled route.
type Rule struct {
	Index    int
	Pattern  string
	Methods  map[string]struct{}
	Rewrite  string
	Redirect *Redirect
	Headers  http.Header

	match pattern
}

// Redirect is the redirect directive of a rule. A zero StatusCode means 302.
type Redirect struct {
	Target     string
	StatusCode int
}

func (r *Rule) appliesTo(method string) bool {
	if len(r.Methods) == 0 {
		return true
	}
	_, ok := r.Methods[strings.ToUpper(method)]
	return ok
}

// RouteTable is the compiled, read-only form of a SiteConfig. It is safe for
// any number of concurrent readers.
type RouteTable struct {
	rules         []*Rule
	globalHeaders http.Header
	mimeTypes     map[string]string
	fallback      string
	exclude       []pattern
}

// Rules returns the compiled rules in config order.
func (t *RouteTable) Rules() []*Rule {
	return t.rules
}

// Match precedence, lowest first.
const (
	precedenceExact = iota
	precedenceIndex
	precedenceGlob
	precedencePrefix
	precedenceNone
)

// Match returns the rule that applies to a request, or nil. The rule list is
// scanned once; of all matching rules the one with the lowest precedence
// wins, and config order breaks ties.
func (t *RouteTable) Match(method, reqPath string) *Rule {
	p := normalizePath(reqPath)
	index := implicitIndex(p)

	var best *Rule
	bestPrec := precedenceNone

	for _, rule := range t.rules {
		if !rule.appliesTo(method) {
			continue
		}

		prec := precedenceNone
		switch rule.match.kind {
		case patternExact:
			if rule.match.match(p) {
				prec = precedenceExact
			} else if index != "" && rule.match.match(index) {
				prec = precedenceIndex
			}
		case patternExtension, patternGlob:
			if rule.match.match(p) {
				prec = precedenceGlob
			}
		case patternPrefix:
			if rule.match.match(p) {
				prec = precedencePrefix
			}
		}

		if prec < bestPrec {
			best, bestPrec = rule, prec
			if prec == precedenceExact {
				break
			}
		}
	}

	return best
}
