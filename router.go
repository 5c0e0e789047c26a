package siteroutes

import (
	"io/fs"
	"net/http"
	"strings"
	"sync/atomic"
)

// Kind says where the body of a resolved response comes from.
type Kind int

const (
	KindNotFound Kind = iota
	KindFile
	KindFunction
	KindRedirect
	KindMethodNotAllowed
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindFile:
		return "file"
	case KindFunction:
		return "function"
	case KindRedirect:
		return "redirect"
	case KindMethodNotAllowed:
		return "method_not_allowed"
	}
	return "unknown"
}

// Resolution is the outcome of routing one request. For KindFunction the
// status and body come from the function; Header then only holds the route
// headers to lay over the function's own.
type Resolution struct {
	Status       int
	Kind         Kind
	Header       http.Header
	File         string
	Location     string
	FunctionPath string
	Fallback     bool
	Rule         *Rule
}

// DefaultFunctionPrefix is where backend function routes live.
const DefaultFunctionPrefix = "/api"

// Router resolves requests against a route table. The table is swapped
// whole on reload and never modified in place.
type Router struct {
	table atomic.Pointer[RouteTable]

	functionPrefix string
	functions      bool
	hidden         map[string]struct{}
}

// NewRouter returns a router over table. An empty functionPrefix disables
// function routes.
func NewRouter(table *RouteTable, functionPrefix string) *Router {
	r := &Router{
		functionPrefix: strings.TrimSuffix(functionPrefix, "/"),
		functions:      functionPrefix != "",
	}
	if table == nil {
		table, _ = (&SiteConfig{}).Compile()
	}
	r.table.Store(table)
	return r
}

// Table returns the live route table.
func (r *Router) Table() *RouteTable {
	return r.table.Load()
}

// Swap installs a new table and returns the previous one.
func (r *Router) Swap(table *RouteTable) *RouteTable {
	return r.table.Swap(table)
}

// Hide keeps the given site paths out of resolution: they route like files
// that do not exist. It must be called before the router serves requests.
func (r *Router) Hide(sitePaths ...string) {
	if r.hidden == nil {
		r.hidden = make(map[string]struct{}, len(sitePaths))
	}
	for _, p := range sitePaths {
		r.hidden[strings.ToLower(fsName(p))] = struct{}{}
	}
}

func (r *Router) isFunction(p string) bool {
	if !r.functions {
		return false
	}
	p, _, _ = strings.Cut(p, "?")
	return p == r.functionPrefix || strings.HasPrefix(p, r.functionPrefix+"/")
}

// Resolve routes a request. It does no I/O beyond stat calls on fsys.
func (r *Router) Resolve(fsys fs.FS, method, reqPath string) *Resolution {
	t := r.Table()
	if reqPath == "" {
		reqPath = "/"
	}
	if len(r.hidden) > 0 {
		fsys = hideFS{FS: fsys, hidden: r.hidden}
	}

	rule := t.Match(method, reqPath)

	switch {
	case rule != nil && rule.Redirect != nil:
		return t.resolveRedirectRule(rule)

	case rule != nil && rule.Rewrite != "":
		if r.isFunction(rule.Rewrite) {
			return t.function(rule.Rewrite, rule)
		}
		file := resolveFile(fsys, rule.Rewrite)
		if file == "" {
			return t.notFound()
		}
		return t.file(method, file, rule)
	}

	if r.isFunction(reqPath) {
		return t.function(reqPath, rule)
	}

	if file := resolveFile(fsys, reqPath); file != "" {
		return t.file(method, file, rule)
	}

	res := t.resolveFallback(fsys, reqPath)
	if res.Kind != KindFile {
		return res
	}
	return checkMethod(t, method, res)
}

func (t *RouteTable) resolveRedirectRule(rule *Rule) *Resolution {
	status, location, err := resolveRedirect(rule.Redirect)
	if err != nil {
		return t.notFound()
	}
	h := composeHeaders("", t.globalHeaders, rule.Headers)
	h.Set("Location", location)
	return &Resolution{
		Status:   status,
		Kind:     KindRedirect,
		Header:   h,
		Location: location,
		Rule:     rule,
	}
}

func (t *RouteTable) file(method, file string, rule *Rule) *Resolution {
	var route http.Header
	if rule != nil {
		route = rule.Headers
	}

	return checkMethod(t, method, &Resolution{
		Status: http.StatusOK,
		Kind:   KindFile,
		File:   file,
		Header: composeHeaders(t.contentTypeFor(file), t.globalHeaders, route),
		Rule:   rule,
	})
}

func (t *RouteTable) function(target string, rule *Rule) *Resolution {
	res := &Resolution{
		Kind:         KindFunction,
		FunctionPath: target,
		Header:       http.Header{},
		Rule:         rule,
	}
	if rule != nil {
		res.Header = rule.Headers.Clone()
	}
	return res
}

func (t *RouteTable) notFound() *Resolution {
	return &Resolution{
		Status: http.StatusNotFound,
		Kind:   KindNotFound,
		Header: composeHeaders("text/plain; charset=utf-8", t.globalHeaders, nil),
	}
}

// GlobalHeaders returns the headers applied to every static response.
func (t *RouteTable) GlobalHeaders() http.Header {
	return t.globalHeaders
}

func checkMethod(t *RouteTable, method string, res *Resolution) *Resolution {
	if method == "" || method == http.MethodGet || method == http.MethodHead {
		return res
	}
	h := composeHeaders("text/plain; charset=utf-8", t.globalHeaders, nil)
	h.Set("Allow", "GET, HEAD")
	return &Resolution{
		Status: http.StatusMethodNotAllowed,
		Kind:   KindMethodNotAllowed,
		Header: h,
		Rule:   res.Rule,
	}
}
