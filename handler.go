package siteroutes

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caddyserver/caddy/v2"
	"github.com/caddyserver/caddy/v2/modules/caddyhttp"
	"github.com/caddyserver/caddy/v2/modules/caddyhttp/reverseproxy"
	"go.uber.org/zap"
)

func init() {
	caddy.RegisterModule(Handler{})
}

// Interface guards
var (
	_ caddy.Module                = (*Handler)(nil)
	_ caddy.Provisioner           = (*Handler)(nil)
	_ caddy.Validator             = (*Handler)(nil)
	_ caddy.CleanerUpper          = (*Handler)(nil)
	_ caddyhttp.MiddlewareHandler = (*Handler)(nil)
)

// Handler routes a static site according to its route config: ordered
// rewrite and redirect rules, global and route headers, MIME overrides, a
// navigation fallback, and rewrites to backend functions. Static files are
// written by the next handler, normally file_server, once the request path
// points at the resolved file.
type Handler struct {
	// Site root. Placeholders are expanded per request. Default:
	// {http.vars.root}, then the current directory.
	Root string `json:"root,omitempty"`

	// Route config file (JSON, or YAML by extension). Defaults to
	// staticwebapp.config.json under a placeholder-free root, if present.
	ConfigFile string `json:"config_file,omitempty"`

	// Inline rules, applied after those from ConfigFile.
	Config *SiteConfig `json:"config,omitempty"`

	// Path prefix of backend function routes. Default: /api.
	APIPrefix string `json:"api_prefix,omitempty"`

	// Address of a running function host.
	APIUpstream string `json:"api_upstream,omitempty"`

	// Command that starts a function host on demand. It is given the host
	// and port to listen on, either through {host}/{port} in its arguments
	// or as two trailing arguments.
	APICommand []string `json:"api_command,omitempty"`

	// How long an unused function host is kept. Default: 5m. Negative
	// keeps it forever.
	APIIdleTimeout caddy.Duration `json:"api_idle_timeout,omitempty"`

	// How long to wait for a new function host to accept connections.
	// Default: 10s.
	APIStartupTimeout caddy.Duration `json:"api_startup_timeout,omitempty"`

	// Apply global headers to function responses too, for keys the
	// function did not set itself.
	FunctionGlobalHeaders bool `json:"function_global_headers,omitempty"`

	// Reload ConfigFile when it changes on disk.
	Watch bool `json:"watch,omitempty"`

	router     *Router
	invoker    FunctionInvoker
	proxy      *reverseproxy.Handler
	watcher    *configWatcher
	configPath string
	fsys       fs.FS
	log        *zap.Logger
}

func (Handler) CaddyModule() caddy.ModuleInfo {
	return caddy.ModuleInfo{
		ID:  "http.handlers.site_routes",
		New: func() caddy.Module { return new(Handler) },
	}
}

func (h *Handler) Provision(ctx caddy.Context) error {
	h.log = ctx.Logger(h)

	if h.Root == "" {
		h.Root = "{http.vars.root}"
	}
	if h.APIIdleTimeout == 0 {
		h.APIIdleTimeout = caddy.Duration(5 * time.Minute)
	}
	if h.APIStartupTimeout == 0 {
		h.APIStartupTimeout = caddy.Duration(10 * time.Second)
	}

	h.configPath = h.ConfigFile
	if h.configPath == "" && !strings.Contains(h.Root, "{") {
		candidate := filepath.Join(h.Root, DefaultConfigFile)
		if _, err := os.Stat(candidate); err == nil {
			h.configPath = candidate
		}
	}

	table, err := h.loadTable()
	if err != nil {
		return err
	}

	appIface, err := ctx.App("site_routes")
	if err != nil {
		return err
	}
	app := appIface.(*App)

	prefix := ""
	if h.APIUpstream != "" || len(h.APICommand) > 0 {
		prefix = h.APIPrefix
		if prefix == "" {
			prefix = DefaultFunctionPrefix
		}

		h.proxy, err = newFunctionProxy(ctx)
		if err != nil {
			return err
		}

		host := staticHost(h.APIUpstream)
		if len(h.APICommand) > 0 {
			pm := app.processManager(h.APIIdleTimeout, h.APIStartupTimeout)
			command := h.APICommand
			host = func() (string, error) { return pm.HostFor(command) }
		}
		h.invoker = newProxyInvoker(host, h.proxy, h.log)
	}

	h.router = NewRouter(table, prefix)
	h.router.Hide(h.hiddenPaths()...)
	app.register(h)

	if h.Watch && h.configPath != "" {
		h.watcher, err = watchConfig(h.configPath, h.reload, h.log)
		if err != nil {
			return fmt.Errorf("failed to watch %s: %w", h.configPath, err)
		}
	}

	h.log.Info("site routes provisioned",
		zap.String("root", h.Root),
		zap.String("config_file", h.configPath),
		zap.Int("rules", len(table.Rules())),
		zap.String("api_prefix", prefix),
	)

	return nil
}

func (h *Handler) Validate() error {
	if h.APIUpstream != "" && len(h.APICommand) > 0 {
		return errors.New("api_upstream and api_command are mutually exclusive")
	}
	if h.APIPrefix != "" && !strings.HasPrefix(h.APIPrefix, "/") {
		return fmt.Errorf("api_prefix must start with '/': %q", h.APIPrefix)
	}
	return nil
}

func (h *Handler) Cleanup() error {
	if h.watcher != nil {
		h.watcher.Close()
		h.watcher = nil
	}
	if h.proxy != nil {
		return h.proxy.Cleanup()
	}
	return nil
}

// hiddenPaths lists the site paths of route config files under the root.
// Those are never served.
func (h *Handler) hiddenPaths() []string {
	hidden := []string{"/" + DefaultConfigFile}
	if h.configPath == "" {
		return hidden
	}
	if strings.Contains(h.Root, "{") {
		return append(hidden, "/"+filepath.Base(h.configPath))
	}

	root, err := filepath.Abs(h.Root)
	if err != nil {
		return hidden
	}
	config, err := filepath.Abs(h.configPath)
	if err != nil {
		return hidden
	}
	rel, err := filepath.Rel(root, config)
	if err != nil || !filepath.IsLocal(rel) {
		return hidden
	}
	return append(hidden, "/"+filepath.ToSlash(rel))
}

// loadTable reads the config file, merges the inline config and compiles.
func (h *Handler) loadTable() (*RouteTable, error) {
	var cfg *SiteConfig
	if h.configPath != "" {
		fileCfg, err := LoadConfigFile(h.configPath)
		if err != nil {
			return nil, err
		}
		cfg = fileCfg
	}

	table, err := cfg.Merge(h.Config).Compile()
	if err != nil {
		return nil, fmt.Errorf("site config %s: %w", h.configPath, err)
	}
	return table, nil
}

func (h *Handler) reload() {
	table, err := h.loadTable()
	if err != nil {
		h.log.Error("failed to reload site config, keeping previous rules",
			zap.String("config_file", h.configPath),
			zap.Error(err),
		)
		return
	}
	h.router.Swap(table)
	h.log.Info("site config reloaded",
		zap.String("config_file", h.configPath),
		zap.Int("rules", len(table.Rules())),
	)
}

// siteRoot returns the site root for r with placeholders expanded.
func (h *Handler) siteRoot(r *http.Request) string {
	root := h.Root
	if repl, ok := r.Context().Value(caddy.ReplacerCtxKey).(*caddy.Replacer); ok {
		root = repl.ReplaceAll(root, ".")
	}
	if root == "" || strings.Contains(root, "{") {
		root = "."
	}
	return root
}

func (h *Handler) fileSystem(root string) fs.FS {
	if h.fsys != nil {
		return h.fsys
	}
	return os.DirFS(root)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request, next caddyhttp.Handler) error {
	root := h.siteRoot(r)
	res := h.router.Resolve(h.fileSystem(root), r.Method, r.URL.Path)

	h.log.Debug("resolved request",
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.Stringer("kind", res.Kind),
		zap.Int("status", res.Status),
		zap.String("file", res.File),
		zap.String("location", res.Location),
		zap.Bool("fallback", res.Fallback),
	)

	switch res.Kind {
	case KindFunction:
		return h.serveFunction(w, r, res)
	case KindFile:
		// the file server downstream writes the body
		copyHeader(w.Header(), res.Header)
		caddyhttp.SetVar(r.Context(), "root", root)
		r.URL.Path = res.File
		r.URL.RawPath = ""
		return next.ServeHTTP(w, r)
	case KindRedirect:
		copyHeader(w.Header(), res.Header)
		w.WriteHeader(res.Status)
		return nil
	default:
		copyHeader(w.Header(), res.Header)
		w.WriteHeader(res.Status)
		_, err := io.WriteString(w, http.StatusText(res.Status))
		return err
	}
}

func copyHeader(dst, src http.Header) {
	for k, v := range src {
		dst[k] = append([]string(nil), v...)
	}
}

func (h *Handler) serveFunction(w http.ResponseWriter, r *http.Request, res *Resolution) error {
	if h.invoker == nil {
		return caddyhttp.Error(http.StatusBadGateway, errNoFunctionHost)
	}

	fw := &functionResponseWriter{
		ResponseWriterWrapper: &caddyhttp.ResponseWriterWrapper{ResponseWriter: w},
		route:                 res.Header,
	}
	if h.FunctionGlobalHeaders {
		fw.global = h.router.Table().GlobalHeaders()
	}

	result := h.invoker.Invoke(fw, r, res.FunctionPath)
	if result.Err == nil {
		return nil
	}

	h.log.Error("function invocation failed",
		zap.String("path", r.URL.Path),
		zap.String("target", res.FunctionPath),
		zap.Int("status", result.Status),
		zap.Error(result.Err),
	)
	if result.Status != 0 {
		// the function already answered; the response was cut short
		return nil
	}
	return caddyhttp.Error(http.StatusBadGateway, result.Err)
}
