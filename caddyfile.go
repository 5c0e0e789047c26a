package siteroutes

import (
	"strconv"
	"strings"

	"github.com/caddyserver/caddy/v2"
	"github.com/caddyserver/caddy/v2/caddyconfig/caddyfile"
	"github.com/caddyserver/caddy/v2/caddyconfig/httpcaddyfile"
	"github.com/caddyserver/caddy/v2/modules/caddyhttp"
)

func init() {
	httpcaddyfile.RegisterHandlerDirective("site_routes", parseCaddyfile)
	httpcaddyfile.RegisterDirectiveOrder("site_routes", httpcaddyfile.Before, "file_server")
}

var _ caddyfile.Unmarshaler = (*Handler)(nil)

// The Caddyfile adapter expands {host} and {port} to request placeholders
// before directives see them. In api_command they name the function host.
var commandPlaceholders = strings.NewReplacer(
	"{http.request.host}", "{host}",
	"{http.request.port}", "{port}",
)

// UnmarshalCaddyfile sets up the handler from Caddyfile tokens. Syntax:
//
//	site_routes [<config_file>] {
//	    root <dir>
//	    config <file>
//	    api_prefix <path>
//	    api_upstream <host:port>
//	    api_command <cmd> <args...>
//	    api_idle_timeout <duration>
//	    api_startup_timeout <duration>
//	    function_global_headers
//	    watch
//	    global_header <name> <value>
//	    mime <ext|path> <type>
//	    fallback <path>
//	    exclude <glob...>
//	    route <pattern> {
//	        rewrite <path>
//	        redirect <target> [<status>]
//	        header <name> [<value>]
//	        methods <method...>
//	    }
//	}
func (h *Handler) UnmarshalCaddyfile(d *caddyfile.Dispenser) error {
	d.Next() // consume directive name

	if d.NextArg() {
		h.ConfigFile = d.Val()
	}
	if d.NextArg() {
		return d.ArgErr()
	}

	for d.NextBlock(0) {
		switch d.Val() {
		case "root":
			if !d.Args(&h.Root) {
				return d.ArgErr()
			}

		case "config":
			if !d.Args(&h.ConfigFile) {
				return d.ArgErr()
			}

		case "api_prefix":
			if !d.Args(&h.APIPrefix) {
				return d.ArgErr()
			}

		case "api_upstream":
			if !d.Args(&h.APIUpstream) {
				return d.ArgErr()
			}

		case "api_command":
			if !d.NextArg() {
				return d.ArgErr()
			}
			h.APICommand = append([]string{d.Val()}, d.RemainingArgs()...)
			for i, arg := range h.APICommand {
				h.APICommand[i] = commandPlaceholders.Replace(arg)
			}

		case "api_idle_timeout", "api_startup_timeout":
			name := d.Val()
			var raw string
			if !d.Args(&raw) {
				return d.ArgErr()
			}
			dur, err := caddy.ParseDuration(raw)
			if err != nil {
				return d.Errf("bad %s %q: %v", name, raw, err)
			}
			if name == "api_idle_timeout" {
				h.APIIdleTimeout = caddy.Duration(dur)
			} else {
				h.APIStartupTimeout = caddy.Duration(dur)
			}

		case "function_global_headers":
			if d.NextArg() {
				return d.ArgErr()
			}
			h.FunctionGlobalHeaders = true

		case "watch":
			if d.NextArg() {
				return d.ArgErr()
			}
			h.Watch = true

		case "global_header":
			var name, value string
			if !d.NextArg() {
				return d.ArgErr()
			}
			name = d.Val()
			if d.NextArg() {
				value = d.Val()
			}
			cfg := h.inlineConfig()
			if cfg.GlobalHeaders == nil {
				cfg.GlobalHeaders = map[string]string{}
			}
			cfg.GlobalHeaders[name] = value

		case "mime":
			var key, typ string
			if !d.Args(&key, &typ) {
				return d.ArgErr()
			}
			cfg := h.inlineConfig()
			if cfg.MimeTypes == nil {
				cfg.MimeTypes = map[string]string{}
			}
			cfg.MimeTypes[key] = typ

		case "fallback":
			var rewrite string
			if !d.Args(&rewrite) {
				return d.ArgErr()
			}
			h.inlineFallback().Rewrite = rewrite

		case "exclude":
			globs := d.RemainingArgs()
			if len(globs) == 0 {
				return d.ArgErr()
			}
			nf := h.inlineFallback()
			nf.Exclude = append(nf.Exclude, globs...)

		case "route":
			route, err := unmarshalRoute(d)
			if err != nil {
				return err
			}
			cfg := h.inlineConfig()
			cfg.Routes = append(cfg.Routes, route)

		default:
			return d.Errf("unrecognized site_routes option: %s", d.Val())
		}
	}

	return nil
}

func unmarshalRoute(d *caddyfile.Dispenser) (Route, error) {
	var route Route
	if !d.Args(&route.Route) {
		return route, d.ArgErr()
	}
	if d.NextArg() {
		return route, d.ArgErr()
	}

	for nesting := d.Nesting(); d.NextBlock(nesting); {
		switch d.Val() {
		case "rewrite":
			if !d.Args(&route.Rewrite) {
				return route, d.ArgErr()
			}

		case "redirect":
			if !d.Args(&route.Redirect) {
				return route, d.ArgErr()
			}
			if d.NextArg() {
				code, err := strconv.Atoi(d.Val())
				if err != nil {
					return route, d.Errf("bad redirect status %q: %v", d.Val(), err)
				}
				route.StatusCode = code
			}

		case "header":
			if !d.NextArg() {
				return route, d.ArgErr()
			}
			name, value := d.Val(), ""
			if d.NextArg() {
				value = d.Val()
			}
			if route.Headers == nil {
				route.Headers = map[string]string{}
			}
			route.Headers[name] = value

		case "methods":
			methods := d.RemainingArgs()
			if len(methods) == 0 {
				return route, d.ArgErr()
			}
			route.Methods = append(route.Methods, methods...)

		default:
			return route, d.Errf("unrecognized route option: %s", d.Val())
		}
	}

	return route, nil
}

func (h *Handler) inlineConfig() *SiteConfig {
	if h.Config == nil {
		h.Config = &SiteConfig{}
	}
	return h.Config
}

func (h *Handler) inlineFallback() *NavigationFallback {
	cfg := h.inlineConfig()
	if cfg.NavigationFallback == nil {
		cfg.NavigationFallback = &NavigationFallback{}
	}
	return cfg.NavigationFallback
}

func parseCaddyfile(h httpcaddyfile.Helper) (caddyhttp.MiddlewareHandler, error) {
	var handler Handler
	err := handler.UnmarshalCaddyfile(h.Dispenser)
	return &handler, err
}
