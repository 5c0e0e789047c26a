package siteroutes

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/caddyserver/caddy/v2"
	"github.com/caddyserver/caddy/v2/modules/caddyhttp"
	"github.com/caddyserver/caddy/v2/modules/caddyhttp/reverseproxy"
	"go.uber.org/zap"
)

// FunctionInvoker calls a backend function and streams its response to w.
// target is the site path the request was routed to, optionally with a
// query string.
type FunctionInvoker interface {
	Invoke(w http.ResponseWriter, r *http.Request, target string) FunctionResult
}

// FunctionResult reports how a call went. Status is what the function
// answered with, 0 if nothing was written. Err is set when the function
// could not be reached or the response was cut short.
type FunctionResult struct {
	Status int
	Err    error
}

var errNoFunctionHost = errors.New("no function host configured")

// functionHostPlaceholder is the dial address of the function proxy; it is
// set per request to the host picked for the call.
const functionHostPlaceholder = "site_routes.function_host"

// newFunctionProxy returns a reverse proxy that dials whatever host the
// request's function host placeholder names.
func newFunctionProxy(ctx caddy.Context) (*reverseproxy.Handler, error) {
	proxy := &reverseproxy.Handler{
		Upstreams: reverseproxy.UpstreamPool{
			{Dial: "{" + functionHostPlaceholder + "}"},
		},
	}
	if err := proxy.Provision(ctx); err != nil {
		return nil, fmt.Errorf("failed to provision function proxy: %w", err)
	}
	return proxy, nil
}

// proxyInvoker forwards function calls through a reverse proxy handler. The
// host is looked up per call so a process-backed host can be restarted.
type proxyInvoker struct {
	host  func() (string, error)
	proxy caddyhttp.MiddlewareHandler
	log   *zap.Logger
}

func newProxyInvoker(host func() (string, error), proxy caddyhttp.MiddlewareHandler, log *zap.Logger) *proxyInvoker {
	return &proxyInvoker{host: host, proxy: proxy, log: log}
}

func staticHost(addr string) func() (string, error) {
	return func() (string, error) {
		if addr == "" {
			return "", errNoFunctionHost
		}
		return addr, nil
	}
}

var noNext = caddyhttp.HandlerFunc(func(http.ResponseWriter, *http.Request) error { return nil })

func (p *proxyInvoker) Invoke(w http.ResponseWriter, r *http.Request, target string) FunctionResult {
	host, err := p.host()
	if err != nil {
		return FunctionResult{Err: fmt.Errorf("function host unavailable: %w", err)}
	}

	repl, ok := r.Context().Value(caddy.ReplacerCtxKey).(*caddy.Replacer)
	if !ok {
		repl = caddy.NewReplacer()
		r = r.WithContext(context.WithValue(r.Context(), caddy.ReplacerCtxKey, repl))
	}
	repl.Set(functionHostPlaceholder, host)

	out := r.Clone(r.Context())
	targetPath, query, hasQuery := strings.Cut(target, "?")
	out.URL.Path = targetPath
	out.URL.RawPath = ""
	if hasQuery {
		out.URL.RawQuery = query
	}
	if targetPath != r.URL.Path {
		out.Header.Set("X-Forwarded-Path", r.URL.Path)
	}

	sw := &statusWriter{ResponseWriterWrapper: &caddyhttp.ResponseWriterWrapper{ResponseWriter: w}}
	if err := p.proxy.ServeHTTP(sw, out, noNext); err != nil {
		p.log.Error("function request failed",
			zap.String("target", target),
			zap.String("host", host),
			zap.Error(err),
		)
		return FunctionResult{Status: sw.status, Err: fmt.Errorf("request to function host failed: %w", err)}
	}
	return FunctionResult{Status: sw.status}
}

// statusWriter remembers the final status written through it.
type statusWriter struct {
	*caddyhttp.ResponseWriterWrapper
	status int
}

func (sw *statusWriter) WriteHeader(status int) {
	if status >= 200 || status == http.StatusSwitchingProtocols {
		sw.status = status
	}
	sw.ResponseWriterWrapper.WriteHeader(status)
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	if sw.status == 0 {
		sw.status = http.StatusOK
	}
	return sw.ResponseWriterWrapper.Write(b)
}

func (sw *statusWriter) ReadFrom(r io.Reader) (int64, error) {
	if sw.status == 0 {
		sw.status = http.StatusOK
	}
	return sw.ResponseWriterWrapper.ReadFrom(r)
}

// functionResponseWriter lays headers over the function's own right before
// the status line goes out: global headers fill keys the function left
// unset, route headers override, and empty route values delete.
type functionResponseWriter struct {
	*caddyhttp.ResponseWriterWrapper
	global http.Header
	route  http.Header
	wrote  bool
}

func (fw *functionResponseWriter) layer() {
	if fw.wrote {
		return
	}
	fw.wrote = true

	hdr := fw.Header()
	if fw.global != nil {
		fillHeaders(hdr, fw.global)
	}
	for k, v := range fw.route {
		if len(v) == 0 || v[0] == "" {
			hdr.Del(k)
			continue
		}
		hdr[k] = append([]string(nil), v...)
	}
}

func (fw *functionResponseWriter) WriteHeader(status int) {
	if status >= 200 || status == http.StatusSwitchingProtocols {
		fw.layer()
	}
	fw.ResponseWriterWrapper.WriteHeader(status)
}

func (fw *functionResponseWriter) Write(b []byte) (int, error) {
	fw.layer()
	return fw.ResponseWriterWrapper.Write(b)
}

func (fw *functionResponseWriter) ReadFrom(r io.Reader) (int64, error) {
	fw.layer()
	return fw.ResponseWriterWrapper.ReadFrom(r)
}
