package siteroutes

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/caddyserver/caddy/v2"
	"github.com/caddyserver/caddy/v2/modules/caddyhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// recordingProxy stands in for the reverse proxy: it records the request it
// got and the dial address the function host placeholder expands to.
type recordingProxy struct {
	req    *http.Request
	dial   string
	status int
	body   string
	err    error
}

func (p *recordingProxy) ServeHTTP(w http.ResponseWriter, r *http.Request, _ caddyhttp.Handler) error {
	p.req = r
	repl := r.Context().Value(caddy.ReplacerCtxKey).(*caddy.Replacer)
	p.dial = repl.ReplaceAll("{"+functionHostPlaceholder+"}", "")
	if p.status != 0 {
		w.WriteHeader(p.status)
		_, _ = io.WriteString(w, p.body)
	}
	return p.err
}

func TestProxyInvokerForwards(t *testing.T) {
	proxy := &recordingProxy{status: http.StatusCreated, body: "done"}
	inv := newProxyInvoker(staticHost("localhost:7071"), proxy, zap.NewNop())

	r := httptest.NewRequest(http.MethodPost, "/rewrite-to-function?x=1", strings.NewReader("body"))
	r.Header.Set("X-Custom", "yes")
	w := httptest.NewRecorder()

	res := inv.Invoke(w, r, "/api/headers")
	require.NoError(t, res.Err)
	assert.Equal(t, http.StatusCreated, res.Status)
	assert.Equal(t, "done", w.Body.String())

	require.NotNil(t, proxy.req)
	assert.Equal(t, "localhost:7071", proxy.dial)
	assert.Equal(t, http.MethodPost, proxy.req.Method)
	assert.Equal(t, "/api/headers", proxy.req.URL.Path)
	assert.Equal(t, "x=1", proxy.req.URL.RawQuery, "the request query is kept when the target has none")
	assert.Equal(t, "/rewrite-to-function", proxy.req.Header.Get("X-Forwarded-Path"))
	assert.Equal(t, "yes", proxy.req.Header.Get("X-Custom"))
	assert.Equal(t, "/rewrite-to-function", r.URL.Path, "the incoming request is left alone")
}

func TestProxyInvokerTargetQuery(t *testing.T) {
	proxy := &recordingProxy{status: http.StatusOK}
	inv := newProxyInvoker(staticHost("localhost:7071"), proxy, zap.NewNop())

	r := httptest.NewRequest(http.MethodGet, "/api/items?page=2", nil)
	res := inv.Invoke(httptest.NewRecorder(), r, "/api/items?page=3")
	require.NoError(t, res.Err)

	assert.Equal(t, "page=3", proxy.req.URL.RawQuery)
	assert.Empty(t, proxy.req.Header.Get("X-Forwarded-Path"), "direct function calls are not marked as forwarded")
}

func TestProxyInvokerUsesRequestReplacer(t *testing.T) {
	proxy := &recordingProxy{status: http.StatusOK}
	inv := newProxyInvoker(staticHost("127.0.0.1:9000"), proxy, zap.NewNop())

	repl := caddy.NewReplacer()
	r := httptest.NewRequest(http.MethodGet, "/api/x", nil)
	r = r.WithContext(context.WithValue(r.Context(), caddy.ReplacerCtxKey, repl))

	require.NoError(t, inv.Invoke(httptest.NewRecorder(), r, "/api/x").Err)
	got, _ := repl.GetString(functionHostPlaceholder)
	assert.Equal(t, "127.0.0.1:9000", got)
}

func TestProxyInvokerErrors(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/api/x", nil)

	proxy := &recordingProxy{}
	res := newProxyInvoker(staticHost(""), proxy, zap.NewNop()).Invoke(httptest.NewRecorder(), r, "/api/x")
	assert.ErrorIs(t, res.Err, errNoFunctionHost)
	assert.Zero(t, res.Status)
	assert.Nil(t, proxy.req, "nothing is proxied without a host")

	broken := errors.New("dial refused")
	proxy = &recordingProxy{err: caddyhttp.Error(http.StatusBadGateway, broken)}
	res = newProxyInvoker(staticHost("127.0.0.1:1"), proxy, zap.NewNop()).Invoke(httptest.NewRecorder(), r, "/api/x")
	assert.ErrorIs(t, res.Err, broken)
	assert.Zero(t, res.Status)

	proxy = &recordingProxy{status: http.StatusOK, body: "par", err: broken}
	res = newProxyInvoker(staticHost("127.0.0.1:1"), proxy, zap.NewNop()).Invoke(httptest.NewRecorder(), r, "/api/x")
	assert.ErrorIs(t, res.Err, broken)
	assert.Equal(t, http.StatusOK, res.Status, "a response cut short keeps its status")
}

func TestFunctionResponseWriterLayersHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	fw := &functionResponseWriter{
		ResponseWriterWrapper: &caddyhttp.ResponseWriterWrapper{ResponseWriter: rec},
		global:                http.Header{"A": {"b"}, "X-Own": {"global"}},
		route:                 http.Header{"X-Route": {"1"}, "X-Powered-By": {""}},
	}

	fw.Header().Set("X-Own", "function")
	fw.Header().Set("X-Powered-By", "functions")
	fw.WriteHeader(http.StatusContinue)
	assert.Empty(t, fw.Header().Get("X-Route"), "informational responses are not layered")

	fw.WriteHeader(http.StatusAccepted)
	_, err := fw.Write([]byte("ok"))
	require.NoError(t, err)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "b", rec.Header().Get("A"))
	assert.Equal(t, "function", rec.Header().Get("X-Own"))
	assert.Equal(t, "1", rec.Header().Get("X-Route"))
	assert.NotContains(t, rec.Header(), "X-Powered-By")
}

func TestFunctionResponseWriterImplicitStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	fw := &functionResponseWriter{
		ResponseWriterWrapper: &caddyhttp.ResponseWriterWrapper{ResponseWriter: rec},
		route:                 http.Header{"X-Route": {"1"}},
	}

	_, err := io.Copy(fw, strings.NewReader("streamed"))
	require.NoError(t, err)
	assert.Equal(t, "1", rec.Header().Get("X-Route"))
	assert.Equal(t, "streamed", rec.Body.String())
}

// stubInvoker answers every call with a fixed response.
type stubInvoker struct {
	status int
	header http.Header
	body   string
	err    error
	calls  []string
}

func (s *stubInvoker) Invoke(w http.ResponseWriter, _ *http.Request, target string) FunctionResult {
	s.calls = append(s.calls, target)
	if s.status == 0 {
		return FunctionResult{Err: s.err}
	}
	for k, v := range s.header {
		w.Header()[k] = append([]string(nil), v...)
	}
	w.WriteHeader(s.status)
	_, _ = io.WriteString(w, s.body)
	return FunctionResult{Status: s.status, Err: s.err}
}
