package siteroutes

import (
	"testing"
	"time"

	"github.com/caddyserver/caddy/v2"
	"github.com/caddyserver/caddy/v2/caddyconfig/caddyfile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnmarshalCaddyfile(t *testing.T) {
	d := caddyfile.NewTestDispenser(`
	site_routes staticwebapp.config.json {
		root ./public
		api_prefix /functions
		api_command ./bin/func-host --port {port} --host {host}
		api_idle_timeout 2m
		api_startup_timeout 30s
		function_global_headers
		watch
		global_header X-Frame-Options DENY
		global_header Server
		mime .swaconfig application/json
		mime wasm application/wasm
		fallback /app.html
		exclude /images/* /*.txt
		exclude /*.css
		route /old/* {
			redirect /new/ 301
			header Cache-Control no-store
		}
		route /login {
			rewrite /functions/login
			methods GET post
			header X-Powered-By
		}
	}`)

	var h Handler
	require.NoError(t, h.UnmarshalCaddyfile(d))

	assert.Equal(t, "staticwebapp.config.json", h.ConfigFile)
	assert.Equal(t, "./public", h.Root)
	assert.Equal(t, "/functions", h.APIPrefix)
	assert.Equal(t, []string{"./bin/func-host", "--port", "{port}", "--host", "{host}"}, h.APICommand)
	assert.Equal(t, caddy.Duration(2*time.Minute), h.APIIdleTimeout)
	assert.Equal(t, caddy.Duration(30*time.Second), h.APIStartupTimeout)
	assert.True(t, h.FunctionGlobalHeaders)
	assert.True(t, h.Watch)

	cfg := h.Config
	require.NotNil(t, cfg, "inline config not set")
	assert.Equal(t, map[string]string{"X-Frame-Options": "DENY", "Server": ""}, cfg.GlobalHeaders)
	assert.Equal(t, map[string]string{".swaconfig": "application/json", "wasm": "application/wasm"}, cfg.MimeTypes)
	require.NotNil(t, cfg.NavigationFallback)
	assert.Equal(t, "/app.html", cfg.NavigationFallback.Rewrite)
	assert.Equal(t, []string{"/images/*", "/*.txt", "/*.css"}, cfg.NavigationFallback.Exclude)

	wantRoutes := []Route{
		{
			Route:      "/old/*",
			Redirect:   "/new/",
			StatusCode: 301,
			Headers:    map[string]string{"Cache-Control": "no-store"},
		},
		{
			Route:   "/login",
			Rewrite: "/functions/login",
			Methods: []string{"GET", "post"},
			Headers: map[string]string{"X-Powered-By": ""},
		},
	}
	assert.Equal(t, wantRoutes, cfg.Routes)

	_, err := cfg.Compile()
	assert.NoError(t, err, "parsed config does not compile")
}

func TestUnmarshalCaddyfileCommandPlaceholders(t *testing.T) {
	d := caddyfile.NewTestDispenser(`site_routes {
		api_command python3 -m http.server {http.request.port} --bind {http.request.host}
	}`)

	var h Handler
	require.NoError(t, h.UnmarshalCaddyfile(d))
	assert.Equal(t, []string{"python3", "-m", "http.server", "{port}", "--bind", "{host}"}, h.APICommand)
}

func TestUnmarshalCaddyfileMinimal(t *testing.T) {
	d := caddyfile.NewTestDispenser(`site_routes`)

	var h Handler
	require.NoError(t, h.UnmarshalCaddyfile(d))
	assert.Empty(t, h.ConfigFile)
	assert.Nil(t, h.Config)
}

func TestUnmarshalCaddyfileErrors(t *testing.T) {
	tests := map[string]string{
		"extra argument":    `site_routes a.json b.json`,
		"unknown option":    "site_routes {\n\tbogus\n}",
		"root without path": "site_routes {\n\troot\n}",
		"bad duration":      "site_routes {\n\tapi_idle_timeout soon\n}",
		"watch with arg":    "site_routes {\n\twatch yes\n}",
		"mime missing type": "site_routes {\n\tmime .x\n}",
		"empty exclude":     "site_routes {\n\texclude\n}",
		"bad status":        "site_routes {\n\troute /a {\n\t\tredirect /b perm\n\t}\n}",
		"unknown route opt": "site_routes {\n\troute /a {\n\t\tproxy /b\n\t}\n}",
		"route two args":    "site_routes {\n\troute /a /b\n}",
		"empty command":     "site_routes {\n\tapi_command\n}",
	}

	for name, input := range tests {
		var h Handler
		assert.Error(t, h.UnmarshalCaddyfile(caddyfile.NewTestDispenser(input)), name)
	}
}
