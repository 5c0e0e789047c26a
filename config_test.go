package siteroutes

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigFileJSON(t *testing.T) {
	cfg, err := LoadConfigFile("testdata/staticwebapp.config.json")
	require.NoError(t, err)

	require.Len(t, cfg.Routes, 11)
	assert.Equal(t, "/rewrite_index2", cfg.Routes[0].Route)
	assert.Equal(t, "/index2.html", cfg.Routes[0].Rewrite)
	assert.Equal(t, 301, cfg.Routes[5].StatusCode)
	assert.Equal(t, map[string]string{"a": "c"}, cfg.Routes[2].Headers)
	assert.Equal(t, map[string]string{"a": "b"}, cfg.GlobalHeaders)
	assert.Equal(t, "application/json", cfg.MimeTypes[".swaconfig"])
	require.NotNil(t, cfg.NavigationFallback)
	assert.Equal(t, "/index.html", cfg.NavigationFallback.Rewrite)
	assert.Equal(t, []string{"/*.txt"}, cfg.NavigationFallback.Exclude)
}

func TestLoadConfigFileYAML(t *testing.T) {
	cfg, err := LoadConfigFile("testdata/staticwebapp.config.yaml")
	require.NoError(t, err)

	require.Len(t, cfg.Routes, 3)
	assert.Equal(t, "/redirect/301", cfg.Routes[1].Route)
	assert.Equal(t, 301, cfg.Routes[1].StatusCode)

	table, err := cfg.Compile()
	require.NoError(t, err)
	assert.Equal(t, "application/json", table.contentTypeFor("/test.swaconfig"))
	assert.Equal(t, DefaultFallback, table.fallback)
	assert.True(t, table.excluded("/robots.txt"))
}

func TestLoadConfigFileErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := LoadConfigFile(filepath.Join(dir, "missing.json"))
	assert.ErrorIs(t, err, ErrConfigNotFound)

	empty := filepath.Join(dir, "empty.json")
	require.NoError(t, os.WriteFile(empty, []byte("  \n"), 0644))
	_, err = LoadConfigFile(empty)
	assert.ErrorIs(t, err, ErrEmptyConfig)

	broken := filepath.Join(dir, "broken.json")
	require.NoError(t, os.WriteFile(broken, []byte(`{"routes": [`), 0644))
	_, err = LoadConfigFile(broken)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	brokenYAML := filepath.Join(dir, "broken.yml")
	require.NoError(t, os.WriteFile(brokenYAML, []byte("routes: [: :"), 0644))
	_, err = LoadConfigFile(brokenYAML)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestParseConfigUnknownFormat(t *testing.T) {
	_, err := ParseConfig([]byte(`{}`), "toml")
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestCompileRejectsMisconfiguration(t *testing.T) {
	tests := map[string]struct {
		cfg  SiteConfig
		want error
	}{
		"rewrite and redirect": {
			cfg:  SiteConfig{Routes: []Route{{Route: "/a", Rewrite: "/b.html", Redirect: "/c.html"}}},
			want: ErrConflictingRule,
		},
		"empty pattern": {
			cfg:  SiteConfig{Routes: []Route{{Route: " ", Rewrite: "/b.html"}}},
			want: ErrInvalidConfig,
		},
		"status without redirect": {
			cfg:  SiteConfig{Routes: []Route{{Route: "/a", Rewrite: "/b.html", StatusCode: 301}}},
			want: ErrInvalidConfig,
		},
		"non redirect status": {
			cfg:  SiteConfig{Routes: []Route{{Route: "/a", Redirect: "/b.html", StatusCode: 200}}},
			want: ErrInvalidConfig,
		},
		"bad glob": {
			cfg:  SiteConfig{Routes: []Route{{Route: "/[x", Rewrite: "/b.html"}}},
			want: ErrInvalidConfig,
		},
		"empty mime type": {
			cfg:  SiteConfig{MimeTypes: map[string]string{".x": ""}},
			want: ErrInvalidConfig,
		},
		"bad exclude": {
			cfg:  SiteConfig{NavigationFallback: &NavigationFallback{Exclude: []string{"/[x"}}},
			want: ErrInvalidConfig,
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := tt.cfg.Compile()
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestCompileNormalizesTargets(t *testing.T) {
	table, err := (&SiteConfig{
		Routes: []Route{
			{Route: "/a", Rewrite: "b.html", Methods: []string{"get", ""}},
		},
		MimeTypes:          map[string]string{"WASM": "application/wasm"},
		NavigationFallback: &NavigationFallback{Rewrite: "app.html"},
	}).Compile()
	require.NoError(t, err)

	require.Len(t, table.Rules(), 1)
	rule := table.Rules()[0]
	assert.Equal(t, "/b.html", rule.Rewrite)
	assert.Contains(t, rule.Methods, "GET")
	assert.Len(t, rule.Methods, 1)
	assert.Equal(t, "/app.html", table.fallback)
	assert.Equal(t, "application/wasm", table.contentTypeFor("/x.wasm"))
}

func TestCompileNilConfig(t *testing.T) {
	var cfg *SiteConfig
	table, err := cfg.Compile()
	require.NoError(t, err)
	assert.Equal(t, DefaultFallback, table.fallback)
}

func TestMerge(t *testing.T) {
	base := &SiteConfig{
		Routes:        []Route{{Route: "/a", Rewrite: "/a.html"}},
		GlobalHeaders: map[string]string{"a": "b", "x": "1"},
		NavigationFallback: &NavigationFallback{
			Rewrite: "/index.html",
			Exclude: []string{"/*.txt"},
		},
	}
	inline := &SiteConfig{
		Routes:             []Route{{Route: "/b", Rewrite: "/b.html"}},
		GlobalHeaders:      map[string]string{"a": "c"},
		MimeTypes:          map[string]string{".swaconfig": "application/json"},
		NavigationFallback: &NavigationFallback{Exclude: []string{"/images/*"}},
	}

	merged := base.Merge(inline)
	require.Len(t, merged.Routes, 2)
	assert.Equal(t, "/a", merged.Routes[0].Route)
	assert.Equal(t, "/b", merged.Routes[1].Route)
	assert.Equal(t, map[string]string{"a": "c", "x": "1"}, merged.GlobalHeaders)
	assert.Equal(t, "application/json", merged.MimeTypes[".swaconfig"])
	assert.Equal(t, "/index.html", merged.NavigationFallback.Rewrite)
	assert.Equal(t, []string{"/*.txt", "/images/*"}, merged.NavigationFallback.Exclude)

	// inputs are left alone
	assert.Equal(t, "b", base.GlobalHeaders["a"])
	assert.Len(t, base.Routes, 1)

	var none *SiteConfig
	assert.Equal(t, inline.Routes, none.Merge(inline).Routes)
	assert.Empty(t, none.Merge(nil).Routes)
}
