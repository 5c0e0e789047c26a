package siteroutes

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is looked up under the site root when no config file is
// given explicitly.
const DefaultConfigFile = "staticwebapp.config.json"

// DefaultFallback is the navigation fallback document used when the config
// does not name one.
const DefaultFallback = "/index.html"

var (
	ErrConfigNotFound  = errors.New("site config not found")
	ErrEmptyConfig     = errors.New("site config is empty")
	ErrInvalidConfig   = errors.New("invalid site config")
	ErrConflictingRule = errors.New("route sets both rewrite and redirect")
)

// SiteConfig is the on-disk routing configuration of a site.
type SiteConfig struct {
	Routes             []Route             `json:"routes,omitempty" yaml:"routes,omitempty"`
	GlobalHeaders      map[string]string   `json:"globalHeaders,omitempty" yaml:"globalHeaders,omitempty"`
	MimeTypes          map[string]string   `json:"mimeTypes,omitempty" yaml:"mimeTypes,omitempty"`
	NavigationFallback *NavigationFallback `json:"navigationFallback,omitempty" yaml:"navigationFallback,omitempty"`
}

// Route is a single ordered routing rule.
type Route struct {
	Route      string            `json:"route" yaml:"route"`
	Methods    []string          `json:"methods,omitempty" yaml:"methods,omitempty"`
	Rewrite    string            `json:"rewrite,omitempty" yaml:"rewrite,omitempty"`
	Redirect   string            `json:"redirect,omitempty" yaml:"redirect,omitempty"`
	StatusCode int               `json:"statusCode,omitempty" yaml:"statusCode,omitempty"`
	Headers    map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
}

// NavigationFallback names the document served for unmatched paths and the
// globs that must 404 instead.
type NavigationFallback struct {
	Rewrite string   `json:"rewrite,omitempty" yaml:"rewrite,omitempty"`
	Exclude []string `json:"exclude,omitempty" yaml:"exclude,omitempty"`
}

// LoadConfigFile reads a site config from disk. Files ending in .yaml or
// .yml are decoded as YAML, everything else as JSON.
func LoadConfigFile(path string) (*SiteConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return nil, fmt.Errorf("failed to read site config %s: %w", path, err)
	}

	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEmptyConfig, path)
	}

	cfg, err := ParseConfig(data, formatFor(path))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func formatFor(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return "yaml"
	default:
		return "json"
	}
}

// ParseConfig decodes data in the given format ("json" or "yaml").
func ParseConfig(data []byte, format string) (*SiteConfig, error) {
	var cfg SiteConfig

	switch format {
	case "yaml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
	case "json", "":
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
	default:
		return nil, fmt.Errorf("%w: unknown format %q", ErrInvalidConfig, format)
	}

	return &cfg, nil
}

// Merge appends other's routes after c's and lets other's maps override.
func (c *SiteConfig) Merge(other *SiteConfig) *SiteConfig {
	out := &SiteConfig{}
	for _, src := range []*SiteConfig{c, other} {
		if src == nil {
			continue
		}
		out.Routes = append(out.Routes, src.Routes...)
		out.GlobalHeaders = mergeMaps(out.GlobalHeaders, src.GlobalHeaders)
		out.MimeTypes = mergeMaps(out.MimeTypes, src.MimeTypes)
		if src.NavigationFallback != nil {
			nf := NavigationFallback{}
			if out.NavigationFallback != nil {
				nf = *out.NavigationFallback
			}
			if src.NavigationFallback.Rewrite != "" {
				nf.Rewrite = src.NavigationFallback.Rewrite
			}
			nf.Exclude = append(nf.Exclude, src.NavigationFallback.Exclude...)
			out.NavigationFallback = &nf
		}
	}
	return out
}

func mergeMaps(dst, src map[string]string) map[string]string {
	if len(src) == 0 {
		return dst
	}
	if dst == nil {
		dst = make(map[string]string, len(src))
	}
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

// Compile validates the config and builds the immutable route table.
func (c *SiteConfig) Compile() (*RouteTable, error) {
	if c == nil {
		c = &SiteConfig{}
	}

	table := &RouteTable{
		rules:         make([]*Rule, 0, len(c.Routes)),
		globalHeaders: canonicalHeaders(c.GlobalHeaders),
		mimeTypes:     make(map[string]string, len(c.MimeTypes)),
		fallback:      DefaultFallback,
	}

	for i, r := range c.Routes {
		rule, err := compileRule(i, r)
		if err != nil {
			return nil, fmt.Errorf("route %d (%q): %w", i, r.Route, err)
		}
		table.rules = append(table.rules, rule)
	}

	for key, typ := range c.MimeTypes {
		if typ == "" {
			return nil, fmt.Errorf("%w: empty mime type for %q", ErrInvalidConfig, key)
		}
		table.mimeTypes[mimeKey(key)] = typ
	}

	if nf := c.NavigationFallback; nf != nil {
		if nf.Rewrite != "" {
			table.fallback = rootPath(nf.Rewrite)
		}
		for _, glob := range nf.Exclude {
			p, err := compilePattern(glob)
			if err != nil {
				return nil, fmt.Errorf("navigation fallback exclude %q: %w", glob, err)
			}
			table.exclude = append(table.exclude, p)
		}
	}

	return table, nil
}

func compileRule(index int, r Route) (*Rule, error) {
	if strings.TrimSpace(r.Route) == "" {
		return nil, fmt.Errorf("%w: empty route pattern", ErrInvalidConfig)
	}
	if r.Rewrite != "" && r.Redirect != "" {
		return nil, ErrConflictingRule
	}
	if r.StatusCode != 0 {
		if r.Redirect == "" {
			return nil, fmt.Errorf("%w: statusCode %d without redirect", ErrInvalidConfig, r.StatusCode)
		}
		if r.StatusCode < 300 || r.StatusCode > 399 {
			return nil, fmt.Errorf("%w: redirect statusCode %d is not 3xx", ErrInvalidConfig, r.StatusCode)
		}
	}

	p, err := compilePattern(r.Route)
	if err != nil {
		return nil, err
	}

	rule := &Rule{
		Index:   index,
		Pattern: r.Route,
		Headers: canonicalHeaders(r.Headers),
		match:   p,
	}
	if r.Rewrite != "" {
		rule.Rewrite = rootPath(r.Rewrite)
	}
	if r.Redirect != "" {
		rule.Redirect = &Redirect{Target: r.Redirect, StatusCode: r.StatusCode}
	}
	for _, m := range r.Methods {
		m = strings.ToUpper(strings.TrimSpace(m))
		if m == "" {
			continue
		}
		if rule.Methods == nil {
			rule.Methods = make(map[string]struct{})
		}
		rule.Methods[m] = struct{}{}
	}

	return rule, nil
}

func canonicalHeaders(in map[string]string) http.Header {
	if len(in) == 0 {
		return nil
	}
	out := make(http.Header, len(in))
	for k, v := range in {
		out[http.CanonicalHeaderKey(k)] = []string{v}
	}
	return out
}

// rootPath makes p absolute under the site root.
func rootPath(p string) string {
	if !strings.HasPrefix(p, "/") {
		return "/" + p
	}
	return p
}
