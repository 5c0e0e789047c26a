package siteroutes

import (
	"runtime"
	"runtime/debug"
	"sort"
	"time"
)

// DebugInfo is the admin API view of the site_routes app.
type DebugInfo struct {
	GoVersion     string            `json:"go_version"`
	Version       string            `json:"version,omitempty"`
	NumGoroutine  int               `json:"num_goroutine"`
	Uptime        string            `json:"uptime"`
	StartTime     time.Time         `json:"start_time"`
	Sites         []SiteInfo        `json:"sites"`
	FunctionHosts map[string]string `json:"function_hosts,omitempty"`
}

// SiteInfo describes one handler's live route table.
type SiteInfo struct {
	Root          string     `json:"root"`
	ConfigFile    string     `json:"config_file,omitempty"`
	APIPrefix     string     `json:"api_prefix,omitempty"`
	Fallback      string     `json:"navigation_fallback"`
	Exclude       []string   `json:"exclude,omitempty"`
	GlobalHeaders []string   `json:"global_headers,omitempty"`
	Rules         []RuleInfo `json:"rules"`
}

// RuleInfo describes one compiled rule.
type RuleInfo struct {
	Pattern  string `json:"pattern"`
	Match    string `json:"match"`
	Rewrite  string `json:"rewrite,omitempty"`
	Redirect string `json:"redirect,omitempty"`
	Status   int    `json:"status_code,omitempty"`
}

var startTime = time.Now()

func GetDebugInfo(app *App) *DebugInfo {
	info := &DebugInfo{
		GoVersion:    runtime.Version(),
		NumGoroutine: runtime.NumGoroutine(),
		Uptime:       time.Since(startTime).String(),
		StartTime:    startTime,
		Sites:        []SiteInfo{},
	}

	if bi, ok := debug.ReadBuildInfo(); ok {
		info.Version = bi.Main.Version
	}

	if app == nil || app.mu == nil {
		return info
	}

	handlers, running := app.snapshot()
	if len(running) > 0 {
		info.FunctionHosts = running
	}
	for _, h := range handlers {
		info.Sites = append(info.Sites, describeSite(h))
	}

	return info
}

func describeSite(h *Handler) SiteInfo {
	t := h.router.Table()
	site := SiteInfo{
		Root:       h.Root,
		ConfigFile: h.configPath,
		APIPrefix:  h.router.functionPrefix,
		Fallback:   t.fallback,
		Rules:      make([]RuleInfo, 0, len(t.rules)),
	}
	for _, ex := range t.exclude {
		site.Exclude = append(site.Exclude, ex.raw)
	}
	for name := range t.globalHeaders {
		site.GlobalHeaders = append(site.GlobalHeaders, name)
	}
	sort.Strings(site.GlobalHeaders)
	for _, rule := range t.rules {
		ri := RuleInfo{
			Pattern: rule.Pattern,
			Match:   rule.match.kind.String(),
			Rewrite: rule.Rewrite,
		}
		if rule.Redirect != nil {
			ri.Redirect = rule.Redirect.Target
			ri.Status = rule.Redirect.StatusCode
		}
		site.Rules = append(site.Rules, ri)
	}
	return site
}
