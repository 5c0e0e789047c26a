package siteroutes

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/caddyserver/caddy/v2"
	"go.uber.org/zap"
)

func init() {
	caddy.RegisterModule(adminAPI{})
}

// Interface guards
var (
	_ caddy.Module      = (*adminAPI)(nil)
	_ caddy.Provisioner = (*adminAPI)(nil)
	_ caddy.AdminRouter = (*adminAPI)(nil)
)

// adminAPI exposes the live route tables at GET /site_routes/.
type adminAPI struct {
	log *zap.Logger
}

func (adminAPI) CaddyModule() caddy.ModuleInfo {
	return caddy.ModuleInfo{
		ID:  "admin.api.site_routes",
		New: func() caddy.Module { return new(adminAPI) },
	}
}

func (a *adminAPI) Provision(ctx caddy.Context) error {
	a.log = ctx.Logger(a)
	return nil
}

func (a *adminAPI) Routes() []caddy.AdminRoute {
	return []caddy.AdminRoute{
		{
			Pattern: "/site_routes/",
			Handler: caddy.AdminHandlerFunc(a.handleSiteRoutes),
		},
	}
}

func (a *adminAPI) handleSiteRoutes(w http.ResponseWriter, r *http.Request) error {
	if r.Method != http.MethodGet {
		return caddy.APIError{
			HTTPStatus: http.StatusMethodNotAllowed,
			Err:        fmt.Errorf("method not allowed: %s", r.Method),
		}
	}

	var app *App
	if appIface, err := caddy.ActiveContext().AppIfConfigured("site_routes"); err == nil {
		app, _ = appIface.(*App)
	}

	w.Header().Set("Content-Type", "application/json")
	return json.NewEncoder(w).Encode(GetDebugInfo(app))
}
