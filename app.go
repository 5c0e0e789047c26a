package siteroutes

import (
	"errors"
	"fmt"
	"sync"

	"github.com/caddyserver/caddy/v2"
	"go.uber.org/zap"
)

func init() {
	caddy.RegisterModule(App{})
}

// Interface guards
var (
	_ caddy.Module      = (*App)(nil)
	_ caddy.Provisioner = (*App)(nil)
	_ caddy.App         = (*App)(nil)
)

// App is the process-wide home of site_routes handlers. It owns the pools of
// function host processes so handlers sharing a command share a process.
type App struct {
	mu        *sync.Mutex
	handlers  []*Handler
	processes map[poolKey]*ProcessManager
	log       *zap.Logger
}

type poolKey struct {
	idle, startup caddy.Duration
}

func (App) CaddyModule() caddy.ModuleInfo {
	return caddy.ModuleInfo{
		ID:  "site_routes",
		New: func() caddy.Module { return new(App) },
	}
}

func (a *App) Provision(ctx caddy.Context) error {
	a.log = ctx.Logger(a)
	a.mu = new(sync.Mutex)
	a.processes = make(map[poolKey]*ProcessManager)
	return nil
}

func (a *App) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.log.Info("starting site routes", zap.Int("handlers", len(a.handlers)))
	for _, h := range a.handlers {
		a.log.Debug("site routes handler",
			zap.String("config_file", h.ConfigFile),
			zap.Int("rules", len(h.router.Table().Rules())),
		)
	}
	return nil
}

func (a *App) Stop() error {
	a.mu.Lock()
	pools := a.processes
	a.processes = make(map[poolKey]*ProcessManager)
	a.handlers = nil
	a.mu.Unlock()

	a.log.Info("stopping site routes")

	var errs []error
	for _, pm := range pools {
		if err := pm.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("stopping function hosts: %w", err)
	}
	return nil
}

func (a *App) register(h *Handler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handlers = append(a.handlers, h)
}

// processManager returns the shared pool for the given timeouts.
func (a *App) processManager(idle, startup caddy.Duration) *ProcessManager {
	a.mu.Lock()
	defer a.mu.Unlock()

	key := poolKey{idle: idle, startup: startup}
	if pm, ok := a.processes[key]; ok {
		return pm
	}
	pm := NewProcessManager(idle, startup, a.log.Named("functions"))
	a.processes[key] = pm
	return pm
}

func (a *App) snapshot() ([]*Handler, map[string]string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	handlers := append([]*Handler(nil), a.handlers...)
	running := make(map[string]string)
	for _, pm := range a.processes {
		for cmd, addr := range pm.Running() {
			running[cmd] = addr
		}
	}
	return handlers, running
}
