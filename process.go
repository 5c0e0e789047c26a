package siteroutes

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/caddyserver/caddy/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// ProcessManager runs function hosts on demand. Each distinct command line
// gets one process listening on a free localhost port.
type ProcessManager struct {
	idleTimeout    caddy.Duration
	startupTimeout caddy.Duration
	logger         *zap.Logger
	processes      map[string]*Process
	mu             sync.Mutex
	ctx            context.Context
	cancel         context.CancelFunc
	wg             sync.WaitGroup
	starting       singleflight.Group
}

// Process is one running function host.
type Process struct {
	Command  []string
	Host     string
	Port     int
	Cmd      *exec.Cmd
	LastUsed time.Time
	exitCode int
	ready    chan struct{}
	onExit   func()
	mu       sync.RWMutex
	logger   *zap.Logger
}

func NewProcessManager(idleTimeout, startupTimeout caddy.Duration, logger *zap.Logger) *ProcessManager {
	ctx, cancel := context.WithCancel(context.Background())

	pm := &ProcessManager{
		idleTimeout:    idleTimeout,
		startupTimeout: startupTimeout,
		logger:         logger,
		processes:      make(map[string]*Process),
		ctx:            ctx,
		cancel:         cancel,
	}

	if idleTimeout > 0 {
		pm.wg.Add(1)
		go pm.cleanupLoop(cleanupInterval(time.Duration(idleTimeout)))
	}

	return pm
}

func cleanupInterval(idle time.Duration) time.Duration {
	interval := idle / 2
	if interval < time.Second {
		return time.Second
	}
	if interval > time.Minute {
		return time.Minute
	}
	return interval
}

func processKey(command []string) string {
	return strings.Join(command, "\x00")
}

// resolveExecutable finds the absolute path of a function host binary.
func resolveExecutable(name string) (string, error) {
	if name == "" {
		return "", errors.New("empty command")
	}

	path, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("function host %s: %w", name, err)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s: %w", path, err)
	}

	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("failed to stat %s: %w", abs, err)
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("function host is not a regular file: %s", abs)
	}

	return abs, nil
}

// expandArgs substitutes {host} and {port}. Without placeholders the host
// and port are appended as the last two arguments.
func expandArgs(args []string, host string, port int) []string {
	portStr := strconv.Itoa(port)
	out := make([]string, 0, len(args)+2)
	substituted := false
	for _, a := range args {
		if strings.Contains(a, "{host}") || strings.Contains(a, "{port}") {
			substituted = true
			a = strings.ReplaceAll(a, "{host}", host)
			a = strings.ReplaceAll(a, "{port}", portStr)
		}
		out = append(out, a)
	}
	if !substituted {
		out = append(out, host, portStr)
	}
	return out
}

var errStopped = errors.New("process manager stopped")

// HostFor returns the host:port of the function host for command, starting
// it if it is not running. Only callers of the same command line wait for a
// start in progress.
func (pm *ProcessManager) HostFor(command []string) (string, error) {
	if len(command) == 0 {
		return "", errors.New("no function host command configured")
	}

	key := processKey(command)
	process, err := pm.lookup(key)
	if err != nil {
		return "", err
	}
	if process == nil {
		v, err, _ := pm.starting.Do(key, func() (any, error) {
			if process, err := pm.lookup(key); err != nil || process != nil {
				return process, err
			}
			return pm.launch(key, command)
		})
		if err != nil {
			return "", err
		}
		process = v.(*Process)
	}

	<-process.ready
	return process.addr(), nil
}

// lookup returns the pooled process for key, marking it used.
func (pm *ProcessManager) lookup(key string) (*Process, error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if pm.ctx.Err() != nil {
		return nil, errStopped
	}

	process, exists := pm.processes[key]
	if !exists {
		return nil, nil
	}
	process.mu.Lock()
	process.LastUsed = time.Now()
	process.mu.Unlock()
	return process, nil
}

// launch starts a function host for command and waits for its port. The
// process is pooled before it starts so an early exit removes it again.
func (pm *ProcessManager) launch(key string, command []string) (*Process, error) {
	exe, err := resolveExecutable(command[0])
	if err != nil {
		return nil, err
	}

	host := "localhost"
	maxRetries := 3

	for attempt := 1; attempt <= maxRetries; attempt++ {
		port, err := getFreePort()
		if err != nil {
			return nil, fmt.Errorf("failed to get free port: %w", err)
		}

		process := &Process{
			Command:  append([]string{exe}, command[1:]...),
			Host:     host,
			Port:     port,
			LastUsed: time.Now(),
			ready:    make(chan struct{}),
			logger:   pm.logger,
		}
		process.onExit = func() { pm.removeProcess(key, process) }

		pm.mu.Lock()
		if pm.ctx.Err() != nil {
			pm.mu.Unlock()
			return nil, errStopped
		}
		pm.processes[key] = process
		pm.mu.Unlock()

		if err := process.start(); err != nil {
			pm.forget(key, process)
			close(process.ready)
			if pm.isPortInUse(host, port) && attempt < maxRetries {
				pm.logger.Warn("port race detected starting function host, retrying",
					zap.Int("attempt", attempt),
					zap.Int("port", port),
					zap.String("command", exe),
				)
				continue
			}
			return nil, fmt.Errorf("failed to start function host after %d attempts: %w", attempt, err)
		}

		pm.logger.Info("started function host",
			zap.Strings("command", process.Command),
			zap.String("host:port", process.addr()),
			zap.Int("pid", process.Cmd.Process.Pid),
			zap.Int("attempt", attempt),
		)

		if err := pm.waitForPortReady(host, port, time.Duration(pm.startupTimeout)); err != nil {
			pm.logger.Warn("function host may not be ready to accept connections",
				zap.String("command", exe),
				zap.String("host:port", process.addr()),
				zap.Error(err),
			)
		}
		close(process.ready)

		if pm.ctx.Err() != nil {
			pm.forget(key, process)
			_ = process.Stop()
			return nil, errStopped
		}
		return process, nil
	}

	return nil, fmt.Errorf("failed to start function host after %d attempts", maxRetries)
}

func (pm *ProcessManager) forget(key string, p *Process) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if current, exists := pm.processes[key]; exists && current == p {
		delete(pm.processes, key)
	}
}

// Running lists the command lines of live function hosts and their address.
func (pm *ProcessManager) Running() map[string]string {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	out := make(map[string]string, len(pm.processes))
	for _, p := range pm.processes {
		out[strings.Join(p.Command, " ")] = p.addr()
	}
	return out
}

func (pm *ProcessManager) Stop() error {
	pm.cancel()
	pm.wg.Wait()

	pm.mu.Lock()
	processes := pm.processes
	pm.processes = make(map[string]*Process)
	pm.mu.Unlock()

	var errs []error
	for _, process := range processes {
		if err := process.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop %s: %w", process.Command[0], err))
		}
	}

	return errors.Join(errs...)
}

func (pm *ProcessManager) cleanupLoop(interval time.Duration) {
	defer pm.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-pm.ctx.Done():
			return
		case <-ticker.C:
			pm.cleanupIdleProcesses()
		}
	}
}

func (pm *ProcessManager) removeProcess(key string, p *Process) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if current, exists := pm.processes[key]; exists && current == p {
		pm.logger.Info("removing exited function host from pool",
			zap.String("command", strings.ReplaceAll(key, "\x00", " ")),
		)
		delete(pm.processes, key)
	}
}

func (pm *ProcessManager) cleanupIdleProcesses() {
	idleTimeout := time.Duration(pm.idleTimeout)
	now := time.Now()

	var idle []*Process

	pm.mu.Lock()
	for key, process := range pm.processes {
		process.mu.RLock()
		lastUsed := process.LastUsed
		process.mu.RUnlock()

		if now.Sub(lastUsed) > idleTimeout {
			pm.logger.Info("stopping idle function host",
				zap.Strings("command", process.Command),
				zap.Duration("idle_time", now.Sub(lastUsed)),
			)
			delete(pm.processes, key)
			idle = append(idle, process)
		}
	}
	pm.mu.Unlock()

	for _, process := range idle {
		if err := process.Stop(); err != nil {
			pm.logger.Error("failed to stop idle function host",
				zap.Strings("command", process.Command),
				zap.Error(err),
			)
		}
	}
}

func (p *Process) addr() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

func (p *Process) start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.Cmd = exec.Command(p.Command[0], expandArgs(p.Command[1:], p.Host, p.Port)...)
	p.Cmd.Stdout = os.Stdout
	p.Cmd.Stderr = os.Stderr

	if err := configureProcessSecurity(p.Cmd, p.Command[0]); err != nil {
		return fmt.Errorf("failed to configure process security: %w", err)
	}

	if err := p.Cmd.Start(); err != nil {
		return fmt.Errorf("failed to start command: %w", err)
	}

	go p.monitor()

	return nil
}

func (p *Process) monitor() {
	err := p.Cmd.Wait()

	p.mu.Lock()
	if err != nil {
		var exitError *exec.ExitError
		if errors.As(err, &exitError) {
			p.exitCode = exitError.ExitCode()
		} else {
			p.exitCode = -1
		}
	} else {
		p.exitCode = 0
	}

	crashed := p.exitCode != 0
	command := p.Command[0]
	p.mu.Unlock()

	if crashed {
		p.logger.Error("function host crashed",
			zap.String("command", command),
			zap.Int("exit_code", p.exitCode),
			zap.Error(err),
		)
	} else {
		p.logger.Info("function host exited",
			zap.String("command", command),
		)
	}

	p.onExit()
}

func (p *Process) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.Cmd == nil || p.Cmd.Process == nil {
		return nil
	}

	p.logger.Info("stopping function host",
		zap.String("command", p.Command[0]),
		zap.Int("pid", p.Cmd.Process.Pid),
	)

	if err := p.Cmd.Process.Signal(syscall.SIGTERM); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			return nil
		}
		return fmt.Errorf("failed to send SIGTERM: %w", err)
	}

	// monitor owns Wait; poll the process until it is gone
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if err := p.Cmd.Process.Signal(syscall.Signal(0)); err != nil {
			return nil
		}
		time.Sleep(20 * time.Millisecond)
	}

	p.logger.Warn("function host did not shut down gracefully, force killing",
		zap.String("command", p.Command[0]),
		zap.Int("pid", p.Cmd.Process.Pid),
	)
	if err := p.Cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("failed to kill process: %w", err)
	}
	return nil
}

func getFreePort() (int, error) {
	listener, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		return 0, fmt.Errorf("failed to find free port: %w", err)
	}
	defer listener.Close()

	addr, ok := listener.Addr().(*net.TCPAddr)
	if !ok {
		return 0, fmt.Errorf("failed to get TCP address")
	}

	return addr.Port, nil
}

func (pm *ProcessManager) isPortInUse(host string, port int) bool {
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("%s:%d", host, port), 100*time.Millisecond)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

func (pm *ProcessManager) waitForPortReady(host string, port int, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	hostPort := fmt.Sprintf("%s:%d", host, port)

	for {
		conn, err := net.DialTimeout("tcp", hostPort, 500*time.Millisecond)
		if err == nil {
			conn.Close()
			pm.logger.Debug("function host port ready",
				zap.String("host:port", hostPort),
				zap.Duration("wait_time", time.Since(deadline.Add(-timeout))),
			)
			return nil
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("timeout waiting for port %s to become ready after %v", hostPort, timeout)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
