// Package tunnel manages the external tunnel client as a black box:
// start it, stop it, report what it claims to be doing. The core
// never inspects tunnel internals; it only persists the desired
// configuration and tracks the managed process.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/opsbots/machinist/internal/statestore"
)

// ErrTunnelActive indicates the tunnel client is already running.
var ErrTunnelActive = errors.New("tunnel already active")

const (
	configKey     = "tunnel:config"
	fieldHostname = "hostname"
	fieldPort     = "port"
	fieldCredRef  = "credential_ref"

	stopGrace = 5 * time.Second
)

// Config is the desired tunnel configuration. The credential itself
// stays wherever the reference points; only the reference is
// persisted.
type Config struct {
	Hostname      string `json:"hostname"`
	Port          int    `json:"port"`
	CredentialRef string `json:"credential_ref,omitempty"`
}

// State is the reported tunnel state.
type State struct {
	Active   bool   `json:"active"`
	Hostname string `json:"hostname,omitempty"`
	Port     int    `json:"port,omitempty"`
}

// Manager supervises the tunnel client process.
type Manager struct {
	store   statestore.Store
	logger  *slog.Logger
	command []string

	mu   sync.Mutex
	cmd  *exec.Cmd
	cfg  Config
	done chan struct{}
}

// New creates a Manager that runs the given tunnel client command.
func New(store statestore.Store, logger *slog.Logger, command []string) *Manager {
	return &Manager{
		store:   store,
		logger:  logger,
		command: command,
	}
}

// Start persists the desired configuration and launches the tunnel
// client. The configuration reaches the client through environment
// variables; its flag surface is its own business.
func (m *Manager) Start(ctx context.Context, cfg Config) error {
	if len(m.command) == 0 {
		return fmt.Errorf("no tunnel command configured")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cmd != nil {
		return ErrTunnelActive
	}

	if err := m.store.SetFields(ctx, configKey, map[string]string{
		fieldHostname: cfg.Hostname,
		fieldPort:     strconv.Itoa(cfg.Port),
		fieldCredRef:  cfg.CredentialRef,
	}); err != nil {
		return err
	}

	cmd := exec.Command(m.command[0], m.command[1:]...)
	cmd.Env = append(os.Environ(),
		"TUNNEL_HOSTNAME="+cfg.Hostname,
		"TUNNEL_PORT="+strconv.Itoa(cfg.Port),
		"TUNNEL_CREDENTIAL_REF="+cfg.CredentialRef,
	)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start tunnel client: %w", err)
	}

	m.cmd = cmd
	m.cfg = cfg
	m.done = make(chan struct{})

	m.logger.Info("tunnel client started",
		"hostname", cfg.Hostname,
		"port", cfg.Port,
		"pid", cmd.Process.Pid,
	)

	go m.supervise(cmd, m.done)

	return nil
}

func (m *Manager) supervise(cmd *exec.Cmd, done chan struct{}) {
	err := cmd.Wait()

	m.mu.Lock()
	if m.cmd == cmd {
		m.cmd = nil
	}
	m.mu.Unlock()

	close(done)

	if err != nil {
		m.logger.Warn("tunnel client exited", "err", err)
		return
	}

	m.logger.Info("tunnel client exited")
}

// Stop terminates the tunnel client. Stopping an inactive tunnel is
// a no-op.
func (m *Manager) Stop() error {
	m.mu.Lock()
	cmd := m.cmd
	done := m.done
	m.mu.Unlock()

	if cmd == nil {
		return nil
	}

	pid := cmd.Process.Pid

	if err := unix.Kill(-pid, unix.SIGTERM); err != nil {
		m.logger.Warn("terminate tunnel client", "err", err)
	}

	select {
	case <-done:
		return nil
	case <-time.After(stopGrace):
	}

	m.logger.Warn("tunnel client ignored SIGTERM, killing", "pid", pid)

	if err := unix.Kill(-pid, unix.SIGKILL); err != nil {
		m.logger.Warn("kill tunnel client", "err", err)
	}

	<-done

	return nil
}

// Status reports whether the client is running and the configuration
// it was started with.
func (m *Manager) Status() State {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cmd == nil {
		return State{}
	}

	return State{
		Active:   true,
		Hostname: m.cfg.Hostname,
		Port:     m.cfg.Port,
	}
}

// LoadConfig returns the persisted desired configuration, if any.
func (m *Manager) LoadConfig(ctx context.Context) (Config, bool, error) {
	fields, err := m.store.GetAll(ctx, configKey)
	if err != nil {
		return Config{}, false, err
	}

	if len(fields) == 0 {
		return Config{}, false, nil
	}

	port, _ := strconv.Atoi(fields[fieldPort])

	return Config{
		Hostname:      fields[fieldHostname],
		Port:          port,
		CredentialRef: fields[fieldCredRef],
	}, true, nil
}
