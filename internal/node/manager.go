// Package node assembles the flashing controller from configuration and exposes it to the CLI.
package node

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ontree-co/flashnode/internal/artifact"
	"github.com/ontree-co/flashnode/internal/broadcast"
	"github.com/ontree-co/flashnode/internal/config"
	"github.com/ontree-co/flashnode/internal/database"
	"github.com/ontree-co/flashnode/internal/history"
	"github.com/ontree-co/flashnode/internal/logging"
	"github.com/ontree-co/flashnode/internal/maintenance"
	"github.com/ontree-co/flashnode/internal/operation"
	"github.com/ontree-co/flashnode/internal/profiles"
	"github.com/ontree-co/flashnode/internal/programmer"
	"github.com/ontree-co/flashnode/internal/reset"
	"github.com/ontree-co/flashnode/internal/serialport"
	"github.com/ontree-co/flashnode/internal/server"
	"github.com/ontree-co/flashnode/internal/systemcheck"
)

// shutdownTimeout bounds the graceful HTTP shutdown
const shutdownTimeout = 10 * time.Second

// Manager owns the components of one flashing controller
type Manager struct {
	cfg      *config.Config
	db       *sql.DB
	history  *history.Store
	hub      *broadcast.Hub
	orch     *operation.Orchestrator
	fetcher  *artifact.Fetcher
	profiles *profiles.Registry

	listPorts func() ([]serialport.PortInfo, error)
	probe     func(name string) error
}

// NewManager builds the controller. With an empty DatabasePath operations are not recorded.
func NewManager(cfg *config.Config) (*Manager, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}

	registry, err := profiles.Load(cfg.ProfilesPath)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		cfg:       cfg,
		hub:       broadcast.NewHub(nil),
		fetcher:   artifact.NewFetcher(cfg.TempDir, nil),
		profiles:  registry,
		listPorts: serialport.ListPorts,
		probe:     serialport.Probe,
	}

	var store operation.Store
	if cfg.DatabasePath != "" {
		db, err := database.Open(cfg.DatabasePath)
		if err != nil {
			return nil, err
		}
		m.db = db
		m.history = history.NewStore(db)
		store = m.history

		if n, err := m.history.MarkInterrupted(context.Background()); err != nil {
			logging.Warnf("Failed to mark unfinished operations: %v", err)
		} else if n > 0 {
			logging.Warnf("Marked %d unfinished operations as interrupted", n)
		}
	}

	journal := operation.NewJournal(m.hub, store)
	m.orch = operation.New(
		reset.NewLine(cfg.GPIOTool, cfg.ResetLine, journal),
		programmer.NewInvoker(cfg.ProgrammerTool, cfg.ProgrammerTimeout.Duration, journal),
		journal,
		operation.Timing{
			ResetSettle:      cfg.ResetSettle.Duration,
			BootloaderSettle: cfg.BootloaderSettle.Duration,
			RestartPulse:     cfg.RestartPulse.Duration,
		},
	)
	m.hub.SetStatusSource(m.orch)

	return m, nil
}

// Close waits for a running operation and releases the database
func (m *Manager) Close() {
	m.orch.Wait()
	if m.db == nil {
		return
	}
	if err := m.db.Close(); err != nil {
		logging.Warnf("Warning: failed to close database: %v", err)
	}
}

// Serve runs the HTTP server and the maintenance job until ctx is cancelled
func (m *Manager) Serve(ctx context.Context) error {
	if err := logging.Initialize(m.cfg.LogDir); err != nil {
		// Continue with stdout only; GET /logs will be empty
		logging.Warnf("Failed to initialize file logging: %v", err)
	} else {
		defer logging.Close()
	}

	srv := server.New(m.cfg, server.Deps{
		Hub:          m.hub,
		Orchestrator: m.orch,
		Fetcher:      m.fetcher,
		Profiles:     m.profiles,
		History:      m.history,
	})

	for _, result := range m.Check(ctx) {
		if result.Status != systemcheck.StatusOK {
			logging.Warnf("System check %s: %s (%s)", result.ID, result.Message, result.Details)
		}
	}

	var pruner maintenance.Pruner
	if m.history != nil {
		pruner = m.history
	}
	scheduler, err := maintenance.New(maintenance.Options{
		Schedule:         m.cfg.MaintenanceSchedule,
		ArtifactMaxAge:   m.cfg.ArtifactMaxAge.Duration,
		HistoryRetention: m.cfg.HistoryRetention.Duration,
		LogDir:           m.cfg.LogDir,
	}, m.fetcher, pruner)
	if err != nil {
		return err
	}
	scheduler.Start()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	var serveErr error
	select {
	case serveErr = <-errCh:
	case <-ctx.Done():
		logging.Infof("Shutting down...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Errorf("Server shutdown failed: %v", err)
	}
	scheduler.Stop(shutdownCtx)

	if m.orch.Status().IsRunning {
		logging.Infof("Waiting for the running operation to finish")
	}
	m.orch.Wait()
	return serveErr
}

// Check runs the host checks: tools, directories, serial port and temp space
func (m *Manager) Check(ctx context.Context) []systemcheck.CheckResult {
	return systemcheck.NewRunner(m.cfg, m.fetcher.FreeSpace).Run(ctx)
}

// Profiles returns the known board profiles
func (m *Manager) Profiles() []profiles.Profile {
	return m.profiles.List()
}

// Operations returns the most recent operations, newest first
func (m *Manager) Operations(ctx context.Context, limit int) ([]history.Record, error) {
	if m.history == nil {
		return nil, errors.New("operation history is disabled (no database_path configured)")
	}
	return m.history.List(ctx, limit)
}

// PortStatus is a serial port and, when probed, whether it can be opened
type PortStatus struct {
	serialport.PortInfo
	Probed    bool   `json:"probed"`
	Available bool   `json:"available,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Ports lists the serial ports. With probe set each port is opened once to see if it is free.
func (m *Manager) Ports(_ context.Context, probe bool) ([]PortStatus, error) {
	ports, err := m.listPorts()
	if err != nil {
		return nil, err
	}

	result := make([]PortStatus, 0, len(ports))
	for _, p := range ports {
		status := PortStatus{PortInfo: p}
		if probe {
			status.Probed = true
			if err := m.probe(p.Name); err != nil {
				status.Error = err.Error()
			} else {
				status.Available = true
			}
		}
		result = append(result, status)
	}
	return result, nil
}

// DefaultPort returns the configured serial port
func (m *Manager) DefaultPort() string {
	return m.cfg.SerialPort
}

// resolveOptions layers defaults, the configured port, the profile and the explicit options
func (m *Manager) resolveOptions(profileName string, explicit programmer.Options) (programmer.Options, error) {
	opts := programmer.DefaultOptions()
	if m.cfg.SerialPort != "" {
		opts.Port = m.cfg.SerialPort
	}
	if profileName != "" {
		profile, err := m.profiles.Get(profileName)
		if err != nil {
			return programmer.Options{}, err
		}
		opts = profile.Apply(opts)
	}
	opts = profiles.Profile{Options: explicit}.Apply(opts)

	if err := opts.Validate(); err != nil {
		return programmer.Options{}, fmt.Errorf("invalid options: %w", err)
	}
	return opts, nil
}
