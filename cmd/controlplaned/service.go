package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/kardianos/service"
)

// program implements service.Interface, wiring the service lifecycle to
// run's own context cancellation.
type program struct {
	configPath string
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
	svcLogger  service.Logger
}

func newProgram(configPath string) *program {
	return &program{configPath: configPath}
}

func (p *program) Start(s service.Service) error {
	p.svcLogger, _ = s.Logger(nil)
	if p.svcLogger != nil {
		p.svcLogger.Info("controlplaned service starting")
	}

	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.done = make(chan struct{})
	go p.run()
	return nil
}

func (p *program) run() {
	defer close(p.done)
	if err := run(p.ctx, p.configPath); err != nil && p.svcLogger != nil {
		p.svcLogger.Error(err)
	}
}

func (p *program) Stop(s service.Service) error {
	if p.svcLogger != nil {
		p.svcLogger.Info("controlplaned service stop requested")
	}
	if p.cancel != nil {
		p.cancel()
	}

	select {
	case <-p.done:
		if p.svcLogger != nil {
			p.svcLogger.Info("controlplaned service stopped gracefully")
		}
	case <-time.After(15 * time.Second):
		if p.svcLogger != nil {
			p.svcLogger.Warning("controlplaned service stop timed out")
		}
	}
	return nil
}

// serviceConfig returns the platform service descriptor, matching the
// teacher's per-OS working directory convention.
func serviceConfig() *service.Config {
	var workingDir string
	switch runtime.GOOS {
	case "windows":
		workingDir = filepath.Join(os.Getenv("ProgramData"), "PrintFarmControlPlane")
	case "darwin":
		workingDir = "/Library/Application Support/PrintFarmControlPlane"
	default:
		workingDir = "/var/lib/printfarm-controlplane"
	}

	return &service.Config{
		Name:             "PrintFarmControlPlane",
		DisplayName:      "Print Farm Control Plane",
		Description:      "Reconciles printer workers, the FIFO job scheduler, and the external control API.",
		WorkingDirectory: workingDir,
		Arguments:        []string{"--service", "run"},
		Option: service.KeyValue{
			"Restart":           "on-failure",
			"RestartSec":        5,
			"SuccessExitStatus": "0 SIGTERM",
			"KillMode":          "mixed",
			"KillSignal":        "SIGTERM",
			"RunAtLoad":         true,
			"KeepAlive":         true,
		},
	}
}

// handleServiceCommand installs, uninstalls, starts, or stops the platform
// service, then exits.
func handleServiceCommand(cmd, configPath string) error {
	prg := newProgram(configPath)
	s, err := service.New(prg, serviceConfig())
	if err != nil {
		return fmt.Errorf("create service: %w", err)
	}

	switch cmd {
	case "install":
		if err := s.Install(); err != nil {
			return err
		}
		fmt.Println("service installed")
	case "uninstall":
		if err := s.Uninstall(); err != nil {
			return err
		}
		fmt.Println("service uninstalled")
	case "start":
		if err := s.Start(); err != nil {
			return err
		}
		fmt.Println("service started")
	case "stop":
		if err := s.Stop(); err != nil {
			return err
		}
		fmt.Println("service stopped")
	case "run":
		return s.Run()
	default:
		return fmt.Errorf("unknown service command %q", cmd)
	}
	return nil
}
