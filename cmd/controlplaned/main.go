// Command controlplaned runs the print-farm control plane: it loads
// configuration, opens the job/order store, dials (or mocks) the twin
// mirror, rebuilds the worker fleet from persisted active printers, starts
// the scheduler, and serves the external HTTP API.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/kardianos/service"

	"github.com/monashautomation/printfarm-controlplane/internal/api"
	"github.com/monashautomation/printfarm-controlplane/internal/config"
	"github.com/monashautomation/printfarm-controlplane/internal/fleet"
	"github.com/monashautomation/printfarm-controlplane/internal/logger"
	"github.com/monashautomation/printfarm-controlplane/internal/scheduler"
	"github.com/monashautomation/printfarm-controlplane/internal/store"
	"github.com/monashautomation/printfarm-controlplane/internal/twin"
)

// Version is set at build time via -ldflags.
var Version = "dev"

func main() {
	configPath := flag.String("config", "config.toml", "configuration file path")
	generateConfig := flag.Bool("generate-config", false, "write a default config file and exit")
	showVersion := flag.Bool("version", false, "print version and exit")
	svcCommand := flag.String("service", "", "service command: install, uninstall, start, stop, run")
	flag.Parse()

	if *showVersion {
		fmt.Printf("controlplaned %s\n", Version)
		return
	}

	if *generateConfig {
		if err := config.WriteDefaultConfig(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "generate config: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("wrote default configuration to %s\n", *configPath)
		return
	}

	if *svcCommand != "" {
		if err := handleServiceCommand(*svcCommand, *configPath); err != nil {
			fmt.Fprintf(os.Stderr, "service %s: %v\n", *svcCommand, err)
			os.Exit(1)
		}
		return
	}

	if !service.Interactive() {
		prg := newProgram(*configPath)
		s, err := service.New(prg, serviceConfig())
		if err != nil {
			fmt.Fprintf(os.Stderr, "create service: %v\n", err)
			os.Exit(1)
		}
		if err := s.Run(); err != nil {
			fmt.Fprintf(os.Stderr, "run service: %v\n", err)
			os.Exit(1)
		}
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err := run(ctx, *configPath); err != nil {
		logger.Default().Error("controlplaned exited with error", "error", err)
		os.Exit(1)
	}
}

// run wires every component per §10 and blocks serving the external API
// until ctx is cancelled.
func run(ctx context.Context, configPath string) error {
	cfg, _, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	lvl := parseLevel(cfg.Logging.Level)
	log := logger.New(lvl, "", "", 2000)
	log.SetConsoleOutput(true)
	logger.SetDefault(log)

	st, err := store.NewStore(ctx, cfg.Database, apiKeyPassphrase())
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	tw, err := openTwin(ctx, cfg.Twin)
	if err != nil {
		st.Close()
		return fmt.Errorf("open twin: %w", err)
	}

	httpClient := &http.Client{Timeout: 30 * time.Second}

	mgr := fleet.New(st, tw, httpClient, cfg.WorkerInterval(), cfg.JobMatchWindow(), cfg.MockPrinter)
	if err := mgr.Bootstrap(ctx); err != nil {
		return fmt.Errorf("bootstrap fleet: %w", err)
	}

	sched := scheduler.New(st, mgr, cfg.SchedulerInterval(), cfg.Scheduler.AutoSchedule)
	sched.Start(ctx)

	srv := api.New(st, mgr, cfg.Storage.UploadPath)
	httpServer := &http.Server{
		Addr:    cfg.HTTP.BindAddress,
		Handler: srv,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("controlplaned: listening", "addr", cfg.HTTP.BindAddress)
		serveErr <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil && err != http.ErrServerClosed {
			log.Error("controlplaned: http server failed", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	httpServer.Shutdown(shutdownCtx)
	sched.Stop()

	return mgr.Shutdown(shutdownCtx)
}

// openTwin follows §6.2: an OPCUA server_url containing "mock" selects the
// in-memory Twin instead of dialing a real OPC UA endpoint.
func openTwin(ctx context.Context, cfg config.TwinConfig) (twin.Twin, error) {
	if strings.Contains(cfg.ServerURL, "mock") {
		return twin.NewMock(), nil
	}
	return twin.DialOPCUA(ctx, cfg.ServerURL, cfg.ServerNamespace)
}

func apiKeyPassphrase() string {
	if v := os.Getenv("API_KEY_PASSPHRASE"); v != "" {
		return v
	}
	return "controlplane-default-passphrase"
}

func parseLevel(name string) logger.Level {
	switch strings.ToUpper(name) {
	case "ERROR":
		return logger.ERROR
	case "WARN", "WARNING":
		return logger.WARN
	case "INFO":
		return logger.INFO
	case "DEBUG":
		return logger.DEBUG
	default:
		return logger.INFO
	}
}
