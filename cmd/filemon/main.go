// Command filemon watches configuration, log, and scheduling directories and
// writes one structured record per change to a monitored file, including the
// file's metadata and, when it can be determined, the process holding it
// open. It runs until SIGTERM or SIGINT.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tripwire/filemon/internal/config"
	"github.com/tripwire/filemon/internal/database"
	"github.com/tripwire/filemon/internal/eventlog"
	"github.com/tripwire/filemon/internal/logging"
	"github.com/tripwire/filemon/internal/monitor"
	"github.com/tripwire/filemon/internal/procattr"
	"github.com/tripwire/filemon/internal/status"
	"github.com/tripwire/filemon/internal/stream"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to a YAML configuration file (built-in defaults when empty)")
	checkConfig := flag.Bool("check-config", false, "validate the configuration, print it, and exit")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "filemon: %v\n", err)
		return 1
	}

	if *checkConfig {
		if err := printConfig(os.Stdout, cfg); err != nil {
			fmt.Fprintf(os.Stderr, "filemon: %v\n", err)
			return 1
		}
		return 0
	}

	logger, closer, err := logging.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "filemon: %v\n", err)
		return 1
	}
	defer closer.Close()
	slog.SetDefault(logger)

	logger.Info("configuration loaded",
		slog.String("config_path", *configPath),
		slog.Any("paths", cfg.Paths),
		slog.Any("file_filters", cfg.FileFilters),
		slog.Any("exclude_dirs", cfg.ExcludeDirs),
		slog.String("backend", cfg.Backend),
		slog.String("log_level", cfg.Log.Level),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	finder, stopFinder := newFinder(ctx, cfg.Attribution, logger)
	defer stopFinder()

	opts := []monitor.Option{monitor.WithFinder(finder)}

	// The live event stream is served by the status server, so it only
	// exists when that server does.
	var bc *stream.Broadcaster
	if cfg.Status.Addr != "" {
		bc = stream.NewBroadcaster(logger, stream.DefaultClientBuffer)
		defer bc.Close()
		opts = append(opts, monitor.WithEventLogger(monitor.Tee(eventlog.New(logger), bc)))
	}

	mon := monitor.New(cfg, logger, opts...)
	if err := mon.Start(ctx); err != nil {
		logger.Error("failed to start monitor", slog.Any("error", err))
		return 1
	}

	var probe *database.Probe
	if cfg.Database.Probe {
		probe = database.NewProbe(cfg.Database)
		defer probe.Close()
		if err := probe.Ping(ctx); err != nil {
			logger.Warn("database unreachable", slog.String("host", cfg.Database.Host), slog.Any("error", err))
		} else {
			logger.Info("database reachable", slog.String("host", cfg.Database.Host))
		}
	}

	var statusServer *http.Server
	if cfg.Status.Addr != "" {
		var db status.DatabaseChecker
		if probe != nil {
			db = probe
		}
		srv := status.NewServer(mon, db, logger, status.WithEventStream(stream.NewHandler(bc, logger, 0)))
		statusServer = &http.Server{
			Addr:         cfg.Status.Addr,
			Handler:      status.NewRouter(srv),
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("status server listening", slog.String("addr", cfg.Status.Addr))
			if err := statusServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("status server error", slog.Any("error", err))
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	exitCode := 0
	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
	case <-mon.Done():
		logger.Error("monitor failed", slog.Any("error", mon.Err()))
		exitCode = 1
	}

	mon.Stop()

	if statusServer != nil {
		// Hijacked stream connections are not tracked by Shutdown.
		bc.Close()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := statusServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("status server shutdown error", slog.Any("error", err))
		}
	}

	return exitCode
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default()
	}
	return config.LoadConfig(path)
}

// newFinder selects process attribution: none, a per-event scan, or a
// periodically refreshed index. The returned func stops background work.
func newFinder(ctx context.Context, cfg config.AttributionConfig, logger *slog.Logger) (procattr.Finder, func()) {
	if !cfg.Enabled {
		logger.Info("process attribution disabled")
		return procattr.Nop{}, func() {}
	}
	scanner := procattr.NewScanner(logger, cfg.ScanTimeout)
	if cfg.IndexRefresh <= 0 {
		return scanner, func() {}
	}
	ix := procattr.NewIndex(scanner, cfg.IndexRefresh, logger)
	ix.Start(ctx)
	return ix, ix.Stop
}

// printConfig writes the effective configuration as YAML with the database
// password masked.
func printConfig(w io.Writer, cfg *config.Config) error {
	shown := *cfg
	if shown.Database.Password != "" {
		shown.Database.Password = "********"
	}
	out, err := yaml.Marshal(&shown)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	_, err = w.Write(out)
	return err
}
