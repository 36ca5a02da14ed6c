// Package commands wires the relay daemon: config directory, logging, the
// authenticated WebSocket server and graceful shutdown.
package commands

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nodefoundry/wslink/pkg/config"
	"github.com/nodefoundry/wslink/pkg/logging"
	"github.com/nodefoundry/wslink/pkg/version"
	"github.com/nodefoundry/wslink/pkg/ws"
)

// Version is the daemon version, overridable at build time with -ldflags.
var Version = "0.1.0"

const (
	modrinthProject = "wslink"
	stopTimeout     = 5 * time.Second
)

var (
	configDir string
	bind      string
	port      int
	san       string
	logLevel  string
	debug     bool
	watch     bool
)

func Execute() error {
	root := &cobra.Command{
		Use:          "relayd",
		Short:        "Relay envelopes between linked servers over an authenticated channel",
		SilenceUsage: true,
		RunE:         run,
	}

	root.Flags().StringVar(&configDir, "config-dir", "relayd", "configuration directory")
	root.Flags().StringVar(&bind, "bind", "0.0.0.0", "address to bind the listener to")
	root.Flags().IntVar(&port, "port", 8443, "port to listen on")
	root.Flags().StringVar(&san, "san", "localhost", "extra subject alternative name for the TLS certificate")
	root.Flags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	root.Flags().BoolVar(&debug, "debug", false, "enable debug logging with source locations")
	root.Flags().BoolVar(&watch, "watch", false, "reload configuration files on change")

	return root.Execute()
}

func run(cmd *cobra.Command, args []string) error {
	logger := logging.Setup(logLevel, debug)

	cfg := config.NewManager(configDir, logger)
	if err := cfg.LoadAll(); err != nil {
		return err
	}

	if err := cfg.LoadSecret(); err != nil {
		return err
	}

	checkForUpdate(cmd.Context(), logger)

	serverCfg := ws.DefaultServerConfig(cfg.Secret(), filepath.Join(configDir, "tls"))
	serverCfg.Logger = logger

	// Relay: every authenticated envelope goes to all other peers.
	var server *ws.Server
	serverCfg.OnMessage = func(conn *ws.Conn, msg *ws.Message) {
		server.BroadcastExceptSender(msg, conn)
	}
	serverCfg.OnConnectionClose = func(conn *ws.Conn, code int, reason string) {
		logger.Info("peer left", "id", conn.ID(), "code", code, "reason", reason)
	}
	server = ws.NewServer(serverCfg)

	if err := server.Start(port, bind, san); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	if watch {
		go func() {
			if err := cfg.Watch(ctx, func() {
				logger.Info("configuration reloaded")
			}); err != nil {
				logger.Error("config watcher stopped", "error", err)
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("shutting down", "signal", sig.String())

	return server.Stop(stopTimeout)
}

// checkForUpdate logs a notice when a newer release is published. Failure to
// reach the registry is not worth more than a debug line.
func checkForUpdate(ctx context.Context, logger *slog.Logger) {
	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	checker := version.NewChecker(modrinthProject)

	latest, err := checker.LatestVersion(checkCtx)
	if err != nil {
		logger.Debug("version check failed", "error", err)
		return
	}

	if version.IsNewer(latest, Version) {
		logger.Info("a newer version is available",
			"current", Version, "latest", latest, "download", checker.DownloadURL())
	}
}
