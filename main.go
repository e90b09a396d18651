package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"messenger/config"
	"messenger/db"
	"messenger/logging"
	"messenger/server"
	"messenger/telemetry"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

var rootCmd = &cobra.Command{
	Use:           "messenger-server",
	Short:         "Messenger chat server",
	Long:          "Messenger chat server: newline-delimited JSON over TCP with SQLite persistence.",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runServer,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the server version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), "messenger-server", version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)

	f := rootCmd.Flags()
	f.IntP("port", "p", 8080, "TCP port for chat clients")
	f.String("db", "messenger.db", "SQLite database path")
	f.String("db-driver", config.DriverSQLite3, "SQLite driver: sqlite3 (cgo) or sqlite (pure Go)")
	f.String("admin-addr", "", "Address for /healthz, /stats and /metrics (empty disables)")
	f.String("ws-addr", "", "Address for the WebSocket gateway (empty disables)")
	f.String("control-socket", "", "Unix socket for local stats/shutdown commands (empty disables)")
	f.Bool("strict-auth", false, "Require login and act only as the session user")
	f.String("log-level", "info", "Log level: debug, info, warn, error")
	f.String("log-format", "text", "Log format: text or json")
}

// applyFlags overrides environment configuration with flags set explicitly
// on the command line.
func applyFlags(cmd *cobra.Command, cfg *config.Config) {
	f := cmd.Flags()
	if f.Changed("port") {
		cfg.Port, _ = f.GetInt("port")
	}
	if f.Changed("db") {
		cfg.DBPath, _ = f.GetString("db")
	}
	if f.Changed("db-driver") {
		cfg.DBDriver, _ = f.GetString("db-driver")
	}
	if f.Changed("admin-addr") {
		cfg.AdminAddr, _ = f.GetString("admin-addr")
	}
	if f.Changed("ws-addr") {
		cfg.WSAddr, _ = f.GetString("ws-addr")
	}
	if f.Changed("control-socket") {
		cfg.ControlSocket, _ = f.GetString("control-socket")
	}
	if f.Changed("strict-auth") {
		cfg.StrictAuth, _ = f.GetBool("strict-auth")
	}
	if f.Changed("log-level") {
		cfg.LogLevel, _ = f.GetString("log-level")
	}
	if f.Changed("log-format") {
		cfg.LogFormat, _ = f.GetString("log-format")
	}
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	applyFlags(cmd, cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, "messenger-server", cfg.OTelEndpoint)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("flush traces", "err", err)
		}
	}()

	database, err := db.New(db.Options{
		Driver:     cfg.DBDriver,
		Path:       cfg.DBPath,
		BcryptCost: cfg.BcryptCost,
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer database.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	srv := server.New(database, &server.ServerConfig{
		Port:         cfg.Port,
		IdleTimeout:  cfg.IdleTimeout,
		WriteTimeout: cfg.WriteTimeout,
		KeepAlive:    cfg.KeepAlive,
		MaxFrameSize: cfg.MaxFrameSize,
		StrictAuth:   cfg.StrictAuth,
	}, server.WithLogger(logger), server.WithMetrics(server.NewMetrics(reg)))

	// Bind everything up front so a busy port fails startup.
	lc := net.ListenConfig{KeepAlive: cfg.KeepAlive}
	chatListener, err := lc.Listen(ctx, "tcp", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		return fmt.Errorf("listen on port %d: %w", cfg.Port, err)
	}

	var httpServers []*http.Server
	var httpListeners []net.Listener
	addHTTP := func(name, addr string, h http.Handler) error {
		if addr == "" {
			return nil
		}
		l, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("listen %s on %s: %w", name, addr, err)
		}
		logger.Info(name+" listening", "addr", l.Addr().String())
		httpServers = append(httpServers, &http.Server{Handler: h, ReadHeaderTimeout: 10 * time.Second})
		httpListeners = append(httpListeners, l)
		return nil
	}
	if err := addHTTP("admin", cfg.AdminAddr, srv.AdminRouter()); err != nil {
		chatListener.Close()
		return err
	}
	if err := addHTTP("websocket gateway", cfg.WSAddr, wsMux(srv)); err != nil {
		chatListener.Close()
		for _, l := range httpListeners {
			l.Close()
		}
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return srv.Serve(gctx, chatListener)
	})

	for i := range httpServers {
		hs, l := httpServers[i], httpListeners[i]
		g.Go(func() error {
			if err := hs.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	if cfg.ControlSocket != "" {
		ctl, err := listenControl(cfg.ControlSocket)
		if err != nil {
			logger.Warn("control socket unavailable", "path", cfg.ControlSocket, "err", err)
		} else {
			logger.Info("control socket listening", "path", cfg.ControlSocket)
			g.Go(func() error {
				serveControl(gctx, ctl, srv, cancel, logger)
				return nil
			})
		}
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		for _, hs := range httpServers {
			hs.Shutdown(shutdownCtx)
		}
		srv.Close()
		return nil
	})

	return g.Wait()
}

func wsMux(srv *server.Server) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Handle("/ws", srv.WebSocketHandler())
	return r
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "messenger-server:", err)
		os.Exit(1)
	}
}
