package main

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"tailscale.com/tsnet"

	"github.com/agentboard/agentboard/internal/auth"
	"github.com/agentboard/agentboard/internal/config"
	"github.com/agentboard/agentboard/internal/filebrowser"
	"github.com/agentboard/agentboard/internal/git"
	"github.com/agentboard/agentboard/internal/logscan"
	"github.com/agentboard/agentboard/internal/maintenance"
	"github.com/agentboard/agentboard/internal/matcher"
	"github.com/agentboard/agentboard/internal/mcpserver"
	"github.com/agentboard/agentboard/internal/notify"
	"github.com/agentboard/agentboard/internal/proxy"
	"github.com/agentboard/agentboard/internal/registry"
	"github.com/agentboard/agentboard/internal/resume"
	"github.com/agentboard/agentboard/internal/server"
	"github.com/agentboard/agentboard/internal/store"
	"github.com/agentboard/agentboard/internal/tmux"
)

var version = "0.1.0"

const sessionKeySetting = "auth.cookie_key"

func main() {
	port := flag.Int("port", 0, "port number (0 uses PORT env or 8080; in -local/-dev mode auto-increments if busy)")
	dev := flag.Bool("dev", false, "enable dev mode (proxy to Vite)")
	local := flag.Bool("local", false, "listen on localhost only (no Tailscale)")
	mcpMode := flag.Bool("mcp", false, "serve the MCP tool surface over stdio instead of HTTP")
	dbPath := flag.String("db", "", "sqlite database path (defaults to ~/.agentboard/agentboard.db)")
	showVersion := flag.Bool("version", false, "show version")
	flag.Parse()

	if *showVersion {
		fmt.Println("agentboard", version)
		return
	}

	cfg := config.Load()
	if *port != 0 {
		cfg.Port = *port
	}

	logLevel := slog.LevelInfo
	if *dev {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))

	path := *dbPath
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			logger.Error("cannot resolve home directory", "err", err)
			os.Exit(1)
		}
		dir := filepath.Join(home, ".agentboard")
		if err := os.MkdirAll(dir, 0o755); err != nil {
			logger.Error("cannot create data directory", "err", err)
			os.Exit(1)
		}
		path = filepath.Join(dir, "agentboard.db")
	}

	db, err := store.Open(context.Background(), path, logger)
	if err != nil {
		logger.Error("failed to open store", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	adapter := tmux.Adapter(tmux.NewLocalAdapter())
	if len(cfg.RemoteHosts) > 0 {
		logger.Warn("remote hosts configured but a merged multi-host view is not wired into this build; internal/remote is available for a future registry-per-host composition", "hosts", cfg.RemoteHosts)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	maint := maintenance.New(db, adapter, logger)
	if cfg.PruneWSSessions {
		maint.PruneWSSessions(ctx)
	}
	if err := ensureManagedSession(ctx, adapter, cfg.TmuxSession); err != nil {
		logger.Error("failed to ensure managed tmux session", "err", err)
		os.Exit(1)
	}

	mw := matcher.NewWorker(adapter)
	regCfg := registry.DefaultConfig()
	regCfg.RefreshInterval = cfg.RefreshInterval
	regCfg.DiscoverPrefixes = cfg.DiscoverPrefixes
	regCfg.MonitorTargets = cfg.TerminalMonitorTargets

	var notifiers []notify.Notifier
	pushMgr, err := notify.NewManager(logger)
	if err != nil {
		logger.Warn("push notifications unavailable", "err", err)
		pushMgr = nil
	} else {
		notifiers = append(notifiers, pushMgr)
	}
	if slackToken := os.Getenv("AGENTBOARD_SLACK_TOKEN"); slackToken != "" {
		notifiers = append(notifiers, notify.NewSlackNotifier(slackToken, os.Getenv("AGENTBOARD_SLACK_CHANNEL"), logger))
	}

	reg := registry.New(adapter, mw, db, regCfg, logger, notifiers...)
	go reg.Run(ctx)

	templates := resume.CommandTemplates{Claude: cfg.ClaudeResumeCmd, Codex: cfg.CodexResumeCmd}
	resumeMgr := resume.New(db, adapter, reg, templates, cfg.TmuxSession, logger)

	if err := maint.Start(ctx); err != nil {
		logger.Error("failed to start maintenance scheduler", "err", err)
		os.Exit(1)
	}

	roots := []logscan.Root{
		{Dir: cfg.ClaudeConfigDir, AgentType: "claude"},
		{Dir: cfg.CodexHome, AgentType: "codex"},
	}
	scanner := logscan.New(roots)
	go runLogScanLoop(ctx, scanner, reg, cfg.LogPollInterval, cfg.LogPollMax, logger)

	if *mcpMode {
		m := mcpserver.New(reg, adapter, resumeMgr, logger)
		if err := m.Run(ctx); err != nil {
			logger.Error("mcp server error", "err", err)
			os.Exit(1)
		}
		return
	}

	authGuard, err := buildAuthGuard(ctx, db)
	if err != nil {
		logger.Warn("auth pairing disabled", "err", err)
		authGuard = nil
	}

	var ln net.Listener
	var tailscaleIP string
	var tsServer *tsnet.Server
	var useTLS bool

	if *local || *dev {
		var err error
		ln, err = listenWithFallback("127.0.0.1", cfg.Port, 10, logger)
		if err != nil {
			logger.Error("failed to listen", "err", err)
			os.Exit(1)
		}
		fmt.Fprintf(os.Stderr, "\n  agentboard v%s running at:\n\n    http://%s\n\n", version, ln.Addr().String())
	} else {
		tsServer = &tsnet.Server{
			Hostname: "agentboard",
			Logf:     func(format string, args ...any) { logger.Debug(fmt.Sprintf(format, args...)) },
		}

		var err error
		ln, err = tsServer.ListenTLS("tcp", fmt.Sprintf(":%d", cfg.Port))
		if err != nil {
			logger.Error("failed to listen on tailscale", "err", err)
			os.Exit(1)
		}
		useTLS = true

		fmt.Fprintf(os.Stderr, "\n  agentboard v%s running at:\n\n", version)
		tailscaleIP = printTailscaleAddrs(ctx, tsServer, cfg.Port, logger)
		fmt.Fprintln(os.Stderr)
		defer tsServer.Close()
	}

	srv := server.New(server.Config{
		Addr:           fmt.Sprintf(":%d", cfg.Port),
		DevMode:        *dev,
		Logger:         logger,
		Version:        version,
		DB:             db,
		Adapter:        adapter,
		Registry:       reg,
		ResumeMgr:      resumeMgr,
		Maintenance:    maint,
		Auth:           authGuard,
		Git:            git.New(logger),
		Files:          filebrowser.New(logger),
		PushManager:    pushMgr,
		ManagedSession: cfg.TmuxSession,
		TerminalMode:   terminalProxyMode(cfg.TerminalMode),
		TailscaleIP:    tailscaleIP,
	})
	if useTLS {
		srv.SetTLSConfig(&tls.Config{})
	}

	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "err", err)
	}
}

func ensureManagedSession(ctx context.Context, adapter tmux.Adapter, name string) error {
	has, err := adapter.HasSession(ctx, name)
	if err != nil {
		return err
	}
	if has {
		return nil
	}
	home, _ := os.UserHomeDir()
	return adapter.NewSession(ctx, name, home)
}

func runLogScanLoop(ctx context.Context, scanner *logscan.Scanner, reg *registry.Registry, interval time.Duration, max int, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			entries, err := scanner.CollectBatch(max)
			if err != nil {
				logger.Warn("log scan failed", "err", err)
				continue
			}
			if len(entries) > 0 {
				reg.PostScanDelta(entries)
			}
		}
	}
}

func terminalProxyMode(mode string) proxy.Mode {
	switch mode {
	case "pipe-pane":
		return proxy.ModePipePane
	case "pty":
		return proxy.ModePTY
	default:
		return proxy.ModePTY
	}
}

// buildAuthGuard loads (or mints and persists) the HMAC session-cookie
// key from app_settings, mirroring the pattern auth.go already uses to
// persist the TOTP secret. Auth installs unconditionally; Guard.Middleware
// stays a no-op until a TOTP secret has actually been paired, so -local
// usage remains frictionless until the operator opts in.
func buildAuthGuard(ctx context.Context, db *store.Store) (*auth.Guard, error) {
	raw, ok, err := db.GetAppSetting(ctx, sessionKeySetting)
	if err != nil {
		return nil, err
	}
	var key [32]byte
	if ok {
		decoded, err := base64.StdEncoding.DecodeString(raw)
		if err == nil && len(decoded) == 32 {
			copy(key[:], decoded)
		} else {
			ok = false
		}
	}
	if !ok {
		key = auth.RandomSessionKey()
		if err := db.SetAppSetting(ctx, sessionKeySetting, base64.StdEncoding.EncodeToString(key[:])); err != nil {
			return nil, err
		}
	}
	return auth.New(db, key), nil
}

func printTailscaleAddrs(ctx context.Context, tsServer *tsnet.Server, port int, logger *slog.Logger) string {
	lc, err := tsServer.LocalClient()
	if err != nil || lc == nil {
		logger.Warn("could not get tailscale local client", "err", err)
		return ""
	}
	status, err := lc.Status(ctx)
	if err != nil {
		logger.Warn("could not get tailscale status", "err", err)
		fmt.Fprintf(os.Stderr, "    https://agentboard.<tailnet>.ts.net:%d  (getting status...)\n", port)
		return ""
	}
	if status.Self != nil {
		dnsName := strings.TrimSuffix(status.Self.DNSName, ".")
		if dnsName != "" {
			if port == 443 {
				fmt.Fprintf(os.Stderr, "    https://%s\n", dnsName)
			} else {
				fmt.Fprintf(os.Stderr, "    https://%s:%d\n", dnsName, port)
			}
		}
	}
	var firstIP string
	for _, ip := range status.TailscaleIPs {
		if firstIP == "" {
			firstIP = ip.String()
		}
		fmt.Fprintf(os.Stderr, "    https://%s:%d\n", ip, port)
	}
	return firstIP
}

func listenWithFallback(host string, startPort, maxAttempts int, logger *slog.Logger) (net.Listener, error) {
	for i := range maxAttempts {
		port := startPort + i
		addr := net.JoinHostPort(host, strconv.Itoa(port))
		ln, err := net.Listen("tcp", addr)
		if err == nil {
			if i > 0 {
				logger.Info("port was busy, using fallback", "requested", startPort, "actual", port)
			}
			return ln, nil
		}
		if !strings.Contains(err.Error(), "address already in use") {
			return nil, err
		}
	}
	return nil, fmt.Errorf("all ports %d-%d are in use", startPort, startPort+maxAttempts-1)
}
