// Package server wires the HTTP/WebSocket facade together: the REST
// endpoints in spec.md §4.11, the supplemental file-browser/git/upload
// surface carried from the teacher (§11), and the WS upgrade that hands a
// connection off to internal/hub. Grounded on the teacher's server.go
// Config/New/mux shape and its dev-mode Vite proxy / embedded-SPA static
// serving, generalized from one session.Manager to the registry/store/
// resume/maintenance core.
package server

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/agentboard/agentboard/internal/auth"
	"github.com/agentboard/agentboard/internal/filebrowser"
	gitpkg "github.com/agentboard/agentboard/internal/git"
	"github.com/agentboard/agentboard/internal/hub"
	"github.com/agentboard/agentboard/internal/maintenance"
	"github.com/agentboard/agentboard/internal/notify"
	"github.com/agentboard/agentboard/internal/proxy"
	"github.com/agentboard/agentboard/internal/registry"
	"github.com/agentboard/agentboard/internal/resume"
	"github.com/agentboard/agentboard/internal/store"
	"github.com/agentboard/agentboard/internal/tmux"
)

const settingTmuxMouseMode = "settings.tmux_mouse_mode"

// Server owns the HTTP listener and every component the route table
// dispatches to. Components are constructed by the caller (cmd/agentboard)
// and handed in via Config, the same division of responsibility the
// teacher's main.go/server.go split uses.
type Server struct {
	db          *store.Store
	adapter     tmux.Adapter
	reg         *registry.Registry
	resumeMgr   *resume.Manager
	maint       *maintenance.Scheduler
	authGuard   *auth.Guard // nil disables auth entirely
	git         *gitpkg.Manager
	files       *filebrowser.Browser
	push        *notify.Manager // nil disables the push-notification endpoints
	logger      *slog.Logger
	httpSrv     *http.Server
	devMode     bool
	version     string
	managedSess string
	terminalMode proxy.Mode
	tailscaleIP string
}

type Config struct {
	Addr          string
	DevMode       bool
	Logger        *slog.Logger
	StaticFS      fs.FS // embedded web/dist files for production
	Version       string

	DB             *store.Store
	Adapter        tmux.Adapter
	Registry       *registry.Registry
	ResumeMgr      *resume.Manager
	Maintenance    *maintenance.Scheduler
	Auth           *auth.Guard // nil disables auth
	Git            *gitpkg.Manager
	Files          *filebrowser.Browser
	PushManager    *notify.Manager // nil disables push endpoints
	ManagedSession string          // tmux session new windows/helper sessions are created in
	TerminalMode   proxy.Mode      // ModePTY or ModePipePane; empty defaults to ModePTY
	TailscaleIP    string          // pre-discovered by cmd/agentboard in tsnet mode, else ""
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	terminalMode := cfg.TerminalMode
	if terminalMode == "" {
		terminalMode = proxy.ModePTY
	}

	s := &Server{
		db:           cfg.DB,
		adapter:      cfg.Adapter,
		reg:          cfg.Registry,
		resumeMgr:    cfg.ResumeMgr,
		maint:        cfg.Maintenance,
		authGuard:    cfg.Auth,
		git:          cfg.Git,
		files:        cfg.Files,
		push:         cfg.PushManager,
		logger:       logger,
		devMode:      cfg.DevMode,
		version:      cfg.Version,
		managedSess:  cfg.ManagedSession,
		terminalMode: terminalMode,
		tailscaleIP:  cfg.TailscaleIP,
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/sessions", s.handleListSessions)
	mux.HandleFunc("GET /api/server-info", s.handleServerInfo)
	mux.HandleFunc("GET /api/directories", s.handleDirectories)

	mux.HandleFunc("GET /api/settings/tmux-mouse-mode", s.handleGetTmuxMouseMode)
	mux.HandleFunc("PUT /api/settings/tmux-mouse-mode", s.handlePutTmuxMouseMode)
	mux.HandleFunc("GET /api/settings/inactive-max-age-hours", s.handleGetInactiveMaxAge)
	mux.HandleFunc("PUT /api/settings/inactive-max-age-hours", s.handlePutInactiveMaxAge)

	mux.HandleFunc("GET /api/session-preview/{id}", s.handleSessionPreview)

	mux.HandleFunc("GET /ws", s.handleWebSocket)

	// auth pairing (always reachable so a never-paired operator can pair)
	if s.authGuard != nil {
		mux.HandleFunc("GET /api/auth/pair", s.authGuard.HandlePair)
		mux.HandleFunc("POST /api/auth/verify", s.authGuard.HandleVerify)
	}

	// File browser (supplemental, §11)
	mux.HandleFunc("GET /api/files", s.handleListFiles)
	mux.HandleFunc("GET /api/files/view", s.handleViewFile)
	mux.HandleFunc("GET /api/files/raw", s.handleRawFile)

	// Upload (supplemental, §11)
	mux.HandleFunc("POST /api/upload", s.handleUpload)

	// Git panel (supplemental, §11)
	mux.HandleFunc("GET /api/git/status", s.handleGitStatus)
	mux.HandleFunc("GET /api/git/log", s.handleGitLog)
	mux.HandleFunc("GET /api/git/diff", s.handleGitDiff)
	mux.HandleFunc("POST /api/git/exec", s.handleGitExec)

	// Web push subscription management (teacher's webpush.Manager, retained)
	mux.HandleFunc("GET /api/push/vapid", s.handleVAPIDKey)
	mux.HandleFunc("POST /api/push/subscribe", s.handlePushSubscribe)
	mux.HandleFunc("POST /api/push/unsubscribe", s.handlePushUnsubscribe)

	// Static files / dev proxy
	if cfg.DevMode {
		viteURL, _ := url.Parse("http://localhost:5173")
		proxyHandler := httputil.NewSingleHostReverseProxy(viteURL)
		mux.Handle("/", proxyHandler)
	} else if cfg.StaticFS != nil {
		fileServer := http.FileServer(http.FS(cfg.StaticFS))
		mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
			path := r.URL.Path
			if path == "/" {
				path = "index.html"
			} else {
				path = strings.TrimPrefix(path, "/")
			}

			if _, err := fs.Stat(cfg.StaticFS, path); err == nil {
				if strings.HasPrefix(r.URL.Path, "/assets/") {
					w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
				} else {
					w.Header().Set("Cache-Control", "no-cache")
				}
				fileServer.ServeHTTP(w, r)
				return
			}
			if strings.HasPrefix(r.URL.Path, "/assets/") {
				http.NotFound(w, r)
				return
			}
			w.Header().Set("Cache-Control", "no-cache")
			r.URL.Path = "/"
			fileServer.ServeHTTP(w, r)
		})
	}

	var handler http.Handler = mux
	if s.authGuard != nil {
		handler = s.authGuard.Middleware(mux)
	}

	s.httpSrv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	return s
}

func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("server started", "addr", ln.Addr().String())
	return s.httpSrv.Serve(ln)
}

func (s *Server) ServeTLS(ln net.Listener, certFile, keyFile string) error {
	s.logger.Info("server started (TLS)", "addr", ln.Addr().String())
	return s.httpSrv.ServeTLS(ln, certFile, keyFile)
}

func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

func (s *Server) SetTLSConfig(tlsCfg *tls.Config) {
	s.httpSrv.TLSConfig = tlsCfg
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down...")
	if s.maint != nil {
		s.maint.Stop()
	}
	return s.httpSrv.Shutdown(ctx)
}

// --- Core session handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, map[string]any{"sessions": s.reg.Snapshot()})
}

func (s *Server) handleServerInfo(w http.ResponseWriter, r *http.Request) {
	protocol := "http"
	_, port, _ := net.SplitHostPort(s.httpSrv.Addr)
	if port == "" {
		port = s.httpSrv.Addr
	}

	var tailscaleIP any
	if s.tailscaleIP != "" {
		tailscaleIP = s.tailscaleIP
		protocol = "https"
	} else if ip := discoverCGNATAddr(); ip != "" {
		tailscaleIP = ip
	}

	writeJSONResponse(w, http.StatusOK, map[string]any{
		"port":        port,
		"tailscaleIp": tailscaleIP,
		"protocol":    protocol,
	})
}

// discoverCGNATAddr scans the host's network interfaces for an address in
// Tailscale's 100.64.0.0/10 CGNAT range, the fallback for deployments that
// reach the tailnet without this process itself running tsnet.
func discoverCGNATAddr() string {
	_, cgnat, err := net.ParseCIDR("100.64.0.0/10")
	if err != nil {
		return ""
	}
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return ""
	}
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		if cgnat.Contains(ipNet.IP) {
			return ipNet.IP.String()
		}
	}
	return ""
}

// --- Directory suggestion handler ---

type dirEntry struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

func (s *Server) handleDirectories(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if len(path) > 4096 {
		writeError(w, http.StatusBadRequest, "invalid_path", "path exceeds 4096 characters")
		return
	}

	if strings.HasPrefix(path, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			path = home + path[1:]
		}
	}
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal_error", "cannot resolve home directory")
			return
		}
		path = home
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_path", err.Error())
		return
	}

	info, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			writeError(w, http.StatusNotFound, "not_found", "no such directory")
		} else if os.IsPermission(err) {
			writeError(w, http.StatusForbidden, "forbidden", "permission denied")
		} else {
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		}
		return
	}
	if !info.IsDir() {
		writeError(w, http.StatusBadRequest, "invalid_path", "not a directory")
		return
	}

	entries, err := os.ReadDir(abs)
	if err != nil {
		if os.IsPermission(err) {
			writeError(w, http.StatusForbidden, "forbidden", "permission denied")
		} else {
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		}
		return
	}

	var dirs []dirEntry
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dirs = append(dirs, dirEntry{Name: e.Name(), Path: filepath.Join(abs, e.Name())})
	}

	sort.Slice(dirs, func(i, j int) bool {
		iDot := strings.HasPrefix(dirs[i].Name, ".")
		jDot := strings.HasPrefix(dirs[j].Name, ".")
		if iDot != jDot {
			return iDot
		}
		return strings.ToLower(dirs[i].Name) < strings.ToLower(dirs[j].Name)
	})

	truncated := false
	if len(dirs) > 200 {
		dirs = dirs[:200]
		truncated = true
	}
	if dirs == nil {
		dirs = []dirEntry{}
	}

	writeJSONResponse(w, http.StatusOK, map[string]any{
		"path":        abs,
		"parent":      filepath.Dir(abs),
		"directories": dirs,
		"truncated":   truncated,
	})
}

// --- Settings handlers ---

func (s *Server) handleGetTmuxMouseMode(w http.ResponseWriter, r *http.Request) {
	val, ok, err := s.db.GetAppSetting(r.Context(), settingTmuxMouseMode)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	enabled := ok && val == "1"
	writeJSONResponse(w, http.StatusOK, map[string]bool{"enabled": enabled})
}

func (s *Server) handlePutTmuxMouseMode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid request body")
		return
	}
	val := "0"
	if req.Enabled {
		val = "1"
	}
	if err := s.db.SetAppSetting(r.Context(), settingTmuxMouseMode, val); err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]bool{"enabled": req.Enabled})
}

func (s *Server) handleGetInactiveMaxAge(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, map[string]int{"hours": s.maint.MaxAgeHours()})
}

func (s *Server) handlePutInactiveMaxAge(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Hours int `json:"hours"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid request body")
		return
	}
	if err := s.maint.SetMaxAgeHours(r.Context(), req.Hours); err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]int{"hours": s.maint.MaxAgeHours()})
}

// --- Session log preview ---

const previewDefaultLines = 50

// handleSessionPreview returns the last N raw lines of a session's JSONL
// log, the cheapest useful preview without re-running logscan's metadata
// parse just to render a peek.
func (s *Server) handleSessionPreview(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	agent, err := s.db.GetSessionByID(r.Context(), sessionID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	if agent == nil {
		writeError(w, http.StatusNotFound, "not_found", "session not found: "+sessionID)
		return
	}

	n := previewDefaultLines
	if raw := r.URL.Query().Get("lines"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			n = parsed
		}
	}

	lines, err := tailLines(agent.LogFilePath, n)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"lines": lines})
}

func tailLines(path string, n int) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	all := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if all[0] == "" {
		return []string{}, nil
	}
	if len(all) > n {
		all = all[len(all)-n:]
	}
	return all, nil
}

// --- Session-root resolution (shared by files/git/upload) ---

// sessionRoot resolves sessionID to its AgentSession.ProjectPath, the
// scoping root every file-browser/git/upload request is confined to.
func (s *Server) sessionRoot(ctx context.Context, sessionID string) (string, error) {
	if sessionID == "" {
		return "", fmt.Errorf("sessionId is required")
	}
	agent, err := s.db.GetSessionByID(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if agent == nil {
		return "", fmt.Errorf("no such session: %s", sessionID)
	}
	return agent.ProjectPath, nil
}

// --- File browser handlers (supplemental, §11) ---

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	root, err := s.sessionRoot(r.Context(), r.URL.Query().Get("sessionId"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	dir := r.URL.Query().Get("path")
	hidden := r.URL.Query().Get("hidden") == "true"

	result, err := s.files.List(root, dir, hidden)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	writeJSONResponse(w, http.StatusOK, result)
}

func (s *Server) handleViewFile(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	root, err := s.sessionRoot(r.Context(), sessionID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	path := r.URL.Query().Get("path")

	result, err := s.files.View(root, path)
	if err != nil {
		if strings.Contains(err.Error(), "unsupported") {
			writeError(w, http.StatusUnsupportedMediaType, "unsupported_media_type", err.Error())
		} else if strings.Contains(err.Error(), "too large") {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", err.Error())
		} else {
			writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		}
		return
	}
	if result.Type == "image" {
		result.URL = "/api/files/raw?sessionId=" + url.QueryEscape(sessionID) + "&path=" + url.QueryEscape(path)
	}
	writeJSONResponse(w, http.StatusOK, result)
}

func (s *Server) handleRawFile(w http.ResponseWriter, r *http.Request) {
	root, err := s.sessionRoot(r.Context(), r.URL.Query().Get("sessionId"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	path := r.URL.Query().Get("path")
	s.files.ServeRaw(w, r, root, path)
}

// --- Upload handler (supplemental, §11) ---

const maxUploadSize = 20 << 20 // 20MB

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "file too large (max 20MB)")
		return
	}

	root, err := s.sessionRoot(r.Context(), r.FormValue("sessionId"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "missing file field")
		return
	}
	defer file.Close()

	safeName := filepath.Base(header.Filename)
	destPath := filepath.Join(root, safeName)

	dst, err := os.Create(destPath)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to create file")
		return
	}
	defer dst.Close()

	written, err := dst.ReadFrom(file)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to write file")
		return
	}

	mime := header.Header.Get("Content-Type")
	if mime == "" {
		mime = "application/octet-stream"
	}

	writeJSONResponse(w, http.StatusOK, map[string]any{
		"path": destPath,
		"name": header.Filename,
		"size": written,
		"mime": mime,
	})
}

// --- Git handlers (supplemental, §11) ---

func (s *Server) handleGitStatus(w http.ResponseWriter, r *http.Request) {
	root, err := s.sessionRoot(r.Context(), r.URL.Query().Get("sessionId"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	result, err := s.git.Status(root, root)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	writeJSONResponse(w, http.StatusOK, result)
}

func (s *Server) handleGitLog(w http.ResponseWriter, r *http.Request) {
	root, err := s.sessionRoot(r.Context(), r.URL.Query().Get("sessionId"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	limit := 20
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			limit = n
		}
	}
	result, err := s.git.Log(root, root, limit)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	writeJSONResponse(w, http.StatusOK, result)
}

func (s *Server) handleGitDiff(w http.ResponseWriter, r *http.Request) {
	root, err := s.sessionRoot(r.Context(), r.URL.Query().Get("sessionId"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	ref := r.URL.Query().Get("ref")
	result, err := s.git.Diff(root, root, ref)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	writeJSONResponse(w, http.StatusOK, result)
}

func (s *Server) handleGitExec(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string   `json:"sessionId"`
		Args      []string `json:"args"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid request body")
		return
	}
	root, err := s.sessionRoot(r.Context(), req.SessionID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	result, err := s.git.Exec(root, root, req.Args)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	writeJSONResponse(w, http.StatusOK, result)
}

// --- Web push handlers ---

func (s *Server) handleVAPIDKey(w http.ResponseWriter, r *http.Request) {
	if s.push == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "push notifications not configured")
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]string{"publicKey": s.push.VAPIDPublicKey()})
}

func (s *Server) handlePushSubscribe(w http.ResponseWriter, r *http.Request) {
	if s.push == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "push notifications not configured")
		return
	}
	var sub webpush.Subscription
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid subscription")
		return
	}
	s.push.Subscribe(&sub)
	writeJSONResponse(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handlePushUnsubscribe(w http.ResponseWriter, r *http.Request) {
	if s.push == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "push notifications not configured")
		return
	}
	var req struct {
		Endpoint string `json:"endpoint"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid request")
		return
	}
	s.push.Unsubscribe(req.Endpoint)
	writeJSONResponse(w, http.StatusOK, map[string]bool{"ok": true})
}

// --- WebSocket upgrade ---

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"100.*.*.*", "*.ts.net", "localhost:*", "127.0.0.1:*"},
	})
	if err != nil {
		s.logger.Error("websocket accept failed", "err", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(64 * 1024)

	s.logger.Info("websocket connected")

	h := hub.New(conn, s.adapter, s.reg, s.resumeMgr, s.db, s.managedSess, s.newProxy, s.logger)
	h.Serve(r.Context())
}

// newProxy builds a fresh terminal proxy for target, in the configured
// terminal mode, with a freshly minted helper session name so concurrent
// connections never collide on the same tmux client.
func (s *Server) newProxy(target string) *proxy.Proxy {
	helperName := "agentboard-ws-" + uuid.NewString()

	var p *proxy.Proxy
	feed := func(data []byte) { p.Feed(data) }

	switch s.terminalMode {
	case proxy.ModePipePane:
		p = proxy.NewPipePane(s.adapter, s.managedSess, helperName, feed, 15*time.Second)
	default:
		p = proxy.NewPTY(s.adapter, s.managedSess, helperName, feed, 2*time.Second)
	}
	// the proxy attaches to s.managedSess and switches to target via
	// hub's terminal-attach handler, which calls SwitchTo once ready
	_ = target
	return p
}

// --- Helpers ---

func writeJSONResponse(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSONResponse(w, status, map[string]any{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	})
}
