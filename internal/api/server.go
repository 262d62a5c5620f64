package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"aquarium/internal/auth"
	"aquarium/internal/clock"
	"aquarium/internal/device"
	"aquarium/internal/dispatch"
	"aquarium/internal/shadowstate"
	"aquarium/internal/state"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// Controller is the control surface the API writes through.
type Controller interface {
	State() device.State
	Apply(ctx context.Context, key device.Key, value int, source device.Source) (dispatch.Result, error)
	Validate(change dispatch.ConfigChange) error
	Configure(ctx context.Context, change dispatch.ConfigChange, source device.Source) ([]string, error)
	Record(ctx context.Context, patch device.Patch) ([]string, error)
}

// Toggler handles dashboard toggle clicks.
type Toggler interface {
	OnToggle(ctx context.Context, key device.Key, source device.Source) (dispatch.Result, error)
}

// LogReader serves the audit log.
type LogReader interface {
	RecentLogs(ctx context.Context, limit int) ([]device.LogRecord, error)
}

// Authenticator manages accounts and sessions.
type Authenticator interface {
	Login(ctx context.Context, username, password string) (auth.Session, error)
	Logout(ctx context.Context, token string) error
	Register(ctx context.Context, username, password, role string) error
	Authorize(ctx context.Context, token string, required auth.Role) (auth.Session, error)
}

// DeviceLink talks to the controller board over the broker.
type DeviceLink interface {
	ResetWifi(ctx context.Context) error
	IsConnected() bool
}

// StateNotifier announces state changes.
type StateNotifier interface {
	Subscribe(key string, handler state.StateChangeHandler) state.Subscription
}

// Deps are the collaborators of a Server. Notifier, Shadow and Metrics are
// optional.
type Deps struct {
	Controller Controller
	Input      Toggler
	Logs       LogReader
	Auth       Authenticator
	Device     DeviceLink
	Notifier   StateNotifier
	Shadow     *shadowstate.Tracker
	Metrics    http.Handler
	Clock      clock.Clock
}

// Server provides the HTTP API for the aquarium dashboard
type Server struct {
	deps      Deps
	logger    *zap.Logger
	server    *http.Server
	router    *mux.Router
	hub       *hub
	startedAt time.Time
	sub       state.Subscription
	cancel    context.CancelFunc
}

// NewServer creates a new API server
func NewServer(deps Deps, logger *zap.Logger, port int) *Server {
	if deps.Clock == nil {
		deps.Clock = clock.NewRealClock()
	}
	logger = logger.Named("api")

	s := &Server{
		deps:      deps,
		logger:    logger,
		hub:       newHub(logger),
		startedAt: deps.Clock.Now(),
	}

	r := mux.NewRouter()
	r.HandleFunc("/", s.handleSitemap).Methods(http.MethodGet)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/state", s.handleGetState).Methods(http.MethodGet)
	r.HandleFunc("/log", s.handleLog).Methods(http.MethodGet)
	r.HandleFunc("/ws", s.handleWebsocket).Methods(http.MethodGet)
	r.HandleFunc("/api/shadow", s.handleShadow).Methods(http.MethodGet)
	r.HandleFunc("/login", s.handleLogin).Methods(http.MethodPost)
	r.HandleFunc("/logout", s.handleLogout).Methods(http.MethodPost)
	if deps.Metrics != nil {
		r.Handle("/metrics", deps.Metrics).Methods(http.MethodGet)
	}

	admin := r.NewRoute().Subrouter()
	admin.Use(s.requireRole(auth.RoleAdmin))
	admin.HandleFunc("/update", s.handleUpdate).Methods(http.MethodPost)
	admin.HandleFunc("/config", s.handleConfig).Methods(http.MethodPost)
	admin.HandleFunc("/toggle/{key}", s.handleToggle).Methods(http.MethodPost)
	admin.HandleFunc("/register", s.handleRegister).Methods(http.MethodPost)
	admin.HandleFunc("/reset-wifi", s.handleResetWifi).Methods(http.MethodPost)
	admin.HandleFunc("/log/export.xlsx", s.handleLogExport).Methods(http.MethodGet)

	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	s.router = r

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// requireRole rejects requests without a session of at least role.
func (s *Server) requireRole(role auth.Role) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sess, err := s.deps.Auth.Authorize(r.Context(), r.Header.Get("Authorization"), role)
			if err != nil {
				writeAuthError(w, err)
				return
			}
			s.logger.Debug("Request authorized",
				zap.String("path", r.URL.Path),
				zap.String("username", sess.Username))
			next.ServeHTTP(w, r)
		})
	}
}

// Endpoint represents an API endpoint with its documentation
type Endpoint struct {
	Path        string `json:"path"`
	Method      string `json:"method"`
	Description string `json:"description"`
}

var endpoints = []Endpoint{
	{Path: "/", Method: "GET", Description: "This sitemap - lists all available API endpoints"},
	{Path: "/health", Method: "GET", Description: "Health check with uptime and broker connectivity"},
	{Path: "/state", Method: "GET", Description: "Current device state"},
	{Path: "/log", Method: "GET", Description: "Recent audit log, newest first (?limit=, max 500)"},
	{Path: "/ws", Method: "GET", Description: "Websocket stream of the device state on every change"},
	{Path: "/api/shadow", Method: "GET", Description: "Shadow state of the auto-control loop"},
	{Path: "/metrics", Method: "GET", Description: "Prometheus metrics"},
	{Path: "/login", Method: "POST", Description: "Log in with {username, password}"},
	{Path: "/logout", Method: "POST", Description: "End the current session"},
	{Path: "/update", Method: "POST", Description: "[admin] Write control and config keys, e.g. {\"pump\": 1}"},
	{Path: "/config", Method: "POST", Description: "[admin] Set {threshold, lightSchedule}"},
	{Path: "/toggle/{key}", Method: "POST", Description: "[admin] Flip autoMode, pump or light"},
	{Path: "/register", Method: "POST", Description: "[admin] Create an account {username, password, role}"},
	{Path: "/reset-wifi", Method: "POST", Description: "[admin] Ask the board to forget its WiFi network"},
	{Path: "/log/export.xlsx", Method: "GET", Description: "[admin] Spreadsheet export of the recent log"},
}

// handleSitemap returns a list of all available API endpoints
func (s *Server) handleSitemap(w http.ResponseWriter, r *http.Request) {
	preferHTML := strings.Contains(r.Header.Get("Accept"), "text/html")

	if preferHTML {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head>
    <title>Aquarium API</title>
    <style>
        body { font-family: monospace; margin: 40px; background: #1e1e1e; color: #d4d4d4; }
        h1 { color: #4ec9b0; }
        .endpoint { background: #2d2d2d; padding: 15px; margin: 10px 0; border-left: 3px solid #007acc; }
        .method { color: #4ec9b0; font-weight: bold; }
        .path { color: #ce9178; }
        .description { color: #9cdcfe; margin-top: 5px; }
    </style>
</head>
<body>
    <h1>Aquarium API</h1>
`)
		for _, ep := range endpoints {
			fmt.Fprintf(w, `    <div class="endpoint">
        <div><span class="method">%s</span> <span class="path">%s</span></div>
        <div class="description">%s</div>
    </div>
`, ep.Method, ep.Path, ep.Description)
		}
		fmt.Fprint(w, "</body>\n</html>\n")
	} else {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprintf(w, "Aquarium API\n")
		fmt.Fprintf(w, "============\n\n")
		for _, ep := range endpoints {
			fmt.Fprintf(w, "  %-6s %-18s %s\n", ep.Method, ep.Path, ep.Description)
		}
	}

	s.logger.Debug("Sitemap request served",
		zap.String("remote_addr", r.RemoteAddr),
		zap.Bool("html_format", preferHTML))
}

// Start begins serving HTTP requests and pushing state to websocket clients
func (s *Server) Start() error {
	s.logger.Info("Starting HTTP API server", zap.String("addr", s.server.Addr))

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.hub.run(ctx)

	if s.deps.Notifier != nil {
		s.sub = s.deps.Notifier.Subscribe(state.AllKeys, func(key string, _, _ interface{}) {
			s.broadcastState()
		})
	}

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server
func (s *Server) Stop() error {
	s.logger.Info("Stopping HTTP API server")

	if s.sub != nil {
		s.sub.Unsubscribe()
	}
	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}

	return nil
}
