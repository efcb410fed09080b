// Package server exposes the conferencing engine over HTTP: websocket
// signaling, ICE credential fetch, room statistics, and static assets.
package server

import (
	"encoding/json"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/pion/logging"

	"github.com/voicelab/huddle/pkg/auth"
	"github.com/voicelab/huddle/pkg/ice"
	"github.com/voicelab/huddle/pkg/sfu"
	"github.com/voicelab/huddle/pkg/signaling"
)

// Config holds server configuration
type Config struct {
	// Addr is the listen address.
	Addr string

	// JWTSecret verifies bearer tokens on /ws. Empty means every
	// caller is a plain user.
	JWTSecret string

	// StaticDir serves the web client. Empty disables static routes.
	StaticDir string

	LoggerFactory logging.LoggerFactory
}

// DefaultConfig returns server defaults.
func DefaultConfig() Config {
	return Config{
		Addr:      ":8080",
		StaticDir: "static",
	}
}

// Server wires the HTTP surface to the engine.
type Server struct {
	config   Config
	engine   *sfu.Engine
	provider ice.Provider
	log      logging.LeveledLogger
	upgrader websocket.Upgrader
}

// New creates a server around an engine and an ICE provider.
func New(config Config, engine *sfu.Engine, provider ice.Provider) *Server {
	if config.LoggerFactory == nil {
		config.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	return &Server{
		config:   config,
		engine:   engine,
		provider: provider,
		log:      config.LoggerFactory.NewLogger("server"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Browsers connect from arbitrary origins during development.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ice", s.handleICE)
	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/ws/", s.handleWS)
	if s.config.StaticDir != "" {
		mux.Handle("/static/", http.StripPrefix("/static/", http.FileServer(http.Dir(s.config.StaticDir))))
		mux.HandleFunc("/", s.handleIndex)
	}
	return mux
}

// ListenAndServe blocks serving on the configured address.
func (s *Server) ListenAndServe() error {
	s.log.Infof("listening on %s", s.config.Addr)
	return http.ListenAndServe(s.config.Addr, s.Handler())
}

// handleICE returns the current ICE server list as a bare JSON array.
func (s *Server) handleICE(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	servers, err := s.provider.Fetch(r.Context())
	if err != nil {
		s.log.Errorf("ice fetch: %v", err)
		http.Error(w, "ice servers unavailable", http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(servers)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.engine.Stats())
}

// handleWS upgrades the connection and runs the session protocol until
// the socket drops.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	roomID := strings.TrimPrefix(r.URL.Path, "/ws/")
	if roomID == "" || strings.Contains(roomID, "/") {
		http.NotFound(w, r)
		return
	}

	role := auth.RoleFromToken(r.URL.Query().Get("token"), s.config.JWTSecret)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnf("upgrade: %v", err)
		return
	}

	ch := signaling.NewChannel(conn, s.config.LoggerFactory.NewLogger("signal"))
	sess := s.engine.NewSession(roomID, role, ch)
	s.log.Infof("peer %d connected to room %s as %s", sess.ID(), roomID, role)

	sess.Run()

	s.log.Infof("peer %d disconnected from room %s", sess.ID(), roomID)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	http.ServeFile(w, r, filepath.Join(s.config.StaticDir, "index.html"))
}
