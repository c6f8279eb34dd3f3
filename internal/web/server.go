package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"astrobox-agent/internal/boxrouter"
	"astrobox-agent/internal/events"
	"astrobox-agent/internal/store"
)

// CloudLink is the cloud router connection surface the API exposes.
// Implemented by *boxrouter.Router.
type CloudLink interface {
	Connect() bool
	Disconnect()
	Status() boxrouter.Status
	Connected() bool
}

// CloudAPI is the account side of the cloud client.
// Implemented by *cloud.Client.
type CloudAPI interface {
	HasAccount() bool
	Account() (*store.Account, error)
	Login(ctx context.Context, email, accessKey string) error
	Logout()
	Designs(ctx context.Context) (json.RawMessage, error)
}

// Config holds web server configuration.
type Config struct {
	Addr           string
	BoxName        string
	APIKey         string
	AllowedOrigins []string
}

// Server exposes the local HTTP API and the event WebSocket.
type Server struct {
	cfg            Config
	link           CloudLink
	cloud          CloudAPI
	store          store.Store
	bus            *events.Bus
	wsHub          *WSHub
	allowedOrigins []string
	logger         *slog.Logger
	httpServer     *http.Server
	unsub          func()
}

func NewServer(cfg Config, link CloudLink, cloudAPI CloudAPI, st store.Store, bus *events.Bus, logger *slog.Logger) *Server {
	log := logger.With("component", "web")
	return &Server{
		cfg:            cfg,
		link:           link,
		cloud:          cloudAPI,
		store:          st,
		bus:            bus,
		wsHub:          NewWSHub(log),
		allowedOrigins: cfg.AllowedOrigins,
		logger:         log,
	}
}

// Start begins serving. Blocks until the listener fails or Stop is called.
func (s *Server) Start() error {
	go s.wsHub.Run()
	s.unsub = s.bus.OnAll(s.wsHub.Broadcast)

	s.httpServer = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("web server listening", "addr", s.cfg.Addr)
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.unsub != nil {
		s.unsub()
	}
	s.wsHub.Stop()
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Route("/api", func(r chi.Router) {
		r.Use(s.requireAPIKey)
		r.Get("/status", s.handleStatus)
		r.Get("/printfiles", s.handlePrintFiles)
		r.Get("/designs", s.handleDesigns)
		r.Route("/cloud", func(r chi.Router) {
			r.Post("/login", s.handleLogin)
			r.Post("/logout", s.handleLogout)
			r.Post("/connect", s.handleConnect)
			r.Post("/disconnect", s.handleDisconnect)
		})
	})
	r.Get("/ws", s.handleWS)

	return r
}

// requireAPIKey enforces the X-Api-Key header when a key is configured.
func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.APIKey != "" {
			key := r.Header.Get("X-Api-Key")
			if subtle.ConstantTimeCompare([]byte(key), []byte(s.cfg.APIKey)) != 1 {
				writeError(w, http.StatusUnauthorized, "invalid api key")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{
		"box_name":  s.cfg.BoxName,
		"logged_in": s.cloud.HasAccount(),
		"cloud": map[string]any{
			"status":    string(s.link.Status()),
			"connected": s.link.Connected(),
		},
	}
	if acc, err := s.cloud.Account(); err == nil {
		status["account"] = map[string]any{
			"name":  acc.Name,
			"email": acc.Email,
		}
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handlePrintFiles(w http.ResponseWriter, r *http.Request) {
	files, err := s.store.ListPrintFiles()
	if err != nil {
		s.logger.Error("list print files", "err", err)
		writeError(w, http.StatusInternalServerError, "unable to list print files")
		return
	}
	if files == nil {
		files = []*store.PrintFile{}
	}
	writeJSON(w, http.StatusOK, files)
}

func (s *Server) handleDesigns(w http.ResponseWriter, r *http.Request) {
	designs, err := s.cloud.Designs(r.Context())
	if err != nil {
		s.logger.Warn("fetch designs", "err", err)
		writeError(w, http.StatusBadGateway, "unable to fetch designs")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(designs)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email     string `json:"email"`
		AccessKey string `json:"access_key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Email == "" || req.AccessKey == "" {
		writeError(w, http.StatusBadRequest, "email and access_key are required")
		return
	}

	if err := s.cloud.Login(r.Context(), req.Email, req.AccessKey); err != nil {
		s.logger.Warn("login failed", "email", req.Email, "err", err)
		writeError(w, http.StatusUnauthorized, "login failed")
		return
	}

	// A fresh login should bring the box online right away.
	go s.link.Connect()
	writeJSON(w, http.StatusOK, map[string]any{"logged_in": true})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.cloud.Logout()
	writeJSON(w, http.StatusOK, map[string]any{"logged_in": false})
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	if !s.cloud.HasAccount() {
		writeError(w, http.StatusConflict, "not logged in")
		return
	}
	s.link.Connect()
	writeJSON(w, http.StatusOK, map[string]any{"status": string(s.link.Status())})
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	s.link.Disconnect()
	writeJSON(w, http.StatusOK, map[string]any{"status": string(s.link.Status())})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]any{"error": msg})
}
