// Package server exposes the HTTP API: authentication, channels, links,
// messages, reactions, comments and the change-event stream.
package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"linkshare/internal/directory"
	"linkshare/internal/ratelimit"
	"linkshare/internal/security"
	"linkshare/internal/session"
	"linkshare/internal/util"
	"linkshare/pkg/auth"
	"linkshare/pkg/codec"
	"linkshare/pkg/domain"
	"linkshare/pkg/feed"
	"linkshare/pkg/storage"
	"linkshare/pkg/store"
)

// Config wires the server's collaborators.
type Config struct {
	Store     store.Store
	Feed      feed.Feed
	Codec     *codec.Codec
	Sessions  *session.Manager
	Directory directory.Directory
	// Objects holds comment attachments. Optional; uploads are rejected
	// when absent.
	Objects storage.ObjectStore
	// Security rate-limits mutations. Optional.
	Security *security.Context
	// LoginLimiter rate-limits login attempts by client IP. Optional.
	LoginLimiter ratelimit.Limiter
	// AllowedEmails restricts signup and login when non-empty.
	AllowedEmails  []string
	CORSOrigin     string
	TrustedProxies *util.TrustedProxies
	MaxUploadBytes int64
}

// Server exposes HTTP endpoints for the application.
type Server struct {
	store     store.Store
	feed      feed.Feed
	codec     *codec.Codec
	sessions  *session.Manager
	directory directory.Directory
	objects   storage.ObjectStore
	security  *security.Context

	mux            *http.ServeMux
	loginLimiter   ratelimit.Limiter
	allowedEmails  map[string]struct{}
	corsOrigin     string
	trustedProxies *util.TrustedProxies
	maxUploadBytes int64
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.Store == nil {
		return nil, errors.New("server requires a store")
	}
	if cfg.Feed == nil {
		return nil, errors.New("server requires a feed")
	}
	if cfg.Sessions == nil {
		return nil, errors.New("server requires a session manager")
	}
	if cfg.Codec == nil {
		cfg.Codec = codec.New()
	}
	if cfg.Directory == nil {
		cfg.Directory = directory.NewProfileDirectory(cfg.Store)
	}
	allowed := make(map[string]struct{}, len(cfg.AllowedEmails))
	for _, email := range cfg.AllowedEmails {
		email = strings.ToLower(strings.TrimSpace(email))
		if email != "" {
			allowed[email] = struct{}{}
		}
	}
	s := &Server{
		store:          cfg.Store,
		feed:           cfg.Feed,
		codec:          cfg.Codec,
		sessions:       cfg.Sessions,
		directory:      cfg.Directory,
		objects:        cfg.Objects,
		security:       cfg.Security,
		mux:            http.NewServeMux(),
		loginLimiter:   cfg.LoginLimiter,
		allowedEmails:  allowed,
		corsOrigin:     cfg.CORSOrigin,
		trustedProxies: cfg.TrustedProxies,
		maxUploadBytes: normalizeMaxBytes(cfg.MaxUploadBytes),
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler with the middleware stack applied.
func (s *Server) Router() http.Handler {
	var h http.Handler = s.mux
	h = util.WithCORS(s.corsOrigin, h)
	h = util.WithSecurityHeaders(h)
	h = util.WithRequestLog(h)
	h = util.WithRequestID(h)
	return h
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)

	// auth
	s.mux.HandleFunc("/api/auth/signup", s.handleSignup)
	s.mux.HandleFunc("/api/auth/login", s.handleLogin)
	s.mux.HandleFunc("/api/auth/logout", s.handleLogout)
	s.mux.Handle("/api/users/me", s.authenticated(s.handleMe))
	s.mux.Handle("/api/users", s.authenticated(s.handleUsers))

	// channels & messages
	s.mux.Handle("/api/channels", s.authenticated(s.handleChannels))
	s.mux.Handle("/api/channels/", s.authenticated(s.handleChannelSubtree))

	// links and their subresources
	s.mux.Handle("/api/links", s.authenticated(s.handleLinks))
	s.mux.Handle("/api/links/", s.authenticated(s.handleLinkSubtree))

	// change-event stream
	s.mux.Handle("/api/events", s.authenticated(s.handleEvents))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type authHandler func(http.ResponseWriter, *http.Request, domain.Profile)

func (s *Server) authenticated(next authHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, ok := s.authorize(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r, user)
	})
}

func (s *Server) authorize(r *http.Request) (domain.Profile, bool) {
	token, ok := bearerToken(r)
	if !ok {
		s.audit(r, "auth.token.verify", "fail", "reason", "missing_token")
		return domain.Profile{}, false
	}
	userID, err := s.sessions.UserID(token)
	if err != nil {
		s.audit(r, "auth.token.verify", "fail", "reason", "invalid_token")
		return domain.Profile{}, false
	}
	profile, found, err := s.store.GetProfile(r.Context(), userID)
	if err != nil || !found {
		s.audit(r, "auth.token.verify", "fail", "reason", "unknown_user", "user_id", userID)
		return domain.Profile{}, false
	}
	return profile, true
}

type signupRequest struct {
	Email    string `json:"email"`
	Username string `json:"username"`
	Password string `json:"password"`
}

type authRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type authResponse struct {
	Token string         `json:"token"`
	User  domain.Profile `json:"user"`
}

func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req signupRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	email := strings.ToLower(strings.TrimSpace(req.Email))
	username := security.SanitizeInput(req.Username)
	if email == "" || username == "" {
		writeError(w, http.StatusBadRequest, "email and username are required")
		return
	}
	if !s.emailAllowed(email) {
		s.audit(r, "auth.signup", "fail", "reason", "email_not_allowed")
		writeError(w, http.StatusForbidden, "email not allowed")
		return
	}
	if err := auth.ValidatePassword(req.Password); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, exists, err := s.store.GetProfileByEmail(r.Context(), email); err != nil {
		writeError(w, http.StatusInternalServerError, "signup failed")
		return
	} else if exists {
		writeError(w, http.StatusConflict, "email already registered")
		return
	}
	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "signup failed")
		return
	}
	profile := domain.Profile{
		ID:           uuid.NewString(),
		Username:     username,
		Email:        email,
		PasswordHash: hash,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.store.SaveProfile(r.Context(), profile); err != nil {
		slog.Error("signup: save profile failed", "err", err)
		writeError(w, http.StatusInternalServerError, "signup failed")
		return
	}
	token, err := s.sessions.NewSession(profile.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "signup failed")
		return
	}
	s.audit(r, "auth.signup", "success", "user_id", profile.ID)
	writeJSON(w, http.StatusCreated, authResponse{Token: token, User: profile})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowLogin(w, r) {
		return
	}
	var req authRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	email := strings.ToLower(strings.TrimSpace(req.Email))
	profile, found, err := s.store.GetProfileByEmail(r.Context(), email)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "login failed")
		return
	}
	if !found || !auth.CheckPassword(req.Password, profile.PasswordHash) || !s.emailAllowed(email) {
		s.audit(r, "auth.login", "fail", "reason", "invalid_credentials")
		writeError(w, http.StatusUnauthorized, "invalid email or password")
		return
	}
	token, err := s.sessions.NewSession(profile.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "login failed")
		return
	}
	s.audit(r, "auth.login", "success", "user_id", profile.ID)
	writeJSON(w, http.StatusOK, authResponse{Token: token, User: profile})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	token, ok := bearerToken(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if err := s.sessions.Destroy(token); err != nil {
		slog.Warn("logout: revoke failed", "err", err)
	}
	s.audit(r, "auth.logout", "success")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request, user domain.Profile) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// handleUsers lists profiles so the share form can pick a receiver.
func (s *Server) handleUsers(w http.ResponseWriter, r *http.Request, _ domain.Profile) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	profiles, err := s.store.ListProfiles(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list users")
		return
	}
	writeJSON(w, http.StatusOK, profiles)
}

func (s *Server) emailAllowed(email string) bool {
	if len(s.allowedEmails) == 0 {
		return true
	}
	_, ok := s.allowedEmails[email]
	return ok
}

func (s *Server) allowLogin(w http.ResponseWriter, r *http.Request) bool {
	if s.loginLimiter == nil {
		return true
	}
	key := string(security.ActionLogin) + ":" + util.ClientIP(r, s.trustedProxies)
	if s.loginLimiter.Allow(key) {
		return true
	}
	s.audit(r, "auth.login", "rate_limited")
	w.Header().Set("Retry-After", "60")
	writeError(w, http.StatusTooManyRequests, "too many login attempts")
	return false
}

func (s *Server) audit(r *http.Request, event, outcome string, attrs ...any) {
	logAttrs := []any{
		"event", event,
		"outcome", outcome,
		"path", r.URL.Path,
		"method", r.Method,
		"ip", util.ClientIP(r, s.trustedProxies),
		"request_id", util.RequestIDFromRequest(r),
	}
	logAttrs = append(logAttrs, attrs...)
	if outcome == "success" {
		slog.Info("security_event", logAttrs...)
		return
	}
	slog.Warn("security_event", logAttrs...)
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", false
	}
	return token, true
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func normalizeMaxBytes(value int64) int64 {
	if value <= 0 {
		return 10 * 1024 * 1024
	}
	return value
}
