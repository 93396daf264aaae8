package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/cors"

	"github.com/szaher/designs/personagw/internal/auth"
	"github.com/szaher/designs/personagw/internal/budget"
	"github.com/szaher/designs/personagw/internal/dispatch"
	"github.com/szaher/designs/personagw/internal/llm"
	"github.com/szaher/designs/personagw/internal/media"
	"github.com/szaher/designs/personagw/internal/message"
	"github.com/szaher/designs/personagw/internal/persona"
	"github.com/szaher/designs/personagw/internal/settings"
	"github.com/szaher/designs/personagw/internal/telemetry"
)

// Version is reported by /healthz and set at build time.
var Version = "dev"

const (
	cookieName      = "user_id"
	cookieMaxAge    = 30 * 24 * time.Hour
	maxChatBody     = 1 << 20
	maxSettingsBody = 1 << 20
	requestIDHeader = "X-Request-ID"
)

// Server is the HTTP front of the gateway.
type Server struct {
	dispatcher   *dispatch.Dispatcher
	settings     settings.Store
	media        media.Store
	metrics      *telemetry.Metrics
	logger       *slog.Logger
	adminKey     string
	limiter      *auth.Limiter
	origins      []string
	cookieSecure bool
	maxUpload    int64
	mux          *http.ServeMux
	startTime    time.Time

	mu     sync.Mutex
	server *http.Server
	closed bool
}

// ServerOption configures the Server.
type ServerOption func(*Server)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = logger }
}

// WithAdminKey requires key on settings mutations.
func WithAdminKey(key string) ServerOption {
	return func(s *Server) { s.adminKey = key }
}

// WithLimiter rate limits chat and upload requests and tracks failed admin
// authentication.
func WithLimiter(l *auth.Limiter) ServerOption {
	return func(s *Server) { s.limiter = l }
}

// WithCORSOrigins sets the origins allowed to call the API with credentials.
func WithCORSOrigins(origins []string) ServerOption {
	return func(s *Server) { s.origins = origins }
}

// WithCookieSecure marks the user cookie Secure with SameSite=None. Without it
// the cookie uses SameSite=Lax so it works over plain HTTP.
func WithCookieSecure(secure bool) ServerOption {
	return func(s *Server) { s.cookieSecure = secure }
}

// WithMaxUploadBytes caps the multipart body of /upload.
func WithMaxUploadBytes(n int64) ServerOption {
	return func(s *Server) { s.maxUpload = n }
}

// WithMetrics records request outcomes and serves /metrics.
func WithMetrics(m *telemetry.Metrics) ServerOption {
	return func(s *Server) { s.metrics = m }
}

// NewServer creates the HTTP server.
func NewServer(d *dispatch.Dispatcher, store settings.Store, uploads media.Store, opts ...ServerOption) *Server {
	s := &Server{
		dispatcher: d,
		settings:   store,
		media:      uploads,
		logger:     slog.Default(),
		maxUpload:  32 << 20,
		startTime:  time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}

	limited := func(h http.HandlerFunc) http.Handler {
		if s.limiter == nil {
			return h
		}
		return s.limiter.Middleware(h)
	}
	admin := auth.RequireKey(s.adminKey, s.limiter)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /personas", s.handlePersonas)
	mux.Handle("POST /chat", limited(s.handleChat))
	mux.Handle("POST /upload", limited(s.handleUpload))
	mux.HandleFunc("POST /reset", s.handleReset)
	mux.HandleFunc("GET /settings", s.handleGetSettings)
	mux.Handle("POST /settings", admin(http.HandlerFunc(s.handleSaveSettings)))
	mux.Handle("PUT /settings/prompt/{persona}", admin(http.HandlerFunc(s.handleUpdatePrompt)))
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}

	s.mux = mux
	return s
}

// Handler returns the complete handler chain for httptest or custom servers.
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   s.origins,
		AllowCredentials: true,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "Authorization", "X-API-Key", requestIDHeader},
	})
	return s.correlate(c.Handler(s.mux))
}

// ListenAndServe serves on addr until Shutdown. It returns nil at once if
// Shutdown already ran.
func (s *Server) ListenAndServe(addr string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.server = srv
	s.mu.Unlock()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	srv := s.server
	s.mu.Unlock()
	if srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}

func (s *Server) correlate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := telemetry.WithCorrelationID(r.Context(), r.Header.Get(requestIDHeader))
		w.Header().Set(requestIDHeader, telemetry.CorrelationID(ctx))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "healthy",
		"uptime":   time.Since(s.startTime).Round(time.Second).String(),
		"personas": len(s.dispatcher.Personas()),
		"version":  Version,
	})
}

type personaInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	MaxHistory  int    `json:"max_history"`
}

func (s *Server) handlePersonas(w http.ResponseWriter, _ *http.Request) {
	ps := s.dispatcher.Personas()
	out := make([]personaInfo, len(ps))
	for i, p := range ps {
		out[i] = personaInfo{
			Name:        string(p.Kind()),
			Description: p.String(),
			MaxHistory:  p.Identity().MaxHistory,
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"personas": out})
}

type chatRequest struct {
	BotType struct {
		Value string `json:"value"`
	} `json:"bot_type"`
	// Messages is accepted for client compatibility. History is kept
	// server side.
	Messages       []json.RawMessage `json:"messages,omitempty"`
	MaxLength      int               `json:"max_length"`
	CurrentMessage message.Raw       `json:"currentMessage"`
	SystemPrompt   string            `json:"system_prompt,omitempty"`
}

type chatResponse struct {
	Response string `json:"response"`
	UserID   string `json:"user_id"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxChatBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}
	selector := req.BotType.Value
	if selector == "" {
		selector = string(persona.General)
	}

	var userID string
	if c, err := r.Cookie(cookieName); err == nil {
		userID = c.Value
	}

	reply, err := s.dispatcher.HandleTurn(r.Context(), dispatch.Turn{
		UserID:       userID,
		Persona:      selector,
		Current:      req.CurrentMessage,
		MaxLength:    req.MaxLength,
		SystemPrompt: req.SystemPrompt,
	})
	if reply.UserID != "" {
		s.setUserCookie(w, reply.UserID)
	}
	if err != nil {
		s.writeTurnError(w, r, selector, err)
		return
	}

	telemetry.RequestLogger(s.logger, r.Context(), string(reply.Persona)).
		Debug("turn answered", "user_id", reply.UserID, "chars", len(reply.Text))
	writeJSON(w, http.StatusOK, chatResponse{Response: reply.Text, UserID: reply.UserID})
}

func (s *Server) setUserCookie(w http.ResponseWriter, userID string) {
	c := &http.Cookie{
		Name:     cookieName,
		Value:    userID,
		Path:     "/",
		MaxAge:   int(cookieMaxAge.Seconds()),
		Expires:  time.Now().Add(cookieMaxAge),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}
	if s.cookieSecure {
		c.Secure = true
		c.SameSite = http.SameSiteNoneMode
	}
	http.SetCookie(w, c)
}

type uploadResponse struct {
	Success  bool   `json:"success"`
	FileID   string `json:"file_id"`
	FileType string `json:"file_type"`
	FilePath string `json:"file_path"`
	Mimetype string `json:"mimetype"`
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	tooLarge := func() {
		writeError(w, http.StatusRequestEntityTooLarge, "too_large", fmt.Sprintf("Upload exceeds %d bytes", s.maxUpload))
	}
	if r.ContentLength > s.maxUpload {
		tooLarge()
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload)
	if err := r.ParseMultipartForm(s.maxUpload); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			tooLarge()
			return
		}
		writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse form")
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "No file uploaded")
		return
	}
	defer file.Close()
	if header.Filename == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "No file selected")
		return
	}

	up, err := s.media.StoreUpload(r.Context(), file, header.Filename)
	if err != nil {
		var unsupported *media.UnsupportedMediaError
		if errors.As(err, &unsupported) {
			s.metrics.RecordUpload("unsupported", "rejected")
			writeError(w, http.StatusUnsupportedMediaType, "unsupported_media", "Only video and image files are supported")
			return
		}
		s.metrics.RecordUpload("unknown", "error")
		s.logger.ErrorContext(r.Context(), "upload failed",
			"correlation_id", telemetry.CorrelationID(r.Context()), "filename", header.Filename, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "Failed to store upload")
		return
	}

	s.metrics.RecordUpload(string(up.Kind), "ok")
	writeJSON(w, http.StatusOK, uploadResponse{
		Success:  true,
		FileID:   up.ID,
		FileType: string(up.Kind),
		FilePath: up.Ref,
		Mimetype: up.MIMEType,
	})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	c, err := r.Cookie(cookieName)
	if err != nil || c.Value == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "No user ID found")
		return
	}
	if err := s.dispatcher.ResetAll(r.Context(), c.Value); err != nil {
		s.writeTurnError(w, r, "", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "History reset for user " + c.Value})
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	m, err := s.settings.LoadAll(r.Context())
	if err != nil {
		s.logger.ErrorContext(r.Context(), "load settings failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "Failed to load settings")
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleSaveSettings(w http.ResponseWriter, r *http.Request) {
	var m map[string]string
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSettingsBody)).Decode(&m); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}
	if len(m) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "No data provided")
		return
	}

	if err := s.settings.SaveAll(r.Context(), m); err != nil {
		s.logger.ErrorContext(r.Context(), "save settings failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "Failed to update settings")
		return
	}
	if err := s.dispatcher.RefreshAll(r.Context()); err != nil {
		s.logger.ErrorContext(r.Context(), "refresh after save failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "Settings saved but prompts failed to refresh")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Settings updated successfully"})
}

func (s *Server) handleUpdatePrompt(w http.ResponseWriter, r *http.Request) {
	selector := r.PathValue("persona")
	p, err := s.dispatcher.Resolve(selector)
	if err != nil {
		s.writeTurnError(w, r, selector, err)
		return
	}

	var req struct {
		Prompt string `json:"prompt"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSettingsBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "Prompt cannot be empty")
		return
	}

	if err := s.settings.Save(r.Context(), p.Kind().SettingsName(), req.Prompt); err != nil {
		s.logger.ErrorContext(r.Context(), "save prompt failed", "persona", p.Kind(), "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "Failed to update prompt")
		return
	}
	if err := p.RefreshSystemPrompt(r.Context()); err != nil {
		s.logger.ErrorContext(r.Context(), "refresh after save failed", "persona", p.Kind(), "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "Prompt saved but failed to refresh")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": selector + " prompt updated successfully"})
}

// turnStatus maps a turn error to its HTTP status and error code. Timeouts are
// matched before generation failures, which wrap them.
func turnStatus(err error) (int, string) {
	var (
		invalid     *dispatch.InvalidPersonaError
		empty       *message.EmptyInputError
		badInput    *message.InvalidInputError
		unsupported *media.UnsupportedMediaError
		exceeded    *budget.BudgetExceededError
		timeout     *llm.TimeoutError
		generation  *persona.GenerationError
	)
	switch {
	case errors.As(err, &invalid):
		return http.StatusBadRequest, "invalid_persona"
	case errors.As(err, &empty):
		return http.StatusBadRequest, "empty_input"
	case errors.As(err, &badInput):
		return http.StatusBadRequest, "invalid_input"
	case errors.As(err, &unsupported):
		return http.StatusUnsupportedMediaType, "unsupported_media"
	case errors.As(err, &exceeded):
		return http.StatusRequestEntityTooLarge, "budget_exceeded"
	case errors.As(err, &timeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	case errors.Is(err, context.Canceled):
		return http.StatusRequestTimeout, "cancelled"
	case errors.As(err, &generation):
		return http.StatusBadGateway, "generation_failed"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func (s *Server) writeTurnError(w http.ResponseWriter, r *http.Request, selector string, err error) {
	status, code := turnStatus(err)
	logger := telemetry.RequestLogger(s.logger, r.Context(), selector)
	if status >= http.StatusInternalServerError {
		logger.Error("turn failed", "status", status, "error", err)
	} else {
		logger.Info("turn rejected", "status", status, "error", err)
	}
	if status == http.StatusGatewayTimeout {
		w.Header().Set("Retry-After", "5")
	}
	writeError(w, status, code, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{
		"error":   code,
		"message": message,
	})
}
