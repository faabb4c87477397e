package app

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"agenda/api/internal/auth"
	"agenda/api/internal/notify"
	"agenda/api/internal/rbac"
	"agenda/api/internal/util"
)

const sessionCookieName = "agenda_session"

type HTTPServer struct {
	service      *Service
	channel      *notify.Channel
	corsOrigin   string
	cookieSecure bool
	logger       *slog.Logger
}

func NewHTTPServer(service *Service, channel *notify.Channel, corsOrigin string, logger *slog.Logger) *HTTPServer {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if channel == nil {
		channel = notify.NewChannel(logger)
	}
	return &HTTPServer{
		service:      service,
		channel:      channel,
		corsOrigin:   corsOrigin,
		cookieSecure: service.cfg.CookieSecure,
		logger:       logger,
	}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	isRead := r.Method == http.MethodGet || r.Method == http.MethodHead

	switch {
	case isRead && r.URL.Path == "/health":
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "channels": s.channel.Active()})
	case isRead && r.URL.Path == "/ready":
		s.handleReady(w, r)
	case r.Method == http.MethodGet && r.URL.Path == "/websocket":
		s.channel.ServeHTTP(w, r)

	case isRead && (r.URL.Path == "/" || r.URL.Path == "/login"):
		s.handleSessionStatus(w, r)
	case r.Method == http.MethodPost && r.URL.Path == "/login":
		s.handleLogin(w, r)
	case r.Method == http.MethodGet && r.URL.Path == "/logout":
		s.handleLogout(w, r)

	case isRead && r.URL.Path == "/register":
		writeJSON(w, http.StatusOK, map[string]any{"fields": []string{"username", "password"}})
	case r.Method == http.MethodPost && r.URL.Path == "/register":
		s.handleRegister(w, r)

	case isRead && r.URL.Path == "/agenda":
		s.handleAgenda(w, r)
	case r.Method == http.MethodPost && r.URL.Path == "/add_event":
		s.handleAddEvent(w, r)
	case isRead && r.URL.Path == "/agenda/search":
		s.handleSearch(w, r)

	case isRead && r.URL.Path == "/admin":
		s.handleAdmin(w, r)
	case r.Method == http.MethodPost && r.URL.Path == "/admin/add_event":
		s.handleAdminAddEvent(w, r)
	case r.Method == http.MethodPost && r.URL.Path == "/admin/remove_event":
		s.handleAdminRemoveEvent(w, r)

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	ready := true
	checks := map[string]any{}
	for name, ping := range map[string]func(context.Context) error{
		"store":    s.service.PingStore,
		"sessions": s.service.PingSessions,
	} {
		if err := ping(ctx); err != nil {
			ready = false
			checks[name] = map[string]any{"status": "error", "error": err.Error()}
			continue
		}
		checks[name] = map[string]any{"status": "ok"}
	}

	status, statusCode := "ready", http.StatusOK
	if !ready {
		status, statusCode = "not_ready", http.StatusServiceUnavailable
	}
	writeJSON(w, statusCode, map[string]any{
		"ok":     ready,
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessionFor(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if !sess.Authenticated() {
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "user": nil})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"authenticated": true,
		"user":          sess.Username,
		"role":          sess.Role,
	})
}

func (s *HTTPServer) handleLogin(w http.ResponseWriter, r *http.Request) {
	input, err := readInput(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	sess, err := s.service.Login(r.Context(), input.get("username"), input.get("password"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.setSessionCookie(w, sess)
	redirect(w, r, "/agenda")
}

func (s *HTTPServer) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := s.service.Logout(r.Context(), sessionToken(r)); err != nil {
		s.logger.Warn("logout revoke failed", "request_id", requestIDFrom(r.Context()), "error", err)
	}
	s.clearSessionCookie(w)
	redirect(w, r, "/")
}

func (s *HTTPServer) handleRegister(w http.ResponseWriter, r *http.Request) {
	input, err := readInput(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if _, err := s.service.Register(r.Context(), input.get("username"), input.get("password")); err != nil {
		s.fail(w, r, err)
		return
	}
	redirect(w, r, "/")
}

func (s *HTTPServer) handleAgenda(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.authorize(w, r, rbac.CapabilityAuthenticated)
	if !ok {
		return
	}
	if sess.IsAdmin() {
		redirect(w, r, "/admin")
		return
	}
	events, err := s.service.ListEvents(r.Context(), sess.Username)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": sess.Username, "events": events})
}

func (s *HTTPServer) handleAddEvent(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.authorize(w, r, rbac.CapabilityAuthenticated)
	if !ok {
		return
	}
	input, err := readInput(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if _, err := s.service.AddEvent(r.Context(), sess.Username, input.event()); err != nil {
		s.fail(w, r, err)
		return
	}
	redirect(w, r, "/agenda")
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.authorize(w, r, rbac.CapabilityAuthenticated)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	response, err := s.service.SearchEvents(r.Context(), sess, r.URL.Query().Get("q"), limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *HTTPServer) handleAdmin(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authorize(w, r, rbac.CapabilityAdmin); !ok {
		return
	}
	overview, err := s.service.AdminOverview(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, overview)
}

func (s *HTTPServer) handleAdminAddEvent(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authorize(w, r, rbac.CapabilityAdmin); !ok {
		return
	}
	input, err := readInput(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if _, err := s.service.AdminAddEvent(r.Context(), input.event(), input.get("user")); err != nil {
		s.fail(w, r, err)
		return
	}
	redirect(w, r, "/admin")
}

// handleAdminRemoveEvent prefers event_id over the positional event_index.
func (s *HTTPServer) handleAdminRemoveEvent(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authorize(w, r, rbac.CapabilityAdmin); !ok {
		return
	}
	input, err := readInput(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	if id := strings.TrimSpace(input.get("event_id")); id != "" {
		_, err = s.service.AdminRemoveEventByID(r.Context(), id)
	} else {
		raw := strings.TrimSpace(input.get("event_index"))
		index, convErr := strconv.Atoi(raw)
		if convErr != nil {
			s.fail(w, r, errInvalidIndex(raw))
			return
		}
		_, err = s.service.AdminRemoveEvent(r.Context(), index)
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	redirect(w, r, "/admin")
}

// authorize resolves the caller and applies the gate. Denied authenticated
// routes redirect to the entry point; denied admin routes answer inline.
func (s *HTTPServer) authorize(w http.ResponseWriter, r *http.Request, capability rbac.Capability) (Session, bool) {
	sess, err := s.sessionFor(r)
	if err != nil {
		s.fail(w, r, err)
		return Session{}, false
	}
	if err := s.service.Authorize(sess, capability); err != nil {
		var domainErr *DomainError
		if errors.As(err, &domainErr) && domainErr.Code == CodeUnauthenticated {
			redirect(w, r, "/")
			return Session{}, false
		}
		s.logger.Info("access denied",
			"request_id", requestIDFrom(r.Context()),
			"path", r.URL.Path,
			"user", sess.Username,
			"capability", capability,
		)
		s.fail(w, r, err)
		return Session{}, false
	}
	return sess, true
}

// sessionFor returns the anonymous session for a missing, tampered, expired or
// revoked token. Only backend failures are errors.
func (s *HTTPServer) sessionFor(r *http.Request) (Session, error) {
	token := sessionToken(r)
	if token == "" {
		return Session{}, nil
	}
	sess, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
			return Session{}, nil
		}
		return Session{}, err
	}
	return sess, nil
}

func (s *HTTPServer) setSessionCookie(w http.ResponseWriter, sess Session) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    sess.Token,
		Path:     "/",
		Expires:  sess.ExpiresAt,
		HttpOnly: true,
		Secure:   s.cookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (s *HTTPServer) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.cookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			"request_id", requestIDFrom(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
			"error", err,
		)
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = util.NewID("req")
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		s.logger.Info("request",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", writer.status,
			"duration_ms", time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack lets the WebSocket upgrade take over the connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hijacker.Hijack()
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func redirect(w http.ResponseWriter, r *http.Request, location string) {
	http.Redirect(w, r, location, http.StatusSeeOther)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

type inputValues map[string]string

func (v inputValues) get(key string) string {
	return v[key]
}

func (v inputValues) event() EventInput {
	return EventInput{
		Title:       v.get("title"),
		Description: v.get("description"),
		Date:        v.get("date"),
	}
}

// readInput accepts a JSON object or a urlencoded/multipart form.
func readInput(r *http.Request) (inputValues, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	values := inputValues{}

	if mediaType == "application/json" {
		var raw map[string]any
		if err := decodeBody(r, &raw); err != nil {
			return nil, err
		}
		for key, value := range raw {
			values[key] = inputString(value)
		}
		return values, nil
	}

	if mediaType == "multipart/form-data" {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			return nil, fmt.Errorf("invalid form body")
		}
	} else if err := r.ParseForm(); err != nil {
		return nil, fmt.Errorf("invalid form body")
	}
	for key := range r.PostForm {
		values[key] = r.PostForm.Get(key)
	}
	return values, nil
}

func inputString(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	default:
		encoded, _ := json.Marshal(v)
		return string(encoded)
	}
}

// sessionToken reads the session cookie, falling back to a bearer token.
func sessionToken(r *http.Request) string {
	if cookie, err := r.Cookie(sessionCookieName); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	return bearerToken(r)
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, CodeUnauthenticated, "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
