package mocksmith

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mocksmith/mocksmith/instrumentation"
	"github.com/mocksmith/mocksmith/providers"
	"github.com/mocksmith/mocksmith/resources"
	"github.com/mocksmith/mocksmith/security"
	"github.com/mocksmith/mocksmith/server"
	"github.com/mocksmith/mocksmith/storage"
)

const maxRequestBody = 1 << 20 // 1 MiB

// Handler exposes the auth state machine and the mock data plane over
// HTTP. Responses and status codes follow a fixed contract:
//
//	POST /api/auth/register                    201 user | 400
//	POST /api/auth/login                       200 user | 409 {requiresMfa} | 400
//	POST /api/auth/verify-mfa                  200 user | 400 | 401 | 429
//	GET  /api/auth/me                          200 user | 401
//	POST /api/auth/logout                      200 message | 401
//	GET  /api/auth/oauth/{provider}/authorize  200 {authUrl} | 400 | 500
//	POST /api/auth/oauth/{provider}/callback   200 user | 400 | 500
//	     /api/{resource}[/{id}]                CRUD, full auth required
type Handler struct {
	server    *server.Server
	resources *resources.Store
	config    *Config
	logger    *slog.Logger

	ipLimiter *security.RateLimiter
	metrics   *instrumentation.Metrics
}

// NewHandler builds a Handler. resourceStore may be nil when the data
// plane is not wanted; every /api/{resource} request then reports an
// unknown resource. A nil config gets defaults.
func NewHandler(srv *server.Server, resourceStore *resources.Store, config *Config, logger *slog.Logger) *Handler {
	if config == nil {
		config = DefaultConfig()
	} else {
		config.ApplyDefaults()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		server:    srv,
		resources: resourceStore,
		config:    config,
		logger:    logger,
	}
}

// SetIPRateLimiter enables per-IP rate limiting on the auth endpoints.
func (h *Handler) SetIPRateLimiter(rl *security.RateLimiter) {
	h.ipLimiter = rl
}

// SetInstrumentation enables HTTP request metrics.
func (h *Handler) SetInstrumentation(inst *instrumentation.Instrumentation) {
	if inst != nil {
		h.metrics = inst.Metrics()
	}
}

// Routes assembles the router. Auth routes are registered before the
// generic resource routes so /api/auth is never treated as a resource.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(security.RequestIDMiddleware)
	r.Use(h.securityHeaders)
	r.Use(h.httpMetrics)

	r.Route("/api/auth", func(r chi.Router) {
		r.Use(h.rateLimitByIP)
		r.Post("/register", h.handleRegister)
		r.Post("/login", h.handleLogin)
		r.Post("/verify-mfa", h.handleVerifyMFA)
		r.Get("/me", h.handleMe)
		r.Post("/logout", h.handleLogout)
		r.Get("/oauth/{provider}/authorize", h.handleOAuthAuthorize)
		r.Post("/oauth/{provider}/callback", h.handleOAuthCallback)
	})

	r.Route("/api/{resource}", func(r chi.Router) {
		r.Use(h.requireFullAuth)
		r.Get("/", h.handleResourceList)
		r.Post("/", h.handleResourceCreate)
		r.Get("/{id}", h.handleResourceGet)
		r.Put("/{id}", h.handleResourceUpdate)
		r.Delete("/{id}", h.handleResourceDelete)
	})

	return r
}

// ============================================================================
// Middleware
// ============================================================================

func (h *Handler) securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		security.SetSecurityHeaders(w)
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(status int) {
	sr.status = status
	sr.ResponseWriter.WriteHeader(status)
}

// Flush forwards to the wrapped writer so streaming responses still work
// when metrics are enabled.
func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap exposes the wrapped writer for http.ResponseController, which
// covers hijacking and deadline control.
func (sr *statusRecorder) Unwrap() http.ResponseWriter {
	return sr.ResponseWriter
}

func (h *Handler) httpMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.metrics == nil {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		endpoint := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			endpoint = rctx.RoutePattern()
		}
		h.metrics.RecordHTTPRequest(r.Context(), r.Method, endpoint, rec.status,
			float64(time.Since(start).Milliseconds()))
	})
}

func (h *Handler) rateLimitByIP(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.ipLimiter != nil {
			ip := h.clientIP(r)
			if !h.ipLimiter.Allow(ip) {
				h.logger.Warn("Rate limit exceeded",
					"path", r.URL.Path,
					"request_id", security.GetRequestID(r.Context()))
				h.writeAuthError(w, NewRateLimitedError())
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// requireFullAuth gates the data plane. A partially authenticated
// session (password accepted, MFA pending) is not sufficient.
func (h *Handler) requireFullAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		state, _, err := h.server.SessionState(r.Context(), h.sessionID(r))
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		if state != server.StateAuthenticated {
			h.writeAuthError(w, NewNotAuthenticatedError())
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ============================================================================
// Auth Endpoints
// ============================================================================

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}
	if fields := req.validate(); len(fields) > 0 {
		h.writeAuthError(w, NewValidationError(fields...))
		return
	}

	user, session, err := h.server.Register(r.Context(), req.Name, req.Email, req.Password, req.MFAEnabled, h.clientIP(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.setSessionCookie(w, session)
	h.writeJSON(w, http.StatusCreated, newUserResponse(user))
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}
	if fields := req.validate(); len(fields) > 0 {
		h.writeAuthError(w, NewValidationError(fields...))
		return
	}

	result, err := h.server.Login(r.Context(), req.Email, req.Password, h.clientIP(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.setSessionCookie(w, result.Session)
	if result.MFARequired {
		h.writeJSON(w, http.StatusConflict, mfaRequiredResponse{RequiresMFA: true})
		return
	}
	h.writeJSON(w, http.StatusOK, newUserResponse(result.User))
}

func (h *Handler) handleVerifyMFA(w http.ResponseWriter, r *http.Request) {
	var req verifyMFARequest
	if !h.decodeJSON(w, r, &req) {
		return
	}
	if fields := req.validate(); len(fields) > 0 {
		h.writeAuthError(w, NewValidationError(fields...))
		return
	}

	session, err := h.server.VerifyMFA(r.Context(), h.sessionID(r), req.OTP, h.clientIP(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.setSessionCookie(w, session)
	h.writeJSON(w, http.StatusOK, sessionUserResponse{
		ID:    session.User.ID,
		Name:  session.User.Name,
		Email: session.User.Email,
	})
}

func (h *Handler) handleMe(w http.ResponseWriter, r *http.Request) {
	user, err := h.server.CurrentUser(r.Context(), h.sessionID(r))
	if err != nil {
		if errors.Is(err, server.ErrNotAuthenticated) {
			h.clearSessionCookie(w)
		}
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, sessionUserResponse{
		ID:    user.ID,
		Name:  user.Name,
		Email: user.Email,
	})
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := h.server.Logout(r.Context(), h.sessionID(r)); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.clearSessionCookie(w)
	h.writeJSON(w, http.StatusOK, messageResponse{Message: "Logout successful"})
}

func (h *Handler) handleOAuthAuthorize(w http.ResponseWriter, r *http.Request) {
	state, err := security.GenerateSessionID()
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	authURL, err := h.server.AuthorizeURL(chi.URLParam(r, "provider"), state)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, authURLResponse{AuthURL: authURL})
}

func (h *Handler) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	var req oauthCallbackRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}
	if fields := req.validate(); len(fields) > 0 {
		h.writeAuthError(w, NewValidationError(fields...))
		return
	}

	user, session, err := h.server.OAuthCallback(r.Context(), chi.URLParam(r, "provider"), req.Code, h.clientIP(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.setSessionCookie(w, session)
	if !session.MFAVerified {
		// Only reachable when the MFA step-up policy covers federated
		// logins; mirrors the login contract.
		h.writeJSON(w, http.StatusConflict, mfaRequiredResponse{RequiresMFA: true})
		return
	}
	h.writeJSON(w, http.StatusOK, newUserResponse(user))
}

// ============================================================================
// Resource Endpoints
// ============================================================================

func (h *Handler) resourceStore(w http.ResponseWriter, r *http.Request) (*resources.Store, string, bool) {
	name := chi.URLParam(r, "resource")
	if h.resources == nil {
		h.writeAuthError(w, NewUnknownResourceError(
			fmt.Sprintf("Resource '%s' not found. Available resources: ", name)))
		return nil, "", false
	}
	if !h.resources.Exists(name) {
		h.writeError(w, r, &resources.UnknownResourceError{
			Resource:  name,
			Available: h.resources.Resources(),
		})
		return nil, "", false
	}
	return h.resources, name, true
}

func (h *Handler) handleResourceList(w http.ResponseWriter, r *http.Request) {
	store, name, ok := h.resourceStore(w, r)
	if !ok {
		return
	}
	page, limit, ok := h.pagination(w, r)
	if !ok {
		return
	}

	result, err := store.List(name, page, limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

func (h *Handler) handleResourceGet(w http.ResponseWriter, r *http.Request) {
	store, name, ok := h.resourceStore(w, r)
	if !ok {
		return
	}
	id, ok := h.itemID(w, r)
	if !ok {
		return
	}

	item, found, err := store.Get(name, id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if !found {
		h.writeAuthError(w, NewNotFoundError(fmt.Sprintf("Item with ID %d not found", id)))
		return
	}
	h.writeJSON(w, http.StatusOK, item)
}

func (h *Handler) handleResourceCreate(w http.ResponseWriter, r *http.Request) {
	store, name, ok := h.resourceStore(w, r)
	if !ok {
		return
	}
	var fields resources.Item
	if !h.decodeJSON(w, r, &fields) {
		return
	}

	item, err := store.Create(name, fields)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, item)
}

func (h *Handler) handleResourceUpdate(w http.ResponseWriter, r *http.Request) {
	store, name, ok := h.resourceStore(w, r)
	if !ok {
		return
	}
	id, ok := h.itemID(w, r)
	if !ok {
		return
	}
	var fields resources.Item
	if !h.decodeJSON(w, r, &fields) {
		return
	}

	item, found, err := store.Update(name, id, fields)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if !found {
		h.writeAuthError(w, NewNotFoundError(fmt.Sprintf("Item with ID %d not found", id)))
		return
	}
	h.writeJSON(w, http.StatusOK, item)
}

func (h *Handler) handleResourceDelete(w http.ResponseWriter, r *http.Request) {
	store, name, ok := h.resourceStore(w, r)
	if !ok {
		return
	}
	id, ok := h.itemID(w, r)
	if !ok {
		return
	}

	deleted, err := store.Delete(name, id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if !deleted {
		h.writeAuthError(w, NewNotFoundError(fmt.Sprintf("Item with ID %d not found", id)))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) pagination(w http.ResponseWriter, r *http.Request) (page, limit int, ok bool) {
	page, limit = 1, 10
	q := r.URL.Query()

	if raw := q.Get("page"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			h.writeAuthError(w, NewValidationError(FieldError{Field: "page", Message: "Page must be a positive integer"}))
			return 0, 0, false
		}
		page = n
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 100 {
			h.writeAuthError(w, NewValidationError(FieldError{Field: "limit", Message: "Limit must be between 1 and 100"}))
			return 0, 0, false
		}
		limit = n
	}
	return page, limit, true
}

func (h *Handler) itemID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		h.writeAuthError(w, NewValidationError(FieldError{Field: "id", Message: "Invalid ID format"}))
		return 0, false
	}
	return id, true
}

// ============================================================================
// Session Cookie
// ============================================================================

func (h *Handler) sessionID(r *http.Request) string {
	cookie, err := r.Cookie(h.config.Cookie.Name)
	if err != nil {
		return ""
	}
	return cookie.Value
}

func (h *Handler) setSessionCookie(w http.ResponseWriter, session *storage.Session) {
	maxAge := int(time.Until(session.ExpiresAt).Seconds())
	if maxAge < 0 {
		maxAge = 0
	}
	http.SetCookie(w, &http.Cookie{
		Name:     h.config.Cookie.Name,
		Value:    session.ID,
		Path:     h.config.Cookie.Path,
		Domain:   h.config.Cookie.Domain,
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   h.config.Cookie.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *Handler) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     h.config.Cookie.Name,
		Value:    "",
		Path:     h.config.Cookie.Path,
		Domain:   h.config.Cookie.Domain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.config.Cookie.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// ============================================================================
// Request / Response Plumbing
// ============================================================================

func (h *Handler) clientIP(r *http.Request) string {
	return security.GetClientIP(r, h.config.RateLimit.TrustProxy)
}

func (h *Handler) decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		h.writeAuthError(w, NewValidationError(FieldError{Field: "body", Message: "Invalid JSON payload"}))
		return false
	}
	return true
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("Failed to encode response", "error", err)
	}
}

func (h *Handler) writeAuthError(w http.ResponseWriter, authErr *AuthError) {
	h.writeJSON(w, authErr.Status, errorResponse{
		Error:   authErr.Message,
		Details: authErr.Fields,
	})
}

// writeError translates core errors into the response contract.
// Anything unrecognized is logged with the request ID and reflected
// only as a generic 500.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	authErr := mapError(err)
	if authErr == nil {
		h.logger.Error("Unhandled error",
			"error", err,
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", security.GetRequestID(r.Context()))
		authErr = NewInternalError()
	}
	h.writeAuthError(w, authErr)
}

// mapError matches typed core errors to their contractual responses.
// Returns nil for errors that must not reach clients.
func mapError(err error) *AuthError {
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return authErr
	}

	switch {
	case errors.Is(err, storage.ErrDuplicateEmail):
		return NewDuplicateEmailError()
	case errors.Is(err, server.ErrInvalidCredentials):
		return NewInvalidCredentialsError()
	case errors.Is(err, server.ErrNotAuthenticated):
		return NewNotAuthenticatedError()
	case errors.Is(err, server.ErrInvalidOTP):
		return NewInvalidOTPError()
	case errors.Is(err, server.ErrRateLimited):
		return NewRateLimitedError()
	case errors.Is(err, providers.ErrNotConfigured):
		return NewProviderConfigError()
	}

	var mismatch *storage.ProviderMismatchError
	if errors.As(err, &mismatch) {
		return NewProviderMismatchError(mismatch.BoundProvider)
	}
	var unsupported *providers.UnsupportedProviderError
	if errors.As(err, &unsupported) {
		return NewUnsupportedProviderError(unsupported.Name)
	}
	var upstream *server.UpstreamProviderError
	if errors.As(err, &upstream) {
		return NewUpstreamProviderError()
	}
	var unknown *resources.UnknownResourceError
	if errors.As(err, &unknown) {
		return NewUnknownResourceError(fmt.Sprintf(
			"Resource '%s' not found. Available resources: %s",
			unknown.Resource, strings.Join(unknown.Available, ", ")))
	}
	return nil
}
