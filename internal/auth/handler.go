package auth

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/getsentry/sentry-go"

	"peerhub/internal/account"
	"peerhub/internal/observability"
)

const maxJSONBodyBytes = 1 << 20

type Handler struct {
	service *Service
	logger  *observability.Logger
	now     func() time.Time
}

func NewHandler(service *Service, logger *observability.Logger) *Handler {
	return &Handler{
		service: service,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var body RegisterRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	result, err := h.service.Register(r.Context(), body, source(r))
	if err != nil {
		h.fail(w, r, err, "registration failed")
		return
	}

	writeJSON(w, http.StatusCreated, authResponse{
		Success:    true,
		Message:    "User registered successfully",
		AuthResult: result,
	})
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var body LoginRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	result, err := h.service.Login(r.Context(), body, source(r))
	if err != nil {
		h.fail(w, r, err, "login failed")
		return
	}

	writeJSON(w, http.StatusOK, authResponse{
		Success:    true,
		Message:    "Login successful",
		AuthResult: result,
	})
}

func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	var body RefreshRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	result, err := h.service.Refresh(r.Context(), body)
	if err != nil {
		h.fail(w, r, err, "failed to refresh token")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":              true,
		"accessToken":          result.AccessToken,
		"tokenType":            result.TokenType,
		"accessTokenExpiresAt": result.AccessTokenExpiresAt,
	})
}

func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	session, ok := SessionFrom(r.Context())
	if !ok {
		h.fail(w, r, ErrTokenMissing, "")
		return
	}

	profile, err := h.service.Profile(r.Context(), session.Identity.ID)
	if err != nil {
		h.fail(w, r, err, "failed to load profile")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true, "user": profile})
}

// Session reports whether the caller is authenticated. It sits behind the optional
// guard and never fails on a bad token.
func (h *Handler) Session(w http.ResponseWriter, r *http.Request) {
	identity, ok := IdentityFrom(r.Context())
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": false})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"authenticated": true, "user": identity})
}

func (h *Handler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	session, ok := SessionFrom(r.Context())
	if !ok {
		h.fail(w, r, ErrTokenMissing, "")
		return
	}

	var body UpdateProfileRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	profile, err := h.service.UpdateProfile(r.Context(), session.Identity.ID, body)
	if err != nil {
		h.fail(w, r, err, "failed to update profile")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Profile updated successfully",
		"user":    profile,
	})
}

func (h *Handler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	session, ok := SessionFrom(r.Context())
	if !ok {
		h.fail(w, r, ErrTokenMissing, "")
		return
	}

	var body ChangePasswordRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	if err := h.service.ChangePassword(r.Context(), session.Identity.ID, body, source(r)); err != nil {
		h.fail(w, r, err, "failed to change password")
		return
	}

	writeMessage(w, "Password changed successfully. Please log in again with your new password.")
}

func (h *Handler) ForgotPassword(w http.ResponseWriter, r *http.Request) {
	var body ForgotPasswordRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	if err := h.service.ForgotPassword(r.Context(), body, source(r)); err != nil {
		h.fail(w, r, err, "error processing password reset request")
		return
	}

	writeMessage(w, "If an account exists, a password reset link has been sent")
}

func (h *Handler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	var body ResetPasswordRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	if err := h.service.ResetPassword(r.Context(), r.PathValue("token"), body, source(r)); err != nil {
		h.fail(w, r, err, "error resetting password")
		return
	}

	writeMessage(w, "Password reset successful. Please log in with your new password.")
}

func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	session, ok := SessionFrom(r.Context())
	if !ok {
		h.fail(w, r, ErrTokenMissing, "")
		return
	}

	var body LogoutRequest
	if !decodeOptionalJSON(w, r, &body) {
		return
	}

	if err := h.service.Logout(r.Context(), session, body, source(r)); err != nil {
		h.fail(w, r, err, "error during logout")
		return
	}

	writeMessage(w, "Logged out successfully")
}

func (h *Handler) SecurityEvents(w http.ResponseWriter, r *http.Request) {
	session, ok := SessionFrom(r.Context())
	if !ok {
		h.fail(w, r, ErrTokenMissing, "")
		return
	}

	events, err := h.service.SecurityEvents(r.Context(), session.Identity.ID)
	if err != nil {
		h.fail(w, r, err, "failed to load security events")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true, "events": events})
}

func (h *Handler) PublicProfile(w http.ResponseWriter, r *http.Request) {
	profile, err := h.service.PublicProfile(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err, "failed to load account")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true, "user": profile})
}

func (h *Handler) AccountSecurityEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.service.AccountSecurityEvents(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err, "failed to load security events")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true, "events": events})
}

func (h *Handler) UnlockAccount(w http.ResponseWriter, r *http.Request) {
	admin, ok := IdentityFrom(r.Context())
	if !ok {
		h.fail(w, r, ErrTokenMissing, "")
		return
	}

	if err := h.service.UnlockAccount(r.Context(), admin, r.PathValue("id"), source(r)); err != nil {
		h.fail(w, r, err, "failed to unlock account")
		return
	}

	writeMessage(w, "Account unlocked")
}

// fail writes the classified error. Internal errors are reported to Sentry and the
// caller only sees fallback.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error, fallback string) {
	status, kind := classify(err)
	if kind == KindInternal {
		sentry.CaptureException(err)
		h.logger.Error("auth_request_failed", map[string]any{
			"method": r.Method,
			"path":   r.URL.Path,
			"error":  err.Error(),
		})
		writeError(w, status, kind, fallback)
		return
	}

	var locked AccountLockedError
	if errors.As(err, &locked) {
		w.Header().Set("Retry-After", strconv.Itoa(locked.RetryAfter(h.now())))
	}

	writeError(w, status, kind, err.Error())
}

type authResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	AuthResult
}

func source(r *http.Request) account.Source {
	return account.Source{
		Address:   observability.ClientIP(r),
		UserAgent: r.UserAgent(),
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, KindValidation, "invalid json body")
		return false
	}
	return true
}

// decodeOptionalJSON is decodeJSON for endpoints whose body may be omitted. An empty
// body, chunked or not, leaves dst untouched.
func decodeOptionalJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.Body == nil || r.Body == http.NoBody {
		return true
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, KindValidation, "invalid json body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeMessage(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": message})
}

func writeError(w http.ResponseWriter, status int, kind Kind, message string) {
	writeJSON(w, status, map[string]string{"error": message, "kind": string(kind)})
}
