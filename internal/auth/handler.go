package auth

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-auth-go/internal/account/entity"
)

const maxBodyBytes = 1 << 16

// Handler exposes the gateway over HTTP. Tokens travel in an HttpOnly cookie
// and are also accepted as a Bearer header.
type Handler struct {
	gw     *Gateway
	cfg    Config
	logger *zap.SugaredLogger
}

func NewHandler(gw *Gateway, cfg Config, logger *zap.SugaredLogger) *Handler {
	return &Handler{gw: gw, cfg: cfg, logger: logger}
}

type ctxKey struct{}

// AccountFromContext returns the account RequireAuth attached to the request.
func AccountFromContext(ctx context.Context) (*entity.Account, bool) {
	acct, ok := ctx.Value(ctxKey{}).(*entity.Account)
	return acct, ok && acct != nil
}

// RegisterRequest request body for the register endpoint.
type RegisterRequest struct {
	Handle   string `json:"handle"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type ChangePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

type ForgotPasswordRequest struct {
	Email string `json:"email"`
}

type VerifyOTPRequest struct {
	Email string `json:"email"`
	Code  string `json:"code"`
}

type ResetPasswordRequest struct {
	ResetToken string `json:"reset_token"`
	Password   string `json:"password"`
}

type SetActiveRequest struct {
	Active *bool `json:"active"`
}

// SessionResponse is returned by every endpoint that signs the caller in.
type SessionResponse struct {
	Account   entity.Summary `json:"account"`
	Token     string         `json:"token"`
	ExpiresAt time.Time      `json:"expires_at"`
}

const forgotPasswordMessage = "if an account exists for that email, a code has been sent"

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.gw.Register(r.Context(), RegisterInput(req))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeSession(w, http.StatusCreated, res)
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.gw.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeSession(w, http.StatusOK, res)
}

// Logout only instructs the client to drop its token; nothing server side changes.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     h.cfg.CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		Expires:  time.Unix(0, 0),
		HttpOnly: true,
		Secure:   h.cfg.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
	h.writeJSON(w, http.StatusOK, map[string]string{"message": "logged out"})
}

func (h *Handler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	acct, ok := AccountFromContext(r.Context())
	if !ok {
		h.writeError(w, r, ErrInvalidCredentials)
		return
	}
	var req ChangePasswordRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.gw.ChangePassword(r.Context(), acct.ID, req.CurrentPassword, req.NewPassword)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.setCookie(w, res)
	h.writeJSON(w, http.StatusOK, map[string]any{"token": res.Token, "expires_at": res.ExpiresAt})
}

func (h *Handler) ForgotPassword(w http.ResponseWriter, r *http.Request) {
	var req ForgotPasswordRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.gw.ForgotPassword(r.Context(), req.Email); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"message": forgotPasswordMessage})
}

func (h *Handler) VerifyOTP(w http.ResponseWriter, r *http.Request) {
	var req VerifyOTPRequest
	if !h.decode(w, r, &req) {
		return
	}
	credential, err := h.gw.VerifyOTP(r.Context(), req.Email, req.Code)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	h.writeJSON(w, http.StatusOK, map[string]string{"reset_token": credential})
}

func (h *Handler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	var req ResetPasswordRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.gw.ResetPassword(r.Context(), req.ResetToken, req.Password)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeSession(w, http.StatusOK, res)
}

func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	acct, ok := AccountFromContext(r.Context())
	if !ok {
		h.writeError(w, r, ErrInvalidCredentials)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"account": acct.Summary()})
}

func (h *Handler) SetActive(w http.ResponseWriter, r *http.Request) {
	actor, ok := AccountFromContext(r.Context())
	if !ok {
		h.writeError(w, r, ErrInvalidCredentials)
		return
	}
	var req SetActiveRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Active == nil {
		h.writeError(w, r, &ValidationError{Fields: map[string]string{"active": "required"}})
		return
	}
	if _, err := h.gw.SetActive(r.Context(), actor, r.PathValue("id"), *req.Active); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RequireAuth rejects requests without a valid, unsuperseded token and puts
// the account on the request context.
func (h *Handler) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := h.tokenFromRequest(r)
		if token == "" {
			h.writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "authentication required"})
			return
		}
		acct, _, err := h.gw.Authenticate(r.Context(), token)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		ctx := context.WithValue(r.Context(), ctxKey{}, acct)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RestrictTo only lets accounts holding one of roles through. It must run
// inside RequireAuth.
func (h *Handler) RestrictTo(roles ...entity.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			acct, ok := AccountFromContext(r.Context())
			if !ok {
				h.writeError(w, r, ErrInvalidCredentials)
				return
			}
			for _, role := range roles {
				if acct.Role == role {
					next.ServeHTTP(w, r)
					return
				}
			}
			h.writeError(w, r, ErrForbidden)
		})
	}
}

func (h *Handler) tokenFromRequest(r *http.Request) string {
	if v := r.Header.Get("Authorization"); len(v) > 7 && strings.EqualFold(v[:7], "bearer ") {
		return strings.TrimSpace(v[7:])
	}
	if c, err := r.Cookie(h.cfg.CookieName); err == nil {
		return c.Value
	}
	return ""
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		h.logger.Debugw("invalid payload", "path", r.URL.Path, "err", err)
		h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payload"})
		return false
	}
	return true
}

func (h *Handler) setCookie(w http.ResponseWriter, res *AuthResult) {
	http.SetCookie(w, &http.Cookie{
		Name:     h.cfg.CookieName,
		Value:    res.Token,
		Path:     "/",
		MaxAge:   int(h.cfg.TokenTTL.Seconds()),
		Expires:  res.ExpiresAt,
		HttpOnly: true,
		Secure:   h.cfg.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *Handler) writeSession(w http.ResponseWriter, status int, res *AuthResult) {
	h.setCookie(w, res)
	h.writeJSON(w, status, SessionResponse{Account: res.Account, Token: res.Token, ExpiresAt: res.ExpiresAt})
}

// writeError maps gateway errors to stable, generic responses. Dependency and
// internal error text is only echoed outside production.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		verr   *ValidationError
		locked *LockedError
	)
	switch {
	case errors.As(err, &verr):
		h.writeJSON(w, http.StatusBadRequest, map[string]any{"error": "validation failed", "fields": verr.Fields})
	case errors.Is(err, ErrDuplicateIdentity):
		h.writeJSON(w, http.StatusConflict, map[string]string{"error": "handle or email already registered"})
	case errors.As(err, &locked):
		secs := int(math.Ceil(locked.RetryAfter.Seconds()))
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		h.writeJSON(w, http.StatusLocked, map[string]any{"error": "account locked", "retry_after_seconds": secs})
	case errors.Is(err, ErrInvalidCredentials):
		h.writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid credentials"})
	case errors.Is(err, ErrTokenExpired), errors.Is(err, ErrTokenSuperseded),
		errors.Is(err, ErrTokenMalformed), errors.Is(err, ErrTokenBadSignature),
		errors.Is(err, ErrAccountInactive):
		h.logger.Debugw("token rejected", "path", r.URL.Path, "err", err)
		h.writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "please log in again"})
	case errors.Is(err, ErrOTPInvalidOrExpired):
		h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "code invalid or expired"})
	case errors.Is(err, ErrResetCredentialInvalidOrExpired):
		h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "reset token invalid or expired"})
	case errors.Is(err, ErrForbidden):
		h.writeJSON(w, http.StatusForbidden, map[string]string{"error": "forbidden"})
	case errors.Is(err, ErrNotFound):
		h.writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
	case errors.Is(err, ErrDependency):
		h.logger.Warnw("dependency failure", "path", r.URL.Path, "err", err)
		h.writeJSON(w, http.StatusServiceUnavailable, h.detail("service unavailable", err))
	default:
		h.logger.Errorw("request failed", "path", r.URL.Path, "err", err)
		h.writeJSON(w, http.StatusInternalServerError, h.detail("internal error", err))
	}
}

func (h *Handler) detail(msg string, err error) map[string]string {
	out := map[string]string{"error": msg}
	if !h.cfg.Production {
		out["detail"] = err.Error()
	}
	return out
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warnw("encode response", "err", err)
	}
}
