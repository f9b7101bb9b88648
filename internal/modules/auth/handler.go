package auth

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"authsession/internal/domain"
	"authsession/internal/pkg/response"
	"authsession/internal/pkg/validator"
	"authsession/internal/repository"

	"github.com/gin-gonic/gin"
)

const refreshHeader = "X-Refresh-Token"

// CookieConfig controls the refresh token cookie.
type CookieConfig struct {
	Name     string
	Path     string
	Secure   bool
	SameSite http.SameSite
	MaxAge   int
}

// Handler manages all HTTP interactions for authentication
type Handler struct {
	service *Service
	engine  *Engine
	cookie  CookieConfig
}

// NewHandler creates a new auth handler with injected service
func NewHandler(service *Service, engine *Engine, cookie CookieConfig) *Handler {
	if cookie.Name == "" {
		cookie.Name = "refresh_token"
	}
	return &Handler{
		service: service,
		engine:  engine,
		cookie:  cookie,
	}
}

func (h *Handler) RegisterPublicRoutes(v1 *gin.RouterGroup) {
	authGroup := v1.Group("/auth")
	{
		authGroup.POST("/login", h.Login)
		authGroup.POST("/refresh", h.Refresh)
		authGroup.POST("/logout", h.Logout)
	}
}

func (h *Handler) RegisterProtectedRoutes(protected *gin.RouterGroup) {
	sessions := protected.Group("/auth/sessions")
	{
		sessions.GET("", h.ListSessions)
		sessions.DELETE("", h.RevokeAllSessions)
		sessions.DELETE("/:family_id", h.RevokeSession)
	}
	protected.GET("/users/me", h.GetMe)
}

// RegisterAdminRoutes expects a group already guarded by JWTAuth and AdminOnly.
func (h *Handler) RegisterAdminRoutes(admin *gin.RouterGroup) {
	admin.DELETE("/users/:id/sessions", h.AdminRevokeUserSessions)
	admin.DELETE("/sessions/:family_id", h.AdminRevokeFamily)
}

// Login authenticates by email and password and starts a new session.
// @Summary	Log in
// @Tags		Auth
// @Param		request	body	LoginRequest	true	"email, password"
// @Success	200	{object}	map[string]interface{}	"user and token pair"
// @Failure	401	{object}	map[string]interface{}	"invalid credentials"
// @Failure	403	{object}	map[string]interface{}	"account banned"
// @Router		/auth/login [POST]
func (h *Handler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ErrorWithDetails(c, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid request body", validator.Fields(err))
		return
	}

	result, err := h.service.Login(c.Request.Context(), req, deviceMeta(c))
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidCredentials):
			response.Error(c, http.StatusUnauthorized, "INVALID_CREDENTIALS", "Email or password is incorrect")
		case errors.Is(err, ErrAccountBanned):
			response.Error(c, http.StatusForbidden, "ACCOUNT_BANNED", "Account is banned")
		default:
			_ = c.Error(err)
			response.Error(c, http.StatusInternalServerError, "LOGIN_FAILED", "Failed to login")
		}
		return
	}

	h.setRefreshCookie(c, result.Tokens.RefreshToken)
	response.Success(c, http.StatusOK, gin.H{
		"user": UserPublic{
			ID:    result.User.ID,
			Role:  string(result.User.Role),
			Name:  result.User.Name,
			Email: result.User.Email,
		},
		"tokens": result.Tokens,
	})
}

// Refresh exchanges a refresh token for a new token pair.
// @Summary	Refresh tokens
// @Tags		Auth
// @Param		request	body	RefreshRequest	false	"refresh_token (falls back to cookie)"
// @Success	200	{object}	map[string]interface{}	"new token pair"
// @Failure	401	{object}	map[string]interface{}	"invalid, expired or reused refresh token"
// @Router		/auth/refresh [POST]
func (h *Handler) Refresh(c *gin.Context) {
	var req RefreshRequest
	_ = c.ShouldBindJSON(&req)
	raw := h.refreshTokenFrom(c, req.RefreshToken)
	if raw == "" {
		response.Error(c, http.StatusUnauthorized, "INVALID_REFRESH_TOKEN", "Refresh token is invalid")
		return
	}

	tokens, err := h.engine.RefreshTokens(c.Request.Context(), raw, deviceMeta(c))
	if err != nil {
		switch {
		case IsSecurityAlert(err):
			h.clearRefreshCookie(c)
			response.ErrorWithDetails(c, http.StatusUnauthorized, "TOKEN_REUSE_DETECTED",
				"Session was revoked, please log in again", gin.H{"security_alert": true})
		case errors.Is(err, ErrRefreshTokenExpired):
			h.clearRefreshCookie(c)
			response.Error(c, http.StatusUnauthorized, "REFRESH_TOKEN_EXPIRED", "Refresh token has expired")
		case errors.Is(err, ErrInvalidRefreshToken):
			h.clearRefreshCookie(c)
			response.Error(c, http.StatusUnauthorized, "INVALID_REFRESH_TOKEN", "Refresh token is invalid")
		default:
			_ = c.Error(err)
			response.Error(c, http.StatusInternalServerError, "REFRESH_FAILED", "Failed to refresh session")
		}
		return
	}

	h.setRefreshCookie(c, tokens.RefreshToken)
	response.Success(c, http.StatusOK, gin.H{"tokens": tokens})
}

// Logout revokes the presented refresh token. It always succeeds so that
// callers cannot probe which tokens exist.
// @Summary	Log out
// @Tags		Auth
// @Param		request	body	LogoutRequest	false	"refresh_token (falls back to cookie)"
// @Success	200	{object}	map[string]interface{}
// @Router		/auth/logout [POST]
func (h *Handler) Logout(c *gin.Context) {
	var req LogoutRequest
	_ = c.ShouldBindJSON(&req)
	raw := h.refreshTokenFrom(c, req.RefreshToken)

	if raw != "" {
		if _, err := h.engine.RevokeToken(c.Request.Context(), raw); err != nil {
			_ = c.Error(err)
			response.Error(c, http.StatusInternalServerError, "LOGOUT_FAILED", "Failed to logout")
			return
		}
	}

	h.clearRefreshCookie(c)
	response.Success(c, http.StatusOK, gin.H{"message": "Logged out"})
}

// ListSessions lists the caller's active sessions.
// @Summary	List sessions
// @Tags		Sessions
// @Security	BearerAuth
// @Success	200	{object}	map[string]interface{}
// @Router		/auth/sessions [GET]
func (h *Handler) ListSessions(c *gin.Context) {
	userID := c.GetInt64("user_id")

	current := ""
	if raw := h.refreshTokenFrom(c, c.GetHeader(refreshHeader)); raw != "" {
		current = h.engine.HashToken(raw)
	}

	sessions, err := h.engine.ListUserSessions(c.Request.Context(), userID, current)
	if err != nil {
		_ = c.Error(err)
		response.Error(c, http.StatusInternalServerError, "SESSIONS_FAILED", "Failed to list sessions")
		return
	}

	response.Success(c, http.StatusOK, gin.H{"sessions": sessions})
}

// RevokeSession revokes one of the caller's sessions.
// @Summary	Revoke session
// @Tags		Sessions
// @Security	BearerAuth
// @Param		family_id	path	string	true	"session family id"
// @Success	200	{object}	map[string]interface{}
// @Failure	404	{object}	map[string]interface{}
// @Router		/auth/sessions/{family_id} [DELETE]
func (h *Handler) RevokeSession(c *gin.Context) {
	userID := c.GetInt64("user_id")

	revoked, err := h.engine.RevokeSession(c.Request.Context(), userID, c.Param("family_id"))
	if err != nil {
		_ = c.Error(err)
		response.Error(c, http.StatusInternalServerError, "REVOKE_FAILED", "Failed to revoke session")
		return
	}
	if !revoked {
		response.Error(c, http.StatusNotFound, "SESSION_NOT_FOUND", "Session not found")
		return
	}

	response.Success(c, http.StatusOK, gin.H{"revoked": true})
}

// RevokeAllSessions signs the caller out everywhere.
// @Summary	Revoke all sessions
// @Tags		Sessions
// @Security	BearerAuth
// @Success	200	{object}	map[string]interface{}
// @Router		/auth/sessions [DELETE]
func (h *Handler) RevokeAllSessions(c *gin.Context) {
	userID := c.GetInt64("user_id")

	count, err := h.engine.RevokeAllUserTokens(c.Request.Context(), userID, domain.RevokeReasonUserRevokeAll)
	if err != nil {
		_ = c.Error(err)
		response.Error(c, http.StatusInternalServerError, "REVOKE_FAILED", "Failed to revoke sessions")
		return
	}

	h.clearRefreshCookie(c)
	response.Success(c, http.StatusOK, gin.H{"revoked": count})
}

// GetMe returns the authenticated user.
// @Summary	Current user
// @Tags		Auth
// @Security	BearerAuth
// @Router		/users/me [GET]
func (h *Handler) GetMe(c *gin.Context) {
	user, err := h.service.GetCurrentUser(c.Request.Context(), c.GetInt64("user_id"))
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			response.Error(c, http.StatusNotFound, "USER_NOT_FOUND", "User not found")
			return
		}
		_ = c.Error(err)
		response.Error(c, http.StatusInternalServerError, "USER_LOOKUP_FAILED", "Failed to load user")
		return
	}

	response.Success(c, http.StatusOK, gin.H{"user": UserPublic{
		ID:    user.ID,
		Role:  string(user.Role),
		Name:  user.Name,
		Email: user.Email,
	}})
}

// AdminRevokeUserSessions signs a user out of every device.
// @Summary	Revoke all sessions of a user
// @Tags		Admin
// @Security	BearerAuth
// @Param		id		path	int		true	"user id"
// @Param		reason	query	string	false	"revoke reason (default user_revoke_all)"
// @Success	200	{object}	map[string]interface{}
// @Router		/admin/users/{id}/sessions [DELETE]
func (h *Handler) AdminRevokeUserSessions(c *gin.Context) {
	userID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || userID <= 0 {
		response.Error(c, http.StatusBadRequest, "INVALID_ID", "Invalid user ID")
		return
	}
	reason, ok := revokeReasonQuery(c, domain.RevokeReasonUserRevokeAll)
	if !ok {
		return
	}

	count, err := h.engine.RevokeAllUserTokens(c.Request.Context(), userID, reason)
	if err != nil {
		_ = c.Error(err)
		response.Error(c, http.StatusInternalServerError, "REVOKE_FAILED", "Failed to revoke sessions")
		return
	}

	response.Success(c, http.StatusOK, gin.H{"revoked": count})
}

// AdminRevokeFamily revokes one session family regardless of owner.
// @Summary	Revoke session family
// @Tags		Admin
// @Security	BearerAuth
// @Param		family_id	path	string	true	"session family id"
// @Param		reason		query	string	false	"revoke reason (default user_revoke_session)"
// @Success	200	{object}	map[string]interface{}
// @Failure	404	{object}	map[string]interface{}
// @Router		/admin/sessions/{family_id} [DELETE]
func (h *Handler) AdminRevokeFamily(c *gin.Context) {
	reason, ok := revokeReasonQuery(c, domain.RevokeReasonUserRevokeSession)
	if !ok {
		return
	}

	count, err := h.engine.RevokeFamily(c.Request.Context(), c.Param("family_id"), reason)
	if err != nil {
		_ = c.Error(err)
		response.Error(c, http.StatusInternalServerError, "REVOKE_FAILED", "Failed to revoke session")
		return
	}
	if count == 0 {
		response.Error(c, http.StatusNotFound, "SESSION_NOT_FOUND", "Session not found")
		return
	}

	response.Success(c, http.StatusOK, gin.H{"revoked": count})
}

func revokeReasonQuery(c *gin.Context, fallback domain.RevokeReason) (domain.RevokeReason, bool) {
	raw := strings.TrimSpace(c.Query("reason"))
	if raw == "" {
		return fallback, true
	}
	reason, err := domain.ParseRevokeReason(raw)
	if err != nil {
		response.Error(c, http.StatusBadRequest, "INVALID_REVOKE_REASON", err.Error())
		return "", false
	}
	return reason, true
}

func (h *Handler) refreshTokenFrom(c *gin.Context, explicit string) string {
	if v := strings.TrimSpace(explicit); v != "" {
		return v
	}
	if v, err := c.Cookie(h.cookie.Name); err == nil {
		return strings.TrimSpace(v)
	}
	return ""
}

func (h *Handler) setRefreshCookie(c *gin.Context, value string) {
	c.SetSameSite(h.cookie.SameSite)
	c.SetCookie(h.cookie.Name, value, h.cookie.MaxAge, h.cookie.Path, "", h.cookie.Secure, true)
}

func (h *Handler) clearRefreshCookie(c *gin.Context) {
	c.SetSameSite(h.cookie.SameSite)
	c.SetCookie(h.cookie.Name, "", -1, h.cookie.Path, "", h.cookie.Secure, true)
}

func deviceMeta(c *gin.Context) domain.DeviceMeta {
	return domain.DeviceMeta{
		UserAgent: c.Request.UserAgent(),
		IPAddress: c.ClientIP(),
	}
}
