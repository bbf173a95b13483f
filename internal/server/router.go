package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/collabnotes/internal/auth"
	"github.com/MarcoPoloResearchLab/collabnotes/internal/identity"
	"github.com/MarcoPoloResearchLab/collabnotes/internal/notebook"
	"github.com/MarcoPoloResearchLab/collabnotes/internal/presence"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	userContextKey         = "collabnotes_user"
	defaultStreamHeartbeat = 15 * time.Second
)

var (
	errMissingNotebook = errors.New("notebook dependency required")
	errMissingIdentity = errors.New("identity resolver dependency required")
	errMissingPresence = errors.New("presence engine dependency required")
)

// Dependencies wires the HTTP API. Verifier and Sessions are optional sign-in
// sources; without either, only guest mode is available.
type Dependencies struct {
	Notebook        *notebook.Notebook
	Identity        *identity.Resolver
	Presence        *presence.Engine
	Verifier        auth.Verifier
	Sessions        *auth.SessionValidator
	AllowedOrigins  []string
	StreamHeartbeat time.Duration
	Logger          *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Notebook == nil {
		return nil, errMissingNotebook
	}
	if deps.Identity == nil {
		return nil, errMissingIdentity
	}
	if deps.Presence == nil {
		return nil, errMissingPresence
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	heartbeat := deps.StreamHeartbeat
	if heartbeat <= 0 {
		heartbeat = defaultStreamHeartbeat
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins...))

	handler := &httpHandler{
		notebook:        deps.Notebook,
		identity:        deps.Identity,
		presence:        deps.Presence,
		verifier:        deps.Verifier,
		sessions:        deps.Sessions,
		streamHeartbeat: heartbeat,
		logger:          logger,
	}

	router.POST("/auth/guest", handler.handleGuest)
	router.POST("/auth/session", handler.handleSessionSignIn)
	router.POST("/auth/signout", handler.handleSignOut)

	protected := router.Group("/")
	protected.Use(handler.requireIdentity)
	protected.GET("/auth/me", handler.handleMe)
	protected.GET("/state", handler.handleState)
	protected.GET("/events", handler.handleEvents)

	protected.GET("/notes", handler.handleList)
	protected.POST("/notes", handler.handleCreate)
	protected.GET("/notes/archived", handler.handleListArchived)
	protected.GET("/notes/search", handler.handleSearch)
	protected.GET("/notes/tags/:tag", handler.handleFilterByTag)
	protected.GET("/notes/:id", handler.handleGet)
	protected.PATCH("/notes/:id", handler.handleUpdate)
	protected.DELETE("/notes/:id", handler.handleDelete)
	protected.POST("/notes/:id/sync", handler.handleSync)
	protected.POST("/notes/:id/pin", handler.handleToggle(handler.notebook.TogglePin))
	protected.POST("/notes/:id/archive", handler.handleToggle(handler.notebook.ToggleArchive))
	protected.POST("/notes/:id/favorite", handler.handleToggle(handler.notebook.ToggleFavorite))
	protected.POST("/notes/:id/collaborators", handler.handleAddCollaborator)
	protected.DELETE("/notes/:id/collaborators/:email", handler.handleRemoveCollaborator)
	protected.GET("/notes/:id/watch", handler.handleWatchNote)
	protected.POST("/notes/:id/presence", handler.handleJoinPresence)
	protected.DELETE("/notes/:id/presence", handler.handleLeavePresence)
	protected.GET("/notes/:id/presence/stream", handler.handlePresenceStream)

	protected.POST("/sync/pull", handler.handleSyncAll)
	protected.POST("/sync/retry", handler.handleRetryFailed)

	return router, nil
}

// corsMiddleware admits the listed origins with credentials. An empty list or "*"
// admits every origin.
func corsMiddleware(allowedOrigins ...string) gin.HandlerFunc {
	allowAll := len(allowedOrigins) == 0
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "*" {
			allowAll = true
		}
		allowed[strings.TrimRight(trimmed, "/")] = struct{}{}
	}
	return cors.New(cors.Config{
		AllowOriginFunc: func(origin string) bool {
			if allowAll {
				return true
			}
			_, ok := allowed[strings.TrimRight(origin, "/")]
			return ok
		},
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", "Last-Event-ID"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}

type httpHandler struct {
	notebook        *notebook.Notebook
	identity        *identity.Resolver
	presence        *presence.Engine
	verifier        auth.Verifier
	sessions        *auth.SessionValidator
	streamHeartbeat time.Duration
	logger          *zap.Logger
}

type meResponsePayload struct {
	User      identity.User `json:"user"`
	GuestMode bool          `json:"guestMode"`
}

type sessionRequestPayload struct {
	Token string `json:"token"`
}

func (h *httpHandler) handleGuest(c *gin.Context) {
	user, err := h.identity.GetOrCreateGuestIdentity(c.Request.Context())
	if err != nil {
		h.logger.Error("guest identity failed", zap.Error(err))
		writeError(c, err, "guest_failed")
		return
	}
	if err := h.notebook.Refresh(c.Request.Context(), user.OwnerID()); err != nil {
		h.logger.Warn("state refresh failed", zap.String("user_id", user.ID), zap.Error(err))
	}
	c.JSON(http.StatusOK, user)
}

// handleSessionSignIn signs in with a token from the body or the Authorization
// header, falling back to the session cookie.
func (h *httpHandler) handleSessionSignIn(c *gin.Context) {
	var request sessionRequestPayload
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&request); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "code": "server.sign_in.invalid_request"})
			return
		}
	}
	token := strings.TrimSpace(request.Token)
	if token == "" {
		token = bearerToken(c.GetHeader("Authorization"))
	}

	provider, ok := h.signInProvider(c, token)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "code": "server.sign_in.missing_credential"})
		return
	}
	result, err := h.identity.SignIn(c.Request.Context(), provider)
	if err != nil {
		h.logSignInFailure(err)
		writeError(c, err, "sign_in_failed")
		return
	}
	if err := h.notebook.Refresh(c.Request.Context(), result.User.OwnerID()); err != nil {
		h.logger.Warn("state refresh failed", zap.String("user_id", result.User.ID), zap.Error(err))
	}
	c.JSON(http.StatusOK, result)
}

func (h *httpHandler) signInProvider(c *gin.Context, token string) (auth.Provider, bool) {
	if token != "" && h.verifier != nil {
		return auth.TokenSignIn{Verifier: h.verifier, Token: token}, true
	}
	if h.sessions == nil {
		return nil, false
	}
	if token != "" {
		return auth.TokenSignIn{Verifier: h.sessions, Token: token}, true
	}
	request := c.Request
	return auth.ProviderFunc(func(_ context.Context) (auth.Credential, error) {
		claims, err := h.sessions.ValidateRequest(request)
		if err != nil {
			return auth.Credential{}, err
		}
		return auth.CredentialFromClaims(claims)
	}), true
}

func (h *httpHandler) logSignInFailure(err error) {
	if errors.Is(err, auth.ErrExpiredSessionToken) {
		h.logger.Info("credential verification failed", zap.Error(err))
		return
	}
	h.logger.Warn("credential verification failed", zap.Error(err))
}

func (h *httpHandler) handleSignOut(c *gin.Context) {
	h.identity.SignOut(c.Request.Context())
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleMe(c *gin.Context) {
	guestMode, err := h.identity.IsInGuestMode(c.Request.Context())
	if err != nil {
		writeError(c, err, "identity_failed")
		return
	}
	c.JSON(http.StatusOK, meResponsePayload{User: currentUser(c), GuestMode: guestMode})
}

func (h *httpHandler) requireIdentity(c *gin.Context) {
	user, err := h.identity.CurrentUser(c.Request.Context())
	if err != nil {
		status, body := errorResponse(err, "unauthorized")
		c.AbortWithStatusJSON(status, body)
		return
	}
	c.Set(userContextKey, user)
	c.Next()
}

func currentUser(c *gin.Context) identity.User {
	value, _ := c.Get(userContextKey)
	user, _ := value.(identity.User)
	return user
}

func bearerToken(header string) string {
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}
