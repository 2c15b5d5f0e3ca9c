package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/collab/internal/auth"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/collab"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/notes"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/realtime"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	identityContextKey = "gravity_identity"
	readerClientID     = "http-reader"
)

var (
	errMissingAuthenticator = errors.New("authenticator dependency required")
	errMissingProtocol      = errors.New("realtime protocol dependency required")
	errMissingLiveDocuments = errors.New("live documents dependency required")
	errMissingNoteDocuments = errors.New("note documents dependency required")
)

// Authenticator resolves the caller of a request.
type Authenticator interface {
	Authenticate(r *http.Request) (auth.Identity, error)
}

// LiveDocuments reads documents resident in memory.
type LiveDocuments interface {
	Text(ctx context.Context, documentID string) (string, bool, error)
}

// NoteDocuments reads persisted notes and their access rules.
type NoteDocuments interface {
	CanAccess(ctx context.Context, noteID notes.NoteID, userID notes.UserID) (notes.Access, error)
	LoadDocument(ctx context.Context, noteID notes.NoteID) ([]byte, error)
}

// Dependencies wires the HTTP surface.
type Dependencies struct {
	Authenticator  Authenticator
	Protocol       *realtime.Protocol
	LiveDocuments  LiveDocuments
	NoteDocuments  NoteDocuments
	AllowedOrigins []string
	Logger         *zap.Logger
}

// NewHTTPHandler builds the gin router serving health, websocket and
// document reads.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	switch {
	case deps.Authenticator == nil:
		return nil, errMissingAuthenticator
	case deps.Protocol == nil:
		return nil, errMissingProtocol
	case deps.LiveDocuments == nil:
		return nil, errMissingLiveDocuments
	case deps.NoteDocuments == nil:
		return nil, errMissingNoteDocuments
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		authenticator: deps.Authenticator,
		protocol:      deps.Protocol,
		live:          deps.LiveDocuments,
		documents:     deps.NoteDocuments,
		logger:        logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(deps.AllowedOrigins),
		},
	}

	router.GET("/healthz", handler.handleHealth)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/ws", handler.handleWebSocket)
	protected.GET("/documents/:id", handler.handleDocument)

	return router, nil
}

type httpHandler struct {
	authenticator Authenticator
	protocol      *realtime.Protocol
	live          LiveDocuments
	documents     NoteDocuments
	logger        *zap.Logger
	upgrader      websocket.Upgrader
}

type documentResponsePayload struct {
	ID   string `json:"id"`
	Text string `json:"text"`
	Live bool   `json:"live"`
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleDocument(c *gin.Context) {
	identity, ok := identityFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	noteID, err := notes.NewNoteID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_document_id"})
		return
	}
	userID, err := notes.NewUserID(identity.UserID)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	ctx := c.Request.Context()
	access, err := h.documents.CanAccess(ctx, noteID, userID)
	switch {
	case errors.Is(err, notes.ErrNoteNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	case err != nil:
		h.logger.Error("document access check failed", zap.String("document_id", noteID.String()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "access_check_failed"})
		return
	case !access.CanJoin():
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}

	text, live, err := h.live.Text(ctx, noteID.String())
	if err != nil {
		h.logger.Error("live document read failed", zap.String("document_id", noteID.String()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "read_failed"})
		return
	}
	if !live {
		stored, err := h.documents.LoadDocument(ctx, noteID)
		if err != nil {
			h.logger.Error("stored document read failed", zap.String("document_id", noteID.String()), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "read_failed"})
			return
		}
		text = collab.LoadStoredDocument(readerClientID, stored, h.logger).Text()
	}

	c.JSON(http.StatusOK, documentResponsePayload{ID: noteID.String(), Text: text, Live: live})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	identity, err := h.authenticator.Authenticate(c.Request)
	if err != nil {
		fields := []zap.Field{zap.String("path", c.FullPath()), zap.Error(err)}
		if errors.Is(err, auth.ErrExpiredSessionToken) || errors.Is(err, auth.ErrMissingSessionToken) {
			h.logger.Info("request authentication failed", fields...)
		} else {
			h.logger.Warn("request authentication failed", fields...)
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(identityContextKey, identity)
	c.Next()
}

func identityFromContext(c *gin.Context) (auth.Identity, bool) {
	value, exists := c.Get(identityContextKey)
	if !exists {
		return auth.Identity{}, false
	}
	identity, ok := value.(auth.Identity)
	if !ok || identity.UserID == "" {
		return auth.Identity{}, false
	}
	return identity, true
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if origins := normalizeOrigins(allowedOrigins); len(origins) > 0 {
		config.AllowOrigins = origins
	} else {
		config.AllowOriginFunc = func(string) bool { return true }
	}
	return cors.New(config)
}

// originChecker admits websocket upgrades from the configured origins. An
// empty list admits everyone; requests without an Origin header are not from
// a browser and pass.
func originChecker(allowedOrigins []string) func(*http.Request) bool {
	origins := normalizeOrigins(allowedOrigins)
	if len(origins) == 0 {
		return func(*http.Request) bool { return true }
	}
	allowed := make(map[string]struct{}, len(origins))
	for _, origin := range origins {
		allowed[strings.ToLower(origin)] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		if origin == "" {
			return true
		}
		_, ok := allowed[strings.ToLower(origin)]
		return ok
	}
}

func normalizeOrigins(values []string) []string {
	origins := make([]string, 0, len(values))
	for _, value := range values {
		if trimmed := strings.TrimRight(strings.TrimSpace(value), "/"); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	return origins
}
