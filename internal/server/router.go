package server

import (
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/codereview/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/codereview/backend/internal/issues"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	taskSubjectContextKey = "codereview_task_subject"

	defaultHeartbeatInterval  = 15 * time.Second
	defaultPhabricatorBaseURL = "https://phabricator.services.mozilla.com"

	errorLabelUnauthorized = "unauthorized"
	errorLabelInternal     = "internal"
)

var (
	errMissingIssuesService = errors.New("issues service dependency required")
	errMissingTaskTokens    = errors.New("task token validator dependency required")
)

// TaskTokenValidator authenticates analysis bots on write endpoints.
type TaskTokenValidator interface {
	ValidateRequest(r *http.Request) (string, error)
}

// Dependencies wires the HTTP surface to its collaborators. TrustForwardedProto lets
// X-Forwarded-Proto pick the link scheme; enable it only behind a proxy that overwrites
// the header.
type Dependencies struct {
	IssuesService       *issues.Service
	TaskTokens          TaskTokenValidator
	Realtime            *RealtimeDispatcher
	Logger              *zap.Logger
	PublicURL           string
	TrustForwardedProto bool
	PhabricatorURL      string
	PageSize            int
	MaxPageSize         int
	HeartbeatInterval   time.Duration
}

// NewHTTPHandler builds the gin engine serving the v1 API.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.IssuesService == nil {
		return nil, errMissingIssuesService
	}
	if deps.TaskTokens == nil {
		return nil, errMissingTaskTokens
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	realtime := deps.Realtime
	if realtime == nil {
		realtime = NewRealtimeDispatcher()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}
	phabricatorURL := strings.TrimRight(strings.TrimSpace(deps.PhabricatorURL), "/")
	if phabricatorURL == "" {
		phabricatorURL = defaultPhabricatorBaseURL
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(logger))
	router.Use(corsMiddleware())

	handler := &httpHandler{
		issuesService:       deps.IssuesService,
		tokens:              deps.TaskTokens,
		realtime:            realtime,
		logger:              logger,
		publicURL:           strings.TrimRight(strings.TrimSpace(deps.PublicURL), "/"),
		trustForwardedProto: deps.TrustForwardedProto,
		phabricatorURL:      phabricatorURL,
		pageSize:            deps.PageSize,
		maxPageSize:         deps.MaxPageSize,
		heartbeatInterval:   heartbeat,
	}

	v1 := router.Group("/v1")
	v1.GET("/diff/", handler.handleListDiffs)
	v1.GET("/diff/:id/", handler.handleGetDiff)
	v1.GET("/diff/:id/issues/", handler.handleListDiffIssues)
	v1.GET("/revision/:id/diffs/", handler.handleListRevisionDiffs)
	v1.GET("/repository/", handler.handleListRepositories)
	v1.GET("/repository/:id/revisions/", handler.handleListRevisions)
	v1.GET("/phid/:phid/", handler.handleResolvePHID)
	v1.GET("/events/", handler.handleEventStream)

	protected := v1.Group("/")
	protected.Use(handler.authorizeTask)
	protected.POST("/repository/", handler.handleCreateRepository)
	protected.POST("/repository/:id/revisions/", handler.handleCreateRevision)
	protected.POST("/revision/:id/diffs/", handler.handleCreateDiff)
	protected.POST("/task/:review_task_id/issues/", handler.handleIngestIssues)
	protected.POST("/task/:review_task_id/retire/", handler.handleRetireTask)

	return router, nil
}

type httpHandler struct {
	issuesService       *issues.Service
	tokens              TaskTokenValidator
	realtime            *RealtimeDispatcher
	logger              *zap.Logger
	publicURL           string
	trustForwardedProto bool
	phabricatorURL      string
	pageSize            int
	maxPageSize         int
	heartbeatInterval   time.Duration
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:    []string{"Authorization", "Content-Type", "Last-Event-ID"},
		MaxAge:          12 * time.Hour,
	})
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("request completed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Int("bytes", c.Writer.Size()),
			zap.Duration("latency", time.Since(start)),
			zap.String("remote_addr", c.ClientIP()),
		)
	}
}

func (h *httpHandler) authorizeTask(c *gin.Context) {
	subject, err := h.tokens.ValidateRequest(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredTaskToken) || errors.Is(err, auth.ErrMissingTaskToken) {
			h.logger.Info("task token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("task token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, errorPayload{Error: errorLabelUnauthorized, Code: "auth.task_token.invalid"})
		return
	}
	c.Set(taskSubjectContextKey, subject)
	c.Next()
}

type errorPayload struct {
	Error string `json:"error"`
	Code  string `json:"code"`
	Field string `json:"field,omitempty"`
}

func statusForKind(kind issues.ErrorKind) int {
	switch kind {
	case issues.KindNotFound:
		return http.StatusNotFound
	case issues.KindValidation:
		return http.StatusBadRequest
	case issues.KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// writeServiceError renders a service failure. Storage failures are logged by the service itself.
func (h *httpHandler) writeServiceError(c *gin.Context, err error) {
	var serviceErr *issues.ServiceError
	if !errors.As(err, &serviceErr) {
		h.logger.Error("unclassified handler error", zap.String("path", c.Request.URL.Path), zap.Error(err))
		c.JSON(http.StatusInternalServerError, errorPayload{Error: errorLabelInternal, Code: "server.unclassified"})
		return
	}
	c.JSON(statusForKind(serviceErr.Kind()), errorPayload{
		Error: string(serviceErr.Kind()),
		Code:  serviceErr.Code(),
		Field: serviceErr.Field(),
	})
}

func writeRequestError(c *gin.Context, reason, field string) {
	c.JSON(http.StatusBadRequest, errorPayload{
		Error: string(issues.KindValidation),
		Code:  "request." + reason,
		Field: field,
	})
}

func pathID(c *gin.Context, name string) (int64, bool) {
	value, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || value <= 0 {
		writeRequestError(c, "invalid_id", name)
		return 0, false
	}
	return value, true
}

func (h *httpHandler) pageRequest(c *gin.Context) (issues.PageRequest, bool) {
	page, err := issues.NewPageRequest(c.Query("page"), c.Query("page_size"), h.pageSize, h.maxPageSize)
	if err != nil {
		h.writeServiceError(c, err)
		return issues.PageRequest{}, false
	}
	return page, true
}

// baseURL prefers the configured public url and otherwise derives one from the request.
func (h *httpHandler) baseURL(c *gin.Context) string {
	if h.publicURL != "" {
		return h.publicURL
	}
	scheme := "http"
	if c.Request.TLS != nil {
		scheme = "https"
	}
	if h.trustForwardedProto {
		switch forwarded := strings.ToLower(strings.TrimSpace(c.GetHeader("X-Forwarded-Proto"))); forwarded {
		case "http", "https":
			scheme = forwarded
		}
	}
	return scheme + "://" + c.Request.Host
}

// pageLink rebuilds the current request url for another page. Page 1 drops the parameter.
func (h *httpHandler) pageLink(c *gin.Context, page int) *string {
	query := c.Request.URL.Query()
	if page <= 1 {
		query.Del("page")
	} else {
		query.Set("page", strconv.Itoa(page))
	}
	link := url.URL{Path: c.Request.URL.Path, RawQuery: query.Encode()}
	value := h.baseURL(c) + link.RequestURI()
	return &value
}
