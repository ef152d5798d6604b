package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"tally/api/internal/auth"
	"tally/api/internal/logging"
	"tally/api/internal/vote"
)

const actorKey = "tally.actor"

type HTTPServer struct {
	service    *Service
	secret     []byte
	corsOrigin string
	logger     *slog.Logger
}

func NewHTTPServer(service *Service, jwtSecret, corsOrigin string, logger *slog.Logger) *HTTPServer {
	if logger == nil {
		logger = logging.Nop()
	}
	return &HTTPServer{
		service:    service,
		secret:     []byte(jwtSecret),
		corsOrigin: corsOrigin,
		logger:     logger,
	}
}

func (s *HTTPServer) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestContext(), s.accessLog(), cors.New(s.corsConfig()))

	r.GET("/api/health", s.handleHealth)
	r.HEAD("/api/health", s.handleHealth)
	r.GET("/api/ready", s.handleReady)

	api := r.Group("/api")
	api.GET("/votes/:targetType/:targetId", s.optionalActor(), s.handleGetVote)
	api.GET("/users/:id/reputation", s.handleReputation)

	protected := api.Group("")
	protected.Use(s.requireActor())
	protected.POST("/votes", s.handleSubmitVote)

	r.NoRoute(func(c *gin.Context) {
		writeError(c, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
	})
	return r
}

func (s *HTTPServer) corsConfig() cors.Config {
	cfg := cors.Config{
		AllowMethods:  []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:  []string{"Content-Type", "Authorization", "X-Request-ID"},
		ExposeHeaders: []string{"X-Request-ID", "Retry-After"},
		MaxAge:        12 * time.Hour,
	}
	origin := strings.TrimSpace(s.corsOrigin)
	if origin == "" || origin == "*" {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = strings.Split(origin, ",")
	}
	return cfg
}

func (s *HTTPServer) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *HTTPServer) handleReady(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	ready := true
	checks := map[string]any{}
	for name, check := range map[string]func(context.Context) error{
		"database":   s.service.Ping,
		"rate_guard": s.service.PingGuard,
	} {
		if err := check(ctx); err != nil {
			ready = false
			checks[name] = gin.H{"status": "error", "error": err.Error()}
			continue
		}
		checks[name] = gin.H{"status": "ok"}
	}

	status, statusCode := "ready", http.StatusOK
	if !ready {
		status, statusCode = "not_ready", http.StatusServiceUnavailable
	}
	c.JSON(statusCode, gin.H{
		"ok":     ready,
		"status": status,
		"checks": checks,
	})
}

type voteRequest struct {
	TargetType string `json:"targetType"`
	TargetID   string `json:"targetId"`
	Value      *int   `json:"value"`
}

func (s *HTTPServer) handleSubmitVote(c *gin.Context) {
	var body voteRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_BODY", "Invalid JSON body", nil)
		return
	}
	if body.Value == nil {
		respondError(c, vote.ErrInvalidVoteValue)
		return
	}

	outcome, err := s.service.SubmitVote(c.Request.Context(), VoteInput{
		ActorID:    c.GetString(actorKey),
		TargetType: body.TargetType,
		TargetID:   body.TargetID,
		Value:      *body.Value,
		IPAddress:  c.ClientIP(),
		UserAgent:  c.Request.UserAgent(),
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"score":      outcome.Score,
		"upvotes":    outcome.Upvotes,
		"downvotes":  outcome.Downvotes,
		"transition": outcome.Transition.Kind.String(),
		"vote":       voteValue(outcome.Vote),
	})
}

func (s *HTTPServer) handleGetVote(c *gin.Context) {
	agg, current, err := s.service.CurrentVote(c.Request.Context(), c.GetString(actorKey), c.Param("targetType"), c.Param("targetId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"targetType": agg.Target.Type,
		"targetId":   agg.Target.ID,
		"score":      agg.Score,
		"upvotes":    agg.Upvotes,
		"downvotes":  agg.Downvotes,
		"vote":       voteValue(current),
	})
}

type reputationEntryResponse struct {
	ID         string    `json:"id"`
	ActorID    string    `json:"actorId"`
	Amount     int       `json:"amount"`
	Reason     string    `json:"reason"`
	TargetType string    `json:"targetType"`
	TargetID   string    `json:"targetId"`
	CreatedAt  time.Time `json:"createdAt"`
}

func (s *HTTPServer) handleReputation(c *gin.Context) {
	limit := 0
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(c, http.StatusBadRequest, "INVALID_LIMIT", "Limit must be a non-negative integer", nil)
			return
		}
		limit = parsed
	}

	summary, err := s.service.Reputation(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	entries := make([]reputationEntryResponse, 0, len(summary.Entries))
	for _, entry := range summary.Entries {
		entries = append(entries, reputationEntryResponse{
			ID:         entry.ID,
			ActorID:    entry.ActorID,
			Amount:     entry.Amount,
			Reason:     entry.Reason,
			TargetType: string(entry.Target.Type),
			TargetID:   entry.Target.ID,
			CreatedAt:  entry.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"userId":     summary.UserID,
		"reputation": summary.Total,
		"tier":       summary.Tier,
		"privileges": summary.Privileges,
		"entries":    entries,
	})
}

// requireActor rejects requests without a valid bearer token.
func (s *HTTPServer) requireActor() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c.Request)
		if token == "" {
			writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			c.Abort()
			return
		}
		claims, err := auth.ParseToken(s.secret, token)
		if err != nil {
			respondError(c, err)
			c.Abort()
			return
		}
		c.Set(actorKey, claims.Subject)
		c.Next()
	}
}

// optionalActor resolves the actor when a token is present. An invalid token
// is still rejected.
func (s *HTTPServer) optionalActor() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c.Request)
		if token == "" {
			c.Next()
			return
		}
		claims, err := auth.ParseToken(s.secret, token)
		if err != nil {
			respondError(c, err)
			c.Abort()
			return
		}
		c.Set(actorKey, claims.Subject)
		c.Next()
	}
}

func (s *HTTPServer) requestContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := strings.TrimSpace(c.GetHeader("X-Request-ID"))
		if requestID == "" {
			requestID = randomRequestID()
		}
		c.Request = c.Request.WithContext(logging.WithRequestID(c.Request.Context(), requestID))
		c.Header("X-Request-ID", requestID)
		c.Header("Cache-Control", "no-store")
		c.Next()
	}
}

func (s *HTTPServer) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()
		attrs := []any{
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(started).Milliseconds(),
		}
		if len(c.Errors) > 0 {
			attrs = append(attrs, "error", c.Errors.String())
		}
		s.logger.InfoContext(c.Request.Context(), "request", attrs...)
	}
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func respondError(c *gin.Context, err error) {
	status, code, message, details := mapError(err)
	if retryAfter, ok := vote.RetryAfter(err); ok {
		c.Header("Retry-After", strconv.Itoa(retryAfterSeconds(retryAfter)))
	}
	var domainErr *DomainError
	if status >= http.StatusInternalServerError && !errors.As(err, &domainErr) {
		_ = c.Error(err)
	}
	writeError(c, status, code, message, details)
}

func writeError(c *gin.Context, status int, code, message string, details any) {
	response := gin.H{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	c.JSON(status, response)
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func voteValue(v *vote.Vote) int {
	if v == nil {
		return 0
	}
	return int(v.Value)
}
