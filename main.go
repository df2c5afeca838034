package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// app bundles the request-scoped collaborators: config, model gateway, model
// catalog, council, and the (optional) conversation store.
type app struct {
	cfg     *Config
	gateway ModelGateway
	catalog *ModelCatalog
	council *Council

	// store is nil when storage is disabled or was unreachable at startup;
	// the pipeline keeps serving without durability.
	store ConversationStore
}

func main() {
	cfg, err := LoadConfig()
	if err != nil {
		log.Fatalf("Configuration error: %v", err)
	}

	gateway := NewOpenAIGateway(cfg.BackendBaseURL, cfg.BackendAPIKey)
	a := &app{
		cfg:     cfg,
		gateway: gateway,
		catalog: NewModelCatalog(gateway, cfg.CatalogTTL),
		council: NewCouncil(cfg, gateway),
	}

	if cfg.EnableDBStorage {
		store, err := NewPostgresStore(context.Background(), cfg.DatabaseURL)
		if err != nil {
			log.Printf("WARN: %v: %v - running without durability", ErrPersistenceUnavailable, err)
		} else {
			a.store = store
			defer store.Close()
		}
	} else {
		log.Println("DB storage disabled, conversations will not be persisted")
	}

	router := newRouter(a)
	log.Printf("Starting LLM Council backend on port %s...", cfg.Port)
	if err := router.Run(":" + cfg.Port); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}

// newRouter builds the gin engine with middleware and all routes.
func newRouter(a *app) *gin.Engine {
	router := gin.Default()

	// Request size limit middleware
	router.Use(func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, a.cfg.MaxRequestBodySize)
		c.Next()
	})

	// CORS middleware with dynamic origin validation
	router.Use(cors.New(cors.Config{
		AllowOriginFunc: func(origin string) bool {
			// In production, use environment-configured origins
			if len(a.cfg.CORSAllowedOrigins) > 0 {
				for _, allowedOrigin := range a.cfg.CORSAllowedOrigins {
					if origin == allowedOrigin {
						return true
					}
				}
				return false
			}
			// In development, allow any localhost/127.0.0.1 origin
			return len(origin) > 0 && (len(origin) >= 16 && origin[:16] == "http://localhost" ||
				len(origin) >= 14 && origin[:14] == "http://127.0.0")
		},
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	}))

	router.GET("/", a.healthHandler)
	router.GET("/health", a.healthHandler)

	// OpenAI-compatible surface
	router.POST("/v1/chat/completions", a.chatCompletionsHandler)
	router.DELETE("/v1/chat/completions/:id", a.deleteConversationHandler)
	router.GET("/v1/models", a.listModelsHandler)

	// Web UI surface
	router.GET("/api/conversations", a.listConversationsHandler)
	router.POST("/api/conversations", a.createConversationHandler)
	router.GET("/api/conversations/:id", a.getConversationHandler)
	router.POST("/api/conversations/:id/message", a.sendMessageHandler)
	router.POST("/api/conversations/:id/message/stream", a.sendMessageStreamHandler)

	return router
}

// healthHandler reports liveness plus backend and database reachability.
// Persistence being down never fails the probe; the pipeline still serves.
// GET /health
func (a *app) healthHandler(c *gin.Context) {
	probeCtx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	backendUp := true
	if _, err := a.catalog.Missing(probeCtx, nil); err != nil {
		backendUp = false
	}

	databaseUp := false
	if a.store != nil {
		databaseUp = a.store.Ping(probeCtx) == nil
	}

	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"service":  "LLM Council API",
		"backend":  backendUp,
		"database": databaseUp,
	})
}

// validatedCouncil returns a per-request council whose member set has been
// checked against the backend's installed-model catalog. Missing members are
// excluded with a warning; a missing chairman is fatal. When the catalog
// itself is unreachable, validation is skipped and the full council proceeds
// (the calls fail individually if the backend really is down).
func (a *app) validatedCouncil(ctx context.Context) (*Council, error) {
	missing, err := a.catalog.Missing(ctx, append([]string{a.council.Chairman}, a.council.Members...))
	if err != nil {
		log.Printf("WARN: model catalog unreachable, skipping member validation: %v", err)
		return a.council, nil
	}
	if len(missing) == 0 {
		return a.council, nil
	}

	missingSet := make(map[string]bool, len(missing))
	for _, m := range missing {
		missingSet[m] = true
	}
	if missingSet[a.council.Chairman] {
		return nil, fmt.Errorf("%w: %s not installed on backend", ErrChairmanUnavailable, a.council.Chairman)
	}

	var members []string
	for _, m := range a.council.Members {
		if missingSet[m] {
			log.Printf("WARN: %v: %s not installed on backend", ErrMemberUnavailable, m)
			continue
		}
		members = append(members, m)
	}
	if len(members) == 0 {
		return nil, fmt.Errorf("%w: no council member is installed on backend", ErrNoResponses)
	}

	council := *a.council
	council.Members = members
	return &council, nil
}

// persistTurn durably records one user/assistant exchange, creating the
// conversation row idempotently first. Every failure here is a lost side
// effect, logged as a warning; it never surfaces to the caller.
func (a *app) persistTurn(convID string, source Source, prompt string, result *CouncilResult) {
	if a.store == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	created, err := a.store.CreateConversation(ctx, &Conversation{
		ID:     convID,
		Source: source,
		Title:  "New Conversation",
	})
	if err != nil {
		log.Printf("WARN: failed to persist conversation %s: %v", convID, err)
		return
	}

	if created {
		go a.generateTitle(convID, prompt)
	}

	if err := a.store.AppendMessage(ctx, convID, Message{Role: "user", Content: prompt}); err != nil {
		log.Printf("WARN: failed to persist user message for %s: %v", convID, err)
		return
	}

	metadata := result.Metadata
	if err := a.store.AppendMessage(ctx, convID, Message{
		Role:     "assistant",
		Stage1:   result.Stage1,
		Stage2:   result.Stage2,
		Stage3:   &result.Stage3,
		Metadata: &metadata,
	}); err != nil {
		log.Printf("WARN: failed to persist assistant message for %s: %v", convID, err)
	}
}

// generateTitle produces and stores a display title in the background.
func (a *app) generateTitle(convID, prompt string) {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.TitleGenTimeout+5*time.Second)
	defer cancel()

	title, err := a.council.GenerateTitle(ctx, prompt)
	if err != nil {
		log.Printf("Failed to generate title: %v", err)
		return
	}
	if err := a.store.UpdateTitle(ctx, convID, title); err != nil {
		log.Printf("WARN: failed to store title for %s: %v", convID, err)
	}
}

// listConversationsHandler lists all conversations with metadata only.
// GET /api/conversations
func (a *app) listConversationsHandler(c *gin.Context) {
	if a.store == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "storage is disabled"})
		return
	}

	conversations, err := a.store.ListConversations(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": fmt.Sprintf("Failed to list conversations: %v", err),
		})
		return
	}
	c.JSON(http.StatusOK, conversations)
}

// createConversationHandler creates a new empty conversation with a random
// ID. Conversations opened through /v1/chat/completions get deterministic IDs
// instead; this endpoint serves UI clients that create first and talk later.
// POST /api/conversations
func (a *app) createConversationHandler(c *gin.Context) {
	if a.store == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "storage is disabled"})
		return
	}

	var request CreateConversationRequest
	_ = c.ShouldBindJSON(&request) // body is optional
	if request.Source == "" {
		request.Source = SourceOpenWebUI
	}

	conv := &Conversation{
		ID:       uuid.New().String(),
		Source:   request.Source,
		Title:    "New Conversation",
		Messages: []Message{},
		UserID:   request.UserID,
	}
	if _, err := a.store.CreateConversation(c.Request.Context(), conv); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": fmt.Sprintf("Failed to create conversation: %v", err),
		})
		return
	}

	stored, err := a.store.GetConversation(c.Request.Context(), conv.ID)
	if err != nil || stored == nil {
		c.JSON(http.StatusOK, conv)
		return
	}
	c.JSON(http.StatusOK, stored)
}

// getConversationHandler returns a full conversation including all messages.
// GET /api/conversations/:id
func (a *app) getConversationHandler(c *gin.Context) {
	if a.store == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "storage is disabled"})
		return
	}

	conversation, err := a.store.GetConversation(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": fmt.Sprintf("Failed to get conversation: %v", err),
		})
		return
	}
	if conversation == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Conversation not found"})
		return
	}
	c.JSON(http.StatusOK, conversation)
}

// sendMessageHandler runs the 3-stage pipeline inside an existing
// conversation and returns all stage payloads at once.
// POST /api/conversations/:id/message
func (a *app) sendMessageHandler(c *gin.Context) {
	conversationID := c.Param("id")

	var request SendMessageRequest
	if err := c.ShouldBindJSON(&request); err != nil || request.Content == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: content is required"})
		return
	}

	if a.store != nil {
		conversation, err := a.store.GetConversation(c.Request.Context(), conversationID)
		if err != nil {
			log.Printf("WARN: failed to load conversation %s, continuing without persistence: %v", conversationID, err)
		} else if conversation == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "Conversation not found"})
			return
		}
	}

	council, err := a.validatedCouncil(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), a.cfg.RequestDeadline)
	defer cancel()

	result, err := council.Run(ctx, request.Content)
	if err != nil {
		c.JSON(councilErrorStatus(err), gin.H{
			"error": fmt.Sprintf("Council process failed: %v", err),
		})
		return
	}

	a.persistExistingTurn(conversationID, request.Content, result)

	c.JSON(http.StatusOK, SendMessageResponse{
		Stage1:   result.Stage1,
		Stage2:   result.Stage2,
		Stage3:   result.Stage3,
		Metadata: result.Metadata,
	})
}

// sendMessageStreamHandler runs the pipeline and streams stage lifecycle
// events via SSE: stage1_start, stage1_complete, stage2_start,
// stage2_complete, stage3_start, stage3_complete, complete.
// POST /api/conversations/:id/message/stream
func (a *app) sendMessageStreamHandler(c *gin.Context) {
	conversationID := c.Param("id")

	var request SendMessageRequest
	if err := c.ShouldBindJSON(&request); err != nil || request.Content == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: content is required"})
		return
	}

	if a.store != nil {
		conversation, err := a.store.GetConversation(c.Request.Context(), conversationID)
		if err != nil {
			log.Printf("WARN: failed to load conversation %s, continuing without persistence: %v", conversationID, err)
		} else if conversation == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "Conversation not found"})
			return
		}
	}

	council, err := a.validatedCouncil(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}

	// Set SSE headers
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	ctx, cancel := context.WithTimeout(c.Request.Context(), a.cfg.RequestDeadline)
	defer cancel()

	sendSSEEvent(c, gin.H{"type": "stage1_start"})
	stage1, failed, err := council.Stage1CollectResponses(ctx, request.Content)
	if err != nil {
		sendSSEError(c, fmt.Sprintf("Stage 1 failed: %v", err))
		return
	}
	sendSSEEvent(c, gin.H{"type": "stage1_complete", "data": stage1})

	responseOrder := make([]string, len(stage1))
	for i, result := range stage1 {
		responseOrder[i] = result.Model
	}

	sendSSEEvent(c, gin.H{"type": "stage2_start"})
	stage2, labelToModel, err := council.Stage2CollectRankings(ctx, request.Content, stage1)
	if err != nil {
		sendSSEError(c, fmt.Sprintf("Stage 2 failed: %v", err))
		return
	}
	aggregate := CalculateAggregateRankings(stage2, labelToModel, responseOrder)
	sendSSEEvent(c, gin.H{
		"type": "stage2_complete",
		"data": stage2,
		"metadata": gin.H{
			"label_to_model":     labelToModel,
			"aggregate_rankings": aggregate,
		},
	})

	sendSSEEvent(c, gin.H{"type": "stage3_start"})
	stage3, err := council.Stage3Synthesize(ctx, request.Content, stage1, stage2, aggregate)
	if err != nil {
		sendSSEError(c, fmt.Sprintf("Stage 3 failed: %v", err))
		return
	}
	sendSSEEvent(c, gin.H{"type": "stage3_complete", "data": stage3})

	result := &CouncilResult{
		Stage1: stage1,
		Stage2: stage2,
		Stage3: *stage3,
		Metadata: Metadata{
			LabelToModel:      labelToModel,
			AggregateRankings: aggregate,
			FailedMembers:     failed,
		},
	}
	a.persistExistingTurn(conversationID, request.Content, result)

	sendSSEEvent(c, gin.H{"type": "complete"})
}

// persistExistingTurn appends a turn to a conversation created through the
// /api surface. Failures are lost durability, logged, never surfaced.
func (a *app) persistExistingTurn(conversationID, content string, result *CouncilResult) {
	if a.store == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := a.store.AppendMessage(ctx, conversationID, Message{Role: "user", Content: content}); err != nil {
		log.Printf("WARN: failed to persist user message for %s: %v", conversationID, err)
		return
	}

	metadata := result.Metadata
	if err := a.store.AppendMessage(ctx, conversationID, Message{
		Role:     "assistant",
		Stage1:   result.Stage1,
		Stage2:   result.Stage2,
		Stage3:   &result.Stage3,
		Metadata: &metadata,
	}); err != nil {
		log.Printf("WARN: failed to persist assistant message for %s: %v", conversationID, err)
	}
}

// councilErrorStatus maps pipeline errors to HTTP status codes.
func councilErrorStatus(err error) int {
	switch {
	case errors.Is(err, ErrNoResponses), errors.Is(err, ErrChairmanUnavailable):
		return http.StatusBadGateway
	case errors.Is(err, ErrInvalidConversation):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// sendSSEEvent sends a Server-Sent Event with a JSON payload.
func sendSSEEvent(c *gin.Context, data interface{}) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		log.Printf("Failed to marshal SSE event: %v", err)
		return
	}
	c.Writer.WriteString(fmt.Sprintf("data: %s\n\n", string(jsonData)))
	c.Writer.Flush()
}

// sendSSEError sends an error event via SSE.
func sendSSEError(c *gin.Context, message string) {
	sendSSEEvent(c, gin.H{"type": "error", "message": message})
}
