package api

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"hive-trading-bot/config"
	"hive-trading-bot/internal/cache"
	"hive-trading-bot/internal/circuit"
	"hive-trading-bot/internal/cycle"
	"hive-trading-bot/internal/database"
	"hive-trading-bot/internal/events"
	"hive-trading-bot/internal/ledger"
	"hive-trading-bot/internal/memory"
	"hive-trading-bot/internal/orchestrator"
	"hive-trading-bot/internal/queue"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RateLimiter provides simple in-memory rate limiting per endpoint
type RateLimiter struct {
	requests map[string][]time.Time
	mu       sync.Mutex
	limit    int           // max requests
	window   time.Duration // time window
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		requests: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
	}
}

// Allow checks if a request is allowed for the given key
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	windowStart := now.Add(-r.window)

	var recent []time.Time
	for _, t := range r.requests[key] {
		if t.After(windowStart) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= r.limit {
		r.requests[key] = recent
		return false
	}

	r.requests[key] = append(recent, now)
	return true
}

// Server represents the HTTP API server
type Server struct {
	router      *gin.Engine
	httpServer  *http.Server
	repo        *database.Repository
	cache       *cache.CacheService
	eventBus    *events.EventBus
	queues      *queue.Manager
	chat        *orchestrator.Processor
	ledgers     *ledger.Service
	memories    *memory.Service
	breaker     *circuit.Breaker
	config      config.ServerConfig
	rateLimiter *RateLimiter
}

// NewServer creates a new API server
func NewServer(
	cfg config.ServerConfig,
	repo *database.Repository,
	cacheService *cache.CacheService,
	eventBus *events.EventBus,
	queues *queue.Manager,
	chat *orchestrator.Processor,
	ledgers *ledger.Service,
	memories *memory.Service,
	breaker *circuit.Breaker,
	productionMode bool,
) *Server {
	if productionMode {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	router := gin.New()
	router.Use(gin.Logger())
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	if cfg.AllowedOrigins == "*" {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = strings.Split(cfg.AllowedOrigins, ",")
		corsConfig.AllowCredentials = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	corsConfig.ExposeHeaders = []string{"Content-Length"}
	router.Use(cors.New(corsConfig))

	server := &Server{
		router:      router,
		repo:        repo,
		cache:       cacheService,
		eventBus:    eventBus,
		queues:      queues,
		chat:        chat,
		ledgers:     ledgers,
		memories:    memories,
		breaker:     breaker,
		config:      cfg,
		rateLimiter: NewRateLimiter(120, time.Minute),
	}

	server.setupRoutes()

	// WebSocket hub for real-time event broadcasting
	InitWebSocket(eventBus)

	return server
}

// rateLimitMiddleware rate limits requests by endpoint path
func (s *Server) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		if !s.rateLimiter.Allow(path) {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":   "Rate limit exceeded",
				"message": "Too many requests to this endpoint. Please slow down.",
				"path":    path,
			})
			c.Abort()
			return
		}
		c.Next()
	}
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/ws", s.handleWebSocket)

	api := s.router.Group("/api")
	api.Use(s.rateLimitMiddleware())
	{
		// Chat endpoints
		chat := api.Group("/chat")
		{
			chat.POST("/command", s.handleChatCommand)
			chat.GET("/status/:jobId", s.handleChatStatus)
			chat.POST("/execute", s.handleChatExecute)
			chat.GET("/history/:conversationId", s.handleChatHistory)
		}

		// Portfolio endpoints
		api.GET("/portfolio", s.handleGetPortfolio)
		api.GET("/trades", s.handleGetTrades)
		api.GET("/decisions", s.handleGetDecisions)

		// On-demand analysis endpoints
		analysis := api.Group("/analysis")
		{
			analysis.POST("/on-demand", s.handleRequestAnalysis)
			analysis.GET("/status/:jobId", s.handleAnalysisStatus)
		}

		// Memory endpoints
		api.POST("/memories", s.handleAddMemory)
		api.GET("/memories", s.handleListMemories)

		// Market state
		api.GET("/market/regime", s.handleGetRegime)

		// Halt breaker
		api.GET("/breaker", s.handleGetBreaker)
		api.POST("/breaker/reset", s.handleResetBreaker)

		// Account management
		api.POST("/accounts", s.handleCreateAccount)
		api.GET("/accounts", s.handleListAccounts)

		// Cycle history
		api.GET("/cycles", s.handleGetCycleHistory)
	}
}

// Start starts the HTTP server
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.config.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.config.WriteTimeout) * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	log.Printf("Starting HTTP server on %s", addr)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	log.Println("Shutting down HTTP server...")

	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}

	return nil
}

// handleHealth returns server health status
func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	dbHealthy := s.repo.HealthCheck(ctx) == nil
	redisHealthy := s.cache.Ping(ctx) == nil

	if !dbHealthy || !redisHealthy {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":   "unhealthy",
			"database": healthWord(dbHealthy),
			"redis":    healthWord(redisHealthy),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":   "healthy",
		"database": "healthy",
		"redis":    "healthy",
	})
}

func healthWord(ok bool) string {
	if ok {
		return "healthy"
	}
	return "unhealthy"
}

// ==================== Chat handlers ====================

type chatCommandRequest struct {
	AccountID      string `json:"accountId" binding:"required"`
	ConversationID string `json:"conversationId"`
	Message        string `json:"message" binding:"required"`
}

// handleChatCommand accepts a conversational command and queues it.
// Responds 202 with the job and conversation IDs to poll with.
func (s *Server) handleChatCommand(c *gin.Context) {
	var req chatCommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "accountId and message are required")
		return
	}
	if req.ConversationID == "" {
		req.ConversationID = uuid.NewString()
	}

	jobID, err := s.queues.Enqueue(c.Request.Context(), queue.QueueChatCommands, "chat-command",
		cycle.ChatPayload{
			AccountID:      req.AccountID,
			ConversationID: req.ConversationID,
			Message:        req.Message,
		}, nil)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, "failed to queue command")
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"jobId":          jobID,
		"conversationId": req.ConversationID,
		"status":         "PENDING",
	})
}

// handleChatStatus polls a queued chat job's result. Without a stored
// result the queue itself is consulted, so exhausted jobs report FAILED
// and unknown IDs 404 instead of pending forever.
func (s *Server) handleChatStatus(c *gin.Context) {
	jobID := c.Param("jobId")

	raw, err := s.cache.Get(c.Request.Context(), cache.ChatResultKey(jobID))
	if err != nil {
		if err == redis.Nil {
			s.respondJobState(c, queue.QueueChatCommands, jobID)
			return
		}
		errorResponse(c, http.StatusInternalServerError, "failed to read job status")
		return
	}

	c.Data(http.StatusOK, "application/json",
		[]byte(fmt.Sprintf(`{"jobId":%q,"status":"COMPLETED","result":%s}`, jobID, raw)))
}

// respondJobState renders the queue-level state of a job that has no
// stored result yet.
func (s *Server) respondJobState(c *gin.Context, queueName, jobID string) {
	state, job, err := s.queues.Lookup(c.Request.Context(), queueName, jobID)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, "failed to read job status")
		return
	}

	switch state {
	case queue.StateFailed:
		c.JSON(http.StatusOK, gin.H{"jobId": jobID, "status": "FAILED", "error": job.LastError})
	case queue.StateNotFound:
		c.JSON(http.StatusNotFound, gin.H{"jobId": jobID, "status": "NOT_FOUND"})
	default:
		c.JSON(http.StatusOK, gin.H{"jobId": jobID, "status": "PENDING"})
	}
}

type chatExecuteRequest struct {
	ActionPlanID string `json:"actionPlanId" binding:"required"`
}

// handleChatExecute confirms a paused action plan and runs its
// remaining steps.
func (s *Server) handleChatExecute(c *gin.Context) {
	var req chatExecuteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "actionPlanId is required")
		return
	}

	result, err := s.chat.Confirm(c.Request.Context(), req.ActionPlanID)
	if err != nil {
		switch {
		case errors.Is(err, orchestrator.ErrPlanConflict):
			errorResponse(c, http.StatusConflict, "this plan is already being executed")
		case errors.Is(err, orchestrator.ErrPlanNotFound):
			errorResponse(c, http.StatusNotFound, "plan not found or expired")
		default:
			errorResponse(c, http.StatusInternalServerError, "plan execution failed")
		}
		return
	}

	successResponse(c, result)
}

// handleChatHistory returns a conversation's recent turns.
func (s *Server) handleChatHistory(c *gin.Context) {
	conversationID := c.Param("conversationId")

	raw, err := s.cache.GetList(c.Request.Context(), cache.ChatHistoryKey(conversationID), 50)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, "failed to read history")
		return
	}

	// Stored newest first; return chronological.
	entries := make([]string, len(raw))
	for i, e := range raw {
		entries[len(raw)-1-i] = e
	}
	c.Data(http.StatusOK, "application/json",
		[]byte(fmt.Sprintf(`{"conversationId":%q,"history":[%s]}`, conversationID, strings.Join(entries, ","))))
}

// ==================== Portfolio handlers ====================

func (s *Server) handleGetPortfolio(c *gin.Context) {
	accountID := c.Query("accountId")
	if accountID == "" {
		errorResponse(c, http.StatusBadRequest, "accountId query parameter is required")
		return
	}
	mode := c.DefaultQuery("mode", database.ModeMain)
	if mode != database.ModeMain && mode != database.ModeShadow {
		errorResponse(c, http.StatusBadRequest, "mode must be MAIN or SHADOW")
		return
	}

	portfolio, err := s.ledgers.GetPortfolio(c.Request.Context(), accountID, mode)
	if err != nil {
		if errors.Is(err, ledger.ErrLedgerNotFound) {
			errorResponse(c, http.StatusNotFound, "no ledger for this account")
			return
		}
		errorResponse(c, http.StatusInternalServerError, "failed to load portfolio")
		return
	}

	successResponse(c, portfolio)
}

func (s *Server) handleGetTrades(c *gin.Context) {
	accountID := c.Query("accountId")
	if accountID == "" {
		errorResponse(c, http.StatusBadRequest, "accountId query parameter is required")
		return
	}
	mode := c.DefaultQuery("mode", database.ModeMain)

	trades, err := s.repo.ListTradeRecords(c.Request.Context(), accountID, mode, 100)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, "failed to load trades")
		return
	}
	successResponse(c, trades)
}

func (s *Server) handleGetDecisions(c *gin.Context) {
	accountID := c.Query("accountId")
	if accountID == "" {
		errorResponse(c, http.StatusBadRequest, "accountId query parameter is required")
		return
	}

	decisions, err := s.repo.ListDecisionRecords(c.Request.Context(), accountID, 100)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, "failed to load decisions")
		return
	}
	successResponse(c, decisions)
}

// ==================== On-demand analysis handlers ====================

type analysisRequest struct {
	AccountID string `json:"accountId" binding:"required"`
	Symbol    string `json:"symbol" binding:"required"`
}

func (s *Server) handleRequestAnalysis(c *gin.Context) {
	var req analysisRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "accountId and symbol are required")
		return
	}
	req.Symbol = strings.ToUpper(req.Symbol)

	jobID, err := s.queues.Enqueue(c.Request.Context(), queue.QueueOnDemandAnalysis, "on-demand-analysis",
		cycle.OnDemandPayload{AccountID: req.AccountID, Symbol: req.Symbol}, nil)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, "failed to queue analysis")
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"jobId": jobID, "status": "PENDING"})
}

func (s *Server) handleAnalysisStatus(c *gin.Context) {
	jobID := c.Param("jobId")

	raw, err := s.cache.Get(c.Request.Context(), cache.OnDemandResultKey(jobID))
	if err != nil {
		if err == redis.Nil {
			s.respondJobState(c, queue.QueueOnDemandAnalysis, jobID)
			return
		}
		errorResponse(c, http.StatusInternalServerError, "failed to read analysis status")
		return
	}

	c.Data(http.StatusOK, "application/json", []byte(raw))
}

// ==================== Memory handlers ====================

type addMemoryRequest struct {
	AccountID string `json:"accountId" binding:"required"`
	Symbol    string `json:"symbol"`
	Narrative string `json:"narrative" binding:"required"`
}

// handleAddMemory stores an operator-authored lesson the agents will
// recall in future cycles.
func (s *Server) handleAddMemory(c *gin.Context) {
	var req addMemoryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "accountId and narrative are required")
		return
	}
	if req.Symbol == "" {
		req.Symbol = "GENERAL"
	}

	mem := &database.Memory{
		AccountID: req.AccountID,
		Symbol:    strings.ToUpper(req.Symbol),
		Narrative: req.Narrative,
		Outcome:   database.OutcomeLesson,
		Source:    database.MemorySourceHuman,
	}
	if err := s.memories.AddMemory(c.Request.Context(), mem); err != nil {
		errorResponse(c, http.StatusInternalServerError, "failed to store memory")
		return
	}

	c.JSON(http.StatusCreated, gin.H{"success": true})
}

func (s *Server) handleListMemories(c *gin.Context) {
	accountID := c.Query("accountId")
	if accountID == "" {
		errorResponse(c, http.StatusBadRequest, "accountId query parameter is required")
		return
	}

	memories, err := s.repo.ListMemories(c.Request.Context(), accountID, c.Query("source"))
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, "failed to load memories")
		return
	}
	successResponse(c, memories)
}

// ==================== Market handlers ====================

func (s *Server) handleGetRegime(c *gin.Context) {
	regime, err := s.cache.Get(c.Request.Context(), cache.MarketRegimeKey())
	if err != nil {
		// Regime cache miss means no recent observation; report default.
		regime = "default"
	}
	c.JSON(http.StatusOK, gin.H{"regime": regime})
}

// ==================== Breaker handlers ====================

func (s *Server) handleGetBreaker(c *gin.Context) {
	if s.breaker == nil {
		errorResponse(c, http.StatusNotFound, "halt breaker not configured")
		return
	}
	successResponse(c, s.breaker.Stats())
}

func (s *Server) handleResetBreaker(c *gin.Context) {
	if s.breaker == nil {
		errorResponse(c, http.StatusNotFound, "halt breaker not configured")
		return
	}
	s.breaker.Reset()
	successResponse(c, gin.H{"state": string(s.breaker.State())})
}

// ==================== Account handlers ====================

type createAccountRequest struct {
	AccountID string `json:"accountId" binding:"required"`
}

func (s *Server) handleCreateAccount(c *gin.Context) {
	var req createAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "accountId is required")
		return
	}

	if err := s.repo.CreateAccount(c.Request.Context(), req.AccountID); err != nil {
		errorResponse(c, http.StatusInternalServerError, "failed to create account")
		return
	}
	if err := s.ledgers.EnsureLedger(c.Request.Context(), req.AccountID, database.ModeMain); err != nil {
		errorResponse(c, http.StatusInternalServerError, "account created but ledger initialization failed")
		return
	}

	c.JSON(http.StatusCreated, gin.H{"accountId": req.AccountID})
}

func (s *Server) handleListAccounts(c *gin.Context) {
	accounts, err := s.repo.ListActiveAccounts(c.Request.Context())
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, "failed to list accounts")
		return
	}
	successResponse(c, accounts)
}

// ==================== Cycle handlers ====================

func (s *Server) handleGetCycleHistory(c *gin.Context) {
	accountID := c.Query("accountId")
	if accountID == "" {
		errorResponse(c, http.StatusBadRequest, "accountId query parameter is required")
		return
	}

	history, err := s.cache.GetList(c.Request.Context(), cache.CycleHistoryKey(accountID), 50)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, "failed to load cycle history")
		return
	}
	successResponse(c, history)
}

// errorResponse is a helper to send error responses
func errorResponse(c *gin.Context, statusCode int, message string) {
	c.JSON(statusCode, gin.H{
		"error":   true,
		"message": message,
	})
}

// successResponse is a helper to send success responses
func successResponse(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    data,
	})
}
