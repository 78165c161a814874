package http

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/wenwu/saas-platform/panel-order-service/internal/clock"
	"github.com/wenwu/saas-platform/panel-order-service/internal/config"
)

// RateLimiter 简单的内存速率限制器
type RateLimiter struct {
	mu       sync.Mutex
	clock    clock.Clock
	requests map[string][]time.Time
	limit    int           // 最大请求数
	window   time.Duration // 时间窗口
}

// NewRateLimiter 创建速率限制器
func NewRateLimiter(clk clock.Clock, limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		clock:    clk,
		requests: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
	}
}

// Allow 检查是否允许请求
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clock.Now()
	windowStart := now.Add(-rl.window)

	// 清理过期请求
	var valid []time.Time
	for _, t := range rl.requests[key] {
		if t.After(windowStart) {
			valid = append(valid, t)
		}
	}

	if len(valid) >= rl.limit {
		rl.requests[key] = valid
		return false
	}
	rl.requests[key] = append(valid, now)
	return true
}

// RateLimitMiddleware 速率限制中间件
func RateLimitMiddleware(rl *RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		// 使用用户 ID 或 IP 作为限制 key
		key := c.GetString("userID")
		if key == "" {
			key = c.ClientIP()
		}

		if !rl.Allow(key) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded, please try again later",
			})
			return
		}

		c.Next()
	}
}

// requestLogger logs one line per request through slog.
func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}

type Server struct {
	router  *gin.Engine
	handler *Handler
	browser *OrderBrowser
	cfg     *config.Config

	// Reviewer API: 每用户每分钟最多 30 次请求
	reviewLimiter *RateLimiter
	// 审批会调用面板，限制更严格: 每用户每分钟最多 10 次
	approveLimiter *RateLimiter
}

// NewServer wires the routes. browser may be nil, which disables the
// support console endpoints.
func NewServer(cfg *config.Config, handler *Handler, browser *OrderBrowser, clk clock.Clock, logger *slog.Logger) *Server {
	gin.SetMode(cfg.Server.Mode)
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(requestLogger(logger.With("component", "http")))

	s := &Server{
		router:         router,
		handler:        handler,
		browser:        browser,
		cfg:            cfg,
		reviewLimiter:  NewRateLimiter(clk, 30, time.Minute),
		approveLimiter: NewRateLimiter(clk, 10, time.Minute),
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"service": "panel-order-service",
		})
	})

	// Internal API - called by the bot front end
	internal := s.router.Group("/api/internal")
	internal.Use(InternalAuthMiddleware(s.cfg.InternalSecret))
	{
		internal.POST("/orders", s.handler.PlaceOrder)
		internal.GET("/orders/:id", s.handler.GetOrder)
		internal.POST("/orders/:id/receipt", s.handler.SubmitReceipt)
		internal.POST("/orders/:id/resubmit", s.handler.ResubmitReceipt)
		internal.POST("/orders/:id/approve", s.handler.ApproveOrder)
		internal.POST("/orders/:id/reject", s.handler.RejectOrder)
		internal.POST("/orders/:id/expire", s.handler.ExpireOrder)
		internal.GET("/orders/:id/logs", s.handler.GetOrderLogs)

		internal.GET("/servers/:id/plans", s.handler.GetServerPlans)

		// Manual expiry sweep
		internal.POST("/sweeps", s.handler.RunSweep)

		if s.browser != nil {
			db := internal.Group("/admin/db")
			db.GET("/tables", s.browser.ListTables)
			db.GET("/tables/:table/schema", s.browser.GetTableSchema)
			db.GET("/tables/:table/rows", s.browser.QueryRows)
		}
	}

	// Review API - reviewers authenticate with auth-service JWTs
	review := s.router.Group("/api/v1/review")
	review.Use(JWTAuthMiddleware(s.cfg.JWT.SecretKey))
	review.Use(RequireRole(RoleAdmin, RoleAccountant))
	review.Use(RateLimitMiddleware(s.reviewLimiter))
	{
		review.GET("/orders", s.handler.ListOrders)
		review.GET("/orders/:id", s.handler.GetOrder)
		review.GET("/orders/:id/logs", s.handler.GetOrderLogs)
		review.POST("/orders/:id/approve", RateLimitMiddleware(s.approveLimiter), s.handler.ApproveOrder)
		review.POST("/orders/:id/reject", s.handler.RejectOrder)
	}
}

// Handler exposes the router for an http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}
