// Package fakeapi is an in-memory Messaging API. Tests run the client against
// it and `goftegu sandbox` serves it locally.
package fakeapi

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	"go.uber.org/zap"

	"github.com/4xmen/goftegu/internal/auth"
	"github.com/4xmen/goftegu/internal/ws"
	"github.com/4xmen/goftegu/pkg/logger"
)

type Server struct {
	store  *Store
	issuer *auth.Issuer
	hub    *ws.Hub
	router *gin.Engine
	logger *zap.Logger

	loginRate     limiter.Rate
	maxUploadSize int64

	mu     sync.Mutex
	calls  map[string]int
	faults map[string][]int

	cancel  context.CancelFunc
	hubDone chan struct{}
}

type Option func(*Server)

func WithLogger(log *zap.Logger) Option {
	return func(s *Server) { s.logger = log }
}

func WithStore(store *Store) Option {
	return func(s *Server) { s.store = store }
}

func WithLoginRate(rate limiter.Rate) Option {
	return func(s *Server) { s.loginRate = rate }
}

func WithMaxUploadSize(n int64) Option {
	return func(s *Server) { s.maxUploadSize = n }
}

// New builds the API and starts its realtime hub. Close stops the hub.
func New(jwtSecret string, opts ...Option) *Server {
	s := &Server{
		issuer:        auth.NewIssuer(jwtSecret),
		loginRate:     limiter.Rate{Period: time.Minute, Limit: 5},
		maxUploadSize: 10 << 20,
		calls:         make(map[string]int),
		faults:        make(map[string][]int),
		hubDone:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logger.OrNop(s.logger)
	if s.store == nil {
		s.store = NewStore()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.hub = ws.NewHub(s.logger.Named("hub"))
	go func() {
		defer close(s.hubDone)
		s.hub.Run(ctx)
	}()

	s.router = s.routes()
	return s
}

func (s *Server) Store() *Store { return s.store }

func (s *Server) Hub() *ws.Hub { return s.hub }

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) Close() {
	s.cancel()
	<-s.hubDone
}

// Token issues a session token for an existing user.
func (s *Server) Token(userID string) (string, error) {
	u, ok := s.store.User(userID)
	if !ok {
		return "", ErrNotFound
	}
	return s.issuer.GenerateToken(u)
}

// Calls reports how many requests reached route, e.g.
// "POST /messaging/conversations" or "PUT /messaging/conversations/:id/read".
func (s *Server) Calls(route string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[route]
}

// FailNext makes the next request to route answer with status. A zero status
// drops the connection without an answer.
func (s *Server) FailNext(route string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[route] = append(s.faults[route], status)
}

func (s *Server) routes() *gin.Engine {
	router := gin.New()
	router.Use(s.faultInjector())
	router.Use(s.serverErrorLogger())
	router.Use(s.panicRecovery())
	router.MaxMultipartMemory = s.maxUploadSize

	api := router.Group("/api")
	{
		loginLimiter := limiter.New(memory.NewStore(), s.loginRate)
		api.POST("/auth/login", rateLimitMiddleware(loginLimiter), s.login)
	}

	protected := api.Group("")
	protected.Use(s.authMiddleware())
	{
		protected.GET("/messaging/conversations", s.listConversations)
		protected.POST("/messaging/conversations", s.createConversation)
		protected.GET("/messaging/conversations/:id/messages", s.listMessages)
		protected.POST("/messaging/conversations/:id/messages", s.sendMessage)
		protected.POST("/messaging/conversations/:id/attachments", s.sendAttachments)
		protected.PUT("/messaging/conversations/:id/read", s.markRead)
		protected.GET("/messaging/users/messaging", s.recommendedUsers)
		protected.GET("/messaging/users/search", s.searchUsers)

		protected.GET("/follow/following", s.following)
		protected.POST("/follow/:id", s.follow)
		protected.DELETE("/follow/:id", s.unfollow)
	}

	router.GET("/ws", s.authMiddleware(), s.hub.HandleWebSocket)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	})
	return router
}

func routeKey(c *gin.Context) string {
	return c.Request.Method + " " + strings.TrimPrefix(c.FullPath(), "/api")
}
