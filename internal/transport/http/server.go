package http

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"alphachat/internal/bootstrap"
	"alphachat/internal/transport/http/handler"
	"alphachat/internal/transport/http/middleware"
)

func NewRouter(app *bootstrap.App) *gin.Engine {
	gin.SetMode(app.Config.App.GinMode)
	router := gin.New()
	router.Use(gin.Logger(), gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:  []string{"*"},
		AllowMethods:  []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization", "Stripe-Signature"},
		ExposeHeaders: []string{"X-Session-ID"},
		MaxAge:        12 * time.Hour,
	}))

	healthHandler := handler.NewHealthHandler(app)
	router.GET("/healthz", healthHandler.Check)
	router.GET("/metrics", gin.WrapH(app.Metrics.Handler()))

	authHandler := handler.NewAuthHandler(app.Auth)
	chatHandler := handler.NewChatHandler(app.Chat, app.Logger)
	billingHandler := handler.NewBillingHandler(app.Billing, app.Logger)
	requireAuth := middleware.AuthJWT(app.Config.Auth.JWTSecret)

	v1 := router.Group("/api/v1")
	authGroup := v1.Group("/auth")
	authGroup.POST("/register", authHandler.Register)
	authGroup.POST("/login", authHandler.Login)
	authGroup.GET("/me", requireAuth, authHandler.Me)

	chatGroup := v1.Group("/chat")
	chatGroup.Use(requireAuth)
	// Messages are admitted inside the orchestrator, before any side effect.
	chatGroup.POST("/messages", chatHandler.StreamMessage)

	sessionGroup := chatGroup.Group("/sessions")
	sessionGroup.Use(middleware.RateLimit(app.Limiter, app.Metrics.RateLimited, app.Logger))
	sessionGroup.POST("", chatHandler.CreateSession)
	sessionGroup.GET("", chatHandler.ListSessions)
	sessionGroup.GET("/:id", chatHandler.GetSession)
	sessionGroup.DELETE("/:id", chatHandler.DeleteSession)

	billingGroup := v1.Group("/billing")
	billingGroup.POST("/checkout", requireAuth, billingHandler.Checkout)
	billingGroup.POST("/webhook", billingHandler.Webhook)

	return router
}
