package http

import (
	"os"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
	"gorm.io/gorm"

	"guildboard/internal/groups"
	"guildboard/internal/mail"
	"guildboard/internal/ws"
)

// SetupRoutes configures all application routes and middleware.
func SetupRoutes(router *gin.Engine, db *gorm.DB, hub *ws.Hub, mailer mail.Mailer) {

	// --- Dependencies ---
	env := &Env{DB: db, Hub: hub, Mailer: mailer}

	// --- Middleware ---

	router.Use(gin.Logger())
	router.Use(gin.Recovery())
	router.Use(SecurityHeadersMiddleware())

	// CORS Middleware
	corsOrigin := os.Getenv("CORS_ORIGIN")
	if corsOrigin == "" {
		corsOrigin = "*" // Default to allow all for local dev
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{corsOrigin},
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
	}))

	// --- Rate Limiter Setup ---
	limiter := NewIPRateLimiter(rate.Limit(rateLimitRPS), rateLimitBurst)
	go func() {
		for {
			time.Sleep(10 * time.Minute)
			limiter.mu.Lock()
			for ip, v := range limiter.visitors {
				if v.Allow() {
					// Idle visitor, forget it.
					delete(limiter.visitors, ip)
				}
			}
			limiter.mu.Unlock()
		}
	}()

	// --- API Routes ---

	api := router.Group("/api")
	{
		api.POST("/auth/signup", env.Signup)
		api.POST("/auth/login", env.Login)

		authed := api.Group("", AuthRequired())
		{
			authed.GET("/posts", env.ListPosts)
			authed.GET("/posts/:id", env.GetPost)
			authed.POST("/posts", RateLimitMiddleware(limiter), env.CreatePost)
			authed.PUT("/posts/:id", RequirePermission(db, groups.PermPostEdit), env.UpdatePost)
			authed.DELETE("/posts/:id", RequirePermission(db, groups.PermPostEdit), env.DeletePost)

			authed.POST("/posts/:id/replies", env.CreateReply)
			authed.GET("/replies/received", env.PrivateReplies)
			authed.POST("/replies/:id/approve", env.ApproveReply)
			authed.DELETE("/replies/:id", env.DeleteReply)

			authed.POST("/newsletter", env.SendNewsletter)
		}
	}

	// --- WebSocket Route ---

	router.GET("/ws", func(c *gin.Context) {
		ws.ServeWs(hub, c.Writer, c.Request)
	})
}
