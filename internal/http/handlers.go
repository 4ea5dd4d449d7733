package http

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
	"gorm.io/gorm"

	"guildboard/internal/mail"
	"guildboard/internal/ws"
)

// --- Configuration Constants ---
const (
	pageSize       = 10
	rateLimitRPS   = 1.0 / 3.0 // 1 request every 3 seconds
	rateLimitBurst = 1
)

// --- WebSocket Payloads ---

// WsMessage defines the JSON structure pushed to connected browsers.
type WsMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// --- Rate Limiter ---

type IPRateLimiter struct {
	visitors map[string]*rate.Limiter
	mu       sync.RWMutex
	rps      rate.Limit
	burst    int
}

func NewIPRateLimiter(r rate.Limit, b int) *IPRateLimiter {
	return &IPRateLimiter{
		visitors: make(map[string]*rate.Limiter),
		rps:      r,
		burst:    b,
	}
}

func (rl *IPRateLimiter) GetLimiter(ip string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	limiter, exists := rl.visitors[ip]
	if !exists {
		limiter = rate.NewLimiter(rl.rps, rl.burst)
		rl.visitors[ip] = limiter
	}
	return limiter
}

func RateLimitMiddleware(limiter *IPRateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()
		if !limiter.GetLimiter(ip).Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "Too many requests. Please wait."})
			return
		}
		c.Next()
	}
}

// --- Handlers ---

// Env holds the dependencies shared by all handlers.
type Env struct {
	DB     *gorm.DB
	Hub    *ws.Hub
	Mailer mail.Mailer
}

// currentUserID returns the authenticated user's id set by AuthRequired.
func currentUserID(c *gin.Context) uint {
	return c.GetUint(ctxUserID)
}

// broadcastMessage pushes a board event to every connected websocket client.
func (e *Env) broadcastMessage(msg WsMessage) {
	jsonMsg, err := json.Marshal(msg)
	if err != nil {
		log.Printf("Error marshalling WS message: %v", err)
		return
	}
	e.Hub.Broadcast <- jsonMsg
}
