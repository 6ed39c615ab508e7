// Package ratelimit enforces request budgets on the HTTP surface and the
// WebSocket upgrade, backed by Redis when available and process memory
// otherwise.
package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.uber.org/zap"

	"github.com/openjam/bandroom/backend/go/internal/v1/auth"
	"github.com/openjam/bandroom/backend/go/internal/v1/config"
	"github.com/openjam/bandroom/backend/go/internal/v1/logging"
	"github.com/openjam/bandroom/backend/go/internal/v1/metrics"
)

// RateLimiter holds one limiter per budget: the global API budget, the room
// endpoints, and the two WebSocket connect budgets (per IP and per user).
type RateLimiter struct {
	apiGlobal *limiter.Limiter
	apiRooms  *limiter.Limiter
	wsIP      *limiter.Limiter
	wsUser    *limiter.Limiter

	store       limiter.Store
	redisClient *redis.Client
}

// NewRateLimiter parses the configured rates (ulule formatted, e.g. "100-M")
// and builds the limiter set. A nil redis client selects the in-memory store.
func NewRateLimiter(cfg *config.Config, redisClient *redis.Client) (*RateLimiter, error) {
	apiGlobalRate, err := limiter.NewRateFromFormatted(cfg.RateLimitApiGlobal)
	if err != nil {
		return nil, fmt.Errorf("invalid API global rate: %w", err)
	}
	apiRoomsRate, err := limiter.NewRateFromFormatted(cfg.RateLimitApiRooms)
	if err != nil {
		return nil, fmt.Errorf("invalid API rooms rate: %w", err)
	}
	wsIPRate, err := limiter.NewRateFromFormatted(cfg.RateLimitWsIp)
	if err != nil {
		return nil, fmt.Errorf("invalid WS IP rate: %w", err)
	}
	wsUserRate, err := limiter.NewRateFromFormatted(cfg.RateLimitWsUser)
	if err != nil {
		return nil, fmt.Errorf("invalid WS user rate: %w", err)
	}

	var store limiter.Store
	if redisClient != nil {
		s, err := sredis.NewStoreWithOptions(redisClient, limiter.StoreOptions{
			Prefix: "limiter:v1:",
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create redis store: %w", err)
		}
		store = s
		logging.Info(context.Background(), "✅ Rate limiter using Redis store")
	} else {
		store = memory.NewStore()
		logging.Warn(context.Background(), "⚠️  Rate limiter using Memory store (Redis disabled or unavailable)")
	}

	return &RateLimiter{
		apiGlobal:   limiter.New(store, apiGlobalRate),
		apiRooms:    limiter.New(store, apiRoomsRate),
		wsIP:        limiter.New(store, wsIPRate),
		wsUser:      limiter.New(store, wsUserRate),
		store:       store,
		redisClient: redisClient,
	}, nil
}

// limitKey resolves the bucket key: the authenticated subject when an auth
// middleware has populated claims, the client IP otherwise.
func limitKey(c *gin.Context) (key, limitType string) {
	if claims, exists := c.Get("claims"); exists {
		if userClaims, ok := claims.(*auth.CustomClaims); ok {
			return userClaims.Subject, "user"
		}
	}
	return c.ClientIP(), "ip"
}

// GlobalMiddleware enforces the global API budget on every wrapped route.
// Store failures fail open: availability over strictness.
func (rl *RateLimiter) GlobalMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key, limitType := limitKey(c)

		ctx := c.Request.Context()
		lctx, err := rl.apiGlobal.Get(ctx, key)
		if err != nil {
			logging.Error(ctx, "Rate limiter store failed", zap.Error(err))
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.FormatInt(lctx.Limit, 10))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(lctx.Remaining, 10))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(lctx.Reset, 10))

		if lctx.Reached {
			metrics.RateLimitExceeded.WithLabelValues(c.FullPath(), limitType).Inc()
			c.Header("Retry-After", strconv.FormatInt(lctx.Reset-time.Now().Unix(), 10))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "Too many requests",
				"retry_after": lctx.Reset,
			})
			return
		}

		metrics.RateLimitRequests.WithLabelValues(c.FullPath()).Inc()
		c.Next()
	}
}

// MiddlewareForEndpoint enforces a named endpoint budget. Unknown endpoint
// types fall back to the global budget.
func (rl *RateLimiter) MiddlewareForEndpoint(endpointType string) gin.HandlerFunc {
	return func(c *gin.Context) {
		var limiterInstance *limiter.Limiter
		switch endpointType {
		case "rooms":
			limiterInstance = rl.apiRooms
		default:
			limiterInstance = rl.apiGlobal
		}

		key, _ := limitKey(c)

		ctx := c.Request.Context()
		lctx, err := limiterInstance.Get(ctx, key)
		if err != nil {
			logging.Error(ctx, "Rate limiter store failed", zap.Error(err))
			c.Next()
			return
		}

		if lctx.Reached {
			metrics.RateLimitExceeded.WithLabelValues(c.FullPath(), endpointType).Inc()
			c.Header("X-RateLimit-Retry-After", strconv.FormatInt(lctx.Reset, 10))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "Too many requests",
				"retry_after": lctx.Reset,
			})
			return
		}

		metrics.RateLimitRequests.WithLabelValues(c.FullPath()).Inc()
		c.Next()
	}
}

// CheckWebSocket enforces the per-IP connect budget before the upgrade.
// Returns false (and writes the 429) when the budget is exhausted.
func (rl *RateLimiter) CheckWebSocket(c *gin.Context) bool {
	ctx := c.Request.Context()

	ip := c.ClientIP()
	ipContext, err := rl.wsIP.Get(ctx, ip)
	if err != nil {
		logging.Error(ctx, "WS Rate limiter store failed (IP)", zap.Error(err))
		return true // fail open
	}

	if ipContext.Reached {
		metrics.RateLimitExceeded.WithLabelValues("websocket_connect", "ip").Inc()
		c.Header("X-RateLimit-Retry-After", strconv.FormatInt(ipContext.Reset, 10))
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "Too many connections from this IP"})
		return false
	}

	return true
}

// CheckWebSocketUser enforces the per-user connect budget. Called after the
// token has been validated, since the key is the authenticated subject.
func (rl *RateLimiter) CheckWebSocketUser(ctx context.Context, userID string) error {
	userContext, err := rl.wsUser.Get(ctx, userID)
	if err != nil {
		logging.Error(ctx, "WS Rate limiter store failed (User)", zap.Error(err))
		return nil // fail open
	}

	if userContext.Reached {
		metrics.RateLimitExceeded.WithLabelValues("websocket_connect", "user").Inc()
		return fmt.Errorf("rate limit exceeded for user")
	}

	return nil
}
