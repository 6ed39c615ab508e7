package transport

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/openjam/bandroom/backend/go/internal/v1/auth"
	"github.com/openjam/bandroom/backend/go/internal/v1/logging"
	"github.com/openjam/bandroom/backend/go/internal/v1/types"
)

// tokenExtractionResult holds the result of token extraction
type tokenExtractionResult struct {
	Token                  string
	FromHeader             bool
	HasAccessTokenProtocol bool
}

// extractToken extracts the JWT from the Sec-WebSocket-Protocol header.
// Browsers cannot set Authorization headers on WebSocket upgrades, so the
// token rides as a subprotocol alongside the "access_token" marker.
func (h *Hub) extractToken(c *gin.Context) (*tokenExtractionResult, error) {
	result := &tokenExtractionResult{}

	headerVal := c.GetHeader("Sec-WebSocket-Protocol")
	if headerVal != "" {
		parts := strings.SplitSeq(headerVal, ",")
		for p := range parts {
			p = strings.TrimSpace(p)
			if p == "access_token" {
				result.HasAccessTokenProtocol = true
				continue
			}
			// Treat any other part as a potential token
			if p != "" {
				_, err := h.validator.ValidateToken(p)
				if err == nil {
					result.Token = p
					result.FromHeader = true
					logging.GetLogger().Debug("Token extracted from Sec-WebSocket-Protocol header")
				}
			}
		}
	}

	if result.Token == "" {
		logging.Warn(context.Background(), "No token provided in request")
		return nil, fmt.Errorf("token not provided")
	}

	return result, nil
}

// validateOrigin checks if the request origin is in the allowed list.
func validateOrigin(r *http.Request, allowedOrigins []string) error {
	origin := r.Header.Get("Origin")
	if origin == "" {
		logging.GetLogger().Debug("No origin header - allowing non-browser client")
		return nil // Allow non-browser clients (e.g., for testing)
	}

	originURL, err := url.Parse(origin)
	if err != nil {
		logging.Warn(context.Background(), "Invalid origin URL", zap.String("origin", origin), zap.Error(err))
		return fmt.Errorf("invalid origin URL: %w", err)
	}

	for _, allowed := range allowedOrigins {
		allowedURL, err := url.Parse(allowed)
		if err != nil {
			continue
		}
		// Check if the scheme and host match
		if originURL.Scheme == allowedURL.Scheme && originURL.Host == allowedURL.Host {
			logging.GetLogger().Debug("Origin validated", zap.String("origin", origin))
			return nil
		}
	}

	logging.Warn(context.Background(), "Origin not in allowed list", zap.String("origin", origin), zap.Strings("allowedOrigins", allowedOrigins))
	return fmt.Errorf("origin not allowed: %s", origin)
}

// authenticateUser validates the token and extracts claims.
func (h *Hub) authenticateUser(token string) (*auth.CustomClaims, error) {
	claims, err := h.validator.ValidateToken(token)
	if err != nil {
		logging.Warn(context.Background(), "Token validation failed", zap.Error(err))
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	logging.GetLogger().Debug("User authenticated", zap.String("userId", claims.Subject), zap.String("name", claims.Name))
	return claims, nil
}

// displayNameFrom picks the display name: explicit username param, then the
// token's name claim, then the email prefix, then the subject.
func displayNameFrom(claims *auth.CustomClaims, username string) types.DisplayNameType {
	if username != "" {
		return types.DisplayNameType(username)
	}
	if claims.Name != "" {
		return types.DisplayNameType(claims.Name)
	}
	if claims.Email != "" {
		if parts := strings.Split(claims.Email, "@"); len(parts) > 0 && parts[0] != "" {
			return types.DisplayNameType(parts[0])
		}
	}
	return types.DisplayNameType(claims.Subject)
}

// upgradeWebSocket handles the WebSocket upgrade process.
func (h *Hub) upgradeWebSocket(c *gin.Context, allowedOrigins []string, tokenResult *tokenExtractionResult) (wsConnection, error) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return validateOrigin(r, allowedOrigins) == nil
		},
		WriteBufferPool: &sync.Pool{
			New: func() any {
				return make([]byte, 4096)
			},
		},
	}

	// Echo the negotiated subprotocol so browsers accept the handshake.
	responseHeader := http.Header{}
	if tokenResult.FromHeader {
		if tokenResult.HasAccessTokenProtocol {
			responseHeader.Set("Sec-WebSocket-Protocol", "access_token")
		} else {
			responseHeader.Set("Sec-WebSocket-Protocol", tokenResult.Token)
		}
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, responseHeader)
	if err != nil {
		logging.Error(c.Request.Context(), "Failed to upgrade connection", zap.Error(err))
		return nil, err
	}

	return conn, nil
}
