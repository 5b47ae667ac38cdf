package main

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/secureai/uploadhub/pkg/utils"
)

const identityKey = "identity"

// authMiddleware validates the caller's JWT and stores the identity in
// the gin context. The websocket route also accepts the token as a
// query parameter since browsers cannot set headers on the handshake.
func authMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := ""
		if authHeader := c.GetHeader("Authorization"); strings.HasPrefix(authHeader, "Bearer ") {
			token = strings.TrimPrefix(authHeader, "Bearer ")
		} else if queryToken := c.Query("token"); queryToken != "" {
			token = queryToken
		}

		if token == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}

		identity, err := utils.ValidateJWT(token, secret)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			c.Abort()
			return
		}

		c.Set(identityKey, identity)
		c.Next()
	}
}

// workerAuthMiddleware guards the internal worker endpoints with a
// shared bearer token.
func workerAuthMiddleware(workerToken string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		if workerToken == "" || subtle.ConstantTimeCompare([]byte(token), []byte(workerToken)) != 1 {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}
		c.Next()
	}
}

// identityFromContext extracts the authenticated identity from gin context
func identityFromContext(c *gin.Context) (uuid.UUID, bool) {
	value, exists := c.Get(identityKey)
	if !exists {
		return uuid.Nil, false
	}
	identity, ok := value.(uuid.UUID)
	return identity, ok
}

// requestLogger emits one structured line per request
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("duration", time.Since(start)).
			Msg("Request handled")
	}
}
