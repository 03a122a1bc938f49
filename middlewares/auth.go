package middlewares

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"deepchat/config"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// UserIDKey is the gin context key holding the authenticated caller.
const UserIDKey = "user_id"

const sessionCookie = "token"

type Claims struct {
	UserID string `json:"user_id,omitempty"`
	jwt.RegisteredClaims
}

// User prefers the user_id claim and falls back to sub.
func (c *Claims) User() string {
	if c.UserID != "" {
		return c.UserID
	}
	return c.RegisteredClaims.Subject
}

// ParseToken verifies an HS256 token and returns the user it was issued for.
func ParseToken(secret, tokenStr string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{},
		func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return []byte(secret), nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return "", errors.New("invalid token")
	}
	if claims.User() == "" {
		return "", errors.New("token has no subject")
	}
	return claims.User(), nil
}

// Auth resolves the caller from a bearer token (or the session cookie) and
// stores it under UserIDKey. Without a secret, X-User-ID is trusted only when
// auth.insecure_header is set.
func Auth(cfg config.AuthConfig, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if cfg.JwtSecret == "" {
			userID := c.GetHeader("X-User-ID")
			if !cfg.InsecureHeader || userID == "" {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
				return
			}
			c.Set(UserIDKey, userID)
			c.Next()
			return
		}

		tokenStr := bearer(c.GetHeader("Authorization"))
		if tokenStr == "" {
			tokenStr, _ = c.Cookie(sessionCookie)
		}
		if tokenStr == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
			return
		}

		userID, err := ParseToken(cfg.JwtSecret, tokenStr)
		if err != nil {
			logger.Debug("rejected token", zap.String("path", c.FullPath()), zap.Error(err))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
			return
		}
		c.Set(UserIDKey, userID)
		c.Next()
	}
}

func bearer(header string) string {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// UserID returns the caller set by Auth.
func UserID(c *gin.Context) string {
	return c.GetString(UserIDKey)
}
