package middleware

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// context keys set by Identity
const (
	UserIDKey      = "userId"
	DisplayNameKey = "displayName"
	AvatarKey      = "avatar"
)

type Claims struct {
	Username string `json:"username"`
	Avatar   string `json:"avatar,omitempty"`
	Type     string `json:"typ"`
	jwt.RegisteredClaims
}

// SignAccessToken issues an HS256 access token whose subject is userID.
func SignAccessToken(secret []byte, userID, username string, ttl time.Duration) (string, error) {
	claims := &Claims{
		Username: username,
		Type:     "access",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// ParseToken verifies an HS256 token locally and returns its claims.
func ParseToken(secret []byte, tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}
	return nil, jwt.ErrTokenInvalidClaims
}

// Identity resolves the caller. With a secret, a bearer token (or ?token=
// for websocket clients, which cannot set headers) is required and verified.
// Without one, the userId and displayName query parameters are trusted.
func Identity(secret string) gin.HandlerFunc {
	key := []byte(secret)
	return func(c *gin.Context) {
		if secret == "" {
			userID := strings.TrimSpace(c.Query("userId"))
			if userID == "" {
				unauthenticated(c, "userId is required")
				return
			}
			c.Set(UserIDKey, userID)
			c.Set(DisplayNameKey, strings.TrimSpace(c.Query("displayName")))
			c.Set(AvatarKey, strings.TrimSpace(c.Query("avatar")))
			c.Next()
			return
		}

		tokenString := extractBearer(c.Request.Header.Get("Authorization"))
		if tokenString == "" {
			tokenString = strings.TrimSpace(c.Query("token"))
		}
		if tokenString == "" {
			unauthenticated(c, "Authorization header is missing or invalid")
			return
		}
		claims, err := ParseToken(key, tokenString)
		if err != nil {
			msg := "invalid token"
			if errors.Is(err, jwt.ErrTokenExpired) {
				msg = "token expired"
			}
			unauthenticated(c, msg)
			return
		}
		if claims.Type != "" && claims.Type != "access" {
			unauthenticated(c, "access token required")
			return
		}
		if claims.Subject == "" {
			unauthenticated(c, "token has no subject")
			return
		}
		c.Set(UserIDKey, claims.Subject)
		c.Set(DisplayNameKey, claims.Username)
		c.Set(AvatarKey, claims.Avatar)
		c.Next()
	}
}

func unauthenticated(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"code":    "UNAUTHENTICATED",
		"message": msg,
	})
}

func extractBearer(header string) string {
	if header == "" {
		return ""
	}
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}
