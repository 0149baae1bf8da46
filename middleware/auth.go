package middleware

import (
	"fmt"
	"strings"

	apperrors "bulk-order-service/errors"
	"bulk-order-service/models"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v4"
)

// UserContextKey holds the authenticated *models.UserContext.
const UserContextKey = "user"

// TokenTypeAccess is the only token type accepted on bulk routes.
const TokenTypeAccess = "access"

// TokenParser turns a bearer token into a caller identity.
type TokenParser struct {
	secret []byte
}

func NewTokenParser(secret string) *TokenParser {
	return &TokenParser{secret: []byte(strings.TrimSpace(secret))}
}

// Parse validates an HMAC-signed access token and extracts the B2B claims.
func (p *TokenParser) Parse(tokenStr string) (*models.UserContext, error) {
	if len(p.secret) == 0 {
		return nil, fmt.Errorf("JWT secret not configured")
	}

	token, err := jwt.Parse(tokenStr, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return p.secret, nil
	})
	if err != nil || token == nil || !token.Valid {
		return nil, fmt.Errorf("invalid or expired token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("invalid token claims")
	}
	if typ, ok := claims["typ"].(string); !ok || typ != TokenTypeAccess {
		return nil, fmt.Errorf("invalid token type")
	}

	user := &models.UserContext{
		UserID:      stringClaim(claims, "user_id"),
		AccountID:   stringClaim(claims, "account_id"),
		AccountType: stringClaim(claims, "account_type"),
		Role:        stringClaim(claims, "role"),
	}
	if user.UserID == "" {
		user.UserID = stringClaim(claims, "sub")
	}
	if user.UserID == "" {
		return nil, fmt.Errorf("token has no subject")
	}

	if perms, ok := claims["permissions"].([]interface{}); ok {
		for _, p := range perms {
			if s, ok := p.(string); ok && s != "" {
				user.Permissions = append(user.Permissions, s)
			}
		}
	}
	return user, nil
}

func stringClaim(claims jwt.MapClaims, key string) string {
	if v, ok := claims[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

// Authenticate attaches the caller identity when a valid bearer token is present.
// Requests without one continue anonymously so that the ingress guard can rate-limit
// by client address and audit the denial.
func Authenticate(parser *TokenParser) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			c.Next()
			return
		}
		user, err := parser.Parse(strings.TrimSpace(header[len("Bearer "):]))
		if err == nil {
			c.Set(UserContextKey, user)
		}
		c.Next()
	}
}

// GetUser returns the authenticated caller, or nil.
func GetUser(c *gin.Context) *models.UserContext {
	if val, ok := c.Get(UserContextKey); ok {
		if user, ok := val.(*models.UserContext); ok {
			return user
		}
	}
	return nil
}

// RequireUser rejects requests that carry no valid identity.
func RequireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		if GetUser(c) == nil {
			apperrors.Respond(c, apperrors.Authentication(apperrors.CodeUnauthenticated, "Authentication required"))
			return
		}
		c.Next()
	}
}
