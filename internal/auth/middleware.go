package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// Roles recognized across the boundary.
const (
	RoleTeacher = "teacher"
	RoleStudent = "student"
	RoleAdmin   = "admin"
)

// RequireRole enforces bearer JWTs signed with HS256 and restricts the group
// to the listed roles. Admin passes every gate.
func RequireRole(signingKey, issuer string, roles ...string) gin.HandlerFunc {
	allowed := map[string]bool{RoleAdmin: true}
	for _, role := range roles {
		allowed[role] = true
	}
	return func(c *gin.Context) {
		authz := c.GetHeader("Authorization")
		if authz == "" || !strings.HasPrefix(strings.ToLower(authz), "bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		tokenStr := strings.TrimSpace(authz[len("bearer "):])
		claims, err := Parse(tokenStr, signingKey, issuer)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		if !allowed[claims.Role] {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "role not allowed"})
			return
		}
		c.Set("claims", claims)
		c.Next()
	}
}

// Subject extracts the authenticated subject from gin context.
func Subject(c *gin.Context) string {
	claimsAny, ok := c.Get("claims")
	if !ok {
		return ""
	}
	claims, ok := claimsAny.(Claims)
	if !ok {
		return ""
	}
	return claims.Subject
}
