package identity

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const ctxAppenderClaims = "audit_appender_claims"

// RequireToken returns a Gin middleware that enforces a valid Bearer appender
// token carrying at least one append scope.
//
// On success it injects the *AppenderClaims into the context.
func RequireToken(tokens *TokenIssuer) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Bearer token required",
			})
			return
		}

		claims, err := tokens.Verify(strings.TrimPrefix(authHeader, "Bearer "))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "invalid token: " + err.Error(),
			})
			return
		}
		if !claims.HasScope(ScopeAppend) && !claims.HasScope(ScopeAppendAny) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "token does not grant " + ScopeAppend,
			})
			return
		}

		c.Set(ctxAppenderClaims, claims)
		c.Next()
	}
}

// ClaimsFromCtx retrieves the claims injected by RequireToken.
func ClaimsFromCtx(c *gin.Context) *AppenderClaims {
	v, _ := c.Get(ctxAppenderClaims)
	claims, _ := v.(*AppenderClaims)
	return claims
}
