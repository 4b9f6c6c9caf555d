// Package middleware 提供了处理 HTTP 请求的中间件。
package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/teamloophr/voiceloop-knowledge/pkg/token"
)

// UserIDKey 是经过认证的用户 ID 在 Gin 上下文中的键名。
const UserIDKey = "userID"

// AuthMiddleware 创建一个 Gin 中间件，用于 JWT 认证。
// 令牌由上游网关签发，本服务只校验签名并提取 user_id 存入上下文，
// 不做任何用户表查询。
func AuthMiddleware(jwtManager *token.JWTManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		// 从 Authorization 请求头中获取 token
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "请求未包含授权头"})
			return
		}

		// Token 通常以 "Bearer <token>" 的形式提供，我们需要提取出 token 本身
		const bearerPrefix = "Bearer "
		if !strings.HasPrefix(authHeader, bearerPrefix) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "无效的授权头格式"})
			return
		}
		tokenString := strings.TrimPrefix(authHeader, bearerPrefix)

		claims, err := jwtManager.VerifyToken(tokenString)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "无效或已过期的 token"})
			return
		}

		// 将用户 ID 存储在 context 中，供后续处理函数使用
		c.Set(UserIDKey, claims.UserID)
		c.Next()
	}
}

// CurrentUserID 从 Gin 上下文中取出经过认证的用户 ID。
func CurrentUserID(c *gin.Context) (string, bool) {
	v, exists := c.Get(UserIDKey)
	if !exists {
		return "", false
	}
	userID, ok := v.(string)
	return userID, ok && userID != ""
}
