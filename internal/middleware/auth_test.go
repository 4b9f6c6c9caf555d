package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teamloophr/voiceloop-knowledge/pkg/token"
)

func newAuthedRouter(jwtManager *token.JWTManager) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/protected", AuthMiddleware(jwtManager), func(c *gin.Context) {
		userID, ok := CurrentUserID(c)
		if !ok {
			c.String(http.StatusInternalServerError, "no user in context")
			return
		}
		c.String(http.StatusOK, userID)
	})
	return r
}

func TestAuthMiddleware_ValidToken(t *testing.T) {
	jwtManager := token.NewJWTManager("test-secret")
	tokenString, err := jwtManager.SignToken("user-7", time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer "+tokenString)
	w := httptest.NewRecorder()
	newAuthedRouter(jwtManager).ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "user-7", w.Body.String())
}

func TestAuthMiddleware_MissingHeader(t *testing.T) {
	jwtManager := token.NewJWTManager("test-secret")
	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	w := httptest.NewRecorder()
	newAuthedRouter(jwtManager).ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuthMiddleware_BadScheme(t *testing.T) {
	jwtManager := token.NewJWTManager("test-secret")
	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	w := httptest.NewRecorder()
	newAuthedRouter(jwtManager).ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuthMiddleware_ForgedToken(t *testing.T) {
	jwtManager := token.NewJWTManager("test-secret")
	forged, err := token.NewJWTManager("other-secret").SignToken("user-7", time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer "+forged)
	w := httptest.NewRecorder()
	newAuthedRouter(jwtManager).ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
