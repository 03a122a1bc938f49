package middlewares

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"deepchat/config"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const secret = "test-secret"

func sign(t *testing.T, method jwt.SigningMethod, key any, claims Claims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(method, claims).SignedString(key)
	require.NoError(t, err)
	return s
}

func router(cfg config.AuthConfig) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Auth(cfg, zap.NewNop()))
	r.GET("/me", func(c *gin.Context) { c.String(http.StatusOK, UserID(c)) })
	return r
}

func call(r *gin.Engine, mutate func(*http.Request)) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	mutate(req)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestAuthBearerToken(t *testing.T) {
	r := router(config.AuthConfig{JwtSecret: secret})
	future := jwt.NewNumericDate(time.Now().Add(time.Hour))

	tests := []struct {
		name   string
		header string
		code   int
		user   string
	}{
		{"user_id claim", "Bearer " + sign(t, jwt.SigningMethodHS256, []byte(secret), Claims{UserID: "u1", RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: future}}), 200, "u1"},
		{"sub claim", "Bearer " + sign(t, jwt.SigningMethodHS256, []byte(secret), Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "u2"}}), 200, "u2"},
		{"wrong secret", "Bearer " + sign(t, jwt.SigningMethodHS256, []byte("other"), Claims{UserID: "u1"}), 401, ""},
		{"expired", "Bearer " + sign(t, jwt.SigningMethodHS256, []byte(secret), Claims{UserID: "u1", RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour))}}), 401, ""},
		{"no subject", "Bearer " + sign(t, jwt.SigningMethodHS256, []byte(secret), Claims{}), 401, ""},
		{"not bearer", "Basic abc", 401, ""},
		{"missing", "", 401, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := call(r, func(req *http.Request) {
				if tt.header != "" {
					req.Header.Set("Authorization", tt.header)
				}
			})
			assert.Equal(t, tt.code, w.Code)
			if tt.code == 200 {
				assert.Equal(t, tt.user, w.Body.String())
			}
		})
	}
}

func TestAuthCookie(t *testing.T) {
	r := router(config.AuthConfig{JwtSecret: secret})
	token := sign(t, jwt.SigningMethodHS256, []byte(secret), Claims{UserID: "u1"})
	w := call(r, func(req *http.Request) {
		req.AddCookie(&http.Cookie{Name: sessionCookie, Value: token})
	})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "u1", w.Body.String())
}

func TestAuthHeaderIgnoredWithSecret(t *testing.T) {
	r := router(config.AuthConfig{JwtSecret: secret, InsecureHeader: true})
	w := call(r, func(req *http.Request) { req.Header.Set("X-User-ID", "u1") })
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuthInsecureHeader(t *testing.T) {
	w := call(router(config.AuthConfig{InsecureHeader: true}), func(req *http.Request) { req.Header.Set("X-User-ID", "dev") })
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "dev", w.Body.String())

	w = call(router(config.AuthConfig{}), func(req *http.Request) { req.Header.Set("X-User-ID", "dev") })
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestCORSPreflight(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(CORS("https://chat.example"))
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodOptions, "/x", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "https://chat.example", w.Header().Get("Access-Control-Allow-Origin"))
}
