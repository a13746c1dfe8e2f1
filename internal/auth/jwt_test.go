package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestIssueAndParse(t *testing.T) {
	r := NewResolver("secret", "offers")

	token, err := r.Issue("user-1", time.Minute, RoleSystem)
	require.NoError(t, err)

	claims, err := r.Parse(token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.Subject)
	assert.Equal(t, []string{RoleSystem}, claims.Roles)

	_, err = NewResolver("other", "offers").Parse(token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = NewResolver("secret", "someone-else").Parse(token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	expired, err := r.Issue("user-1", -time.Minute)
	require.NoError(t, err)
	_, err = r.Parse(expired)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestMiddleware(t *testing.T) {
	r := NewResolver("secret", "")
	router := gin.New()
	router.GET("/me", r.Middleware(), func(c *gin.Context) {
		id, _ := UserID(c)
		c.String(http.StatusOK, id)
	})
	router.GET("/system", r.Middleware(), RequireRole(RoleSystem), func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})

	token, err := r.Issue("user-9", time.Minute)
	require.NoError(t, err)

	tests := []struct {
		name   string
		path   string
		header string
		status int
	}{
		{"valid", "/me", "Bearer " + token, http.StatusOK},
		{"missing", "/me", "", http.StatusUnauthorized},
		{"garbage", "/me", "Bearer abc", http.StatusUnauthorized},
		{"wrong scheme", "/me", "Basic " + token, http.StatusUnauthorized},
		{"missing role", "/system", "Bearer " + token, http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)
			assert.Equal(t, tt.status, w.Code)
		})
	}
}
