package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	echo "github.com/labstack/echo/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func okHandler(c *echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

func TestBearerAuth(t *testing.T) {
	tests := []struct {
		name       string
		token      string
		header     string
		query      string
		wantStatus int
	}{
		{
			name:       "empty configured token disables auth",
			token:      "",
			wantStatus: http.StatusOK,
		},
		{
			name:       "valid header token",
			token:      "secret",
			header:     "Bearer secret",
			wantStatus: http.StatusOK,
		},
		{
			name:       "valid query token for EventSource clients",
			token:      "secret",
			query:      "secret",
			wantStatus: http.StatusOK,
		},
		{
			name:       "missing token",
			token:      "secret",
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "wrong token",
			token:      "secret",
			header:     "Bearer guess",
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "non-bearer scheme",
			token:      "secret",
			header:     "Basic secret",
			wantStatus: http.StatusUnauthorized,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			target := "/"
			if tt.query != "" {
				target = "/?access_token=" + tt.query
			}
			req := httptest.NewRequest(http.MethodGet, target, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)

			err := bearerAuth(tt.token)(okHandler)(c)
			if tt.wantStatus == http.StatusOK {
				require.NoError(t, err)
				assert.Equal(t, http.StatusOK, rec.Code)
				return
			}
			var httpErr *echo.HTTPError
			require.ErrorAs(t, err, &httpErr)
			assert.Equal(t, tt.wantStatus, httpErr.Code)
		})
	}
}

func TestSecurityHeaders(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	require.NoError(t, securityHeaders()(okHandler)(c))

	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "strict-origin-when-cross-origin", rec.Header().Get("Referrer-Policy"))
}

func TestCORSMiddleware(t *testing.T) {
	t.Run("sets CORS headers", func(t *testing.T) {
		e := echo.New()
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rec := httptest.NewRecorder()
		c := e.NewContext(req, rec)

		require.NoError(t, corsMiddleware()(okHandler)(c))
		assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("short-circuits preflight", func(t *testing.T) {
		e := echo.New()
		req := httptest.NewRequest(http.MethodOptions, "/", nil)
		rec := httptest.NewRecorder()
		c := e.NewContext(req, rec)

		require.NoError(t, corsMiddleware()(okHandler)(c))
		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), "Authorization")
	})
}
