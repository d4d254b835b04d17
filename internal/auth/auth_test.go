package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/danmuck/tcfchan/internal/testutil/testlog"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticTokenValidate(t *testing.T) {
	testlog.Start(t)
	tests := []struct {
		name    string
		stored  string
		input   string
		wantErr error
	}{
		{name: "empty token denied", stored: "", input: "abc", wantErr: ErrUnauthorized},
		{name: "mismatched token denied", stored: "abc", input: "xyz", wantErr: ErrUnauthorized},
		{name: "matching token accepted", stored: "abc", input: "abc", wantErr: nil},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := (StaticToken{Token: tc.stored}).Validate(tc.input)
			if tc.wantErr == nil {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, tc.wantErr)
		})
	}
}

func TestBearerToken(t *testing.T) {
	testlog.Start(t)
	token, ok := BearerToken("Bearer s3cret")
	require.True(t, ok)
	assert.Equal(t, "s3cret", token)

	token, ok = BearerToken("  bearer   padded ")
	require.True(t, ok)
	assert.Equal(t, "padded", token)

	for _, header := range []string{"", "Bearer", "Bearer  ", "Basic dXNlcjpwYXNz"} {
		_, ok := BearerToken(header)
		assert.False(t, ok, header)
	}
}

func TestRequire(t *testing.T) {
	testlog.Start(t)
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/guarded", Require(FuncValidator(func(token string) error {
		if token != "ok" {
			return ErrUnauthorized
		}
		return nil
	})), func(c *gin.Context) { c.Status(http.StatusNoContent) })
	r.POST("/open", Require(nil), func(c *gin.Context) { c.Status(http.StatusNoContent) })

	do := func(path, header string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, path, nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rr := httptest.NewRecorder()
		r.ServeHTTP(rr, req)
		return rr
	}

	rr := do("/guarded", "")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.NotEmpty(t, rr.Header().Get("WWW-Authenticate"))
	assert.Equal(t, http.StatusForbidden, do("/guarded", "Bearer nope").Code)
	assert.Equal(t, http.StatusNoContent, do("/guarded", "Bearer ok").Code)
	assert.Equal(t, http.StatusNoContent, do("/open", "").Code)
}
