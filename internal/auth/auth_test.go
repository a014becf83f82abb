package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/securecookie"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGuard(t *testing.T) {
	hash, err := HashToken("s3cret")
	require.NoError(t, err)
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })

	h := NewGuard(hash).Require(ok)
	cases := map[string]int{
		"":              http.StatusUnauthorized,
		"Bearer nope":   http.StatusUnauthorized,
		"Basic s3cret":  http.StatusUnauthorized,
		"Bearer s3cret": http.StatusNoContent,
	}
	for header, want := range cases {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, want, rec.Code, header)
	}

	rec := httptest.NewRecorder()
	NewGuard("").Require(ok).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestHandleCodec(t *testing.T) {
	c := NewHandleCodec(securecookie.GenerateRandomKey(32), securecookie.GenerateRandomKey(32), time.Hour)

	h, err := c.Encode("req-42")
	require.NoError(t, err)
	assert.NotContains(t, h, "req-42")

	id, err := c.Decode(h)
	require.NoError(t, err)
	assert.Equal(t, "req-42", id)

	_, err = c.Decode(h + "x")
	assert.ErrorIs(t, err, ErrBadHandle)

	other := NewHandleCodec(securecookie.GenerateRandomKey(32), securecookie.GenerateRandomKey(32), time.Hour)
	_, err = other.Decode(h)
	assert.ErrorIs(t, err, ErrBadHandle)
}
