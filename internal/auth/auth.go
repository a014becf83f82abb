// Package auth guards the intake API and seals request handles.
package auth

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/securecookie"
	"golang.org/x/crypto/bcrypt"
)

func HashToken(token string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	return string(b), err
}

func CheckToken(hash, token string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(token)) == nil
}

// Guard checks a bearer token against a bcrypt hash. An empty hash lets
// every request through.
type Guard struct {
	hash string
}

func NewGuard(hash string) *Guard { return &Guard{hash: strings.TrimSpace(hash)} }

func (g *Guard) Enabled() bool { return g != nil && g.hash != "" }

func (g *Guard) Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !g.Enabled() {
			next.ServeHTTP(w, r)
			return
		}
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || !CheckToken(g.hash, strings.TrimSpace(token)) {
			w.Header().Set("WWW-Authenticate", `Bearer realm="stayrace"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

var ErrBadHandle = errors.New("invalid request handle")

const handleName = "stayrace_handle"

// HandleCodec turns request IDs into opaque, tamper-proof handles.
type HandleCodec struct {
	sc *securecookie.SecureCookie
}

func NewHandleCodec(hashKey, blockKey []byte, maxAge time.Duration) *HandleCodec {
	sc := securecookie.New(hashKey, blockKey)
	sc.MaxAge(int(maxAge.Seconds()))
	sc.SetSerializer(securecookie.JSONEncoder{})
	return &HandleCodec{sc: sc}
}

func (c *HandleCodec) Encode(requestID string) (string, error) {
	return c.sc.Encode(handleName, map[string]string{"id": requestID, "v": "1"})
}

func (c *HandleCodec) Decode(handle string) (string, error) {
	val := map[string]string{}
	if err := c.sc.Decode(handleName, handle, &val); err != nil {
		return "", ErrBadHandle
	}
	id := val["id"]
	if id == "" {
		return "", ErrBadHandle
	}
	return id, nil
}
