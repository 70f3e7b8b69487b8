package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

const HeaderClientKey = "X-Client-Key"

var ErrInvalidClientKey = errors.New("invalid client key")

// ClientKeyAuth gates the chat API behind one shared key. Only its bcrypt
// hash is configured.
type ClientKeyAuth struct {
	hash []byte
}

func NewClientKeyAuth(hash string) (*ClientKeyAuth, error) {
	hash = strings.TrimSpace(hash)
	if _, err := bcrypt.Cost([]byte(hash)); err != nil {
		return nil, fmt.Errorf("parse client key hash: %w", err)
	}
	return &ClientKeyAuth{hash: []byte(hash)}, nil
}

// HashClientKey produces the value for CLIENT_KEY_HASH.
func HashClientKey(key string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash client key: %w", err)
	}
	return string(hash), nil
}

func (a *ClientKeyAuth) Verify(key string) error {
	if key == "" {
		return ErrInvalidClientKey
	}
	if err := bcrypt.CompareHashAndPassword(a.hash, []byte(key)); err != nil {
		return ErrInvalidClientKey
	}
	return nil
}

func (a *ClientKeyAuth) Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(HeaderClientKey)
		if key == "" {
			key = bearerToken(r)
		}

		if key == "" {
			writeError(w, http.StatusUnauthorized, "missing client key")
			return
		}
		if err := a.Verify(key); err != nil {
			writeError(w, http.StatusUnauthorized, "invalid client key")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}
