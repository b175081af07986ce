// Package auth checks operator credentials for the admin panel.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"strings"

	"github.com/Tyrowin/supportchat/internal/config"
)

// ErrInvalidCredentials is returned when a login attempt is rejected.
var ErrInvalidCredentials = errors.New("invalid credentials")

// Credentials is an admin login attempt. Either username and password, or
// key, must be set.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Key      string `json:"key"`
}

// Principal is the authenticated operator.
type Principal struct {
	Username string `json:"username"`
}

// CredentialChecker validates admin credentials.
type CredentialChecker interface {
	Check(ctx context.Context, c Credentials) (Principal, error)
}

// StaticCredentials accepts one configured username/password pair or one
// shared key.
type StaticCredentials struct {
	username string
	password string
	key      string
}

// NewStaticCredentials builds a checker from the admin config.
func NewStaticCredentials(cfg config.AdminConfig) *StaticCredentials {
	return &StaticCredentials{
		username: cfg.Username,
		password: cfg.Password,
		key:      cfg.Key,
	}
}

func (s *StaticCredentials) Check(_ context.Context, c Credentials) (Principal, error) {
	if key := strings.TrimSpace(c.Key); key != "" && s.key != "" && equal(key, s.key) {
		return Principal{Username: s.username}, nil
	}
	if s.username != "" && equal(strings.TrimSpace(c.Username), s.username) && equal(c.Password, s.password) {
		return Principal{Username: s.username}, nil
	}
	return Principal{}, ErrInvalidCredentials
}

func equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
