package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/crypto/bcrypt"
)

const (
	bcryptCostFactor = 12
)

// HashPassword generates a bcrypt hash suitable for ROUTER_PASSWORD_HASH.
func HashPassword(password string) (string, error) {
	hashedBytes, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCostFactor)
	if err != nil {
		slog.Error("Failed to generate bcrypt hash for password", slog.Any("error", err))
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hashedBytes), nil
}

// CheckPasswordHash compares a plaintext password with a stored bcrypt hash.
func CheckPasswordHash(password, hash string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	if err != nil {
		if !errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			slog.Warn("Error comparing password hash", slog.Any("error", err))
		}
		return false
	}
	return true
}

// Gate checks the router's shared secret. A Gate with neither a password nor
// a hash lets every request through.
type Gate struct {
	password string
	hash     string
}

func NewGate(password, hash string) *Gate {
	return &Gate{password: password, hash: hash}
}

// Enabled reports whether requests must carry the secret.
func (g *Gate) Enabled() bool {
	return g != nil && (g.password != "" || g.hash != "")
}

// Allow reports whether supplied matches the configured secret.
func (g *Gate) Allow(supplied string) bool {
	if !g.Enabled() {
		return true
	}
	if supplied == "" {
		return false
	}
	if g.hash != "" {
		return CheckPasswordHash(supplied, g.hash)
	}
	return subtle.ConstantTimeCompare([]byte(supplied), []byte(g.password)) == 1
}
