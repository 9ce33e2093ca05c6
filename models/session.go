package models

import (
	"time"

	"github.com/google/uuid"
)

// SessionCredential is a signed, stateless bearer credential. It is never persisted.
type SessionCredential struct {
	Token       string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	PrincipalID uuid.UUID `json:"-"`
	IssuedAt    time.Time `json:"issued_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// ExpiresIn returns the remaining lifetime in whole seconds at now.
func (c *SessionCredential) ExpiresIn(now time.Time) int64 {
	d := c.ExpiresAt.Sub(now)
	if d < 0 {
		return 0
	}
	return int64(d / time.Second)
}
