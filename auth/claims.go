// Package auth issues and verifies the HS256 bearer tokens that authenticate
// API callers.
package auth

import "github.com/golang-jwt/jwt/v5"

// Claims is the token payload. Subject mirrors UserID.
type Claims struct {
	jwt.RegisteredClaims
	UserID string `json:"user_id"`
	Email  string `json:"email,omitempty"`
	Role   string `json:"role,omitempty"` // "user" or "admin"
}
