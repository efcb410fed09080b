// Package auth extracts a caller role from a signed bearer token.
package auth

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Role is the privilege level attached to a connection.
type Role string

const (
	// RoleAdmin may admit waiting peers and broadcast material events.
	RoleAdmin Role = "admin"
	// RoleUser must wait in the admission queue.
	RoleUser Role = "user"
)

// IsAdmin reports whether the role carries admin privileges.
func (r Role) IsAdmin() bool {
	return r == RoleAdmin
}

// RoleFromToken verifies an HS256 JWT and returns the role claim.
// Every failure mode (missing token, bad signature, wrong algorithm,
// expired, absent or non-admin claim) degrades to RoleUser; a token
// never denies entry, it only withholds privilege.
func RoleFromToken(token, secret string) Role {
	if token == "" || secret == "" {
		return RoleUser
	}

	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !parsed.Valid {
		return RoleUser
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return RoleUser
	}

	if role, _ := claims["role"].(string); role == string(RoleAdmin) {
		return RoleAdmin
	}
	return RoleUser
}
