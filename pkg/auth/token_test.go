package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "test-secret"

func signToken(t *testing.T, method jwt.SigningMethod, claims jwt.MapClaims, secret string) string {
	t.Helper()
	token, err := jwt.NewWithClaims(method, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatal(err)
	}
	return token
}

func TestRoleFromToken(t *testing.T) {
	adminToken := signToken(t, jwt.SigningMethodHS256, jwt.MapClaims{"role": "admin"}, testSecret)
	userToken := signToken(t, jwt.SigningMethodHS256, jwt.MapClaims{"role": "user"}, testSecret)
	noRoleToken := signToken(t, jwt.SigningMethodHS256, jwt.MapClaims{"sub": "x"}, testSecret)
	wrongKeyToken := signToken(t, jwt.SigningMethodHS256, jwt.MapClaims{"role": "admin"}, "other-secret")
	wrongAlgToken := signToken(t, jwt.SigningMethodHS512, jwt.MapClaims{"role": "admin"}, testSecret)
	expiredToken := signToken(t, jwt.SigningMethodHS256, jwt.MapClaims{
		"role": "admin",
		"exp":  time.Now().Add(-time.Hour).Unix(),
	}, testSecret)

	cases := []struct {
		name  string
		token string
		want  Role
	}{
		{"admin claim", adminToken, RoleAdmin},
		{"user claim", userToken, RoleUser},
		{"no role claim", noRoleToken, RoleUser},
		{"wrong signing key", wrongKeyToken, RoleUser},
		{"wrong algorithm", wrongAlgToken, RoleUser},
		{"expired", expiredToken, RoleUser},
		{"empty token", "", RoleUser},
		{"garbage", "not.a.jwt", RoleUser},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := RoleFromToken(tc.token, testSecret); got != tc.want {
				t.Errorf("RoleFromToken = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestRoleFromToken_EmptySecret(t *testing.T) {
	token := signToken(t, jwt.SigningMethodHS256, jwt.MapClaims{"role": "admin"}, testSecret)
	if got := RoleFromToken(token, ""); got != RoleUser {
		t.Errorf("empty secret yielded %q, want user", got)
	}
}

func TestRoleIsAdmin(t *testing.T) {
	if !RoleAdmin.IsAdmin() {
		t.Error("RoleAdmin.IsAdmin() = false")
	}
	if RoleUser.IsAdmin() {
		t.Error("RoleUser.IsAdmin() = true")
	}
}
