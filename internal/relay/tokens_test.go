package relay

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestUserTokenRoundTrip(t *testing.T) {
	env := newTestEnv(t)

	token := env.handlers.generateToken("user-1")
	userID, err := env.handlers.parseUserToken(token)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if userID != "user-1" {
		t.Fatalf("expected user-1, got %q", userID)
	}

	if _, err := env.handlers.parseUserToken("not-a-jwt"); err == nil {
		t.Fatal("expected garbage to be rejected")
	}

	// A token signed with a different secret must not validate.
	foreign := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"user_id": "user-1"})
	signed, _ := foreign.SignedString([]byte("other-secret"))
	if _, err := env.handlers.parseUserToken(signed); err == nil {
		t.Fatal("expected a foreign signature to be rejected")
	}
}

func TestMediaTokenClaims(t *testing.T) {
	env := newTestEnv(t)

	tokenString := env.handlers.mediaToken("call-room-9", "user-9")
	token, err := jwt.Parse(tokenString, func(*jwt.Token) (interface{}, error) {
		return []byte("test-secret"), nil
	})
	if err != nil || !token.Valid {
		t.Fatalf("media token does not validate: %v", err)
	}

	claims := token.Claims.(jwt.MapClaims)
	if claims["room"] != "call-room-9" || claims["identity"] != "user-9" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	exp, ok := claims["exp"].(float64)
	if !ok || time.Unix(int64(exp), 0).Before(time.Now().Add(time.Hour)) {
		t.Fatalf("media token should be valid for about two hours, exp=%v", claims["exp"])
	}
}
