package sasl

import (
	"fmt"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"aox/internal/models"
)

func testVerify(login, secret string) (*models.User, error) {
	if login == "testuser" && secret == "secret" {
		return &models.User{ID: 1, Login: "testuser", InboxID: 10}, nil
	}
	return nil, fmt.Errorf("authentication failed")
}

func testLookup(login string) (*models.User, error) {
	if login == "testuser" {
		return &models.User{ID: 1, Login: "testuser", InboxID: 10}, nil
	}
	return nil, fmt.Errorf("no such user")
}

func TestPlainSuccess(t *testing.T) {
	s, err := New("PLAIN", testVerify, testLookup, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	_, done, err := s.Next([]byte("\x00testuser\x00secret"))
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if !done {
		t.Fatal("exchange not done after initial response")
	}
	if s.User() == nil || s.User().Login != "testuser" {
		t.Errorf("User() = %+v, want testuser", s.User())
	}
}

func TestPlainBadPassword(t *testing.T) {
	s, _ := New("PLAIN", testVerify, testLookup, nil)
	_, _, err := s.Next([]byte("\x00testuser\x00wrong"))
	if err == nil {
		t.Error("expected authentication failure")
	}
	if s.User() != nil {
		t.Error("User() set after failed exchange")
	}
}

func TestLoginExchange(t *testing.T) {
	s, err := New("LOGIN", testVerify, testLookup, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	challenge, done, err := s.Next(nil)
	if err != nil || done {
		t.Fatalf("first challenge: done=%v err=%v", done, err)
	}
	if string(challenge) != "Username:" {
		t.Errorf("first challenge = %q", challenge)
	}
	challenge, done, err = s.Next([]byte("testuser"))
	if err != nil || done {
		t.Fatalf("second challenge: done=%v err=%v", done, err)
	}
	if string(challenge) != "Password:" {
		t.Errorf("second challenge = %q", challenge)
	}
	_, done, err = s.Next([]byte("secret"))
	if err != nil || !done {
		t.Fatalf("final step: done=%v err=%v", done, err)
	}
	if s.User() == nil {
		t.Error("User() nil after successful LOGIN exchange")
	}
}

func TestUnsupportedMechanism(t *testing.T) {
	if _, err := New("CRAM-MD5", testVerify, testLookup, nil); err == nil {
		t.Error("expected error for unsupported mechanism")
	}
}

func signedToken(t *testing.T, secret []byte, sub string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": sub,
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	s, err := tok.SignedString(secret)
	if err != nil {
		t.Fatalf("signing token: %v", err)
	}
	return s
}

func TestOAuthBearer(t *testing.T) {
	secret := []byte("test-jwt-secret")
	token := signedToken(t, secret, "testuser")

	s, err := New("OAUTHBEARER", testVerify, testLookup, secret)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	resp := fmt.Sprintf("n,a=testuser,\x01auth=Bearer %s\x01\x01", token)
	_, done, err := s.Next([]byte(resp))
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if !done || s.User() == nil || s.User().Login != "testuser" {
		t.Errorf("done=%v user=%+v", done, s.User())
	}
}

func TestOAuthBearerBadSignature(t *testing.T) {
	token := signedToken(t, []byte("other-secret"), "testuser")
	s, _ := New("OAUTHBEARER", testVerify, testLookup, []byte("test-jwt-secret"))
	resp := fmt.Sprintf("n,,\x01auth=Bearer %s\x01\x01", token)
	_, _, err := s.Next([]byte(resp))
	if err == nil {
		t.Error("expected signature validation failure")
	}
}

func TestMechanisms(t *testing.T) {
	m := Mechanisms(false)
	if len(m) != 2 || m[0] != "PLAIN" || m[1] != "LOGIN" {
		t.Errorf("Mechanisms(false) = %v", m)
	}
	m = Mechanisms(true)
	if len(m) != 3 || m[2] != "OAUTHBEARER" {
		t.Errorf("Mechanisms(true) = %v", m)
	}
}
