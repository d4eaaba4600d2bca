package token

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestIssueAndDecode(t *testing.T) {
	iss := NewIssuer("test-secret")
	before := time.Now()

	raw, err := iss.Issue("sess-1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	claims, err := iss.Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if claims.SessionID != "sess-1" {
		t.Errorf("session id = %q, want sess-1", claims.SessionID)
	}
	if claims.Type != TypeAttendance {
		t.Errorf("type = %q, want %q", claims.Type, TypeAttendance)
	}
	issued := claims.IssuedTime()
	if issued.Before(before.Add(-time.Second)) || issued.After(time.Now().Add(time.Second)) {
		t.Errorf("issue time %v outside expected range", issued)
	}
}

func TestIssueRequiresSession(t *testing.T) {
	iss := NewIssuer("test-secret")
	if _, err := iss.Issue(""); err == nil {
		t.Fatal("expected error for empty session id")
	}
}

func TestDecodeRejectsWrongKey(t *testing.T) {
	raw, err := NewIssuer("key-a").Issue("sess-1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := NewIssuer("key-b").Decode(raw); err == nil {
		t.Fatal("expected signature failure across keys")
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	iss := NewIssuer("test-secret")
	for _, raw := range []string{"", "not-a-jwt", "a.b.c"} {
		if _, err := iss.Decode(raw); err == nil {
			t.Errorf("Decode(%q) accepted garbage", raw)
		}
	}
}

func TestDecodeRejectsWrongType(t *testing.T) {
	// A staff-style token signed with the same key must not pass as an
	// attendance token.
	claims := Claims{SessionID: "sess-1", IssuedAtMillis: time.Now().UnixMilli(), Type: "access"}
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := NewIssuer("test-secret").Decode(raw); err == nil {
		t.Fatal("expected type discriminator rejection")
	}
}

func TestDecodeRejectsMissingIssueTime(t *testing.T) {
	claims := Claims{SessionID: "sess-1", Type: TypeAttendance}
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := NewIssuer("test-secret").Decode(raw); err == nil {
		t.Fatal("expected rejection of token without issue timestamp")
	}
}
