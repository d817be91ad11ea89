package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/golang-jwt/jwt/v4"
	"github.com/google/go-cmp/cmp"
)

func TestUserIDs(t *testing.T) {
	if diff := cmp.Diff([]string{"alice"}, userIDs(1, "u", 1, []string{"alice"})); diff != "" {
		t.Fatalf("explicit id (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"u"}, userIDs(1, "u", 1, nil)); diff != "" {
		t.Fatalf("single id (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"u-3", "u-4"}, userIDs(2, "u", 3, nil)); diff != "" {
		t.Fatalf("generated ids (-want +got):\n%s", diff)
	}
}

func TestGenerateTokensCarrySubject(t *testing.T) {
	now := time.Now()
	tokens, err := generateTokens([]byte("s"), time.Minute, now, []string{"a", "b"})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	for i, want := range []string{"a", "b"} {
		claims := jwt.MapClaims{}
		if _, _, err := jwt.NewParser().ParseUnverified(tokens[i], claims); err != nil {
			t.Fatalf("parse: %v", err)
		}
		if claims["sub"] != want {
			t.Fatalf("token %d: sub %v", i, claims["sub"])
		}
		if !claims.VerifyExpiresAt(now.Add(30*time.Second).Unix(), true) {
			t.Fatalf("token %d expired too early", i)
		}
	}
}

func TestWriteTokens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "tokens.json")
	if err := writeTokens(path, []string{"x.y.z"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var got []string
	if err := sonic.Unmarshal(data, &got); err != nil || len(got) != 1 || got[0] != "x.y.z" {
		t.Fatalf("unexpected file %s err=%v", data, err)
	}
}
