package accounts

import (
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"
)

func TestHashPassword(t *testing.T) {
	tests := []struct {
		name     string
		password string
		cost     int
		wantErr  bool
	}{
		{name: "min cost", password: "password", cost: bcrypt.MinCost},
		{name: "empty password", password: "", cost: bcrypt.MinCost},
		{name: "72 bytes", password: strings.Repeat("a", 72), cost: bcrypt.MinCost},
		{name: "73 bytes rejected", password: strings.Repeat("a", 73), cost: bcrypt.MinCost, wantErr: true},
		{name: "unicode", password: "пароль密码🔐", cost: bcrypt.MinCost},
		{name: "cost too high", password: "password", cost: bcrypt.MaxCost + 1, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hash, err := HashPassword(tt.password, tt.cost)
			if (err != nil) != tt.wantErr {
				t.Fatalf("HashPassword() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if !strings.HasPrefix(hash, "$2") {
				t.Errorf("HashPassword() returned invalid bcrypt hash format: %s", hash)
			}
			if !VerifyPassword(hash, tt.password) {
				t.Error("HashPassword() produced hash that doesn't verify")
			}
		})
	}
}

func TestVerifyPassword(t *testing.T) {
	hash, err := HashPassword("mypassword123", bcrypt.MinCost)
	if err != nil {
		t.Fatalf("Failed to hash password for test: %v", err)
	}

	tests := []struct {
		name     string
		hash     string
		password string
		want     bool
	}{
		{name: "correct password", hash: hash, password: "mypassword123", want: true},
		{name: "wrong password", hash: hash, password: "wrongpassword"},
		{name: "case sensitive", hash: hash, password: "MYPASSWORD123"},
		{name: "invalid hash", hash: "notavalidhash", password: "mypassword123"},
		{name: "empty hash", hash: "", password: "mypassword123"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := VerifyPassword(tt.hash, tt.password); got != tt.want {
				t.Errorf("VerifyPassword() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPartialDigest(t *testing.T) {
	// md5("bob:DJANGO:secret")
	got := PartialDigest("bob", "DJANGO", "secret")
	if len(got) != 32 {
		t.Fatalf("PartialDigest length = %d, want 32", len(got))
	}
	if got != PartialDigest("bob", "DJANGO", "secret") {
		t.Error("PartialDigest is not deterministic")
	}
	if got == PartialDigest("bob", "other", "secret") {
		t.Error("realm must change the digest")
	}
}

func TestGenerateKey(t *testing.T) {
	a, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	b, _ := GenerateKey()
	if len(a) != 40 {
		t.Errorf("key length = %d, want 40", len(a))
	}
	if a == b {
		t.Error("keys should be random")
	}
}
