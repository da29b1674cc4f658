package auth

import (
	"errors"
	"strings"
	"testing"
)

func TestHashAndVerifyKey(t *testing.T) {
	t.Parallel()

	hash, err := HashKey("tg_admin_secret")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(hash, "$argon2id$") {
		t.Fatalf("hash = %q, want PHC argon2id format", hash)
	}

	match, err := VerifyKey("tg_admin_secret", hash)
	if err != nil {
		t.Fatal(err)
	}
	if !match {
		t.Error("correct key must verify")
	}

	match, err = VerifyKey("wrong", hash)
	if err != nil {
		t.Fatal(err)
	}
	if match {
		t.Error("wrong key must not verify")
	}
}

func TestVerifyKeySHA256Fallback(t *testing.T) {
	t.Parallel()

	// sha256("legacy-key")
	stored := "sha256:94eeb7bbe979dd0d2f0bb085172b76a1bc9e61789839480834a9bcb5aaf9c6ef"
	match, err := VerifyKey("legacy-key", stored)
	if err != nil {
		t.Fatal(err)
	}
	if !match {
		t.Error("sha256-prefixed hash must verify")
	}
}

func TestVerifyKeyUnknownFormat(t *testing.T) {
	t.Parallel()

	if _, err := VerifyKey("key", "md5:abc"); !errors.Is(err, ErrUnknownHashType) {
		t.Fatalf("err = %v, want ErrUnknownHashType", err)
	}
}

func TestVerifyKeyMalformedArgon2id(t *testing.T) {
	t.Parallel()

	if _, err := VerifyKey("key", "$argon2id$v=19$m=0,t=0,p=0$AAAA$AAAA"); err == nil {
		t.Error("malformed argon2id hash must return an error, not panic")
	}
}
