// Package auth hashes and verifies the admin API key guarding the
// operational endpoints.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/alexedwards/argon2id"
)

// ErrUnknownHashType is returned when a stored hash has an
// unrecognized format.
var ErrUnknownHashType = errors.New("unknown hash type")

// argon2idParams uses the OWASP minimum parameters.
// Memory: 47 MiB, Iterations: 1, Parallelism: 1
var argon2idParams = &argon2id.Params{
	Memory:      47 * 1024,
	Iterations:  1,
	Parallelism: 1,
	SaltLength:  16,
	KeyLength:   32,
}

// HashKey returns an Argon2id hash of the raw key in PHC format,
// suitable for the admin key-hash configuration value.
func HashKey(rawKey string) (string, error) {
	return argon2id.CreateHash(rawKey, argon2idParams)
}

// VerifyKey verifies a raw key against a stored hash. Argon2id PHC
// hashes are the native format; sha256-prefixed hex is accepted for
// keys hashed by older tooling.
func VerifyKey(rawKey, storedHash string) (bool, error) {
	switch {
	case strings.HasPrefix(storedHash, "$argon2id$"):
		return safeArgon2idCompare(rawKey, storedHash)
	case strings.HasPrefix(storedHash, "sha256:"):
		expected := strings.TrimPrefix(storedHash, "sha256:")
		sum := sha256.Sum256([]byte(rawKey))
		computed := hex.EncodeToString(sum[:])
		return subtle.ConstantTimeCompare([]byte(computed), []byte(expected)) == 1, nil
	default:
		return false, ErrUnknownHashType
	}
}

// safeArgon2idCompare wraps argon2id.ComparePasswordAndHash with panic
// recovery. The underlying argon2 library panics on malformed hashes
// with invalid parameters (t=0, p=0); those become errors here.
func safeArgon2idCompare(rawKey, storedHash string) (match bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			match = false
			err = fmt.Errorf("invalid argon2id hash parameters: %v", r)
		}
	}()
	return argon2id.ComparePasswordAndHash(rawKey, storedHash)
}
