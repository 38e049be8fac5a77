package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"github.com/alexedwards/argon2id"
)

// Approval tokens are short-lived, so the parameters are lighter than the
// library defaults.
var TOKEN_PARAMS = &argon2id.Params{
	Memory:      16 * 1024,
	Iterations:  2,
	Parallelism: 1,
	SaltLength:  16,
	KeyLength:   32,
}

// NewToken returns a random url-safe token and its hash.
func NewToken() (token, hash string, err error) {
	raw := make([]byte, 24)
	if _, err = rand.Read(raw); err != nil {
		err = fmt.Errorf("error generating token - %w", err)
		return
	}
	token = base64.RawURLEncoding.EncodeToString(raw)
	hash, err = Hash(token)
	return
}

func Hash(value string) (string, error) {
	return argon2id.CreateHash(value, TOKEN_PARAMS)
}

func ValidateHash(hash string) error {
	_, _, _, err := argon2id.DecodeHash(hash)
	return err
}

func CompareToHash(value, hash string) (bool, error) {
	if value == "" {
		return false, nil
	}
	return argon2id.ComparePasswordAndHash(value, hash)
}
