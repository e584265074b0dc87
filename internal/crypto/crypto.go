package crypto

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"math/big"

	"golang.org/x/crypto/blake2b"
)

const alphanumeric = "abcdefghijklmnopqrstuvwxyz0123456789"

func GenerateSecret() ([]byte, error) {
	return GenerateRandomBytes(32)
}

func GenerateRandomBytes(length int) ([]byte, error) {
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		return nil, fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return bytes, nil
}

// RandomString returns a lowercase alphanumeric string, safe for use in
// kernel interface and namespace names.
func RandomString(length int) (string, error) {
	out := make([]byte, length)
	max := big.NewInt(int64(len(alphanumeric)))
	for i := range out {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("failed to generate random string: %w", err)
		}
		out[i] = alphanumeric[n.Int64()]
	}
	return string(out), nil
}

// DeriveResponse binds a challenge token to the validator secret with keyed BLAKE2b.
func DeriveResponse(secret []byte, challenge string) (string, error) {
	h, err := blake2b.New256(secret)
	if err != nil {
		return "", fmt.Errorf("failed to create hash: %w", err)
	}
	h.Write([]byte(challenge))
	return hex.EncodeToString(h.Sum(nil)), nil
}

func EqualResponses(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func EncodeBase64(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

func DecodeBase64(data string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(data)
}
