package crypto

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
)

const plainPrefix = "plain:"

// PlainEncryptor implements Encryptor without a key, for local development.
// Output is base64 with a marker prefix so it is never mistaken for KMS ciphertext.
type PlainEncryptor struct{}

func NewPlainEncryptor() *PlainEncryptor {
	return &PlainEncryptor{}
}

func (PlainEncryptor) Encrypt(_ context.Context, plaintext []byte) (string, error) {
	return plainPrefix + base64.StdEncoding.EncodeToString(plaintext), nil
}

func (PlainEncryptor) Decrypt(_ context.Context, ciphertext string) ([]byte, error) {
	encoded, ok := strings.CutPrefix(ciphertext, plainPrefix)
	if !ok {
		return nil, fmt.Errorf("ciphertext was not produced by the plain encryptor")
	}
	return base64.StdEncoding.DecodeString(encoded)
}
