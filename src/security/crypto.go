package security

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/nacl/secretbox"
)

var errBadSealKey = errors.New("security: seal key must be 32 bytes base64")

func sealKey() ([32]byte, error) {
	var key [32]byte

	cfg := GetConfig()
	raw, err := base64.StdEncoding.DecodeString(cfg.SealKey)
	if err != nil || len(raw) != 32 {
		return key, errBadSealKey
	}
	copy(key[:], raw)
	return key, nil
}

// EncryptString seals a secret for storage, returning base64(nonce||box).
func EncryptString(plaintext string) (string, error) {
	key, err := sealKey()
	if err != nil {
		return "", err
	}

	var nonce [24]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", fmt.Errorf("security: nonce: %w", err)
	}

	sealed := secretbox.Seal(nonce[:], []byte(plaintext), &nonce, &key)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// DecryptString opens a secret sealed by EncryptString.
func DecryptString(sealed string) (string, error) {
	key, err := sealKey()
	if err != nil {
		return "", err
	}

	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil || len(raw) < 24 {
		return "", errors.New("security: malformed sealed value")
	}

	var nonce [24]byte
	copy(nonce[:], raw[:24])

	plain, ok := secretbox.Open(nil, raw[24:], &nonce, &key)
	if !ok {
		return "", errors.New("security: failed to open sealed value")
	}
	return string(plain), nil
}
