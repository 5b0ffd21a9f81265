package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/crypto/hkdf"
)

const (
	accountSecretKeyEnv = "ACCOUNT_SECRET_KEY"
	EncryptedPrefix     = "enc:"

	hkdfInfo = "quotapool account credentials v1"
)

var (
	ErrSecretKeyMissing = errors.New("account secret key not set: " + accountSecretKeyEnv)

	secretCipherOnce sync.Once
	secretCipherInst *secretCipher
	secretCipherErr  error
)

type secretCipher struct {
	gcm cipher.AEAD
}

// getSecretCipher returns (nil, nil) when no key is configured, in which case
// secrets are stored as plaintext.
func getSecretCipher() (*secretCipher, error) {
	secretCipherOnce.Do(func() {
		rawKey := strings.TrimSpace(os.Getenv(accountSecretKeyEnv))
		if rawKey == "" {
			return
		}

		key, err := deriveKey(rawKey)
		if err != nil {
			secretCipherErr = fmt.Errorf("derive account key: %w", err)
			return
		}

		block, err := aes.NewCipher(key)
		if err != nil {
			secretCipherErr = fmt.Errorf("create cipher: %w", err)
			return
		}

		gcm, err := cipher.NewGCM(block)
		if err != nil {
			secretCipherErr = fmt.Errorf("create gcm: %w", err)
			return
		}

		secretCipherInst = &secretCipher{gcm: gcm}
	})

	return secretCipherInst, secretCipherErr
}

func deriveKey(raw string) ([]byte, error) {
	material := []byte(raw)
	if decoded, err := base64.StdEncoding.DecodeString(raw); err == nil && len(decoded) > 0 {
		material = decoded
	}

	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, material, nil, []byte(hkdfInfo)), key); err != nil {
		return nil, err
	}
	return key, nil
}

// EncryptionEnabled reports whether ACCOUNT_SECRET_KEY is configured and usable.
func EncryptionEnabled() bool {
	sc, err := getSecretCipher()
	return err == nil && sc != nil
}

func EncryptSecret(plain string) (string, error) {
	if plain == "" || IsEncrypted(plain) {
		return plain, nil
	}

	sc, err := getSecretCipher()
	if err != nil {
		return "", err
	}
	if sc == nil {
		return plain, nil
	}

	nonce := make([]byte, sc.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	cipherText := sc.gcm.Seal(nil, nonce, []byte(plain), nil)
	payload := append(nonce, cipherText...)

	return EncryptedPrefix + base64.StdEncoding.EncodeToString(payload), nil
}

// DecryptSecret returns plain values unchanged. Encrypted values require the key.
func DecryptSecret(value string) (string, error) {
	if !IsEncrypted(value) {
		return value, nil
	}

	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, EncryptedPrefix))
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}

	sc, err := getSecretCipher()
	if err != nil {
		return "", err
	}
	if sc == nil {
		return "", ErrSecretKeyMissing
	}

	nonceSize := sc.gcm.NonceSize()
	if len(data) <= nonceSize {
		return "", errors.New("ciphertext too short")
	}

	plain, err := sc.gcm.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return "", fmt.Errorf("decrypt ciphertext: %w", err)
	}

	return string(plain), nil
}

func IsEncrypted(value string) bool {
	return strings.HasPrefix(value, EncryptedPrefix)
}

func ResetSecretCipherForTests() {
	secretCipherOnce = sync.Once{}
	secretCipherInst = nil
	secretCipherErr = nil
}
