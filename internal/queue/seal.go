package queue

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"strings"
)

const (
	// EncryptionKeyEnvVar holds the key used to seal message bodies at rest.
	EncryptionKeyEnvVar = "BROKER_MESSAGE_ENCRYPTION_KEY"

	sealedHeader = "# BROKER_SEALED_MESSAGE\n"
)

// seal encrypts content with AES-256-GCM and frames it with a text header.
func seal(content, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, content, nil)
	encoded := base64.StdEncoding.EncodeToString(ciphertext)
	return []byte(sealedHeader + encoded), nil
}

// unseal reverses seal.
func unseal(content, key []byte) ([]byte, error) {
	if key == nil {
		return nil, fmt.Errorf("message is sealed but %s is not set", EncryptionKeyEnvVar)
	}

	encoded := strings.TrimSpace(strings.TrimPrefix(string(content), sealedHeader))
	ciphertext, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode sealed message: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to unseal message (wrong key?): %w", err)
	}
	return plaintext, nil
}

// IsSealed checks if a message body is encrypted.
func IsSealed(content []byte) bool {
	return strings.HasPrefix(string(content), sealedHeader)
}

// keyFromEnv returns the 32-byte AES key from the environment, or nil if unset.
func keyFromEnv() []byte {
	return normalizeKey(os.Getenv(EncryptionKeyEnvVar))
}

// normalizeKey pads or truncates keyStr to 32 bytes for AES-256.
func normalizeKey(keyStr string) []byte {
	if keyStr == "" {
		return nil
	}
	key := make([]byte, 32)
	copy(key, []byte(keyStr))
	return key
}
