package llm

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"io"

	"github.com/sempervigil/sempervigil/internal/model"
)

// Keeper wraps and unwraps provider API keys with AES-GCM under a
// master key. Each wrap uses a fresh nonce, prepended to the ciphertext.
type Keeper struct {
	aead cipher.AEAD
}

// NewKeeper derives the AES key from the configured master secret.
func NewKeeper(masterKey string) (*Keeper, error) {
	if masterKey == "" {
		return nil, model.Errf(model.KindValidation, "llm secret key is empty")
	}
	sum := sha256.Sum256([]byte(masterKey))
	block, err := aes.NewCipher(sum[:])
	if err != nil {
		return nil, model.WrapErr(model.KindInternal, err, "build cipher")
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, model.WrapErr(model.KindInternal, err, "build gcm")
	}
	return &Keeper{aead: aead}, nil
}

// Wrap encrypts a provider API key for storage.
func (k *Keeper) Wrap(plaintext string) (string, error) {
	nonce := make([]byte, k.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", model.WrapErr(model.KindInternal, err, "generate nonce")
	}
	sealed := k.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Unwrap decrypts a stored provider API key.
func (k *Keeper) Unwrap(wrapped string) (string, error) {
	sealed, err := base64.StdEncoding.DecodeString(wrapped)
	if err != nil {
		return "", model.Errf(model.KindValidation, "wrapped key is not base64: %v", err)
	}
	if len(sealed) < k.aead.NonceSize() {
		return "", model.Errf(model.KindValidation, "wrapped key too short")
	}
	nonce, ciphertext := sealed[:k.aead.NonceSize()], sealed[k.aead.NonceSize():]
	plaintext, err := k.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", model.Errf(model.KindValidation, "unwrap provider key: %v", err)
	}
	return string(plaintext), nil
}
