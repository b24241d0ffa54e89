package storage

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"
)

// valueCodec seals and opens stored values with AES-GCM when encryption at
// rest is enabled. The random nonce is prepended to each ciphertext.
type valueCodec struct {
	gcm cipher.AEAD
}

// newValueCodec builds a codec from key. Key length selects AES-128/192/256.
func newValueCodec(key []byte) (*valueCodec, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &valueCodec{gcm: gcm}, nil
}

func (c *valueCodec) seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, c.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return c.gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func (c *valueCodec) open(ciphertext []byte) ([]byte, error) {
	nonceSize := c.gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("stored value is too short to decrypt")
	}
	nonce, sealed := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := c.gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt stored value: %w", err)
	}
	return plaintext, nil
}

// encodeValue runs v through the codec if one is configured.
func (e *Engine) encodeValue(v []byte) ([]byte, error) {
	if e.codec == nil {
		return v, nil
	}
	return e.codec.seal(v)
}

// decodeValue reverses encodeValue.
func (e *Engine) decodeValue(v []byte) ([]byte, error) {
	if e.codec == nil {
		return v, nil
	}
	return e.codec.open(v)
}
