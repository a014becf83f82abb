// Package crypto seals guest details at rest with AES-256-GCM.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

var ErrCiphertext = errors.New("crypto: ciphertext too short")

type Sealer struct{ aead cipher.AEAD }

func New(key []byte) (*Sealer, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("crypto: key must be 32 bytes (got %d)", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	a, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Sealer{aead: a}, nil
}

// Seal returns base64(nonce || ciphertext). aad binds the value to its row.
func (s *Sealer) Seal(plaintext, aad []byte) (string, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	buf := s.aead.Seal(nonce, nonce, plaintext, aad)
	return base64.RawStdEncoding.EncodeToString(buf), nil
}

func (s *Sealer) Open(sealed string, aad []byte) ([]byte, error) {
	buf, err := base64.RawStdEncoding.DecodeString(sealed)
	if err != nil {
		return nil, err
	}
	ns := s.aead.NonceSize()
	if len(buf) < ns {
		return nil, ErrCiphertext
	}
	return s.aead.Open(nil, buf[:ns], buf[ns:], aad)
}

func (s *Sealer) SealJSON(v any, aad []byte) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return s.Seal(b, aad)
}

func (s *Sealer) OpenJSON(sealed string, aad []byte, v any) error {
	b, err := s.Open(sealed, aad)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}
