// Package secrets provides the authenticated-encryption envelope used for
// webhook secrets and optional intent context encryption at rest. Envelopes
// are AES-256-GCM with a random nonce, base64-encoded.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
)

// envelopeKey marks a map as an encrypted envelope rather than plaintext.
const envelopeKey = "_enc"

// Cipher seals and opens envelopes under one 256-bit key.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher builds a Cipher from a hex-encoded 256-bit key.
func NewCipher(hexKey string) (*Cipher, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("decode encryption key: %w", err)
	}
	if len(key) != 32 {
		return nil, errors.New("encryption key must be 32 bytes")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// Seal encrypts plaintext into a base64 envelope.
func (c *Cipher) Seal(plaintext []byte) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a base64 envelope produced by Seal.
func (c *Cipher) Open(envelope string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(envelope)
	if err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if len(raw) < c.aead.NonceSize() {
		return nil, errors.New("envelope too short")
	}
	nonce, ct := raw[:c.aead.NonceSize()], raw[c.aead.NonceSize():]
	plain, err := c.aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, errors.New("envelope authentication failed")
	}
	return plain, nil
}

// SealString encrypts a string secret.
func (c *Cipher) SealString(s string) (string, error) {
	return c.Seal([]byte(s))
}

// OpenString decrypts a string secret.
func (c *Cipher) OpenString(envelope string) (string, error) {
	raw, err := c.Open(envelope)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// SealMap encrypts a JSON object into an envelope map, preserving the
// column's object shape.
func (c *Cipher) SealMap(m map[string]any) (map[string]any, error) {
	if m == nil {
		return nil, nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal for sealing: %w", err)
	}
	env, err := c.Seal(raw)
	if err != nil {
		return nil, err
	}
	return map[string]any{envelopeKey: env}, nil
}

// OpenMap decrypts an envelope map produced by SealMap. Maps without an
// envelope marker pass through unchanged.
func (c *Cipher) OpenMap(m map[string]any) (map[string]any, error) {
	if m == nil {
		return nil, nil
	}
	env, ok := m[envelopeKey].(string)
	if !ok {
		return m, nil
	}
	raw, err := c.Open(env)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("unmarshal sealed object: %w", err)
	}
	return out, nil
}

// Sealed reports whether m is an envelope produced by SealMap.
func Sealed(m map[string]any) bool {
	if m == nil {
		return false
	}
	_, ok := m[envelopeKey].(string)
	return ok
}
