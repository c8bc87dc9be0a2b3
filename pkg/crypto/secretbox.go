package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

const (
	keySize = 32
	ivSize  = aes.BlockSize
)

// SecretBox encrypts short secrets (private keys, cloud credentials) with
// AES-256-CBC under a fixed key and IV. When either is unset the box is
// disabled and values pass through unchanged.
type SecretBox struct {
	key []byte
	iv  []byte
}

// NewSecretBox normalizes key material: the key is right-padded with '0' to
// 32 bytes and the IV to 16 bytes, and both are truncated to size.
func NewSecretBox(key, iv string) *SecretBox {
	if key == "" || iv == "" {
		return &SecretBox{}
	}
	return &SecretBox{
		key: normalize(key, keySize),
		iv:  normalize(iv, ivSize),
	}
}

func normalize(s string, size int) []byte {
	if len(s) < size {
		s += strings.Repeat("0", size-len(s))
	}
	return []byte(s[:size])
}

// Enabled reports whether key material is configured
func (b *SecretBox) Enabled() bool {
	return len(b.key) == keySize && len(b.iv) == ivSize
}

// Encrypt returns the base64 ciphertext of plaintext. Empty input yields empty output.
func (b *SecretBox) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	if !b.Enabled() {
		return plaintext, nil
	}

	block, err := aes.NewCipher(b.key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}

	padded := pkcs7Pad([]byte(plaintext), aes.BlockSize)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, b.iv).CryptBlocks(out, padded)
	return base64.StdEncoding.EncodeToString(out), nil
}

// Decrypt reverses Encrypt. It never fails: a disabled box, malformed input
// or a wrong key all return the stored value unchanged.
func (b *SecretBox) Decrypt(stored string) string {
	if stored == "" || !b.Enabled() {
		return stored
	}
	plain, err := b.decrypt(stored)
	if err != nil {
		return stored
	}
	return plain
}

func (b *SecretBox) decrypt(stored string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(stored)
	if err != nil {
		return "", err
	}
	if len(raw) == 0 || len(raw)%aes.BlockSize != 0 {
		return "", errors.New("ciphertext is not a multiple of the block size")
	}

	block, err := aes.NewCipher(b.key)
	if err != nil {
		return "", err
	}

	out := make([]byte, len(raw))
	cipher.NewCBCDecrypter(block, b.iv).CryptBlocks(out, raw)
	unpadded, err := pkcs7Unpad(out, aes.BlockSize)
	if err != nil {
		return "", err
	}
	return string(unpadded), nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	return append(data, bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 {
		return nil, errors.New("empty block")
	}
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize || n > len(data) {
		return nil, errors.New("invalid padding")
	}
	for _, c := range data[len(data)-n:] {
		if int(c) != n {
			return nil, errors.New("invalid padding")
		}
	}
	return data[:len(data)-n], nil
}
