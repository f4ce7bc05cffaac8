// Package secrets resolves stored credential references into plaintext
// credentials. References are AES-256-CBC encrypted and base64 wrapped;
// values that do not look encrypted pass through unchanged so plaintext
// configs keep working.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/scrypt"
)

// Resolver decrypts secret references with a key derived from the
// configured encryption passphrase.
type Resolver struct {
	key []byte
}

// NewResolver derives the AES key from the passphrase. An empty passphrase
// yields a resolver that only passes plaintext through.
func NewResolver(passphrase string) (*Resolver, error) {
	if passphrase == "" {
		return &Resolver{}, nil
	}
	key, err := scrypt.Key([]byte(passphrase), []byte("salt"), 16384, 8, 1, 32)
	if err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	return &Resolver{key: key}, nil
}

// Encrypt wraps a plaintext credential into the stored reference format:
// base64("ivhex:cipherhex").
func (r *Resolver) Encrypt(plaintext string) (string, error) {
	if r.key == nil {
		return "", fmt.Errorf("no encryption key configured")
	}
	block, err := aes.NewCipher(r.key)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}
	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("failed to generate IV: %w", err)
	}
	padded := pkcs7Pad([]byte(plaintext), aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	packed := hex.EncodeToString(iv) + ":" + hex.EncodeToString(ciphertext)
	return base64.StdEncoding.EncodeToString([]byte(packed)), nil
}

// Resolve returns the plaintext credential for a reference. A reference
// that is not in the encrypted format is returned as-is.
func (r *Resolver) Resolve(ref string) (string, error) {
	ivHex, cipherHex, ok := unpack(ref)
	if !ok {
		return ref, nil
	}
	if r.key == nil {
		return "", fmt.Errorf("encrypted secret but no encryption key configured")
	}
	iv, err := hex.DecodeString(ivHex)
	if err != nil || len(iv) != aes.BlockSize {
		return ref, nil
	}
	ciphertext, err := hex.DecodeString(cipherHex)
	if err != nil || len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return ref, nil
	}

	block, err := aes.NewCipher(r.key)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}
	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)
	unpadded, err := pkcs7Unpad(plaintext, aes.BlockSize)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt secret: %w", err)
	}
	return string(unpadded), nil
}

// unpack splits base64("ivhex:cipherhex") into its parts. Anything that
// does not match the shape is treated as plaintext.
func unpack(ref string) (ivHex, cipherHex string, ok bool) {
	decoded, err := base64.StdEncoding.DecodeString(ref)
	if err != nil {
		return "", "", false
	}
	parts := strings.SplitN(string(decoded), ":", 2)
	if len(parts) != 2 || len(parts[0]) != aes.BlockSize*2 {
		return "", "", false
	}
	return parts[0], parts[1], true
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	pad := blockSize - len(data)%blockSize
	out := make([]byte, len(data)+pad)
	copy(out, data)
	for i := len(data); i < len(out); i++ {
		out[i] = byte(pad)
	}
	return out
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, fmt.Errorf("invalid padded length %d", len(data))
	}
	pad := int(data[len(data)-1])
	if pad == 0 || pad > blockSize {
		return nil, fmt.Errorf("invalid padding")
	}
	for _, b := range data[len(data)-pad:] {
		if int(b) != pad {
			return nil, fmt.Errorf("invalid padding")
		}
	}
	return data[:len(data)-pad], nil
}
