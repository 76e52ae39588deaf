// Package crypto provides at-rest encryption for repository credentials
// using MASTER_AES_KEY. It preserves the historical fixed-IV cipher for
// backward compatibility with existing ciphertexts, alongside an opt-in
// random-IV mode for new deployments.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"

	"github.com/klask-io/klask/internal/model"
)

// staticSalt is fixed so the legacy fixed-IV cipher remains decryptable
// across process restarts without persisting a per-deployment salt.
var staticSalt = []byte("klask-credential-salt-v1")

// fixedIV reproduces the historical fixed initialization vector. It is
// cryptographically weak (IV reuse across rows) but kept for backward
// compatibility with ciphertexts written before random-IV support existed.
var fixedIV = []byte("klask-fixed-iv-1")

const (
	keyLen      = 32 // AES-256
	pbkdf2Iters = 100_000
)

// Cipher encrypts and decrypts repository credentials with a derived key.
// A nil Cipher (no MASTER_AES_KEY configured) means credentials are stored
// in plaintext.
type Cipher struct {
	key []byte
}

// New derives an AES-256 key from masterKey via PBKDF2. Returns nil, nil
// if masterKey is empty, signaling plaintext storage.
func New(masterKey string) (*Cipher, error) {
	if masterKey == "" {
		return nil, nil
	}
	key := pbkdf2.Key([]byte(masterKey), staticSalt, pbkdf2Iters, keyLen, sha256.New)
	return &Cipher{key: key}, nil
}

// Encrypt encrypts plaintext using the given IV mode. Legacy mode reuses
// the fixed IV across all rows; random mode generates a fresh IV per call
// and prepends it to the ciphertext.
func (c *Cipher) Encrypt(plaintext string, mode model.CredentialIVMode) (string, error) {
	if c == nil {
		return plaintext, nil
	}

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", fmt.Errorf("create cipher block: %w", err)
	}

	padded := pkcs7Pad([]byte(plaintext), aes.BlockSize)

	switch mode {
	case model.CredentialIVRandom:
		iv := make([]byte, aes.BlockSize)
		if _, err := io.ReadFull(rand.Reader, iv); err != nil {
			return "", fmt.Errorf("generate iv: %w", err)
		}
		out := make([]byte, aes.BlockSize+len(padded))
		copy(out, iv)
		cipher.NewCBCEncrypter(block, iv).CryptBlocks(out[aes.BlockSize:], padded)
		return base64.StdEncoding.EncodeToString(out), nil

	case model.CredentialIVLegacyFixed, "":
		out := make([]byte, len(padded))
		cipher.NewCBCEncrypter(block, fixedIV).CryptBlocks(out, padded)
		return base64.StdEncoding.EncodeToString(out), nil

	default:
		return "", fmt.Errorf("unknown credential IV mode: %s", mode)
	}
}

// Decrypt reverses Encrypt, dispatching on the stored IV mode.
func (c *Cipher) Decrypt(ciphertext string, mode model.CredentialIVMode) (string, error) {
	if c == nil {
		return ciphertext, nil
	}

	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", fmt.Errorf("create cipher block: %w", err)
	}

	var iv, data []byte
	switch mode {
	case model.CredentialIVRandom:
		if len(raw) < aes.BlockSize {
			return "", errors.New("ciphertext too short for random-iv mode")
		}
		iv, data = raw[:aes.BlockSize], raw[aes.BlockSize:]
	case model.CredentialIVLegacyFixed, "":
		iv, data = fixedIV, raw
	default:
		return "", fmt.Errorf("unknown credential IV mode: %s", mode)
	}

	if len(data) == 0 || len(data)%aes.BlockSize != 0 {
		return "", errors.New("ciphertext is not a multiple of the block size")
	}

	out := make([]byte, len(data))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, data)

	unpadded, err := pkcs7Unpad(out)
	if err != nil {
		return "", err
	}
	return string(unpadded), nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padding := make([]byte, padLen)
	for i := range padding {
		padding[i] = byte(padLen)
	}
	return append(data, padding...)
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, errors.New("cannot unpad empty data")
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > len(data) {
		return nil, errors.New("invalid pkcs7 padding")
	}
	return data[:len(data)-padLen], nil
}
