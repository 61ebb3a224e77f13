package nwc

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/klingon-tech/walletmux/internal/keys"
)

// EncryptContent encrypts plaintext under the ECDH shared secret between
// localSecret and remotePub, AES-256-CBC with PKCS#7 padding, and returns it
// in the NIP-04 wire form "<base64 ciphertext>?iv=<base64 iv>".
func EncryptContent(localSecret, remotePub []byte, plaintext string) (string, error) {
	shared, err := keys.SharedSecret(localSecret, remotePub)
	if err != nil {
		return "", fmt.Errorf("nwc: derive shared secret: %w", err)
	}

	block, err := aes.NewCipher(shared[:])
	if err != nil {
		return "", fmt.Errorf("nwc: new cipher: %w", err)
	}

	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("nwc: generate iv: %w", err)
	}

	padded := pkcs7Pad([]byte(plaintext), aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	return fmt.Sprintf(
		"%s?iv=%s",
		base64.StdEncoding.EncodeToString(ciphertext),
		base64.StdEncoding.EncodeToString(iv),
	), nil
}

// DecryptContent reverses EncryptContent given the local secret and the
// sender's public key.
func DecryptContent(localSecret, remotePub []byte, wire string) (string, error) {
	ciphertextB64, ivB64, ok := strings.Cut(wire, "?iv=")
	if !ok {
		return "", fmt.Errorf("nwc: malformed encrypted content, missing iv")
	}

	ciphertext, err := base64.StdEncoding.DecodeString(ciphertextB64)
	if err != nil {
		return "", fmt.Errorf("nwc: decode ciphertext: %w", err)
	}
	iv, err := base64.StdEncoding.DecodeString(ivB64)
	if err != nil {
		return "", fmt.Errorf("nwc: decode iv: %w", err)
	}
	if len(iv) != aes.BlockSize {
		return "", fmt.Errorf("nwc: invalid iv length %d", len(iv))
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return "", fmt.Errorf("nwc: invalid ciphertext length %d", len(ciphertext))
	}

	shared, err := keys.SharedSecret(localSecret, remotePub)
	if err != nil {
		return "", fmt.Errorf("nwc: derive shared secret: %w", err)
	}

	block, err := aes.NewCipher(shared[:])
	if err != nil {
		return "", fmt.Errorf("nwc: new cipher: %w", err)
	}

	padded := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(padded, ciphertext)

	plaintext, err := pkcs7Unpad(padded, aes.BlockSize)
	if err != nil {
		return "", fmt.Errorf("nwc: unpad: %w", err)
	}
	return string(plaintext), nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padding := make([]byte, padLen)
	for i := range padding {
		padding[i] = byte(padLen)
	}
	return append(data, padding...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, fmt.Errorf("invalid padded length %d", len(data))
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > blockSize || padLen > len(data) {
		return nil, fmt.Errorf("invalid padding length %d", padLen)
	}
	for _, b := range data[len(data)-padLen:] {
		if int(b) != padLen {
			return nil, fmt.Errorf("invalid padding bytes")
		}
	}
	return data[:len(data)-padLen], nil
}
