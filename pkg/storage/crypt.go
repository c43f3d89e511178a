// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// cipherBox performs the at-rest encryption of document bodies: AES-256-CBC
// under a key derived with SHA-256 from the configured secret. The stored
// envelope is {iv, data}, both hex encoded. Private keys and cached service
// credentials are the only payloads that pass through here.
type cipherBox struct {
	key [32]byte
}

func newCipherBox(secret string) *cipherBox {
	return &cipherBox{key: sha256.Sum256([]byte(secret))}
}

// seal serializes the document and encrypts it, returning the envelope fields.
func (c *cipherBox) seal(doc Document) (Document, error) {
	plaintext, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal document: %w", err)
	}

	block, err := aes.NewCipher(c.key[:])
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("failed to generate IV: %w", err)
	}

	padded := pkcs7Pad(plaintext, aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	return Document{
		fieldIV:   hex.EncodeToString(iv),
		fieldData: hex.EncodeToString(ciphertext),
	}, nil
}

// open decrypts an envelope produced by seal and deserializes the document.
// Any structural or padding failure is reported as ErrCorrupt.
func (c *cipherBox) open(envelope Document) (Document, error) {
	iv, err := hex.DecodeString(String(envelope, fieldIV))
	if err != nil || len(iv) != aes.BlockSize {
		return nil, fmt.Errorf("%w: bad IV", ErrCorrupt)
	}
	ciphertext, err := hex.DecodeString(String(envelope, fieldData))
	if err != nil || len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: bad ciphertext", ErrCorrupt)
	}

	block, err := aes.NewCipher(c.key[:])
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	padded := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(padded, ciphertext)

	plaintext, ok := pkcs7Unpad(padded, aes.BlockSize)
	if !ok {
		return nil, fmt.Errorf("%w: bad padding", ErrCorrupt)
	}

	var doc Document
	if err := json.Unmarshal(plaintext, &doc); err != nil {
		return nil, fmt.Errorf("%w: bad payload", ErrCorrupt)
	}
	return doc, nil
}

// isSealed reports whether the document is an encryption envelope.
func isSealed(doc Document) bool {
	return String(doc, fieldIV) != "" && String(doc, fieldData) != ""
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+n)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(n)
	}
	return padded
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, bool) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, false
	}
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize || n > len(data) {
		return nil, false
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, false
		}
	}
	return data[:len(data)-n], true
}
