// Package encrypt seals values at rest: CBOR-encode, then NaCl secretbox with a
// random nonce, then base64url.
package encrypt

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/nacl/secretbox"
)

const (
	KeySize   = 32
	nonceSize = 24
)

// ErrInvalidCiphertext is returned when a sealed value cannot be opened.
var ErrInvalidCiphertext = errors.New("invalid ciphertext")

func checkKey(key []byte) error {
	if len(key) != KeySize {
		return fmt.Errorf("encryption key must be exactly %d bytes, got %d", KeySize, len(key))
	}
	return nil
}

// Seal encodes v as CBOR and encrypts it with key.
func Seal(v any, key []byte) (string, error) {
	if err := checkKey(key); err != nil {
		return "", err
	}
	var b bytes.Buffer
	if err := cbor.NewEncoder(&b).Encode(v); err != nil {
		return "", fmt.Errorf("failed to encode value: %w", err)
	}
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	var k [KeySize]byte
	copy(k[:], key)
	return base64.RawURLEncoding.EncodeToString(secretbox.Seal(nonce[:], b.Bytes(), &nonce, &k)), nil
}

// Open decrypts a value produced by Seal into out.
func Open(sealed string, key []byte, out any) error {
	if err := checkKey(key); err != nil {
		return err
	}
	b, err := base64.RawURLEncoding.DecodeString(sealed)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCiphertext, err)
	}
	if len(b) < nonceSize+secretbox.Overhead {
		return fmt.Errorf("%w: too short", ErrInvalidCiphertext)
	}
	var nonce [nonceSize]byte
	copy(nonce[:], b[:nonceSize])
	var k [KeySize]byte
	copy(k[:], key)
	plain, ok := secretbox.Open(nil, b[nonceSize:], &nonce, &k)
	if !ok {
		return ErrInvalidCiphertext
	}
	if out == nil {
		return nil
	}
	return cbor.NewDecoder(bytes.NewReader(plain)).Decode(out)
}

// ParseKey decodes a base64 (std encoding) key and checks its length.
func ParseKey(key string) ([]byte, error) {
	decoded, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		return nil, fmt.Errorf("failed to decode encryption key: %w", err)
	}
	if err := checkKey(decoded); err != nil {
		return nil, err
	}
	return decoded, nil
}

// GenerateKey returns a random key in the format ParseKey accepts.
func GenerateKey() (string, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", fmt.Errorf("failed to generate key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}
