// Package container reads and writes the encrypted asset container.
//
// Layout, fixed offsets, no length prefixes:
//
//	0..16   salt
//	16..28  GCM nonce
//	28..44  GCM tag
//	44..    ciphertext
//
// The key is PBKDF2-HMAC-SHA256(password, salt) and the plaintext is a UTF-8
// JSON object mapping logical path to base64 file content.
package container

import (
	"errors"
	"fmt"
)

const (
	SaltSize   = 16
	NonceSize  = 12
	TagSize    = 16
	KeySize    = 32
	HeaderSize = SaltSize + NonceSize + TagSize

	// DefaultIterations is the PBKDF2 work factor the build step uses.
	DefaultIterations = 600_000
)

var (
	// ErrFormat means the input cannot be a container (too short).
	ErrFormat = errors.New("container: invalid format")
	// ErrDecryption covers key derivation, authentication and plaintext
	// parsing failures. Callers cannot tell them apart.
	ErrDecryption = errors.New("container: decryption failed")
)

// Container is a parsed view over the raw bytes. Fields alias the input.
type Container struct {
	Salt       []byte
	Nonce      []byte
	Tag        []byte
	Ciphertext []byte
}

// Parse slices b into its sections. It does no cryptographic work.
func Parse(b []byte) (Container, error) {
	if len(b) < HeaderSize {
		return Container{}, fmt.Errorf("%w: %d bytes, need at least %d", ErrFormat, len(b), HeaderSize)
	}
	return Container{
		Salt:       b[:SaltSize],
		Nonce:      b[SaltSize : SaltSize+NonceSize],
		Tag:        b[SaltSize+NonceSize : HeaderSize],
		Ciphertext: b[HeaderSize:],
	}, nil
}

// Bytes re-encodes c in container layout.
func (c Container) Bytes() []byte {
	out := make([]byte, 0, HeaderSize+len(c.Ciphertext))
	out = append(out, c.Salt...)
	out = append(out, c.Nonce...)
	out = append(out, c.Tag...)
	return append(out, c.Ciphertext...)
}
