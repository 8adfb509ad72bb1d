package container

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"io"
	"unicode/utf8"

	"golang.org/x/crypto/pbkdf2"

	"github.com/keithlinneman/linnemanlabs-vault/internal/assets"
	"github.com/keithlinneman/linnemanlabs-vault/internal/xerrors"
)

// Codec derives keys with a fixed iteration count. The zero value uses
// DefaultIterations.
type Codec struct {
	Iterations int
}

func (c Codec) iterations() int {
	if c.Iterations <= 0 {
		return DefaultIterations
	}
	return c.Iterations
}

// Decrypt opens a container with the default codec.
func Decrypt(b []byte, password string) (assets.Table, error) {
	return Codec{}.Decrypt(b, password)
}

// Seal builds a container with the default codec and crypto/rand.
func Seal(table assets.Table, password string) ([]byte, error) {
	return Codec{}.Seal(table, password, rand.Reader)
}

// Decrypt returns the asset table sealed in b. Length problems return
// ErrFormat before any key derivation. Every later failure is ErrDecryption.
func (c Codec) Decrypt(b []byte, password string) (assets.Table, error) {
	ct, err := Parse(b)
	if err != nil {
		return nil, err
	}

	aead, err := c.aead(password, ct.Salt)
	if err != nil {
		return nil, xerrors.Mark(err, ErrDecryption)
	}

	// Open wants ciphertext||tag; the container stores them the other way round
	sealed := make([]byte, 0, len(ct.Ciphertext)+TagSize)
	sealed = append(sealed, ct.Ciphertext...)
	sealed = append(sealed, ct.Tag...)

	plain, err := aead.Open(nil, ct.Nonce, sealed, nil)
	if err != nil {
		return nil, xerrors.Mark(err, ErrDecryption)
	}

	table, err := parseTable(plain)
	if err != nil {
		return nil, xerrors.Mark(err, ErrDecryption)
	}
	return table, nil
}

// Seal encrypts table under password in container layout, reading salt
// and nonce from rnd.
func (c Codec) Seal(table assets.Table, password string, rnd io.Reader) ([]byte, error) {
	if table == nil {
		table = assets.Table{}
	}
	plain, err := json.Marshal(table)
	if err != nil {
		return nil, xerrors.Wrap(err, "marshal asset table")
	}

	salt := make([]byte, SaltSize)
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rnd, salt); err != nil {
		return nil, xerrors.Wrap(err, "read salt")
	}
	if _, err := io.ReadFull(rnd, nonce); err != nil {
		return nil, xerrors.Wrap(err, "read nonce")
	}

	aead, err := c.aead(password, salt)
	if err != nil {
		return nil, err
	}
	sealed := aead.Seal(nil, nonce, plain, nil)
	n := len(sealed) - TagSize

	return Container{
		Salt:       salt,
		Nonce:      nonce,
		Tag:        sealed[n:],
		Ciphertext: sealed[:n],
	}.Bytes(), nil
}

// aead derives the key and returns a GCM instance bound to it. The key
// slice is zeroed before returning.
func (c Codec) aead(password string, salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key([]byte(password), salt, c.iterations(), KeySize, sha256.New)
	defer clear(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, xerrors.Wrap(err, "create cipher")
	}
	aead, err := cipher.NewGCMWithTagSize(block, TagSize)
	if err != nil {
		return nil, xerrors.Wrap(err, "create GCM")
	}
	return aead, nil
}

func parseTable(plain []byte) (assets.Table, error) {
	if !utf8.Valid(plain) {
		return nil, xerrors.New("plaintext is not valid UTF-8")
	}
	var table assets.Table
	if err := json.Unmarshal(plain, &table); err != nil {
		return nil, xerrors.Wrap(err, "parse asset table")
	}
	// "null" unmarshals without error
	if table == nil {
		return nil, xerrors.New("asset table is not a JSON object")
	}
	return table, nil
}
