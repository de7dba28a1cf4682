// Package pseudonym replaces identifying values in staging rows with short
// opaque handles before anything touches the database. Handles come either
// from an external trusted third party provider or from a local AES cipher;
// the full ciphertext is kept alongside so values remain recoverable.
package pseudonym

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"

	perr "ehrbridge/internal/platform/errors"
)

// Cipher encrypts field values with AES-CBC and PKCS#7 padding
type Cipher struct {
	key []byte

	// Deterministic derives the IV from the plaintext digest so equal
	// inputs produce equal ciphertexts and encrypted columns stay
	// queryable by equality. Random mode prepends a fresh IV instead
	Deterministic bool
}

// NewCipher validates the key length (16, 24 or 32 bytes for AES)
func NewCipher(key []byte, deterministic bool) (*Cipher, error) {
	switch len(key) {
	case 16, 24, 32:
	default:
		return nil, perr.Configf("aes key must be 16, 24 or 32 bytes, got %d", len(key))
	}
	return &Cipher{key: append([]byte(nil), key...), Deterministic: deterministic}, nil
}

// Encrypt returns the base64 ciphertext of value
func (c *Cipher) Encrypt(value string) (string, error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", perr.Wrapf(err, perr.ErrorCodeConfig, "aes init")
	}

	var iv []byte
	if c.Deterministic {
		sum := sha256.Sum256([]byte(value))
		iv = sum[:aes.BlockSize]
	} else {
		iv = make([]byte, aes.BlockSize)
		if _, err := rand.Read(iv); err != nil {
			return "", perr.Wrapf(err, perr.ErrorCodeUnknown, "iv generation")
		}
	}

	pt := pkcs7Pad([]byte(value), aes.BlockSize)
	ct := make([]byte, len(pt))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ct, pt)

	if !c.Deterministic {
		ct = append(iv, ct...)
	}
	return base64.StdEncoding.EncodeToString(ct), nil
}

// Decrypt reverses Encrypt. In deterministic mode the caller must supply
// the plaintext hint the IV was derived from; in random mode hint is ignored
// and the IV is read from the ciphertext prefix
func (c *Cipher) Decrypt(ciphertextB64, hint string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertextB64)
	if err != nil {
		return "", perr.Wrapf(err, perr.ErrorCodeValidation, "ciphertext base64")
	}
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", perr.Wrapf(err, perr.ErrorCodeConfig, "aes init")
	}

	var iv []byte
	if c.Deterministic {
		sum := sha256.Sum256([]byte(hint))
		iv = sum[:aes.BlockSize]
	} else {
		if len(raw) < aes.BlockSize {
			return "", perr.Validationf("ciphertext shorter than iv")
		}
		iv, raw = raw[:aes.BlockSize], raw[aes.BlockSize:]
	}
	if len(raw) == 0 || len(raw)%aes.BlockSize != 0 {
		return "", perr.Validationf("ciphertext not block aligned")
	}

	pt := make([]byte, len(raw))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(pt, raw)
	return pkcs7Unpad(pt, aes.BlockSize)
}

func pkcs7Pad(b []byte, size int) []byte {
	n := size - len(b)%size
	return append(b, bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(b []byte, size int) (string, error) {
	if len(b) == 0 {
		return "", perr.Validationf("empty plaintext")
	}
	n := int(b[len(b)-1])
	if n == 0 || n > size || n > len(b) {
		return "", perr.Validationf("bad padding")
	}
	for _, p := range b[len(b)-n:] {
		if int(p) != n {
			return "", perr.Validationf("bad padding")
		}
	}
	return string(b[:len(b)-n]), nil
}
