package domain

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// Metadata is the free-form transaction metadata bag. Keys under "secure."
// are stored encrypted; everything else is plaintext JSON.
type Metadata map[string]interface{}

const securePrefix = "secure."

// MetadataCipher seals and opens sensitive metadata subfields with
// XChaCha20-Poly1305. The key comes from METADATA_ENCRYPTION_KEY (32 bytes,
// base64). A nil cipher passes metadata through untouched.
type MetadataCipher struct {
	aead interface {
		Seal(dst, nonce, plaintext, additionalData []byte) []byte
		Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
	}
}

// NewMetadataCipher builds a cipher from a base64-encoded 32-byte key.
func NewMetadataCipher(keyB64 string) (*MetadataCipher, error) {
	key, err := base64.StdEncoding.DecodeString(keyB64)
	if err != nil {
		return nil, fmt.Errorf("metadata key is not valid base64: %w", err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("metadata cipher: %w", err)
	}
	return &MetadataCipher{aead: aead}, nil
}

// Seal encrypts every "secure."-prefixed value in place. Values are JSON
// serialized before sealing so any type round-trips.
func (c *MetadataCipher) Seal(m Metadata) (Metadata, error) {
	if c == nil || m == nil {
		return m, nil
	}
	out := make(Metadata, len(m))
	for k, v := range m {
		if len(k) < len(securePrefix) || k[:len(securePrefix)] != securePrefix {
			out[k] = v
			continue
		}
		plain, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("seal %s: %w", k, err)
		}
		nonce := make([]byte, chacha20poly1305.NonceSizeX)
		if _, err := rand.Read(nonce); err != nil {
			return nil, err
		}
		sealed := c.aead.Seal(nonce, nonce, plain, []byte(k))
		out[k] = base64.StdEncoding.EncodeToString(sealed)
	}
	return out, nil
}

// Open decrypts every "secure."-prefixed value in place.
func (c *MetadataCipher) Open(m Metadata) (Metadata, error) {
	if c == nil || m == nil {
		return m, nil
	}
	out := make(Metadata, len(m))
	for k, v := range m {
		if len(k) < len(securePrefix) || k[:len(securePrefix)] != securePrefix {
			out[k] = v
			continue
		}
		encoded, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("open %s: sealed value is not a string", k)
		}
		sealed, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", k, err)
		}
		if len(sealed) < chacha20poly1305.NonceSizeX {
			return nil, fmt.Errorf("open %s: ciphertext too short", k)
		}
		nonce, ct := sealed[:chacha20poly1305.NonceSizeX], sealed[chacha20poly1305.NonceSizeX:]
		plain, err := c.aead.Open(nil, nonce, ct, []byte(k))
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", k, err)
		}
		var val interface{}
		if err := json.Unmarshal(plain, &val); err != nil {
			return nil, fmt.Errorf("open %s: %w", k, err)
		}
		out[k] = val
	}
	return out, nil
}
