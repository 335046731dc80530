package tidemark

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// payloadNonceSize is the nonce size for AES-GCM.
	payloadNonceSize = 12
	// payloadKeySize is the AES-256 key size.
	payloadKeySize = 32
	// payloadKDFIterations is the PBKDF2 iteration count.
	payloadKDFIterations = 100000
)

// EncryptionConfig configures payload encryption at rest.
type EncryptionConfig struct {
	// Enabled turns on encryption for payload blobs in the local store.
	Enabled bool `yaml:"enabled"`
	// Key is the encryption key (must be 32 bytes for AES-256).
	// If empty, KeyPassword is used to derive a key.
	Key []byte `yaml:"key,omitempty"`
	// KeyPassword derives the encryption key via PBKDF2.
	KeyPassword string `yaml:"key_password,omitempty"`
}

// payloadCipher encrypts and decrypts payload blobs before they reach the
// durable store.
type payloadCipher struct {
	gcm cipher.AEAD
}

// payloadKDFContext salts password-based key derivation. It is fixed so
// that a reopened store derives the same key and can decrypt its own
// payloads.
const payloadKDFContext = "tidemark.payload.v1"

// newPayloadCipher creates a cipher from a key or password. Returns nil
// when encryption is disabled.
func newPayloadCipher(cfg *EncryptionConfig) (*payloadCipher, error) {
	if cfg == nil || !cfg.Enabled {
		return nil, nil
	}

	var key []byte
	switch {
	case len(cfg.Key) > 0:
		if len(cfg.Key) != payloadKeySize {
			return nil, errors.New("encryption key must be 32 bytes for AES-256")
		}
		key = cfg.Key
	case cfg.KeyPassword != "":
		salt := sha256.Sum256([]byte(payloadKDFContext))
		key = pbkdf2.Key([]byte(cfg.KeyPassword), salt[:], payloadKDFIterations, payloadKeySize, sha256.New)
	default:
		return nil, errors.New("encryption enabled but no key or password provided")
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	return &payloadCipher{gcm: gcm}, nil
}

// Seal encrypts a payload blob. The nonce is prepended to the ciphertext.
func (pc *payloadCipher) Seal(plain []byte) ([]byte, error) {
	nonce := make([]byte, payloadNonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return pc.gcm.Seal(nonce, nonce, plain, nil), nil
}

// Open decrypts a payload blob produced by Seal.
func (pc *payloadCipher) Open(sealed []byte) ([]byte, error) {
	if len(sealed) < payloadNonceSize {
		return nil, errors.New("encrypted payload too short")
	}
	nonce, ciphertext := sealed[:payloadNonceSize], sealed[payloadNonceSize:]
	plain, err := pc.gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, errors.New("payload decryption failed: wrong key or corrupted data")
	}
	return plain, nil
}
