package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
)

const (
	// MinSecretLength is the minimum length of the deployment secret in bytes.
	// Startup is refused below it.
	MinSecretLength = 32

	saltSize       = 16
	derivedKeySize = 32 // AES-256
	formatVersion  = byte(1)
)

var (
	// ErrSecretTooShort is returned when the deployment secret is shorter than MinSecretLength.
	ErrSecretTooShort = fmt.Errorf("encryption secret must be at least %d bytes", MinSecretLength)

	// ErrDecryptionFailed is returned when ciphertext is malformed, was produced under a
	// different secret, or fails the GCM authentication tag check.
	ErrDecryptionFailed = errors.New("decryption failed")
)

// KDFParams are the argon2id cost parameters used to derive a per-record key.
type KDFParams struct {
	Time      uint32
	MemoryKiB uint32
	Threads   uint8
}

// DefaultKDFParams follows the OWASP minimum for argon2id (19 MiB, 2 iterations, 1 lane).
var DefaultKDFParams = KDFParams{Time: 2, MemoryKiB: 19 * 1024, Threads: 1}

// Encryptor encrypts values at rest using AES-256-GCM.
// Every call to Encrypt draws a random salt and derives a fresh key from the deployment secret
// with argon2id, so two records never share a key even under identical plaintext.
//
// Output format (base64 std encoding): version(1) || salt(16) || nonce(12) || ciphertext+tag.
type Encryptor struct {
	secret []byte
	params KDFParams
}

// NewEncryptor creates an encryptor using DefaultKDFParams.
func NewEncryptor(secret []byte) (*Encryptor, error) {
	return NewEncryptorWithParams(secret, DefaultKDFParams)
}

// NewEncryptorWithParams creates an encryptor with custom KDF cost parameters.
func NewEncryptorWithParams(secret []byte, params KDFParams) (*Encryptor, error) {
	if len(secret) < MinSecretLength {
		return nil, ErrSecretTooShort
	}
	if params.Time == 0 || params.Threads == 0 || params.MemoryKiB < 8*uint32(params.Threads) {
		return nil, fmt.Errorf("invalid KDF parameters: %+v", params)
	}

	s := make([]byte, len(secret))
	copy(s, secret)
	return &Encryptor{secret: s, params: params}, nil
}

func (e *Encryptor) deriveAEAD(salt []byte) (cipher.AEAD, error) {
	key := argon2.IDKey(e.secret, salt, e.params.Time, e.params.MemoryKiB, e.params.Threads, derivedKeySize)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// Encrypt encrypts plaintext and returns the base64-encoded record.
func (e *Encryptor) Encrypt(plaintext string) (string, error) {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}

	gcm, err := e.deriveAEAD(salt)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	out := make([]byte, 0, 1+saltSize+len(nonce)+len(plaintext)+gcm.Overhead())
	out = append(out, formatVersion)
	out = append(out, salt...)
	out = append(out, nonce...)
	out = gcm.Seal(out, nonce, []byte(plaintext), []byte{formatVersion})
	return base64.StdEncoding.EncodeToString(out), nil
}

// Decrypt decrypts a record produced by Encrypt.
// Any failure, including a tag mismatch, is reported as ErrDecryptionFailed.
func (e *Encryptor) Decrypt(encoded string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("%w: invalid encoding", ErrDecryptionFailed)
	}
	if len(raw) < 1+saltSize || raw[0] != formatVersion {
		return "", fmt.Errorf("%w: unsupported format", ErrDecryptionFailed)
	}

	salt := raw[1 : 1+saltSize]
	gcm, err := e.deriveAEAD(salt)
	if err != nil {
		return "", err
	}

	rest := raw[1+saltSize:]
	if len(rest) < gcm.NonceSize()+gcm.Overhead() {
		return "", fmt.Errorf("%w: ciphertext too short", ErrDecryptionFailed)
	}
	nonce, ciphertext := rest[:gcm.NonceSize()], rest[gcm.NonceSize():]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, []byte{formatVersion})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return string(plaintext), nil
}

// GenerateSecret returns a random deployment secret of MinSecretLength bytes.
func GenerateSecret() ([]byte, error) {
	secret := make([]byte, MinSecretLength)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("failed to generate secret: %w", err)
	}
	return secret, nil
}

// SecretToBase64 encodes a secret for use in ENCRYPTION_SECRET.
func SecretToBase64(secret []byte) string {
	return base64.StdEncoding.EncodeToString(secret)
}
