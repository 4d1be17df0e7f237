// Package cryptox holds the symmetric primitives of dropvault.
//
// Two unrelated uses of a human secret live here and must not be mixed up:
//
//   - DeriveKeyFromPassword turns a transfer password into an AES key. It is
//     deterministic for a given password, salt and iteration count so the key
//     can be rebuilt on every download instead of being stored.
//   - HashSecret/VerifySecret produce a one-way bcrypt hash used only to gate
//     access (transfer passwords, vault PINs). The hash can never yield a key.
package cryptox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// KeySize is the AES-256 key length.
	KeySize = 32
	// SaltSize is the length of freshly generated PBKDF2 salts.
	SaltSize = 16
	// NonceSize is the AES-GCM nonce length.
	NonceSize = 12
	// TagSize is the AES-GCM authentication tag length.
	TagSize = 16
	// DefaultIterations is the PBKDF2-HMAC-SHA256 round count.
	DefaultIterations = 480000
	// MaxSecretLength is the longest secret bcrypt accepts.
	MaxSecretLength = 72
)

// Key is symmetric key material plus the salt it was derived with, if any.
// Callers should Destroy a key as soon as the encrypt/decrypt it was needed
// for is done.
type Key struct {
	material []byte
	salt     []byte
}

// GenerateRandomKey returns a fresh random AES-256 key with no salt.
func GenerateRandomKey() (*Key, error) {
	material := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, material); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return &Key{material: material}, nil
}

// KeyFromBytes wraps stored key material. The input is copied.
func KeyFromBytes(b []byte) (*Key, error) {
	if len(b) != KeySize {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrInvalidKeySize, len(b), KeySize)
	}
	material := make([]byte, KeySize)
	copy(material, b)
	return &Key{material: material}, nil
}

// DeriveKeyFromPassword derives a key with DefaultIterations. See
// DeriveKeyWithIterations.
func DeriveKeyFromPassword(password string, salt []byte) (*Key, error) {
	return DeriveKeyWithIterations(password, salt, DefaultIterations)
}

// DeriveKeyWithIterations derives a key from password and salt with
// PBKDF2-HMAC-SHA256. A nil salt means a new random SaltSize salt is drawn;
// the salt used is available through Key.Salt.
func DeriveKeyWithIterations(password string, salt []byte, iterations int) (*Key, error) {
	if iterations <= 0 {
		return nil, fmt.Errorf("invalid iteration count %d", iterations)
	}
	if salt == nil {
		salt = make([]byte, SaltSize)
		if _, err := io.ReadFull(rand.Reader, salt); err != nil {
			return nil, fmt.Errorf("failed to generate salt: %w", err)
		}
	}

	material := pbkdf2.Key([]byte(password), salt, iterations, KeySize, sha256.New)

	saltCopy := make([]byte, len(salt))
	copy(saltCopy, salt)
	return &Key{material: material, salt: saltCopy}, nil
}

// Bytes returns the raw key material. The slice is owned by the key and is
// zeroed by Destroy.
func (k *Key) Bytes() []byte {
	return k.material
}

// Salt returns the derivation salt, or nil for random keys.
func (k *Key) Salt() []byte {
	return k.salt
}

// Destroy wipes the key material. It is safe to call more than once.
func (k *Key) Destroy() {
	if k == nil || k.material == nil {
		return
	}
	memguard.WipeBytes(k.material)
	k.material = nil
}

// Encrypt seals plaintext with AES-256-GCM.
// Output format: nonce (12 bytes) || ciphertext || tag (16 bytes).
func Encrypt(plaintext []byte, key *Key) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, NonceSize, NonceSize+len(plaintext)+TagSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens a ciphertext produced by Encrypt. GCM verifies the tag in
// constant time; any mismatch is reported as ErrDecryptionFailed.
func Decrypt(ciphertext []byte, key *Key) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	if len(ciphertext) < NonceSize+TagSize {
		return nil, ErrCiphertextTooShort
	}

	nonce, sealed := ciphertext[:NonceSize], ciphertext[NonceSize:]
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

func newGCM(key *Key) (cipher.AEAD, error) {
	if key == nil || key.material == nil {
		return nil, ErrKeyDestroyed
	}
	if len(key.material) != KeySize {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrInvalidKeySize, len(key.material), KeySize)
	}

	block, err := aes.NewCipher(key.material)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// HashSecret returns a salted bcrypt hash of a human-entered gate value.
func HashSecret(secret string) (string, error) {
	return HashSecretWithCost(secret, bcrypt.DefaultCost)
}

// HashSecretWithCost is HashSecret with an explicit bcrypt cost.
func HashSecretWithCost(secret string, cost int) (string, error) {
	if len(secret) > MaxSecretLength {
		return "", fmt.Errorf("secret longer than %d bytes", MaxSecretLength)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), cost)
	if err != nil {
		return "", fmt.Errorf("failed to hash secret: %w", err)
	}
	return string(hash), nil
}

// VerifySecret reports whether secret matches a hash from HashSecret.
func VerifySecret(secret, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)) == nil
}
