package cryptox

import "errors"

var (
	// ErrDecryptionFailed is returned when the key is wrong or the ciphertext
	// was corrupted or tampered with. The two cases are not distinguished.
	ErrDecryptionFailed = errors.New("decryption failed")

	// ErrInvalidKeySize is returned when key material is not KeySize bytes.
	ErrInvalidKeySize = errors.New("invalid key size")

	// ErrCiphertextTooShort is returned when the input cannot even hold a
	// nonce and an authentication tag.
	ErrCiphertextTooShort = errors.New("ciphertext too short")

	// ErrKeyDestroyed is returned when a key is used after Destroy.
	ErrKeyDestroyed = errors.New("key destroyed")
)
