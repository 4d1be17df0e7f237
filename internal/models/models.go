package models

import (
	"path"
	"strings"
	"time"
	"unicode"
)

// KeySource says how the key for a transfer is obtained. It is either a
// PasswordKey or a ServerKey; a record carries exactly one of them.
type KeySource interface {
	isKeySource()
}

// PasswordKey means the key is re-derived from the receiver's password on
// every download and never stored. Hash gates access, Salt and Iterations
// feed the key derivation.
type PasswordKey struct {
	Hash       string
	Salt       []byte
	Iterations int
}

// ServerKey holds the raw key of a transfer sent without a password.
type ServerKey struct {
	Key []byte
}

func (PasswordKey) isKeySource() {}
func (ServerKey) isKeySource()   {}

// TransferRecord is one anonymous, time-boxed exchange. It is immutable
// after creation.
type TransferRecord struct {
	ID           string    `json:"-"`
	Code         string    `json:"code"`
	BlobRef      string    `json:"-"`
	OriginalName string    `json:"original_name"`
	SizeBytes    int64     `json:"size_bytes"`
	KeySource    KeySource `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// PasswordProtected reports whether the record is gated by a password.
func (t *TransferRecord) PasswordProtected() bool {
	_, ok := t.KeySource.(PasswordKey)
	return ok
}

// IsExpired reports whether the record is past its expiry at now. A record
// whose expiry equals now is already expired, so a zero TTL never serves.
func (t *TransferRecord) IsExpired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// VaultOwner is the single owner of a vault, keyed by email.
type VaultOwner struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	PINHash   string    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
}

// VaultFile is one encrypted file belonging to one owner.
type VaultFile struct {
	ID           string    `json:"id"`
	OwnerID      string    `json:"-"`
	BlobRef      string    `json:"-"`
	OriginalName string    `json:"original_name"`
	SizeBytes    int64     `json:"size_bytes"`
	Key          []byte    `json:"-"`
	UploadedAt   time.Time `json:"uploaded_at"`
}

// MaxFilenameLength matches the original_name column width in characters.
const MaxFilenameLength = 255

// CleanFilename strips any directory part and control characters from a
// client-supplied name. An empty result becomes fallback.
func CleanFilename(name, fallback string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = path.Base(strings.TrimSpace(name))
	name = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, name)
	name = strings.TrimSpace(name)
	if name == "" || name == "." || name == "/" || name == ".." {
		return fallback
	}
	if r := []rune(name); len(r) > MaxFilenameLength {
		name = string(r[:MaxFilenameLength])
	}
	return name
}
