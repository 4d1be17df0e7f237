// Package common defines the sentinel errors shared by the transfer and vault
// services, the storage layers and the HTTP handlers. Callers should match them
// with errors.Is.
package common

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound covers unknown codes, unknown files and files owned by
	// somebody else. It never says which of those happened.
	ErrNotFound = errors.New("not found")

	// ErrExpired is returned for transfers past their expiry. It also matches
	// ErrNotFound so callers that only care about "not retrievable" can treat
	// both alike.
	ErrExpired = fmt.Errorf("%w: transfer expired", ErrNotFound)

	// ErrPasswordRequired means the transfer is password protected and no
	// password was supplied. The caller should re-prompt.
	ErrPasswordRequired = errors.New("password required")

	// ErrAuthentication is a wrong transfer password or vault PIN.
	ErrAuthentication = errors.New("authentication failed")

	// ErrCorruptedTransfer and ErrCorruptedFile mean the stored content could
	// not be decrypted or failed its integrity check.
	ErrCorruptedTransfer = errors.New("transfer content unavailable")
	ErrCorruptedFile     = errors.New("vault file content unavailable")

	// ErrRateLimited means the caller is blocked and must wait.
	ErrRateLimited = errors.New("too many failed attempts")

	// ErrInvalidInput covers empty or oversized content, malformed email/PIN
	// and similar caller mistakes.
	ErrInvalidInput = errors.New("invalid input")

	// ErrDuplicate is a uniqueness violation reported by a record store.
	ErrDuplicate = errors.New("already exists")

	// ErrInvalidSession is a malformed, expired or revoked vault session.
	ErrInvalidSession = errors.New("invalid session")
)
