// Package vault implements PIN-gated personal file storage. An owner is
// identified by email and is created on first login; every file gets its own
// random key, stored next to the file record.
package vault

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/maneesh/dropvault/internal/blobstore"
	"github.com/maneesh/dropvault/internal/codes"
	"github.com/maneesh/dropvault/internal/common"
	"github.com/maneesh/dropvault/internal/cryptox"
	"github.com/maneesh/dropvault/internal/logging"
	"github.com/maneesh/dropvault/internal/models"
	"github.com/maneesh/dropvault/internal/ratelimit"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("dropvault-vault")

const (
	DefaultMaxSize = 1 << 30

	minPINLength     = 4
	maxPINLength     = 6
	maxEmailLength   = 320
	fallbackFilename = "file"
)

// Repository is the record store for owners and their files. GetFile and
// DeleteFile must treat a file of another owner as missing.
type Repository interface {
	CreateOwner(ctx context.Context, o *models.VaultOwner) error
	GetOwnerByEmail(ctx context.Context, email string) (*models.VaultOwner, error)
	GetOwnerByID(ctx context.Context, id string) (*models.VaultOwner, error)
	DeleteOwner(ctx context.Context, id string) error
	CreateFile(ctx context.Context, f *models.VaultFile) error
	GetFile(ctx context.Context, ownerID, fileID string) (*models.VaultFile, error)
	ListFiles(ctx context.Context, ownerID string) ([]*models.VaultFile, error)
	DeleteFile(ctx context.Context, ownerID, fileID string) error
}

type BlobStore interface {
	Put(ctx context.Context, data []byte) (string, error)
	Get(ctx context.Context, ref string) ([]byte, error)
	Delete(ctx context.Context, ref string) error
}

// RateLimiter hands out one attempt per identifier before the PIN is checked.
type RateLimiter interface {
	Reserve(ctx context.Context, id string) (*ratelimit.Reservation, bool, error)
}

// Service manages vault owners, their sessions and their files.
type Service struct {
	records  Repository
	blobs    BlobStore
	limiter  RateLimiter
	sessions *SessionManager
	logger   logging.Logger

	now        func() time.Time
	hashSecret func(string) (string, error)
	maxSize    int64
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithMaxSize(n int64) Option {
	return func(s *Service) { s.maxSize = n }
}

// WithSecretCost sets the bcrypt cost for PIN hashes.
func WithSecretCost(cost int) Option {
	return func(s *Service) {
		s.hashSecret = func(secret string) (string, error) {
			return cryptox.HashSecretWithCost(secret, cost)
		}
	}
}

func NewService(records Repository, blobs BlobStore, limiter RateLimiter, sessions *SessionManager, logger logging.Logger, opts ...Option) *Service {
	s := &Service{
		records:    records,
		blobs:      blobs,
		limiter:    limiter,
		sessions:   sessions,
		logger:     logger,
		now:        time.Now,
		hashSecret: cryptox.HashSecret,
		maxSize:    DefaultMaxSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NormalizeEmail trims and lower-cases an address and checks it has the
// shape local@domain.
func NormalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	local, domain, ok := strings.Cut(email, "@")
	if !ok || local == "" || domain == "" || strings.Contains(domain, "@") || len(email) > maxEmailLength {
		return "", fmt.Errorf("%w: malformed email", common.ErrInvalidInput)
	}
	if strings.ContainsAny(email, " \t\r\n") {
		return "", fmt.Errorf("%w: malformed email", common.ErrInvalidInput)
	}
	return email, nil
}

// ValidatePIN accepts 4 to 6 ASCII digits.
func ValidatePIN(pin string) error {
	if len(pin) < minPINLength || len(pin) > maxPINLength {
		return fmt.Errorf("%w: PIN must be %d to %d digits", common.ErrInvalidInput, minPINLength, maxPINLength)
	}
	for i := 0; i < len(pin); i++ {
		if pin[i] < '0' || pin[i] > '9' {
			return fmt.Errorf("%w: PIN must be digits only", common.ErrInvalidInput)
		}
	}
	return nil
}

func limiterIDs(clientID, email string) []string {
	return []string{"ip:" + clientID, "email:" + email}
}

// Authenticate logs an owner in, creating the vault on first use. An attempt
// is reserved against both the client and the email before any lookup, so
// either one being blocked or out of attempts rejects the login. Wrong PINs
// count against both.
func (s *Service) Authenticate(ctx context.Context, clientID, email, pin string) (*Session, error) {
	ctx, span := tracer.Start(ctx, "vault.authenticate")
	defer span.End()

	email, err := NormalizeEmail(email)
	if err != nil {
		return nil, err
	}
	if err := ValidatePIN(pin); err != nil {
		return nil, err
	}

	reservations, err := s.reserve(ctx, limiterIDs(clientID, email))
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if reservations == nil {
		span.SetAttributes(attribute.Bool("rate_limited", true))
		return nil, common.ErrRateLimited
	}

	owner, created, err := s.findOrProvision(ctx, email, pin)
	if err != nil {
		s.settle(ctx, reservations, (*ratelimit.Reservation).Release)
		span.RecordError(err)
		return nil, err
	}

	if !created && !cryptox.VerifySecret(pin, owner.PINHash) {
		s.settle(ctx, reservations, (*ratelimit.Reservation).Fail)
		s.logger.Warn(ctx, "vault login failed", "owner_id", owner.ID, "client", clientID)
		return nil, common.ErrAuthentication
	}

	s.settle(ctx, reservations, (*ratelimit.Reservation).Succeed)

	session, err := s.sessions.Issue(owner.ID, owner.Email)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	span.SetAttributes(attribute.String("owner_id", owner.ID), attribute.Bool("provisioned", created))
	s.logger.Info(ctx, "vault login", "owner_id", owner.ID, "provisioned", created)
	return session, nil
}

// reserve claims an attempt for every id. It returns nil without error when
// any id is refused, after handing back the attempts already claimed.
func (s *Service) reserve(ctx context.Context, ids []string) ([]*ratelimit.Reservation, error) {
	reservations := make([]*ratelimit.Reservation, 0, len(ids))
	for _, id := range ids {
		res, ok, err := s.limiter.Reserve(ctx, id)
		if err != nil || !ok {
			s.settle(ctx, reservations, (*ratelimit.Reservation).Release)
			if err != nil {
				return nil, fmt.Errorf("failed to check rate limit: %w", err)
			}
			return nil, nil
		}
		reservations = append(reservations, res)
	}
	return reservations, nil
}

func (s *Service) settle(ctx context.Context, reservations []*ratelimit.Reservation, outcome func(*ratelimit.Reservation, context.Context) error) {
	for _, res := range reservations {
		if err := outcome(res, ctx); err != nil {
			s.logger.Error(ctx, "failed to settle attempt", "error", err)
		}
	}
}

// findOrProvision returns the owner for email, creating one with pin when
// none exists. Losing a creation race to a concurrent first login falls back
// to the winner's record, whose PIN must then be verified.
func (s *Service) findOrProvision(ctx context.Context, email, pin string) (*models.VaultOwner, bool, error) {
	owner, err := s.records.GetOwnerByEmail(ctx, email)
	if err == nil {
		return owner, false, nil
	}
	if !errors.Is(err, common.ErrNotFound) {
		return nil, false, fmt.Errorf("failed to look up owner: %w", err)
	}

	hash, err := s.hashSecret(pin)
	if err != nil {
		return nil, false, fmt.Errorf("failed to hash PIN: %w", err)
	}
	owner = &models.VaultOwner{
		ID:        codes.GenerateInternalID(),
		Email:     email,
		PINHash:   hash,
		CreatedAt: s.now().UTC(),
	}

	err = s.records.CreateOwner(ctx, owner)
	if errors.Is(err, common.ErrDuplicate) {
		existing, getErr := s.records.GetOwnerByEmail(ctx, email)
		if getErr != nil {
			return nil, false, fmt.Errorf("failed to look up owner: %w", getErr)
		}
		return existing, false, nil
	} else if err != nil {
		return nil, false, fmt.Errorf("failed to create owner: %w", err)
	}

	return owner, true, nil
}

// Owner resolves a session token to its owner. A deleted owner makes the
// token invalid.
func (s *Service) Owner(ctx context.Context, token string) (*models.VaultOwner, error) {
	claims, err := s.sessions.Validate(ctx, token)
	if err != nil {
		return nil, err
	}

	owner, err := s.records.GetOwnerByID(ctx, claims.Subject)
	if errors.Is(err, common.ErrNotFound) {
		return nil, common.ErrInvalidSession
	} else if err != nil {
		return nil, fmt.Errorf("failed to load owner: %w", err)
	}
	return owner, nil
}

// Logout revokes the session token.
func (s *Service) Logout(ctx context.Context, token string) error {
	if err := s.sessions.Revoke(ctx, token); err != nil {
		return err
	}
	s.logger.Info(ctx, "vault logout")
	return nil
}

// StoreFile encrypts content under a fresh random key and adds it to the
// owner's vault.
func (s *Service) StoreFile(ctx context.Context, token string, content []byte, filename string) (*models.VaultFile, error) {
	owner, err := s.Owner(ctx, token)
	if err != nil {
		return nil, err
	}

	ctx, span := tracer.Start(ctx, "vault.store_file",
		trace.WithAttributes(
			attribute.String("owner_id", owner.ID),
			attribute.Int("size_bytes", len(content)),
		),
	)
	defer span.End()

	switch {
	case len(content) == 0:
		return nil, fmt.Errorf("%w: content is empty", common.ErrInvalidInput)
	case int64(len(content)) > s.maxSize:
		return nil, fmt.Errorf("%w: content exceeds %d bytes", common.ErrInvalidInput, s.maxSize)
	}

	key, err := cryptox.GenerateRandomKey()
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	defer key.Destroy()

	ciphertext, err := cryptox.Encrypt(content, key)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to encrypt content: %w", err)
	}

	blobRef, err := s.blobs.Put(ctx, ciphertext)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to store content: %w", err)
	}

	stored := make([]byte, len(key.Bytes()))
	copy(stored, key.Bytes())

	file := &models.VaultFile{
		ID:           codes.GenerateInternalID(),
		OwnerID:      owner.ID,
		BlobRef:      blobRef,
		OriginalName: models.CleanFilename(filename, fallbackFilename),
		SizeBytes:    int64(len(content)),
		Key:          stored,
		UploadedAt:   s.now().UTC(),
	}

	if err := s.records.CreateFile(ctx, file); err != nil {
		span.RecordError(err)
		if delErr := s.blobs.Delete(ctx, blobRef); delErr != nil {
			s.logger.Warn(ctx, "failed to remove orphaned blob", "blob_ref", blobRef, "error", delErr)
		}
		return nil, fmt.Errorf("failed to save file: %w", err)
	}

	s.logger.Info(ctx, "vault file stored", "owner_id", owner.ID, "file_id", file.ID, "size_bytes", file.SizeBytes)
	return file, nil
}

// lookupFile returns common.ErrNotFound for unknown ids, malformed ids and
// files of other owners alike.
func (s *Service) lookupFile(ctx context.Context, ownerID, fileID string) (*models.VaultFile, error) {
	if _, err := uuid.Parse(fileID); err != nil {
		return nil, common.ErrNotFound
	}
	return s.records.GetFile(ctx, ownerID, fileID)
}

// RetrieveFile decrypts one of the owner's files.
func (s *Service) RetrieveFile(ctx context.Context, token, fileID string) (*models.VaultFile, []byte, error) {
	owner, err := s.Owner(ctx, token)
	if err != nil {
		return nil, nil, err
	}

	ctx, span := tracer.Start(ctx, "vault.retrieve_file",
		trace.WithAttributes(attribute.String("owner_id", owner.ID)),
	)
	defer span.End()

	file, err := s.lookupFile(ctx, owner.ID, fileID)
	if err != nil {
		return nil, nil, err
	}

	key, err := cryptox.KeyFromBytes(file.Key)
	if err != nil {
		s.logger.Error(ctx, "stored file key invalid", "file_id", file.ID, "error", err)
		return nil, nil, common.ErrCorruptedFile
	}
	defer key.Destroy()

	ciphertext, err := s.blobs.Get(ctx, file.BlobRef)
	if errors.Is(err, blobstore.ErrNotFound) || errors.Is(err, blobstore.ErrIntegrity) {
		span.RecordError(err)
		s.logger.Error(ctx, "vault file content unreadable", "file_id", file.ID, "error", err)
		return nil, nil, common.ErrCorruptedFile
	} else if err != nil {
		span.RecordError(err)
		return nil, nil, fmt.Errorf("failed to load content: %w", err)
	}

	plaintext, err := cryptox.Decrypt(ciphertext, key)
	if err != nil {
		span.RecordError(err)
		s.logger.Error(ctx, "vault file decryption failed", "file_id", file.ID, "error", err)
		return nil, nil, common.ErrCorruptedFile
	}
	return file, plaintext, nil
}

// ListFiles returns the owner's file metadata, most recent first.
func (s *Service) ListFiles(ctx context.Context, token string) ([]*models.VaultFile, error) {
	owner, err := s.Owner(ctx, token)
	if err != nil {
		return nil, err
	}
	files, err := s.records.ListFiles(ctx, owner.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list files: %w", err)
	}
	return files, nil
}

// DeleteFile removes the file record and then its blob. A blob left behind
// by a failed removal is unreachable and only logged.
func (s *Service) DeleteFile(ctx context.Context, token, fileID string) error {
	owner, err := s.Owner(ctx, token)
	if err != nil {
		return err
	}

	file, err := s.lookupFile(ctx, owner.ID, fileID)
	if err != nil {
		return err
	}
	if err := s.records.DeleteFile(ctx, owner.ID, file.ID); err != nil {
		return err
	}
	if err := s.blobs.Delete(ctx, file.BlobRef); err != nil {
		s.logger.Warn(ctx, "failed to delete file blob", "file_id", file.ID, "error", err)
	}

	s.logger.Info(ctx, "vault file deleted", "owner_id", owner.ID, "file_id", file.ID)
	return nil
}

// DeleteOwner removes the owner with every file and blob and revokes the
// session.
func (s *Service) DeleteOwner(ctx context.Context, token string) error {
	owner, err := s.Owner(ctx, token)
	if err != nil {
		return err
	}

	files, err := s.records.ListFiles(ctx, owner.ID)
	if err != nil {
		return fmt.Errorf("failed to list files: %w", err)
	}
	if err := s.records.DeleteOwner(ctx, owner.ID); err != nil {
		return fmt.Errorf("failed to delete owner: %w", err)
	}

	for _, f := range files {
		if err := s.blobs.Delete(ctx, f.BlobRef); err != nil {
			s.logger.Warn(ctx, "failed to delete file blob", "file_id", f.ID, "error", err)
		}
	}
	if err := s.sessions.Revoke(ctx, token); err != nil {
		s.logger.Warn(ctx, "failed to revoke session of deleted owner", "owner_id", owner.ID, "error", err)
	}

	s.logger.Info(ctx, "vault owner deleted", "owner_id", owner.ID, "files", len(files))
	return nil
}
