// Package transfer implements anonymous, time-boxed file and text drops
// addressed by a 6-digit code.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

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

var tracer = otel.Tracer("dropvault-transfer")

const (
	DefaultTTL     = 24 * time.Hour
	DefaultMaxTTL  = 7 * 24 * time.Hour
	DefaultMaxSize = 1 << 30

	// TextFilename is the name given to transfers created from text.
	TextFilename = "message.txt"

	fallbackFilename = "file"
	maxCodeAttempts  = 10
)

// Repository is the record store for transfers. CreateTransfer must report
// a taken code as common.ErrDuplicate.
type Repository interface {
	CreateTransfer(ctx context.Context, t *models.TransferRecord) error
	GetTransferByCode(ctx context.Context, code string) (*models.TransferRecord, error)
	DeleteTransfer(ctx context.Context, id string) error
	ListExpiredTransfers(ctx context.Context, now time.Time, limit int) ([]*models.TransferRecord, error)
}

type BlobStore interface {
	Put(ctx context.Context, data []byte) (string, error)
	Get(ctx context.Context, ref string) ([]byte, error)
	Delete(ctx context.Context, ref string) error
}

// RateLimiter hands out one attempt per receive before any lookup is done.
type RateLimiter interface {
	Reserve(ctx context.Context, id string) (*ratelimit.Reservation, bool, error)
}

// Service manages the transfer lifecycle.
type Service struct {
	records Repository
	blobs   BlobStore
	limiter RateLimiter
	logger  logging.Logger

	now           func() time.Time
	newCode       func() (string, error)
	hashSecret    func(string) (string, error)
	defaultTTL    time.Duration
	maxTTL        time.Duration
	kdfIterations int
	maxSize       int64
	baseURL       string
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithDefaultTTL(ttl time.Duration) Option {
	return func(s *Service) { s.defaultTTL = ttl }
}

// WithMaxTTL caps the lifetime a caller may ask for.
func WithMaxTTL(ttl time.Duration) Option {
	return func(s *Service) { s.maxTTL = ttl }
}

func WithKDFIterations(n int) Option {
	return func(s *Service) { s.kdfIterations = n }
}

func WithMaxSize(n int64) Option {
	return func(s *Service) { s.maxSize = n }
}

// WithBaseURL sets the public URL links are built from.
func WithBaseURL(u string) Option {
	return func(s *Service) { s.baseURL = strings.TrimRight(u, "/") }
}

// WithSecretCost sets the bcrypt cost for password hashes.
func WithSecretCost(cost int) Option {
	return func(s *Service) {
		s.hashSecret = func(secret string) (string, error) {
			return cryptox.HashSecretWithCost(secret, cost)
		}
	}
}

// WithCodeGenerator replaces the random code source.
func WithCodeGenerator(gen func() (string, error)) Option {
	return func(s *Service) { s.newCode = gen }
}

func NewService(records Repository, blobs BlobStore, limiter RateLimiter, logger logging.Logger, opts ...Option) *Service {
	s := &Service{
		records:       records,
		blobs:         blobs,
		limiter:       limiter,
		logger:        logger,
		now:           time.Now,
		newCode:       codes.GenerateTransferCode,
		hashSecret:    cryptox.HashSecret,
		defaultTTL:    DefaultTTL,
		maxTTL:        DefaultMaxTTL,
		kdfIterations: cryptox.DefaultIterations,
		maxSize:       DefaultMaxSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type createOptions struct {
	ttl time.Duration
}

type CreateOption func(*createOptions)

// WithTTL overrides the default lifetime of one transfer. Zero is allowed
// and yields a transfer that is already expired.
func WithTTL(ttl time.Duration) CreateOption {
	return func(o *createOptions) { o.ttl = ttl }
}

// CreateTransfer encrypts content and stores it under a fresh code. With a
// password the key is derived from it and never stored; without one a random
// key is kept on the record.
func (s *Service) CreateTransfer(ctx context.Context, content []byte, filename, password string, opts ...CreateOption) (*models.TransferRecord, error) {
	co := createOptions{ttl: s.defaultTTL}
	for _, opt := range opts {
		opt(&co)
	}

	ctx, span := tracer.Start(ctx, "transfer.create",
		trace.WithAttributes(
			attribute.Int("size_bytes", len(content)),
			attribute.Bool("password_protected", password != ""),
		),
	)
	defer span.End()

	switch {
	case len(content) == 0:
		return nil, fmt.Errorf("%w: content is empty", common.ErrInvalidInput)
	case int64(len(content)) > s.maxSize:
		return nil, fmt.Errorf("%w: content exceeds %d bytes", common.ErrInvalidInput, s.maxSize)
	case co.ttl < 0:
		return nil, fmt.Errorf("%w: negative ttl", common.ErrInvalidInput)
	case co.ttl > s.maxTTL:
		return nil, fmt.Errorf("%w: ttl exceeds %s", common.ErrInvalidInput, s.maxTTL)
	case len(password) > cryptox.MaxSecretLength:
		return nil, fmt.Errorf("%w: password longer than %d bytes", common.ErrInvalidInput, cryptox.MaxSecretLength)
	}

	key, keySource, err := s.newKey(password)
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

	now := s.now().UTC()
	rec := &models.TransferRecord{
		ID:           codes.GenerateInternalID(),
		BlobRef:      blobRef,
		OriginalName: models.CleanFilename(filename, fallbackFilename),
		SizeBytes:    int64(len(content)),
		KeySource:    keySource,
		CreatedAt:    now,
		ExpiresAt:    now.Add(co.ttl),
	}

	if err := s.insertWithFreshCode(ctx, rec); err != nil {
		span.RecordError(err)
		if delErr := s.blobs.Delete(ctx, blobRef); delErr != nil {
			s.logger.Warn(ctx, "failed to remove orphaned blob", "blob_ref", blobRef, "error", delErr)
		}
		return nil, err
	}

	span.SetAttributes(attribute.String("transfer_id", rec.ID))
	s.logger.Info(ctx, "transfer created",
		"transfer_id", rec.ID,
		"code", rec.Code,
		"size_bytes", rec.SizeBytes,
		"password_protected", rec.PasswordProtected(),
		"expires_at", rec.ExpiresAt,
	)
	return rec, nil
}

// CreateText stores text as a TextFilename transfer.
func (s *Service) CreateText(ctx context.Context, text, password string, opts ...CreateOption) (*models.TransferRecord, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: text is empty", common.ErrInvalidInput)
	}
	return s.CreateTransfer(ctx, []byte(text), TextFilename, password, opts...)
}

func (s *Service) newKey(password string) (*cryptox.Key, models.KeySource, error) {
	if password == "" {
		key, err := cryptox.GenerateRandomKey()
		if err != nil {
			return nil, nil, err
		}
		stored := make([]byte, len(key.Bytes()))
		copy(stored, key.Bytes())
		return key, models.ServerKey{Key: stored}, nil
	}

	hash, err := s.hashSecret(password)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to hash password: %w", err)
	}
	key, err := cryptox.DeriveKeyWithIterations(password, nil, s.kdfIterations)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to derive key: %w", err)
	}
	return key, models.PasswordKey{Hash: hash, Salt: key.Salt(), Iterations: s.kdfIterations}, nil
}

// insertWithFreshCode lets the store's uniqueness constraint decide whether a
// code is free and draws another one on collision.
func (s *Service) insertWithFreshCode(ctx context.Context, rec *models.TransferRecord) error {
	for attempt := 1; attempt <= maxCodeAttempts; attempt++ {
		code, err := s.newCode()
		if err != nil {
			return fmt.Errorf("failed to generate code: %w", err)
		}
		rec.Code = code

		err = s.records.CreateTransfer(ctx, rec)
		if err == nil {
			return nil
		}
		if !errors.Is(err, common.ErrDuplicate) {
			return fmt.Errorf("failed to save transfer: %w", err)
		}
		s.logger.Debug(ctx, "transfer code collision", "attempt", attempt)
	}
	return fmt.Errorf("failed to allocate a unique code after %d attempts", maxCodeAttempts)
}

// Resolve finds the live transfer for a bare code or a link ending in one.
func (s *Service) Resolve(ctx context.Context, codeOrLink string) (*models.TransferRecord, error) {
	code := codes.ExtractCode(codeOrLink)
	if !codes.IsValidCode(code) {
		return nil, common.ErrNotFound
	}

	rec, err := s.records.GetTransferByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if rec.IsExpired(s.now()) {
		return nil, common.ErrExpired
	}
	return rec, nil
}

// Retrieve decrypts a transfer. Checks run in this order: expiry, missing
// password, wrong password, then decryption.
func (s *Service) Retrieve(ctx context.Context, rec *models.TransferRecord, password string) ([]byte, error) {
	ctx, span := tracer.Start(ctx, "transfer.retrieve",
		trace.WithAttributes(attribute.String("transfer_id", rec.ID)),
	)
	defer span.End()

	if rec.IsExpired(s.now()) {
		return nil, common.ErrExpired
	}

	key, err := s.keyFor(ctx, rec, password)
	if err != nil {
		return nil, err
	}
	defer key.Destroy()

	ciphertext, err := s.blobs.Get(ctx, rec.BlobRef)
	if errors.Is(err, blobstore.ErrNotFound) || errors.Is(err, blobstore.ErrIntegrity) {
		span.RecordError(err)
		s.logger.Error(ctx, "transfer content unreadable", "transfer_id", rec.ID, "error", err)
		return nil, common.ErrCorruptedTransfer
	} else if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to load content: %w", err)
	}

	plaintext, err := cryptox.Decrypt(ciphertext, key)
	if err != nil {
		span.RecordError(err)
		s.logger.Error(ctx, "transfer decryption failed", "transfer_id", rec.ID, "error", err)
		return nil, common.ErrCorruptedTransfer
	}
	return plaintext, nil
}

func (s *Service) keyFor(ctx context.Context, rec *models.TransferRecord, password string) (*cryptox.Key, error) {
	switch ks := rec.KeySource.(type) {
	case models.PasswordKey:
		if password == "" {
			return nil, common.ErrPasswordRequired
		}
		if !cryptox.VerifySecret(password, ks.Hash) {
			return nil, common.ErrAuthentication
		}
		key, err := cryptox.DeriveKeyWithIterations(password, ks.Salt, ks.Iterations)
		if err != nil {
			s.logger.Error(ctx, "transfer key derivation failed", "transfer_id", rec.ID, "error", err)
			return nil, common.ErrCorruptedTransfer
		}
		return key, nil
	case models.ServerKey:
		key, err := cryptox.KeyFromBytes(ks.Key)
		if err != nil {
			s.logger.Error(ctx, "stored transfer key invalid", "transfer_id", rec.ID, "error", err)
			return nil, common.ErrCorruptedTransfer
		}
		return key, nil
	default:
		s.logger.Error(ctx, "transfer has no key source", "transfer_id", rec.ID)
		return nil, common.ErrCorruptedTransfer
	}
}

// Receive is the full download path for one client: an attempt is reserved
// with the rate limiter first, then Resolve and Retrieve run, and the outcome
// settles the reservation. A missing password is a prompt, not a failed
// attempt, so its reservation is released.
func (s *Service) Receive(ctx context.Context, clientID, codeOrLink, password string) (*models.TransferRecord, []byte, error) {
	ctx, span := tracer.Start(ctx, "transfer.receive")
	defer span.End()

	res, ok, err := s.limiter.Reserve(ctx, clientID)
	if err != nil {
		span.RecordError(err)
		return nil, nil, fmt.Errorf("failed to check rate limit: %w", err)
	}
	if !ok {
		span.SetAttributes(attribute.Bool("rate_limited", true))
		return nil, nil, common.ErrRateLimited
	}

	rec, err := s.Resolve(ctx, codeOrLink)
	if err != nil {
		s.settle(ctx, clientID, res.Fail)
		return nil, nil, err
	}

	data, err := s.Retrieve(ctx, rec, password)
	if errors.Is(err, common.ErrPasswordRequired) {
		s.settle(ctx, clientID, res.Release)
		return rec, nil, err
	} else if err != nil {
		s.settle(ctx, clientID, res.Fail)
		return nil, nil, err
	}

	s.settle(ctx, clientID, res.Succeed)
	s.logger.Info(ctx, "transfer downloaded", "transfer_id", rec.ID, "client", clientID)
	return rec, data, nil
}

func (s *Service) settle(ctx context.Context, clientID string, outcome func(context.Context) error) {
	if err := outcome(ctx); err != nil {
		s.logger.Error(ctx, "failed to settle attempt", "client", clientID, "error", err)
	}
}

// Delete removes the transfer's blob and then its record. Content that is
// already missing or unreadable does not keep the record alive.
func (s *Service) Delete(ctx context.Context, rec *models.TransferRecord) error {
	err := s.blobs.Delete(ctx, rec.BlobRef)
	if errors.Is(err, blobstore.ErrNotFound) || errors.Is(err, blobstore.ErrIntegrity) {
		s.logger.Warn(ctx, "deleting transfer with unreadable content", "transfer_id", rec.ID, "error", err)
	} else if err != nil {
		return fmt.Errorf("failed to delete content of %s: %w", rec.ID, err)
	}
	if err := s.records.DeleteTransfer(ctx, rec.ID); err != nil {
		return fmt.Errorf("failed to delete transfer %s: %w", rec.ID, err)
	}
	return nil
}

// ReapExpired deletes up to limit expired transfers and returns how many were
// removed. Live transfers are never touched.
func (s *Service) ReapExpired(ctx context.Context, limit int) (int, error) {
	ctx, span := tracer.Start(ctx, "transfer.reap_expired")
	defer span.End()

	now := s.now()
	expired, err := s.records.ListExpiredTransfers(ctx, now, limit)
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("failed to list expired transfers: %w", err)
	}

	var (
		removed int
		errs    []error
	)
	for _, rec := range expired {
		if !rec.IsExpired(now) {
			continue
		}
		if err := s.Delete(ctx, rec); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}

	span.SetAttributes(attribute.Int("removed", removed))
	if removed > 0 {
		s.logger.Info(ctx, "expired transfers removed", "count", removed)
	}
	return removed, errors.Join(errs...)
}

// Link returns the shareable URL for a code.
func (s *Service) Link(code string) string {
	return s.baseURL + "/r/" + code
}
