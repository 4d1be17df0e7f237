package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/maneesh/dropvault/internal/common"
	"github.com/maneesh/dropvault/internal/models"
	"github.com/maneesh/dropvault/internal/storage/migrations"
	"github.com/pressly/goose/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("dropvault-storage")

const mysqlDuplicateEntry = 1062

// MySQLClient is the record store for transfers and vaults. It talks to
// MySQL or TiDB through go-sql-driver/mysql.
type MySQLClient struct {
	db *sql.DB
}

// NewMySQLClient opens and pings the database
func NewMySQLClient(ctx context.Context, dsn string) (*MySQLClient, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	return NewMySQLClientFromDB(db), nil
}

func NewMySQLClientFromDB(db *sql.DB) *MySQLClient {
	return &MySQLClient{db: db}
}

// Close closes the database connection
func (mc *MySQLClient) Close() error {
	return mc.db.Close()
}

// gooseUp is swapped out in tests.
var gooseUp = func(ctx context.Context, db *sql.DB, dir string) error {
	return goose.UpContext(ctx, db, dir)
}

// RunMigrations applies the embedded goose migrations.
func (mc *MySQLClient) RunMigrations(ctx context.Context) error {
	goose.SetBaseFS(migrations.Migrations)
	if err := goose.SetDialect("mysql"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}
	if err := gooseUp(ctx, mc.db, "."); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

func isDuplicate(err error) bool {
	var me *mysql.MySQLError
	return errors.As(err, &me) && me.Number == mysqlDuplicateEntry
}

// wrapWriteErr turns a duplicate key violation into common.ErrDuplicate.
func wrapWriteErr(err error, msg string) error {
	if isDuplicate(err) {
		return fmt.Errorf("%s: %w", msg, common.ErrDuplicate)
	}
	return fmt.Errorf("%s: %w", msg, err)
}

type rowScanner interface {
	Scan(dest ...any) error
}

// Transfers

const transferColumns = `id, code, blob_ref, original_name, size_bytes, password_hash,
	encryption_salt, kdf_iterations, server_key, created_at, expires_at`

// CreateTransfer inserts a transfer record. A taken code yields
// common.ErrDuplicate so the caller can pick another.
func (mc *MySQLClient) CreateTransfer(ctx context.Context, t *models.TransferRecord) error {
	ctx, span := tracer.Start(ctx, "mysql.create_transfer",
		trace.WithAttributes(
			attribute.String("transfer_id", t.ID),
			attribute.Int64("size_bytes", t.SizeBytes),
			attribute.Bool("password_protected", t.PasswordProtected()),
		),
	)
	defer span.End()

	var (
		passwordHash sql.NullString
		salt         []byte
		iterations   sql.NullInt64
		serverKey    []byte
	)
	switch ks := t.KeySource.(type) {
	case models.PasswordKey:
		passwordHash = sql.NullString{String: ks.Hash, Valid: true}
		salt = ks.Salt
		iterations = sql.NullInt64{Int64: int64(ks.Iterations), Valid: true}
	case models.ServerKey:
		serverKey = ks.Key
	default:
		return fmt.Errorf("%w: transfer has no key source", common.ErrInvalidInput)
	}

	query := `INSERT INTO transfers (` + transferColumns + `)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := mc.db.ExecContext(ctx, query,
		t.ID, t.Code, t.BlobRef, t.OriginalName, t.SizeBytes,
		passwordHash, salt, iterations, serverKey,
		t.CreatedAt.UTC(), t.ExpiresAt.UTC(),
	)
	if err != nil {
		span.RecordError(err)
		return wrapWriteErr(err, "failed to insert transfer")
	}

	return nil
}

func scanTransfer(row rowScanner) (*models.TransferRecord, error) {
	var (
		t            models.TransferRecord
		passwordHash sql.NullString
		salt         []byte
		iterations   sql.NullInt64
		serverKey    []byte
	)
	err := row.Scan(
		&t.ID, &t.Code, &t.BlobRef, &t.OriginalName, &t.SizeBytes,
		&passwordHash, &salt, &iterations, &serverKey,
		&t.CreatedAt, &t.ExpiresAt,
	)
	if err != nil {
		return nil, err
	}

	hasPassword := passwordHash.Valid
	hasServerKey := len(serverKey) > 0
	switch {
	case hasPassword && hasServerKey:
		return nil, fmt.Errorf("transfer %s has both a password and a server key", t.ID)
	case hasPassword:
		t.KeySource = models.PasswordKey{
			Hash:       passwordHash.String,
			Salt:       salt,
			Iterations: int(iterations.Int64),
		}
	case hasServerKey:
		t.KeySource = models.ServerKey{Key: serverKey}
	default:
		return nil, fmt.Errorf("transfer %s has no key source", t.ID)
	}

	return &t, nil
}

// GetTransferByCode returns the transfer with the given code, expired or not.
func (mc *MySQLClient) GetTransferByCode(ctx context.Context, code string) (*models.TransferRecord, error) {
	ctx, span := tracer.Start(ctx, "mysql.get_transfer_by_code")
	defer span.End()

	query := `SELECT ` + transferColumns + ` FROM transfers WHERE code = ?`

	t, err := scanTransfer(mc.db.QueryRowContext(ctx, query, code))
	if errors.Is(err, sql.ErrNoRows) {
		span.SetAttributes(attribute.Bool("found", false))
		return nil, common.ErrNotFound
	} else if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to query transfer: %w", err)
	}

	span.SetAttributes(attribute.Bool("found", true))
	return t, nil
}

// DeleteTransfer removes a transfer record. Missing records are ignored.
func (mc *MySQLClient) DeleteTransfer(ctx context.Context, id string) error {
	ctx, span := tracer.Start(ctx, "mysql.delete_transfer",
		trace.WithAttributes(attribute.String("transfer_id", id)),
	)
	defer span.End()

	if _, err := mc.db.ExecContext(ctx, `DELETE FROM transfers WHERE id = ?`, id); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to delete transfer: %w", err)
	}
	return nil
}

// ListExpiredTransfers returns up to limit transfers whose expiry is at or
// before now, oldest first.
func (mc *MySQLClient) ListExpiredTransfers(ctx context.Context, now time.Time, limit int) ([]*models.TransferRecord, error) {
	ctx, span := tracer.Start(ctx, "mysql.list_expired_transfers",
		trace.WithAttributes(attribute.Int("limit", limit)),
	)
	defer span.End()

	query := `SELECT ` + transferColumns + `
			  FROM transfers
			  WHERE expires_at <= ?
			  ORDER BY expires_at ASC
			  LIMIT ?`

	rows, err := mc.db.QueryContext(ctx, query, now.UTC(), limit)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to query expired transfers: %w", err)
	}
	defer rows.Close()

	var out []*models.TransferRecord
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("failed to scan transfer: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("error iterating transfers: %w", err)
	}

	span.SetAttributes(attribute.Int("expired_count", len(out)))
	return out, nil
}

// Vault owners

// CreateOwner inserts a vault owner. An email that is already registered
// yields common.ErrDuplicate.
func (mc *MySQLClient) CreateOwner(ctx context.Context, o *models.VaultOwner) error {
	ctx, span := tracer.Start(ctx, "mysql.create_owner",
		trace.WithAttributes(attribute.String("owner_id", o.ID)),
	)
	defer span.End()

	query := `INSERT INTO vault_owners (id, email, pin_hash, created_at) VALUES (?, ?, ?, ?)`
	if _, err := mc.db.ExecContext(ctx, query, o.ID, o.Email, o.PINHash, o.CreatedAt.UTC()); err != nil {
		span.RecordError(err)
		return wrapWriteErr(err, "failed to insert owner")
	}
	return nil
}

func (mc *MySQLClient) getOwner(ctx context.Context, spanName, where string, arg any) (*models.VaultOwner, error) {
	ctx, span := tracer.Start(ctx, spanName)
	defer span.End()

	query := `SELECT id, email, pin_hash, created_at FROM vault_owners WHERE ` + where + ` = ?`

	var o models.VaultOwner
	err := mc.db.QueryRowContext(ctx, query, arg).Scan(&o.ID, &o.Email, &o.PINHash, &o.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		span.SetAttributes(attribute.Bool("found", false))
		return nil, common.ErrNotFound
	} else if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to query owner: %w", err)
	}

	span.SetAttributes(attribute.Bool("found", true))
	return &o, nil
}

func (mc *MySQLClient) GetOwnerByEmail(ctx context.Context, email string) (*models.VaultOwner, error) {
	return mc.getOwner(ctx, "mysql.get_owner_by_email", "email", email)
}

func (mc *MySQLClient) GetOwnerByID(ctx context.Context, id string) (*models.VaultOwner, error) {
	return mc.getOwner(ctx, "mysql.get_owner_by_id", "id", id)
}

// DeleteOwner removes an owner and all of their file records in one
// transaction.
func (mc *MySQLClient) DeleteOwner(ctx context.Context, id string) error {
	ctx, span := tracer.Start(ctx, "mysql.delete_owner",
		trace.WithAttributes(attribute.String("owner_id", id)),
	)
	defer span.End()

	tx, err := mc.db.BeginTx(ctx, nil)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM vault_files WHERE owner_id = ?`, id); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to delete owner files: %w", err)
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM vault_owners WHERE id = ?`, id)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to delete owner: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return common.ErrNotFound
	}

	if err := tx.Commit(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Vault files

const fileColumns = `id, owner_id, blob_ref, original_name, size_bytes, encryption_key, uploaded_at`

func (mc *MySQLClient) CreateFile(ctx context.Context, f *models.VaultFile) error {
	ctx, span := tracer.Start(ctx, "mysql.create_file",
		trace.WithAttributes(
			attribute.String("file_id", f.ID),
			attribute.String("owner_id", f.OwnerID),
			attribute.Int64("size_bytes", f.SizeBytes),
		),
	)
	defer span.End()

	query := `INSERT INTO vault_files (` + fileColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err := mc.db.ExecContext(ctx, query,
		f.ID, f.OwnerID, f.BlobRef, f.OriginalName, f.SizeBytes, f.Key, f.UploadedAt.UTC(),
	)
	if err != nil {
		span.RecordError(err)
		return wrapWriteErr(err, "failed to insert file")
	}
	return nil
}

func scanFile(row rowScanner) (*models.VaultFile, error) {
	var f models.VaultFile
	if err := row.Scan(&f.ID, &f.OwnerID, &f.BlobRef, &f.OriginalName, &f.SizeBytes, &f.Key, &f.UploadedAt); err != nil {
		return nil, err
	}
	return &f, nil
}

// GetFile returns a file only if it belongs to ownerID. A file owned by
// somebody else is reported as common.ErrNotFound.
func (mc *MySQLClient) GetFile(ctx context.Context, ownerID, fileID string) (*models.VaultFile, error) {
	ctx, span := tracer.Start(ctx, "mysql.get_file",
		trace.WithAttributes(attribute.String("file_id", fileID)),
	)
	defer span.End()

	query := `SELECT ` + fileColumns + ` FROM vault_files WHERE id = ? AND owner_id = ?`

	f, err := scanFile(mc.db.QueryRowContext(ctx, query, fileID, ownerID))
	if errors.Is(err, sql.ErrNoRows) {
		span.SetAttributes(attribute.Bool("found", false))
		return nil, common.ErrNotFound
	} else if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to query file: %w", err)
	}

	span.SetAttributes(attribute.Bool("found", true))
	return f, nil
}

// ListFiles returns the owner's files, newest first.
func (mc *MySQLClient) ListFiles(ctx context.Context, ownerID string) ([]*models.VaultFile, error) {
	ctx, span := tracer.Start(ctx, "mysql.list_files",
		trace.WithAttributes(attribute.String("owner_id", ownerID)),
	)
	defer span.End()

	query := `SELECT ` + fileColumns + `
			  FROM vault_files
			  WHERE owner_id = ?
			  ORDER BY uploaded_at DESC`

	rows, err := mc.db.QueryContext(ctx, query, ownerID)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to query files: %w", err)
	}
	defer rows.Close()

	var files []*models.VaultFile
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("failed to scan file: %w", err)
		}
		files = append(files, f)
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("error iterating files: %w", err)
	}

	span.SetAttributes(attribute.Int("file_count", len(files)))
	return files, nil
}

// DeleteFile removes one of the owner's file records.
func (mc *MySQLClient) DeleteFile(ctx context.Context, ownerID, fileID string) error {
	ctx, span := tracer.Start(ctx, "mysql.delete_file",
		trace.WithAttributes(attribute.String("file_id", fileID)),
	)
	defer span.End()

	res, err := mc.db.ExecContext(ctx, `DELETE FROM vault_files WHERE id = ? AND owner_id = ?`, fileID, ownerID)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to delete file: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return common.ErrNotFound
	}
	return nil
}
