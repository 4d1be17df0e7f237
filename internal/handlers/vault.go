package handlers

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/maneesh/dropvault/internal/common"
	"github.com/maneesh/dropvault/internal/logging"
	"github.com/maneesh/dropvault/internal/models"
	"github.com/maneesh/dropvault/internal/vault"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

type VaultService interface {
	Authenticate(ctx context.Context, clientID, email, pin string) (*vault.Session, error)
	Logout(ctx context.Context, token string) error
	StoreFile(ctx context.Context, token string, content []byte, filename string) (*models.VaultFile, error)
	RetrieveFile(ctx context.Context, token, fileID string) (*models.VaultFile, []byte, error)
	ListFiles(ctx context.Context, token string) ([]*models.VaultFile, error)
	DeleteFile(ctx context.Context, token, fileID string) error
	DeleteOwner(ctx context.Context, token string) error
}

// VaultHandler serves the PIN-gated vault. Every route except login expects
// "Authorization: Bearer <token>".
type VaultHandler struct {
	service   VaultService
	logger    logging.Logger
	maxUpload int64
}

func NewVaultHandler(service VaultService, logger logging.Logger, maxUpload int64) *VaultHandler {
	return &VaultHandler{
		service:   service,
		logger:    logger,
		maxUpload: maxUpload,
	}
}

// FileListResponse wraps the owner's files
type FileListResponse struct {
	Files []*models.VaultFile `json:"files"`
}

// Login handles POST /vault/login with form fields "email" and "pin".
func (vh *VaultHandler) Login(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "vault_login",
		trace.WithSpanKind(trace.SpanKindServer),
	)
	defer span.End()

	r.Body = http.MaxBytesReader(w, r.Body, maxFormBytes)
	if err := r.ParseForm(); err != nil {
		writeError(ctx, w, vh.logger, fmt.Errorf("%w: %v", common.ErrInvalidInput, err))
		return
	}

	session, err := vh.service.Authenticate(ctx, clientID(r), r.FormValue("email"), r.FormValue("pin"))
	if err != nil {
		span.RecordError(err)
		writeError(ctx, w, vh.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

// Logout handles POST /vault/logout
func (vh *VaultHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if err := vh.service.Logout(r.Context(), bearerToken(r)); err != nil {
		writeError(r.Context(), w, vh.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// List handles GET /vault/files
func (vh *VaultHandler) List(w http.ResponseWriter, r *http.Request) {
	files, err := vh.service.ListFiles(r.Context(), bearerToken(r))
	if err != nil {
		writeError(r.Context(), w, vh.logger, err)
		return
	}
	if files == nil {
		files = []*models.VaultFile{}
	}
	writeJSON(w, http.StatusOK, FileListResponse{Files: files})
}

// Upload handles PUT /vault/files?name=filename with the raw file as body.
func (vh *VaultHandler) Upload(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "vault_upload",
		trace.WithSpanKind(trace.SpanKindServer),
	)
	defer span.End()

	filename := r.URL.Query().Get("name")
	if filename == "" {
		writeError(ctx, w, vh.logger, fmt.Errorf("%w: missing 'name' query parameter", common.ErrInvalidInput))
		return
	}

	content, err := io.ReadAll(http.MaxBytesReader(w, r.Body, vh.maxUpload))
	if err != nil {
		span.RecordError(err)
		writeError(ctx, w, vh.logger, err)
		return
	}

	file, err := vh.service.StoreFile(ctx, bearerToken(r), content, filename)
	if err != nil {
		span.RecordError(err)
		writeError(ctx, w, vh.logger, err)
		return
	}

	span.SetAttributes(attribute.Int64("size_bytes", file.SizeBytes))
	writeJSON(w, http.StatusCreated, file)
}

// Download handles GET /vault/files/{file_id}
func (vh *VaultHandler) Download(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "vault_download",
		trace.WithSpanKind(trace.SpanKindServer),
	)
	defer span.End()

	file, data, err := vh.service.RetrieveFile(ctx, bearerToken(r), mux.Vars(r)["file_id"])
	if err != nil {
		span.RecordError(err)
		writeError(ctx, w, vh.logger, err)
		return
	}
	writeContent(w, file.OriginalName, data)
}

// Delete handles DELETE /vault/files/{file_id}
func (vh *VaultHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := vh.service.DeleteFile(r.Context(), bearerToken(r), mux.Vars(r)["file_id"]); err != nil {
		writeError(r.Context(), w, vh.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DeleteOwner handles DELETE /vault
func (vh *VaultHandler) DeleteOwner(w http.ResponseWriter, r *http.Request) {
	if err := vh.service.DeleteOwner(r.Context(), bearerToken(r)); err != nil {
		writeError(r.Context(), w, vh.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
