package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/maneesh/dropvault/internal/common"
	"github.com/maneesh/dropvault/internal/logging"
	"github.com/maneesh/dropvault/internal/models"
	"github.com/maneesh/dropvault/internal/transfer"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("dropvault-handlers")

const (
	// multipartMemory is how much of a multipart upload is buffered in
	// memory before spilling to temp files.
	multipartMemory = 32 << 20
	formOverhead    = 1 << 20
	maxFormBytes    = 64 << 10

	// PasswordHeader carries the transfer password on GET /r/{code}.
	PasswordHeader = "X-Transfer-Password"
)

type TransferService interface {
	CreateTransfer(ctx context.Context, content []byte, filename, password string, opts ...transfer.CreateOption) (*models.TransferRecord, error)
	CreateText(ctx context.Context, text, password string, opts ...transfer.CreateOption) (*models.TransferRecord, error)
	Receive(ctx context.Context, clientID, codeOrLink, password string) (*models.TransferRecord, []byte, error)
	Link(code string) string
}

// TransferHandler serves anonymous sends and receives
type TransferHandler struct {
	service   TransferService
	logger    logging.Logger
	maxUpload int64
}

func NewTransferHandler(service TransferService, logger logging.Logger, maxUpload int64) *TransferHandler {
	return &TransferHandler{
		service:   service,
		logger:    logger,
		maxUpload: maxUpload,
	}
}

// TransferResponse is returned when a transfer is created
type TransferResponse struct {
	Code              string    `json:"code"`
	Link              string    `json:"link"`
	OriginalName      string    `json:"original_name"`
	SizeBytes         int64     `json:"size_bytes"`
	PasswordProtected bool      `json:"password_protected"`
	ExpiresAt         time.Time `json:"expires_at"`
}

// Create handles POST /transfers. The body is a multipart form with either a
// "file" part or a "text_content" field, plus optional "password" and "ttl"
// (a Go duration such as "2h").
func (th *TransferHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "create_transfer",
		trace.WithSpanKind(trace.SpanKindServer),
	)
	defer span.End()

	r.Body = http.MaxBytesReader(w, r.Body, th.maxUpload+formOverhead)
	if err := r.ParseMultipartForm(multipartMemory); errors.Is(err, http.ErrNotMultipart) {
		if err := r.ParseForm(); err != nil {
			writeError(ctx, w, th.logger, fmt.Errorf("%w: %v", common.ErrInvalidInput, err))
			return
		}
	} else if err != nil {
		var maxErr *http.MaxBytesError
		if !errors.As(err, &maxErr) {
			err = fmt.Errorf("%w: %v", common.ErrInvalidInput, err)
		}
		writeError(ctx, w, th.logger, err)
		return
	}
	if r.MultipartForm != nil {
		defer r.MultipartForm.RemoveAll()
	}

	var opts []transfer.CreateOption
	if raw := r.FormValue("ttl"); raw != "" {
		ttl, err := time.ParseDuration(raw)
		if err != nil {
			writeError(ctx, w, th.logger, fmt.Errorf("%w: bad ttl %q", common.ErrInvalidInput, raw))
			return
		}
		opts = append(opts, transfer.WithTTL(ttl))
	}
	password := r.FormValue("password")

	var (
		rec *models.TransferRecord
		err error
	)
	file, header, fileErr := r.FormFile("file")
	switch {
	case fileErr == nil:
		defer file.Close()
		content, readErr := io.ReadAll(file)
		if readErr != nil {
			span.RecordError(readErr)
			writeError(ctx, w, th.logger, fmt.Errorf("failed to read upload: %w", readErr))
			return
		}
		rec, err = th.service.CreateTransfer(ctx, content, header.Filename, password, opts...)
	case errors.Is(fileErr, http.ErrMissingFile), errors.Is(fileErr, http.ErrNotMultipart):
		rec, err = th.service.CreateText(ctx, r.FormValue("text_content"), password, opts...)
	default:
		writeError(ctx, w, th.logger, fmt.Errorf("%w: %v", common.ErrInvalidInput, fileErr))
		return
	}
	if err != nil {
		span.RecordError(err)
		writeError(ctx, w, th.logger, err)
		return
	}

	span.SetAttributes(attribute.Int64("size_bytes", rec.SizeBytes))
	writeJSON(w, http.StatusCreated, TransferResponse{
		Code:              rec.Code,
		Link:              th.service.Link(rec.Code),
		OriginalName:      rec.OriginalName,
		SizeBytes:         rec.SizeBytes,
		PasswordProtected: rec.PasswordProtected(),
		ExpiresAt:         rec.ExpiresAt,
	})
}

// Receive handles POST /receive with form fields "code" (a code or link) and
// "password".
func (th *TransferHandler) Receive(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxFormBytes)
	if err := r.ParseForm(); err != nil {
		writeError(r.Context(), w, th.logger, fmt.Errorf("%w: %v", common.ErrInvalidInput, err))
		return
	}
	th.receive(w, r, r.FormValue("code"), r.FormValue("password"))
}

// ReceiveLink handles GET /r/{code}. A password, if any, comes in the
// X-Transfer-Password header.
func (th *TransferHandler) ReceiveLink(w http.ResponseWriter, r *http.Request) {
	th.receive(w, r, mux.Vars(r)["code"], r.Header.Get(PasswordHeader))
}

func (th *TransferHandler) receive(w http.ResponseWriter, r *http.Request, codeOrLink, password string) {
	ctx, span := tracer.Start(r.Context(), "receive_transfer",
		trace.WithSpanKind(trace.SpanKindServer),
	)
	defer span.End()

	rec, data, err := th.service.Receive(ctx, clientID(r), codeOrLink, password)
	if err != nil {
		span.RecordError(err)
		writeError(ctx, w, th.logger, err)
		return
	}

	span.SetAttributes(attribute.Int("size_bytes", len(data)))
	writeContent(w, rec.OriginalName, data)
}
