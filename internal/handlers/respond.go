package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"mime"
	"net"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/maneesh/dropvault/internal/common"
	"github.com/maneesh/dropvault/internal/logging"
)

// ErrorResponse is the JSON body of every failed request
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps service errors to HTTP statuses. Anything unexpected is
// logged and reported as a plain 500.
func writeError(ctx context.Context, w http.ResponseWriter, logger logging.Logger, err error) {
	var (
		status int
		code   string
		msg    string
	)

	switch {
	case errors.Is(err, common.ErrRateLimited):
		status, code, msg = http.StatusTooManyRequests, "rate_limited", "too many failed attempts, try again later"
	case errors.Is(err, common.ErrPasswordRequired):
		status, code, msg = http.StatusUnauthorized, "password_required", "this transfer is password protected"
	case errors.Is(err, common.ErrInvalidSession):
		status, code, msg = http.StatusUnauthorized, "invalid_session", "please log in again"
	case errors.Is(err, common.ErrAuthentication):
		status, code, msg = http.StatusForbidden, "authentication_failed", "wrong password or PIN"
	case errors.Is(err, common.ErrExpired):
		status, code, msg = http.StatusGone, "expired", "this transfer has expired"
	case errors.Is(err, common.ErrNotFound):
		status, code, msg = http.StatusNotFound, "not_found", "not found"
	case errors.Is(err, common.ErrInvalidInput):
		status, code, msg = http.StatusBadRequest, "invalid_input", err.Error()
	case errors.Is(err, common.ErrCorruptedTransfer), errors.Is(err, common.ErrCorruptedFile):
		status, code, msg = http.StatusInternalServerError, "content_unavailable", "content unavailable"
	default:
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			status, code, msg = http.StatusRequestEntityTooLarge, "too_large", "upload exceeds the size limit"
			break
		}
		logger.Error(ctx, "request failed", "error", err)
		status, code, msg = http.StatusInternalServerError, "internal", "internal error"
	}

	writeJSON(w, status, ErrorResponse{Error: code, Message: msg})
}

// writeContent sends decrypted bytes as a download named after the original
// file.
func writeContent(w http.ResponseWriter, filename string, data []byte) {
	contentType := mime.TypeByExtension(strings.ToLower(filepath.Ext(filename)))
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	disposition := mime.FormatMediaType("attachment", map[string]string{"filename": filename})
	if disposition == "" {
		disposition = "attachment"
	}
	w.Header().Set("Content-Disposition", disposition)
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// clientID is the caller's address without the port.
func clientID(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return ""
}
