package api

import (
	"encoding/json"
	"net"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"payment-webhook-service/internal/apperr"
)

const contentType = "application/json"

type MessageResponse struct {
	Message string `json:"message"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeWebhookError answers the gateway with the 400/500 contract of the webhook endpoint.
func writeWebhookError(w http.ResponseWriter, err error) {
	writeJSON(w, apperr.HTTPStatus(err), ErrorResponse{Error: apperr.PublicMessage(err)})
}

// writeError answers operator-facing endpoints, which distinguish missing
// resources and conflicts.
func writeError(w http.ResponseWriter, err error) {
	status := apperr.HTTPStatus(err)
	switch apperr.KindOf(err) {
	case apperr.NotFound:
		status = http.StatusNotFound
	case apperr.ConflictingTransition:
		status = http.StatusConflict
	}

	msg := apperr.PublicMessage(err)
	var appErr *apperr.Error
	if status < http.StatusInternalServerError && errors.As(err, &appErr) && appErr.Message != "" {
		msg = appErr.Message
	}
	writeJSON(w, status, ErrorResponse{Error: msg})
}

func pathUUID(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(r.PathValue(name))
	if err != nil {
		return uuid.Nil, apperr.Newf(apperr.Malformed, "invalid %s", name)
	}
	return id, nil
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
