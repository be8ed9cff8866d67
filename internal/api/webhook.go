package api

import (
	"io"
	"net/http"

	"github.com/pkg/errors"

	"payment-webhook-service/internal/apperr"
	"payment-webhook-service/internal/webhook"
)

const signatureHeader = "X-Signature"

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes))
	d := webhook.Delivery{
		Payload:   body,
		Signature: r.Header.Get(signatureHeader),
		SourceIP:  clientIP(r),
		UserAgent: r.UserAgent(),
	}
	if err != nil {
		cause := apperr.Wrap(apperr.Malformed, err, "reading body")
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			cause = apperr.Newf(apperr.Malformed, "payload exceeds %d bytes", tooLarge.Limit)
		}
		s.services.Pipeline.Reject(r.Context(), d, cause)
		writeWebhookError(w, cause)
		return
	}

	out, err := s.services.Pipeline.Process(r.Context(), d)
	if err != nil {
		writeWebhookError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, MessageResponse{Message: out.Message})
}
