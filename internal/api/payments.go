package api

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/pkg/errors"

	"payment-webhook-service/internal/apperr"
	"payment-webhook-service/internal/model"
)

const (
	defaultCancelReason = "Cancellation requested by user"
	userIDHeader        = "X-User-Id"
)

type CancelRequest struct {
	Reason string `json:"reason"`
}

type PaymentResponse struct {
	Payment *model.Payment `json:"payment"`
	Changed bool           `json:"changed"`
}

func (s *Server) handlePaymentStatus(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}

	res, err := s.services.Machine.Sync(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	if res.Changed {
		s.notify(r, res.Payment)
	}
	writeJSON(w, http.StatusOK, PaymentResponse{Payment: res.Payment, Changed: res.Changed})
}

func (s *Server) handleCancelPayment(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}

	var req CancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, apperr.Wrap(apperr.Malformed, err, "invalid cancel request"))
		return
	}
	if req.Reason == "" {
		req.Reason = defaultCancelReason
	}

	actor := model.Actor{
		UserID:    r.Header.Get(userIDHeader),
		IPAddress: clientIP(r),
		UserAgent: r.UserAgent(),
	}

	res, err := s.services.Machine.Cancel(r.Context(), id, req.Reason, actor)
	if err != nil {
		writeError(w, err)
		return
	}

	s.notify(r, res.Payment)
	writeJSON(w, http.StatusOK, PaymentResponse{Payment: res.Payment, Changed: res.Changed})
}

func (s *Server) notify(r *http.Request, p *model.Payment) {
	if err := s.services.Notifier.StatusChanged(r.Context(), p); err != nil {
		s.logger.WarnContext(r.Context(), "Error sending notification", "paymentId", p.ID, "error", err)
	}
}
