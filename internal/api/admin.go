package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"payment-webhook-service/internal/apperr"
	"payment-webhook-service/internal/audit"
	"payment-webhook-service/internal/model"
	"payment-webhook-service/internal/webhook"
)

type PendingWebhooksResponse struct {
	TotalPending int                      `json:"totalPending"`
	Webhooks     []*model.DeliveryAttempt `json:"webhooks"`
}

type RetryResponse struct {
	Message string           `json:"message"`
	ID      uuid.UUID        `json:"id"`
	Outcome *webhook.Outcome `json:"outcome"`
}

type AuditLogsResponse struct {
	PaymentID *uuid.UUID          `json:"paymentId,omitempty"`
	StartDate *time.Time          `json:"startDate,omitempty"`
	EndDate   *time.Time          `json:"endDate,omitempty"`
	TotalLogs int                 `json:"totalLogs"`
	Logs      []*model.AuditEntry `json:"logs"`
}

type StatisticsResponse struct {
	*audit.Statistics
	WebhooksPending int `json:"webhooksPending"`
}

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case s.opts.AdminToken != "":
			token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.opts.AdminToken)) != 1 {
				writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: "unauthorized"})
				return
			}
		case !s.opts.AdminOpen:
			writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: "admin endpoints are disabled"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handlePendingWebhooks(w http.ResponseWriter, r *http.Request) {
	due, err := s.services.Ledger.ListDue(r.Context())
	if err != nil {
		writeError(w, apperr.Wrap(apperr.Transient, err, "listing pending webhooks"))
		return
	}
	if due == nil {
		due = []*model.DeliveryAttempt{}
	}
	writeJSON(w, http.StatusOK, PendingWebhooksResponse{TotalPending: len(due), Webhooks: due})
}

func (s *Server) handleRetryWebhook(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}

	out, err := s.services.Scheduler.RetryNow(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, RetryResponse{Message: out.Message, ID: id, Outcome: out})
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	report, err := s.services.Scheduler.Scan(r.Context())
	if err != nil {
		writeError(w, apperr.Wrap(apperr.Transient, err, "running retry scan"))
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleAuditByPayment(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "paymentId")
	if err != nil {
		writeError(w, err)
		return
	}

	entries, err := s.services.Audit.ByPayment(r.Context(), id)
	if err != nil {
		writeError(w, apperr.Wrap(apperr.Transient, err, "loading audit log"))
		return
	}
	writeJSON(w, http.StatusOK, AuditLogsResponse{PaymentID: &id, TotalLogs: len(entries), Logs: nonNil(entries)})
}

func (s *Server) handleAuditByPeriod(w http.ResponseWriter, r *http.Request) {
	start, err := queryTime(r, "startDate")
	if err != nil {
		writeError(w, err)
		return
	}
	end, err := queryTime(r, "endDate")
	if err != nil {
		writeError(w, err)
		return
	}

	entries, err := s.services.Audit.ByPeriod(r.Context(), start, end)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, AuditLogsResponse{StartDate: &start, EndDate: &end, TotalLogs: len(entries), Logs: nonNil(entries)})
}

func (s *Server) handleAuditStatistics(w http.ResponseWriter, r *http.Request) {
	stats, err := s.services.Audit.Statistics(r.Context(), time.Now().UTC())
	if err != nil {
		writeError(w, apperr.Wrap(apperr.Transient, err, "computing statistics"))
		return
	}

	resp := StatisticsResponse{Statistics: stats}
	if due, err := s.services.Ledger.ListDue(r.Context()); err == nil {
		resp.WebhooksPending = len(due)
	} else {
		s.logger.WarnContext(r.Context(), "Error counting pending webhooks", "error", err)
	}
	writeJSON(w, http.StatusOK, resp)
}

func queryTime(r *http.Request, name string) (time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return time.Time{}, apperr.Newf(apperr.Malformed, "%s is required", name)
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, apperr.Newf(apperr.Malformed, "%s must be an RFC 3339 timestamp", name)
	}
	return t.UTC(), nil
}

func nonNil(entries []*model.AuditEntry) []*model.AuditEntry {
	if entries == nil {
		return []*model.AuditEntry{}
	}
	return entries
}
