package webhook

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"payment-webhook-service/internal/apperr"
	"payment-webhook-service/internal/audit"
	"payment-webhook-service/internal/ledger"
	"payment-webhook-service/internal/logcontext"
	"payment-webhook-service/internal/model"
	"payment-webhook-service/internal/notify"
	"payment-webhook-service/internal/payment"
	"payment-webhook-service/internal/signature"
)

const (
	SuccessMessage   = "Webhook processed successfully"
	DuplicateMessage = "Webhook already processed"
)

var (
	webhookProcessedCounter = metrics.GetOrCreateCounter(`webhook_requests_total{result="processed"}`)
	webhookDuplicateCounter = metrics.GetOrCreateCounter(`webhook_requests_total{result="duplicate"}`)
	webhookRejectedCounter  = metrics.GetOrCreateCounter(`webhook_requests_total{result="rejected"}`)
	webhookFailedCounter    = metrics.GetOrCreateCounter(`webhook_requests_total{result="failed"}`)
	webhookAlertCounter     = metrics.GetOrCreateCounter(`webhook_alerts_total`)

	webhookDurationHistogram = metrics.GetOrCreateHistogram(`webhook_processing_duration_milliseconds`)
)

// Delivery is one inbound webhook request.
type Delivery struct {
	Payload   []byte
	Signature string
	SourceIP  string
	UserAgent string
}

type Outcome struct {
	EventID     string    `json:"eventId"`
	PayloadHash string    `json:"payloadHash"`
	PaymentID   uuid.UUID `json:"paymentId,omitempty"`
	Duplicate   bool      `json:"duplicate"`
	Message     string    `json:"message"`
}

type Pipeline struct {
	ledger   *ledger.Ledger
	verifier *signature.Verifier
	machine  *payment.StateMachine
	audit    *audit.Log
	notifier *notify.Service
	validate *validator.Validate
	locks    stripedLock
	logger   *slog.Logger
}

func NewPipeline(
	l *ledger.Ledger,
	verifier *signature.Verifier,
	machine *payment.StateMachine,
	auditLog *audit.Log,
	notifier *notify.Service,
	logger *slog.Logger,
) *Pipeline {
	return &Pipeline{
		ledger:   l,
		verifier: verifier,
		machine:  machine,
		audit:    auditLog,
		notifier: notifier,
		validate: validator.New(),
		logger:   logger,
	}
}

// Process runs a delivery through the whole pipeline. Cancelling ctx stops the
// delivery only until its attempt is registered; after that it runs to completion.
func (p *Pipeline) Process(ctx context.Context, d Delivery) (out *Outcome, err error) {
	start := time.Now()
	fp := fingerprintOf(d.Payload)
	ctx = fp.logContext(ctx)

	var verified bool
	defer func() { p.observe(start, out, err) }()
	defer p.recoverPanic(ctx, fp, d, &verified, &out, &err)

	unlock := p.locks.lock(fp.key)
	defer unlock()

	processed, err := p.ledger.IsProcessed(ctx, fp.key)
	if err != nil {
		err = apperr.Wrap(apperr.Transient, err, "checking ledger")
		p.fail(ctx, fp, d, false, err)
		return nil, err
	}
	if processed {
		p.logger.InfoContext(ctx, "Webhook already processed")
		return fp.outcome(uuid.Nil, true), nil
	}

	if err := p.verifier.Check(d.Payload, d.Signature); err != nil {
		p.logger.WarnContext(ctx, "Webhook authentication failed", "error", err, "sourceIp", d.SourceIP)
		p.fail(ctx, fp, d, false, err)
		return nil, err
	}
	verified = true

	event, err := p.decode(d.Payload)
	if err != nil {
		p.logger.WarnContext(ctx, "Webhook payload rejected", "error", err)
		p.fail(ctx, fp, d, true, err)
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, apperr.Wrap(apperr.Transient, err, "request cancelled")
	}

	return p.apply(context.WithoutCancel(ctx), fp, event, d, false)
}

// Reject records a delivery whose body could not be read in full. d.Payload holds
// the bytes read before cause.
func (p *Pipeline) Reject(ctx context.Context, d Delivery, cause error) {
	fp := fingerprintOf(d.Payload)
	ctx = fp.logContext(ctx)

	unlock := p.locks.lock(fp.key)
	defer unlock()

	webhookRejectedCounter.Inc()
	p.logger.WarnContext(ctx, "Webhook body rejected", "error", cause, "sourceIp", d.SourceIP)
	p.fail(ctx, fp, d, false, cause)
}

// Redrive re-runs a stored delivery from registration onwards. Entries that never
// passed signature verification are verified again with the signature they arrived with.
func (p *Pipeline) Redrive(ctx context.Context, a *model.DeliveryAttempt) (out *Outcome, err error) {
	fp := fingerprint{key: a.Key(), eventType: a.EventType}
	ctx = fp.logContext(context.WithoutCancel(ctx))
	d := Delivery{Payload: a.Payload, Signature: a.Signature}

	verified := a.Authenticated
	defer p.recoverPanic(ctx, fp, d, &verified, &out, &err)

	unlock := p.locks.lock(fp.key)
	defer unlock()

	processed, err := p.ledger.IsProcessed(ctx, fp.key)
	if err != nil {
		return nil, apperr.Wrap(apperr.Transient, err, "checking ledger")
	}
	if processed || a.IsProcessed {
		return fp.outcome(a.PaymentID.UUID, true), nil
	}

	if !verified {
		if err := p.verifier.Check(d.Payload, d.Signature); err != nil {
			p.logger.WarnContext(ctx, "Stored webhook failed authentication", "id", a.ID, "error", err)
			p.fail(ctx, fp, d, false, err)
			return nil, err
		}
		verified = true
	}

	event, err := p.decode(d.Payload)
	if err != nil {
		p.fail(ctx, fp, d, true, err)
		return nil, err
	}

	return p.apply(ctx, fp, event, d, true)
}

func (p *Pipeline) apply(ctx context.Context, fp fingerprint, event *model.WebhookEvent, d Delivery, redelivered bool) (*Outcome, error) {
	if _, err := p.ledger.RecordAttempt(ctx, ledger.Registration{Key: fp.key, EventType: event.Event, Payload: d.Payload}); err != nil {
		err = apperr.Wrap(apperr.Transient, err, "recording attempt")
		p.logger.ErrorContext(ctx, "Error recording webhook attempt", "error", err)
		p.fail(ctx, fp, d, true, err)
		return nil, err
	}

	status, _ := model.ParseStatus(event.Data.Status)
	res, err := p.machine.Apply(ctx, payment.Transition{
		BillingID: event.Data.BillingID,
		Status:    status,
		Fee:       event.Data.PlatformFee,
		PaidAt:    event.Data.PaidAt,
		Metadata:  event.Data.Metadata,
		Source:    p.audit.GatewaySource(),
	})
	if err != nil {
		p.logger.ErrorContext(ctx, "Error applying webhook", "error", err, "kind", apperr.KindOf(err).String())
		p.fail(ctx, fp, d, true, err)
		return nil, err
	}

	err = p.audit.WebhookReceived(ctx, audit.WebhookReceived{
		PaymentID:   res.Payment.ID,
		EventType:   event.Event,
		PayloadHash: fp.key.PayloadHash,
		Event:       event,
		IPAddress:   d.SourceIP,
		UserAgent:   d.UserAgent,
		Redelivered: redelivered,
	})
	if err != nil {
		err = apperr.Wrap(apperr.Transient, err, "writing audit entry")
		p.logger.ErrorContext(ctx, "Error auditing webhook", "error", err)
		p.fail(ctx, fp, d, true, err)
		return nil, err
	}

	paymentID := uuid.NullUUID{UUID: res.Payment.ID, Valid: true}
	if err := p.ledger.MarkProcessed(ctx, fp.key, paymentID, SuccessMessage); err != nil {
		err = apperr.Wrap(apperr.Transient, err, "marking processed")
		p.logger.ErrorContext(ctx, "Error marking webhook processed", "error", err)
		p.fail(ctx, fp, d, true, err)
		return nil, err
	}

	if res.Changed {
		if err := p.notifier.StatusChanged(ctx, res.Payment); err != nil {
			p.logger.WarnContext(ctx, "Error sending notification", "paymentId", res.Payment.ID, "error", err)
		}
	}

	p.logger.InfoContext(ctx, "Webhook processed", "paymentId", res.Payment.ID, "status", res.Payment.Status, "changed", res.Changed)
	return fp.outcome(res.Payment.ID, false), nil
}

// fail records cause in the ledger and alerts once when automatic retries run out.
// verified tells whether d passed signature verification before failing.
func (p *Pipeline) fail(ctx context.Context, fp fingerprint, d Delivery, verified bool, cause error) {
	ctx = context.WithoutCancel(ctx)
	retry := apperr.Retryable(cause)

	a, err := p.ledger.MarkFailed(ctx, ledger.Failure{
		Key:           fp.key,
		EventType:     fp.eventType,
		Payload:       d.Payload,
		Signature:     d.Signature,
		Authenticated: verified,
		Message:       cause.Error(),
		Retry:         retry,
	})
	if err != nil {
		p.logger.ErrorContext(ctx, "Error recording webhook failure", "error", err, "cause", cause)
		return
	}

	if retry && p.ledger.Exhausted(a) {
		p.escalate(ctx, a)
	}
}

func (p *Pipeline) escalate(ctx context.Context, a *model.DeliveryAttempt) {
	claimed, err := p.ledger.ClaimAlert(ctx, a.ID)
	if err != nil {
		p.logger.ErrorContext(ctx, "Error claiming webhook alert", "id", a.ID, "error", err)
		return
	}
	if !claimed {
		return
	}

	webhookAlertCounter.Inc()
	p.logger.WarnContext(ctx, "Webhook exhausted automatic retries", "id", a.ID, "attempts", a.AttemptCount)
	if err := p.notifier.DeliveryExhausted(ctx, a); err != nil {
		p.logger.ErrorContext(ctx, "Error sending admin alert", "id", a.ID, "error", err)
	}
}

func (p *Pipeline) recoverPanic(ctx context.Context, fp fingerprint, d Delivery, verified *bool, out **Outcome, err *error) {
	r := recover()
	if r == nil {
		return
	}

	*out = nil
	*err = apperr.New(apperr.Internal, fmt.Sprintf("panic: %v", r))
	p.logger.ErrorContext(ctx, "Recovered panic while processing webhook", "panic", r, "stack", string(debug.Stack()))
	p.fail(ctx, fp, d, *verified, *err)
}

func (p *Pipeline) observe(start time.Time, out *Outcome, err error) {
	webhookDurationHistogram.Update(float64(time.Since(start).Milliseconds()))

	switch {
	case err == nil && out != nil && out.Duplicate:
		webhookDuplicateCounter.Inc()
	case err == nil:
		webhookProcessedCounter.Inc()
	case apperr.Retryable(err):
		webhookFailedCounter.Inc()
	default:
		webhookRejectedCounter.Inc()
	}
}

func (fp fingerprint) logContext(ctx context.Context) context.Context {
	ctx = logcontext.AppendCtx(ctx, slog.String("eventId", fp.key.EventID))
	return logcontext.AppendCtx(ctx, slog.String("payloadHash", fp.key.PayloadHash))
}

func (fp fingerprint) outcome(paymentID uuid.UUID, duplicate bool) *Outcome {
	msg := SuccessMessage
	if duplicate {
		msg = DuplicateMessage
	}
	return &Outcome{
		EventID:     fp.key.EventID,
		PayloadHash: fp.key.PayloadHash,
		PaymentID:   paymentID,
		Duplicate:   duplicate,
		Message:     msg,
	}
}

// stripedLock serializes deliveries that share an idempotency key within this process.
type stripedLock [64]sync.Mutex

func (s *stripedLock) lock(key model.IdempotencyKey) func() {
	h := fnv.New32a()
	h.Write([]byte(key.EventID))
	h.Write([]byte{0})
	h.Write([]byte(key.PayloadHash))

	m := &s[h.Sum32()%uint32(len(s))]
	m.Lock()
	return m.Unlock
}
