package webhook

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"

	"payment-webhook-service/internal/apperr"
	"payment-webhook-service/internal/model"
)

const maxEventIDLen = 255

type fingerprint struct {
	key       model.IdempotencyKey
	eventType string
}

// fingerprintOf hashes raw and picks the event id from "id" or "event_id",
// falling back to the hash. It never fails, so even unreadable payloads get a ledger key.
func fingerprintOf(raw []byte) fingerprint {
	sum := sha256.Sum256(raw)
	hash := hex.EncodeToString(sum[:])

	fp := fingerprint{key: model.IdempotencyKey{EventID: hash, PayloadHash: hash}}

	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fp
	}

	for _, field := range []string{"id", "event_id"} {
		if id := scalar(envelope[field]); id != "" && len(id) <= maxEventIDLen {
			fp.key.EventID = id
			break
		}
	}
	fp.eventType = scalar(envelope["event"])
	return fp
}

func scalar(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}

	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

func (p *Pipeline) decode(raw []byte) (*model.WebhookEvent, error) {
	var event model.WebhookEvent
	if err := json.Unmarshal(raw, &event); err != nil {
		return nil, apperr.Wrap(apperr.Malformed, err, "decoding webhook")
	}

	if event.Data != nil {
		event.Data.Status = normalizeStatus(event.Data.Status, event.Event)
	}

	if err := p.validate.Struct(event); err != nil {
		return nil, apperr.Wrap(apperr.Malformed, err, "validating webhook")
	}
	return &event, nil
}

// normalizeStatus maps gateway spellings onto payment statuses and derives a
// missing status from the event name, e.g. "billing.paid".
func normalizeStatus(status, event string) string {
	if s, ok := model.ParseStatus(status); ok {
		return string(s)
	}
	if strings.TrimSpace(status) == "" {
		if _, name, found := strings.Cut(event, "."); found {
			if s, ok := model.ParseStatus(name); ok {
				return string(s)
			}
		}
	}
	return strings.ToLower(strings.TrimSpace(status))
}
