package testhelpers

import (
	"context"
	"sync"

	"payment-webhook-service/internal/model"
)

// Publisher records notifications. Err, when set, is returned by every Publish.
type Publisher struct {
	mu   sync.Mutex
	sent []model.Notification
	Err  error
}

func (p *Publisher) Publish(_ context.Context, n model.Notification) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return p.Err
	}
	p.sent = append(p.sent, n)
	return nil
}

func (p *Publisher) Sent() []model.Notification {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]model.Notification(nil), p.sent...)
}

func (p *Publisher) Count(kind model.NotificationKind) int {
	n := 0
	for _, s := range p.Sent() {
		if s.Kind == kind {
			n++
		}
	}
	return n
}
