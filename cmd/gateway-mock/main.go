// Command gateway-mock imitates the payment gateway for local development:
// it serves the billing API and pushes signed webhooks to the service.
package main

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"payment-webhook-service/internal/signature"
)

const contentType = "application/json"

var platformFee = decimal.RequireFromString("0.80")

type Billing struct {
	ID          string              `json:"id"`
	Status      string              `json:"status"`
	PlatformFee decimal.NullDecimal `json:"platformFee"`
	PaidAt      *time.Time          `json:"paidAt,omitempty"`
}

type envelope struct {
	Data  any     `json:"data"`
	Error *string `json:"error"`
}

type WebhookData struct {
	BillingID   string              `json:"billingId"`
	Status      string              `json:"status"`
	PlatformFee decimal.NullDecimal `json:"platformFee"`
	PaidAt      *time.Time          `json:"paidAt,omitempty"`
}

type WebhookEvent struct {
	ID    string      `json:"id"`
	Event string      `json:"event"`
	Data  WebhookData `json:"data"`
}

type Delivery struct {
	Status int    `json:"status"`
	Body   string `json:"body"`
}

type SimulationResult struct {
	EventID    string     `json:"eventId"`
	Deliveries []Delivery `json:"deliveries"`
}

type mockGateway struct {
	mu         sync.Mutex
	billings   map[string]*Billing
	client     *resty.Client
	webhookURL string
	secret     string
	logger     *slog.Logger
}

func newMockGateway(webhookURL, secret string, logger *slog.Logger) *mockGateway {
	return &mockGateway{
		billings:   map[string]*Billing{},
		client:     resty.New().SetTimeout(10 * time.Second),
		webhookURL: webhookURL,
		secret:     secret,
		logger:     logger,
	}
}

func (g *mockGateway) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/billing/{id}", g.getBillingHandler)
	mux.HandleFunc("DELETE /v1/billing/{id}", g.cancelBillingHandler)
	mux.HandleFunc("POST /simulate/{billingId}/{status}", g.simulateHandler)
	return loggingMiddleware(g.logger, mux)
}

// billing returns the billing with id, creating a pending one on first use.
func (g *mockGateway) billing(id string) *Billing {
	b, ok := g.billings[id]
	if !ok {
		b = &Billing{ID: id, Status: "PENDING"}
		g.billings[id] = b
	}
	return b
}

func (g *mockGateway) getBillingHandler(w http.ResponseWriter, r *http.Request) {
	g.mu.Lock()
	b := *g.billing(r.PathValue("id"))
	g.mu.Unlock()

	writeJSON(w, http.StatusOK, envelope{Data: b})
}

func (g *mockGateway) cancelBillingHandler(w http.ResponseWriter, r *http.Request) {
	g.mu.Lock()
	defer g.mu.Unlock()

	b := g.billing(r.PathValue("id"))
	if b.Status == "PAID" {
		msg := "billing already paid"
		writeJSON(w, http.StatusBadRequest, envelope{Error: &msg})
		return
	}
	b.Status = "CANCELLED"
	writeJSON(w, http.StatusOK, envelope{Data: *b})
}

func (g *mockGateway) simulateHandler(w http.ResponseWriter, r *http.Request) {
	status := strings.ToUpper(r.PathValue("status"))

	g.mu.Lock()
	b := g.billing(r.PathValue("billingId"))
	b.Status = status
	if status == "PAID" {
		now := time.Now().UTC()
		b.PaidAt = &now
		b.PlatformFee = decimal.NewNullDecimal(platformFee)
	}
	event := WebhookEvent{
		ID:    "evt_" + uuid.NewString(),
		Event: "billing." + strings.ToLower(status),
		Data: WebhookData{
			BillingID:   b.ID,
			Status:      b.Status,
			PlatformFee: b.PlatformFee,
			PaidAt:      b.PaidAt,
		},
	}
	g.mu.Unlock()

	payload, err := json.Marshal(event)
	if err != nil {
		msg := err.Error()
		writeJSON(w, http.StatusInternalServerError, envelope{Error: &msg})
		return
	}

	sends := 1
	if r.URL.Query().Get("duplicate") == "true" {
		sends = 2
	}

	result := SimulationResult{EventID: event.ID}
	for i := 0; i < sends; i++ {
		result.Deliveries = append(result.Deliveries, g.deliver(r, payload))
	}
	writeJSON(w, http.StatusOK, result)
}

func (g *mockGateway) deliver(r *http.Request, payload []byte) Delivery {
	req := g.client.R().
		SetContext(r.Context()).
		SetHeader("Content-Type", contentType).
		SetBody(payload)
	if g.secret != "" {
		req.SetHeader("X-Signature", signature.Sign(payload, []byte(g.secret)))
	}

	resp, err := req.Post(g.webhookURL)
	if err != nil {
		g.logger.Error("Error delivering webhook", "error", err)
		return Delivery{Status: http.StatusBadGateway, Body: err.Error()}
	}
	return Delivery{Status: resp.StatusCode(), Body: resp.String()}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	_ = godotenv.Load()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("service", "gateway-mock")

	gateway := newMockGateway(
		getEnv("WEBHOOK_URL", "http://localhost:8080/payments/webhook"),
		os.Getenv("WEBHOOK_SECRET"),
		logger,
	)

	addr := ":" + getEnv("PORT", "8085")
	logger.Info("Starting gateway mock", "addr", addr)
	if err := http.ListenAndServe(addr, gateway.routes()); err != nil {
		logger.Error("Server stopped", "error", err)
		os.Exit(1)
	}
}
