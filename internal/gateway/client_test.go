package gateway

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/h2non/gock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"payment-webhook-service/internal/config"
)

const baseURL = "http://gateway.example.com"

func newTestClient(t *testing.T, timeout int) *Client {
	t.Helper()
	httpClient := &http.Client{}
	gock.InterceptClient(httpClient)
	t.Cleanup(func() {
		gock.RestoreClient(httpClient)
		gock.Off()
	})

	cfg := config.Gateway{Name: "AbacatePay", BaseURL: baseURL, APIKey: "abc_key", TimeoutSeconds: timeout}
	return NewClient(cfg, httpClient, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestClient_CancelBilling(t *testing.T) {
	tests := []struct {
		name         string
		mockResponse func()
		want         bool
		wantErr      bool
	}{
		{
			name: "Success",
			mockResponse: func() {
				gock.New(baseURL).
					Delete("/v1/billing/bill_1").
					MatchHeader("Authorization", "Bearer abc_key").
					Reply(200).
					JSON(map[string]any{"data": map[string]string{"id": "bill_1", "status": "CANCELLED"}})
			},
			want: true,
		},
		{
			name: "Refused",
			mockResponse: func() {
				gock.New(baseURL).
					Delete("/v1/billing/bill_1").
					Reply(409).
					JSON(map[string]string{"error": "billing already paid"})
			},
			want: false,
		},
		{
			name: "ServerError",
			mockResponse: func() {
				gock.New(baseURL).
					Delete("/v1/billing/bill_1").
					Reply(502).
					JSON(map[string]string{"error": "bad gateway"})
			},
			want:    false,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, 5)
			tt.mockResponse()

			ok, err := client.CancelBilling(context.Background(), "bill_1")

			assert.Equal(t, tt.want, ok)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.True(t, gock.IsDone())
		})
	}
}

func TestClient_GetBillingStatus(t *testing.T) {
	client := newTestClient(t, 5)

	gock.New(baseURL).
		Get("/v1/billing/bill_1").
		Reply(200).
		JSON(map[string]any{
			"data": map[string]any{
				"id":          "bill_1",
				"status":      "PAID",
				"platformFee": 0.8,
				"paidAt":      "2026-03-01T12:00:00Z",
			},
			"error": nil,
		})

	status, err := client.GetBillingStatus(context.Background(), "bill_1")
	require.NoError(t, err)

	assert.Equal(t, "bill_1", status.BillingID)
	assert.Equal(t, "PAID", status.Status)
	assert.True(t, status.PlatformFee.Valid)
	assert.Equal(t, "0.8", status.PlatformFee.Decimal.String())
	require.NotNil(t, status.PaidAt)
	assert.True(t, status.PaidAt.Equal(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)))
	assert.True(t, gock.IsDone())
}

func TestClient_GetBillingStatus_Errors(t *testing.T) {
	tests := []struct {
		name         string
		mockResponse func()
	}{
		{
			name: "NotFound",
			mockResponse: func() {
				gock.New(baseURL).Get("/v1/billing/bill_1").Reply(404).JSON(map[string]string{"error": "not found"})
			},
		},
		{
			name: "ErrorEnvelope",
			mockResponse: func() {
				gock.New(baseURL).Get("/v1/billing/bill_1").Reply(200).JSON(map[string]any{"data": nil, "error": "invalid key"})
			},
		},
		{
			name: "EmptyData",
			mockResponse: func() {
				gock.New(baseURL).Get("/v1/billing/bill_1").Reply(200).JSON(map[string]any{})
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, 5)
			tt.mockResponse()

			status, err := client.GetBillingStatus(context.Background(), "bill_1")

			assert.Error(t, err)
			assert.Nil(t, status)
		})
	}
}

func TestClient_Timeout(t *testing.T) {
	client := newTestClient(t, 1)

	gock.New(baseURL).
		Get("/v1/billing/bill_1").
		Reply(200).
		Delay(2 * time.Second).
		JSON(map[string]any{"data": map[string]string{"status": "PAID"}})

	_, err := client.GetBillingStatus(context.Background(), "bill_1")

	assert.Error(t, err)
}
