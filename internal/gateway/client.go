package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"payment-webhook-service/internal/config"
	"payment-webhook-service/internal/model"
)

const billingPath = "/v1/billing/{id}"

type Client struct {
	http   *resty.Client
	logger *slog.Logger
}

// NewClient builds a gateway client on top of httpClient, which may be nil.
func NewClient(cfg config.Gateway, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	c := resty.NewWithClient(httpClient).
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout()).
		SetHeader("Accept", "application/json")
	if cfg.APIKey != "" {
		c.SetAuthToken(cfg.APIKey)
	}

	return &Client{http: c, logger: logger}
}

type errorResponse struct {
	Error *string `json:"error"`
}

type billingResponse struct {
	Data *struct {
		ID          string              `json:"id"`
		Status      string              `json:"status"`
		PlatformFee decimal.NullDecimal `json:"platformFee"`
		PaidAt      *time.Time          `json:"paidAt"`
	} `json:"data"`
	Error *string `json:"error"`
}

// CancelBilling asks the gateway to cancel a billing. It returns false without error
// when the gateway answered but reported a failure.
func (c *Client) CancelBilling(ctx context.Context, billingID string) (bool, error) {
	var failure errorResponse

	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("id", billingID).
		SetError(&failure).
		Delete(billingPath)
	if err != nil {
		c.logger.ErrorContext(ctx, "Error cancelling billing", "billingId", billingID, "error", err)
		return false, err
	}

	if resp.IsError() {
		c.logger.WarnContext(ctx, "Gateway refused billing cancellation", "billingId", billingID, "status", resp.StatusCode())
		if resp.StatusCode() >= http.StatusInternalServerError {
			return false, fmt.Errorf("error response: %s", resp.Status())
		}
		return false, nil
	}

	c.logger.InfoContext(ctx, "Billing cancelled", "billingId", billingID)
	return true, nil
}

func (c *Client) GetBillingStatus(ctx context.Context, billingID string) (*model.BillingStatus, error) {
	var body billingResponse

	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("id", billingID).
		SetResult(&body).
		SetError(&body).
		Get(billingPath)
	if err != nil {
		return nil, err
	}

	if resp.IsError() {
		return nil, fmt.Errorf("error response: %s", resp.Status())
	}
	if body.Error != nil && *body.Error != "" {
		return nil, fmt.Errorf("gateway error: %s", *body.Error)
	}
	if body.Data == nil {
		return nil, fmt.Errorf("gateway returned no billing for %s", billingID)
	}

	id := body.Data.ID
	if id == "" {
		id = billingID
	}
	return &model.BillingStatus{
		BillingID:   id,
		Status:      body.Data.Status,
		PlatformFee: body.Data.PlatformFee,
		PaidAt:      body.Data.PaidAt,
	}, nil
}
