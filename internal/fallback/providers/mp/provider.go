// Package mp implements the MercadoPago QR payment provider.
package mp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cobranzalabs/cobranza/internal/config"
	"github.com/cobranzalabs/cobranza/internal/fallback/domain"
	"go.uber.org/zap"
)

const (
	defaultBaseURL = "https://api.mercadopago.com"
	providerName   = "mp"
)

type Provider struct {
	baseURL     string
	accessToken string
	httpClient  *http.Client
	log         *zap.Logger
}

func New(cfg config.Config, log *zap.Logger) *Provider {
	baseURL := cfg.Fallback.MPBaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Provider{
		baseURL:     baseURL,
		accessToken: cfg.Fallback.MPAccessToken,
		httpClient:  &http.Client{Timeout: 15 * time.Second},
		log:         log.Named("fallback.provider.mp"),
	}
}

func (p *Provider) Name() string { return providerName }

type paymentRequest struct {
	TransactionAmount float64 `json:"transaction_amount"`
	Description       string  `json:"description"`
	PaymentMethodID   string  `json:"payment_method_id"`
	ExternalReference string  `json:"external_reference"`
	DateOfExpiration  string  `json:"date_of_expiration"`
}

type paymentResponse struct {
	ID                int64  `json:"id"`
	Status            string `json:"status"`
	StatusDetail      string `json:"status_detail"`
	ExternalReference string `json:"external_reference"`
	DateApproved      string `json:"date_approved"`
	PointOfInteraction struct {
		TransactionData struct {
			QRCode       string `json:"qr_code"`
			QRCodeBase64 string `json:"qr_code_base64"`
			TicketURL    string `json:"ticket_url"`
		} `json:"transaction_data"`
	} `json:"point_of_interaction"`
}

// CreateIntent creates a pix-style QR payment. The idempotency key makes
// retried calls return the original payment instead of charging twice.
func (p *Provider) CreateIntent(ctx context.Context, req domain.CreateIntentRequest) (*domain.ProviderIntent, error) {
	body := paymentRequest{
		TransactionAmount: float64(req.AmountARS) / 100,
		Description:       req.Description,
		PaymentMethodID:   "pix",
		ExternalReference: req.ExternalReference,
		DateOfExpiration:  req.ExpiresAt.UTC().Format("2006-01-02T15:04:05.000-07:00"),
	}

	var resp paymentResponse
	raw, err := p.do(ctx, http.MethodPost, "/v1/payments", req.IdempotencyKey, body, &resp)
	if err != nil {
		return nil, err
	}

	return &domain.ProviderIntent{
		ProviderPaymentID: fmt.Sprintf("%d", resp.ID),
		ProviderStatus:    resp.Status,
		PaymentURL:        resp.PointOfInteraction.TransactionData.TicketURL,
		QRPayload:         resp.PointOfInteraction.TransactionData.QRCode,
		QRImageURL:        resp.PointOfInteraction.TransactionData.QRCodeBase64,
		Raw:               raw,
	}, nil
}

func (p *Provider) GetStatus(ctx context.Context, intent *domain.FallbackIntent) (*domain.ProviderStatus, error) {
	if intent.ProviderPaymentID == nil {
		return nil, fmt.Errorf("intent %s has no provider payment id", intent.ID)
	}

	var resp paymentResponse
	raw, err := p.do(ctx, http.MethodGet, "/v1/payments/"+*intent.ProviderPaymentID, "", nil, &resp)
	if err != nil {
		return nil, err
	}
	return p.mapStatus(&resp, raw), nil
}

// Cancel asks MercadoPago to cancel the payment. An already-approved
// payment cannot be cancelled; the mapped PAID status is returned so the
// caller can reconcile instead.
func (p *Provider) Cancel(ctx context.Context, intent *domain.FallbackIntent) (*domain.ProviderStatus, error) {
	if intent.ProviderPaymentID == nil {
		return nil, fmt.Errorf("intent %s has no provider payment id", intent.ID)
	}

	current, err := p.GetStatus(ctx, intent)
	if err != nil {
		return nil, err
	}
	if current.Mapped == domain.MappedStatusPaid {
		return current, nil
	}

	var resp paymentResponse
	raw, err := p.do(ctx, http.MethodPut, "/v1/payments/"+*intent.ProviderPaymentID, "",
		map[string]string{"status": "cancelled"}, &resp)
	if err != nil {
		return nil, err
	}
	return p.mapStatus(&resp, raw), nil
}

func (p *Provider) mapStatus(resp *paymentResponse, raw map[string]any) *domain.ProviderStatus {
	status := &domain.ProviderStatus{
		ProviderStatus: resp.Status,
		Raw:            raw,
	}
	switch resp.Status {
	case "approved", "accredited":
		status.Mapped = domain.MappedStatusPaid
		if ts, err := time.Parse(time.RFC3339, resp.DateApproved); err == nil {
			utc := ts.UTC()
			status.PaidAt = &utc
		}
	case "expired":
		status.Mapped = domain.MappedStatusExpired
	case "rejected", "cancelled", "refunded", "charged_back":
		status.Mapped = domain.MappedStatusFailed
	default:
		status.Mapped = domain.MappedStatusPending
	}
	return status
}

func (p *Provider) do(ctx context.Context, method, path, idempotencyKey string, body, out any) (map[string]any, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+p.accessToken)
	req.Header.Set("Content-Type", "application/json")
	if idempotencyKey != "" {
		req.Header.Set("X-Idempotency-Key", idempotencyKey)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("mercadopago %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		p.log.Warn("mercadopago error response",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", resp.StatusCode))
		return nil, fmt.Errorf("mercadopago %s %s: status %d: %s", method, path, resp.StatusCode, truncate(payload, 512))
	}

	if out != nil {
		if err := json.Unmarshal(payload, out); err != nil {
			return nil, fmt.Errorf("decode mercadopago response: %w", err)
		}
	}
	var raw map[string]any
	if err := json.Unmarshal(payload, &raw); err != nil {
		raw = nil
	}
	return raw, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
