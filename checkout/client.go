package checkout

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/landsendsolo/junkshop-live/config"
)

var (
	// ErrInvalidRequest means the caller supplied bad input; nothing was
	// sent to the gateway.
	ErrInvalidRequest = errors.New("invalid checkout request")
	// ErrNotConfigured means the SumUp secret key is missing. Operator
	// error, not caller error.
	ErrNotConfigured = errors.New("sumup secret key not configured")
)

// GatewayError carries the gateway's diagnostic message verbatim. It never
// contains credential material.
type GatewayError struct {
	StatusCode int
	Reason     string
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("sumup rejected checkout (%d): %s", e.StatusCode, e.Reason)
}

// Request is a storefront purchase waiting for a payment session.
type Request struct {
	AmountPence   int64  `json:"amount_pence"`
	Currency      string `json:"currency"`
	Description   string `json:"description"`
	CustomerEmail string `json:"customer_email"`
}

// Session links a payer-facing checkout page to the reference the gateway
// will later report outcomes under. The caller must persist Reference onto
// the order before handing CheckoutURL to the payer.
type Session struct {
	Reference   string `json:"checkout_id"`
	CheckoutURL string `json:"checkout_url"`
}

type IClient interface {
	CreateCheckout(ctx context.Context, req Request) (Session, error)
}

type client struct {
	conf config.SumupConfig
	http *http.Client
}

// NewClient validates the credential once at construction; the config is
// immutable afterwards.
func NewClient(conf config.SumupConfig) (IClient, error) {
	if conf.SecretKey == "" {
		return nil, ErrNotConfigured
	}
	return &client{
		conf: conf,
		http: &http.Client{Timeout: 15 * time.Second},
	}, nil
}

type checkoutPayload struct {
	CheckoutReference string  `json:"checkout_reference"`
	Amount            float64 `json:"amount"`
	Currency          string  `json:"currency"`
	Description       string  `json:"description"`
	PayToEmail        string  `json:"pay_to_email"`
	CustomerEmail     string  `json:"customer_email"`
	ReturnURL         string  `json:"return_url"`
	HostedCheckout    struct {
		Enabled bool `json:"enabled"`
	} `json:"hosted_checkout"`
}

type checkoutResponse struct {
	ID                string `json:"id"`
	HostedCheckoutURL string `json:"hosted_checkout_url"`
	Message           string `json:"message"`
}

// CreateCheckout opens a payment session with SumUp. It is a pure proxy: no
// order or item record is touched. Retrying on failure is the caller's call,
// since a blind retry could open a duplicate session.
func (c *client) CreateCheckout(ctx context.Context, req Request) (Session, error) {
	if err := validate(req); err != nil {
		return Session{}, err
	}

	payload := checkoutPayload{
		CheckoutReference: fmt.Sprintf("JUNKSHOP-%s", uuid.NewString()),
		Amount:            float64(req.AmountPence) / 100,
		Currency:          req.Currency,
		Description:       req.Description,
		PayToEmail:        c.conf.MerchantEmail,
		CustomerEmail:     req.CustomerEmail,
		ReturnURL:         c.conf.ReturnURL,
	}
	payload.HostedCheckout.Enabled = true

	body, err := json.Marshal(payload)
	if err != nil {
		return Session{}, err
	}

	httpReq, err := http.NewRequestWithContext(
		ctx, http.MethodPost, c.conf.APIBase+"/v0.1/checkouts", bytes.NewReader(body),
	)
	if err != nil {
		return Session{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.conf.SecretKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return Session{}, fmt.Errorf("call sumup: %w", err)
	}
	defer resp.Body.Close()

	var decoded checkoutResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil && resp.StatusCode < 300 {
		return Session{}, fmt.Errorf("decode sumup response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		reason := decoded.Message
		if reason == "" {
			reason = "unknown error"
		}
		return Session{}, &GatewayError{StatusCode: resp.StatusCode, Reason: reason}
	}

	return Session{
		Reference:   decoded.ID,
		CheckoutURL: decoded.HostedCheckoutURL,
	}, nil
}

func validate(req Request) error {
	if req.AmountPence <= 0 {
		return fmt.Errorf("%w: amount must be greater than zero", ErrInvalidRequest)
	}
	if req.Currency == "" || req.Description == "" || req.CustomerEmail == "" {
		return fmt.Errorf("%w: missing currency, description or customer email", ErrInvalidRequest)
	}
	return nil
}
