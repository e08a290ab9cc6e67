package mail

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/piehands/campaignd/pkg/schema"
)

const defaultSendTimeout = 10 * time.Second

// SendGridConfig configures the SendGrid mail client.
type SendGridConfig struct {
	BaseURL   string        `json:"base_url"`
	APIKey    string        `json:"api_key"`
	FromEmail string        `json:"from_email"`
	FromName  string        `json:"from_name"`
	Timeout   time.Duration `json:"timeout"`
}

// SendGridClient sends emails through the SendGrid v3 mail API. Every send
// carries custom args identifying the user, campaign, node and template so
// delivery-outcome webhooks can be correlated back to the send.
type SendGridClient struct {
	cfg    SendGridConfig
	client *http.Client
}

func NewSendGridClient(cfg SendGridConfig) *SendGridClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.sendgrid.com"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultSendTimeout
	}
	return &SendGridClient{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

type sgPersonalization struct {
	To         []Address         `json:"to"`
	CustomArgs map[string]string `json:"custom_args,omitempty"`
}

type sgContent struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

type sgMail struct {
	Personalizations []sgPersonalization `json:"personalizations"`
	From             Address             `json:"from"`
	Subject          string              `json:"subject"`
	Content          []sgContent         `json:"content"`
}

func (c *SendGridClient) Send(ctx context.Context, req SendRequest) (*SendResult, error) {
	payload := sgMail{
		Personalizations: []sgPersonalization{{
			To: []Address{req.To},
			CustomArgs: map[string]string{
				"piehands_user_id":     req.UserID,
				"piehands_campaign_id": req.CampaignID,
				"piehands_node_id":     req.NodeID,
				"piehands_template_id": req.TemplateID,
				"piehands_timestamp":   time.Now().UTC().Format(time.RFC3339),
			},
		}},
		From:    Address{Email: c.cfg.FromEmail, Name: c.cfg.FromName},
		Subject: req.Subject,
		Content: []sgContent{{Type: "text/html", Value: req.HTML}},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodePermanent, "marshal send payload").WithCause(err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/v3/mail/send", bytes.NewReader(body))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodePermanent, "build send request").WithCause(err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		// Network failures and timeouts are worth retrying.
		return nil, schema.NewErrorf(schema.ErrCodeTransient, "send to %s: %s", req.To.Email, err).WithCause(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return &SendResult{
			ProviderMessageID: resp.Header.Get("X-Message-Id"),
			SentAt:            time.Now().UTC(),
		}, nil
	}

	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := fmt.Sprintf("provider returned %d: %s", resp.StatusCode, bytes.TrimSpace(detail))
	if isTransientStatus(resp.StatusCode) {
		return nil, schema.NewError(schema.ErrCodeTransient, msg)
	}
	return nil, schema.NewError(schema.ErrCodePermanent, msg)
}

// isTransientStatus reports whether a provider HTTP status is retryable:
// rate limiting and server-side failures are, client errors are not.
func isTransientStatus(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

// IsTransient reports whether a send failure may be retried.
func IsTransient(err error) bool {
	var engErr *schema.EngineError
	if errors.As(err, &engErr) {
		return engErr.Code == schema.ErrCodeTransient
	}
	return false
}
