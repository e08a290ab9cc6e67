// Package mail provides the email sending and template rendering
// collaborators used by send_email nodes.
package mail

import (
	"context"
	"time"

	"github.com/piehands/campaignd/pkg/schema"
)

// Address is a sender or recipient.
type Address struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

// Template is an email template. Subject and Body may contain
// {{ expression }} placeholders evaluated against the render scope.
type Template struct {
	ID      string `json:"id"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// SendRequest is a fully rendered email plus the tracking metadata the
// provider echoes back on delivery-outcome events.
type SendRequest struct {
	To         Address `json:"to"`
	Subject    string  `json:"subject"`
	HTML       string  `json:"html"`
	UserID     string  `json:"user_id"`
	CampaignID string  `json:"campaign_id"`
	NodeID     string  `json:"node_id"`
	TemplateID string  `json:"template_id"`
}

// SendResult reports a successful send.
type SendResult struct {
	ProviderMessageID string    `json:"provider_message_id,omitempty"`
	SentAt            time.Time `json:"sent_at"`
}

// Sender delivers rendered emails through a provider. Implementations
// must classify failures: transient errors (rate limits, timeouts,
// provider outages) carry schema.ErrCodeTransient and may be retried,
// permanent errors (invalid address, policy rejection) carry
// schema.ErrCodePermanent.
type Sender interface {
	Send(ctx context.Context, req SendRequest) (*SendResult, error)
}

// Renderer produces a subject and HTML body for a template and user.
type Renderer interface {
	Render(ctx context.Context, templateID string, scope map[string]any) (subject, html string, err error)
}

// TemplateSource resolves template IDs to templates.
type TemplateSource interface {
	GetTemplate(ctx context.Context, id string) (*Template, error)
}

// StaticTemplates is an in-memory TemplateSource keyed by template ID.
type StaticTemplates map[string]Template

func (s StaticTemplates) GetTemplate(_ context.Context, id string) (*Template, error) {
	tpl, ok := s[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "template %q not found", id)
	}
	return &tpl, nil
}
