// Package delivery holds the outbound transports used by action runs:
// SMTP mail, JSON POST and Canvas conversations.
package delivery

import (
	"context"

	"go.uber.org/fx"
)

var Module = fx.Module("delivery",
	fx.Provide(ProvideMailer, ProvidePoster, ProvideCanvas),
)

type Attachment struct {
	Name        string
	ContentType string
	Data        []byte
}

type Email struct {
	From        string
	To          string
	Cc          []string
	Bcc         []string
	Subject     string
	HTML        string
	Attachments []Attachment
}

type Mailer interface {
	Send(ctx context.Context, e Email) error
}

// Poster sends one JSON document to a remote endpoint. Requests are never
// retried.
type Poster interface {
	PostJSON(ctx context.Context, url, token string, body []byte) error
}

// Canvas delivers a conversation message to a Canvas user on behalf of an
// instructor.
type Canvas interface {
	SendConversation(ctx context.Context, userID int64, instance, recipient, subject, body string) error
}
