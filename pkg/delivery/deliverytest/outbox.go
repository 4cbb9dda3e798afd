// Package deliverytest provides an in-memory outbox standing in for every
// delivery transport. Only tests import it.
package deliverytest

import (
	"context"
	"sync"

	"ontask/pkg/delivery"
	"ontask/pkg/errutil"
)

type Post struct {
	URL   string
	Token string
	Body  []byte
}

type Conversation struct {
	UserID    int64
	Instance  string
	Recipient string
	Subject   string
	Body      string
}

// Outbox records deliveries. Fail maps a recipient (email address, URL or
// Canvas id) to the error its delivery returns.
type Outbox struct {
	mu            sync.Mutex
	Emails        []delivery.Email
	Posts         []Post
	Conversations []Conversation
	Fail          map[string]error
}

func New() *Outbox {
	return &Outbox{Fail: map[string]error{}}
}

func (o *Outbox) failure(key string) error {
	if o.Fail == nil {
		return nil
	}
	return o.Fail[key]
}

func (o *Outbox) Send(_ context.Context, e delivery.Email) error {
	if e.From == "" {
		e.From = "ontask@example.com"
	}
	if _, err := delivery.BuildMessage(e, ""); err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.failure(e.To); err != nil {
		return errutil.RunRowFailure("failed to send email", err)
	}
	o.Emails = append(o.Emails, e)
	return nil
}

func (o *Outbox) PostJSON(_ context.Context, url, token string, body []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.failure(url); err != nil {
		return errutil.RunRowFailure("failed to post JSON", err)
	}
	o.Posts = append(o.Posts, Post{URL: url, Token: token, Body: append([]byte(nil), body...)})
	return nil
}

func (o *Outbox) SendConversation(_ context.Context, userID int64, instance, recipient, subject, body string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.failure(recipient); err != nil {
		return err
	}
	o.Conversations = append(o.Conversations, Conversation{
		UserID: userID, Instance: instance, Recipient: recipient, Subject: subject, Body: body,
	})
	return nil
}

// EmailsTo returns the emails sent to address.
func (o *Outbox) EmailsTo(address string) []delivery.Email {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []delivery.Email
	for _, e := range o.Emails {
		if e.To == address {
			out = append(out, e)
		}
	}
	return out
}

func (o *Outbox) Reset() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.Emails, o.Posts, o.Conversations = nil, nil, nil
}
