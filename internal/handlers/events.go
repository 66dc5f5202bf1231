// Package handlers contains the built-in webhook handlers and the typed
// views they project provider payloads into.
package handlers

import (
	"strings"

	"github.com/tidwall/gjson"
)

// PaymentEvent is the payments-provider envelope.
type PaymentEvent struct {
	ID       string
	Type     string
	ObjectID string
	Amount   int64
	Currency string
	Status   string
}

func ParsePaymentEvent(payload []byte) PaymentEvent {
	body := string(payload)
	return PaymentEvent{
		ID:       gjson.Get(body, "id").String(),
		Type:     gjson.Get(body, "type").String(),
		ObjectID: gjson.Get(body, "data.object.id").String(),
		Amount:   gjson.Get(body, "data.object.amount").Int(),
		Currency: gjson.Get(body, "data.object.currency").String(),
		Status:   gjson.Get(body, "data.object.status").String(),
	}
}

// IdentityEvent is the identity-provider envelope.
type IdentityEvent struct {
	ID     string
	Event  string
	UserID string
	Email  string
}

func ParseIdentityEvent(payload []byte) IdentityEvent {
	body := string(payload)
	return IdentityEvent{
		ID:     gjson.Get(body, "id").String(),
		Event:  gjson.Get(body, "event").String(),
		UserID: gjson.Get(body, "data.id").String(),
		Email:  gjson.Get(body, "data.email").String(),
	}
}

// EmailEvent is the email-provider envelope.
type EmailEvent struct {
	ID      string
	Type    string
	To      string
	Subject string
}

func ParseEmailEvent(payload []byte) EmailEvent {
	body := string(payload)
	return EmailEvent{
		ID:      gjson.Get(body, "data.email_id").String(),
		Type:    gjson.Get(body, "type").String(),
		To:      gjson.Get(body, "data.to.0").String(),
		Subject: gjson.Get(body, "data.subject").String(),
	}
}

// PushEvent is the source-control push envelope, reduced to what the
// sync-in engine needs.
type PushEvent struct {
	Repository   string
	Branch       string
	ChangedPaths []string
}

func ParsePushEvent(payload []byte) PushEvent {
	body := string(payload)
	evt := PushEvent{
		Repository: gjson.Get(body, "repository.full_name").String(),
		Branch:     strings.TrimPrefix(gjson.Get(body, "ref").String(), "refs/heads/"),
	}

	seen := map[string]bool{}
	for _, commit := range gjson.Get(body, "commits").Array() {
		for _, field := range []string{"added", "modified"} {
			for _, p := range commit.Get(field).Array() {
				path := p.String()
				if path == "" || seen[path] {
					continue
				}
				seen[path] = true
				evt.ChangedPaths = append(evt.ChangedPaths, path)
			}
		}
	}
	return evt
}
