package channels

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/franzego/notifyrelay/internal/models"
)

// Outcome is the result of one delivery attempt.
type Outcome struct {
	Delivered bool
	Reason    string
}

// Status maps the outcome onto the notification lifecycle.
func (o Outcome) Status() models.Status {
	if o.Delivered {
		return models.StatusSuccess
	}
	return models.StatusFailed
}

// Sender delivers a notification over one channel.
type Sender interface {
	AttemptDelivery(ctx context.Context, n models.Notification) Outcome
}

// Transport moves a channel-specific payload to the outside world.
type Transport interface {
	Deliver(ctx context.Context, channel string, payload any) error
}

type EmailMessage struct {
	To       string `json:"to"`
	Subject  string `json:"subject"`
	Body     string `json:"body"`
	Timezone string `json:"timezone"`
}

type PushMessage struct {
	Token    string `json:"token"`
	Alert    string `json:"alert"`
	Priority uint8  `json:"priority"`
}

type GenericMessage struct {
	Channel   string `json:"channel"`
	Recipient string `json:"recipient"`
	Message   string `json:"message"`
}

type EmailSender struct {
	transport Transport
}

func NewEmailSender(t Transport) *EmailSender {
	return &EmailSender{transport: t}
}

func (s *EmailSender) AttemptDelivery(ctx context.Context, n models.Notification) Outcome {
	return deliver(ctx, s.transport, "email", EmailMessage{
		To:       n.Recipient,
		Subject:  subject(n.Message),
		Body:     n.Message,
		Timezone: n.Timezone,
	})
}

type PushSender struct {
	transport Transport
}

func NewPushSender(t Transport) *PushSender {
	return &PushSender{transport: t}
}

func (s *PushSender) AttemptDelivery(ctx context.Context, n models.Notification) Outcome {
	return deliver(ctx, s.transport, "push", PushMessage{
		Token:    n.Recipient,
		Alert:    n.Message,
		Priority: n.PriorityLevel(),
	})
}

// DefaultSender handles channels without a dedicated sender.
type DefaultSender struct {
	transport Transport
}

func NewDefaultSender(t Transport) *DefaultSender {
	return &DefaultSender{transport: t}
}

func (s *DefaultSender) AttemptDelivery(ctx context.Context, n models.Notification) Outcome {
	return deliver(ctx, s.transport, "default", GenericMessage{
		Channel:   n.Channel,
		Recipient: n.Recipient,
		Message:   n.Message,
	})
}

// ForChannel picks the sender variant for a channel tag.
func ForChannel(channel string, t Transport) Sender {
	switch strings.ToLower(strings.TrimSpace(channel)) {
	case "email":
		return NewEmailSender(t)
	case "push":
		return NewPushSender(t)
	default:
		return NewDefaultSender(t)
	}
}

func deliver(ctx context.Context, t Transport, channel string, payload any) Outcome {
	if err := t.Deliver(ctx, channel, payload); err != nil {
		return Outcome{Reason: err.Error()}
	}
	return Outcome{Delivered: true}
}

func subject(message string) string {
	const maxSubject = 60
	line, _, _ := strings.Cut(message, "\n")
	if len(line) <= maxSubject {
		return line
	}
	cut := maxSubject
	for cut > 0 && !utf8.RuneStart(line[cut]) {
		cut--
	}
	return line[:cut]
}
