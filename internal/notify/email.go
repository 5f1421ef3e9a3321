package notify

import (
	"context"
	"fmt"
	"html"
	"strings"

	"github.com/resend/resend-go/v2"

	"github.com/baggo/baggo/internal/retry"
)

// EmailSender is the part of the resend client the sink uses.
type EmailSender interface {
	SendWithContext(ctx context.Context, params *resend.SendEmailRequest) (*resend.SendEmailResponse, error)
}

// AddressBook resolves a user id to an email address.
type AddressBook interface {
	EmailFor(ctx context.Context, userID string) (string, error)
}

// EmailSink mails each recipient of an event through Resend.
type EmailSink struct {
	sender EmailSender
	from   string
	book   AddressBook
	policy retry.Policy
}

// NewEmailSink creates an email sink. Use resend.NewClient(key).Emails as sender.
func NewEmailSink(sender EmailSender, from string, book AddressBook) *EmailSink {
	return &EmailSink{sender: sender, from: from, book: book, policy: retry.Default}
}

// WithRetry overrides the retry policy.
func (s *EmailSink) WithRetry(p retry.Policy) *EmailSink {
	s.policy = p
	return s
}

func (s *EmailSink) Name() string { return "email" }

func (s *EmailSink) Send(ctx context.Context, ev Event) error {
	subject, body := render(ev)
	for _, userID := range ev.Recipients {
		to, err := s.book.EmailFor(ctx, userID)
		if err != nil {
			return fmt.Errorf("resolve email for %s: %w", userID, err)
		}
		params := &resend.SendEmailRequest{
			From:    s.from,
			To:      []string{to},
			Subject: subject,
			Html:    body,
		}
		err = s.policy.Do(ctx, func(ctx context.Context) error {
			_, err := s.sender.SendWithContext(ctx, params)
			return err
		})
		if err != nil {
			return fmt.Errorf("send %s to %s: %w", ev.Type, userID, err)
		}
	}
	return nil
}

var subjects = map[EventType]string{
	RequestCreated:       "New delivery request",
	RequestAccepted:      "Your delivery request was accepted",
	RequestStatusChanged: "Delivery status update",
	RequestCompleted:     "Delivery completed",
	RequestCancelled:     "Delivery request cancelled",
	PaymentConfirmed:     "Payment confirmed",
	PaymentFailed:        "Payment failed",
	DisputeRaised:        "A dispute was raised",
	DisputeResolved:      "Dispute resolved",
	RefundUpdated:        "Refund update",
}

func render(ev Event) (string, string) {
	subject, ok := subjects[ev.Type]
	if !ok {
		subject = "Baggo update"
	}
	var b strings.Builder
	b.WriteString("<p>")
	b.WriteString(html.EscapeString(subject))
	b.WriteString(" for request <strong>")
	b.WriteString(html.EscapeString(ev.RequestID))
	b.WriteString("</strong>.</p>")
	if ev.Status != "" {
		b.WriteString("<p>Status: ")
		b.WriteString(html.EscapeString(ev.Status))
		b.WriteString("</p>")
	}
	return subject, b.String()
}
