package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Message is one rendered email ready for transmission
type Message struct {
	From    string
	To      string
	ReplyTo string
	Subject string
	HTML    string
	Text    string
	Headers map[string]string
}

// Result is the provider's acknowledgement of an accepted message
type Result struct {
	ProviderMessageID string
}

// Sender is the uniform send capability the engine depends on. Errors are
// classified via DeliveryError so the dispatcher can split transient from
// permanent failures.
type Sender interface {
	Send(ctx context.Context, msg *Message) (*Result, error)
}

// DeliveryError represents a send failure with type information
type DeliveryError struct {
	Temporary bool
	Message   string
}

func (e *DeliveryError) Error() string {
	return e.Message
}

// IsTemporaryError checks if the error is temporary
func IsTemporaryError(err error) bool {
	var de *DeliveryError
	if errors.As(err, &de) {
		return de.Temporary
	}
	return true // Assume temporary if unknown
}

// BuildData constructs the RFC 5322 payload for a message and returns the
// generated Message-ID.
func BuildData(msg *Message) ([]byte, string) {
	msgID := fmt.Sprintf("<%s@%s>", uuid.New().String(), ExtractDomain(msg.From))

	var buf bytes.Buffer
	buf.WriteString(fmt.Sprintf("From: %s\r\n", msg.From))
	buf.WriteString(fmt.Sprintf("To: %s\r\n", msg.To))
	buf.WriteString(fmt.Sprintf("Subject: %s\r\n", msg.Subject))
	buf.WriteString(fmt.Sprintf("Date: %s\r\n", time.Now().Format(time.RFC1123Z)))
	buf.WriteString(fmt.Sprintf("Message-ID: %s\r\n", msgID))
	if msg.ReplyTo != "" {
		buf.WriteString(fmt.Sprintf("Reply-To: %s\r\n", msg.ReplyTo))
	}
	for k, v := range msg.Headers {
		buf.WriteString(fmt.Sprintf("%s: %s\r\n", k, v))
	}

	if msg.HTML != "" {
		boundary := uuid.New().String()
		buf.WriteString("MIME-Version: 1.0\r\n")
		buf.WriteString(fmt.Sprintf("Content-Type: multipart/alternative; boundary=\"%s\"\r\n", boundary))
		buf.WriteString("\r\n")

		if msg.Text != "" {
			buf.WriteString(fmt.Sprintf("--%s\r\n", boundary))
			buf.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
			buf.WriteString("\r\n")
			buf.WriteString(msg.Text)
			buf.WriteString("\r\n")
		}

		buf.WriteString(fmt.Sprintf("--%s\r\n", boundary))
		buf.WriteString("Content-Type: text/html; charset=utf-8\r\n")
		buf.WriteString("\r\n")
		buf.WriteString(msg.HTML)
		buf.WriteString("\r\n")

		buf.WriteString(fmt.Sprintf("--%s--\r\n", boundary))
	} else {
		buf.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
		buf.WriteString("\r\n")
		buf.WriteString(msg.Text)
	}

	return buf.Bytes(), msgID
}

// ExtractDomain extracts the domain part of an email address
func ExtractDomain(email string) string {
	if idx := strings.Index(email, "<"); idx >= 0 {
		email = email[idx+1:]
		if end := strings.Index(email, ">"); end >= 0 {
			email = email[:end]
		}
	}
	parts := strings.Split(email, "@")
	if len(parts) != 2 {
		return "localhost"
	}
	return strings.ToLower(parts[1])
}
