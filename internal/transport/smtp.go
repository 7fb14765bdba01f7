package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"regexp"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/mailward/mailward/internal/dkim"
)

// SMTPConfig contains settings for the SMTP relay transport
type SMTPConfig struct {
	Host     string        `yaml:"host"`
	Port     int           `yaml:"port"`
	Username string        `yaml:"username,omitempty"`
	Password string        `yaml:"password,omitempty"`
	Hostname string        `yaml:"hostname,omitempty"` // EHLO name
	Timeout  time.Duration `yaml:"timeout,omitempty"`
}

// SMTPSender delivers messages through an authenticated SMTP relay,
// optionally DKIM-signing the payload before transmission.
type SMTPSender struct {
	config *SMTPConfig
	signer *dkim.Signer
	logger *slog.Logger
}

// NewSMTPSender creates a new SMTP relay sender
func NewSMTPSender(cfg *SMTPConfig, logger *slog.Logger) *SMTPSender {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Hostname == "" {
		cfg.Hostname = "localhost"
	}
	return &SMTPSender{
		config: cfg,
		logger: logger.With("component", "smtp"),
	}
}

// SetDKIMSigner sets the DKIM signer for outgoing messages
func (s *SMTPSender) SetDKIMSigner(signer *dkim.Signer) {
	s.signer = signer
}

// Send transmits a single message and returns the provider message id
// recorded in its Message-ID header.
func (s *SMTPSender) Send(ctx context.Context, msg *Message) (*Result, error) {
	data, msgID := BuildData(msg)

	if s.signer != nil {
		signed, err := s.signer.Sign(data)
		if err != nil {
			s.logger.Warn("DKIM signing failed, sending unsigned",
				"domain", s.signer.Domain(),
				"error", err,
			)
		} else {
			data = signed
		}
	}

	if err := s.transmit(ctx, msg.From, msg.To, data); err != nil {
		return nil, err
	}

	s.logger.Info("message delivered",
		"relay", s.config.Host,
		"to", msg.To,
		"message_id", msgID,
	)
	return &Result{ProviderMessageID: msgID}, nil
}

func (s *SMTPSender) transmit(ctx context.Context, from, to string, data []byte) error {
	client, err := s.connect(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	if s.config.Username != "" {
		auth := sasl.NewPlainClient("", s.config.Username, s.config.Password)
		if err := client.Auth(auth); err != nil {
			return categorizeError(err, "AUTH")
		}
	}

	if err := client.Mail(from, nil); err != nil {
		return categorizeError(err, "MAIL FROM")
	}
	if err := client.Rcpt(to, nil); err != nil {
		return categorizeError(err, fmt.Sprintf("RCPT TO %s", to))
	}

	wc, err := client.Data()
	if err != nil {
		return categorizeError(err, "DATA")
	}
	if _, err := wc.Write(data); err != nil {
		wc.Close()
		return &DeliveryError{
			Temporary: true,
			Message:   fmt.Sprintf("failed to write message data: %v", err),
		}
	}
	if err := wc.Close(); err != nil {
		return categorizeError(err, "DATA close")
	}

	client.Quit()
	return nil
}

// connect dials the relay with opportunistic STARTTLS. The client library
// only exposes STARTTLS through its constructor, so the plaintext fallback
// redials instead of reusing the first connection.
func (s *SMTPSender) connect(ctx context.Context) (*smtp.Client, error) {
	conn, err := s.dial(ctx)
	if err != nil {
		return nil, err
	}

	tlsConfig := &tls.Config{
		ServerName: s.config.Host,
		MinVersion: tls.VersionTLS12,
	}
	client, err := smtp.NewClientStartTLS(conn, tlsConfig)
	if err == nil {
		return client, nil
	}

	// NewClientStartTLS closed the connection on failure
	s.logger.Warn("STARTTLS unavailable, continuing without encryption",
		"relay", s.config.Host,
		"error", err,
	)

	conn, err = s.dial(ctx)
	if err != nil {
		return nil, err
	}
	client = smtp.NewClient(conn)
	if err := client.Hello(s.config.Hostname); err != nil {
		client.Close()
		return nil, categorizeError(err, "EHLO")
	}
	return client, nil
}

func (s *SMTPSender) dial(ctx context.Context) (net.Conn, error) {
	addr := net.JoinHostPort(s.config.Host, fmt.Sprintf("%d", s.config.Port))

	dialer := &net.Dialer{Timeout: s.config.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &DeliveryError{
			Temporary: true,
			Message:   fmt.Sprintf("connection failed to %s: %v", addr, err),
		}
	}

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	} else {
		conn.SetDeadline(time.Now().Add(s.config.Timeout))
	}
	return conn, nil
}

// smtpCodePattern matches SMTP response codes at word boundaries
var smtpCodePattern = regexp.MustCompile(`\b(4\d{2}|5\d{2})\b`)

// categorizeError determines if an SMTP error is temporary or permanent.
// 5xx replies are permanent, 4xx replies are temporary, everything else
// is assumed temporary.
func categorizeError(err error, stage string) *DeliveryError {
	msg := fmt.Sprintf("%s failed: %v", stage, err)

	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		return &DeliveryError{
			Temporary: smtpErr.Code >= 400 && smtpErr.Code < 500,
			Message:   msg,
		}
	}

	matches := smtpCodePattern.FindStringSubmatch(err.Error())
	if len(matches) > 1 {
		if strings.HasPrefix(matches[1], "5") {
			return &DeliveryError{Temporary: false, Message: msg}
		}
		return &DeliveryError{Temporary: true, Message: msg}
	}

	return &DeliveryError{Temporary: true, Message: msg}
}
