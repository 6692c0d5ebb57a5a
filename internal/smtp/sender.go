// Package smtp delivers tasks over SMTP with STARTTLS and per-sender
// credentials.
package smtp

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"mime/multipart"
	"net"
	"net/mail"
	"net/smtp"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/bissquit/mail-courier/internal/dispatch"
	"github.com/bissquit/mail-courier/internal/domain"
)

// Config holds transport-level settings shared by all sender profiles.
type Config struct {
	DialTimeout time.Duration
	// HostRatePerSecond throttles connections per SMTP host across all
	// profiles that share it. Zero disables the throttle.
	HostRatePerSecond float64
}

// DefaultConfig returns default transport settings.
func DefaultConfig() Config {
	return Config{
		DialTimeout:       10 * time.Second,
		HostRatePerSecond: 2,
	}
}

// Sender transmits tasks over SMTP. Credentials, host and from-address come
// from the sender profile on every call, so one Sender serves every profile.
type Sender struct {
	config Config

	mu        sync.Mutex
	throttles map[string]*rate.Limiter
}

// NewSender creates an SMTP sender.
func NewSender(config Config) *Sender {
	if config.DialTimeout <= 0 {
		config.DialTimeout = 10 * time.Second
	}
	return &Sender{
		config:    config,
		throttles: make(map[string]*rate.Limiter),
	}
}

// Send delivers the task's message to its recipient through the given
// profile. Errors are classified so the dispatch layer can tell transient
// sender trouble from permanent recipient problems.
func (s *Sender) Send(ctx context.Context, profile domain.SenderProfile, task *domain.Task) error {
	if err := s.throttle(profile.Host).Wait(ctx); err != nil {
		return err
	}

	msg, err := buildMessage(profile, task)
	if err != nil {
		return dispatch.NewNonRetryableError(fmt.Errorf("build message: %w", err))
	}

	addr := net.JoinHostPort(profile.Host, fmt.Sprintf("%d", profile.Port))
	if err := s.transmit(ctx, profile, addr, task.Recipient.Address, msg); err != nil {
		return classify(err)
	}

	slog.Debug("smtp delivery complete",
		"sender", profile.ID,
		"recipient", task.Recipient.Address,
	)
	return nil
}

func (s *Sender) throttle(host string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.throttles[host]
	if !ok {
		limit := rate.Inf
		if s.config.HostRatePerSecond > 0 {
			limit = rate.Limit(s.config.HostRatePerSecond)
		}
		l = rate.NewLimiter(limit, 1)
		s.throttles[host] = l
	}
	return l
}

func (s *Sender) transmit(ctx context.Context, profile domain.SenderProfile, addr, recipient string, msg []byte) error {
	dialer := &net.Dialer{Timeout: s.config.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial smtp: %w", err)
	}
	defer func() { _ = conn.Close() }()

	client, err := smtp.NewClient(conn, profile.Host)
	if err != nil {
		return fmt.Errorf("create smtp client: %w", err)
	}
	defer func() { _ = client.Close() }()

	if ok, _ := client.Extension("STARTTLS"); ok {
		tlsConfig := &tls.Config{
			ServerName: profile.Host,
			MinVersion: tls.VersionTLS12,
		}
		if err := client.StartTLS(tlsConfig); err != nil {
			return fmt.Errorf("starttls: %w", err)
		}
	}

	if profile.Username != "" && profile.Password != "" {
		auth := smtp.PlainAuth("", profile.Username, profile.Password, profile.Host)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("auth: %w", err)
		}
	}

	if err := client.Mail(extractEmail(profile.FromAddress)); err != nil {
		return fmt.Errorf("mail from: %w", err)
	}
	if err := client.Rcpt(recipient); err != nil {
		return fmt.Errorf("rcpt to: %w", err)
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("data: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close data: %w", err)
	}

	return client.Quit()
}

// buildMessage renders the task as an RFC 5322 message. Tasks without
// attachments get a single text or HTML body; attachments switch the message
// to multipart/mixed with base64-encoded parts.
func buildMessage(profile domain.SenderProfile, task *domain.Task) ([]byte, error) {
	var msg strings.Builder

	to := mail.Address{Name: task.Recipient.Name, Address: task.Recipient.Address}
	msg.WriteString(fmt.Sprintf("From: %s\r\n", profile.FromAddress))
	msg.WriteString(fmt.Sprintf("To: %s\r\n", to.String()))
	msg.WriteString(fmt.Sprintf("Subject: %s\r\n", mime.QEncoding.Encode("utf-8", task.Message.Subject)))
	msg.WriteString(fmt.Sprintf("Date: %s\r\n", time.Now().Format(time.RFC1123Z)))
	msg.WriteString("MIME-Version: 1.0\r\n")

	contentType := "text/plain"
	if task.Message.HTML {
		contentType = "text/html"
	}

	if len(task.Message.Attachments) == 0 {
		msg.WriteString(fmt.Sprintf("Content-Type: %s; charset=\"utf-8\"\r\n", contentType))
		msg.WriteString("\r\n")
		msg.WriteString(task.Message.Body)
		return []byte(msg.String()), nil
	}

	var buf strings.Builder
	mw := multipart.NewWriter(&buf)

	msg.WriteString(fmt.Sprintf("Content-Type: multipart/mixed; boundary=%q\r\n", mw.Boundary()))
	msg.WriteString("\r\n")

	bodyHeader := textproto.MIMEHeader{}
	bodyHeader.Set("Content-Type", fmt.Sprintf("%s; charset=\"utf-8\"", contentType))
	bodyPart, err := mw.CreatePart(bodyHeader)
	if err != nil {
		return nil, err
	}
	if _, err := bodyPart.Write([]byte(task.Message.Body)); err != nil {
		return nil, err
	}

	for _, path := range task.Message.Attachments {
		if err := writeAttachment(mw, path); err != nil {
			return nil, fmt.Errorf("attachment %s: %w", path, err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	msg.WriteString(buf.String())
	return []byte(msg.String()), nil
}

func writeAttachment(mw *multipart.Writer, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	name := filepath.Base(path)
	header := textproto.MIMEHeader{}
	header.Set("Content-Type", "application/octet-stream")
	header.Set("Content-Transfer-Encoding", "base64")
	header.Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))

	part, err := mw.CreatePart(header)
	if err != nil {
		return err
	}

	encoded := base64.StdEncoding.EncodeToString(data)
	// Fold the base64 stream into RFC-compliant line lengths.
	for len(encoded) > 0 {
		n := min(76, len(encoded))
		if _, err := part.Write([]byte(encoded[:n] + "\r\n")); err != nil {
			return err
		}
		encoded = encoded[n:]
	}
	return nil
}

// extractEmail pulls the bare address out of "Name <email@example.com>".
func extractEmail(address string) string {
	if idx := strings.Index(address, "<"); idx != -1 {
		end := strings.Index(address, ">")
		if end > idx {
			return address[idx+1 : end]
		}
	}
	return address
}

// classify wraps a transmission error with retryability. Network trouble and
// SMTP 4xx responses are transient; recipient rejections (550/551/553) are
// permanent for that recipient no matter which sender tries.
func classify(err error) error {
	if err == nil {
		return nil
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return dispatch.NewRetryableError(err)
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return dispatch.NewRetryableError(err)
	}

	errStr := err.Error()

	if strings.Contains(errStr, "421") ||
		strings.Contains(errStr, "450") ||
		strings.Contains(errStr, "451") ||
		strings.Contains(errStr, "452") ||
		strings.Contains(errStr, "552") {
		return dispatch.NewRetryableError(err)
	}

	if strings.Contains(errStr, "550") ||
		strings.Contains(errStr, "551") ||
		strings.Contains(errStr, "553") {
		return dispatch.NewNonRetryableError(err)
	}

	return dispatch.NewRetryableError(err)
}
