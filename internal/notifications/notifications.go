// Package notifications delivers finding emails over SMTP.
//
// Delivery is best effort. A failed send is logged and retried with
// backoff, but never blocks or rolls back a finding transition.
package notifications

import (
	"crypto/tls"
	"fmt"
	"net/smtp"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/oasisops/oasis/internal/models"
	"github.com/oasisops/oasis/internal/oasiserr"
)

// EmailConfig holds SMTP connection settings.
type EmailConfig struct {
	SMTPHost string
	SMTPPort int
	Username string
	Password string
	StartTLS bool
	From     string
	To       []string
}

// Config configures the Dispatcher.
type Config struct {
	Email EmailConfig

	// PublicURL is the externally reachable base URL used to build
	// approve/reject links, e.g. "https://oasis.example.com".
	PublicURL string

	// MaxRetries is the number of delivery attempts per message.
	MaxRetries int

	// RetryDelay is the initial backoff between attempts. It doubles
	// on each failure, capped at 30s.
	RetryDelay time.Duration
}

// Dispatcher renders and sends notification emails.
type Dispatcher struct {
	cfg  Config
	send func(addr string, msg []byte, cfg EmailConfig) error
}

// New creates a Dispatcher. Zero retry settings get sane defaults.
func New(cfg Config) *Dispatcher {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	cfg.PublicURL = strings.TrimRight(cfg.PublicURL, "/")
	d := &Dispatcher{cfg: cfg}
	d.send = d.sendSMTP
	return d
}

// SendDetectionSummary reports a newly detected incident.
func (d *Dispatcher) SendDetectionSummary(f *models.Finding) error {
	subject := fmt.Sprintf("[OASIS] Incident detected: %s (%s)", f.Summary, f.Severity)
	if f.Summary == "" {
		subject = fmt.Sprintf("[OASIS] Incident detected in %s (%s)", strings.Join(f.Services(), ", "), f.Severity)
	}
	body, err := renderDetection(f)
	if err != nil {
		return err
	}
	return d.deliver(subject, body, f.ID)
}

// SendApprovalRequest asks a human to approve or reject the proposed
// actions. The embedded links carry the finding ID, the decision, and
// the finding's single-use decision token.
func (d *Dispatcher) SendApprovalRequest(f *models.Finding) error {
	subject := fmt.Sprintf("[OASIS] Approval required: %s", f.Summary)
	body, err := renderApproval(f, d.decisionLink(f, "approve"), d.decisionLink(f, "reject"))
	if err != nil {
		return err
	}
	return d.deliver(subject, body, f.ID)
}

// SendResolutionReport reports the outcome of remediation, whether the
// finding ended mitigated or failed.
func (d *Dispatcher) SendResolutionReport(f *models.Finding) error {
	subject := fmt.Sprintf("[OASIS] Incident %s: %s", f.Status, f.Summary)
	body, err := renderResolution(f)
	if err != nil {
		return err
	}
	return d.deliver(subject, body, f.ID)
}

func (d *Dispatcher) decisionLink(f *models.Finding, action string) string {
	return fmt.Sprintf("%s/approve?finding_id=%s&action=%s&token=%s",
		d.cfg.PublicURL, f.ID, action, f.DecisionToken)
}

// deliver sends one message with bounded exponential backoff.
func (d *Dispatcher) deliver(subject, htmlBody, findingID string) error {
	cfg := d.cfg.Email
	recipients := cfg.To
	if len(recipients) == 0 && cfg.From != "" {
		recipients = []string{cfg.From}
	}
	if len(recipients) == 0 {
		return oasiserr.Configuration("notifications.deliver", fmt.Errorf("no recipients configured"))
	}
	sendCfg := cfg
	sendCfg.To = recipients

	msg := buildMessage(cfg.From, recipients, subject, htmlBody)
	addr := fmt.Sprintf("%s:%d", cfg.SMTPHost, cfg.SMTPPort)

	backoff := d.cfg.RetryDelay
	var lastErr error
	for attempt := 1; attempt <= d.cfg.MaxRetries; attempt++ {
		lastErr = d.send(addr, msg, sendCfg)
		if lastErr == nil {
			log.Info().
				Str("finding_id", findingID).
				Str("subject", subject).
				Strs("to", recipients).
				Int("attempt", attempt).
				Msg("Email notification sent")
			return nil
		}
		log.Warn().
			Err(lastErr).
			Str("finding_id", findingID).
			Str("smtp", addr).
			Int("attempt", attempt).
			Int("max_attempts", d.cfg.MaxRetries).
			Msg("Email send failed")
		if attempt < d.cfg.MaxRetries {
			time.Sleep(backoff)
			backoff *= 2
			if backoff > 30*time.Second {
				backoff = 30 * time.Second
			}
		}
	}
	return oasiserr.Transient("notifications.deliver", lastErr)
}

// sendSMTP performs a single delivery attempt, using STARTTLS when
// configured the way most providers on port 587 expect.
func (d *Dispatcher) sendSMTP(addr string, msg []byte, cfg EmailConfig) error {
	var auth smtp.Auth
	if cfg.Username != "" && cfg.Password != "" {
		auth = smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.SMTPHost)
	}

	if !cfg.StartTLS {
		return smtp.SendMail(addr, auth, cfg.From, cfg.To, msg)
	}

	client, err := smtp.Dial(addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	defer client.Close()

	if ok, _ := client.Extension("STARTTLS"); !ok {
		return fmt.Errorf("server %s does not support STARTTLS", addr)
	}
	if err := client.StartTLS(&tls.Config{ServerName: cfg.SMTPHost}); err != nil {
		return fmt.Errorf("starttls: %w", err)
	}
	if auth != nil {
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("auth: %w", err)
		}
	}
	if err := client.Mail(cfg.From); err != nil {
		return fmt.Errorf("mail from: %w", err)
	}
	for _, rcpt := range cfg.To {
		if err := client.Rcpt(rcpt); err != nil {
			return fmt.Errorf("rcpt %s: %w", rcpt, err)
		}
	}
	w, err := client.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(msg); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return client.Quit()
}

func buildMessage(from string, to []string, subject, htmlBody string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/html; charset=\"UTF-8\"\r\n")
	b.WriteString("\r\n")
	b.WriteString(htmlBody)
	return []byte(b.String())
}
