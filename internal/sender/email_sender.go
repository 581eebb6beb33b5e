package sender

import (
	"bytes"
	"context"
	"enrollment-reconciler/internal/domain"
	"enrollment-reconciler/internal/report"
	"errors"
	"fmt"
	"net/smtp"
	"strings"

	"github.com/jordan-wright/email"
	log "github.com/sirupsen/logrus"
)

var ErrNoRecipients = errors.New("no report recipients configured")

type EmailSender interface {
	SendEmail(ctx context.Context, to []string, subject, body string) error
}

type SMTPEmailSender struct {
	host string
	port string
	user string
	pass string
	from string
}

func NewSMTPEmailSender(host, port, user, pass, from string) *SMTPEmailSender {
	return &SMTPEmailSender{host: host, port: port, user: user, pass: pass, from: from}
}

func (s *SMTPEmailSender) SendEmail(ctx context.Context, to []string, subject, body string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	addr := fmt.Sprintf("%s:%s", s.host, s.port)
	var auth smtp.Auth
	if s.user != "" {
		auth = smtp.PlainAuth("", s.user, s.pass, s.host)
	}

	e := email.NewEmail()
	e.From = s.from
	e.To = to
	e.Subject = subject
	e.Text = []byte(body)

	return e.Send(addr, auth)
}

// ReportMailer mails the run report to the operators.
type ReportMailer struct {
	sender     EmailSender
	recipients []string
}

// NewReportMailer accepts a comma separated recipient list.
func NewReportMailer(s EmailSender, recipients string) *ReportMailer {
	var to []string
	for _, r := range strings.Split(recipients, ",") {
		if r = strings.TrimSpace(r); r != "" {
			to = append(to, r)
		}
	}
	return &ReportMailer{sender: s, recipients: to}
}

func (m *ReportMailer) SendReport(ctx context.Context, rc *domain.RunContext) error {
	if len(m.recipients) == 0 {
		return ErrNoRecipients
	}

	var body bytes.Buffer
	if err := report.Emit(&body, rc); err != nil {
		return fmt.Errorf("failed to render report: %w", err)
	}

	if err := m.sender.SendEmail(ctx, m.recipients, report.Subject(rc), body.String()); err != nil {
		return fmt.Errorf("failed to send report email: %w", err)
	}
	log.WithFields(log.Fields{
		"run_id":     rc.RunID,
		"recipients": len(m.recipients),
	}).Info("Run report sent via SMTP")
	return nil
}
