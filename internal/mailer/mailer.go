// Package mailer sends the transactional notification emails. Rendering
// stays minimal on purpose: plain text with the few numbers the
// photographer cares about.
package mailer

import (
	"errors"
	"fmt"
	"net/smtp"

	"github.com/jordan-wright/email"

	"github.com/snapsift/snapsift/internal/config"
)

// Mailer delivers emails over SMTP.
type Mailer struct {
	cfg  config.SMTPConfig
	send func(e *email.Email, addr string, auth smtp.Auth) error
}

// New creates a mailer from SMTP config.
func New(cfg config.SMTPConfig) *Mailer {
	return &Mailer{
		cfg: cfg,
		send: func(e *email.Email, addr string, auth smtp.Auth) error {
			return e.Send(addr, auth)
		},
	}
}

// SendEventPublished notifies an event owner that indexing finished and
// the gallery is live.
func (m *Mailer) SendEventPublished(to, eventName string, images, faces int) error {
	if m.cfg.Host == "" || m.cfg.Port == "" || m.cfg.From == "" {
		return errors.New("smtp config missing")
	}

	e := email.NewEmail()
	e.From = m.cfg.From
	e.To = []string{to}
	e.Subject = fmt.Sprintf("Your event %q is published", eventName)
	e.Text = fmt.Appendf(nil,
		"Good news!\n\n"+
			"Your event %q has finished processing and is now live.\n"+
			"We indexed %d faces across %d photos. Guests can now find\n"+
			"their pictures by uploading a selfie.\n",
		eventName, faces, images)

	addr := m.cfg.Host + ":" + m.cfg.Port
	var auth smtp.Auth
	if m.cfg.User != "" {
		auth = smtp.PlainAuth("", m.cfg.User, m.cfg.Pass, m.cfg.Host)
	}
	if err := m.send(e, addr, auth); err != nil {
		return fmt.Errorf("send to %s: %w", to, err)
	}
	return nil
}
