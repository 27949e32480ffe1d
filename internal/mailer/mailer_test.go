package mailer

import (
	"net/smtp"
	"strings"
	"testing"

	"github.com/jordan-wright/email"

	"github.com/snapsift/snapsift/internal/config"
)

func TestSendEventPublished(t *testing.T) {
	var sent *email.Email
	var sentAddr string

	m := New(config.SMTPConfig{
		Host: "mail.example.com",
		Port: "587",
		User: "notifier",
		Pass: "secret",
		From: "noreply@example.com",
	})
	m.send = func(e *email.Email, addr string, auth smtp.Auth) error {
		sent = e
		sentAddr = addr
		return nil
	}

	if err := m.SendEventPublished("owner@example.com", "Summer Wedding", 10, 30); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if sentAddr != "mail.example.com:587" {
		t.Errorf("unexpected addr %s", sentAddr)
	}
	if len(sent.To) != 1 || sent.To[0] != "owner@example.com" {
		t.Errorf("unexpected recipients %v", sent.To)
	}
	if !strings.Contains(sent.Subject, "Summer Wedding") {
		t.Errorf("subject missing event name: %s", sent.Subject)
	}
	body := string(sent.Text)
	if !strings.Contains(body, "30 faces") || !strings.Contains(body, "10 photos") {
		t.Errorf("body missing counts: %s", body)
	}
}

func TestSendEventPublishedMissingConfig(t *testing.T) {
	m := New(config.SMTPConfig{})
	if err := m.SendEventPublished("owner@example.com", "Gala", 1, 1); err == nil {
		t.Fatal("expected error for missing smtp config")
	}
}
