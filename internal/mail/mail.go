// Package mail sends transactional and bulk email over SMTP.
package mail

import (
	"html"
	"os"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
	"gopkg.in/gomail.v2"
)

// Mailer sends a single message. An empty html body sends plain text only;
// otherwise html is attached as a text/html alternative.
type Mailer interface {
	Send(to []string, subject, plain, html string) error
}

// SMTPMailer sends mail through the SMTP server configured in the
// environment (SMTP_HOST, SMTP_PORT, SMTP_USER, SMTP_PASSWORD, MAIL_FROM).
type SMTPMailer struct {
	dialer *gomail.Dialer
	from   string
}

func NewSMTPMailer() *SMTPMailer {
	host := os.Getenv("SMTP_HOST")
	if host == "" {
		host = "localhost"
	}
	port, err := strconv.Atoi(os.Getenv("SMTP_PORT"))
	if err != nil {
		port = 587
	}
	from := os.Getenv("MAIL_FROM")
	if from == "" {
		from = "noreply@guildboard.local"
		log.Println("MAIL_FROM not set, defaulting to", from)
	}
	return &SMTPMailer{
		dialer: gomail.NewDialer(host, port, os.Getenv("SMTP_USER"), os.Getenv("SMTP_PASSWORD")),
		from:   from,
	}
}

func (m *SMTPMailer) Send(to []string, subject, plain, html string) error {
	msg := gomail.NewMessage()
	msg.SetHeader("From", m.from)
	msg.SetHeader("To", to...)
	msg.SetHeader("Subject", subject)
	msg.SetBody("text/plain", plain)
	if html != "" {
		msg.AddAlternative("text/html", html)
	}
	return m.dialer.DialAndSend(msg)
}

// StripTags derives a plain-text alternative from an HTML body by dropping
// tags and unescaping entities. Good enough for the newsletter templates we
// render ourselves; not a sanitizer.
func StripTags(s string) string {
	var b strings.Builder
	inTag := false
	for _, r := range s {
		switch {
		case r == '<':
			inTag = true
		case r == '>':
			inTag = false
		case !inTag:
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(html.UnescapeString(b.String()))
}
