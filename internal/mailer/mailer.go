package mailer

import (
	"github.com/pkg/errors"
	"gopkg.in/gomail.v2"

	"github.com/blipline/blipline/config"
)

// Mailer delivers campaign emails over SMTP.
type Mailer struct {
	cfg config.SmtpConfig
}

func NewMailer(cfg config.SmtpConfig) *Mailer {
	return &Mailer{cfg: cfg}
}

// Send delivers one HTML email.
func (m *Mailer) Send(to, subject, body string) error {
	if m.cfg.Host == "" {
		return errors.New("smtp not configured")
	}
	from := m.cfg.From
	if from == "" {
		from = m.cfg.User
	}
	msg := gomail.NewMessage()
	msg.SetHeader("From", from)
	msg.SetHeader("To", to)
	msg.SetHeader("Subject", subject)
	msg.SetBody("text/html", body)

	dialer := gomail.NewDialer(m.cfg.Host, m.cfg.Port, m.cfg.User, m.cfg.Passwd)
	return errors.Wrap(dialer.DialAndSend(msg), "send mail")
}
