// Package dispatch transmits individual rendered emails over SMTP.
package dispatch

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/cenkalti/backoff/v4"
	"gopkg.in/gomail.v2"

	"SheetSend/internal/models"
)

// Sender transmits exactly one email per call. Each send is independent;
// batching and ordering policy live in the scheduler.
type Sender interface {
	Send(ctx context.Context, from models.Credential, to, subject, body string, att *models.Attachment) error
}

// SMTPSender sends through an SMTP relay, authenticating as the job's sender
// identity. The credential secret is used for the duration of the send call
// and never retained.
type SMTPSender struct {
	Host    string
	Port    int
	Retries int
}

// Send builds and transmits one message, retrying transient failures with
// exponential backoff. Auth failures and rejected recipients are permanent:
// they surface immediately as a *SendError without retry.
func (s *SMTPSender) Send(
	ctx context.Context,
	from models.Credential,
	to, subject, body string,
	att *models.Attachment,
) error {

	operation := func() error {
		err := s.sendOnce(from, to, subject, body, att)
		if err == nil {
			return nil
		}
		serr := Classify(err)
		if serr.Class != ClassTransient {
			return backoff.Permanent(serr)
		}
		return serr
	}

	return backoff.Retry(operation, s.retryPolicy(ctx))
}

// retryPolicy caps transient retries at Retries seconds of elapsed time.
// Zero retries means a single attempt; a zero MaxElapsedTime would remove
// the cap entirely.
func (s *SMTPSender) retryPolicy(ctx context.Context) backoff.BackOffContext {
	if s.Retries <= 0 {
		return backoff.WithContext(&backoff.StopBackOff{}, ctx)
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxElapsedTime = time.Duration(s.Retries) * time.Second
	return backoff.WithContext(b, ctx)
}

func (s *SMTPSender) sendOnce(
	from models.Credential,
	to, subject, body string,
	att *models.Attachment,
) error {

	m := gomail.NewMessage()
	m.SetHeader("From", from.Address)
	m.SetHeader("To", to)
	m.SetHeader("Subject", subject)
	m.SetBody("text/html", body)

	if att != nil {
		settings := []gomail.FileSetting{
			gomail.SetCopyFunc(func(w io.Writer) error {
				_, err := w.Write(att.Content)
				return err
			}),
		}
		if att.ContentType != "" {
			settings = append(settings, gomail.SetHeader(map[string][]string{
				"Content-Type": {att.ContentType},
			}))
		}
		m.Attach(att.Filename, settings...)
	}

	d := gomail.NewDialer(s.Host, s.Port, from.Address, from.Secret)

	if err := d.DialAndSend(m); err != nil {
		return fmt.Errorf("smtp send error: %w", err)
	}
	return nil
}
