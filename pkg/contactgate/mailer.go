package contactgate

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/resend/resend-go/v2"
	"github.com/sirupsen/logrus"
)

const contactEmailSubject = "Email from Contact Form"

// ContactMessage is what the protected action delivers
type ContactMessage struct {
	Name    string
	Email   string
	Message string
}

func (f ContactForm) ContactMessage() ContactMessage {
	return ContactMessage{Name: f.Name, Email: f.Email, Message: f.Message}
}

// Mailer delivers a contact message to the site owner
type Mailer interface {
	Send(ctx context.Context, msg ContactMessage) error
}

// MailerConfig holds the provider settings read from the environment
type MailerConfig struct {
	APIKey    string
	FromEmail string
	ToEmail   string
	SiteName  string
}

// Configured reports whether the provider credentials are present
func (c MailerConfig) Configured() bool {
	return len(c.APIKey) > 0 && len(c.FromEmail) > 0 && len(c.ToEmail) > 0
}

func (c MailerConfig) from() string {
	if len(c.SiteName) == 0 {
		return c.FromEmail
	}
	return fmt.Sprintf("%v <%v>", c.SiteName, c.FromEmail)
}

// NewResendMailer returns a Mailer backed by the Resend API. baseURL
// overrides the API endpoint and may be empty.
func NewResendMailer(conf MailerConfig, baseURL string, logger logrus.FieldLogger) (*ResendMailer, error) {
	if !conf.Configured() {
		return nil, errors.New("resend mailer requires an api key, a from address and a to address")
	}

	client := resend.NewCustomClient(&http.Client{Timeout: 10 * time.Second}, conf.APIKey)
	if len(baseURL) > 0 {
		parsed, err := url.Parse(baseURL)
		if err != nil {
			return nil, errors.Wrap(err, "error parsing resend base url")
		}
		client.BaseURL = parsed
	}

	return &ResendMailer{client: client, conf: conf, logger: logger}, nil
}

type ResendMailer struct {
	client *resend.Client
	conf   MailerConfig
	logger logrus.FieldLogger
}

func (rm *ResendMailer) Send(ctx context.Context, msg ContactMessage) error {
	html, text, err := RenderContactEmail(msg)
	if err != nil {
		return err
	}

	req := &resend.SendEmailRequest{
		From:    rm.conf.from(),
		To:      []string{rm.conf.ToEmail},
		Subject: contactEmailSubject,
		ReplyTo: msg.Email,
		Html:    html,
		Text:    text,
	}

	rm.logger.Debugf("sending contact email from %v to %v", req.From, req.To)
	sent, err := rm.client.Emails.SendWithContext(ctx, req)
	if err != nil {
		return errors.Wrap(err, "error sending email through resend")
	}

	rm.logger.Debugf("resend accepted email with id %v", sent.Id)
	return nil
}

func NewLogMailer(logger logrus.FieldLogger) *LogMailer {
	return &LogMailer{logger: logger}
}

// LogMailer writes messages to the log instead of delivering them. It is
// meant for local development.
type LogMailer struct {
	logger logrus.FieldLogger
}

func (lm *LogMailer) Send(ctx context.Context, msg ContactMessage) error {
	_, text, err := RenderContactEmail(msg)
	if err != nil {
		return err
	}

	lm.logger.WithFields(logrus.Fields{
		"name":  SanitizeText(msg.Name),
		"email": SanitizeText(msg.Email),
	}).Infof("contact form submission:\n%v", text)
	return nil
}

var (
	unsafeTextChars = regexp.MustCompile(`[^\w\s.,!?@\-()]`)
	whitespaceRuns  = regexp.MustCompile(`\s+`)
)

const maxSanitizedRunes = 1000

// SanitizeText keeps word characters, whitespace and .,!?@-() and collapses
// whitespace runs
func SanitizeText(s string) string {
	s = unsafeTextChars.ReplaceAllString(s, "")
	s = whitespaceRuns.ReplaceAllString(s, " ")
	s = strings.TrimSpace(s)

	runes := []rune(s)
	if len(runes) > maxSanitizedRunes {
		s = string(runes[:maxSanitizedRunes])
	}

	return s
}

var contactEmailHTML = template.Must(template.New("contact-email").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"></head>
<body style="background-color:#ffffff;font-family:-apple-system,BlinkMacSystemFont,'Segoe UI',Roboto,Oxygen-Sans,Ubuntu,Cantarell,'Helvetica Neue',sans-serif">
<div style="margin:0 auto;padding:20px 0 48px;width:580px">
<h1 style="color:#333;font-size:24px;font-weight:bold;padding-top:32px;padding-bottom:16px">New Contact Form Submission</h1>
<p style="color:#333;font-size:16px;line-height:26px;margin-bottom:12px"><strong>Name:</strong> {{.Name}}</p>
<p style="color:#333;font-size:16px;line-height:26px;margin-bottom:12px"><strong>Email:</strong> {{.Email}}</p>
<p style="color:#333;font-size:16px;line-height:26px;margin-bottom:12px"><strong>Message:</strong></p>
<p style="color:#333;font-size:16px;line-height:26px;margin-bottom:12px;background-color:#f4f4f4;padding:20px;border-radius:4px">{{.Message}}</p>
</div>
</body>
</html>
`))

// RenderContactEmail returns the html and plain text bodies for msg. Every
// field is sanitized first.
func RenderContactEmail(msg ContactMessage) (string, string, error) {
	clean := ContactMessage{
		Name:    SanitizeText(msg.Name),
		Email:   SanitizeText(msg.Email),
		Message: SanitizeText(msg.Message),
	}

	buf := &bytes.Buffer{}
	if err := contactEmailHTML.Execute(buf, clean); err != nil {
		return "", "", errors.Wrap(err, "error rendering contact email")
	}

	text := fmt.Sprintf("New Contact Form Submission\n\nName: %v\nEmail: %v\n\nMessage:\n%v\n", clean.Name, clean.Email, clean.Message)
	return buf.String(), text, nil
}
