package notify

import (
	"context"
	"fmt"
	"html"
	"net/http"
	"strings"
	"time"

	"github.com/mailgun/mailgun-go/v4"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
	"go.uber.org/zap"

	"github.com/ChuLiYu/fieldops/internal/errors"
	"github.com/ChuLiYu/fieldops/internal/logger"
	"github.com/ChuLiYu/fieldops/pkg/types"
)

// EmailSender hands one rendered message to an email provider and returns
// the provider's message ID.
type EmailSender interface {
	SendEmail(ctx context.Context, to string, msg Message) (string, error)
}

// EmailConfig selects and configures the email provider.
type EmailConfig struct {
	Provider string `yaml:"provider"` // mailgun, sendgrid or log
	From     string `yaml:"from"`
	FromName string `yaml:"from_name"`

	MailgunDomain string `yaml:"mailgun_domain"`
	MailgunKey    string `yaml:"mailgun_key"`
	MailgunAPI    string `yaml:"mailgun_api_base"`

	SendGridKey      string `yaml:"sendgrid_key"`
	SendGridEndpoint string `yaml:"sendgrid_endpoint"`
}

// NewEmailSender builds the sender named by cfg.Provider.
func NewEmailSender(cfg EmailConfig, log *zap.SugaredLogger) (EmailSender, error) {
	switch strings.ToLower(cfg.Provider) {
	case "mailgun":
		if cfg.MailgunDomain == "" || cfg.MailgunKey == "" || cfg.From == "" {
			return nil, errors.New("invalid Mailgun configuration")
		}
		return NewMailgunSender(cfg), nil
	case "sendgrid":
		if cfg.SendGridKey == "" || cfg.From == "" {
			return nil, errors.New("invalid SendGrid configuration")
		}
		return &SendGridSender{cfg: cfg}, nil
	case "", "log":
		return &LogSender{log: logger.OrDefault(log, "email")}, nil
	default:
		return nil, errors.Newf("unknown email provider %q", cfg.Provider)
	}
}

// MailgunSender delivers through the Mailgun API.
type MailgunSender struct {
	mg   *mailgun.MailgunImpl
	from string
}

func NewMailgunSender(cfg EmailConfig) *MailgunSender {
	mg := mailgun.NewMailgun(cfg.MailgunDomain, cfg.MailgunKey)
	if cfg.MailgunAPI != "" {
		mg.SetAPIBase(cfg.MailgunAPI)
	}
	from := cfg.From
	if cfg.FromName != "" {
		from = fmt.Sprintf("%s <%s>", cfg.FromName, cfg.From)
	}
	return &MailgunSender{mg: mg, from: from}
}

func (s *MailgunSender) SendEmail(ctx context.Context, to string, msg Message) (string, error) {
	message := s.mg.NewMessage(s.from, msg.Title, msg.Body)
	if err := message.AddRecipient(to); err != nil {
		return "", errors.Wrap(err, "mailgun recipient")
	}
	for k, v := range msg.Data {
		_ = message.AddVariable(k, v)
	}

	_, id, err := s.mg.Send(ctx, message)
	if err != nil {
		return "", errors.Wrap(err, "mailgun send")
	}
	return id, nil
}

// SendGridSender delivers through the SendGrid v3 mail API.
type SendGridSender struct {
	cfg EmailConfig
}

func (s *SendGridSender) SendEmail(ctx context.Context, to string, msg Message) (string, error) {
	from := mail.NewEmail(s.cfg.FromName, s.cfg.From)
	message := mail.NewSingleEmail(from, msg.Title, mail.NewEmail("", to), msg.Body, htmlBody(msg))

	client := sendgrid.NewSendClient(s.cfg.SendGridKey)
	if s.cfg.SendGridEndpoint != "" {
		client.BaseURL = s.cfg.SendGridEndpoint
	}

	response, err := client.SendWithContext(ctx, message)
	if err != nil {
		return "", errors.Wrap(err, "sendgrid send")
	}
	if response.StatusCode != http.StatusAccepted {
		return "", errors.Newf("sendgrid rejected message: status %d", response.StatusCode)
	}
	if ids := response.Headers["X-Message-Id"]; len(ids) > 0 {
		return ids[0], nil
	}
	return "", nil
}

// htmlBody renders msg for HTML clients. Addresses and instructions come
// from requesters, so everything is escaped.
func htmlBody(msg Message) string {
	return fmt.Sprintf("<p><strong>%s</strong></p><p>%s</p>",
		html.EscapeString(msg.Title), html.EscapeString(msg.Body))
}

// LogSender writes the message to the log instead of sending it.
type LogSender struct {
	log *zap.SugaredLogger
}

func (s *LogSender) SendEmail(_ context.Context, to string, msg Message) (string, error) {
	id := fmt.Sprintf("log-%d", time.Now().UnixNano())
	s.log.Infow("email", "to", to, "subject", msg.Title, "body", msg.Body, "id", id)
	return id, nil
}

// EmailChannel adapts an EmailSender to the Channel interface.
type EmailChannel struct {
	sender EmailSender
	now    func() time.Time
}

func NewEmailChannel(sender EmailSender, now func() time.Time) *EmailChannel {
	if now == nil {
		now = time.Now
	}
	return &EmailChannel{sender: sender, now: now}
}

func (c *EmailChannel) Name() string { return "email" }

func (c *EmailChannel) Supports(p types.NotificationPayload) bool {
	return p.Recipient.Email != ""
}

func (c *EmailChannel) Send(ctx context.Context, p types.NotificationPayload) error {
	_, err := c.sender.SendEmail(ctx, p.Recipient.Email, Render(p, c.now()))
	return err
}
