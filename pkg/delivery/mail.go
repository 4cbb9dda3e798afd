package delivery

import (
	"bytes"
	"context"
	"time"

	"github.com/wneessen/go-mail"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"ontask/pkg/config"
	"ontask/pkg/errutil"
)

type MailerParams struct {
	fx.In
	Config *config.Config
}

type smtpMailer struct {
	host     string
	port     int
	user     string
	password string
	useTLS   bool
	from     string
	override string
	timeout  time.Duration
}

func ProvideMailer(p MailerParams) Mailer {
	return NewSMTPMailer(p.Config)
}

func NewSMTPMailer(cfg *config.Config) Mailer {
	timeout := cfg.OutboundTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &smtpMailer{
		host:     cfg.Email.Host,
		port:     cfg.Email.Port,
		user:     cfg.Email.User,
		password: cfg.Email.Password,
		useTLS:   cfg.Email.UseTLS,
		from:     cfg.Email.From,
		override: cfg.EmailOverride,
		timeout:  timeout,
	}
}

// BuildMessage assembles e into a MIME message. When override is set it
// becomes the sender and the original sender is kept as Reply-To. Invalid
// addresses fail with RUN_ROW_FAILURE.
func BuildMessage(e Email, override string) (*mail.Msg, error) {
	m := mail.NewMsg()
	from := e.From
	if override != "" {
		if e.From != "" {
			if err := m.ReplyTo(e.From); err != nil {
				return nil, errutil.RunRowFailure("invalid sender address", err)
			}
		}
		from = override
	}
	if err := m.From(from); err != nil {
		return nil, errutil.RunRowFailure("invalid sender address", err)
	}
	if err := m.To(e.To); err != nil {
		return nil, errutil.RunRowFailure("invalid recipient address", err, errutil.WithField("to", e.To))
	}
	if len(e.Cc) > 0 {
		if err := m.Cc(e.Cc...); err != nil {
			return nil, errutil.RunRowFailure("invalid cc address", err)
		}
	}
	if len(e.Bcc) > 0 {
		if err := m.Bcc(e.Bcc...); err != nil {
			return nil, errutil.RunRowFailure("invalid bcc address", err)
		}
	}
	m.Subject(e.Subject)
	m.SetBodyString(mail.TypeTextHTML, e.HTML)
	for _, a := range e.Attachments {
		var opts []mail.FileOption
		if a.ContentType != "" {
			opts = append(opts, mail.WithFileContentType(mail.ContentType(a.ContentType)))
		}
		if err := m.AttachReader(a.Name, bytes.NewReader(a.Data), opts...); err != nil {
			return nil, errutil.Internal("failed to attach "+a.Name, err)
		}
	}
	return m, nil
}

// CheckAddresses verifies a list of addresses the way recipients are
// checked when a message is built.
func CheckAddresses(addresses ...string) error {
	if len(addresses) == 0 {
		return nil
	}
	if err := mail.NewMsg().Bcc(addresses...); err != nil {
		return errutil.BadRequest("invalid email address", err)
	}
	return nil
}

func (s *smtpMailer) client() (*mail.Client, error) {
	opts := []mail.Option{
		mail.WithPort(s.port),
		mail.WithTimeout(s.timeout),
	}
	if s.useTLS {
		opts = append(opts, mail.WithTLSPolicy(mail.TLSMandatory))
	} else {
		opts = append(opts, mail.WithTLSPolicy(mail.TLSOpportunistic))
	}
	if s.user != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(s.user),
			mail.WithPassword(s.password),
		)
	}
	return mail.NewClient(s.host, opts...)
}

func (s *smtpMailer) Send(ctx context.Context, e Email) error {
	if e.From == "" {
		e.From = s.from
	}
	m, err := BuildMessage(e, s.override)
	if err != nil {
		return err
	}
	c, err := s.client()
	if err != nil {
		return errutil.Internal("invalid SMTP settings", err)
	}
	if err := c.DialAndSendWithContext(ctx, m); err != nil {
		zap.L().Warn("[Mail] send failed", zap.String("to", e.To), zap.Error(err))
		return errutil.RunRowFailure("failed to send email", err, errutil.WithField("to", e.To))
	}
	return nil
}
