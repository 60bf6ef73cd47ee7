package deliver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/textproto"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/wneessen/go-mail"

	"github.com/hyperifyio/kindlesender/internal/ebook"
)

const (
	DefaultMaxAttempts     = 3
	DefaultInitialInterval = 2 * time.Second
	DefaultMaxInterval     = 30 * time.Second
	DefaultSMTPTimeout     = 30 * time.Second
)

// SMTPConfig holds the mail server settings. TLSPolicy is one of
// "mandatory", "opportunistic", "none" or "ssl".
type SMTPConfig struct {
	Host      string
	Port      int
	Username  string
	Password  string
	From      string
	TLSPolicy string
	Timeout   time.Duration
}

// RetryPolicy bounds the retries of transient SMTP failures.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// Sender transmits finished messages. *mail.Client satisfies it.
type Sender interface {
	DialAndSendWithContext(ctx context.Context, messages ...*mail.Msg) error
}

// EmailDeliverer mails packages as attachments, the way Kindle personal
// documents are received. Each delivery dials its own connection, so one
// deliverer serves concurrent runs.
type EmailDeliverer struct {
	smtp  SMTPConfig
	retry RetryPolicy
	dial  func() (Sender, error)
	log   zerolog.Logger
	now   func() time.Time
}

// NewEmailDeliverer returns a deliverer that sends through sender, or
// through a go-mail client built from cfg when sender is nil.
func NewEmailDeliverer(cfg SMTPConfig, retry RetryPolicy, sender Sender, logger zerolog.Logger) (*EmailDeliverer, error) {
	if retry.MaxAttempts <= 0 {
		retry.MaxAttempts = DefaultMaxAttempts
	}
	if retry.InitialInterval <= 0 {
		retry.InitialInterval = DefaultInitialInterval
	}
	if retry.MaxInterval <= 0 {
		retry.MaxInterval = DefaultMaxInterval
	}
	if strings.TrimSpace(cfg.From) == "" {
		return nil, errors.New("smtp from address is required")
	}
	dial := func() (Sender, error) { return sender, nil }
	if sender == nil {
		if _, err := newClient(cfg); err != nil {
			return nil, err
		}
		dial = func() (Sender, error) {
			c, err := newClient(cfg)
			if err != nil {
				return nil, err
			}
			return c, nil
		}
	}
	return &EmailDeliverer{smtp: cfg, retry: retry, dial: dial, log: logger, now: time.Now}, nil
}

func newClient(cfg SMTPConfig) (*mail.Client, error) {
	if strings.TrimSpace(cfg.Host) == "" {
		return nil, errors.New("smtp host is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultSMTPTimeout
	}
	opts := []mail.Option{mail.WithTimeout(timeout)}
	switch strings.ToLower(strings.TrimSpace(cfg.TLSPolicy)) {
	case "", "mandatory":
		opts = append(opts, mail.WithTLSPortPolicy(mail.TLSMandatory))
	case "opportunistic":
		opts = append(opts, mail.WithTLSPortPolicy(mail.TLSOpportunistic))
	case "none":
		opts = append(opts, mail.WithTLSPortPolicy(mail.NoTLS))
	case "ssl":
		opts = append(opts, mail.WithSSLPort(false))
	default:
		return nil, fmt.Errorf("unknown smtp tls policy %q", cfg.TLSPolicy)
	}
	if cfg.Port > 0 {
		opts = append(opts, mail.WithPort(cfg.Port))
	}
	if cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(cfg.Username),
			mail.WithPassword(cfg.Password),
		)
	}
	client, err := mail.NewClient(cfg.Host, opts...)
	if err != nil {
		return nil, fmt.Errorf("smtp client: %w", err)
	}
	return client, nil
}

// Deliver sends pkg to the Kindle address in dest. Transient failures are
// retried with exponential backoff up to the attempt limit; rejections
// are returned at once.
func (d *EmailDeliverer) Deliver(ctx context.Context, pkg *ebook.Package, dest Destination) (Receipt, error) {
	rec := newReceipt(dest, pkg)
	if err := dest.Validate(); err != nil {
		return failed(rec, err), err
	}
	if dest.Method != MethodEmail {
		err := &Error{Kind: KindInvalidDestination, Destination: dest.String(), Err: errors.New("not an email destination")}
		return failed(rec, err), err
	}
	if err := checkPackage(pkg); err != nil {
		return failed(rec, err), err
	}
	msg, err := d.message(pkg, dest.Address)
	if err != nil {
		derr := &Error{Kind: KindRejected, Destination: dest.Address, Err: err}
		return failed(rec, derr), derr
	}
	sender, err := d.dial()
	if err != nil {
		derr := &Error{Kind: KindTransientSMTPFailure, Destination: dest.Address, Err: err}
		return failed(rec, derr), derr
	}

	var last *Error
	op := func() error {
		rec.Attempts++
		err := sender.DialAndSendWithContext(ctx, msg)
		if err == nil {
			return nil
		}
		last = classify(dest.Address, err)
		if !last.Transient() || ctx.Err() != nil {
			return backoff.Permanent(last)
		}
		return last
	}
	notify := func(err error, wait time.Duration) {
		d.log.Warn().Err(err).Str("to", dest.Address).Int("attempt", rec.Attempts).
			Dur("retry_in", wait).Msg("smtp delivery failed, retrying")
	}
	bo := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(d.retry.InitialInterval),
		backoff.WithMaxInterval(d.retry.MaxInterval),
		backoff.WithMaxElapsedTime(0),
	)
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(d.retry.MaxAttempts-1)), ctx)

	err = backoff.RetryNotify(op, policy, notify)
	rec.Timestamp = d.now()
	if rec.Attempts > 0 {
		rec.Retries = rec.Attempts - 1
	}
	if err != nil {
		if last == nil {
			last = classify(dest.Address, err)
		}
		last.Attempts = rec.Attempts
		d.log.Error().Err(last).Str("to", dest.Address).Int("attempts", rec.Attempts).Msg("email delivery failed")
		return failed(rec, last), last
	}
	rec.Success = true
	d.log.Info().Str("to", dest.Address).Str("title", pkg.Title).Int("attempts", rec.Attempts).Msg("ebook mailed")
	return rec, nil
}

func (d *EmailDeliverer) message(pkg *ebook.Package, to string) (*mail.Msg, error) {
	m := mail.NewMsg()
	if err := m.From(d.smtp.From); err != nil {
		return nil, fmt.Errorf("from address: %w", err)
	}
	if err := m.To(to); err != nil {
		return nil, fmt.Errorf("to address: %w", err)
	}
	m.Subject(subject(pkg.Title))
	m.SetDate()
	m.SetMessageID()
	m.SetBodyString(mail.TypeTextPlain, body(pkg))
	if err := m.AttachReader(pkg.Filename, bytes.NewReader(pkg.Data), mail.WithFileContentType(mail.ContentType(pkg.Format.MediaType()))); err != nil {
		return nil, fmt.Errorf("attach %s: %w", pkg.Filename, err)
	}
	return m, nil
}

func subject(title string) string {
	title = strings.Join(strings.Fields(title), " ")
	if len([]rune(title)) > 120 {
		title = string([]rune(title)[:120])
	}
	if title == "" {
		return "Kindle document"
	}
	return title
}

func body(pkg *ebook.Package) string {
	var b strings.Builder
	b.WriteString(pkg.Title)
	b.WriteString("\n")
	if pkg.Author != "" {
		b.WriteString("by " + pkg.Author + "\n")
	}
	if pkg.Source != "" {
		b.WriteString("Source: " + pkg.Source + "\n")
	}
	if pkg.Excerpt != "" {
		b.WriteString("\n")
		b.WriteString(pkg.Excerpt)
		b.WriteString("\n")
	}
	b.WriteString("\nThe full article is attached as " + pkg.Filename + ".\n")
	return b.String()
}

// classify maps a send failure to a delivery error. Connection, timeout,
// authentication and 4xx failures are transient; other 5xx replies are
// rejections.
func classify(to string, err error) *Error {
	transient := &Error{Kind: KindTransientSMTPFailure, Destination: to, Err: err}
	rejected := &Error{Kind: KindRejected, Destination: to, Err: err}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return transient
	}
	var se *mail.SendError
	if errors.As(err, &se) {
		if se.IsTemp() {
			return transient
		}
		if code := se.ErrorCode(); code >= 500 {
			if isAuthCode(code) {
				return transient
			}
			return rejected
		}
	}
	var te *textproto.Error
	if errors.As(err, &te) {
		switch {
		case te.Code >= 400 && te.Code < 500:
			return transient
		case isAuthCode(te.Code):
			return transient
		case te.Code >= 500:
			return rejected
		}
	}
	return transient
}

func isAuthCode(code int) bool {
	switch code {
	case 530, 534, 535, 538:
		return true
	}
	return false
}
