package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hyperifyio/kindlesender/internal/deliver"
	"github.com/hyperifyio/kindlesender/internal/ebook"
	"github.com/hyperifyio/kindlesender/internal/sanitize"
)

// Config holds runtime configuration for the application. It is loaded once
// at startup and treated as read-only afterwards.
type Config struct {
	// Delivery
	Method        string
	KindleAddress string
	OutputDir     string
	Format        string

	// SMTP
	SMTPHost      string
	SMTPPort      int
	SMTPUsername  string
	SMTPPassword  string
	SMTPFrom      string
	SMTPTLSPolicy string
	SMTPTimeout   time.Duration

	// Retry of transient SMTP failures
	MaxAttempts     int
	RetryInitial    time.Duration
	RetryMaxBackoff time.Duration

	// Fetch
	UserAgent          string
	FetchTimeout       time.Duration
	MaxRedirects       int
	MaxBodyBytes       int64
	MaxConcurrent      int
	InsecureSkipVerify bool

	// Extraction
	MinTextChars   int
	MaxLinkDensity float64

	// Sanitizing
	AllowedTags         []string
	ImageMode           string
	MaxInlineImageBytes int64
	MaxImages           int

	// Ebook
	MaxImageBytes   int64
	DefaultLanguage string

	// Server
	Listen     string
	JobTTL     time.Duration
	RunTimeout time.Duration
	Workers    int
	QueueSize  int

	// Behavior
	DryRun    bool
	LogLevel  string
	LogFormat string
}

const defaultUserAgent = "kindlesender/1.0 (+https://github.com/hyperifyio/kindlesender)"

// DefaultConfig returns the built-in defaults, the lowest configuration
// layer.
func DefaultConfig() Config {
	return Config{
		Method:              string(deliver.MethodFile),
		OutputDir:           "out",
		Format:              string(ebook.FormatEPUB),
		SMTPPort:            587,
		SMTPTLSPolicy:       "mandatory",
		SMTPTimeout:         deliver.DefaultSMTPTimeout,
		MaxAttempts:         deliver.DefaultMaxAttempts,
		RetryInitial:        deliver.DefaultInitialInterval,
		RetryMaxBackoff:     deliver.DefaultMaxInterval,
		UserAgent:           defaultUserAgent,
		FetchTimeout:        20 * time.Second,
		MaxRedirects:        5,
		MaxBodyBytes:        10 << 20,
		MaxConcurrent:       8,
		MinTextChars:        250,
		MaxLinkDensity:      0.5,
		AllowedTags:         append([]string(nil), sanitize.DefaultAllowedTags...),
		ImageMode:           string(sanitize.ImagesRemote),
		MaxInlineImageBytes: sanitize.DefaultMaxInlineImageBytes,
		MaxImages:           sanitize.DefaultMaxImages,
		MaxImageBytes:       ebook.DefaultMaxImageBytes,
		DefaultLanguage:     ebook.DefaultLanguage,
		Listen:              "127.0.0.1:8080",
		JobTTL:              time.Hour,
		RunTimeout:          2 * time.Minute,
		Workers:             4,
		QueueSize:           64,
		LogLevel:            "info",
		LogFormat:           "console",
	}
}

// Destination returns the single delivery destination the configuration
// names.
func (c Config) Destination() (deliver.Destination, error) {
	m, err := deliver.ParseMethod(c.Method)
	if err != nil {
		return deliver.Destination{}, err
	}
	d := deliver.Destination{Method: m, Address: strings.TrimSpace(c.KindleAddress), Dir: strings.TrimSpace(c.OutputDir)}
	return d, d.Validate()
}

// ValidateConfig checks the settings needed for the configured delivery
// method. Dry runs deliver nothing, so delivery settings are not required.
func ValidateConfig(cfg Config) error {
	var errs []error
	if _, err := ebook.ParseFormat(cfg.Format); err != nil {
		errs = append(errs, fmt.Errorf("config: %w", err))
	}
	switch sanitize.ImageMode(strings.ToLower(strings.TrimSpace(cfg.ImageMode))) {
	case sanitize.ImagesRemote, sanitize.ImagesInline, "":
	default:
		errs = append(errs, fmt.Errorf("config: unknown image mode %q", cfg.ImageMode))
	}
	if cfg.MaxAttempts < 0 || cfg.MaxRedirects < 0 || cfg.MaxBodyBytes < 0 || cfg.MaxImages < 0 ||
		cfg.MaxInlineImageBytes < 0 || cfg.MaxImageBytes < 0 || cfg.MinTextChars < 0 || cfg.Workers < 0 || cfg.QueueSize < 0 {
		errs = append(errs, errors.New("config: negative limits are not allowed"))
	}
	if cfg.MaxLinkDensity < 0 || cfg.MaxLinkDensity > 1 {
		errs = append(errs, errors.New("config: extract.maxLinkDensity must be between 0 and 1"))
	}
	if !cfg.DryRun {
		dest, err := cfg.Destination()
		if err != nil {
			errs = append(errs, fmt.Errorf("config: %w", err))
		}
		if dest.Method == deliver.MethodEmail {
			if strings.TrimSpace(cfg.SMTPHost) == "" {
				errs = append(errs, errors.New("config: smtp.host is required for email delivery (or set SMTP_HOST)"))
			}
			if strings.TrimSpace(cfg.SMTPFrom) == "" {
				errs = append(errs, errors.New("config: smtp.from is required for email delivery (or set SMTP_FROM)"))
			}
		}
	}
	return errors.Join(errs...)
}

// splitList parses a comma separated list, dropping blanks.
func splitList(s string) []string {
	parts := strings.Split(s, ",")
	list := make([]string, 0, len(parts))
	for _, p := range parts {
		if v := strings.TrimSpace(p); v != "" {
			list = append(list, v)
		}
	}
	return list
}
