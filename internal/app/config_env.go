package app

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// ApplyEnvOverrides forcefully overrides cfg fields with environment variables
// when the corresponding env vars are set. This is used to let env take
// precedence over values coming from a config file while still allowing flags
// to remain highest precedence. Malformed numbers and durations are ignored.
func ApplyEnvOverrides(cfg *Config) {
	if cfg == nil {
		return
	}

	setString := func(dst *string, envKey string) {
		if v := strings.TrimSpace(os.Getenv(envKey)); v != "" {
			*dst = v
		}
	}
	setInt := func(dst *int, envKey string) {
		if v := strings.TrimSpace(os.Getenv(envKey)); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n >= 0 {
				*dst = n
			}
		}
	}
	setInt64 := func(dst *int64, envKey string) {
		if v := strings.TrimSpace(os.Getenv(envKey)); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil && n >= 0 {
				*dst = n
			}
		}
	}
	setDuration := func(dst *time.Duration, envKey string) {
		if v := strings.TrimSpace(os.Getenv(envKey)); v != "" {
			if d, err := time.ParseDuration(v); err == nil && d > 0 {
				*dst = d
			}
		}
	}
	// Booleans override when env present and truthy/falsey
	setBool := func(dst *bool, envKey string) {
		if s := strings.ToLower(strings.TrimSpace(os.Getenv(envKey))); s != "" {
			switch s {
			case "1", "true", "yes", "on":
				*dst = true
			case "0", "false", "no", "off":
				*dst = false
			}
		}
	}

	setString(&cfg.Method, "KINDLE_DELIVERY")
	setString(&cfg.KindleAddress, "KINDLE_ADDRESS")
	setString(&cfg.OutputDir, "KINDLE_OUTPUT_DIR")
	setString(&cfg.Format, "KINDLE_FORMAT")
	setInt(&cfg.MaxAttempts, "KINDLE_MAX_ATTEMPTS")
	setDuration(&cfg.RetryInitial, "KINDLE_RETRY_INITIAL")
	setDuration(&cfg.RetryMaxBackoff, "KINDLE_RETRY_MAX_BACKOFF")

	setString(&cfg.SMTPHost, "SMTP_HOST")
	setInt(&cfg.SMTPPort, "SMTP_PORT")
	setString(&cfg.SMTPUsername, "SMTP_USERNAME")
	setString(&cfg.SMTPPassword, "SMTP_PASSWORD")
	setString(&cfg.SMTPFrom, "SMTP_FROM")
	setString(&cfg.SMTPTLSPolicy, "SMTP_TLS_POLICY")
	setDuration(&cfg.SMTPTimeout, "SMTP_TIMEOUT")

	setString(&cfg.UserAgent, "KINDLE_USER_AGENT")
	setDuration(&cfg.FetchTimeout, "KINDLE_FETCH_TIMEOUT")
	setInt(&cfg.MaxRedirects, "KINDLE_MAX_REDIRECTS")
	setInt64(&cfg.MaxBodyBytes, "KINDLE_MAX_BODY_BYTES")
	setInt(&cfg.MaxConcurrent, "KINDLE_MAX_CONCURRENT")
	setBool(&cfg.InsecureSkipVerify, "KINDLE_INSECURE_SKIP_VERIFY")

	setInt(&cfg.MinTextChars, "KINDLE_MIN_TEXT_CHARS")
	if v := strings.TrimSpace(os.Getenv("KINDLE_MAX_LINK_DENSITY")); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.MaxLinkDensity = f
		}
	}

	if v := strings.TrimSpace(os.Getenv("KINDLE_ALLOWED_TAGS")); v != "" {
		cfg.AllowedTags = splitList(v)
	}
	setString(&cfg.ImageMode, "KINDLE_IMAGE_MODE")
	setInt64(&cfg.MaxInlineImageBytes, "KINDLE_MAX_INLINE_IMAGE_BYTES")
	setInt(&cfg.MaxImages, "KINDLE_MAX_IMAGES")
	setInt64(&cfg.MaxImageBytes, "KINDLE_MAX_IMAGE_BYTES")
	setString(&cfg.DefaultLanguage, "KINDLE_LANGUAGE")

	setString(&cfg.Listen, "KINDLE_LISTEN")
	setDuration(&cfg.JobTTL, "KINDLE_JOB_TTL")
	setDuration(&cfg.RunTimeout, "KINDLE_RUN_TIMEOUT")
	setInt(&cfg.Workers, "KINDLE_WORKERS")
	setInt(&cfg.QueueSize, "KINDLE_QUEUE_SIZE")

	setString(&cfg.LogLevel, "KINDLE_LOG_LEVEL")
	setString(&cfg.LogFormat, "KINDLE_LOG_FORMAT")
	setBool(&cfg.DryRun, "DRY_RUN")
}
