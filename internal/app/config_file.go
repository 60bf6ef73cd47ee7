package app

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	yaml "gopkg.in/yaml.v3"
)

// FileConfig represents the single-file configuration schema.
// Nested sections improve readability and map naturally to flags/env.
type FileConfig struct {
	Delivery struct {
		Method        string `yaml:"method" json:"method"`
		KindleAddress string `yaml:"kindleAddress" json:"kindleAddress"`
		OutputDir     string `yaml:"outputDir" json:"outputDir"`
		Format        string `yaml:"format" json:"format"`
		Retry         struct {
			MaxAttempts int           `yaml:"maxAttempts" json:"maxAttempts"`
			Initial     time.Duration `yaml:"initial" json:"initial"`
			MaxBackoff  time.Duration `yaml:"maxBackoff" json:"maxBackoff"`
		} `yaml:"retry" json:"retry"`
	} `yaml:"delivery" json:"delivery"`

	SMTP struct {
		Host      string        `yaml:"host" json:"host"`
		Port      int           `yaml:"port" json:"port"`
		Username  string        `yaml:"username" json:"username"`
		Password  string        `yaml:"password" json:"password"`
		From      string        `yaml:"from" json:"from"`
		TLSPolicy string        `yaml:"tlsPolicy" json:"tlsPolicy"`
		Timeout   time.Duration `yaml:"timeout" json:"timeout"`
	} `yaml:"smtp" json:"smtp"`

	Fetch struct {
		UserAgent          string        `yaml:"userAgent" json:"userAgent"`
		Timeout            time.Duration `yaml:"timeout" json:"timeout"`
		MaxRedirects       int           `yaml:"maxRedirects" json:"maxRedirects"`
		MaxBodyBytes       int64         `yaml:"maxBodyBytes" json:"maxBodyBytes"`
		MaxConcurrent      int           `yaml:"maxConcurrent" json:"maxConcurrent"`
		InsecureSkipVerify bool          `yaml:"insecureSkipVerify" json:"insecureSkipVerify"`
	} `yaml:"fetch" json:"fetch"`

	Extract struct {
		MinTextChars   int     `yaml:"minTextChars" json:"minTextChars"`
		MaxLinkDensity float64 `yaml:"maxLinkDensity" json:"maxLinkDensity"`
	} `yaml:"extract" json:"extract"`

	Sanitize struct {
		AllowedTags         []string `yaml:"allowedTags" json:"allowedTags"`
		ImageMode           string   `yaml:"imageMode" json:"imageMode"`
		MaxInlineImageBytes int64    `yaml:"maxInlineImageBytes" json:"maxInlineImageBytes"`
		MaxImages           int      `yaml:"maxImages" json:"maxImages"`
	} `yaml:"sanitize" json:"sanitize"`

	Ebook struct {
		MaxImageBytes   int64  `yaml:"maxImageBytes" json:"maxImageBytes"`
		DefaultLanguage string `yaml:"defaultLanguage" json:"defaultLanguage"`
	} `yaml:"ebook" json:"ebook"`

	Server struct {
		Listen     string        `yaml:"listen" json:"listen"`
		JobTTL     time.Duration `yaml:"jobTTL" json:"jobTTL"`
		RunTimeout time.Duration `yaml:"runTimeout" json:"runTimeout"`
		Workers    int           `yaml:"workers" json:"workers"`
		QueueSize  int           `yaml:"queueSize" json:"queueSize"`
	} `yaml:"server" json:"server"`

	Log struct {
		Level  string `yaml:"level" json:"level"`
		Format string `yaml:"format" json:"format"`
	} `yaml:"log" json:"log"`

	DryRun bool `yaml:"dryRun" json:"dryRun"`
}

// LoadConfigFile reads YAML or JSON into FileConfig. JSON is a subset of
// YAML, so one decoder serves both and durations such as "20s" work in
// either. Unknown keys are rejected to catch typos.
func LoadConfigFile(path string) (FileConfig, error) {
	var fc FileConfig
	b, err := os.ReadFile(path)
	if err != nil {
		return fc, err
	}
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&fc); err != nil && !errors.Is(err, io.EOF) {
		return fc, fmt.Errorf("parse config %s: %w", path, err)
	}
	return fc, nil
}

// ApplyFileConfig overlays every value set in fc onto cfg. Call it on the
// defaults, before environment overrides and flags.
func ApplyFileConfig(cfg *Config, fc FileConfig) {
	if cfg == nil {
		return
	}
	setStr(&cfg.Method, fc.Delivery.Method)
	setStr(&cfg.KindleAddress, fc.Delivery.KindleAddress)
	setStr(&cfg.OutputDir, fc.Delivery.OutputDir)
	setStr(&cfg.Format, fc.Delivery.Format)
	setNum(&cfg.MaxAttempts, fc.Delivery.Retry.MaxAttempts)
	setNum(&cfg.RetryInitial, fc.Delivery.Retry.Initial)
	setNum(&cfg.RetryMaxBackoff, fc.Delivery.Retry.MaxBackoff)

	setStr(&cfg.SMTPHost, fc.SMTP.Host)
	setNum(&cfg.SMTPPort, fc.SMTP.Port)
	setStr(&cfg.SMTPUsername, fc.SMTP.Username)
	setStr(&cfg.SMTPPassword, fc.SMTP.Password)
	setStr(&cfg.SMTPFrom, fc.SMTP.From)
	setStr(&cfg.SMTPTLSPolicy, fc.SMTP.TLSPolicy)
	setNum(&cfg.SMTPTimeout, fc.SMTP.Timeout)

	setStr(&cfg.UserAgent, fc.Fetch.UserAgent)
	setNum(&cfg.FetchTimeout, fc.Fetch.Timeout)
	setNum(&cfg.MaxRedirects, fc.Fetch.MaxRedirects)
	setNum(&cfg.MaxBodyBytes, fc.Fetch.MaxBodyBytes)
	setNum(&cfg.MaxConcurrent, fc.Fetch.MaxConcurrent)
	if fc.Fetch.InsecureSkipVerify {
		cfg.InsecureSkipVerify = true
	}

	setNum(&cfg.MinTextChars, fc.Extract.MinTextChars)
	setNum(&cfg.MaxLinkDensity, fc.Extract.MaxLinkDensity)

	if len(fc.Sanitize.AllowedTags) > 0 {
		cfg.AllowedTags = append([]string{}, fc.Sanitize.AllowedTags...)
	}
	setStr(&cfg.ImageMode, fc.Sanitize.ImageMode)
	setNum(&cfg.MaxInlineImageBytes, fc.Sanitize.MaxInlineImageBytes)
	setNum(&cfg.MaxImages, fc.Sanitize.MaxImages)

	setNum(&cfg.MaxImageBytes, fc.Ebook.MaxImageBytes)
	setStr(&cfg.DefaultLanguage, fc.Ebook.DefaultLanguage)

	setStr(&cfg.Listen, fc.Server.Listen)
	setNum(&cfg.JobTTL, fc.Server.JobTTL)
	setNum(&cfg.RunTimeout, fc.Server.RunTimeout)
	setNum(&cfg.Workers, fc.Server.Workers)
	setNum(&cfg.QueueSize, fc.Server.QueueSize)

	setStr(&cfg.LogLevel, fc.Log.Level)
	setStr(&cfg.LogFormat, fc.Log.Format)
	if fc.DryRun {
		cfg.DryRun = true
	}
}

func setStr(dst *string, v string) {
	if trim(v) != "" {
		*dst = v
	}
}

func setNum[T int | int64 | float64 | time.Duration](dst *T, v T) {
	if v > 0 {
		*dst = v
	}
}

func trim(s string) string {
	i := 0
	j := len(s)
	for i < j && (s[i] == ' ' || s[i] == '\t' || s[i] == '\n' || s[i] == '\r') {
		i++
	}
	for j > i && (s[j-1] == ' ' || s[j-1] == '\t' || s[j-1] == '\n' || s[j-1] == '\r') {
		j--
	}
	return s[i:j]
}
