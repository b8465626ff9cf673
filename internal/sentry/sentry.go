// Package sentry reports unexpected failures to Sentry. Every function is a
// no-op until Init has been called with a DSN.
package sentry

import (
	"context"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
)

// Config holds Sentry configuration.
type Config struct {
	DSN         string  `yaml:"dsn"`
	Environment string  `yaml:"environment"`
	SampleRate  float64 `yaml:"sample_rate"`
	Debug       bool    `yaml:"debug"`
}

// Init sets up the global Sentry client. An empty DSN disables reporting.
func Init(cfg Config, release string) error {
	if cfg.DSN == "" {
		return nil
	}

	environment := cfg.Environment
	if environment == "" {
		environment = "production"
	}
	sampleRate := cfg.SampleRate
	if sampleRate == 0 {
		sampleRate = 1.0
	}

	err := sentry.Init(sentry.ClientOptions{
		Dsn:              cfg.DSN,
		Environment:      environment,
		Release:          release,
		SampleRate:       sampleRate,
		Debug:            cfg.Debug,
		AttachStacktrace: true,
		ServerName:       "runnerguard",
	})
	if err != nil {
		return fmt.Errorf("failed to initialize Sentry: %w", err)
	}
	return nil
}

// Enabled reports whether a client is configured.
func Enabled() bool {
	return sentry.CurrentHub().Client() != nil
}

// Flush waits for all events to be sent.
func Flush(timeout time.Duration) {
	if Enabled() {
		sentry.Flush(timeout)
	}
}

// CaptureError captures an error with tags.
func CaptureError(err error, tags map[string]string) {
	if !Enabled() || err == nil {
		return
	}

	sentry.WithScope(func(scope *sentry.Scope) {
		for k, v := range tags {
			scope.SetTag(k, v)
		}
		sentry.CaptureException(err)
	})
}

// CaptureMessage captures a message with level.
func CaptureMessage(message string, level sentry.Level, tags map[string]string) {
	if !Enabled() {
		return
	}

	sentry.WithScope(func(scope *sentry.Scope) {
		for k, v := range tags {
			scope.SetTag(k, v)
		}
		scope.SetLevel(level)
		sentry.CaptureMessage(message)
	})
}

// Recover reports a panic in a background goroutine and re-panics.
func Recover(ctx context.Context, component string) {
	if err := recover(); err != nil {
		if Enabled() {
			sentry.WithScope(func(scope *sentry.Scope) {
				scope.SetTag("component", component)
				sentry.CurrentHub().RecoverWithContext(ctx, err)
			})
			sentry.Flush(2 * time.Second)
		}
		panic(err)
	}
}
