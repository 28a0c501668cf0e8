// Package reporter sends crash reports to Sentry.
package reporter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/getsentry/sentry-go"
)

const (
	defaultEnvironment = "production"
	defaultTimeout     = 5 * time.Second
)

type Config struct {
	Logger *slog.Logger
	DSN    string

	// Optional configuration.
	Environment string
	Release     string
	ServerName  string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.DSN == "" {
		return errors.New("dsn is required")
	}
	if c.Environment == "" {
		c.Environment = defaultEnvironment
	}
	if c.ServerName == "" {
		c.ServerName, _ = os.Hostname()
	}
	if c.Timeout == 0 {
		c.Timeout = defaultTimeout
	}
	if c.Timeout < 0 {
		return errors.New("timeout must be > 0")
	}
	return nil
}

type Reporter struct {
	log    *slog.Logger
	cfg    Config
	client *sentry.Client
}

func New(cfg Config) (*Reporter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate reporter config: %w", err)
	}

	// Reports are sent synchronously so a crash report is out before the process exits.
	transport := sentry.NewHTTPSyncTransport()
	transport.Timeout = cfg.Timeout

	client, err := sentry.NewClient(sentry.ClientOptions{
		Dsn:         cfg.DSN,
		Environment: cfg.Environment,
		Release:     cfg.Release,
		ServerName:  cfg.ServerName,
		HTTPClient:  cfg.HTTPClient,
		Transport:   transport,
	})
	if err != nil {
		return nil, fmt.Errorf("invalid dsn: %w", err)
	}
	return &Reporter{
		log:    cfg.Logger,
		cfg:    cfg,
		client: client,
	}, nil
}

// Report sends one unhandled-exception event typed errorType. It returns an error when ctx is
// already done or the event was dropped before being sent.
func (r *Reporter) Report(ctx context.Context, errorType string, cause error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	value := "the aggregator exited with an error"
	if cause != nil {
		value = cause.Error()
	}
	handled := false

	event := sentry.NewEvent()
	event.Level = sentry.LevelFatal
	event.Message = value
	event.Tags = map[string]string{"error_type": errorType}
	event.Exception = []sentry.Exception{{
		Type:  errorType,
		Value: value,
		Mechanism: &sentry.Mechanism{
			Type:        "generic",
			Description: "The aggregator process failed",
			Handled:     &handled,
		},
	}}

	r.log.Info("sending crash report", "type", errorType)
	id := r.client.CaptureEvent(event, nil, sentry.NewScope())
	if id == nil {
		r.log.Error("crash report dropped", "type", errorType)
		return errors.New("crash report dropped")
	}
	if !r.client.Flush(r.cfg.Timeout) {
		return errors.New("timed out sending crash report")
	}
	return nil
}
