// Package extension implements the parts of the AWS Lambda Extensions API the aggregator needs to
// learn when the execution environment is shutting down.
package extension

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	apiVersion = "2020-01-01"

	HeaderExtensionName       = "Lambda-Extension-Name"
	HeaderExtensionIdentifier = "Lambda-Extension-Identifier"
	HeaderFunctionErrorType   = "Lambda-Extension-Function-Error-Type"

	// maxErrorBody bounds how much of an unexpected response body is kept in an error.
	maxErrorBody = 1 << 10
)

type EventType string

const (
	EventInvoke   EventType = "INVOKE"
	EventShutdown EventType = "SHUTDOWN"
)

var ErrNotRegistered = errors.New("extension is not registered")

// Event is a lifecycle event delivered by the next-event endpoint.
type Event struct {
	EventType          EventType `json:"eventType"`
	DeadlineMs         int64     `json:"deadlineMs"`
	RequestID          string    `json:"requestId,omitempty"`
	InvokedFunctionArn string    `json:"invokedFunctionArn,omitempty"`
	ShutdownReason     string    `json:"shutdownReason,omitempty"`
}

// Deadline returns the event deadline, or the zero time when none was given.
func (e Event) Deadline() time.Time {
	if e.DeadlineMs <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(e.DeadlineMs)
}

type RegisterResponse struct {
	FunctionName    string `json:"functionName"`
	FunctionVersion string `json:"functionVersion"`
	Handler         string `json:"handler"`
}

type registerRequest struct {
	Events []EventType `json:"events"`
}

type errorRequest struct {
	ErrorMessage string `json:"errorMessage"`
	ErrorType    string `json:"errorType"`
}

type ClientConfig struct {
	// RuntimeAPI is the host:port from AWS_LAMBDA_RUNTIME_API.
	RuntimeAPI    string
	ExtensionName string

	// Optional configuration.
	HTTPClient *http.Client
	Events     []EventType
}

func (c *ClientConfig) Validate() error {
	if c.RuntimeAPI == "" {
		return errors.New("runtime api address is required")
	}
	if c.ExtensionName == "" {
		return errors.New("extension name is required")
	}
	if c.HTTPClient == nil {
		// Next-event requests block until the environment has something to deliver.
		c.HTTPClient = &http.Client{}
	}
	if len(c.Events) == 0 {
		c.Events = []EventType{EventShutdown}
	}
	return nil
}

type Client struct {
	cfg     ClientConfig
	baseURL string
	id      string
}

func NewClient(cfg ClientConfig) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate extension client config: %w", err)
	}
	base := cfg.RuntimeAPI
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return &Client{
		cfg:     cfg,
		baseURL: strings.TrimSuffix(base, "/") + "/" + apiVersion + "/extension",
	}, nil
}

// ID returns the identifier assigned at registration.
func (c *Client) ID() string {
	return c.id
}

// Register registers the extension for its configured events and records the identifier the
// environment assigns.
func (c *Client) Register(ctx context.Context) (*RegisterResponse, error) {
	body, err := json.Marshal(registerRequest{Events: c.cfg.Events})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal register request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/register", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create register request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderExtensionName, c.cfg.ExtensionName)

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to register extension: %w", err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return nil, fmt.Errorf("failed to register extension: %w", err)
	}

	id := resp.Header.Get(HeaderExtensionIdentifier)
	if id == "" {
		return nil, fmt.Errorf("register response is missing the %s header", HeaderExtensionIdentifier)
	}

	var out RegisterResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to decode register response: %w", err)
	}
	c.id = id
	return &out, nil
}

// NextEvent blocks until the environment delivers the next event or ctx is done.
func (c *Client) NextEvent(ctx context.Context) (*Event, error) {
	if c.id == "" {
		return nil, ErrNotRegistered
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/event/next", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create next event request: %w", err)
	}
	req.Header.Set(HeaderExtensionIdentifier, c.id)

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to get next event: %w", err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return nil, fmt.Errorf("failed to get next event: %w", err)
	}

	var ev Event
	if err := json.NewDecoder(resp.Body).Decode(&ev); err != nil {
		return nil, fmt.Errorf("failed to decode next event: %w", err)
	}
	return &ev, nil
}

// InitError reports a failure during extension initialization. The environment shuts down the
// execution environment after receiving it.
func (c *Client) InitError(ctx context.Context, errorType string, cause error) error {
	return c.postError(ctx, "/init/error", errorType, cause)
}

// ExitError reports a failure that forces the extension to exit.
func (c *Client) ExitError(ctx context.Context, errorType string, cause error) error {
	return c.postError(ctx, "/exit/error", errorType, cause)
}

func (c *Client) postError(ctx context.Context, path, errorType string, cause error) error {
	if c.id == "" {
		return ErrNotRegistered
	}
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	body, err := json.Marshal(errorRequest{ErrorMessage: msg, ErrorType: errorType})
	if err != nil {
		return fmt.Errorf("failed to marshal error request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create error request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderExtensionIdentifier, c.id)
	req.Header.Set(HeaderFunctionErrorType, errorType)

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to post %s: %w", path, err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return fmt.Errorf("failed to post %s: %w", path, err)
	}
	return nil
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode == http.StatusOK {
		return nil
	}
	b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
}
