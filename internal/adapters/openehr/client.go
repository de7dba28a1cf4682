// Package openehr provides a resilient client for the openEHR REST API,
// covering AQL query execution and the server heartbeat.
package openehr

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	perr "ehrbridge/internal/platform/errors"
	"ehrbridge/internal/platform/logger"
)

const (
	queryPath = "/rest/v1/query"

	// defaultHeartbeatPath probes the ehr listing; some servers only answer
	// OPTIONS on /rest/v1/template, which Options.HeartbeatPath can select
	defaultHeartbeatPath = "/rest/v1/ehr"

	defaultTimeout   = 30 * time.Second
	defaultMaxRetry  = 3
	defaultRetryBase = 500 * time.Millisecond
)

// AuthMethod selects how requests authenticate
type AuthMethod string

// Supported auth methods
const (
	AuthBasic  AuthMethod = "basic"
	AuthBearer AuthMethod = "bearer"
	AuthAPIKey AuthMethod = "api_key"
)

// ParseAuthMethod validates a configured auth method string
func ParseAuthMethod(s string) (AuthMethod, error) {
	switch AuthMethod(s) {
	case AuthBasic, AuthBearer, AuthAPIKey:
		return AuthMethod(s), nil
	}
	return "", perr.Configf("unsupported auth method %q", s)
}

// Options configures the Client
type Options struct {
	BaseURL    string
	AuthMethod AuthMethod
	Username   string
	Password   string
	Token      string
	Timeout    time.Duration

	// HeartbeatPath overrides the endpoint the health probe uses
	HeartbeatPath string

	// Retry config for transport errors and transient server responses
	MaxRetries int
	RetryBase  time.Duration
}

// Client talks to one openEHR server
type Client struct {
	http  *http.Client
	opts  Options
	log   logger.Logger
	sleep func(time.Duration)
}

// Result is one AQL query response. NoContent marks a 204, which carries
// no rows and must not advance any fetch window
type Result struct {
	Rows      []map[string]any
	NoContent bool
}

// NewClient creates a Client with sane defaults
func NewClient(o Options) *Client {
	if o.Timeout <= 0 {
		o.Timeout = defaultTimeout
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = defaultMaxRetry
	}
	if o.RetryBase <= 0 {
		o.RetryBase = defaultRetryBase
	}
	if o.HeartbeatPath == "" {
		o.HeartbeatPath = defaultHeartbeatPath
	}
	return &Client{
		http:  &http.Client{Timeout: o.Timeout},
		opts:  o,
		log:   *logger.Named("openehr"),
		sleep: time.Sleep,
	}
}

func (c *Client) authorize(req *http.Request) {
	switch c.opts.AuthMethod {
	case AuthBasic:
		req.SetBasicAuth(c.opts.Username, c.opts.Password)
	case AuthBearer:
		req.Header.Set("Authorization", "Bearer "+c.opts.Token)
	case AuthAPIKey:
		req.Header.Set("X-Api-Key", c.opts.Token)
	}
}

// Query executes an AQL statement and returns the flat result rows
func (c *Client) Query(ctx context.Context, aqlStatement string) (Result, error) {
	body, err := json.Marshal(map[string]string{"aql": aqlStatement})
	if err != nil {
		return Result{}, perr.Wrapf(err, perr.ErrorCodeUnknown, "aql payload marshal")
	}

	attempts := 0
	for {
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		default:
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.BaseURL+queryPath, bytes.NewReader(body))
		if err != nil {
			return Result{}, perr.Wrapf(err, perr.ErrorCodeUnknown, "openehr new request")
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")
		c.authorize(req)

		start := time.Now()
		resp, err := c.http.Do(req)
		lat := time.Since(start)

		if err != nil {
			if !c.shouldRetry(attempts) {
				return Result{}, perr.Wrapf(err, perr.ErrorCodeUnavailable, "openehr query failed")
			}
			back := c.backoff(attempts)
			c.log.Warn().Err(err).Dur("retry_in", back).Int("attempt", attempts).Msg("openehr transport error retrying")
			c.sleep(back)
			attempts++
			continue
		}

		c.log.Debug().Int("status", resp.StatusCode).Int("attempt", attempts).Dur("latency", lat).Msg("openehr query response")

		switch resp.StatusCode {
		case http.StatusOK:
			defer func() { _ = resp.Body.Close() }()
			var parsed struct {
				ResultSet []map[string]any `json:"resultSet"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
				return Result{}, perr.Wrapf(err, perr.ErrorCodeProtocol, "openehr result decode")
			}
			return Result{Rows: parsed.ResultSet}, nil
		case http.StatusNoContent:
			_ = drainAndClose(resp.Body)
			return Result{NoContent: true}, nil
		case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			_ = drainAndClose(resp.Body)
			if !c.shouldRetry(attempts) {
				return Result{}, perr.Unavailablef("openehr transient server error %d", resp.StatusCode)
			}
			back := c.backoff(attempts)
			c.log.Warn().Int("status", resp.StatusCode).Dur("retry_in", back).Msg("openehr transient error retrying")
			c.sleep(back)
			attempts++
			continue
		default:
			tail, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
			_ = resp.Body.Close()
			return Result{}, perr.Protocolf("openehr unexpected status %d body %s", resp.StatusCode, string(tail))
		}
	}
}

// Heartbeat probes the server. Any 200 or 204 counts as healthy
func (c *Client) Heartbeat(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodOptions, c.opts.BaseURL+c.opts.HeartbeatPath, nil)
	if err != nil {
		return perr.Wrapf(err, perr.ErrorCodeUnknown, "openehr heartbeat request")
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return perr.Wrapf(err, perr.ErrorCodeUnavailable, "ehr server unreachable")
	}
	defer func() { _ = drainAndClose(resp.Body) }()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return perr.Unavailablef("ehr server heartbeat status %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) shouldRetry(attempt int) bool {
	return attempt < c.opts.MaxRetries
}

func (c *Client) backoff(attempt int) time.Duration {
	ms := int64(c.opts.RetryBase / time.Millisecond)
	ms <<= uint(attempt)
	if lid := int64(30 * time.Second / time.Millisecond); ms > lid {
		ms = lid
	}
	return time.Duration(ms) * time.Millisecond
}

func drainAndClose(rc io.ReadCloser) error {
	_, _ = io.Copy(io.Discard, io.LimitReader(rc, 1<<20))
	return rc.Close()
}
