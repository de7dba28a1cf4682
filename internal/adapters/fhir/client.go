// Package fhir provides the FHIR REST client used by the publisher:
// identifier search, conditional create or update, and the metadata probe.
package fhir

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"time"

	perr "ehrbridge/internal/platform/errors"
	"ehrbridge/internal/platform/logger"
)

const (
	defaultTimeout = 30 * time.Second
	metadataPath   = "/metadata"
)

// Options configures the Client
type Options struct {
	BaseURL    string
	AuthMethod string // basic, bearer or api_key
	Username   string
	Password   string
	Token      string
	Timeout    time.Duration
}

// Client talks to one FHIR server
type Client struct {
	http *http.Client
	opts Options
	log  logger.Logger
}

// Disposition classifies the final state of one publish attempt
type Disposition int

// Publish dispositions
const (
	// Delivered means the server accepted the resource
	Delivered Disposition = iota
	// Invalid means the server rejected the resource itself; retrying the
	// same payload cannot succeed
	Invalid
	// Transient means the attempt failed for reasons unrelated to the
	// payload and is worth retrying
	Transient
)

// Outcome reports what one Upsert did
type Outcome struct {
	Disposition Disposition
	Status      int
	Method      string
	ResourceID  string
}

// NewClient creates a Client with sane defaults
func NewClient(o Options) *Client {
	if o.Timeout <= 0 {
		o.Timeout = defaultTimeout
	}
	return &Client{
		http: &http.Client{Timeout: o.Timeout},
		opts: o,
		log:  *logger.Named("fhir"),
	}
}

func (c *Client) authorize(req *http.Request) {
	switch c.opts.AuthMethod {
	case "basic":
		req.SetBasicAuth(c.opts.Username, c.opts.Password)
	case "bearer":
		req.Header.Set("Authorization", "Bearer "+c.opts.Token)
	case "api_key":
		req.Header.Set("X-Api-Key", c.opts.Token)
	}
}

// Search looks a resource up by business identifier and returns the match
// count plus the server id of the first hit
func (c *Client) Search(ctx context.Context, resourceType, identifier string) (total int, id string, err error) {
	u := c.opts.BaseURL + "/" + resourceType + "?identifier=" + url.QueryEscape(identifier)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, "", perr.Wrapf(err, perr.ErrorCodeUnknown, "fhir search request")
	}
	req.Header.Set("Accept", "application/fhir+json")
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, "", perr.Wrapf(err, perr.ErrorCodeUnavailable, "fhir search failed")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		tail, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return 0, "", perr.Unavailablef("fhir search status %d body %s", resp.StatusCode, string(tail))
	}

	var bundle struct {
		Total int `json:"total"`
		Entry []struct {
			Resource struct {
				ID string `json:"id"`
			} `json:"resource"`
		} `json:"entry"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&bundle); err != nil {
		return 0, "", perr.Wrapf(err, perr.ErrorCodeProtocol, "fhir bundle decode")
	}
	if len(bundle.Entry) > 0 {
		id = bundle.Entry[0].Resource.ID
	}
	return bundle.Total, id, nil
}

// Upsert idempotently delivers one resource: search by identifier, update
// the existing server resource when found, create otherwise. The resource
// map is mutated to carry or drop the server id before serialization
func (c *Client) Upsert(ctx context.Context, resourceType, identifier string, resource map[string]any) (Outcome, error) {
	total, existingID, err := c.Search(ctx, resourceType, identifier)
	if err != nil {
		return Outcome{Disposition: Transient}, err
	}

	var (
		method, target string
	)
	if total > 0 && existingID != "" {
		resource["id"] = existingID
		method = http.MethodPut
		target = c.opts.BaseURL + "/" + resourceType + "/" + existingID
	} else {
		delete(resource, "id")
		method = http.MethodPost
		target = c.opts.BaseURL + "/" + resourceType
	}

	body, err := json.Marshal(resource)
	if err != nil {
		return Outcome{Disposition: Invalid}, perr.Wrapf(err, perr.ErrorCodeValidation, "fhir resource marshal")
	}

	req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(body))
	if err != nil {
		return Outcome{Disposition: Transient}, perr.Wrapf(err, perr.ErrorCodeUnknown, "fhir upsert request")
	}
	req.Header.Set("Content-Type", "application/fhir+json")
	req.Header.Set("Accept", "application/fhir+json")
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return Outcome{Disposition: Transient}, perr.Wrapf(err, perr.ErrorCodeUnavailable, "fhir upsert failed")
	}
	defer func() { _ = resp.Body.Close() }()

	out := Outcome{Status: resp.StatusCode, Method: method, ResourceID: existingID}
	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
		out.Disposition = Delivered
		return out, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		tail, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		out.Disposition = Invalid
		c.log.Warn().Str("type", resourceType).Str("identifier", identifier).
			Int("status", resp.StatusCode).Str("body", string(tail)).Msg("fhir server rejected resource")
		return out, nil
	default:
		tail, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		out.Disposition = Transient
		return out, perr.Unavailablef("fhir upsert status %d body %s", resp.StatusCode, string(tail))
	}
}

// Heartbeat probes the capability statement. Only a 200 counts as healthy
func (c *Client) Heartbeat(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.opts.BaseURL+metadataPath, nil)
	if err != nil {
		return perr.Wrapf(err, perr.ErrorCodeUnknown, "fhir heartbeat request")
	}
	req.Header.Set("Accept", "application/fhir+json")
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return perr.Wrapf(err, perr.ErrorCodeUnavailable, "fhir server unreachable")
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode != http.StatusOK {
		return perr.Unavailablef("fhir server heartbeat status %d", resp.StatusCode)
	}
	return nil
}
