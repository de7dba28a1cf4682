// Package gpas implements the SOAP client for the gPAS trusted third party
// pseudonymisation service. It satisfies pseudonym.Provider.
package gpas

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/xml"
	"io"
	"net/http"
	"os"
	"time"

	perr "ehrbridge/internal/platform/errors"
	"ehrbridge/internal/platform/logger"
)

const (
	// psnNamespace is the gPAS service namespace used in both request and
	// response envelopes
	psnNamespace = "http://psn.ttp.ganimed.icmwc.emau.org/"

	defaultTimeout = 10 * time.Second
)

// Options configures the Client. Cert paths are optional; when all three
// are set the client speaks mutual TLS
type Options struct {
	BaseURL        string
	ClientCertPath string
	ClientKeyPath  string
	CACertPath     string
	Timeout        time.Duration
}

// Client is a minimal gPAS SOAP client
type Client struct {
	http *http.Client
	opts Options
	log  logger.Logger
}

// NewClient builds the client, loading TLS material when configured
func NewClient(o Options) (*Client, error) {
	if o.Timeout <= 0 {
		o.Timeout = defaultTimeout
	}

	transport := &http.Transport{}
	if o.ClientCertPath != "" && o.ClientKeyPath != "" {
		cert, err := tls.LoadX509KeyPair(o.ClientCertPath, o.ClientKeyPath)
		if err != nil {
			return nil, perr.Wrapf(err, perr.ErrorCodeConfig, "gpas client cert")
		}
		tlsCfg := &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
		if o.CACertPath != "" {
			pem, err := os.ReadFile(o.CACertPath)
			if err != nil {
				return nil, perr.Wrapf(err, perr.ErrorCodeConfig, "gpas ca cert")
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(pem) {
				return nil, perr.Configf("gpas ca cert %s contains no certificates", o.CACertPath)
			}
			tlsCfg.RootCAs = pool
		}
		transport.TLSClientConfig = tlsCfg
	}

	return &Client{
		http: &http.Client{Timeout: o.Timeout, Transport: transport},
		opts: o,
		log:  *logger.Named("gpas"),
	}, nil
}

type requestEnvelope struct {
	XMLName xml.Name `xml:"soapenv:Envelope"`
	EnvNS   string   `xml:"xmlns:soapenv,attr"`
	PsnNS   string   `xml:"xmlns:psn,attr"`
	Body    struct {
		Call struct {
			Value  string `xml:"value"`
			Domain string `xml:"domainName"`
		} `xml:"psn:getOrCreatePseudonymFor"`
	} `xml:"soapenv:Body"`
}

type responseEnvelope struct {
	Body struct {
		Response struct {
			Psn string `xml:"psn"`
		} `xml:"getOrCreatePseudonymForResponse"`
	} `xml:"Body"`
}

// GetOrCreatePseudonym asks gPAS for the stable pseudonym of value in the
// given domain, creating one on first sight
func (c *Client) GetOrCreatePseudonym(ctx context.Context, value, domain string) (string, error) {
	env := requestEnvelope{
		EnvNS: "http://schemas.xmlsoap.org/soap/envelope/",
		PsnNS: psnNamespace,
	}
	env.Body.Call.Value = value
	env.Body.Call.Domain = domain

	payload, err := xml.Marshal(env)
	if err != nil {
		return "", perr.Wrapf(err, perr.ErrorCodeUnknown, "gpas envelope marshal")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.BaseURL, bytes.NewReader(payload))
	if err != nil {
		return "", perr.Wrapf(err, perr.ErrorCodeUnknown, "gpas request")
	}
	req.Header.Set("Content-Type", "text/xml")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", perr.Wrapf(err, perr.ErrorCodeUnavailable, "gpas unreachable")
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", perr.Wrapf(err, perr.ErrorCodeUnavailable, "gpas response read")
	}
	if resp.StatusCode != http.StatusOK {
		return "", perr.Unavailablef("gpas status %d body %s", resp.StatusCode, truncate(body, 512))
	}

	var parsed responseEnvelope
	if err := xml.Unmarshal(body, &parsed); err != nil {
		return "", perr.Wrapf(err, perr.ErrorCodeProtocol, "gpas response parse")
	}
	psn := parsed.Body.Response.Psn
	if psn == "" {
		return "", perr.Protocolf("gpas response carries no pseudonym")
	}

	c.log.Debug().Str("domain", domain).Msg("gpas pseudonym resolved")
	return psn, nil
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		b = b[:n]
	}
	return string(b)
}
