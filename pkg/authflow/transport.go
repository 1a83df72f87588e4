package authflow

import (
	"crypto/tls"
	"net"
	"net/http"
	"time"
)

// HTTPClient abstracts the transport used for token endpoint requests, so
// tests and callers with special transport needs can supply their own.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// tokenHTTPClient is the default transport for token endpoint calls.
// Grants go out exactly once; a replayed grant can rotate a refresh token
// out from under the session it meant to renew.
type tokenHTTPClient struct {
	client *http.Client
}

// newTokenHTTPClient builds the default HTTPClient. The engine talks to a
// single authorization server, so the idle pool stays small and the
// response header wait is bounded by the configured timeout.
func newTokenHTTPClient(timeout time.Duration, tlsConfig *tls.Config, insecureSkipVerify bool) HTTPClient {
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if tlsConfig != nil {
		// The caller's config stays untouched.
		tlsCfg = tlsConfig.Clone()
	}
	if insecureSkipVerify {
		tlsCfg.InsecureSkipVerify = true
	}

	dialer := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
	}

	return &tokenHTTPClient{
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				DialContext:           dialer.DialContext,
				TLSClientConfig:       tlsCfg,
				ForceAttemptHTTP2:     true,
				MaxIdleConns:          16,
				MaxIdleConnsPerHost:   4,
				IdleConnTimeout:       90 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ExpectContinueTimeout: time.Second,
				ResponseHeaderTimeout: timeout,
			},
		},
	}
}

func (c *tokenHTTPClient) Do(req *http.Request) (*http.Response, error) {
	return c.client.Do(req)
}

// Compile-time interface check.
var _ HTTPClient = (*tokenHTTPClient)(nil)
