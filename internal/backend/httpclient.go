package backend

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/nhle/userexternal/internal/model"
)

// DialTimeout bounds every outbound connection attempt.
const DialTimeout = 10 * time.Second

// NewHTTPClient configures the client shared by the HTTP based backends.
// Redirects are never followed so a 3xx reaches the caller.
func NewHTTPClient(cfg model.HTTPClientConfig) *http.Client {
	proxyFunc := http.ProxyFromEnvironment
	if cfg.Proxy != "" {
		if proxyURL, err := url.Parse(cfg.Proxy); err == nil {
			proxyFunc = http.ProxyURL(proxyURL)
		}
	}

	dialer := &net.Dialer{
		Timeout:   DialTimeout,
		KeepAlive: 10 * time.Second,
	}

	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: DialTimeout,
		Proxy:               proxyFunc,
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     90 * time.Second,
		TLSClientConfig: &tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: cfg.SkipVerify,
		},
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// ClassifyTransport sorts a transport-level error into a failure class.
func ClassifyTransport(err error) Class {
	var netErr net.Error
	var dnsErr *net.DNSError
	var opErr *net.OpError
	var certErr *tls.CertificateVerificationError
	switch {
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled),
		errors.Is(err, os.ErrDeadlineExceeded),
		errors.As(err, &dnsErr),
		errors.As(err, &opErr),
		errors.As(err, &certErr),
		errors.As(err, &netErr):
		return ClassConnectivity
	default:
		return ClassProtocol
	}
}

// ClassifyStatus sorts a non-2xx HTTP status: server errors are protocol
// failures, anything else a rejection.
func ClassifyStatus(code int) Class {
	if code >= 500 {
		return ClassProtocol
	}
	return ClassRejected
}

// StatusError reports an unexpected HTTP status.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d %s", e.Code, http.StatusText(e.Code))
}
