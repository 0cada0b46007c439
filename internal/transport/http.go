// Package transport sends ping upload requests over HTTP.
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"ping-upload-coordinator/internal/logging"
	"ping-upload-coordinator/internal/models"
)

// Default timeouts
const (
	DefaultConnectTimeout = 10 * time.Second
	DefaultTimeout        = 30 * time.Second
)

// at most this much of a response body is read before the connection is reused
const maxDrainBytes = 64 << 10

// Options configures an HTTPUploader
type Options struct {
	// Timeout bounds a whole request including reading the response
	Timeout        time.Duration
	ConnectTimeout time.Duration
	// Capabilities this uploader supports, e.g. "ohttp"
	Capabilities []string
	Logger       *slog.Logger
}

// HTTPUploader posts ping bodies to the collection server
type HTTPUploader struct {
	client       *http.Client
	capabilities map[string]struct{}
	logger       *slog.Logger
}

// NewHTTPUploader creates an uploader. Its client has no cookie jar.
func NewHTTPUploader(opts Options) *HTTPUploader {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: opts.ConnectTimeout}).DialContext,
		TLSHandshakeTimeout:   opts.ConnectTimeout,
		ResponseHeaderTimeout: opts.Timeout,
		MaxIdleConns:          4,
		IdleConnTimeout:       90 * time.Second,
	}

	capabilities := make(map[string]struct{}, len(opts.Capabilities))
	for _, c := range opts.Capabilities {
		capabilities[c] = struct{}{}
	}

	return &HTTPUploader{
		client:       &http.Client{Transport: transport, Timeout: opts.Timeout},
		capabilities: capabilities,
		logger:       logging.OrDiscard(opts.Logger).With("component", "transport"),
	}
}

// Upload sends req and classifies the outcome
func (u *HTTPUploader) Upload(ctx context.Context, req models.UploadRequest) models.UploadResult {
	for _, c := range req.Capabilities {
		if _, ok := u.capabilities[c]; !ok {
			u.logger.Debug("missing uploader capability", "capability", c)
			return models.Incapable{}
		}
	}

	target, err := url.Parse(req.URL)
	if err != nil {
		return models.UnrecoverableFailure{Err: fmt.Errorf("parse url: %w", err)}
	}
	if (target.Scheme != "http" && target.Scheme != "https") || target.Host == "" {
		return models.UnrecoverableFailure{Err: fmt.Errorf("unsupported url %q", req.URL)}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, target.String(), bytes.NewReader(req.Body))
	if err != nil {
		return models.UnrecoverableFailure{Err: err}
	}
	for k, v := range req.Headers {
		if http.CanonicalHeaderKey(k) == "Content-Length" {
			continue
		}
		httpReq.Header.Set(k, v)
	}
	httpReq.ContentLength = int64(len(req.Body))

	resp, err := u.client.Do(httpReq)
	if err != nil {
		var urlErr *url.Error
		if errors.As(err, &urlErr) && urlErr.Err != nil {
			err = urlErr.Err
		}
		return models.RecoverableFailure{Err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrainBytes))

	return models.HTTPStatus{Code: resp.StatusCode}
}
