// Package transport is the HTTP implementation of sync.Transport.
//
// Every request goes through httpclient.SaferClient, is paced by a token
// bucket, carries a bearer token and a request id, and has its JSON error
// body unpacked into Response.Errors. Project responses advertising an
// incompatible API major version are refused before the sync engine sees
// them.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/teranos/revsync/errors"
	"github.com/teranos/revsync/internal/httpclient"
	"github.com/teranos/revsync/logger"
	"github.com/teranos/revsync/sync"
	"github.com/teranos/revsync/version"
)

// Response bodies above this size are rejected.
const maxBodyBytes = 64 << 20

// HeaderRequestID carries the per-request correlation id.
const HeaderRequestID = "X-Request-ID"

// Config describes how to reach a remote backend.
type Config struct {
	BaseURL           string
	Token             string
	Timeout           time.Duration
	RequestsPerMinute int // 0 disables pacing
	// AllowPrivateNetworks permits loopback and LAN backends.
	AllowPrivateNetworks bool
	UserAgent            string
}

// Client talks to a revsync remote over HTTP.
type Client struct {
	base       string
	http       *httpclient.SaferClient
	token      string
	userAgent  string
	limiter    *rate.Limiter
	compatible *semver.Constraints
	logger     *zap.SugaredLogger
}

var _ sync.Transport = (*Client)(nil)

// New creates a client from cfg using a SaferClient.
func New(cfg Config, log *zap.SugaredLogger) (*Client, error) {
	hc := httpclient.NewSaferClientWithOptions(cfg.Timeout, httpclient.Options{
		AllowPrivateNetworks: cfg.AllowPrivateNetworks,
	})
	return NewWithHTTPClient(cfg, hc, log)
}

// NewWithHTTPClient creates a client over an existing SaferClient.
func NewWithHTTPClient(cfg Config, hc *httpclient.SaferClient, log *zap.SugaredLogger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.WithHint(
			errors.NewInvalidRequestError("remote base URL is empty"),
			"set remote.url in am.toml or REVSYNC_REMOTE_URL")
	}
	base, err := hc.ValidateURL(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, errors.Wrapf(err, "remote base URL %q", cfg.BaseURL)
	}

	own, err := semver.NewVersion(sync.APIVersion)
	if err != nil {
		return nil, errors.Wrap(err, "parse client API version")
	}
	// Servers may be ahead or behind in minor/patch; only the major has to match.
	compatible, err := semver.NewConstraint(fmt.Sprintf("%d.x", own.Major()))
	if err != nil {
		return nil, errors.Wrap(err, "build API version constraint")
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RequestsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(cfg.RequestsPerMinute)/60.0), 1)
	}

	ua := cfg.UserAgent
	if ua == "" {
		ua = version.UserAgent()
	}

	return &Client{
		base:       base.String(),
		http:       hc,
		token:      cfg.Token,
		userAgent:  ua,
		limiter:    limiter,
		compatible: compatible,
		logger:     logger.OrNop(log),
	}, nil
}

// Get fetches route.
func (c *Client) Get(ctx context.Context, route string) (*sync.Response, error) {
	return c.do(ctx, http.MethodGet, route, nil)
}

// Put sends body as JSON to route.
func (c *Client) Put(ctx context.Context, route string, body any) (*sync.Response, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, errors.Wrapf(err, "encode body for %s", route)
	}
	return c.do(ctx, http.MethodPut, route, raw)
}

func (c *Client) do(ctx context.Context, method, route string, body []byte) (*sync.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "%s %s: rate limit wait", method, route), errors.ErrTransport)
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+route, reader)
	if err != nil {
		return nil, errors.Wrapf(err, "build %s %s", method, route)
	}

	requestID := uuid.NewString()
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set(HeaderRequestID, requestID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "%s %s", method, route), errors.ErrTransport)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes+1))
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "%s %s: read body", method, route), errors.ErrTransport)
	}
	if len(raw) > maxBodyBytes {
		return nil, errors.Mark(errors.Newf("%s %s: response body exceeds %d bytes", method, route, maxBodyBytes), errors.ErrTransport)
	}

	out := &sync.Response{StatusCode: resp.StatusCode, Body: raw}
	if !out.Is2xx() {
		out.Errors = errorMessages(resp, raw)
	} else if err := c.checkAPIVersion(raw); err != nil {
		return nil, err
	}

	c.logger.Debugw("Remote request",
		logger.FieldMethod, method,
		logger.FieldRoute, route,
		logger.FieldStatus, resp.StatusCode,
		logger.FieldRequestID, requestID,
		logger.FieldDurationMS, time.Since(start).Milliseconds(),
	)
	return out, nil
}

// errorMessages extracts the remote's messages from a non-2xx response.
func errorMessages(resp *http.Response, raw []byte) []string {
	var eb sync.ErrorBody
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") &&
		json.Unmarshal(raw, &eb) == nil && len(eb.Errors) > 0 {
		return eb.Errors
	}
	if text := strings.TrimSpace(string(raw)); text != "" && len(text) < 512 {
		return []string{text}
	}
	return []string{http.StatusText(resp.StatusCode)}
}

// checkAPIVersion refuses responses from an incompatible server. Bodies
// without an apiVersion field are accepted.
func (c *Client) checkAPIVersion(raw []byte) error {
	var probe struct {
		APIVersion string `json:"apiVersion"`
	}
	if len(raw) == 0 || raw[0] != '{' || json.Unmarshal(raw, &probe) != nil || probe.APIVersion == "" {
		return nil
	}
	v, err := semver.NewVersion(probe.APIVersion)
	if err != nil {
		return errors.Mark(errors.Wrapf(err, "remote advertised invalid API version %q", probe.APIVersion), errors.ErrTransport)
	}
	if !c.compatible.Check(v) {
		return errors.WithHint(
			errors.Mark(errors.Newf("remote API %s is incompatible with client API %s", v, sync.APIVersion), errors.ErrTransport),
			"upgrade revsync or point remote.url at a compatible backend")
	}
	return nil
}
