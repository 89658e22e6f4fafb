// Package imageapi talks to an OpenAI-compatible image generation provider.
//
// Credentials are fetched from a CredentialSource on every call so that an
// endpoint or key rotation takes effect on the next request. Failed calls are
// returned as *Error with a Kind decided where the failure happened.
package imageapi

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptrace"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

const (
	generationsPath = "v1/images/generations"
	editsPath       = "v1/images/edits"
	modelsPath      = "v1/models"

	// maxResponseBytes 单次响应体读取上限
	maxResponseBytes = 8 << 20

	maxErrorMessageBytes = 200
)

// Credentials identify the active upstream endpoint.
type Credentials struct {
	BaseURL string
	APIKey  string
}

// CredentialSource yields the credentials to use for the next call.
type CredentialSource interface {
	Credentials(ctx context.Context) (Credentials, error)
}

// CredentialFunc adapts a function to CredentialSource.
type CredentialFunc func(ctx context.Context) (Credentials, error)

func (f CredentialFunc) Credentials(ctx context.Context) (Credentials, error) { return f(ctx) }

// HTTPDoer is the subset of *http.Client the client needs.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Options configure a Client. Zero values fall back to the defaults below.
type Options struct {
	// Timeout bounds a single attempt, including reading the body.
	Timeout    time.Duration
	MaxRetries int
	RetryDelay time.Duration
	UserAgent  string
	// Models maps tier names to upstream model ids.
	Models map[string]string
	HTTP   HTTPDoer
	// Observer receives one Observation per generation call.
	Observer Observer
	Logger   *zap.Logger
}

func DefaultOptions() Options {
	return Options{
		Timeout:    180 * time.Second,
		MaxRetries: 2,
		RetryDelay: 5 * time.Second,
		UserAgent:  "imagegen-broker/1.0",
		Models: map[string]string{
			"standard": "nano-banana",
			"hd":       "nano-banana-hd",
		},
	}
}

type Client struct {
	source     CredentialSource
	catalog    *Catalog
	httpClient HTTPDoer
	timeout    time.Duration
	maxRetries int
	retryDelay time.Duration
	userAgent  string
	observer   Observer
	logger     *zap.Logger
	now        func() time.Time
}

func NewClient(source CredentialSource, opts Options) *Client {
	def := DefaultOptions()
	if opts.Timeout <= 0 {
		opts.Timeout = def.Timeout
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.RetryDelay < 0 {
		opts.RetryDelay = 0
	}
	if opts.UserAgent == "" {
		opts.UserAgent = def.UserAgent
	}
	if len(opts.Models) == 0 {
		opts.Models = def.Models
	}
	if opts.HTTP == nil {
		// 超时由每次尝试的 context 控制
		opts.HTTP = &http.Client{}
	}
	if opts.Observer == nil {
		opts.Observer = NopObserver{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Client{
		source:     source,
		catalog:    NewCatalog(opts.Models),
		httpClient: opts.HTTP,
		timeout:    opts.Timeout,
		maxRetries: opts.MaxRetries,
		retryDelay: opts.RetryDelay,
		userAgent:  opts.UserAgent,
		observer:   opts.Observer,
		logger:     opts.Logger.Named("imageapi"),
		now:        time.Now,
	}
}

// Catalog exposes model and size validation without making a call.
func (c *Client) Catalog() *Catalog { return c.catalog }

// credentials fetches and checks the active endpoint; never falls back to an
// empty or built-in credential.
func (c *Client) credentials(ctx context.Context) (Credentials, *Error) {
	creds, err := c.source.Credentials(ctx)
	if err != nil {
		var apiErr *Error
		if errors.As(err, &apiErr) {
			return Credentials{}, apiErr
		}
		return Credentials{}, NewConfigurationError("no usable upstream configuration", err)
	}
	if strings.TrimSpace(creds.BaseURL) == "" || strings.TrimSpace(creds.APIKey) == "" {
		return Credentials{}, NewConfigurationError("incomplete upstream configuration", nil)
	}
	return creds, nil
}

func endpoint(baseURL, path string) string {
	return strings.TrimRight(baseURL, "/") + "/" + path
}

// payload is a request body that can be replayed for every attempt.
type payload struct {
	contentType string
	body        []byte
}

type attemptTiming struct {
	connect time.Duration
	read    time.Duration
}

type attemptResult struct {
	body     []byte
	attempts int
	upstream time.Duration
	last     attemptTiming
}

// doWithRetry sends p with a constant delay between attempts. Only network
// failures, per-attempt timeouts and 5xx responses are retried.
func (c *Client) doWithRetry(ctx context.Context, creds Credentials, url string, p payload) (attemptResult, *Error) {
	var res attemptResult
	start := c.now()

	operation := func() error {
		res.attempts++
		c.logger.Info("calling upstream",
			zap.String("url", url),
			zap.Int("attempt", res.attempts),
			zap.Int("max_attempts", c.maxRetries+1),
		)
		body, timing, err := c.attempt(ctx, creds, url, p)
		res.last = timing
		if err != nil {
			err.Attempts = res.attempts
			if !err.Retryable() {
				return backoff.Permanent(err)
			}
			c.logger.Warn("upstream attempt failed", zap.Int("attempt", res.attempts), zap.Error(err))
			return err
		}
		res.body = body
		return nil
	}

	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(c.retryDelay), uint64(c.maxRetries)), ctx)
	err := backoff.Retry(operation, b)
	res.upstream = c.now().Sub(start)
	if err == nil {
		return res, nil
	}

	var apiErr *Error
	if !errors.As(err, &apiErr) {
		apiErr = c.contextError(ctx, err)
	}
	if ctxErr := ctx.Err(); ctxErr != nil && apiErr.Kind != KindCanceled && apiErr.Kind != KindTimeout {
		apiErr = c.contextError(ctx, ctxErr)
	}
	apiErr.Attempts = res.attempts
	c.logger.Error("upstream call failed",
		zap.String("url", url),
		zap.Int("attempts", res.attempts),
		zap.Stringer("kind", apiErr.Kind),
		zap.Error(apiErr),
	)
	return res, apiErr
}

// contextError classifies a failure caused by the caller's context.
func (c *Client) contextError(ctx context.Context, err error) *Error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Message: "request deadline exceeded", Err: err}
	}
	if ctx.Err() != nil {
		return &Error{Kind: KindCanceled, Message: "request canceled", Err: err}
	}
	return &Error{Kind: KindUnknown, Message: "upstream call failed", Err: err}
}

// attempt performs one bounded HTTP exchange.
func (c *Client) attempt(ctx context.Context, creds Credentials, url string, p payload) ([]byte, attemptTiming, *Error) {
	var timing attemptTiming
	attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	sent := c.now()
	trace := &httptrace.ClientTrace{
		GotConn: func(httptrace.GotConnInfo) { timing.connect = c.now().Sub(sent) },
	}
	req, err := http.NewRequestWithContext(httptrace.WithClientTrace(attemptCtx, trace), http.MethodPost, url, bytes.NewReader(p.body))
	if err != nil {
		return nil, timing, &Error{Kind: KindConfigurationMissing, Message: "invalid upstream url", Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+creds.APIKey)
	req.Header.Set("Content-Type", p.contentType)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, timing, c.transportError(ctx, attemptCtx, err)
	}
	defer resp.Body.Close()

	readStart := c.now()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	timing.read = c.now().Sub(readStart)
	if err != nil {
		return nil, timing, c.transportError(ctx, attemptCtx, err)
	}

	c.logger.Debug("upstream responded",
		zap.Int("status", resp.StatusCode),
		zap.String("content_type", resp.Header.Get("Content-Type")),
		zap.Int("body_size", len(body)),
		zap.Duration("connect", timing.connect),
		zap.Duration("read", timing.read),
	)

	if resp.StatusCode != http.StatusOK {
		return nil, timing, statusError(resp.StatusCode, body)
	}
	return body, timing, nil
}

func (c *Client) transportError(parent, attemptCtx context.Context, err error) *Error {
	if parent.Err() != nil {
		return c.contextError(parent, err)
	}
	if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) || isTimeout(err) {
		return &Error{Kind: KindTimeout, Message: fmt.Sprintf("no response within %s", c.timeout), Err: err}
	}
	var certErr *tls.CertificateVerificationError
	if errors.As(err, &certErr) {
		return &Error{Kind: KindRejected, Message: "upstream certificate rejected", Err: err}
	}
	return &Error{Kind: KindNetwork, Message: "network request failed", Err: err}
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// statusError maps a non-200 response onto a kind; 4xx are terminal.
func statusError(status int, body []byte) *Error {
	msg := errorMessage(body)
	var kind Kind
	switch {
	case status == http.StatusBadRequest:
		kind = KindBadRequest
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		kind = KindInvalidCredentials
	case status == http.StatusTooManyRequests:
		kind = KindRateLimited
	case status >= 500:
		kind = KindServerError
	default:
		kind = KindRejected
	}
	return &Error{Kind: kind, StatusCode: status, Message: msg}
}

// errorMessage extracts {"error": "..."} or {"error": {"message": "..."}}.
func errorMessage(body []byte) string {
	var envelope struct {
		Error json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && len(envelope.Error) > 0 {
		var s string
		if json.Unmarshal(envelope.Error, &s) == nil && s != "" {
			return s
		}
		var obj struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(envelope.Error, &obj) == nil && obj.Message != "" {
			return obj.Message
		}
	}
	text := strings.TrimSpace(string(body))
	text = truncate(text, maxErrorMessageBytes)
	if text == "" {
		text = "upstream error"
	}
	return text
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
