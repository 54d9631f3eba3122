// Package github stores collection blobs in a GitHub repository through the
// REST contents API. The blob SHA of each file is its revision marker.
package github

import (
	"bytes"
	"context"
	"encoding/base64"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"go.pilab.hu/restodb/domain"
	serrors "go.pilab.hu/restodb/errors"
	"go.pilab.hu/restodb/internal/metrics"
	"go.pilab.hu/restodb/tracing"
)

const (
	DefaultBaseURL = "https://api.github.com"
	DefaultBranch  = "main"

	apiVersion = "2022-11-28"
)

// Config describes the repository and the transport limits.
type Config struct {
	Owner   string
	Repo    string
	Token   string
	Branch  string
	BaseURL string

	// Timeout bounds a single HTTP attempt.
	Timeout    time.Duration
	MaxRetries int
	// RetryInterval is the first backoff step; it grows exponentially.
	RetryInterval time.Duration
	// MaxRetryAfter caps a server-provided Retry-After delay.
	MaxRetryAfter time.Duration

	HTTPClient *http.Client
	UserAgent  string
}

// Client implements domain.BlobStore against the GitHub contents API.
type Client struct {
	cfg    Config
	http   *http.Client
	base   *url.URL
	tracer trace.Tracer
}

var _ domain.BlobStore = (*Client)(nil)

// NewClient validates cfg and fills defaults.
func NewClient(cfg Config) (*Client, error) {
	switch {
	case cfg.Owner == "":
		return nil, serrors.NewMissingConfig("github.owner")
	case cfg.Repo == "":
		return nil, serrors.NewMissingConfig("github.repo")
	case cfg.Token == "":
		return nil, serrors.NewMissingConfig("github.token")
	}
	if cfg.Branch == "" {
		cfg.Branch = DefaultBranch
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 250 * time.Millisecond
	}
	if cfg.MaxRetryAfter <= 0 {
		cfg.MaxRetryAfter = time.Minute
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "restodb"
	}

	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, &serrors.ConfigurationError{Field: "github.base_url", Reason: "invalid URL", Err: err}
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	return &Client{
		cfg:    cfg,
		http:   httpClient,
		base:   base,
		tracer: tracing.Tracer(),
	}, nil
}

type contentResponse struct {
	Type     string `json:"type"`
	Name     string `json:"name"`
	Path     string `json:"path"`
	SHA      string `json:"sha"`
	Size     int    `json:"size"`
	Encoding string `json:"encoding"`
	Content  string `json:"content"`
}

type blobResponse struct {
	SHA      string `json:"sha"`
	Encoding string `json:"encoding"`
	Content  string `json:"content"`
}

type writeRequest struct {
	Message string `json:"message"`
	Content string `json:"content,omitempty"`
	SHA     string `json:"sha,omitempty"`
	Branch  string `json:"branch,omitempty"`
}

type writeResponse struct {
	Content struct {
		SHA  string `json:"sha"`
		Path string `json:"path"`
	} `json:"content"`
}

// Read fetches a file and its blob SHA. Files over the contents API size
// limit come back without inline content and are fetched from the blob API.
func (c *Client) Read(ctx context.Context, path string) (*domain.Blob, error) {
	ctx, span := c.tracer.Start(ctx, "github.read", trace.WithAttributes(attribute.String("path", path)))
	defer span.End()

	var file contentResponse
	err := c.do(ctx, "read", path, func(ctx context.Context) (*http.Request, error) {
		return c.newRequest(ctx, http.MethodGet, c.contentsURL(path, true), nil)
	}, &file)
	if err != nil {
		recordSpanError(span, err)
		return nil, err
	}
	if file.Type != "" && file.Type != "file" {
		err := &serrors.CorruptDataError{Path: path, Err: fmt.Errorf("expected a file, found %s", file.Type)}
		recordSpanError(span, err)
		return nil, err
	}

	encoded, encoding := file.Content, file.Encoding
	if encoding == "none" || (encoded == "" && file.Size > 0) {
		var blob blobResponse
		err := c.do(ctx, "read", path, func(ctx context.Context) (*http.Request, error) {
			return c.newRequest(ctx, http.MethodGet, c.repoURL("git", "blobs", file.SHA), nil)
		}, &blob)
		if err != nil {
			recordSpanError(span, err)
			return nil, err
		}
		encoded, encoding = blob.Content, blob.Encoding
	}

	content, err := decodeContent(encoded, encoding)
	if err != nil {
		err = &serrors.CorruptDataError{Path: path, Err: err}
		recordSpanError(span, err)
		return nil, err
	}
	return &domain.Blob{Path: path, Content: content, Revision: file.SHA}, nil
}

// Write creates (empty expectedRevision) or updates a file. GitHub rejects a
// stale or missing SHA with 409 or 422; both surface as ConflictError.
func (c *Client) Write(ctx context.Context, path string, content []byte, expectedRevision, message string) (string, error) {
	ctx, span := c.tracer.Start(ctx, "github.write", trace.WithAttributes(
		attribute.String("path", path),
		attribute.Bool("create", expectedRevision == ""),
	))
	defer span.End()

	if message == "" {
		message = "restodb: update " + path
	}
	body, err := json.Marshal(writeRequest{
		Message: message,
		Content: base64.StdEncoding.EncodeToString(content),
		SHA:     expectedRevision,
		Branch:  c.cfg.Branch,
	})
	if err != nil {
		return "", err
	}

	var resp writeResponse
	err = c.do(ctx, "write", path, func(ctx context.Context) (*http.Request, error) {
		return c.newRequest(ctx, http.MethodPut, c.contentsURL(path, false), body)
	}, &resp)
	if err != nil {
		err = asConflict(err, path, expectedRevision)
		recordSpanError(span, err)
		return "", err
	}
	return resp.Content.SHA, nil
}

// Delete removes a file. The API requires the current SHA; when the caller
// has none it is read first.
func (c *Client) Delete(ctx context.Context, path, expectedRevision, message string) error {
	ctx, span := c.tracer.Start(ctx, "github.delete", trace.WithAttributes(attribute.String("path", path)))
	defer span.End()

	if expectedRevision == "" {
		blob, err := c.Read(ctx, path)
		if err != nil {
			recordSpanError(span, err)
			return err
		}
		expectedRevision = blob.Revision
	}
	if message == "" {
		message = "restodb: delete " + path
	}
	body, err := json.Marshal(writeRequest{Message: message, SHA: expectedRevision, Branch: c.cfg.Branch})
	if err != nil {
		return err
	}

	err = c.do(ctx, "delete", path, func(ctx context.Context) (*http.Request, error) {
		return c.newRequest(ctx, http.MethodDelete, c.contentsURL(path, false), body)
	}, nil)
	if err != nil {
		err = asConflict(err, path, expectedRevision)
		recordSpanError(span, err)
	}
	return err
}

// List returns the file paths inside the directory prefix. A missing
// directory is an empty listing.
func (c *Client) List(ctx context.Context, prefix string) ([]string, error) {
	dir := strings.Trim(prefix, "/")
	ctx, span := c.tracer.Start(ctx, "github.list", trace.WithAttributes(attribute.String("prefix", dir)))
	defer span.End()

	var entries []contentResponse
	err := c.do(ctx, "list", dir, func(ctx context.Context) (*http.Request, error) {
		return c.newRequest(ctx, http.MethodGet, c.contentsURL(dir, true), nil)
	}, &entries)
	if serrors.IsNotFound(err) {
		return []string{}, nil
	}
	if err != nil {
		recordSpanError(span, err)
		return nil, err
	}

	paths := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Type == "file" {
			paths = append(paths, e.Path)
		}
	}
	return paths, nil
}

// Ping checks reachability and that the token can see the repository.
// Failures are ConfigurationErrors wrapping ErrBackendUnreachable or
// ErrInvalidCredential.
func (c *Client) Ping(ctx context.Context) error {
	ctx, span := c.tracer.Start(ctx, "github.ping")
	defer span.End()

	err := c.do(ctx, "ping", "", func(ctx context.Context) (*http.Request, error) {
		return c.newRequest(ctx, http.MethodGet, c.repoURL(), nil)
	}, nil)
	if err == nil {
		return nil
	}
	recordSpanError(span, err)

	var authErr *serrors.AuthError
	switch {
	case stderrors.As(err, &authErr):
		return &serrors.ConfigurationError{Field: "github.token", Reason: "credential rejected", Err: serrors.ErrInvalidCredential}
	case serrors.IsNotFound(err):
		return &serrors.ConfigurationError{
			Field:  "github.repo",
			Reason: fmt.Sprintf("repository %s/%s not found or not visible to the token", c.cfg.Owner, c.cfg.Repo),
			Err:    serrors.ErrInvalidCredential,
		}
	default:
		return &serrors.ConfigurationError{Field: "github.base_url", Reason: err.Error(), Err: serrors.ErrBackendUnreachable}
	}
}

// do runs one logical call with bounded exponential backoff. build must
// create a fresh request per attempt.
func (c *Client) do(ctx context.Context, op, path string, build func(context.Context) (*http.Request, error), out any) error {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = c.cfg.RetryInterval
	exp.MaxElapsedTime = 0
	policy := &hintedBackOff{BackOff: backoff.WithMaxRetries(exp, uint64(c.cfg.MaxRetries)), max: c.cfg.MaxRetryAfter}

	attempt := func() error {
		err := c.attempt(ctx, op, path, build, out)
		if err == nil {
			return nil
		}
		if !serrors.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		var te *serrors.TransportError
		if stderrors.As(err, &te) {
			policy.hint = te.RetryAfter
		}
		return err
	}

	notify := func(err error, wait time.Duration) {
		metrics.RemoteRetriesTotal.Inc()
		log.Warn().Err(err).Str("op", op).Str("path", path).Dur("wait", wait).Msg("retrying remote call")
	}

	return backoff.RetryNotify(attempt, backoff.WithContext(policy, ctx), notify)
}

func (c *Client) attempt(ctx context.Context, op, path string, build func(context.Context) (*http.Request, error), out any) error {
	attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := build(attemptCtx)
	if err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		metrics.RemoteRequestsTotal.WithLabelValues(op, "error").Inc()
		return transportFailure(ctx, attemptCtx, op, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		metrics.RemoteRequestsTotal.WithLabelValues(op, "ok").Inc()
		if out == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			if attemptCtx.Err() != nil {
				return transportFailure(ctx, attemptCtx, op, path, err)
			}
			return &serrors.TransportError{Op: op, Path: path, Status: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
		}
		return nil
	}

	metrics.RemoteRequestsTotal.WithLabelValues(op, strconv.Itoa(resp.StatusCode)).Inc()
	return statusError(op, path, resp, time.Now())
}

func transportFailure(parent, attemptCtx context.Context, op, path string, err error) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	if stderrors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		return &serrors.TransportError{Op: op, Path: path, Retryable: true, Err: fmt.Errorf("%w: %v", serrors.ErrTimeout, err)}
	}
	return &serrors.TransportError{Op: op, Path: path, Retryable: true, Err: fmt.Errorf("%w: %v", serrors.ErrNetwork, err)}
}

// statusError maps a non-2xx response onto the error taxonomy.
func statusError(op, path string, resp *http.Response, now time.Time) error {
	msg := readMessage(resp.Body)

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return &serrors.NotFoundError{Kind: "file", Key: path}
	case resp.StatusCode == http.StatusConflict || resp.StatusCode == http.StatusUnprocessableEntity:
		return &serrors.ConflictError{Path: path}
	case isRateLimited(resp):
		return &serrors.TransportError{
			Op: op, Path: path, Status: resp.StatusCode, Retryable: true,
			RetryAfter: retryAfter(resp.Header, now),
			Err:        fmt.Errorf("%w: %s", serrors.ErrRateLimited, msg),
		}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return serrors.NewAuthError(serrors.ErrInvalidCredential, msg)
	case resp.StatusCode >= 500:
		return &serrors.TransportError{Op: op, Path: path, Status: resp.StatusCode, Retryable: true, Err: stderrors.New(msg)}
	default:
		return &serrors.TransportError{Op: op, Path: path, Status: resp.StatusCode, Err: stderrors.New(msg)}
	}
}

func isRateLimited(resp *http.Response) bool {
	if resp.StatusCode == http.StatusTooManyRequests {
		return true
	}
	if resp.StatusCode != http.StatusForbidden {
		return false
	}
	return resp.Header.Get("Retry-After") != "" || resp.Header.Get("X-RateLimit-Remaining") == "0"
}

// retryAfter reads Retry-After (seconds) or X-RateLimit-Reset (unix time).
func retryAfter(h http.Header, now time.Time) time.Duration {
	if v := h.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
			return time.Duration(secs) * time.Second
		}
	}
	if v := h.Get("X-RateLimit-Reset"); v != "" {
		if epoch, err := strconv.ParseInt(v, 10, 64); err == nil {
			if d := time.Unix(epoch, 0).Sub(now); d > 0 {
				return d
			}
		}
	}
	return 0
}

func readMessage(body io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(body, 64<<10))
	var payload struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(data, &payload) == nil && payload.Message != "" {
		return payload.Message
	}
	return strings.TrimSpace(string(data))
}

func asConflict(err error, path, expected string) error {
	var ce *serrors.ConflictError
	if stderrors.As(err, &ce) {
		ce.Path, ce.Expected = path, expected
		return ce
	}
	// Updating a file that vanished means our revision is stale too.
	if expected != "" && serrors.IsNotFound(err) {
		return &serrors.ConflictError{Path: path, Expected: expected}
	}
	return err
}

func decodeContent(content, encoding string) ([]byte, error) {
	switch encoding {
	case "", "base64":
		// the API wraps base64 at 60 columns
		return base64.StdEncoding.DecodeString(strings.ReplaceAll(content, "\n", ""))
	case "utf-8":
		return []byte(content), nil
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", encoding)
	}
}

func (c *Client) newRequest(ctx context.Context, method, u string, body []byte) (*http.Request, error) {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, r)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	req.Header.Set("X-GitHub-Api-Version", apiVersion)
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func (c *Client) repoURL(segments ...string) string {
	parts := []string{"repos", url.PathEscape(c.cfg.Owner), url.PathEscape(c.cfg.Repo)}
	for _, s := range segments {
		parts = append(parts, url.PathEscape(s))
	}
	return c.base.String() + "/" + strings.Join(parts, "/")
}

func (c *Client) contentsURL(path string, withRef bool) string {
	var segs []string
	for _, s := range strings.Split(strings.Trim(path, "/"), "/") {
		if s != "" {
			segs = append(segs, url.PathEscape(s))
		}
	}
	u := c.repoURL("contents")
	if len(segs) > 0 {
		u += "/" + strings.Join(segs, "/")
	}
	if withRef {
		u += "?ref=" + url.QueryEscape(c.cfg.Branch)
	}
	return u
}

func recordSpanError(span trace.Span, err error) {
	if serrors.IsNotFound(err) {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// hintedBackOff stretches the next wait to a server-provided delay.
type hintedBackOff struct {
	backoff.BackOff
	hint time.Duration
	max  time.Duration
}

func (b *hintedBackOff) NextBackOff() time.Duration {
	d := b.BackOff.NextBackOff()
	if d == backoff.Stop {
		return d
	}
	hint := b.hint
	b.hint = 0
	if hint > b.max {
		hint = b.max
	}
	if hint > d {
		return hint
	}
	return d
}
