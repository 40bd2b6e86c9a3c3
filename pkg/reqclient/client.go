package reqclient

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	DefaultTimeout    = 30 * time.Second
	DefaultRetryDelay = time.Second
	DefaultMultiplier = 2.0
)

// Config controls timeout and retry behaviour for a single logical request.
// The zero value means one attempt with DefaultTimeout.
type Config struct {
	Timeout    time.Duration
	Retries    int
	RetryDelay time.Duration
	Multiplier float64
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.Retries < 0 {
		c.Retries = 0
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.Multiplier <= 0 {
		c.Multiplier = DefaultMultiplier
	}
	return c
}

// Options are the standard request options. Body may be nil, []byte, string,
// io.Reader or any value that encodes to JSON.
type Options struct {
	Method  string
	Headers http.Header
	Body    any
}

// RequestInfo is the effective request as it was sent.
type RequestInfo struct {
	URL     string      `json:"url"`
	Method  string      `json:"method"`
	Headers http.Header `json:"headers,omitempty"`
	Body    any         `json:"body,omitempty"`
}

// ResponseInfo is the last response received, if any.
type ResponseInfo struct {
	Headers http.Header `json:"headers,omitempty"`
	Body    any         `json:"body,omitempty"`
}

// Result is the envelope returned for every request. Exactly one of Data,
// Err or Cancelled describes the outcome. Request and Response are always
// populated as far as the request got.
type Result struct {
	Data      json.RawMessage
	Err       error
	Status    int
	Cancelled bool
	Attempts  int
	Request   RequestInfo
	Response  ResponseInfo
}

// AsError folds cancellation into an error for callers that do not need to
// distinguish it.
func (r *Result) AsError() error {
	if r == nil {
		return errors.New("reqclient: nil result")
	}
	if r.Cancelled {
		return ErrCancelled
	}
	return r.Err
}

// Decode unmarshals the JSON payload into v.
func (r *Result) Decode(v any) error {
	if err := r.AsError(); err != nil {
		return err
	}
	if len(r.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Data, v); err != nil {
		return errors.Wrap(ErrInvalidResponse, err.Error())
	}
	return nil
}

// Client issues single-shot HTTP calls with per-attempt timeouts and
// exponential retry for transient failures.
type Client struct {
	httpClient *http.Client
	// sleep waits between attempts; overridden in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

func New(httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{httpClient: httpClient, sleep: sleepContext}
}

func (c *Client) Do(ctx context.Context, url string, opts Options, cfg Config) *Result {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg = cfg.withDefaults()

	method := strings.ToUpper(strings.TrimSpace(opts.Method))
	if method == "" {
		method = http.MethodGet
	}
	headers := opts.Headers.Clone()
	if headers == nil {
		headers = http.Header{}
	}
	res := &Result{Request: RequestInfo{URL: url, Method: method, Headers: headers}}

	payload, parsedBody, err := encodeBody(opts.Body)
	if err != nil {
		res.Err = errors.Wrap(err, "encode request body")
		return res
	}
	res.Request.Body = parsedBody

	bo := newBackOff(cfg)
	for attempt := 0; ; attempt++ {
		if ctx.Err() != nil {
			res.Cancelled = true
			res.Err = nil
			return res
		}
		res.Attempts = attempt + 1
		log.Debug().
			Str("component", "reqclient").
			Str("method", method).
			Str("url", url).
			Int("attempt", res.Attempts).
			Interface("body", res.Request.Body).
			Msg("request")
		c.attempt(ctx, res, payload, cfg.Timeout)
		log.Debug().
			Str("component", "reqclient").
			Str("method", method).
			Str("url", url).
			Int("attempt", res.Attempts).
			Int("status", res.Status).
			Interface("body", res.Response.Body).
			Bool("cancelled", res.Cancelled).
			AnErr("error", res.Err).
			Msg("response")
		if res.Cancelled || res.Err == nil {
			return res
		}
		if !IsTransient(res.Err) || attempt >= cfg.Retries {
			return res
		}

		delay := bo.NextBackOff()
		log.Debug().
			Str("component", "reqclient").
			Str("url", url).
			Int("attempt", attempt+1).
			Dur("delay", delay).
			Err(res.Err).
			Msg("transient failure, retrying")
		if err := c.sleep(ctx, delay); err != nil {
			res.Cancelled = true
			res.Err = nil
			return res
		}
	}
}

func (c *Client) attempt(ctx context.Context, res *Result, payload []byte, timeout time.Duration) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(attemptCtx, res.Request.Method, res.Request.URL, body)
	if err != nil {
		res.Err = errors.Wrap(err, "build request")
		return
	}
	req.Header = res.Request.Headers.Clone()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		res.Status = 0
		res.Data = nil
		res.Response = ResponseInfo{}
		res.Err = classifyTransportError(ctx, attemptCtx, err)
		if res.Err == nil {
			res.Cancelled = true
		}
		return
	}
	defer func() { _ = resp.Body.Close() }()

	res.Status = resp.StatusCode
	res.Response = ResponseInfo{Headers: resp.Header.Clone()}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		res.Data = nil
		res.Err = classifyTransportError(ctx, attemptCtx, err)
		if res.Err == nil {
			res.Cancelled = true
		}
		return
	}

	text := strings.TrimSpace(string(raw))
	var parsed any
	parseErr := error(nil)
	if text != "" {
		if err := json.Unmarshal([]byte(text), &parsed); err != nil {
			parseErr = err
			res.Response.Body = string(raw)
		} else {
			res.Response.Body = parsed
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		res.Data = nil
		res.Err = &StatusError{Status: resp.StatusCode, Message: statusMessage(parsed, text, resp.StatusCode)}
		return
	}
	if parseErr != nil {
		res.Data = nil
		res.Err = errors.Wrap(ErrInvalidResponse, parseErr.Error())
		return
	}
	res.Err = nil
	if text != "" {
		res.Data = json.RawMessage(text)
	} else {
		res.Data = nil
	}
}

// classifyTransportError returns nil when the caller cancelled.
func classifyTransportError(parent, attemptCtx context.Context, err error) error {
	if parent.Err() != nil {
		return nil
	}
	if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		return ErrTimeout
	}
	return &NetworkError{Err: err}
}

func statusMessage(parsed any, text string, status int) string {
	if m, ok := parsed.(map[string]any); ok {
		for _, k := range []string{"error", "message", "detail"} {
			switch v := m[k].(type) {
			case string:
				if v != "" {
					return v
				}
			case map[string]any:
				if msg, ok := v["message"].(string); ok && msg != "" {
					return msg
				}
			}
		}
	}
	if text != "" && len(text) <= 512 {
		return text
	}
	return http.StatusText(status)
}

func encodeBody(body any) ([]byte, any, error) {
	switch b := body.(type) {
	case nil:
		return nil, nil, nil
	case []byte:
		return b, parseForLog(b), nil
	case string:
		return []byte(b), parseForLog([]byte(b)), nil
	case io.Reader:
		raw, err := io.ReadAll(b)
		if err != nil {
			return nil, nil, err
		}
		return raw, parseForLog(raw), nil
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			return nil, nil, err
		}
		return raw, parseForLog(raw), nil
	}
}

func parseForLog(raw []byte) any {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	return v
}

func newBackOff(cfg Config) *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.RetryDelay
	bo.Multiplier = cfg.Multiplier
	bo.RandomizationFactor = 0
	bo.MaxInterval = time.Duration(1<<62 - 1)
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
