package tweetvault

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
)

const Version = "0.1"

const userAgent = "TweetVault/" + Version + " (+https://github.com/quailyard/tweetvault)"

// Public bearer used by the legacy web client for guest sessions. Only
// needed for card/poll iframes and video; plain search pages are served
// without any authorization.
const bearerToken = "AAAAAAAAAAAAAAAAAAAAAPYXBAAAAAAACLXUNDekMxqa8h%2F40K4moUkGsoc%3DTYfbDKbT3jJPCEVnMYqilB28NHfOPqkca3qaAxGfsyKCs0wRbw"

// Response bodies stream to sinks in bounded chunks.
const sinkChunkSize = 3 * 1024 * 1024

// Client is the process-wide HTTP session. All fetches share one
// connection pool; Close must run exactly once at shutdown, including on
// error paths.
type Client struct {
	http       *http.Client
	noRedirect *http.Client
	logger     *slog.Logger

	baseURL    string
	apiBaseURL string

	maxRetries uint64
	guestToken string

	closeOnce sync.Once
}

type ClientArgs struct {
	Logger     *slog.Logger
	MaxRetries int
	Timeout    time.Duration

	// BaseURL and APIBaseURL override the site endpoints, used by tests.
	BaseURL    string
	APIBaseURL string
}

func NewClient(args *ClientArgs) *Client {
	if args == nil {
		args = &ClientArgs{}
	}
	if args.Logger == nil {
		args.Logger = slog.Default()
	}
	if args.MaxRetries <= 0 {
		args.MaxRetries = 3
	}
	if args.Timeout <= 0 {
		args.Timeout = 15 * time.Second
	}
	if args.BaseURL == "" {
		args.BaseURL = "https://twitter.com"
	}
	if args.APIBaseURL == "" {
		args.APIBaseURL = "https://api.twitter.com"
	}

	transport := &http.Transport{}

	return &Client{
		http: &http.Client{
			Timeout:   args.Timeout,
			Transport: transport,
		},
		noRedirect: &http.Client{
			Timeout:   args.Timeout,
			Transport: transport,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger:     args.Logger.With("component", "transport"),
		baseURL:    args.BaseURL,
		apiBaseURL: args.APIBaseURL,
		maxRetries: uint64(args.MaxRetries),
	}
}

// Close releases the connection pool. Safe to call more than once.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.http.CloseIdleConnections()
	})
}

// BaseURL returns the site root the client is pointed at.
func (c *Client) BaseURL() string { return c.baseURL }

// FetchRequest describes one fetch. Headers are applied on top of the
// session's fixed identity.
type FetchRequest struct {
	URL        string
	Method     string
	Headers    map[string]string
	NoRedirect bool
}

func (c *Client) newRequest(ctx context.Context, freq FetchRequest) (*http.Request, error) {
	method := freq.Method
	if method == "" {
		method = http.MethodGet
	}

	req, err := http.NewRequestWithContext(ctx, method, freq.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("building request for %s: %w", freq.URL, err)
	}

	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept-Language", "en-US,en;q=0.5")
	req.Header.Set("x-twitter-client-language", "en")
	if c.guestToken != "" {
		req.Header.Set("Authorization", "Bearer "+bearerToken)
		req.Header.Set("x-guest-token", c.guestToken)
	}
	for k, v := range freq.Headers {
		req.Header.Set(k, v)
	}

	return req, nil
}

// do issues the request, retrying timeouts and 5xx responses with
// exponential backoff (2s, 4s, 8s, ...). Client errors fail immediately
// and connection-establishment failures are fatal without retry.
func (c *Client) do(ctx context.Context, freq FetchRequest) (*http.Response, error) {
	backoff := retry.WithMaxRetries(c.maxRetries, retry.NewExponential(2*time.Second))

	httpClient := c.http
	if freq.NoRedirect {
		httpClient = c.noRedirect
	}

	var resp *http.Response
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		req, err := c.newRequest(ctx, freq)
		if err != nil {
			return err
		}

		r, err := httpClient.Do(req)
		if err != nil {
			terr := &TransportError{URL: freq.URL, Err: err}

			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				c.logger.Warn("request timed out, retrying", "url", freq.URL)
				transportRetries.Inc()
				return retry.RetryableError(terr)
			}

			var operr *net.OpError
			if errors.As(err, &operr) && operr.Op == "dial" {
				// Client-side connection failure, retrying won't help.
				return terr
			}

			c.logger.Warn("request failed, retrying", "url", freq.URL, "error", err)
			transportRetries.Inc()
			return retry.RetryableError(terr)
		}

		if r.StatusCode >= 500 {
			drain(r)
			c.logger.Warn("server error, retrying", "url", freq.URL, "status", r.StatusCode)
			transportRetries.Inc()
			return retry.RetryableError(&TransportError{URL: freq.URL, Status: r.StatusCode})
		}
		if r.StatusCode >= 400 {
			drain(r)
			return &TransportError{URL: freq.URL, Status: r.StatusCode}
		}

		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}

	return resp, nil
}

// Fetch returns the response body as a string.
func (c *Client) Fetch(ctx context.Context, freq FetchRequest) (string, error) {
	resp, err := c.do(ctx, freq)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &TransportError{URL: freq.URL, Err: err}
	}

	return string(b), nil
}

// FetchResponse returns the raw response for callers that need headers,
// e.g. redirect-disabled link resolution. The caller owns the body.
func (c *Client) FetchResponse(ctx context.Context, freq FetchRequest) (*http.Response, error) {
	return c.do(ctx, freq)
}

// FetchToSink streams the response body to sink in bounded chunks while
// computing an md5 content hash and byte count. The byte count must
// match the declared content length.
func (c *Client) FetchToSink(ctx context.Context, freq FetchRequest, sink io.Writer) (string, int64, error) {
	resp, err := c.do(ctx, freq)
	if err != nil {
		return "", 0, err
	}
	defer resp.Body.Close()

	hash := md5.New()
	buf := make([]byte, sinkChunkSize)
	size, err := io.CopyBuffer(io.MultiWriter(sink, hash), resp.Body, buf)
	if err != nil {
		return "", 0, &TransportError{URL: freq.URL, Err: err}
	}

	if resp.ContentLength >= 0 && size != resp.ContentLength {
		return "", 0, integrityErrf(0, "downloaded %d bytes from %s, content-length declared %d", size, freq.URL, resp.ContentLength)
	}

	mediaBytes.Add(float64(size))

	return hex.EncodeToString(hash.Sum(nil)), size, nil
}

// BootstrapGuestToken performs the one-time guest session activation.
// Without it, card iframes and video pages reject authorized requests, so
// a missing token in the response is fatal.
func (c *Client) BootstrapGuestToken(ctx context.Context) error {
	c.guestToken = "" // bearer must not be sent on the activation call itself

	body, err := c.Fetch(ctx, FetchRequest{
		URL:    c.apiBaseURL + "/1.1/guest/activate.json",
		Method: http.MethodPost,
		Headers: map[string]string{
			"Authorization": "Bearer " + bearerToken,
		},
	})
	if err != nil {
		return fmt.Errorf("guest token activation: %w", err)
	}

	var payload struct {
		GuestToken string `json:"guest_token"`
	}
	if err := json.Unmarshal([]byte(body), &payload); err != nil {
		return fmt.Errorf("guest token activation: decoding response: %w", err)
	}
	if payload.GuestToken == "" {
		return fmt.Errorf("guest token activation: response carried no guest_token: %s", strings.TrimSpace(body))
	}

	c.logger.Debug("guest token acquired", "token", payload.GuestToken)
	c.guestToken = payload.GuestToken

	return nil
}

func drain(r *http.Response) {
	io.Copy(io.Discard, r.Body)
	r.Body.Close()
}
