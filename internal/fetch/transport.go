package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// ErrResponseTooLarge is returned when a response body exceeds the
// configured limit.
var ErrResponseTooLarge = errors.New("response body exceeds limit")

// Request is one outbound HTTP request derived from a traced call.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// Response is a fully read HTTP response.
type Response struct {
	Status     int
	StatusText string
	Header     http.Header
	Body       []byte
}

// Transport performs outbound requests. Implementations must be safe for
// concurrent use.
type Transport interface {
	Do(ctx context.Context, req *Request) (*Response, error)
}

// HTTPTransport is a Transport backed by a shared *http.Client.
type HTTPTransport struct {
	client       *http.Client
	maxBodyBytes int64
}

// NewHTTPTransport wraps client. Bodies larger than maxBodyBytes fail with
// ErrResponseTooLarge.
func NewHTTPTransport(client *http.Client, maxBodyBytes int64) *HTTPTransport {
	return &HTTPTransport{client: client, maxBodyBytes: maxBodyBytes}
}

// NewClient builds the process-wide outbound client: credential injection
// for configured hosts, OpenTelemetry spans, and a per-request timeout.
func NewClient(opts Options) *http.Client {
	base := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   opts.MaxConcurrency,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}

	var rt http.RoundTripper = base
	if creds := loadCredentials(opts.Credentials); len(creds) > 0 {
		rt = &credentialTransport{next: rt, creds: creds}
	}

	return &http.Client{
		Transport: otelhttp.NewTransport(rt,
			otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
				return "fetch " + r.Method
			}),
		),
		Timeout: opts.Timeout,
		// Redirects are not followed; the 3xx response is the envelope.
		// Following them would dispatch to hosts the policy never checked.
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// Do sends req and reads the whole response body.
func (t *HTTPTransport) Do(ctx context.Context, req *Request) (*Response, error) {
	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, t.maxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if int64(len(data)) > t.maxBodyBytes {
		return nil, fmt.Errorf("%w (%d bytes)", ErrResponseTooLarge, t.maxBodyBytes)
	}

	return &Response{
		Status:     resp.StatusCode,
		StatusText: reasonPhrase(resp),
		Header:     resp.Header,
		Body:       data,
	}, nil
}

// reasonPhrase extracts the text after the status code, falling back to
// the standard phrase when the server sent none.
func reasonPhrase(resp *http.Response) string {
	phrase := strings.TrimSpace(strings.TrimPrefix(resp.Status, strconv.Itoa(resp.StatusCode)))
	if phrase == "" {
		phrase = http.StatusText(resp.StatusCode)
	}
	return phrase
}
