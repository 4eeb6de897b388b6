// Package transport is the HTTP collaborator for the tunnel service: it
// builds requests against the service endpoint, attaches the protocol
// version, request id and quota parameters, and classifies failures into
// the shared error taxonomy.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rrmina/tabletunnel/internal/config"
	"github.com/rrmina/tabletunnel/internal/errors"
)

const (
	// HeaderVersion carries the highest protocol version the client
	// speaks; the server echoes the negotiated version back.
	HeaderVersion   = "x-tunnel-version"
	HeaderRequestID = "x-tunnel-request-id"
	HeaderStream    = "x-tunnel-stream"

	// MaxProtocolVersion is the highest version this client implements.
	// Client metrics are only reported at MetricsProtocolVersion and up.
	MaxProtocolVersion     = 6
	MetricsProtocolVersion = 6

	paramQuota = "quotaName"
)

// Request is a service call before serialization. Query and Header may be
// nil.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Header http.Header
	Body   io.Reader
}

// Response is a successful service reply. The caller owns Body.
type Response struct {
	Status int
	Header http.Header
	Body   io.ReadCloser
}

// Interface is the transport seam; tests substitute a scripted fake.
type Interface interface {
	Do(ctx context.Context, req *Request) (*Response, error)
}

// Client is the production transport over net/http.
type Client struct {
	base  *url.URL
	quota string
	http  *http.Client
}

// NewClient builds a transport from the endpoint and quota configured in
// cfg. Deadlines come from request contexts, not a global client timeout.
func NewClient(cfg *config.Config) (*Client, error) {
	base, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("transport: parse endpoint %q: %w", cfg.Endpoint, err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, errors.NewValidationError(errors.CodeBadArgument,
			fmt.Sprintf("endpoint %q is not an http(s) URL", cfg.Endpoint))
	}
	return &Client{
		base:  base,
		quota: cfg.QuotaName,
		http: &http.Client{
			Transport: &http.Transport{
				DialContext:         (&net.Dialer{Timeout: 30 * time.Second}).DialContext,
				MaxIdleConnsPerHost: 16,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}, nil
}

// Do executes one service call. Network failures and 5xx replies map to
// retryable transport errors; 4xx replies map to fatal protocol errors.
func (c *Client) Do(ctx context.Context, req *Request) (*Response, error) {
	u := *c.base
	u.Path = strings.TrimSuffix(u.Path, "/") + req.Path
	q := url.Values{}
	for k, vs := range req.Query {
		q[k] = vs
	}
	if c.quota != "" && q.Get(paramQuota) == "" {
		q.Set(paramQuota, c.quota)
	}
	u.RawQuery = q.Encode()

	hreq, err := http.NewRequestWithContext(ctx, req.Method, u.String(), req.Body)
	if err != nil {
		return nil, fmt.Errorf("transport: build request: %w", err)
	}
	for k, vs := range req.Header {
		hreq.Header[k] = vs
	}
	hreq.Header.Set(HeaderVersion, fmt.Sprint(MaxProtocolVersion))
	hreq.Header.Set(HeaderRequestID, uuid.NewString())

	hres, err := c.http.Do(hreq)
	if err != nil {
		return nil, errors.NewTransportError(errors.CodeConnectionFailed,
			fmt.Sprintf("%s %s", req.Method, req.Path), err)
	}
	if hres.StatusCode >= 400 {
		defer hres.Body.Close()
		return nil, classifyStatus(hres, req)
	}
	return &Response{Status: hres.StatusCode, Header: hres.Header, Body: hres.Body}, nil
}

// serviceError is the JSON error body the service returns.
type serviceError struct {
	Code      string `json:"Code"`
	Message   string `json:"Message"`
	RequestID string `json:"RequestId"`
}

func classifyStatus(hres *http.Response, req *Request) error {
	body, _ := io.ReadAll(io.LimitReader(hres.Body, 16<<10))
	var se serviceError
	msg := fmt.Sprintf("%s %s: status %d", req.Method, req.Path, hres.StatusCode)
	if err := json.Unmarshal(body, &se); err == nil && se.Code != "" {
		msg = fmt.Sprintf("%s: %s: %s (request id %s)", msg, se.Code, se.Message, se.RequestID)
	} else if len(body) > 0 {
		msg = fmt.Sprintf("%s: %s", msg, strings.TrimSpace(string(body)))
	}

	switch {
	case hres.StatusCode == http.StatusTooManyRequests || hres.StatusCode == http.StatusServiceUnavailable:
		return errors.NewTransportError(errors.CodeServerBusy, msg, nil)
	case hres.StatusCode >= 500:
		return errors.NewTransportError(errors.CodeConnectionFailed, msg, nil)
	default:
		return errors.NewProtocolError(errors.CodeRequestRejected, msg)
	}
}

// ReadJSON decodes a response body into v and closes it.
func ReadJSON(res *Response, v interface{}) error {
	defer res.Body.Close()
	if err := json.NewDecoder(res.Body).Decode(v); err != nil {
		return errors.NewProtocolError(errors.CodeBadResponse,
			fmt.Sprintf("decode response body: %v", err))
	}
	return nil
}
