package real

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/opd-ai/courier/interfaces"
	"github.com/sirupsen/logrus"
	"github.com/valyala/fasthttp"
)

// Default transport settings.
const (
	DefaultRequestTimeout  = 10 * time.Second
	DefaultMaxConnsPerHost = 16
)

// HTTPTransport implements interfaces.Transport against the messaging
// server's JSON API:
//
//	POST   {base}/conversations/{conversation}/messages
//	PATCH  {base}/conversations/{conversation}/messages/{server_id}
//	DELETE {base}/conversations/{conversation}/messages/{server_id}
//	GET    {base}/health
//
// Every mutating request carries an Idempotency-Key header.
type HTTPTransport struct {
	client  *fasthttp.Client
	base    string
	token   string
	timeout time.Duration
}

// Option customizes an HTTPTransport.
type Option func(*HTTPTransport)

// WithDialer replaces the network dialer. Tests use it with an in-memory
// listener.
func WithDialer(dial func(addr string) (net.Conn, error)) Option {
	return func(t *HTTPTransport) {
		t.client.Dial = dial
	}
}

// NewHTTPTransport creates a transport for config.BaseURL.
func NewHTTPTransport(config *interfaces.TransportConfig, opts ...Option) (*HTTPTransport, error) {
	if config == nil || config.BaseURL == "" {
		return nil, errors.New("real: base URL is required")
	}
	u, err := url.Parse(config.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("real: invalid base URL %q", config.BaseURL)
	}

	timeout := time.Duration(config.RequestTimeout) * time.Millisecond
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	maxConns := config.MaxConnsPerHost
	if maxConns <= 0 {
		maxConns = DefaultMaxConnsPerHost
	}

	t := &HTTPTransport{
		client: &fasthttp.Client{
			Name:            "courier",
			MaxConnsPerHost: maxConns,
			ReadTimeout:     timeout,
			WriteTimeout:    timeout,
		},
		base:    strings.TrimRight(config.BaseURL, "/"),
		token:   config.AuthToken,
		timeout: timeout,
	}
	for _, opt := range opts {
		opt(t)
	}

	logrus.WithFields(logrus.Fields{
		"function":           "NewHTTPTransport",
		"base_url":           t.base,
		"timeout":            timeout.String(),
		"max_conns_per_host": maxConns,
	}).Info("Creating HTTP transport")
	return t, nil
}

func (t *HTTPTransport) messagesURL(conversationID string) string {
	return t.base + "/conversations/" + url.PathEscape(conversationID) + "/messages"
}

// Send implements interfaces.Transport.
func (t *HTTPTransport) Send(ctx context.Context, msg interfaces.OutboundMessage) (*interfaces.ServerMessage, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, &interfaces.TransportError{Message: "encode request", Err: err}
	}
	var ack interfaces.ServerMessage
	if err := t.do(ctx, fasthttp.MethodPost, t.messagesURL(msg.ConversationID), msg.IdempotencyKey, body, &ack); err != nil {
		return nil, err
	}
	logrus.WithFields(logrus.Fields{
		"function":  "HTTPTransport.Send",
		"client_id": msg.ClientID,
		"server_id": ack.ID,
	}).Debug("Message acknowledged")
	return &ack, nil
}

// Edit implements interfaces.Transport.
func (t *HTTPTransport) Edit(ctx context.Context, req interfaces.EditRequest) (*interfaces.ServerMessage, error) {
	body, err := json.Marshal(struct {
		Content string `json:"content"`
	}{req.Content})
	if err != nil {
		return nil, &interfaces.TransportError{Message: "encode request", Err: err}
	}
	uri := t.messagesURL(req.ConversationID) + "/" + url.PathEscape(req.ServerID)
	var ack interfaces.ServerMessage
	if err := t.do(ctx, fasthttp.MethodPatch, uri, req.IdempotencyKey, body, &ack); err != nil {
		return nil, err
	}
	return &ack, nil
}

// Delete implements interfaces.Transport.
func (t *HTTPTransport) Delete(ctx context.Context, req interfaces.DeleteRequest) error {
	uri := t.messagesURL(req.ConversationID) + "/" + url.PathEscape(req.ServerID)
	return t.do(ctx, fasthttp.MethodDelete, uri, req.IdempotencyKey, nil, nil)
}

// Ping checks the server's health endpoint.
func (t *HTTPTransport) Ping(ctx context.Context) error {
	return t.do(ctx, fasthttp.MethodGet, t.base+"/health", "", nil, nil)
}

// do performs one request. It returns when the response arrived, the
// deadline passed or ctx was cancelled, whichever happens first.
func (t *HTTPTransport) do(ctx context.Context, method, uri, idemKey string, body []byte, out interface{}) error {
	if err := ctx.Err(); err != nil {
		return &interfaces.TransportError{Err: err}
	}
	deadline := time.Now().Add(t.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	req.SetRequestURI(uri)
	req.Header.SetMethod(method)
	req.Header.Set("Accept", "application/json")
	if idemKey != "" {
		req.Header.Set("Idempotency-Key", idemKey)
	}
	if t.token != "" {
		req.Header.Set("Authorization", "Bearer "+t.token)
	}
	if body != nil {
		req.Header.SetContentType("application/json")
		req.SetBody(body)
	}

	type result struct {
		status int
		body   []byte
		err    error
	}
	done := make(chan result, 1)
	go func() {
		defer fasthttp.ReleaseRequest(req)
		defer fasthttp.ReleaseResponse(resp)
		err := t.client.DoDeadline(req, resp, deadline)
		r := result{err: err}
		if err == nil {
			r.status = resp.StatusCode()
			r.body = append([]byte(nil), resp.Body()...)
		}
		done <- r
	}()

	var r result
	select {
	case <-ctx.Done():
		return &interfaces.TransportError{Err: ctx.Err()}
	case r = <-done:
	}

	if r.err != nil {
		if errors.Is(r.err, fasthttp.ErrTimeout) {
			return &interfaces.TransportError{Err: fmt.Errorf("%w: %v", context.DeadlineExceeded, r.err)}
		}
		logrus.WithFields(logrus.Fields{
			"function": "HTTPTransport.do",
			"method":   method,
			"uri":      uri,
			"error":    r.err.Error(),
		}).Debug("Request failed without response")
		return &interfaces.TransportError{Err: r.err}
	}

	if r.status < 200 || r.status >= 300 {
		return &interfaces.TransportError{StatusCode: r.status, Message: errorMessage(r.body)}
	}
	if out != nil && len(r.body) > 0 {
		if err := json.Unmarshal(r.body, out); err != nil {
			return &interfaces.TransportError{StatusCode: r.status, Message: "decode response", Err: err}
		}
	}
	return nil
}

// errorMessage extracts {"error": "..."} from a response body, falling back
// to the raw text.
func errorMessage(body []byte) string {
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &e) == nil && e.Error != "" {
		return e.Error
	}
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
