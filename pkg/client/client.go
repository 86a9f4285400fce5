// Package client talks to a lorachat relay over its HTTP API and keeps a
// local, disposable mirror of the conversation.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"lorachat/pkg/client/types"

	"github.com/sirupsen/logrus"
)

// IdentityHeader is sent when the relay runs in header auth mode.
const IdentityHeader = "X-Lorachat-Identity"

// APIVersion is the relay API version this client was written against.
const APIVersion = "1.0.0"

// APIError is a non-2xx answer from the relay.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	RequestID  string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("lorachat API error: status %d", e.StatusCode)
	}
	return fmt.Sprintf("lorachat API error: status %d, %s: %s", e.StatusCode, e.Code, e.Message)
}

type Client struct {
	baseURL   string
	client    *http.Client
	stream    *http.Client
	authToken string
	identity  string
	logger    *logrus.Logger
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.client = c }
}

// WithBearerToken authenticates with a JWT or peer token.
func WithBearerToken(token string) Option {
	return func(cl *Client) { cl.authToken = token }
}

// WithIdentity sets the identity header for relays in header auth mode.
func WithIdentity(identity string) Option {
	return func(cl *Client) { cl.identity = identity }
}

func WithLogger(logger *logrus.Logger) Option {
	return func(cl *Client) { cl.logger = logger }
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{Timeout: 30 * time.Second},
		stream:  &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = logrus.New()
		c.logger.SetLevel(logrus.WarnLevel)
	}
	return c
}

// Send submits a message. Receipt.Created is false when the relay already knew it.
func (c *Client) Send(ctx context.Context, req types.SendRequest) (*types.Receipt, error) {
	var receipt types.Receipt
	if err := c.do(ctx, http.MethodPost, "/api/send", nil, req, &receipt); err != nil {
		return nil, err
	}
	return &receipt, nil
}

// Messages returns one page of the conversation after cursor.
func (c *Client) Messages(ctx context.Context, cursor string, limit int) (*types.MessagePage, error) {
	q := url.Values{}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var page types.MessagePage
	if err := c.do(ctx, http.MethodGet, "/api/messages", q, nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

func (c *Client) Message(ctx context.Context, id string) (*types.Message, error) {
	var msg types.Message
	if err := c.do(ctx, http.MethodGet, "/api/messages/"+url.PathEscape(id), nil, nil, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// Retry moves a failed message back to pending.
func (c *Client) Retry(ctx context.Context, id string) (*types.Message, error) {
	var msg types.Message
	if err := c.do(ctx, http.MethodPost, "/api/messages/"+url.PathEscape(id)+"/retry", nil, nil, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (c *Client) Status(ctx context.Context) (*types.Quality, error) {
	var q types.Quality
	if err := c.do(ctx, http.MethodGet, "/api/status", nil, nil, &q); err != nil {
		return nil, err
	}
	return &q, nil
}

// Sync asks the relay to flush its queue. With wait the call returns after the flush.
func (c *Client) Sync(ctx context.Context, wait bool) (*types.Quality, error) {
	var q url.Values
	if wait {
		q = url.Values{"wait": []string{"true"}}
	}
	var out types.Quality
	if err := c.do(ctx, http.MethodPost, "/api/sync", q, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Checksum asks the relay to mint the digest for a message it has not seen yet.
func (c *Client) Checksum(ctx context.Context, from, message string, timestamp int64) (string, error) {
	q := url.Values{
		"from":      []string{from},
		"message":   []string{message},
		"timestamp": []string{strconv.FormatInt(timestamp, 10)},
	}
	var out types.ChecksumResponse
	if err := c.do(ctx, http.MethodGet, "/api/checksum", q, nil, &out); err != nil {
		return "", err
	}
	return out.Checksum, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, query url.Values, body interface{}) (*http.Request, error) {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.authorize(req.Header)
	return req, nil
}

func (c *Client) authorize(h http.Header) {
	h.Set("Accept-Version", APIVersion)
	if c.authToken != "" {
		h.Set("Authorization", "Bearer "+c.authToken)
	}
	if c.identity != "" {
		h.Set(IdentityHeader, c.identity)
	}
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out interface{}) error {
	req, err := c.newRequest(ctx, method, path, query, body)
	if err != nil {
		return err
	}

	c.logger.WithFields(logrus.Fields{
		"method": method,
		"url":    path,
	}).Debug("Calling lorachat API")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeAPIError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	var body types.ErrorResponse
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if json.Unmarshal(data, &body) == nil {
		apiErr.Code = body.Error.Code
		apiErr.Message = body.Error.Message
		apiErr.RequestID = body.RequestID
	}
	return apiErr
}
