package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nkkko/msgselect/pkg/proto"
)

// Client is an HTTP client for the msgselect API
type Client struct {
	baseURL         string
	httpClient      *http.Client
	headers         http.Header
	websocketDialer *websocket.Dialer
	timeout         time.Duration
}

// ClientOption is a function that configures a Client
type ClientOption func(*Client)

// WithTimeout sets the request timeout
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.timeout = timeout
		c.httpClient.Timeout = timeout
	}
}

// WithHeaders sets additional HTTP headers
func WithHeaders(headers map[string]string) ClientOption {
	return func(c *Client) {
		for k, v := range headers {
			c.headers.Set(k, v)
		}
	}
}

// WithHTTPClient replaces the underlying HTTP client
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// New creates a new msgselect API client
func New(baseURL string, options ...ClientOption) *Client {
	headers := http.Header{}
	headers.Set("Content-Type", "application/json")

	client := &Client{
		baseURL:         strings.TrimRight(baseURL, "/"),
		httpClient:      &http.Client{Timeout: 10 * time.Second},
		headers:         headers,
		websocketDialer: websocket.DefaultDialer,
		timeout:         10 * time.Second,
	}

	for _, option := range options {
		option(client)
	}

	return client
}

// Error is a failed API call as reported by the server
type Error struct {
	StatusCode int    `json:"-"`
	Type       string `json:"type"`
	Code       string `json:"code"`
	Message    string `json:"message"`
	RequestID  string `json:"request_id,omitempty"`
}

func (e *Error) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("API error (%d) %s: %s", e.StatusCode, e.Code, e.Message)
}

// envelope mirrors the server's response wrapper
type envelope struct {
	Success   bool            `json:"success"`
	RequestID string          `json:"request_id"`
	Data      json.RawMessage `json:"data"`
	Error     *Error          `json:"error"`
}

// ListSelectors returns the names of the configured selectors
func (c *Client) ListSelectors(ctx context.Context) ([]string, error) {
	var response proto.ListSelectorsResponse
	if err := c.do(ctx, http.MethodGet, "/selectors", nil, &response); err != nil {
		return nil, err
	}
	return response.Selectors, nil
}

// GetSelection returns the current selection of a selector
func (c *Client) GetSelection(ctx context.Context, name string) (*proto.Selection, error) {
	var selection proto.Selection
	if err := c.do(ctx, http.MethodGet, "/selectors/"+url.PathEscape(name), nil, &selection); err != nil {
		return nil, err
	}
	return &selection, nil
}

// ListMessages returns the queue content
func (c *Client) ListMessages(ctx context.Context) ([]*proto.Message, error) {
	var response proto.ListMessagesResponse
	if err := c.do(ctx, http.MethodGet, "/messages", nil, &response); err != nil {
		return nil, err
	}
	return response.Messages, nil
}

// ReplaceMessages replaces the whole queue and returns the new size
func (c *Client) ReplaceMessages(ctx context.Context, messages []*proto.Message) (int, error) {
	var response proto.ReplaceMessagesResponse
	req := &proto.ReplaceMessagesRequest{Messages: messages}
	if err := c.do(ctx, http.MethodPut, "/messages", req, &response); err != nil {
		return 0, err
	}
	return response.Count, nil
}

// AddMessages appends messages, replacing those whose IDs already exist
func (c *Client) AddMessages(ctx context.Context, messages ...*proto.Message) error {
	req := &proto.ReplaceMessagesRequest{Messages: messages}
	return c.do(ctx, http.MethodPost, "/messages", req, nil)
}

// RemoveMessage deletes a message by ID
func (c *Client) RemoveMessage(ctx context.Context, id proto.MessageID) error {
	return c.do(ctx, http.MethodDelete, "/messages/"+url.PathEscape(string(id)), nil, nil)
}

// ResolveMessage marks a message as resolved and returns it
func (c *Client) ResolveMessage(ctx context.Context, id proto.MessageID) (*proto.Message, error) {
	var response proto.ResolveMessageResponse
	path := "/messages/" + url.PathEscape(string(id)) + "/resolve"
	if err := c.do(ctx, http.MethodPost, path, nil, &response); err != nil {
		return nil, err
	}
	return response.Message, nil
}

// Stream opens a websocket stream of a selector's selections. The current
// selection arrives first.
func (c *Client) Stream(ctx context.Context, name string) (*Subscription, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/selectors/" + url.PathEscape(name) + "/stream"

	header := http.Header{}
	for k, v := range c.headers {
		if k != "Content-Type" {
			header[k] = v
		}
	}

	conn, resp, err := c.websocketDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			return nil, decodeError(resp)
		}
		return nil, fmt.Errorf("failed to connect to stream: %w", err)
	}

	sub := &Subscription{
		Conn:       conn,
		Selections: make(chan *proto.Selection, 16),
		Done:       make(chan struct{}),
		selector:   name,
	}

	go sub.receive()

	return sub, nil
}

// do makes an HTTP request and decodes the envelope's data into out
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var bodyReader io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return err
	}

	for k, v := range c.headers {
		req.Header[k] = v
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}
	if resp.StatusCode == http.StatusNoContent || out == nil {
		return nil
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("failed to decode response data: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)

	var env envelope
	if err := json.Unmarshal(body, &env); err == nil && env.Error != nil {
		env.Error.StatusCode = resp.StatusCode
		return env.Error
	}

	return &Error{StatusCode: resp.StatusCode, Message: resp.Status}
}

// Subscription is a websocket stream of selections
type Subscription struct {
	Conn       *websocket.Conn
	Selections chan *proto.Selection
	Done       chan struct{}
	selector   string
}

// receive reads selections until the connection ends. When the consumer
// falls behind, the oldest undelivered selection is discarded.
func (s *Subscription) receive() {
	defer func() {
		close(s.Selections)
		close(s.Done)
		s.Conn.Close()
	}()

	for {
		_, message, err := s.Conn.ReadMessage()
		if err != nil {
			return
		}

		var selection proto.Selection
		if err := json.Unmarshal(message, &selection); err != nil {
			continue
		}

		for {
			select {
			case s.Selections <- &selection:
			default:
				select {
				case <-s.Selections:
				default:
				}
				continue
			}
			break
		}
	}
}

// Close closes the subscription
func (s *Subscription) Close() error {
	err := s.Conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))

	select {
	case <-s.Done:
	case <-time.After(time.Second):
		s.Conn.Close()
	}

	return err
}
