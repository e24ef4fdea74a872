// Package console provides the moderation console SDK for the Slotline
// booking platform.
//
// It covers the two hard subsystems of the operator panel: keeping a booking
// conversation consistent across optimistic local writes, push-channel deltas
// and full snapshot refetches, and passively observing live calls between the
// two booking participants.
//
// Example:
//
//	client := console.NewClient(token, console.WithBaseURL("https://api.slotline.dev"))
//	store := console.NewMessageStore("bk-1042", operator)
//	sync := console.NewSnapshotSync(client, store)
//	_ = sync.Refresh(ctx, console.RefreshSilent)
package console

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
)

const (
	// DefaultBaseURL is the production API origin.
	DefaultBaseURL = "https://api.slotline.dev"
	// DefaultTimeout bounds every HTTP request issued by the client.
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client is the HTTP API client for the console backend.
type Client struct {
	token      string
	baseURL    string
	operator   Identity
	httpClient *http.Client
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithBaseURL overrides the API origin.
func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithTimeout overrides the HTTP timeout.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

// WithHTTPClient supplies a custom *http.Client.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// WithOperator sets the signed-in operator identity. The identity is attached
// to optimistic entries and used for self-echo suppression.
func WithOperator(op Identity) ClientOption {
	return func(c *Client) { c.operator = op }
}

// NewClient creates a console API client authenticated with token.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken sets or updates the bearer token.
func (c *Client) SetToken(token string) {
	c.token = token
}

// Operator returns the signed-in operator identity.
func (c *Client) Operator() Identity {
	return c.operator
}

// BaseURL returns the configured API origin.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// PushURL returns the push-channel endpoint derived from the API origin.
func (c *Client) PushURL() string {
	u := strings.Replace(c.baseURL, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	if c.token != "" {
		return u + "/push?token=" + url.QueryEscape(c.token)
	}
	return u + "/push"
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	return io.ReadAll(resp.Body)
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}, query map[string]string) (*Result, error) {
	data, err := c.doRequest(ctx, method, path, body, query)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Result](data)
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// resultErr folds a non-OK envelope into a Go error.
func resultErr(r *Result, op string) error {
	if r.OK {
		return nil
	}
	if r.Error != nil {
		return fmt.Errorf("%s: %w", op, r.Error)
	}
	return fmt.Errorf("%s: request failed", op)
}

// ============================================================================
// Booking endpoints
// ============================================================================

// GetBooking fetches the full conversation snapshot for a booking.
func (c *Client) GetBooking(ctx context.Context, bookingID string) (*BookingSnapshot, error) {
	res, err := c.do(ctx, "GET", "/bookings/"+bookingID, nil, nil)
	if err != nil {
		return nil, err
	}
	if err := resultErr(res, "get booking"); err != nil {
		return nil, err
	}
	var snap BookingSnapshot
	if err := res.Decode(&snap); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	if snap.BookingID == "" {
		snap.BookingID = bookingID
	}
	return &snap, nil
}

// CommentPayload is the request body for creating or editing a comment.
type CommentPayload struct {
	Body       string     `json:"body,omitempty"`
	Attachment Attachment `json:"attachment,omitempty"`
	ReplyToID  string     `json:"replyToId,omitempty"`
}

// CreateComment creates a message in the booking conversation. The server
// responds with the updated full comment list.
func (c *Client) CreateComment(ctx context.Context, bookingID string, payload *CommentPayload) ([]*Message, error) {
	res, err := c.do(ctx, "POST", "/bookings/"+bookingID+"/comment", payload, nil)
	if err != nil {
		return nil, err
	}
	if err := resultErr(res, "create comment"); err != nil {
		return nil, err
	}
	var messages []*Message
	if err := res.Decode(&messages); err != nil {
		return nil, fmt.Errorf("failed to decode comment list: %w", err)
	}
	return messages, nil
}

// EditComment edits an existing message. The server responds with the updated
// full comment list.
func (c *Client) EditComment(ctx context.Context, bookingID, messageID string, payload *CommentPayload) ([]*Message, error) {
	res, err := c.do(ctx, "PATCH", "/bookings/"+bookingID+"/comment/"+messageID, payload, nil)
	if err != nil {
		return nil, err
	}
	if err := resultErr(res, "edit comment"); err != nil {
		return nil, err
	}
	var messages []*Message
	if err := res.Decode(&messages); err != nil {
		return nil, fmt.Errorf("failed to decode comment list: %w", err)
	}
	return messages, nil
}

// DeleteComment soft-deletes one message. The original content is preserved
// server-side for privileged viewers.
func (c *Client) DeleteComment(ctx context.Context, bookingID, messageID string) error {
	res, err := c.do(ctx, "DELETE", "/bookings/"+bookingID+"/comment/"+messageID, nil, nil)
	if err != nil {
		return err
	}
	return resultErr(res, "delete comment")
}

// BulkDeleteComments soft-deletes a selection of messages in one call.
func (c *Client) BulkDeleteComments(ctx context.Context, bookingID string, messageIDs []string) error {
	res, err := c.do(ctx, "DELETE", "/bookings/"+bookingID+"/comments", map[string]any{
		"messageIds": messageIDs,
	}, nil)
	if err != nil {
		return err
	}
	return resultErr(res, "bulk delete comments")
}

// StarComment sets or clears the operator's star on a message.
func (c *Client) StarComment(ctx context.Context, bookingID, messageID string, starred bool) error {
	res, err := c.do(ctx, "PATCH", "/bookings/"+bookingID+"/comment/"+messageID+"/star", map[string]any{
		"starred": starred,
	}, nil)
	if err != nil {
		return err
	}
	return resultErr(res, "star comment")
}

// ReactComment toggles the operator's emoji reaction on a message.
func (c *Client) ReactComment(ctx context.Context, bookingID, messageID, emoji string) error {
	res, err := c.do(ctx, "PATCH", "/bookings/"+bookingID+"/comment/"+messageID+"/react", map[string]any{
		"emoji": emoji,
	}, nil)
	if err != nil {
		return err
	}
	return resultErr(res, "react to comment")
}

// MarkCommentsRead marks messages as read by the operator.
func (c *Client) MarkCommentsRead(ctx context.Context, bookingID string, messageIDs []string) error {
	res, err := c.do(ctx, "PATCH", "/bookings/"+bookingID+"/comments/read", map[string]any{
		"messageIds": messageIDs,
	}, nil)
	if err != nil {
		return err
	}
	return resultErr(res, "mark comments read")
}

// ============================================================================
// Call endpoints
// ============================================================================

// CallHistory fetches the call records for an appointment, for merging into
// the conversation timeline.
func (c *Client) CallHistory(ctx context.Context, appointmentID string) ([]*CallRecord, error) {
	res, err := c.do(ctx, "GET", "/calls/history/"+appointmentID, nil, nil)
	if err != nil {
		return nil, err
	}
	if err := resultErr(res, "call history"); err != nil {
		return nil, err
	}
	var calls []*CallRecord
	if err := res.Decode(&calls); err != nil {
		return nil, fmt.Errorf("failed to decode call history: %w", err)
	}
	return calls, nil
}

// ============================================================================
// Auth gate
// ============================================================================

// ErrPasswordRejected is returned by VerifyPassword when the server rejects
// the re-entered password. Callers count these toward forced sign-out.
var ErrPasswordRejected = fmt.Errorf("password rejected")

// VerifyPassword re-checks the operator's password before unlocking a
// protected conversation view.
func (c *Client) VerifyPassword(ctx context.Context, password string) error {
	res, err := c.do(ctx, "POST", "/auth/verify-password", map[string]string{
		"password": password,
	}, nil)
	if err != nil {
		return err
	}
	if !res.OK {
		if res.Error != nil && res.Error.Code == "INVALID_PASSWORD" {
			return ErrPasswordRejected
		}
		return resultErr(res, "verify password")
	}
	return nil
}
