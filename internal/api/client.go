// Package api is the client for the REST boundary: message pages, sends,
// reply threads and read marks.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/chatsync/internal/auth"
	"github.com/chatsync/internal/logger"
	"github.com/chatsync/internal/model"
)

// Client calls the chat REST API with a bearer credential.
type Client struct {
	baseURL    string
	tokens     auth.TokenSource
	httpClient *http.Client
}

// NewClient creates a client. httpClient may be nil.
func NewClient(baseURL string, tokens auth.TokenSource, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		tokens:     tokens,
		httpClient: httpClient,
	}
}

// Page is one page of history, ascending by SentAt.
type Page struct {
	Messages []model.Message
	HasMore  bool
}

// PageResponse is the wire body of a message page.
type PageResponse struct {
	Messages []model.MessageDTO `json:"messages"`
	HasMore  bool               `json:"has_more"`
}

// SendRequest is the body of a send. ClientTempID is echoed back by servers that support it.
type SendRequest struct {
	ClientTempID string `json:"client_temp_id,omitempty"`
	Text         string `json:"text,omitempty"`
	ImageURL     string `json:"image_url,omitempty"`
	ReplyToID    string `json:"reply_to_id,omitempty"`
}

// Thread is an anchor message with its replies, ascending by SentAt.
type Thread struct {
	Original model.Message
	Replies  []model.Message
}

// ThreadResponse is the wire body of a reply thread.
type ThreadResponse struct {
	OriginalMessage model.MessageDTO   `json:"original_message"`
	Replies         []model.MessageDTO `json:"replies"`
}

// ConversationPath is the REST prefix for conv: direct chats and event chats live under different roots.
func ConversationPath(conv model.Conversation) string {
	if conv.Kind == model.KindEvent {
		return "/api/events/" + url.PathEscape(conv.ID) + "/chat"
	}
	return "/api/chats/" + url.PathEscape(conv.ID)
}

// FetchMessages returns up to limit messages strictly before before (or the
// latest page when before is nil). Entries that fail validation are logged and dropped.
func (c *Client) FetchMessages(ctx context.Context, conv model.Conversation, before *time.Time, limit int) (Page, error) {
	defer logger.DeferLogDuration("api.FetchMessages", time.Now())()
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	if before != nil {
		q.Set("before", before.UTC().Format(time.RFC3339Nano))
	}
	var resp PageResponse
	if err := c.do(ctx, http.MethodGet, ConversationPath(conv)+"/messages?"+q.Encode(), nil, &resp); err != nil {
		return Page{}, fmt.Errorf("api.FetchMessages: %w", err)
	}
	msgs, errs := model.ToMessages(resp.Messages)
	for _, err := range errs {
		logger.Errorf("api.FetchMessages conversation=%s: drop entry: %v", conv.ID, err)
	}
	return Page{Messages: msgs, HasMore: resp.HasMore}, nil
}

// SendMessage posts a message and returns the server-confirmed copy.
func (c *Client) SendMessage(ctx context.Context, conv model.Conversation, req SendRequest) (model.Message, error) {
	defer logger.DeferLogDuration("api.SendMessage", time.Now())()
	var dto model.MessageDTO
	if err := c.do(ctx, http.MethodPost, ConversationPath(conv)+"/messages", req, &dto); err != nil {
		return model.Message{}, fmt.Errorf("api.SendMessage: %w", err)
	}
	m, err := dto.ToMessage()
	if err != nil {
		return model.Message{}, fmt.Errorf("api.SendMessage: %w", err)
	}
	if m.ClientTempID == "" {
		m.ClientTempID = req.ClientTempID
	}
	return m, nil
}

// FetchReplies returns the thread anchored at messageID.
func (c *Client) FetchReplies(ctx context.Context, messageID string) (Thread, error) {
	defer logger.DeferLogDuration("api.FetchReplies", time.Now())()
	var resp ThreadResponse
	if err := c.do(ctx, http.MethodGet, "/api/messages/"+url.PathEscape(messageID)+"/replies", nil, &resp); err != nil {
		return Thread{}, fmt.Errorf("api.FetchReplies: %w", err)
	}
	orig, err := resp.OriginalMessage.ToMessage()
	if err != nil {
		return Thread{}, fmt.Errorf("api.FetchReplies: original: %w", err)
	}
	replies, errs := model.ToMessages(resp.Replies)
	for _, err := range errs {
		logger.Errorf("api.FetchReplies message=%s: drop reply: %v", messageID, err)
	}
	return Thread{Original: orig, Replies: replies}, nil
}

// MarkRead marks every message in conv as read by the caller.
func (c *Client) MarkRead(ctx context.Context, conv model.Conversation) error {
	if err := c.do(ctx, http.MethodPost, ConversationPath(conv)+"/read", nil, nil); err != nil {
		return fmt.Errorf("api.MarkRead: %w", err)
	}
	return nil
}

type errorResponse struct {
	Error string `json:"error"`
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	token, err := c.tokens.AccessToken(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", model.ErrAuthExpired, err)
	}
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return fmt.Errorf("%w: %v", model.ErrTransientNetwork, err)
	}
	defer resp.Body.Close()

	if err := statusError(resp); err != nil {
		return err
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &model.PayloadError{Event: method + " " + path, Err: err}
	}
	return nil
}

func statusError(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	var er errorResponse
	_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&er)
	msg := er.Error
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return fmt.Errorf("%w: %s", model.ErrAuthExpired, msg)
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", model.ErrNotFound, msg)
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		return fmt.Errorf("%w: status %d: %s", model.ErrTransientNetwork, resp.StatusCode, msg)
	default:
		return fmt.Errorf("status %d: %s", resp.StatusCode, msg)
	}
}
