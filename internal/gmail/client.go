// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package gmail reads a support mailbox and sends replies through the Gmail
// REST API. Requests carry the mailbox principal's bearer token from the
// token store.
package gmail

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/oauth2"

	"github.com/bcem/autoresponder/internal/cache"
	"github.com/bcem/autoresponder/internal/models"
	"github.com/bcem/autoresponder/internal/tokenstore"
)

// DefaultBaseURL is the Gmail API root.
const DefaultBaseURL = "https://gmail.googleapis.com/gmail/v1"

// UnreadQuery selects messages the poller has not handled yet.
const UnreadQuery = "is:unread in:inbox"

// TokenSources hands out a token source per mailbox principal.
type TokenSources interface {
	TokenSource(ctx context.Context, principalID string) oauth2.TokenSource
}

// Config configures a Client.
type Config struct {
	BaseURL    string
	Tokens     TokenSources
	HTTPClient *http.Client

	// Messages caches parsed messages by id. Lists caches inbox listings.
	// Either may be nil to disable caching.
	Messages *cache.Cache[models.Email]
	Lists    *cache.Cache[[]string]

	MessageTTL time.Duration
	ListTTL    time.Duration
}

// Client talks to the Gmail API on behalf of mailbox principals.
type Client struct {
	baseURL    string
	tokens     TokenSources
	base       http.RoundTripper
	timeout    time.Duration
	messages   *cache.Cache[models.Email]
	lists      *cache.Cache[[]string]
	messageTTL time.Duration
	listTTL    time.Duration
}

// NewClient creates a Gmail client.
func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.MessageTTL <= 0 {
		cfg.MessageTTL = time.Hour
	}
	if cfg.ListTTL <= 0 {
		cfg.ListTTL = 30 * time.Second
	}
	base := cfg.HTTPClient.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	return &Client{
		baseURL:    cfg.BaseURL,
		tokens:     cfg.Tokens,
		base:       base,
		timeout:    cfg.HTTPClient.Timeout,
		messages:   cfg.Messages,
		lists:      cfg.Lists,
		messageTTL: cfg.MessageTTL,
		listTTL:    cfg.ListTTL,
	}
}

// APIError is a non-2xx Gmail response.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("gmail API returned HTTP %d: %s", e.Status, e.Body)
}

// SendReply sends reply as a plain text message from the principal's
// mailbox and returns the new message id. A reply with a ThreadID is filed
// into that Gmail thread.
func (c *Client) SendReply(ctx context.Context, principalID string, reply models.Reply) (string, error) {
	raw, err := buildMessage(reply)
	if err != nil {
		return "", err
	}
	payload := map[string]string{"raw": base64.URLEncoding.EncodeToString(raw)}
	if reply.ThreadID != "" {
		payload["threadId"] = reply.ThreadID
	}

	var out struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, principalID, http.MethodPost, "/users/me/messages/send", payload, &out); err != nil {
		return "", fmt.Errorf("send message: %w", err)
	}

	slog.Info("message sent",
		"mailbox", principalID,
		"message_id", out.ID,
		"thread_id", reply.ThreadID,
	)
	return out.ID, nil
}

// FetchInboxMessages returns up to limit unread inbox messages, oldest
// listing order preserved. Messages that vanished between list and fetch
// are skipped.
func (c *Client) FetchInboxMessages(ctx context.Context, principalID string, limit int) ([]models.Email, error) {
	ids, err := c.listMessages(ctx, principalID, UnreadQuery, limit)
	if err != nil {
		return nil, err
	}

	emails := make([]models.Email, 0, len(ids))
	for _, id := range ids {
		e, err := c.FetchMessage(ctx, principalID, id)
		if err != nil {
			return emails, err
		}
		if e == nil {
			continue
		}
		emails = append(emails, *e)
	}
	return emails, nil
}

// FetchMessage retrieves one message. It returns (nil, nil) when the
// message no longer exists.
func (c *Client) FetchMessage(ctx context.Context, principalID, messageID string) (*models.Email, error) {
	key := "message:" + principalID + ":" + messageID
	if c.messages != nil {
		if e, ok := c.messages.Get(key); ok {
			return &e, nil
		}
	}

	var msg apiMessage
	err := c.do(ctx, principalID, http.MethodGet, "/users/me/messages/"+url.PathEscape(messageID)+"?format=full", nil, &msg)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
		slog.Warn("message not found (may have been deleted)",
			"mailbox", principalID,
			"message_id", messageID,
		)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetch message %s: %w", messageID, err)
	}

	e, err := parseMessage(msg, principalID)
	if err != nil {
		return nil, fmt.Errorf("parse message %s: %w", messageID, err)
	}
	if c.messages != nil {
		c.messages.Set(key, *e, c.messageTTL)
	}
	return e, nil
}

// MarkRead removes the UNREAD label so the message is not polled again.
func (c *Client) MarkRead(ctx context.Context, principalID, messageID string) error {
	payload := map[string][]string{"removeLabelIds": {"UNREAD"}}
	if err := c.do(ctx, principalID, http.MethodPost, "/users/me/messages/"+url.PathEscape(messageID)+"/modify", payload, nil); err != nil {
		return fmt.Errorf("mark read %s: %w", messageID, err)
	}
	if c.lists != nil {
		c.lists.DeletePrefix("list:" + principalID + ":")
	}
	return nil
}

func (c *Client) listMessages(ctx context.Context, principalID, query string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 50
	}
	key := "list:" + principalID + ":" + query
	if c.lists != nil {
		if ids, ok := c.lists.Get(key); ok {
			return ids, nil
		}
	}

	q := url.Values{}
	q.Set("q", query)
	q.Set("maxResults", strconv.Itoa(limit))

	var out struct {
		Messages []struct {
			ID       string `json:"id"`
			ThreadID string `json:"threadId"`
		} `json:"messages"`
	}
	if err := c.do(ctx, principalID, http.MethodGet, "/users/me/messages?"+q.Encode(), nil, &out); err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}

	ids := make([]string, 0, len(out.Messages))
	for _, m := range out.Messages {
		ids = append(ids, m.ID)
	}
	if c.lists != nil {
		c.lists.Set(key, ids, c.listTTL)
	}
	return ids, nil
}

func (c *Client) do(ctx context.Context, principalID, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient(ctx, principalID).Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("%w: gmail rejected token for %s", tokenstore.ErrAuthRequired, principalID)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{Status: resp.StatusCode, Body: string(bytes.TrimSpace(msg))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) httpClient(ctx context.Context, principalID string) *http.Client {
	return &http.Client{
		Timeout: c.timeout,
		Transport: &oauth2.Transport{
			Source: c.tokens.TokenSource(ctx, principalID),
			Base:   c.base,
		},
	}
}
