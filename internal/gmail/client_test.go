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

package gmail

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/bcem/autoresponder/internal/cache"
	"github.com/bcem/autoresponder/internal/models"
	"github.com/bcem/autoresponder/internal/tokenstore"
)

type staticSources struct{}

func (staticSources) TokenSource(context.Context, string) oauth2.TokenSource {
	return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "tok"})
}

type fakeGmail struct {
	lists    atomic.Int32
	fetches  atomic.Int32
	modified atomic.Int32
	sentRaw  atomic.Value
	sentTID  atomic.Value
}

func (f *fakeGmail) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /users/me/messages", func(w http.ResponseWriter, r *http.Request) {
		f.lists.Add(1)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, UnreadQuery, r.URL.Query().Get("q"))
		_, _ = w.Write([]byte(`{"messages":[{"id":"m1","threadId":"t1"},{"id":"gone","threadId":"t2"}]}`))
	})
	mux.HandleFunc("GET /users/me/messages/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.fetches.Add(1)
		if r.PathValue("id") != "m1" {
			http.Error(w, `{"error":{"code":404}}`, http.StatusNotFound)
			return
		}
		body := base64.RawURLEncoding.EncodeToString([]byte("Meu pedido 38495799 não chegou."))
		_, _ = w.Write([]byte(`{
			"id": "m1",
			"threadId": "t1",
			"snippet": "Meu pedido",
			"internalDate": "1770292800000",
			"payload": {
				"mimeType": "multipart/alternative",
				"headers": [
					{"name": "From", "value": "Maria Silva <maria@example.com>"},
					{"name": "To", "value": "suporte@loja.com"},
					{"name": "Subject", "value": "=?utf-8?q?Cad=C3=AA_meu_pedido?="},
					{"name": "Message-ID", "value": "<CAF1234@mail.example.com>"}
				],
				"parts": [
					{"mimeType": "text/html", "body": {"data": "PGI-aGk8L2I-"}},
					{"mimeType": "text/plain", "body": {"data": "` + body + `"}}
				]
			}
		}`))
	})
	mux.HandleFunc("POST /users/me/messages/{id}/modify", func(w http.ResponseWriter, r *http.Request) {
		f.modified.Add(1)
		var in map[string][]string
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		assert.Equal(t, []string{"UNREAD"}, in["removeLabelIds"])
		_, _ = w.Write([]byte(`{}`))
	})
	mux.HandleFunc("POST /users/me/messages/send", func(w http.ResponseWriter, r *http.Request) {
		var in map[string]string
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		f.sentRaw.Store(in["raw"])
		f.sentTID.Store(in["threadId"])
		_, _ = w.Write([]byte(`{"id":"sent-1"}`))
	})
	return mux
}

func newTestClient(t *testing.T, f *fakeGmail) *Client {
	t.Helper()
	srv := httptest.NewServer(f.handler(t))
	t.Cleanup(srv.Close)

	messages := cache.New[models.Email](cache.WithSweepInterval(0))
	lists := cache.New[[]string](cache.WithSweepInterval(0))
	t.Cleanup(messages.Close)
	t.Cleanup(lists.Close)

	return NewClient(Config{
		BaseURL:  srv.URL,
		Tokens:   staticSources{},
		Messages: messages,
		Lists:    lists,
	})
}

func TestFetchInboxMessages(t *testing.T) {
	f := &fakeGmail{}
	c := newTestClient(t, f)

	emails, err := c.FetchInboxMessages(context.Background(), "suporte@loja.com", 10)
	require.NoError(t, err)
	require.Len(t, emails, 1, "deleted messages are skipped")

	e := emails[0]
	assert.Equal(t, "m1", e.ID)
	assert.Equal(t, "maria@example.com", e.From)
	assert.Equal(t, "suporte@loja.com", e.To)
	assert.Equal(t, "Cadê meu pedido", e.Subject)
	assert.Equal(t, "Meu pedido 38495799 não chegou.", e.Body)
	assert.Equal(t, "t1", e.ThreadID)
	assert.Equal(t, "<CAF1234@mail.example.com>", e.MessageID)
	assert.Equal(t, "suporte@loja.com", e.Mailbox)
	assert.Equal(t, time.Unix(1770292800, 0).UTC(), e.ReceivedAt)
}

func TestFetchInboxMessagesUsesCache(t *testing.T) {
	f := &fakeGmail{}
	c := newTestClient(t, f)
	ctx := context.Background()

	_, err := c.FetchInboxMessages(ctx, "suporte@loja.com", 10)
	require.NoError(t, err)
	_, err = c.FetchInboxMessages(ctx, "suporte@loja.com", 10)
	require.NoError(t, err)

	assert.Equal(t, int32(1), f.lists.Load())
	// m1 is cached; the missing message is asked for each time.
	assert.Equal(t, int32(3), f.fetches.Load())
}

func TestMarkReadInvalidatesListing(t *testing.T) {
	f := &fakeGmail{}
	c := newTestClient(t, f)
	ctx := context.Background()

	_, err := c.FetchInboxMessages(ctx, "suporte@loja.com", 10)
	require.NoError(t, err)
	require.NoError(t, c.MarkRead(ctx, "suporte@loja.com", "m1"))
	_, err = c.FetchInboxMessages(ctx, "suporte@loja.com", 10)
	require.NoError(t, err)

	assert.Equal(t, int32(1), f.modified.Load())
	assert.Equal(t, int32(2), f.lists.Load())
}

func TestCachedMessagesAreScopedToMailbox(t *testing.T) {
	f := &fakeGmail{}
	c := newTestClient(t, f)
	ctx := context.Background()

	a, err := c.FetchMessage(ctx, "suporte@loja.com", "m1")
	require.NoError(t, err)
	b, err := c.FetchMessage(ctx, "vendas@loja.com", "m1")
	require.NoError(t, err)

	assert.Equal(t, int32(2), f.fetches.Load(), "same id in another mailbox is fetched again")
	assert.Equal(t, "suporte@loja.com", a.Mailbox)
	assert.Equal(t, "vendas@loja.com", b.Mailbox)

	_, err = c.FetchMessage(ctx, "vendas@loja.com", "m1")
	require.NoError(t, err)
	assert.Equal(t, int32(2), f.fetches.Load())
}

func TestSendReply(t *testing.T) {
	f := &fakeGmail{}
	c := newTestClient(t, f)

	id, err := c.SendReply(context.Background(), "suporte@loja.com", models.Reply{
		To:      "maria@example.com",
		Subject: "Re: Cadê meu pedido",
		Body:    "Olá Maria,\njá foi enviado.",
	})
	require.NoError(t, err)
	assert.Equal(t, "sent-1", id)

	raw, err := base64.URLEncoding.DecodeString(f.sentRaw.Load().(string))
	require.NoError(t, err)
	msg := string(raw)
	assert.Contains(t, msg, "To: maria@example.com\r\n")
	assert.Contains(t, msg, "Subject: =?utf-8?q?")
	assert.NotContains(t, msg, "In-Reply-To")
	assert.True(t, strings.HasSuffix(msg, "\r\n\r\nOlá Maria,\r\njá foi enviado."))
	assert.Equal(t, "", f.sentTID.Load())
}

func TestSendReplyThreadsConversation(t *testing.T) {
	f := &fakeGmail{}
	c := newTestClient(t, f)
	ctx := context.Background()

	original, err := c.FetchMessage(ctx, "suporte@loja.com", "m1")
	require.NoError(t, err)

	_, err = c.SendReply(ctx, "suporte@loja.com", original.ReplyWith("Re: Cadê meu pedido", "Já foi enviado."))
	require.NoError(t, err)

	assert.Equal(t, "t1", f.sentTID.Load())
	raw, err := base64.URLEncoding.DecodeString(f.sentRaw.Load().(string))
	require.NoError(t, err)
	msg := string(raw)
	assert.Contains(t, msg, "To: maria@example.com\r\n")
	assert.Contains(t, msg, "In-Reply-To: <CAF1234@mail.example.com>\r\n")
	assert.Contains(t, msg, "References: <CAF1234@mail.example.com>\r\n")
}

func TestSendReplyRejectsBadRecipient(t *testing.T) {
	c := newTestClient(t, &fakeGmail{})
	_, err := c.SendReply(context.Background(), "suporte@loja.com", models.Reply{To: "not an address", Subject: "s", Body: "b"})
	assert.Error(t, err)
}

func TestUnauthorizedMapsToAuthRequired(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, Tokens: staticSources{}})
	err := c.MarkRead(context.Background(), "suporte@loja.com", "m1")
	assert.ErrorIs(t, err, tokenstore.ErrAuthRequired)
}
