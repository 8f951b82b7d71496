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
	"bytes"
	"encoding/base64"
	"fmt"
	"mime"
	"net/mail"
	"strconv"
	"strings"
	"time"

	"github.com/bcem/autoresponder/internal/models"
)

// apiMessage represents the relevant fields of a Gmail message resource.
type apiMessage struct {
	ID           string     `json:"id"`
	ThreadID     string     `json:"threadId"`
	LabelIDs     []string   `json:"labelIds"`
	Snippet      string     `json:"snippet"`
	InternalDate string     `json:"internalDate"`
	Payload      apiPayload `json:"payload"`
}

type apiPayload struct {
	MimeType string `json:"mimeType"`
	Headers  []struct {
		Name  string `json:"name"`
		Value string `json:"value"`
	} `json:"headers"`
	Body struct {
		Size int    `json:"size"`
		Data string `json:"data"`
	} `json:"body"`
	Parts []apiPayload `json:"parts"`
}

func (p apiPayload) header(name string) string {
	for _, h := range p.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

// parseMessage converts a Gmail message into an Email owned by mailbox.
func parseMessage(msg apiMessage, mailbox string) (*models.Email, error) {
	from := addressOnly(msg.Payload.header("From"))
	if from == "" {
		return nil, fmt.Errorf("message %s has no sender", msg.ID)
	}
	to := addressOnly(msg.Payload.header("To"))
	if to == "" {
		to = mailbox
	}

	received := time.Now().UTC()
	if ms, err := strconv.ParseInt(msg.InternalDate, 10, 64); err == nil && ms > 0 {
		received = time.UnixMilli(ms).UTC()
	}

	body, err := plainText(msg.Payload)
	if err != nil {
		return nil, err
	}
	if body == "" {
		body = msg.Snippet
	}

	dec := new(mime.WordDecoder)
	subject := msg.Payload.header("Subject")
	if s, err := dec.DecodeHeader(subject); err == nil {
		subject = s
	}

	return &models.Email{
		ID:         msg.ID,
		From:       from,
		To:         to,
		Subject:    subject,
		Body:       body,
		ReceivedAt: received,
		ThreadID:   msg.ThreadID,
		MessageID:  strings.TrimSpace(msg.Payload.header("Message-ID")),
		Mailbox:    mailbox,
	}, nil
}

// plainText returns the first text/plain body in p, depth first.
func plainText(p apiPayload) (string, error) {
	if strings.HasPrefix(p.MimeType, "text/plain") && p.Body.Data != "" {
		return decodeBody(p.Body.Data)
	}
	for _, part := range p.Parts {
		s, err := plainText(part)
		if err != nil || s != "" {
			return s, err
		}
	}
	return "", nil
}

func decodeBody(data string) (string, error) {
	b, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(data, "="))
	if err != nil {
		return "", fmt.Errorf("decode body: %w", err)
	}
	return string(b), nil
}

func addressOnly(h string) string {
	if h == "" {
		return ""
	}
	addrs, err := mail.ParseAddressList(h)
	if err != nil || len(addrs) == 0 {
		return strings.TrimSpace(h)
	}
	return addrs[0].Address
}

// buildMessage renders a minimal RFC 5322 plain text message. A reply to a
// known Message-ID carries In-Reply-To and References so mail clients
// thread it.
func buildMessage(reply models.Reply) ([]byte, error) {
	if _, err := mail.ParseAddress(reply.To); err != nil {
		return nil, fmt.Errorf("invalid recipient %q: %w", reply.To, err)
	}
	var b bytes.Buffer
	fmt.Fprintf(&b, "To: %s\r\n", reply.To)
	fmt.Fprintf(&b, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", reply.Subject))
	if id := strings.TrimSpace(reply.InReplyTo); id != "" && !strings.ContainsAny(id, "\r\n") {
		fmt.Fprintf(&b, "In-Reply-To: %s\r\n", id)
		fmt.Fprintf(&b, "References: %s\r\n", id)
	}
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=\"UTF-8\"\r\n")
	b.WriteString("Content-Transfer-Encoding: 8bit\r\n")
	b.WriteString("\r\n")
	body := strings.ReplaceAll(reply.Body, "\r\n", "\n")
	b.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))
	return b.Bytes(), nil
}
