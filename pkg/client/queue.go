package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Queue is a single FMTP queue, addressed by its listing URL.
type Queue struct {
	url string
	t   *transport
}

// NewQueue addresses a queue directly by URL, e.g. "http://example.com/orders/".
func NewQueue(queueURL, credentials string, opts ...Option) *Queue {
	return &Queue{url: strings.TrimRight(queueURL, "/") + "/", t: newTransport(credentials, opts)}
}

// URL is the queue's listing URL, always with a trailing slash.
func (q *Queue) URL() string { return q.url }

// Entry is one pending message of a listing.
type Entry struct {
	URL       string
	CreatedAt time.Time
}

// Listing is a page of pending messages plus the server's polling guidance.
type Listing struct {
	MinRetryInterval time.Duration
	MaxRetryInterval time.Duration
	Messages         []Entry
}

// Message is a fetched message. Call Acknowledge once it has been processed.
type Message struct {
	URL         string
	ContentType string
	Body        []byte

	queue *Queue
}

// GUID is the last path segment of the message URL.
func (m *Message) GUID() string {
	return lastSegment(m.URL)
}

func (m *Message) Acknowledge(ctx context.Context) error {
	return m.queue.Acknowledge(ctx, m.URL)
}

// PostMessage creates a message. It returns ErrMessageExists or
// ErrMessageDeleted when the guid was used before.
func (q *Queue) PostMessage(ctx context.Context, guid, contentType string, body []byte) error {
	target := q.url + url.PathEscape(guid) + "/"
	if body == nil {
		body = []byte{}
	}
	header := map[string]string{}
	if contentType != "" {
		header["Content-Type"] = contentType
	}

	resp, data, err := q.t.do(ctx, http.MethodPost, target, body, header)
	if err != nil {
		return err
	}
	switch resp.StatusCode {
	case http.StatusCreated:
		return nil
	case http.StatusConflict:
		return fmt.Errorf("%w: %s", ErrMessageExists, target)
	case http.StatusGone:
		return fmt.Errorf("%w: %s", ErrMessageDeleted, target)
	}
	return statusError(http.MethodPost, target, resp, data)
}

// List fetches the current page of pending messages.
func (q *Queue) List(ctx context.Context) (*Listing, error) {
	resp, data, err := q.t.do(ctx, http.MethodGet, q.url, nil, map[string]string{"Accept": "application/json"})
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(http.MethodGet, q.url, resp, data)
	}

	var doc struct {
		MinRetryInterval *int64 `json:"min_retry_interval"`
		MaxRetryInterval *int64 `json:"max_retry_interval"`
		Messages         *[]struct {
			URL       string `json:"url"`
			CreatedAt string `json:"created_at"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, &FormatError{URL: q.url, Err: err}
	}
	if doc.Messages == nil {
		return nil, &FormatError{URL: q.url, Err: errors.New("missing messages")}
	}

	l := &Listing{Messages: make([]Entry, 0, len(*doc.Messages))}
	if doc.MinRetryInterval != nil {
		l.MinRetryInterval = time.Duration(*doc.MinRetryInterval) * time.Millisecond
	}
	if doc.MaxRetryInterval != nil {
		l.MaxRetryInterval = time.Duration(*doc.MaxRetryInterval) * time.Millisecond
	}
	for _, m := range *doc.Messages {
		if m.URL == "" {
			return nil, &FormatError{URL: q.url, Err: errors.New("message without url")}
		}
		e := Entry{URL: m.URL}
		if m.CreatedAt != "" {
			created, err := time.Parse(timeLayout, m.CreatedAt)
			if err != nil {
				return nil, &FormatError{URL: q.url, Err: err}
			}
			e.CreatedAt = created
		}
		l.Messages = append(l.Messages, e)
	}
	return l, nil
}

// Fetch downloads the message at messageURL.
func (q *Queue) Fetch(ctx context.Context, messageURL string) (*Message, error) {
	resp, data, err := q.t.do(ctx, http.MethodGet, messageURL, nil, nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, messageStatusError(http.MethodGet, messageURL, resp, data)
	}
	return &Message{
		URL:         messageURL,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        data,
		queue:       q,
	}, nil
}

// Acknowledge deletes the message at messageURL. A second acknowledgement
// returns ErrMessageDeleted.
func (q *Queue) Acknowledge(ctx context.Context, messageURL string) error {
	resp, data, err := q.t.do(ctx, http.MethodDelete, messageURL, nil, map[string]string{"Accept": "application/json"})
	if err != nil {
		return err
	}
	if resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return messageStatusError(http.MethodDelete, messageURL, resp, data)
}

// HandlerFunc processes one message. Returning nil acknowledges it.
type HandlerFunc func(ctx context.Context, m *Message) error

// Pull lists the queue once, then fetches, handles and acknowledges each
// message in order. Messages another consumer already took are skipped. It
// stops at the first handler or transport error and returns the number of
// messages acknowledged so far.
func (q *Queue) Pull(ctx context.Context, handle HandlerFunc) (int, error) {
	l, err := q.List(ctx)
	if err != nil {
		return 0, err
	}

	done := 0
	for _, e := range l.Messages {
		if err := ctx.Err(); err != nil {
			return done, err
		}
		m, err := q.Fetch(ctx, e.URL)
		if errors.Is(err, ErrMessageDeleted) || errors.Is(err, ErrMessageNotFound) {
			continue
		}
		if err != nil {
			return done, err
		}
		if err := handle(ctx, m); err != nil {
			return done, fmt.Errorf("handle %s: %w", m.URL, err)
		}
		if err := m.Acknowledge(ctx); err != nil && !errors.Is(err, ErrMessageDeleted) {
			return done, err
		}
		done++
	}
	return done, nil
}

func lastSegment(rawURL string) string {
	path := rawURL
	if u, err := url.Parse(rawURL); err == nil {
		path = u.Path
	}
	path = strings.TrimRight(path, "/")
	if i := strings.LastIndex(path, "/"); i >= 0 {
		path = path[i+1:]
	}
	return path
}
