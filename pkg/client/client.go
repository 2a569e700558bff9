// Package client talks to FMTP servers.
//
//	srv := client.NewServer("http://fmtp.example.com", "someone:topsecret")
//	q := srv.Queue("orders")
//	err := q.PostMessage(ctx, "123", "text/plain", []byte("hello"))
//
//	n, err := q.Pull(ctx, func(ctx context.Context, m *client.Message) error {
//		return process(m.Body)
//	})
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const timeLayout = "2006-01-02 15:04:05.999999"

// Option customizes a Server or Queue.
type Option func(*transport)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(t *transport) { t.client = c }
}

type transport struct {
	credentials string
	client      *http.Client
}

func newTransport(credentials string, opts []Option) *transport {
	t := &transport{
		credentials: credentials,
		client:      &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// do sends the request with credentials attached. "user:pass" is sent as HTTP
// Basic auth, anything else as a bearer token.
func (t *transport) do(ctx context.Context, method, target string, body []byte, header map[string]string) (*http.Response, []byte, error) {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, r)
	if err != nil {
		return nil, nil, err
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	if t.credentials != "" {
		if user, pass, ok := strings.Cut(t.credentials, ":"); ok {
			req.SetBasicAuth(user, pass)
		} else {
			req.Header.Set("Authorization", "Bearer "+t.credentials)
		}
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("read %s %s: %w", method, target, err)
	}
	return resp, data, nil
}

// statusError maps the statuses every FMTP operation shares. Anything else
// is outside the operation's contract and comes back as *HTTPError.
func statusError(method, target string, resp *http.Response, body []byte) error {
	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("%w: %s %s", ErrUnauthorized, method, target)
	}
	return &HTTPError{Method: method, URL: target, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
}

// messageStatusError adds the 404 and 410 outcomes of fetch and acknowledge.
func messageStatusError(method, target string, resp *http.Response, body []byte) error {
	switch resp.StatusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrMessageNotFound, target)
	case http.StatusGone:
		return fmt.Errorf("%w: %s", ErrMessageDeleted, target)
	}
	return statusError(method, target, resp, body)
}

// Server is an FMTP server holding any number of queues. It opens
// connections on demand only.
type Server struct {
	url string
	t   *transport
}

func NewServer(baseURL, credentials string, opts ...Option) *Server {
	return &Server{url: strings.TrimRight(baseURL, "/"), t: newTransport(credentials, opts)}
}

// Queue returns the named queue on this server.
func (s *Server) Queue(name string) *Queue {
	return &Queue{url: s.url + "/" + url.PathEscape(name) + "/", t: s.t}
}

// AdminEntry is one record of the administrative listing.
type AdminEntry struct {
	GUID        string
	Queue       string
	IsDeleted   bool
	CreatedAt   time.Time
	DeletedAt   *time.Time
	ContentType string
}

// Summary lists every stored message of a queue, deleted ones included.
func (s *Server) Summary(ctx context.Context, queueName string) ([]AdminEntry, error) {
	target := s.url + "/admin/" + url.PathEscape(queueName) + "/"
	resp, body, err := s.t.do(ctx, http.MethodGet, target, nil, map[string]string{"Accept": "application/json"})
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(http.MethodGet, target, resp, body)
	}

	var doc struct {
		Messages []struct {
			GUID        string  `json:"guid"`
			Queue       string  `json:"queue"`
			IsDeleted   bool    `json:"is_deleted"`
			CreatedAt   string  `json:"created_at"`
			DeletedAt   *string `json:"deleted_at"`
			ContentType string  `json:"content_type"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, &FormatError{URL: target, Err: err}
	}

	out := make([]AdminEntry, 0, len(doc.Messages))
	for _, m := range doc.Messages {
		created, err := time.Parse(timeLayout, m.CreatedAt)
		if err != nil {
			return nil, &FormatError{URL: target, Err: err}
		}
		e := AdminEntry{GUID: m.GUID, Queue: m.Queue, IsDeleted: m.IsDeleted, CreatedAt: created, ContentType: m.ContentType}
		if m.DeletedAt != nil {
			deleted, err := time.Parse(timeLayout, *m.DeletedAt)
			if err != nil {
				return nil, &FormatError{URL: target, Err: err}
			}
			e.DeletedAt = &deleted
		}
		out = append(out, e)
	}
	return out, nil
}

// CollectGarbage asks the server to purge expired deleted messages and
// returns how many were removed.
func (s *Server) CollectGarbage(ctx context.Context, queueName string) (int, error) {
	target := s.url + "/admin/" + url.PathEscape(queueName) + "/"
	resp, body, err := s.t.do(ctx, http.MethodDelete, target, nil, map[string]string{"Accept": "application/json"})
	if err != nil {
		return 0, err
	}
	if resp.StatusCode != http.StatusOK {
		return 0, statusError(http.MethodDelete, target, resp, body)
	}

	var doc struct {
		Success bool `json:"success"`
		Deleted *int `json:"deleted"`
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		return 0, &FormatError{URL: target, Err: err}
	}
	if !doc.Success || doc.Deleted == nil {
		return 0, &FormatError{URL: target, Err: errors.New("missing success/deleted fields")}
	}
	return *doc.Deleted, nil
}
