package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/aridsondez/fmtp/internal/auth"
	"github.com/aridsondez/fmtp/internal/metrics"
	"github.com/aridsondez/fmtp/internal/queue"
)

const defaultMaxBodyBytes = 10 << 20

// MessageService is implemented by *engine.MessageEngine.
type MessageService interface {
	Create(ctx context.Context, queueName, guid, contentType string, body []byte) error
	Fetch(ctx context.Context, queueName, guid string) (queue.Message, error)
	Acknowledge(ctx context.Context, queueName, guid string) error
}

// QueueService is implemented by *engine.QueueEngine.
type QueueService interface {
	List(ctx context.Context, queueName string) (queue.Listing, error)
	Summary(ctx context.Context, queueName string) ([]queue.Message, error)
	CollectGarbage(ctx context.Context, queueName string) (int, error)
}

type Options struct {
	Timeout      time.Duration
	MaxBodyBytes int64
	// BaseURL replaces scheme and host of generated message URLs, for servers
	// running behind a proxy.
	BaseURL string
	Logger  zerolog.Logger
}

type Server struct {
	messages MessageService
	queues   QueueService
	opts     Options
	logger   zerolog.Logger
}

func NewServer(addr string, messages MessageService, queues QueueService, opts Options) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           NewHandler(messages, queues, opts),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// NewHandler builds the FMTP router. Trailing slashes are optional on every
// route. Queues named "admin", "healthz" or "metrics" are shadowed by the
// fixed routes.
func NewHandler(messages MessageService, queues QueueService, opts Options) http.Handler {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = defaultMaxBodyBytes
	}
	srv := &Server{
		messages: messages,
		queues:   queues,
		opts:     opts,
		logger:   opts.Logger.With().Str("component", "http").Logger(),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(accessLog(srv.logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(opts.Timeout))
	r.Use(middleware.StripSlashes)
	r.Use(auth.Middleware)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", metrics.Handler())

	r.Route("/admin/{queue}", func(r chi.Router) {
		r.Get("/", srv.handleSummary)
		r.Delete("/", srv.handleCollect)
	})

	r.Get("/{queue}", srv.handleList)
	r.Route("/{queue}/{guid}", func(r chi.Router) {
		r.Get("/", srv.handleFetch)
		r.Post("/", srv.handleCreate)
		r.Delete("/", srv.handleAck)
	})

	return r
}

// ---------- Handlers ----------

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	qname := urlParam(r, "queue")
	listing, err := s.queues.List(r.Context(), qname)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	base := s.listingURL(r)
	doc := listDocument{
		MinRetryInterval: listing.MinRetryInterval.Milliseconds(),
		MaxRetryInterval: listing.MaxRetryInterval.Milliseconds(),
		Messages:         make([]listEntry, 0, len(listing.Messages)),
	}
	for _, m := range listing.Messages {
		doc.Messages = append(doc.Messages, listEntry{
			URL:       base + "/" + url.PathEscape(m.GUID) + "/",
			CreatedAt: queue.FormatTime(m.CreatedAt),
		})
	}
	render(w, r.Header.Get("Accept"), doc)
}

func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	qname, guid := urlParam(r, "queue"), urlParam(r, "guid")
	m, err := s.messages.Fetch(r.Context(), qname, guid)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	contentType := m.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(m.Body)
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	qname, guid := urlParam(r, "queue"), urlParam(r, "guid")
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httpError(w, http.StatusRequestEntityTooLarge, "message body exceeds %d bytes", tooLarge.Limit)
			return
		}
		httpError(w, http.StatusBadRequest, "read body: %v", err)
		return
	}

	if err := s.messages.Create(r.Context(), qname, guid, r.Header.Get("Content-Type"), body); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleAck(w http.ResponseWriter, r *http.Request) {
	qname, guid := urlParam(r, "queue"), urlParam(r, "guid")
	if err := s.messages.Acknowledge(r.Context(), qname, guid); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	qname := urlParam(r, "queue")
	all, err := s.queues.Summary(r.Context(), qname)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	resp := adminDocument{Messages: make([]adminEntry, 0, len(all))}
	for _, m := range all {
		e := adminEntry{
			GUID:        m.GUID,
			Queue:       m.Queue,
			IsDeleted:   m.Deleted(),
			CreatedAt:   queue.FormatTime(m.CreatedAt),
			ContentType: m.ContentType,
		}
		if m.DeletedAt != nil {
			d := queue.FormatTime(*m.DeletedAt)
			e.DeletedAt = &d
		}
		resp.Messages = append(resp.Messages, e)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCollect(w http.ResponseWriter, r *http.Request) {
	qname := urlParam(r, "queue")
	n, err := s.queues.CollectGarbage(r.Context(), qname)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, &collectResponse{Success: true, Deleted: n})
}

// ---------- helpers ----------

// urlParam returns the decoded path parameter. chi routes on the raw path when
// the request carries escapes that differ from the canonical form.
func urlParam(r *http.Request, name string) string {
	v := chi.URLParam(r, name)
	if r.URL.RawPath == "" {
		return v
	}
	if u, err := url.PathUnescape(v); err == nil {
		return u
	}
	return v
}

// listingURL is the absolute URL of the current request without trailing slash.
func (s *Server) listingURL(r *http.Request) string {
	path := strings.TrimRight(r.URL.EscapedPath(), "/")
	if s.opts.BaseURL != "" {
		return strings.TrimRight(s.opts.BaseURL, "/") + path
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}
	return scheme + "://" + r.Host + path
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, queue.ErrUnauthorized):
		w.Header().Set("WWW-Authenticate", `Basic realm="fmtp"`)
		httpError(w, http.StatusUnauthorized, "unauthorized")
	case errors.Is(err, queue.ErrInvalidIdentifier):
		httpError(w, http.StatusForbidden, "invalid guid %q: must match %s", urlParam(r, "guid"), "^[A-Za-z0-9_-]+$")
	case errors.Is(err, queue.ErrQueueNotAllowed):
		httpError(w, http.StatusForbidden, "queue %q does not accept messages", urlParam(r, "queue"))
	case errors.Is(err, queue.ErrConflict):
		httpError(w, http.StatusConflict, "message %q already exists in queue %q", urlParam(r, "guid"), urlParam(r, "queue"))
	case errors.Is(err, queue.ErrGone):
		httpError(w, http.StatusGone, "message %q in queue %q was deleted", urlParam(r, "guid"), urlParam(r, "queue"))
	case errors.Is(err, queue.ErrNotFound):
		httpError(w, http.StatusNotFound, "no message %q in queue %q", urlParam(r, "guid"), urlParam(r, "queue"))
	default:
		s.logger.Error().Err(err).
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Msg("request failed")
		httpError(w, http.StatusInternalServerError, "%v", err)
	}
}

func httpError(w http.ResponseWriter, code int, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": msg,
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
