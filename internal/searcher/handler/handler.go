// Package handler serves title lookups, prefix search and article bodies
// over HTTP.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Adithya-Monish-Kumar-K/wikidex/internal/query"
	"github.com/Adithya-Monish-Kumar-K/wikidex/internal/searcher/reload"
	"github.com/Adithya-Monish-Kumar-K/wikidex/internal/store"
	apperrors "github.com/Adithya-Monish-Kumar-K/wikidex/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/wikidex/pkg/logger"
)

// Querier is the query surface the handler serves. *query.Cached
// implements it.
type Querier interface {
	Lookup(ctx context.Context, title string) (store.Document, bool, error)
	PrefixSearch(ctx context.Context, prefix string, limit int) ([]store.Document, error)
	OpenDocument(doc store.Document) (io.ReadCloser, error)
	Invalidate(ctx context.Context) error
	Enabled() bool
	Stats() (hits, misses int64)
	Live() *query.Live
}

type Handler struct {
	q            Querier
	defaultLimit int
	maxResults   int
	logger       *slog.Logger
}

func New(q Querier, defaultLimit, maxResults int) *Handler {
	if defaultLimit <= 0 {
		defaultLimit = 10
	}
	if maxResults < defaultLimit {
		maxResults = defaultLimit
	}
	return &Handler{
		q:            q,
		defaultLimit: defaultLimit,
		maxResults:   maxResults,
		logger:       slog.Default().With("component", "search-handler"),
	}
}

type lookupResponse struct {
	Query    string         `json:"query"`
	Document store.Document `json:"document"`
}

type prefixResponse struct {
	Prefix  string           `json:"prefix"`
	Count   int              `json:"count"`
	Results []store.Document `json:"results"`
}

// Lookup serves GET /api/v1/titles/{title}.
func (h *Handler) Lookup(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	log := logger.FromContext(r.Context())

	title, ok := h.titleParam(w, r)
	if !ok {
		return
	}
	doc, found, err := h.q.Lookup(r.Context(), title)
	if err != nil {
		log.Error("title lookup failed", "title", title, "error", err)
		h.writeFailure(w, err, "lookup failed")
		return
	}
	if !found {
		h.writeError(w, http.StatusNotFound, "title not found")
		return
	}
	log.Info("title lookup",
		"title", title,
		"key", doc.NormalizedTitle,
		"latency_ms", time.Since(start).Milliseconds(),
	)
	h.writeJSON(w, http.StatusOK, lookupResponse{Query: title, Document: doc})
}

// Search serves GET /api/v1/titles?prefix=&limit=.
func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	log := logger.FromContext(r.Context())

	prefix := r.URL.Query().Get("prefix")
	if prefix == "" {
		h.writeError(w, http.StatusBadRequest, "query parameter 'prefix' is required")
		return
	}
	limit, ok := h.limit(w, r)
	if !ok {
		return
	}

	docs, err := h.q.PrefixSearch(r.Context(), prefix, limit)
	if err != nil {
		log.Error("prefix search failed", "prefix", prefix, "error", err)
		h.writeFailure(w, err, "search failed")
		return
	}
	if docs == nil {
		docs = []store.Document{}
	}
	log.Info("prefix search completed",
		"prefix", prefix,
		"returned", len(docs),
		"latency_ms", time.Since(start).Milliseconds(),
	)
	h.writeJSON(w, http.StatusOK, prefixResponse{Prefix: prefix, Count: len(docs), Results: docs})
}

// Article serves GET /api/v1/articles/{title}: the stored plain text.
func (h *Handler) Article(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	title, ok := h.titleParam(w, r)
	if !ok {
		return
	}
	doc, found, err := h.q.Lookup(r.Context(), title)
	if err != nil {
		log.Error("title lookup failed", "title", title, "error", err)
		h.writeFailure(w, err, "lookup failed")
		return
	}
	if !found {
		h.writeError(w, http.StatusNotFound, "title not found")
		return
	}
	body, err := h.q.OpenDocument(doc)
	if err != nil {
		log.Error("opening article failed", "path", doc.Path, "error", err)
		h.writeFailure(w, err, "article unavailable")
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Length", strconv.FormatInt(doc.SizeBytes, 10))
	w.Header().Set("X-Wikidex-Title", url.PathEscape(doc.NormalizedTitle))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, body); err != nil {
		log.Warn("article stream interrupted", "path", doc.Path, "error", err)
	}
}

// IndexInfo reports the artifact currently served.
func (h *Handler) IndexInfo(w http.ResponseWriter, r *http.Request) {
	ix, release, err := h.q.Live().Acquire()
	if err != nil {
		h.writeFailure(w, err, "index unavailable")
		return
	}
	defer release()
	h.writeJSON(w, http.StatusOK, map[string]any{
		"generation": ix.Generation(),
		"header":     ix.Header(),
		"stats":      ix.Stats(),
	})
}

func (h *Handler) CacheStats(w http.ResponseWriter, r *http.Request) {
	if !h.q.Enabled() {
		h.writeJSON(w, http.StatusOK, map[string]string{"status": "disabled"})
		return
	}

	hits, misses := h.q.Stats()
	total := hits + misses
	var hitRate float64
	if total > 0 {
		hitRate = float64(hits) / float64(total) * 100
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"hits":     hits,
		"misses":   misses,
		"total":    total,
		"hit_rate": fmt.Sprintf("%.1f%%", hitRate),
	})
}

func (h *Handler) CacheInvalidate(w http.ResponseWriter, r *http.Request) {
	if !h.q.Enabled() {
		h.writeError(w, http.StatusServiceUnavailable, "caching is disabled")
		return
	}

	if err := h.q.Invalidate(r.Context()); err != nil {
		h.logger.Error("cache invalidation failed", "error", err)
		h.writeError(w, http.StatusInternalServerError, "cache invalidation failed")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{"status": "invalidated"})
}

// Reloader swaps in a rebuilt title index. *reload.Reloader implements it.
type Reloader interface {
	Reload(trigger string) (bool, error)
}

// IndexReload handles POST /api/v1/index/reload.
func (h *Handler) IndexReload(rl Reloader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		swapped, err := rl.Reload(reload.TriggerAPI)
		if err != nil {
			h.logger.Error("index reload failed", "error", err)
			h.writeError(w, http.StatusInternalServerError, "index reload failed")
			return
		}
		h.writeJSON(w, http.StatusOK, map[string]any{
			"swapped":    swapped,
			"generation": h.q.Live().Generation(),
		})
	}
}

// titleParam reads the wildcard title. Titles may contain slashes, so the
// route captures the rest of the path; an escaped path is unescaped once.
func (h *Handler) titleParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	title := chi.URLParam(r, "*")
	if r.URL.RawPath != "" {
		unescaped, err := url.PathUnescape(title)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "malformed title")
			return "", false
		}
		title = unescaped
	}
	if title == "" {
		h.writeError(w, http.StatusBadRequest, "title is required")
		return "", false
	}
	return title, true
}

func (h *Handler) limit(w http.ResponseWriter, r *http.Request) (int, bool) {
	limit := h.defaultLimit
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		parsed, err := strconv.Atoi(limitStr)
		if err != nil || parsed < 1 {
			h.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return 0, false
		}
		if parsed > h.maxResults {
			parsed = h.maxResults
		}
		limit = parsed
	}
	return limit, true
}

func (h *Handler) writeFailure(w http.ResponseWriter, err error, message string) {
	status := apperrors.HTTPStatusCode(err)
	if errors.Is(err, query.ErrClosed) {
		status = http.StatusServiceUnavailable
	}
	h.writeError(w, status, message)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to write response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
