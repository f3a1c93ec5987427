// Package integration contains tests that verify the interaction between
// the builder and the searcher. These tests run the real pipeline and serve
// its output through httptest with real handler wiring; PostgreSQL is used
// when available and skipped otherwise.
//
// Run with:
//
//	go test -v ./test/integration/...
package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/wikidex/internal/pipeline"
	"github.com/Adithya-Monish-Kumar-K/wikidex/internal/query"
	"github.com/Adithya-Monish-Kumar-K/wikidex/internal/runlog"
	"github.com/Adithya-Monish-Kumar-K/wikidex/internal/searcher/handler"
	"github.com/Adithya-Monish-Kumar-K/wikidex/internal/searcher/reload"
	"github.com/Adithya-Monish-Kumar-K/wikidex/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/wikidex/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/wikidex/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/wikidex/pkg/postgres"
)

const (
	fixture      = "../../internal/pipeline/testdata/dump.xml.bz2"
	fixtureIndex = "../../internal/pipeline/testdata/dump-index.txt"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envOrDefaultInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

// skipIfNoPostgres skips the test when PostgreSQL is unavailable.
func skipIfNoPostgres(t *testing.T) *postgres.Client {
	t.Helper()
	db, err := postgres.New(config.PostgresConfig{
		Host:            envOrDefault("TEST_POSTGRES_HOST", "localhost"),
		Port:            envOrDefaultInt("TEST_POSTGRES_PORT", 5432),
		Database:        envOrDefault("TEST_POSTGRES_DB", "wikidex_test"),
		User:            envOrDefault("TEST_POSTGRES_USER", "wikidex"),
		Password:        envOrDefault("TEST_POSTGRES_PASSWORD", "localdev"),
		SSLMode:         "disable",
		MaxOpenConns:    2,
		MaxIdleConns:    1,
		ConnMaxLifetime: time.Minute,
	})
	if err != nil {
		t.Skipf("skipping integration test: postgres unavailable: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func build(t *testing.T, archive, index, root string) pipeline.Summary {
	t.Helper()
	summary, err := pipeline.Run(context.Background(), pipeline.Options{
		ArchivePath:  archive,
		IndexPath:    index,
		Root:         root,
		Workers:      2,
		ShardCount:   4,
		BatchSize:    2,
		BlockEntries: 2,
		MergeFanIn:   2,
	})
	require.NoError(t, err)
	require.Equal(t, pipeline.StatusCompleted, summary.Status)
	return summary
}

// gzipDump writes a single-stream dump of the given title/text pairs.
func gzipDump(t *testing.T, pages [][2]string) string {
	t.Helper()
	var xml strings.Builder
	xml.WriteString("<mediawiki>\n")
	for i, p := range pages {
		fmt.Fprintf(&xml, "<page><title>%s</title><ns>0</ns><id>%d</id><revision><text>%s</text></revision></page>\n", p[0], i+1, p[1])
	}
	xml.WriteString("</mediawiki>\n")

	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	_, err := w.Write([]byte(xml.String()))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	path := filepath.Join(t.TempDir(), "dump.xml.gz")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	return path
}

type searcher struct {
	server  *httptest.Server
	metrics *metrics.Metrics
}

func newSearcher(t *testing.T, root string) *searcher {
	t.Helper()
	m := metrics.New(prometheus.NewRegistry())
	live, err := query.OpenLive(root, query.Options{Metrics: m})
	require.NoError(t, err)
	t.Cleanup(func() { live.Close() })

	h := handler.New(query.NewCached(live, nil, time.Minute, m), 10, 100)
	srv := httptest.NewServer(handler.NewRouter(h, handler.RouterOptions{
		Checker:  health.NewChecker(time.Second),
		Metrics:  m,
		Timeout:  5 * time.Second,
		Reloader: reload.New(live, root, m),
	}))
	t.Cleanup(srv.Close)
	return &searcher{server: srv, metrics: m}
}

func (s *searcher) get(t *testing.T, path string) (int, string) {
	t.Helper()
	resp, err := http.Get(s.server.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

// TestBuildThenServe builds the multistream fixture and queries the result
// over HTTP.
func TestBuildThenServe(t *testing.T) {
	root := t.TempDir()
	build(t, fixture, fixtureIndex, root)
	s := newSearcher(t, root)

	status, body := s.get(t, "/api/v1/titles/alpha")
	require.Equal(t, http.StatusOK, status, body)
	assert.Contains(t, body, `"title":"Alpha"`)

	status, body = s.get(t, "/api/v1/articles/Gamma")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "# Gamma\n\ngamma two\n", body, "the later page wins a shared title")

	status, _ = s.get(t, "/api/v1/titles/Beta")
	assert.Equal(t, http.StatusNotFound, status, "redirects are not stored")

	status, body = s.get(t, "/api/v1/titles?prefix=")
	assert.Equal(t, http.StatusBadRequest, status, body)

	status, body = s.get(t, "/api/v1/titles?prefix=D")
	require.Equal(t, http.StatusOK, status)
	var prefix struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal([]byte(body), &prefix))
	assert.Equal(t, 1, prefix.Count)

	status, _ = s.get(t, "/health/ready")
	assert.Equal(t, http.StatusOK, status)
}

// TestRebuildAndReload rebuilds the tree from a different dump while the
// searcher is serving, then swaps the new index in through the API.
func TestRebuildAndReload(t *testing.T) {
	root := t.TempDir()
	build(t, fixture, fixtureIndex, root)
	s := newSearcher(t, root)

	status, _ := s.get(t, "/api/v1/titles/Zeta")
	require.Equal(t, http.StatusNotFound, status)

	dump := gzipDump(t, [][2]string{
		{"Zeta", "The last letter."},
		{"Epsilon", "Fifth [[letter]]."},
	})
	build(t, dump, "", root)

	// the old generation keeps serving until reloaded
	status, _ = s.get(t, "/api/v1/titles/Zeta")
	require.Equal(t, http.StatusNotFound, status)

	resp, err := http.Post(s.server.URL+"/api/v1/index/reload", "application/json", nil)
	require.NoError(t, err)
	var result struct {
		Swapped bool `json:"swapped"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, result.Swapped)

	status, body := s.get(t, "/api/v1/articles/Zeta")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "# Zeta\n\nThe last letter.\n", body)

	status, _ = s.get(t, "/api/v1/titles/Alpha")
	assert.Equal(t, http.StatusNotFound, status)

	assert.Equal(t, 1.0, testutil.ToFloat64(s.metrics.IndexReloadsTotal.WithLabelValues(reload.TriggerAPI, "swapped")))
}

// TestRunLedger records a build in PostgreSQL and reads it back.
func TestRunLedger(t *testing.T) {
	db := skipIfNoPostgres(t)
	ledger := runlog.NewStore(db)
	ctx := context.Background()
	require.NoError(t, ledger.Migrate(ctx))

	root := t.TempDir()
	summary := build(t, fixture, fixtureIndex, root)
	require.NoError(t, ledger.Record(ctx, summary))

	latest, err := ledger.Latest(ctx, root)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, summary.RunID, latest.RunID)
	assert.Equal(t, summary.PagesWritten, latest.PagesWritten)
}
