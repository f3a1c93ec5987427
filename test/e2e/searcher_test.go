// Package e2e contains end-to-end tests that exercise a deployed searcher
// serving a tree produced by the builder.
//
// Prerequisites:
//   - the builder has run over a dump into the searcher's root
//   - the searcher is listening on E2E_SEARCHER_URL
//   - E2E_KNOWN_TITLE names an article present in the dump
//
// Run with:
//
//	go test -v -timeout=60s ./test/e2e/...
package e2e

import (
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"testing"
	"time"
)

// ---------------------------------------------------------------------------
// Config
// ---------------------------------------------------------------------------

type e2eConfig struct {
	SearcherURL string
	KnownTitle  string
}

func loadE2EConfig() e2eConfig {
	return e2eConfig{
		SearcherURL: envOrDefault("E2E_SEARCHER_URL", "http://localhost:8080"),
		KnownTitle:  envOrDefault("E2E_KNOWN_TITLE", "Anarchism"),
	}
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// reachable skips the test when the searcher does not answer.
func reachable(t *testing.T, client *http.Client, cfg e2eConfig) {
	t.Helper()
	resp, err := client.Get(cfg.SearcherURL + "/health/live")
	if err != nil {
		t.Skipf("searcher unavailable: %v", err)
	}
	resp.Body.Close()
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

// TestSearcherHealth verifies the liveness and readiness probes.
func TestSearcherHealth(t *testing.T) {
	cfg := loadE2EConfig()
	client := &http.Client{Timeout: 5 * time.Second}
	reachable(t, client, cfg)

	for _, path := range []string{"/health/live", "/health/ready"} {
		t.Run(path, func(t *testing.T) {
			resp, err := client.Get(cfg.SearcherURL + path)
			if err != nil {
				t.Fatalf("request failed: %v", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				body, _ := io.ReadAll(resp.Body)
				t.Errorf("expected 200, got %d: %s", resp.StatusCode, body)
			}
		})
	}
}

// TestLookupPrefixAndRead resolves a known title, finds it again by prefix
// and reads its text.
func TestLookupPrefixAndRead(t *testing.T) {
	cfg := loadE2EConfig()
	client := &http.Client{Timeout: 10 * time.Second}
	reachable(t, client, cfg)

	// 1. Exact lookup, with the caller's spelling in dump form.
	raw := strings.ReplaceAll(cfg.KnownTitle, " ", "_")
	resp, err := client.Get(cfg.SearcherURL + "/api/v1/titles/" + url.PathEscape(raw))
	if err != nil {
		t.Fatalf("lookup request failed: %v", err)
	}
	var lookup struct {
		Document struct {
			Title string `json:"title"`
			Size  int64  `json:"size"`
		} `json:"document"`
	}
	json.NewDecoder(resp.Body).Decode(&lookup)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 for %q, got %d", cfg.KnownTitle, resp.StatusCode)
	}
	t.Logf("resolved %q to %q (%d bytes)", raw, lookup.Document.Title, lookup.Document.Size)

	// 2. The title is listed under its own prefix.
	prefix := lookup.Document.Title[:min(3, len(lookup.Document.Title))]
	resp, err = client.Get(cfg.SearcherURL + "/api/v1/titles?limit=100&prefix=" + url.QueryEscape(prefix))
	if err != nil {
		t.Fatalf("prefix request failed: %v", err)
	}
	var listing struct {
		Results []struct {
			Title string `json:"title"`
		} `json:"results"`
	}
	json.NewDecoder(resp.Body).Decode(&listing)
	resp.Body.Close()
	for i := 1; i < len(listing.Results); i++ {
		if listing.Results[i-1].Title >= listing.Results[i].Title {
			t.Errorf("prefix results out of order at %d: %q >= %q", i, listing.Results[i-1].Title, listing.Results[i].Title)
		}
	}

	// 3. The article text starts with its title line.
	resp, err = client.Get(cfg.SearcherURL + "/api/v1/articles/" + url.PathEscape(raw))
	if err != nil {
		t.Fatalf("article request failed: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.HasPrefix(string(body), "# "+lookup.Document.Title+"\n") {
		t.Errorf("article does not start with its title: %.80q", body)
	}
	if int64(len(body)) != lookup.Document.Size {
		t.Errorf("article is %d bytes, index says %d", len(body), lookup.Document.Size)
	}
}

// TestIndexInfo verifies that the served artifact is described.
func TestIndexInfo(t *testing.T) {
	cfg := loadE2EConfig()
	client := &http.Client{Timeout: 5 * time.Second}
	reachable(t, client, cfg)

	resp, err := client.Get(cfg.SearcherURL + "/api/v1/index")
	if err != nil {
		t.Fatalf("index request failed: %v", err)
	}
	defer resp.Body.Close()

	var info map[string]any
	json.NewDecoder(resp.Body).Decode(&info)
	t.Logf("index: %v", info)

	for _, field := range []string{"generation", "header", "stats"} {
		if _, ok := info[field]; !ok {
			t.Errorf("missing field %q in index info", field)
		}
	}
}
