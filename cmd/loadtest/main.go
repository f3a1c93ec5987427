package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"net/http"
	"net/url"
	"os"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

type Config struct {
	BaseURL     string
	Concurrency int
	Duration    time.Duration
	// PrefixRatio is the share of requests that are prefix searches; the
	// rest are exact lookups.
	PrefixRatio float64
	Titles      []string
}

type Stats struct {
	totalRequests atomic.Int64
	successCount  atomic.Int64
	notFound      atomic.Int64
	errorCount    atomic.Int64

	mu          sync.Mutex
	latencies   map[string][]time.Duration
	statusCodes map[int]int64
}

func NewStats() *Stats {
	return &Stats{
		latencies:   make(map[string][]time.Duration),
		statusCodes: make(map[int]int64),
	}
}

func (s *Stats) RecordRequest(kind string, duration time.Duration, statusCode int, err error) {
	s.totalRequests.Add(1)
	if err != nil {
		s.errorCount.Add(1)
		return
	}
	switch {
	case statusCode >= 200 && statusCode < 300:
		s.successCount.Add(1)
	case statusCode == http.StatusNotFound:
		s.notFound.Add(1)
	default:
		s.errorCount.Add(1)
	}

	s.mu.Lock()
	s.latencies[kind] = append(s.latencies[kind], duration)
	s.statusCodes[statusCode]++
	s.mu.Unlock()
}

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "base URL of the search service")
	concurrency := flag.Int("concurrency", 10, "number of concurrent workers")
	duration := flag.Duration("duration", 30*time.Second, "test duration")
	prefixRatio := flag.Float64("prefix-ratio", 0.2, "share of prefix searches")
	seed := flag.String("seed", "A,B,C,D,E,L,M,P,S,T", "comma-separated prefixes used to discover titles")
	flag.Parse()

	client := &http.Client{
		Timeout: 10 * time.Second,
		Transport: &http.Transport{
			MaxIdleConns:        *concurrency * 2,
			MaxIdleConnsPerHost: *concurrency * 2,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	titles, err := discoverTitles(context.Background(), client, *baseURL, splitSeed(*seed))
	if err != nil {
		fmt.Fprintf(os.Stderr, "discovering titles: %v\n", err)
		os.Exit(1)
	}
	if len(titles) == 0 {
		fmt.Fprintln(os.Stderr, "no titles found under the seed prefixes; is the index loaded?")
		os.Exit(1)
	}

	cfg := Config{
		BaseURL:     *baseURL,
		Concurrency: *concurrency,
		Duration:    *duration,
		PrefixRatio: *prefixRatio,
		Titles:      titles,
	}

	fmt.Println("=== wikidex Load Test ===")
	fmt.Printf("Target:       %s\n", cfg.BaseURL)
	fmt.Printf("Concurrency:  %d\n", cfg.Concurrency)
	fmt.Printf("Duration:     %s\n", cfg.Duration)
	fmt.Printf("Titles:       %d discovered\n", len(cfg.Titles))
	fmt.Printf("Prefix ratio: %.2f\n", cfg.PrefixRatio)
	fmt.Println()

	stats := runLoadTest(client, cfg)
	printReport(stats, cfg.Duration)
}

func splitSeed(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// discoverTitles lists up to 100 titles under each seed prefix.
func discoverTitles(ctx context.Context, client *http.Client, baseURL string, seeds []string) ([]string, error) {
	var titles []string
	for _, p := range seeds {
		u := fmt.Sprintf("%s/api/v1/titles?limit=100&prefix=%s", baseURL, url.QueryEscape(p))
		resp, err := client.Do(mustNewRequest(ctx, u))
		if err != nil {
			return nil, err
		}
		var listing struct {
			Results []struct {
				Title string `json:"title"`
			} `json:"results"`
		}
		err = json.NewDecoder(resp.Body).Decode(&listing)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("decoding listing for %q: %w", p, err)
		}
		for _, r := range listing.Results {
			titles = append(titles, r.Title)
		}
	}
	return titles, nil
}

func runLoadTest(client *http.Client, cfg Config) *Stats {
	stats := NewStats()
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Duration)
	defer cancel()

	fmt.Print("Running")
	g, ctx := errgroup.WithContext(ctx)
	for w := 0; w < cfg.Concurrency; w++ {
		r := rand.New(rand.NewPCG(uint64(w), uint64(time.Now().UnixNano())))
		g.Go(func() error {
			for ctx.Err() == nil {
				title := cfg.Titles[r.IntN(len(cfg.Titles))]
				kind, target := "lookup", fmt.Sprintf("%s/api/v1/titles/%s", cfg.BaseURL, url.PathEscape(title))
				if r.Float64() < cfg.PrefixRatio {
					runes := []rune(title)
					p := string(runes[:min(len(runes), 1+r.IntN(4))])
					kind, target = "prefix", fmt.Sprintf("%s/api/v1/titles?limit=20&prefix=%s", cfg.BaseURL, url.QueryEscape(p))
				}

				start := time.Now()
				resp, err := client.Do(mustNewRequest(ctx, target))
				duration := time.Since(start)
				if err != nil {
					if ctx.Err() == nil {
						stats.RecordRequest(kind, duration, 0, err)
					}
					continue
				}
				io.Copy(io.Discard, resp.Body)
				resp.Body.Close()
				stats.RecordRequest(kind, duration, resp.StatusCode, nil)
			}
			return nil
		})
	}

	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fmt.Print(".")
			}
		}
	}()

	g.Wait()
	fmt.Println(" done!")
	fmt.Println()
	return stats
}

func mustNewRequest(ctx context.Context, rawURL string) *http.Request {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		panic(fmt.Sprintf("creating request: %v", err))
	}
	return req
}

func printReport(stats *Stats, duration time.Duration) {
	total := stats.totalRequests.Load()
	errors := stats.errorCount.Load()

	fmt.Println("=== Results ===")
	fmt.Printf("Total Requests:  %d\n", total)
	fmt.Printf("Successful:      %d\n", stats.successCount.Load())
	fmt.Printf("Not Found:       %d\n", stats.notFound.Load())
	fmt.Printf("Errors:          %d\n", errors)
	if total > 0 {
		fmt.Printf("Error Rate:      %.2f%%\n", float64(errors)/float64(total)*100)
		fmt.Printf("Requests/sec:    %.2f\n", float64(total)/duration.Seconds())
	}

	stats.mu.Lock()
	defer stats.mu.Unlock()

	for _, kind := range []string{"lookup", "prefix"} {
		latencies := slices.Clone(stats.latencies[kind])
		if len(latencies) == 0 {
			continue
		}
		slices.Sort(latencies)

		var sum time.Duration
		for _, l := range latencies {
			sum += l
		}
		avg := sum / time.Duration(len(latencies))

		fmt.Println()
		fmt.Printf("=== Latency: %s (%d) ===\n", kind, len(latencies))
		fmt.Printf("Min:    %s\n", latencies[0])
		fmt.Printf("Avg:    %s\n", avg)
		fmt.Printf("P50:    %s\n", percentile(latencies, 50))
		fmt.Printf("P90:    %s\n", percentile(latencies, 90))
		fmt.Printf("P99:    %s\n", percentile(latencies, 99))
		fmt.Printf("Max:    %s\n", latencies[len(latencies)-1])
	}

	fmt.Println()
	fmt.Println("=== Status Codes ===")
	codes := make([]int, 0, len(stats.statusCodes))
	for code := range stats.statusCodes {
		codes = append(codes, code)
	}
	slices.Sort(codes)
	for _, code := range codes {
		fmt.Printf("  %d: %d\n", code, stats.statusCodes[code])
	}

	if total == 0 {
		fmt.Println()
		fmt.Println("WARNING: No requests completed. Is the service running?")
		os.Exit(1)
	}
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(p/100*float64(len(sorted)))) - 1
	return sorted[max(0, min(idx, len(sorted)-1))]
}
