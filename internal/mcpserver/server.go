// Package mcpserver exposes title lookup and article reading as MCP (Model
// Context Protocol) tools over stdio, for agents that answer questions from
// the dump.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/Adithya-Monish-Kumar-K/wikidex/internal/store"
	apperrors "github.com/Adithya-Monish-Kumar-K/wikidex/pkg/errors"
)

const (
	defaultSearchLimit = 10
	maxSearchLimit     = 100
	defaultMaxBytes    = 64 << 10
)

// Querier is the query surface the tools use. *query.Cached implements it.
type Querier interface {
	Lookup(ctx context.Context, title string) (store.Document, bool, error)
	PrefixSearch(ctx context.Context, prefix string, limit int) ([]store.Document, error)
	OpenDocument(doc store.Document) (io.ReadCloser, error)
}

// Server wraps the MCP server with the wikidex tools.
type Server struct {
	mcp *server.MCPServer
	q   Querier
}

func New(q Querier, version string) *Server {
	s := &Server{q: q}

	s.mcp = server.NewMCPServer(
		"wikidex",
		version,
		server.WithToolCapabilities(false),
	)

	s.mcp.AddTool(mcp.NewTool("lookup_title",
		mcp.WithDescription("Resolve an article title to its stored document. "+
			"Underscores, spacing, entities, first-letter case and a trailing "+
			"\"(disambiguation)\" are normalized before matching."),
		mcp.WithString("title", mcp.Required(), mcp.Description("Article title, e.g. \"Ada Lovelace\"")),
	), s.lookupTitle)

	s.mcp.AddTool(mcp.NewTool("search_titles",
		mcp.WithDescription("List article titles starting with a prefix, in title order."),
		mcp.WithString("prefix", mcp.Required(), mcp.Description("Title prefix")),
		mcp.WithNumber("limit", mcp.Description(fmt.Sprintf("Maximum results (default %d, at most %d)", defaultSearchLimit, maxSearchLimit))),
	), s.searchTitles)

	s.mcp.AddTool(mcp.NewTool("read_article",
		mcp.WithDescription("Read the plain text of an article by title."),
		mcp.WithString("title", mcp.Required(), mcp.Description("Article title")),
		mcp.WithNumber("max_bytes", mcp.Description(fmt.Sprintf("Truncate the text after this many bytes (default %d)", defaultMaxBytes))),
	), s.readArticle)

	return s
}

// ServeStdio starts the MCP server on stdin/stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

// MCPServer returns the underlying server for testing.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

func (s *Server) lookupTitle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	title, err := req.RequireString("title")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	doc, ok, err := s.q.Lookup(ctx, title)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if !ok {
		return mcp.NewToolResultError(fmt.Sprintf("no article titled %q", title)), nil
	}
	out, _ := json.MarshalIndent(doc, "", "  ")
	return mcp.NewToolResultText(string(out)), nil
}

func (s *Server) searchTitles(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	prefix, err := req.RequireString("prefix")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	limit := req.GetInt("limit", defaultSearchLimit)
	if limit < 1 {
		return mcp.NewToolResultError("limit must be positive"), nil
	}
	limit = min(limit, maxSearchLimit)

	docs, err := s.q.PrefixSearch(ctx, prefix, limit)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	titles := make([]string, len(docs))
	for i, d := range docs {
		titles[i] = d.NormalizedTitle
	}
	out, _ := json.MarshalIndent(titles, "", "  ")
	return mcp.NewToolResultText(string(out)), nil
}

func (s *Server) readArticle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	title, err := req.RequireString("title")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	maxBytes := req.GetInt("max_bytes", defaultMaxBytes)
	if maxBytes < 1 {
		return mcp.NewToolResultError("max_bytes must be positive"), nil
	}

	doc, ok, err := s.q.Lookup(ctx, title)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if !ok {
		return mcp.NewToolResultError(fmt.Sprintf("no article titled %q", title)), nil
	}
	rc, err := s.q.OpenDocument(doc)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return mcp.NewToolResultError(fmt.Sprintf("article %q is indexed but missing on disk", doc.NormalizedTitle)), nil
		}
		return mcp.NewToolResultError(err.Error()), nil
	}
	defer rc.Close()

	data, err := io.ReadAll(io.LimitReader(rc, int64(maxBytes)+1))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	text := string(data)
	if len(data) > maxBytes {
		text = string(data[:maxBytes]) + fmt.Sprintf("\n[truncated: %d of %d bytes]", maxBytes, doc.SizeBytes)
	}
	return mcp.NewToolResultText(text), nil
}
