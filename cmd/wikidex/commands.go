package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/Adithya-Monish-Kumar-K/wikidex/internal/mcpserver"
	"github.com/Adithya-Monish-Kumar-K/wikidex/internal/query"
	"github.com/Adithya-Monish-Kumar-K/wikidex/internal/runlog"
	"github.com/Adithya-Monish-Kumar-K/wikidex/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/wikidex/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/wikidex/pkg/postgres"
)

// exitNotFound is the exit status of a lookup that matched nothing.
const exitNotFound = 2

func newApp(out io.Writer) *cli.Command {
	return &cli.Command{
		Name:    "wikidex",
		Usage:   "Query a document tree built from a wiki dump",
		Version: version,
		Writer:  out,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to config file",
				Sources: cli.EnvVars("WX_CONFIG_FILE"),
			},
			&cli.StringFlag{
				Name:    "root",
				Aliases: []string{"r"},
				Usage:   "Document tree root (overrides store.root)",
				Sources: cli.EnvVars("WX_STORE_ROOT"),
			},
		},
		Commands: []*cli.Command{
			{
				Name:      "lookup",
				Usage:     "Resolve a title to its document",
				ArgsUsage: "<title>",
				Action:    withIndex(lookup),
			},
			{
				Name:      "prefix",
				Usage:     "List titles starting with a prefix",
				ArgsUsage: "<prefix>",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "limit", Aliases: []string{"n"}, Value: 20, Usage: "Maximum results"},
				},
				Action: withIndex(prefix),
			},
			{
				Name:      "cat",
				Usage:     "Print the text of an article",
				ArgsUsage: "<title>",
				Action:    withIndex(cat),
			},
			{
				Name:   "stats",
				Usage:  "Print the title index header and statistics",
				Action: withIndex(stats),
			},
			{
				Name:   "mcp",
				Usage:  "Serve lookup tools to MCP clients over stdio",
				Action: withIndex(serveMCP),
			},
			{
				Name:  "runs",
				Usage: "List recorded build runs",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "limit", Aliases: []string{"n"}, Value: 10, Usage: "Maximum runs"},
				},
				Action: runs,
			},
		},
	}
}

// loadConfig reads the config named by --config and applies --root. Logs go
// to stderr so stdout carries only command output.
func loadConfig(cmd *cli.Command) (*config.Config, error) {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if root := cmd.String("root"); root != "" {
		cfg.Store.Root = root
	}
	logger.SetupWriter(os.Stderr, cfg.Logging.Level, "text")
	return cfg, nil
}

type indexAction func(ctx context.Context, cmd *cli.Command, q *query.Cached) error

func withIndex(fn indexAction) cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		live, err := query.OpenLive(cfg.Store.Root, query.Options{})
		if err != nil {
			return err
		}
		defer live.Close()
		return fn(ctx, cmd, query.NewCached(live, nil, 0, nil))
	}
}

func requireArg(cmd *cli.Command, name string) (string, error) {
	arg := cmd.Args().First()
	if arg == "" {
		return "", fmt.Errorf("%s: missing %s argument", cmd.Name, name)
	}
	return arg, nil
}

func lookup(ctx context.Context, cmd *cli.Command, q *query.Cached) error {
	title, err := requireArg(cmd, "title")
	if err != nil {
		return err
	}
	doc, ok, err := q.Lookup(ctx, title)
	if err != nil {
		return err
	}
	if !ok {
		return cli.Exit(fmt.Sprintf("no article titled %q", title), exitNotFound)
	}
	return printJSON(cmd, doc)
}

func prefix(ctx context.Context, cmd *cli.Command, q *query.Cached) error {
	p, err := requireArg(cmd, "prefix")
	if err != nil {
		return err
	}
	limit := int(cmd.Int("limit"))
	if limit < 1 {
		return fmt.Errorf("prefix: limit must be positive")
	}
	docs, err := q.PrefixSearch(ctx, p, limit)
	if err != nil {
		return err
	}
	w := cmd.Root().Writer
	for _, d := range docs {
		fmt.Fprintln(w, d.NormalizedTitle)
	}
	return nil
}

func cat(ctx context.Context, cmd *cli.Command, q *query.Cached) error {
	title, err := requireArg(cmd, "title")
	if err != nil {
		return err
	}
	doc, ok, err := q.Lookup(ctx, title)
	if err != nil {
		return err
	}
	if !ok {
		return cli.Exit(fmt.Sprintf("no article titled %q", title), exitNotFound)
	}
	rc, err := q.OpenDocument(doc)
	if err != nil {
		return err
	}
	defer rc.Close()
	_, err = io.Copy(cmd.Root().Writer, rc)
	return err
}

func stats(_ context.Context, cmd *cli.Command, q *query.Cached) error {
	ix, release, err := q.Live().Acquire()
	if err != nil {
		return err
	}
	defer release()
	return printJSON(cmd, map[string]any{
		"root":       ix.Root(),
		"generation": ix.Generation(),
		"header":     ix.Header(),
		"stats":      ix.Stats(),
	})
}

func serveMCP(_ context.Context, _ *cli.Command, q *query.Cached) error {
	return mcpserver.New(q, version).ServeStdio()
}

func runs(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	db, err := postgres.New(cfg.Postgres)
	if err != nil {
		return err
	}
	defer db.Close()

	list, err := runlog.NewStore(db).List(ctx, int(cmd.Int("limit")))
	if err != nil {
		return err
	}
	w := cmd.Root().Writer
	for _, r := range list {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d pages\t%d titles\t%s\n",
			r.FinishedAt.Format("2006-01-02 15:04:05"), r.RunID, r.Status,
			r.PagesWritten, r.IndexEntries, r.Root)
	}
	return nil
}

func printJSON(cmd *cli.Command, v any) error {
	enc := json.NewEncoder(cmd.Root().Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
