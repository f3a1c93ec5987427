package main

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v3"

	"github.com/Adithya-Monish-Kumar-K/wikidex/internal/query/querytest"
)

func runApp(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	app := newApp(&out)
	app.ExitErrHandler = func(context.Context, *cli.Command, error) {}
	err := app.Run(context.Background(), append([]string{"wikidex"}, args...))
	return out.String(), err
}

func TestQueryCommands(t *testing.T) {
	root := t.TempDir()
	bodies := querytest.BuildTree(t, root, querytest.Pages)

	out, err := runApp(t, "--root", root, "lookup", "new_york_City")
	require.NoError(t, err)
	var doc struct {
		Title string `json:"title"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &doc))
	assert.Equal(t, "New York City", doc.Title)

	out, err = runApp(t, "--root", root, "prefix", "--limit", "2", "Par")
	require.NoError(t, err)
	assert.Equal(t, "Paris\nParis Hilton\n", out)

	out, err = runApp(t, "--root", root, "cat", "AC/DC")
	require.NoError(t, err)
	assert.Equal(t, bodies["AC/DC"], out)

	out, err = runApp(t, "--root", root, "stats")
	require.NoError(t, err)
	assert.True(t, strings.Contains(out, `"generation"`), out)
	assert.Contains(t, out, `"entries": 7`)
}

func TestLookupMissing(t *testing.T) {
	root := t.TempDir()
	querytest.BuildTree(t, root, querytest.Pages)

	_, err := runApp(t, "--root", root, "lookup", "Atlantis")
	var exit cli.ExitCoder
	require.ErrorAs(t, err, &exit)
	assert.Equal(t, exitNotFound, exit.ExitCode())

	_, err = runApp(t, "--root", root, "cat")
	assert.ErrorContains(t, err, "missing title")
}

func TestMissingTree(t *testing.T) {
	_, err := runApp(t, "--root", t.TempDir(), "stats")
	assert.Error(t, err)
}
