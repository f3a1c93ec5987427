package reload

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/wikidex/internal/notify"
	"github.com/Adithya-Monish-Kumar-K/wikidex/internal/query"
	"github.com/Adithya-Monish-Kumar-K/wikidex/internal/query/querytest"
	"github.com/Adithya-Monish-Kumar-K/wikidex/internal/titleindex"
	"github.com/Adithya-Monish-Kumar-K/wikidex/pkg/metrics"
)

var extraPages = append(append([]querytest.Page{}, querytest.Pages...), querytest.Page{Title: "Zanzibar", Text: "An archipelago."})

func setup(t *testing.T) (*Reloader, *query.Live, string, *metrics.Metrics) {
	t.Helper()
	root := t.TempDir()
	querytest.BuildTree(t, root, querytest.Pages)
	live, err := query.OpenLive(root, query.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { live.Close() })
	m := metrics.New(prometheus.NewRegistry())
	r := New(live, root, m)
	r.debounce = 10 * time.Millisecond
	return r, live, root, m
}

// replaceArtifact installs the artifact of another tree by rename, as a
// build does.
func replaceArtifact(t *testing.T, root string, data []byte) {
	t.Helper()
	tmp := filepath.Join(root, "incoming.tmp")
	require.NoError(t, os.WriteFile(tmp, data, 0o644))
	require.NoError(t, os.Rename(tmp, filepath.Join(root, titleindex.ArtifactName)))
}

func otherArtifact(t *testing.T) []byte {
	t.Helper()
	other := t.TempDir()
	querytest.BuildTree(t, other, extraPages)
	data, err := os.ReadFile(filepath.Join(other, titleindex.ArtifactName))
	require.NoError(t, err)
	return data
}

func TestReloadCountsOutcomes(t *testing.T) {
	r, live, root, m := setup(t)
	before := live.Generation()

	swapped, err := r.Reload(TriggerAPI)
	require.NoError(t, err)
	assert.False(t, swapped)

	replaceArtifact(t, root, otherArtifact(t))
	swapped, err = r.Reload(TriggerAPI)
	require.NoError(t, err)
	assert.True(t, swapped)
	assert.NotEqual(t, before, live.Generation())

	require.NoError(t, os.WriteFile(filepath.Join(root, titleindex.ArtifactName), []byte("garbage"), 0o644))
	_, err = r.Reload(TriggerAPI)
	require.Error(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.IndexReloadsTotal.WithLabelValues(TriggerAPI, "unchanged")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.IndexReloadsTotal.WithLabelValues(TriggerAPI, "swapped")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.IndexReloadsTotal.WithLabelValues(TriggerAPI, "failed")))
}

func TestWatchReloadsOnReplace(t *testing.T) {
	r, live, root, _ := setup(t)
	before := live.Generation()
	next := otherArtifact(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Watch(ctx) }()

	// the watcher registers asynchronously; keep replacing until it sees one
	assert.Eventually(t, func() bool {
		replaceArtifact(t, root, next)
		return live.Generation() != before
	}, 5*time.Second, 50*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestWatchMissingRoot(t *testing.T) {
	r, _, _, _ := setup(t)
	r.root = filepath.Join(t.TempDir(), "missing")
	assert.Error(t, r.Watch(context.Background()))
}

func TestHandleMessage(t *testing.T) {
	r, live, root, m := setup(t)
	before := live.Generation()
	handle := r.HandleMessage()

	other, err := json.Marshal(notify.IndexCompleteEvent{RunID: "a", Root: filepath.Join(root, "elsewhere")})
	require.NoError(t, err)
	require.NoError(t, handle(context.Background(), nil, other))
	require.NoError(t, handle(context.Background(), nil, []byte("{")))

	replaceArtifact(t, root, otherArtifact(t))
	ours, err := json.Marshal(notify.IndexCompleteEvent{RunID: "b", Root: root})
	require.NoError(t, err)
	require.NoError(t, handle(context.Background(), []byte(root), ours))

	assert.NotEqual(t, before, live.Generation())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.IndexReloadsTotal.WithLabelValues(TriggerKafka, "swapped")))
}
