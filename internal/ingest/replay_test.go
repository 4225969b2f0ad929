package ingest

import (
	"context"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webtrap/webtrap/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.NewStore(filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testReplayer(s *store.Store, opts Options) *Replayer {
	opts.Logger = log.New(io.Discard, "", 0)
	return NewReplayer(s, nil, opts)
}

const sampleLines = `{"id":"e1","timestamp":"2025-06-01T10:00:00.000000","client_ip":"1.1.1.1","attack_type":"sql_injection"}
{"id":"e2","timestamp":"2025-06-01T11:00:00.000000","client_ip":"2.2.2.2","attack_type":"login_attempt"}
not json at all
{"id":"e3","timestamp":"2025-06-01T12:00:00.000000","client_ip":"3.3.3.3"}
`

func TestReplayFile(t *testing.T) {
	s := newTestStore(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "capture.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(sampleLines), 0644))

	rp := testReplayer(s, Options{Dir: dir})
	n, err := rp.ReplayFile(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	ingested, errs := rp.Stats()
	assert.Equal(t, 3, ingested)
	assert.Equal(t, 1, errs, "the invalid line is counted, not fatal")

	got, err := s.Get(context.Background(), "e1")
	require.NoError(t, err)
	assert.Equal(t, "sql_injection", got.AttackType)
}

func TestReplayReader(t *testing.T) {
	s := newTestStore(t)

	rp := testReplayer(s, Options{Dir: t.TempDir()})
	n, err := rp.ReplayReader(context.Background(), strings.NewReader(sampleLines))
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestReplayIdempotentByID(t *testing.T) {
	s := newTestStore(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "capture.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(sampleLines), 0644))

	rp := testReplayer(s, Options{Dir: dir})
	_, err := rp.ReplayFile(context.Background(), path)
	require.NoError(t, err)
	_, err = rp.ReplayFile(context.Background(), path)
	require.NoError(t, err)

	total, err := s.Count(context.Background(), store.Filters{})
	require.NoError(t, err)
	assert.Equal(t, 3, total, "replaying the same log twice must not duplicate")
}

func TestRunOneShotScansDirectory(t *testing.T) {
	s := newTestStore(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.jsonl"), []byte(sampleLines), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ignore.txt"), []byte("nope"), 0644))

	rp := testReplayer(s, Options{Dir: dir})
	require.NoError(t, rp.Run(context.Background()))

	total, err := s.Count(context.Background(), store.Filters{})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
}

func TestWatchTailsAppendedLines(t *testing.T) {
	s := newTestStore(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "live.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(""), 0644))

	rp := testReplayer(s, Options{Dir: dir, Watch: true, TailFromEnd: true})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- rp.Run(ctx) }()

	// Let the watcher attach before appending.
	time.Sleep(200 * time.Millisecond)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"id":"live-1","client_ip":"9.9.9.9","attack_type":"xss"}` + "\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.Eventually(t, func() bool {
		_, err := s.Get(context.Background(), "live-1")
		return err == nil
	}, 3*time.Second, 50*time.Millisecond)

	cancel()
	<-done
}
