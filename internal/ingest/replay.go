// Package ingest replays capture logs into the event store. It covers two
// cases: importing a JSONL file recorded elsewhere, and tailing the live
// capture directory of another decoy process.
package ingest

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/webtrap/webtrap/internal/bus"
	"github.com/webtrap/webtrap/internal/store"
)

// Options controls replay behavior.
type Options struct {
	// Dir is the directory to scan for capture logs.
	Dir string
	// Watch keeps running after the initial pass, tailing files as the
	// producing process appends to them.
	Watch bool
	// Patterns select files within Dir, e.g. []string{"*.jsonl"}.
	Patterns []string
	// TailFromEnd skips existing content in watch mode and only ingests
	// lines appended after startup.
	TailFromEnd bool
	Logger      *log.Logger
}

// Replayer ingests capture-log events from a directory, one-shot or
// watching.
type Replayer struct {
	store *store.Store
	bus   bus.Bus
	opts  Options

	mu      sync.Mutex
	offsets map[string]int64

	ingested int
	errors   int
}

// NewReplayer constructs a replayer.
func NewReplayer(st *store.Store, b bus.Bus, opts Options) *Replayer {
	if opts.Logger == nil {
		opts.Logger = log.New(log.Writer(), "[ingest] ", log.LstdFlags)
	}
	if len(opts.Patterns) == 0 {
		opts.Patterns = []string{"*.jsonl"}
	}
	return &Replayer{
		store:   st,
		bus:     b,
		opts:    opts,
		offsets: make(map[string]int64),
	}
}

// Stats reports how many events were ingested and how many lines failed.
func (rp *Replayer) Stats() (ingested, errors int) {
	return rp.ingested, rp.errors
}

// Run executes the replay per options.
func (rp *Replayer) Run(ctx context.Context) error {
	if err := rp.scanOnce(ctx); err != nil {
		return err
	}

	if !rp.opts.Watch {
		rp.opts.Logger.Printf("Completed one-shot replay: ingested=%d errors=%d", rp.ingested, rp.errors)
		return nil
	}

	return rp.watchLoop(ctx)
}

// ReplayFile ingests a single JSONL file and returns the count ingested.
func (rp *Replayer) ReplayFile(ctx context.Context, path string) (int, error) {
	before := rp.ingested
	if _, err := rp.processJSONL(ctx, path, 0); err != nil {
		return rp.ingested - before, err
	}
	return rp.ingested - before, nil
}

// ReplayReader ingests JSONL lines from r, for stdin pipelines.
func (rp *Replayer) ReplayReader(ctx context.Context, r io.Reader) (int, error) {
	before := rp.ingested
	scanner := bufio.NewScanner(r)
	buf := make([]byte, 0, 1024*1024)
	scanner.Buffer(buf, 10*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := rp.processLine(ctx, []byte(line)); err != nil {
			rp.opts.Logger.Printf("parse error: %v", err)
			rp.errors++
			continue
		}
		rp.ingested++
	}
	return rp.ingested - before, scanner.Err()
}

func (rp *Replayer) matches(name string) bool {
	lower := strings.ToLower(name)
	for _, pat := range rp.opts.Patterns {
		if ok, _ := filepath.Match(strings.ToLower(pat), lower); ok {
			return true
		}
	}
	return false
}

func (rp *Replayer) scanOnce(ctx context.Context) error {
	entries, err := os.ReadDir(rp.opts.Dir)
	if err != nil {
		return fmt.Errorf("read dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !rp.matches(e.Name()) {
			continue
		}
		path := filepath.Join(rp.opts.Dir, e.Name())

		if rp.opts.Watch && rp.opts.TailFromEnd {
			if st, err := os.Stat(path); err == nil {
				rp.mu.Lock()
				rp.offsets[path] = st.Size()
				rp.mu.Unlock()
			}
			continue
		}
		newOffset, err := rp.processJSONL(ctx, path, 0)
		if err != nil {
			rp.opts.Logger.Printf("error processing %s: %v", path, err)
			rp.errors++
			continue
		}
		rp.mu.Lock()
		rp.offsets[path] = newOffset
		rp.mu.Unlock()
	}
	return nil
}

func (rp *Replayer) watchLoop(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("fsnotify: %w", err)
	}
	defer w.Close()

	if err := w.Add(rp.opts.Dir); err != nil {
		return fmt.Errorf("watch add: %w", err)
	}

	rp.opts.Logger.Printf("Watching directory: %s (patterns: %s)", rp.opts.Dir, strings.Join(rp.opts.Patterns, ","))

	for {
		select {
		case <-ctx.Done():
			rp.opts.Logger.Printf("Watch stopping: ingested=%d errors=%d", rp.ingested, rp.errors)
			return ctx.Err()
		case ev := <-w.Events:
			if !rp.matches(filepath.Base(ev.Name)) {
				continue
			}
			if (ev.Op&fsnotify.Create) != 0 || (ev.Op&fsnotify.Write) != 0 {
				rp.mu.Lock()
				offset := rp.offsets[ev.Name]
				rp.mu.Unlock()

				newOffset, err := rp.processJSONL(ctx, ev.Name, offset)
				if err != nil {
					rp.opts.Logger.Printf("error tailing %s: %v", ev.Name, err)
					rp.errors++
					continue
				}
				rp.mu.Lock()
				rp.offsets[ev.Name] = newOffset
				rp.mu.Unlock()
			}
			if (ev.Op&fsnotify.Remove) != 0 || (ev.Op&fsnotify.Rename) != 0 {
				rp.mu.Lock()
				delete(rp.offsets, ev.Name)
				rp.mu.Unlock()
			}
		case err := <-w.Errors:
			if err != nil {
				rp.opts.Logger.Printf("watch error: %v", err)
			}
		}
	}
}

func (rp *Replayer) processJSONL(ctx context.Context, path string, startOffset int64) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return startOffset, err
	}
	defer f.Close()

	if st, err := f.Stat(); err == nil {
		// A shrunk file was rotated or truncated; start over.
		if st.Size() < startOffset {
			startOffset = 0
		}
	}
	if startOffset > 0 {
		if _, err := f.Seek(startOffset, io.SeekStart); err != nil {
			return startOffset, err
		}
	}

	scanner := bufio.NewScanner(f)
	buf := make([]byte, 0, 1024*1024)
	scanner.Buffer(buf, 10*1024*1024)

	bytesRead := startOffset
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		bytesRead += int64(len(scanner.Bytes())) + 1
		if line == "" {
			continue
		}
		if err := rp.processLine(ctx, []byte(line)); err != nil {
			rp.opts.Logger.Printf("parse error in %s: %v", path, err)
			rp.errors++
			continue
		}
		rp.ingested++
	}
	if err := scanner.Err(); err != nil {
		return bytesRead, err
	}
	return bytesRead, nil
}

func (rp *Replayer) processLine(ctx context.Context, raw []byte) error {
	var event store.Event
	if err := json.Unmarshal(raw, &event); err != nil {
		return err
	}
	if event.ClientIP == "" {
		return fmt.Errorf("event missing client_ip")
	}

	id, err := rp.store.Insert(ctx, &event)
	if err != nil {
		return err
	}

	if rp.bus != nil {
		_ = rp.bus.PublishEvent(ctx, bus.EventMessage{
			EventID:    id,
			ClientIP:   event.ClientIP,
			AttackType: event.AttackType,
			RawJSON:    string(raw),
			Timestamp:  time.Now().Unix(),
		})
	}
	return nil
}
