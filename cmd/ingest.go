package cmd

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/webtrap/webtrap/internal/bus"
	"github.com/webtrap/webtrap/internal/ingest"
	"github.com/webtrap/webtrap/internal/store"
)

var (
	ingestDir   string
	ingestWatch bool
	tailFromEnd bool
)

// ingestCmd represents the ingest command
var ingestCmd = &cobra.Command{
	Use:   "ingest [file]",
	Short: "Replay capture logs into the event store",
	Long: `Replay JSONL capture logs into the SQLite event store. Events keep
their original ids, so replaying the same log twice does not duplicate.

Three modes:
1. Single file: webtrap ingest capture.jsonl
2. Stdin: cat capture.jsonl | webtrap ingest -
3. Directory watch: webtrap ingest --dir data/capture --watch

Watch mode tails files as another process appends to them, which lets a
dashboard-only deployment follow the capture log of a remote decoy synced
into a local directory.

Examples:
  # Import a capture log
  webtrap ingest data/capture/events.jsonl

  # Follow a live capture directory, skipping existing content
  webtrap ingest --dir data/capture --watch --tail-from-end`,
	Args: cobra.MaximumNArgs(1),
	RunE: runIngest,
}

func init() {
	rootCmd.AddCommand(ingestCmd)

	ingestCmd.Flags().StringVar(&ingestDir, "dir", "", "Directory of capture logs to replay")
	ingestCmd.Flags().BoolVar(&ingestWatch, "watch", false, "Keep watching the directory for appended lines")
	ingestCmd.Flags().BoolVar(&tailFromEnd, "tail-from-end", false, "In watch mode, skip existing content and only ingest new lines")
}

func runIngest(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	config := GetConfig()
	logger := log.New(os.Stderr, "[ingest] ", log.LstdFlags)

	if len(args) == 0 && ingestDir == "" {
		return fmt.Errorf("either a file argument or --dir is required")
	}

	st, err := store.NewStore(resolvePath(config.Database.Path))
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	defer st.Close()

	eventBus := bus.NewBus(config.Redis.URL, log.New(os.Stderr, "[bus] ", log.LstdFlags))
	defer eventBus.Close()

	replayer := ingest.NewReplayer(st, eventBus, ingest.Options{
		Dir:         ingestDir,
		Watch:       ingestWatch,
		TailFromEnd: tailFromEnd,
		Logger:      logger,
	})

	if len(args) == 1 {
		if args[0] == "-" {
			n, err := replayer.ReplayReader(ctx, os.Stdin)
			if err != nil {
				return fmt.Errorf("replay from stdin: %w", err)
			}
			logger.Printf("Ingested %d events from stdin", n)
			return nil
		}
		n, err := replayer.ReplayFile(ctx, args[0])
		if err != nil {
			return fmt.Errorf("replay %s: %w", args[0], err)
		}
		logger.Printf("Ingested %d events from %s", n, args[0])
		return nil
	}

	if err := replayer.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	ingested, errs := replayer.Stats()
	logger.Printf("Ingest finished: ingested=%d errors=%d", ingested, errs)
	return nil
}
