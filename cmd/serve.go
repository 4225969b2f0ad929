package cmd

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/webtrap/webtrap/internal/bus"
	"github.com/webtrap/webtrap/internal/capture"
	"github.com/webtrap/webtrap/internal/dashboard"
	"github.com/webtrap/webtrap/internal/decoy"
	"github.com/webtrap/webtrap/internal/geo"
	"github.com/webtrap/webtrap/internal/store"
)

var (
	decoyBind         string
	decoyRPS          int
	decoyBurst        int
	captureLog        string
	dashboardBind     string
	dashboardPassword string
	noDashboard       bool
	noGeo             bool
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the decoy, enrichment worker and operator dashboard",
	Long: `Start the Webtrap server which includes:

1. The decoy login endpoint that captures and classifies attacks
2. The geolocation enrichment worker consuming the events stream
3. The operator dashboard (events, stats, map, CSV export, live feed)

The serve command runs until interrupted (Ctrl+C). With no Redis URL
configured the components communicate over an in-process bus; with Redis
they can also be split across processes.

Examples:
  # Single process, no Redis
  webtrap serve --dashboard-password s3cret

  # Decoy only, publishing to Redis for out-of-process workers
  webtrap serve --redis redis://localhost:6379 --no-dashboard --no-geo

  # Custom bind addresses
  webtrap serve --bind 0.0.0.0:8080 --dashboard-bind 127.0.0.1:9090 --dashboard-password s3cret`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&decoyBind, "bind", "", "Bind address for the decoy endpoint")
	serveCmd.Flags().IntVar(&decoyRPS, "rps", 0, "Per-IP request rate limit on the decoy (0 uses config)")
	serveCmd.Flags().IntVar(&decoyBurst, "burst", 0, "Per-IP burst size for the decoy rate limiter")
	serveCmd.Flags().StringVar(&captureLog, "capture-log", "", "JSONL capture log path (empty uses config)")
	serveCmd.Flags().StringVar(&dashboardBind, "dashboard-bind", "", "Bind address for the operator dashboard")
	serveCmd.Flags().StringVar(&dashboardPassword, "dashboard-password", "", "Operator dashboard password")
	serveCmd.Flags().BoolVar(&noDashboard, "no-dashboard", false, "Run without the operator dashboard")
	serveCmd.Flags().BoolVar(&noGeo, "no-geo", false, "Run without the geolocation worker")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	config := GetConfig()
	applyServeFlags(&config)

	logger := log.New(os.Stderr, "[serve] ", log.LstdFlags)
	logger.Println("Starting Webtrap server")

	logger.Println("Initializing database...")
	resolvedDBPath := resolvePath(config.Database.Path)
	logger.Printf("Using database at %s", resolvedDBPath)
	st, err := store.NewStore(resolvedDBPath)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	defer st.Close()

	logger.Println("Connecting to event bus...")
	eventBus := bus.NewBus(config.Redis.URL, log.New(os.Stderr, "[bus] ", log.LstdFlags))
	defer eventBus.Close()

	recorder, err := capture.NewRecorder(capture.Options{
		Store:      st,
		Bus:        eventBus,
		CaptureLog: config.Decoy.CaptureLog,
		Logger:     log.New(os.Stderr, "[capture] ", log.LstdFlags),
	})
	if err != nil {
		return fmt.Errorf("failed to initialize recorder: %w", err)
	}
	defer recorder.Close()

	decoySrv, err := decoy.NewServer(decoy.Options{
		Bind:     config.Decoy.Bind,
		Recorder: recorder,
		RPS:      config.Decoy.RPS,
		Burst:    config.Decoy.Burst,
		Logger:   log.New(os.Stderr, "[decoy] ", log.LstdFlags),
	})
	if err != nil {
		return fmt.Errorf("failed to initialize decoy: %w", err)
	}
	if err := decoySrv.Start(ctx); err != nil {
		return fmt.Errorf("failed to start decoy: %w", err)
	}

	if config.Geo.Enabled {
		resolver := geo.NewResolver(geo.ResolverOptions{
			Provider: geo.NewChain(
				geo.NewIPAPIProvider("", 0),
				geo.NewIpapiCoProvider("", config.Geo.APIKey, 0),
			),
			CacheTTL: config.Geo.CacheTTL,
			Logger:   log.New(os.Stderr, "[geo] ", log.LstdFlags),
		})
		worker := geo.NewWorker(st, eventBus, resolver, "", log.New(os.Stderr, "[geo-worker] ", log.LstdFlags))
		go func() {
			if err := worker.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Printf("Geo worker stopped: %v", err)
			}
		}()
	} else {
		logger.Println("Geolocation worker disabled")
	}

	if !noDashboard {
		if config.Dashboard.Password == "" {
			return fmt.Errorf("dashboard requires a password (--dashboard-password, WEBTRAP_DASHBOARD_PASSWORD or config), or pass --no-dashboard")
		}
		dashSrv, err := dashboard.NewServer(dashboard.Options{
			Bind:     config.Dashboard.Bind,
			Password: config.Dashboard.Password,
			Store:    st,
			Bus:      eventBus,
			Logger:   log.New(os.Stderr, "[dashboard] ", log.LstdFlags),
		})
		if err != nil {
			return fmt.Errorf("failed to initialize dashboard: %w", err)
		}
		if err := dashSrv.Start(ctx); err != nil {
			return fmt.Errorf("failed to start dashboard: %w", err)
		}
	}

	// Periodically trim Redis streams so an unattended deployment does not
	// grow without bound. No-op on the local bus.
	if rb, ok := eventBus.(*bus.RedisBus); ok {
		go func() {
			ticker := time.NewTicker(10 * time.Minute)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					_ = rb.CleanupOldMessages(ctx, "events", 10000)
					_ = rb.CleanupOldMessages(ctx, "enrichments", 10000)
				}
			}
		}()
	}

	logger.Println("Webtrap running, press Ctrl+C to stop")
	<-ctx.Done()
	logger.Println("Received shutdown signal")
	logger.Println("Webtrap server stopped")
	return nil
}

// applyServeFlags lets command-line flags override config file values.
func applyServeFlags(config *Config) {
	if decoyBind != "" {
		config.Decoy.Bind = decoyBind
	}
	if decoyRPS > 0 {
		config.Decoy.RPS = decoyRPS
	}
	if decoyBurst > 0 {
		config.Decoy.Burst = decoyBurst
	}
	if captureLog != "" {
		config.Decoy.CaptureLog = captureLog
	}
	if dashboardBind != "" {
		config.Dashboard.Bind = dashboardBind
	}
	if dashboardPassword != "" {
		config.Dashboard.Password = dashboardPassword
	}
	if noGeo {
		config.Geo.Enabled = false
	}
}

// resolvePath resolves a possibly relative path against the working
// directory. Absolute paths are returned unchanged.
func resolvePath(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	wd, err := os.Getwd()
	if err != nil {
		return p
	}
	return filepath.Join(wd, strings.TrimPrefix(p, "./"))
}
