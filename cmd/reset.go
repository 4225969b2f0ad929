package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-redis/redis/v8"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	confirmReset bool
	resetRedis   bool
	resetDB      bool
)

// resetCmd represents the reset command
var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset Redis streams and/or the event database",
	Long: `Reset command clears Redis stream data and/or the SQLite database.

By default, both are reset. You can selectively reset only Redis or only
the database using the --redis-only or --db-only flags.

WARNING: This operation is irreversible and will permanently delete all
captured events.

Examples:
  # Reset both Redis and database (requires confirmation)
  webtrap reset

  # Reset with automatic confirmation
  webtrap reset --yes

  # Reset only Redis data
  webtrap reset --redis-only

  # Reset only database
  webtrap reset --db-only`,
	RunE: runReset,
}

func init() {
	rootCmd.AddCommand(resetCmd)

	resetCmd.Flags().BoolVarP(&confirmReset, "yes", "y", false, "Automatically confirm reset operation")
	resetCmd.Flags().BoolVar(&resetRedis, "redis-only", false, "Reset only Redis data")
	resetCmd.Flags().BoolVar(&resetDB, "db-only", false, "Reset only database")
}

func runReset(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	if !resetRedis && !resetDB {
		resetRedis = true
		resetDB = true
	}

	var targets []string
	if resetRedis {
		targets = append(targets, "Redis streams")
	}
	if resetDB {
		targets = append(targets, "SQLite database")
	}

	fmt.Printf("This will permanently delete: %s\n", strings.Join(targets, " and "))

	if !confirmReset {
		fmt.Print("Are you sure you want to continue? (y/N): ")
		var response string
		fmt.Scanln(&response)
		if strings.ToLower(response) != "y" && strings.ToLower(response) != "yes" {
			fmt.Println("Reset operation cancelled.")
			return nil
		}
	}

	if resetRedis {
		if err := resetRedisData(ctx); err != nil {
			if !resetDB {
				return fmt.Errorf("failed to reset Redis data: %w", err)
			}
			fmt.Printf("Warning: Failed to reset Redis data: %v\n", err)
		} else {
			fmt.Println("Redis streams cleared")
		}
	}

	if resetDB {
		if err := resetDatabase(); err != nil {
			return fmt.Errorf("failed to reset database: %w", err)
		}
		fmt.Println("Database cleared")
	}

	fmt.Println("Reset completed")
	return nil
}

func resetRedisData(ctx context.Context) error {
	redisURL := viper.GetString("redis.url")
	if redisURL == "" {
		fmt.Println("No Redis configured, nothing to clear")
		return nil
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opts)
	defer client.Close()

	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}

	// Only our streams; the Redis instance may be shared.
	if err := client.Del(ctx, "events", "enrichments").Err(); err != nil {
		return fmt.Errorf("failed to delete streams: %w", err)
	}
	return nil
}

func resetDatabase() error {
	dbPath := resolvePath(viper.GetString("database.path"))

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		fmt.Println("No database file found, nothing to clear")
		return nil
	}

	// Remove the database along with its WAL sidecars.
	for _, suffix := range []string{"", "-wal", "-shm"} {
		path := dbPath + suffix
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove %s: %w", filepath.Base(path), err)
		}
	}
	return nil
}
