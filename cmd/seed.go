package cmd

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/spf13/cobra"

	"github.com/webtrap/webtrap/internal/classify"
	"github.com/webtrap/webtrap/internal/store"
)

var (
	seedCount int
	seedSpan  time.Duration
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Seed sample attack events into the database",
	Long: `Seed randomly generated attack events into the SQLite database.
This is useful for exercising the dashboard locally before the decoy has
captured real traffic.`,
	RunE: runSeed,
}

func init() {
	rootCmd.AddCommand(seedCmd)

	seedCmd.Flags().IntVar(&seedCount, "count", 200, "Number of events to generate")
	seedCmd.Flags().DurationVar(&seedSpan, "span", 24*time.Hour, "Spread events over this past duration")
}

// seedCredentials lists credential pairs per technique so generated events
// classify the same way live captures would.
var seedCredentials = map[string][][2]string{
	"sql_injection": {
		{"admin' OR '1'='1", "x"},
		{"root", "1' UNION SELECT password FROM users--"},
		{"admin; DROP TABLE users", "pass"},
	},
	"xss": {
		{"<script>alert(1)</script>", "test"},
		{"bob", "<img src=x onerror=alert(1)>"},
	},
	"command_injection": {
		{"admin && cat /etc/passwd", "x"},
		{"root", "$(whoami)"},
	},
	"ldap_injection": {
		{"*)(uid=*", "x"},
	},
	"admin_unlock": {
		{"admin", classify.AdminUnlockPassword},
	},
	"brute_force": {
		{"admin", "123456"},
		{"root", "password"},
		{"administrator", "qwerty"},
	},
	"login_attempt": {
		{"jsmith", "Summer2024!"},
		{"mwilson", "letmein99"},
		{"info", "changeme"},
	},
}

// seed weights skew toward plain attempts and brute force, matching what a
// decoy actually sees.
var seedWeights = []struct {
	attackType string
	weight     int
}{
	{"login_attempt", 40},
	{"brute_force", 25},
	{"sql_injection", 15},
	{"xss", 8},
	{"command_injection", 6},
	{"admin_unlock", 3},
	{"ldap_injection", 3},
}

func runSeed(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	config := GetConfig()

	logger := log.New(cmd.OutOrStdout(), "[seed] ", log.LstdFlags)
	logger.Printf("Seeding %d sample events...", seedCount)

	st, err := store.NewStore(resolvePath(config.Database.Path))
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	defer st.Close()

	faker := gofakeit.New(0)
	now := time.Now()

	for i := 0; i < seedCount; i++ {
		attackType := pickWeighted()
		creds := seedCredentials[attackType]
		cred := creds[rand.Intn(len(creds))]

		ts := now.Add(-time.Duration(rand.Int63n(int64(seedSpan))))
		lat := faker.Latitude()
		lon := faker.Longitude()

		event := &store.Event{
			Timestamp: store.FormatTime(ts),
			ClientIP:  faker.IPv4Address(),
			Method:    "POST",
			Endpoint:  "/login",
			Headers: map[string]string{
				"User-Agent":   faker.UserAgent(),
				"Content-Type": "application/x-www-form-urlencoded",
			},
			FormData: map[string]string{
				"username": cred[0],
				"password": cred[1],
			},
			UserAgent:      faker.UserAgent(),
			RawBodyPreview: fmt.Sprintf("username=%s&password=%s", cred[0], cred[1]),
			Country:        faker.Country(),
			City:           faker.City(),
			ISP:            faker.Company(),
			Latitude:       lat,
			Longitude:      lon,
			AttackType:     attackType,
			Enriched:       true,
		}

		if _, err := st.Insert(ctx, event); err != nil {
			logger.Printf("Failed to insert seed event: %v", err)
		}
	}

	logger.Println("Seeding completed")
	return nil
}

func pickWeighted() string {
	total := 0
	for _, w := range seedWeights {
		total += w.weight
	}
	n := rand.Intn(total)
	for _, w := range seedWeights {
		if n < w.weight {
			return w.attackType
		}
		n -= w.weight
	}
	return "login_attempt"
}
