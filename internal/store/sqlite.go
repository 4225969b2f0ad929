package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when an event id does not exist in the store.
var ErrNotFound = errors.New("event not found")

// TimeLayout is the stored timestamp format: UTC, no zone marker, so that
// lexicographic comparison on the TEXT column orders events chronologically.
const TimeLayout = "2006-01-02T15:04:05.000000"

// FormatTime renders t in the store's timestamp representation.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// Store is the SQLite-backed event store. Writes are serialized through a
// store-level mutex; reads go straight to the database.
type Store struct {
	db   *sql.DB
	mu   sync.Mutex
	caps Capabilities
}

// Capabilities records which optional columns the opened database carries.
// Databases created by older versions may lack the attack_type and
// coordinate columns; queries degrade instead of failing when they do.
type Capabilities struct {
	HasAttackType  bool
	HasCoordinates bool
}

// Event is one captured interaction with the decoy endpoint.
type Event struct {
	ID             string            `json:"id"`
	Timestamp      string            `json:"timestamp"`
	ClientIP       string            `json:"client_ip"`
	Method         string            `json:"method"`
	Endpoint       string            `json:"endpoint"`
	Headers        map[string]string `json:"headers,omitempty"`
	QueryParams    map[string]string `json:"query_params,omitempty"`
	Cookies        map[string]string `json:"cookies,omitempty"`
	FormData       map[string]string `json:"form_data,omitempty"`
	UserAgent      string            `json:"user_agent"`
	RawBodyPreview string            `json:"raw_body_preview,omitempty"`
	Country        string            `json:"country"`
	Region         string            `json:"region"`
	City           string            `json:"city"`
	ISP            string            `json:"isp"`
	Latitude       float64           `json:"latitude"`
	Longitude      float64           `json:"longitude"`
	AttackType     string            `json:"attack_type"`
	Enriched       bool              `json:"enriched"`
}

// Enrichment carries the geolocation fields written back onto an event once
// the asynchronous lookup completes.
type Enrichment struct {
	Country   string  `json:"country"`
	Region    string  `json:"region"`
	City      string  `json:"city"`
	ISP       string  `json:"isp"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// NewStore opens (creating if needed) the SQLite database at dbPath and
// brings the schema up to date.
func NewStore(dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "" && dir != "." && dbPath != ":memory:" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory %s: %w", dir, err)
		}
	}

	db, err := sql.Open(sqliteDriver, dbPath+"?_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}

	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Caps reports the schema capabilities detected at open time.
func (s *Store) Caps() Capabilities {
	return s.caps
}

// migrate creates the base schema, adds columns older databases are missing,
// and computes the capability flags exposed to the query side.
func (s *Store) migrate() error {
	base := []string{
		`CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			timestamp TEXT NOT NULL,
			client_ip TEXT NOT NULL,
			method TEXT,
			endpoint TEXT,
			headers TEXT,
			query_params TEXT,
			cookies TEXT,
			form_data TEXT,
			user_agent TEXT,
			raw_body_preview TEXT,
			raw_json TEXT,
			country TEXT DEFAULT 'Unknown',
			region TEXT DEFAULT 'Unknown',
			city TEXT DEFAULT 'Unknown',
			isp TEXT DEFAULT 'Unknown',
			latitude REAL DEFAULT 0,
			longitude REAL DEFAULT 0,
			attack_type TEXT DEFAULT 'login_attempt',
			enriched INTEGER DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_events_client_ip ON events(client_ip)`,
	}

	for _, m := range base {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("failed to execute migration: %w", err)
		}
	}

	// Databases created before geolocation and classification shipped lack
	// these columns. ALTER TABLE fails on read-only files; that is fine, the
	// capability flags computed below keep queries working either way.
	optional := []struct {
		column string
		ddl    string
	}{
		{"country", "ALTER TABLE events ADD COLUMN country TEXT DEFAULT 'Unknown'"},
		{"region", "ALTER TABLE events ADD COLUMN region TEXT DEFAULT 'Unknown'"},
		{"city", "ALTER TABLE events ADD COLUMN city TEXT DEFAULT 'Unknown'"},
		{"isp", "ALTER TABLE events ADD COLUMN isp TEXT DEFAULT 'Unknown'"},
		{"latitude", "ALTER TABLE events ADD COLUMN latitude REAL DEFAULT 0"},
		{"longitude", "ALTER TABLE events ADD COLUMN longitude REAL DEFAULT 0"},
		{"attack_type", "ALTER TABLE events ADD COLUMN attack_type TEXT DEFAULT 'login_attempt'"},
		{"enriched", "ALTER TABLE events ADD COLUMN enriched INTEGER DEFAULT 0"},
	}
	for _, opt := range optional {
		has, err := s.hasColumn(opt.column)
		if err != nil {
			return err
		}
		if !has {
			_, _ = s.db.Exec(opt.ddl)
		}
	}

	hasAttackType, err := s.hasColumn("attack_type")
	if err != nil {
		return err
	}
	hasLat, err := s.hasColumn("latitude")
	if err != nil {
		return err
	}
	hasLon, err := s.hasColumn("longitude")
	if err != nil {
		return err
	}
	s.caps = Capabilities{
		HasAttackType:  hasAttackType,
		HasCoordinates: hasLat && hasLon,
	}

	if s.caps.HasAttackType {
		_, _ = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_events_attack_type ON events(attack_type)`)
	}

	return nil
}

func (s *Store) hasColumn(name string) (bool, error) {
	var count int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM pragma_table_info('events') WHERE name = ?`, name,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check column %s: %w", name, err)
	}
	return count > 0, nil
}

// Insert upserts an event by id. A missing id or timestamp is assigned here.
// Structured fields are serialized to JSON text; re-inserting an existing id
// replaces the stored row rather than duplicating it.
func (s *Store) Insert(ctx context.Context, event *Event) (string, error) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp == "" {
		event.Timestamp = FormatTime(time.Now())
	}
	if event.Country == "" {
		event.Country = "Unknown"
	}
	if event.Region == "" {
		event.Region = "Unknown"
	}
	if event.City == "" {
		event.City = "Unknown"
	}
	if event.ISP == "" {
		event.ISP = "Unknown"
	}
	if event.AttackType == "" {
		event.AttackType = "login_attempt"
	}

	rawJSON, err := json.Marshal(event)
	if err != nil {
		return "", fmt.Errorf("failed to marshal event: %w", err)
	}

	query := `INSERT OR REPLACE INTO events (
		id, timestamp, client_ip, method, endpoint, headers, query_params,
		cookies, form_data, user_agent, raw_body_preview, raw_json,
		country, region, city, isp, latitude, longitude, attack_type, enriched
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.ExecContext(ctx, query,
		event.ID, event.Timestamp, event.ClientIP, event.Method, event.Endpoint,
		safeJSON(event.Headers), safeJSON(event.QueryParams),
		safeJSON(event.Cookies), safeJSON(event.FormData),
		event.UserAgent, event.RawBodyPreview, string(rawJSON),
		event.Country, event.Region, event.City, event.ISP,
		event.Latitude, event.Longitude, event.AttackType, boolInt(event.Enriched),
	)
	if err != nil {
		return "", fmt.Errorf("failed to insert event: %w", err)
	}

	return event.ID, nil
}

// UpdateEnrichment writes geolocation fields onto an existing event and
// marks it enriched. Unknown ids are a no-op.
func (s *Store) UpdateEnrichment(ctx context.Context, id string, enr Enrichment) error {
	query := `UPDATE events SET
		country = ?, region = ?, city = ?, isp = ?,
		latitude = ?, longitude = ?, enriched = 1
		WHERE id = ?`

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, query,
		enr.Country, enr.Region, enr.City, enr.ISP,
		enr.Latitude, enr.Longitude, id,
	)
	if err != nil {
		return fmt.Errorf("failed to update enrichment for event %s: %w", id, err)
	}
	return nil
}

// Get returns the event with the given id, or ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (*Event, error) {
	rows, err := s.db.QueryContext(ctx, s.selectColumns()+` FROM events WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query event %s: %w", id, err)
	}
	defer rows.Close()

	events, err := scanEvents(rows)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, ErrNotFound
	}
	return &events[0], nil
}

// selectColumns builds the event projection, substituting literals for
// columns the opened schema does not have so legacy databases still read.
func (s *Store) selectColumns() string {
	coords := "latitude, longitude"
	if !s.caps.HasCoordinates {
		coords = "0 AS latitude, 0 AS longitude"
	}
	attackType := "attack_type"
	if !s.caps.HasAttackType {
		attackType = "'unknown' AS attack_type"
	}
	return `SELECT id, timestamp, client_ip, method, endpoint,
	headers, query_params, cookies, form_data, user_agent, raw_body_preview,
	country, region, city, isp, ` + coords + `, ` + attackType + `, enriched`
}

func scanEvents(rows *sql.Rows) ([]Event, error) {
	var events []Event
	for rows.Next() {
		var (
			event                                    Event
			method, endpoint, userAgent, bodyPreview sql.NullString
			headers, queryParams, cookies, formData  sql.NullString
			country, region, city, isp, attackType   sql.NullString
			lat, lon                                 sql.NullFloat64
			enriched                                 sql.NullInt64
		)
		err := rows.Scan(&event.ID, &event.Timestamp, &event.ClientIP,
			&method, &endpoint, &headers, &queryParams, &cookies, &formData,
			&userAgent, &bodyPreview, &country, &region, &city, &isp,
			&lat, &lon, &attackType, &enriched)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}

		event.Method = method.String
		event.Endpoint = endpoint.String
		event.UserAgent = userAgent.String
		event.RawBodyPreview = bodyPreview.String
		event.Headers = parseJSONMap(headers.String)
		event.QueryParams = parseJSONMap(queryParams.String)
		event.Cookies = parseJSONMap(cookies.String)
		event.FormData = parseJSONMap(formData.String)
		event.Country = country.String
		event.Region = region.String
		event.City = city.String
		event.ISP = isp.String
		event.Latitude = lat.Float64
		event.Longitude = lon.Float64
		event.AttackType = attackType.String
		event.Enriched = enriched.Int64 != 0

		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating event rows: %w", err)
	}
	return events, nil
}

// safeJSON serializes a map, falling back to an empty object so a bad value
// never blocks the capture path.
func safeJSON(m map[string]string) string {
	if m == nil {
		return "{}"
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func parseJSONMap(s string) map[string]string {
	if s == "" {
		return nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil
	}
	if len(m) == 0 {
		return nil
	}
	return m
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
