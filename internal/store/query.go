package store

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"
)

// Filters narrows event queries. Zero values mean "no constraint"; all set
// fields combine with AND. Since is inclusive, Until exclusive. IP is a
// substring match, Country and AttackType are exact.
type Filters struct {
	Since      string `json:"since,omitempty"`
	Until      string `json:"until,omitempty"`
	IP         string `json:"ip,omitempty"`
	Country    string `json:"country,omitempty"`
	AttackType string `json:"type,omitempty"`

	// MatchNone makes the filter match no events at all. Used when a viewing
	// session has no login time and no explicit range: the safe answer is an
	// empty result, never the full history.
	MatchNone bool `json:"-"`
}

// where renders the filter as a SQL fragment (starting with " AND ..." or
// empty) plus its bind arguments. Filters on columns the schema lacks are
// dropped rather than failing the query.
func (f Filters) where(caps Capabilities) (string, []interface{}) {
	if f.MatchNone {
		return " AND 1 = 0", nil
	}

	clause := ""
	args := []interface{}{}

	if f.Since != "" {
		clause += " AND timestamp >= ?"
		args = append(args, f.Since)
	}
	if f.Until != "" {
		clause += " AND timestamp < ?"
		args = append(args, f.Until)
	}
	if f.IP != "" {
		clause += " AND client_ip LIKE ?"
		args = append(args, "%"+f.IP+"%")
	}
	if f.Country != "" {
		clause += " AND country = ?"
		args = append(args, f.Country)
	}
	if f.AttackType != "" && caps.HasAttackType {
		clause += " AND attack_type = ?"
		args = append(args, f.AttackType)
	}

	return clause, args
}

// timeRange keeps only the time bounds of a filter, for the aggregate
// queries that take since/until directly.
func timeRange(since, until string) Filters {
	return Filters{Since: since, Until: until}
}

// Recent returns matching events ordered newest first, id as tiebreak.
// An offset past the end of the result set yields an empty slice.
func (s *Store) Recent(ctx context.Context, limit, offset int, f Filters) ([]Event, error) {
	if limit < 0 || offset < 0 {
		return nil, fmt.Errorf("limit and offset must be non-negative (limit=%d offset=%d)", limit, offset)
	}

	clause, args := f.where(s.caps)
	query := s.selectColumns() + ` FROM events WHERE 1=1` + clause +
		` ORDER BY timestamp DESC, id DESC`
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
		if offset > 0 {
			query += " OFFSET ?"
			args = append(args, offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// Count returns the number of events matching the filters.
func (s *Store) Count(ctx context.Context, f Filters) (int, error) {
	clause, args := f.where(s.caps)
	var total int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM events WHERE 1=1`+clause, args...).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return total, nil
}

// IPStat is one row of the top-sources aggregation.
type IPStat struct {
	IP        string `json:"ip"`
	Count     int    `json:"count"`
	FirstSeen string `json:"first_seen"`
	LastSeen  string `json:"last_seen"`
}

// TopIPs returns the most active source addresses in the window, busiest first.
func (s *Store) TopIPs(ctx context.Context, limit int, since, until string) ([]IPStat, error) {
	clause, args := timeRange(since, until).where(s.caps)
	query := `SELECT client_ip, COUNT(*) AS cnt, MIN(timestamp), MAX(timestamp)
		FROM events WHERE 1=1` + clause + `
		GROUP BY client_ip ORDER BY cnt DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query top IPs: %w", err)
	}
	defer rows.Close()

	var stats []IPStat
	for rows.Next() {
		var st IPStat
		if err := rows.Scan(&st.IP, &st.Count, &st.FirstSeen, &st.LastSeen); err != nil {
			return nil, fmt.Errorf("failed to scan IP stat: %w", err)
		}
		stats = append(stats, st)
	}
	return stats, rows.Err()
}

// CountryStat is one row of the top-countries aggregation.
type CountryStat struct {
	Country string `json:"country"`
	Count   int    `json:"count"`
}

// TopCountries returns event counts grouped by country, busiest first.
// Events with no country recorded are excluded.
func (s *Store) TopCountries(ctx context.Context, limit int, since, until string) ([]CountryStat, error) {
	clause, args := timeRange(since, until).where(s.caps)
	query := `SELECT country, COUNT(*) AS cnt
		FROM events WHERE country IS NOT NULL AND country != ''` + clause + `
		GROUP BY country ORDER BY cnt DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query top countries: %w", err)
	}
	defer rows.Close()

	var stats []CountryStat
	for rows.Next() {
		var st CountryStat
		if err := rows.Scan(&st.Country, &st.Count); err != nil {
			return nil, fmt.Errorf("failed to scan country stat: %w", err)
		}
		stats = append(stats, st)
	}
	return stats, rows.Err()
}

// TimeBucket is one point on the event-rate timeline.
type TimeBucket struct {
	BucketStart string `json:"bucket_start"`
	Count       int    `json:"count"`
}

// Bucket granularities map to prefix lengths of the stored ISO-8601
// timestamp: "2006-01-02" (day), "...T15" (hour), "...T15:04" (minute).
var bucketPrefixLen = map[string]int{
	"minute": 16,
	"hour":   13,
	"day":    10,
}

// StatsByTime returns event counts bucketed by truncating the timestamp
// string to the given granularity, oldest bucket first.
func (s *Store) StatsByTime(ctx context.Context, bucket, since, until string) ([]TimeBucket, error) {
	n, ok := bucketPrefixLen[bucket]
	if !ok {
		return nil, fmt.Errorf("invalid bucket %q (want minute, hour or day)", bucket)
	}

	clause, args := timeRange(since, until).where(s.caps)
	query := `SELECT substr(timestamp, 1, ` + strconv.Itoa(n) + `) AS bucket, COUNT(*)
		FROM events WHERE 1=1` + clause + `
		GROUP BY bucket ORDER BY bucket ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query time buckets: %w", err)
	}
	defer rows.Close()

	var buckets []TimeBucket
	for rows.Next() {
		var b TimeBucket
		if err := rows.Scan(&b.BucketStart, &b.Count); err != nil {
			return nil, fmt.Errorf("failed to scan time bucket: %w", err)
		}
		buckets = append(buckets, b)
	}
	return buckets, rows.Err()
}

// MapPoint is one plottable source on the attack map.
type MapPoint struct {
	IP        string  `json:"ip"`
	Country   string  `json:"country"`
	City      string  `json:"city"`
	Lat       float64 `json:"lat"`
	Lon       float64 `json:"lon"`
	FirstSeen string  `json:"first_seen"`
	LastSeen  string  `json:"last_seen"`
	Count     int     `json:"count"`
}

// MapPoints returns geolocated sources grouped by IP, busiest first.
// Sources whose coordinates are missing or exactly zero are excluded: 0/0
// is the enrichment-failure sentinel and would plot in the Atlantic.
func (s *Store) MapPoints(ctx context.Context, limit int, since string) ([]MapPoint, error) {
	if !s.caps.HasCoordinates {
		return nil, nil
	}

	clause, args := timeRange(since, "").where(s.caps)
	query := `SELECT client_ip, country, city, latitude, longitude,
		MIN(timestamp), MAX(timestamp), COUNT(*) AS cnt
		FROM events
		WHERE latitude IS NOT NULL AND longitude IS NOT NULL
		  AND NOT (latitude = 0 AND longitude = 0)` + clause + `
		GROUP BY client_ip ORDER BY cnt DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query map points: %w", err)
	}
	defer rows.Close()

	var points []MapPoint
	for rows.Next() {
		var p MapPoint
		err := rows.Scan(&p.IP, &p.Country, &p.City, &p.Lat, &p.Lon,
			&p.FirstSeen, &p.LastSeen, &p.Count)
		if err != nil {
			return nil, fmt.Errorf("failed to scan map point: %w", err)
		}
		points = append(points, p)
	}
	return points, rows.Err()
}

// TypeCount is one bar of the attack-type histogram.
type TypeCount struct {
	Type  string `json:"type"`
	Count int    `json:"count"`
}

// DashboardStats is the aggregate the operator dashboard renders.
type DashboardStats struct {
	TopIPs       []IPStat      `json:"top_ips"`
	TopCountries []CountryStat `json:"top_countries"`
	Timeline     []TimeBucket  `json:"timeline"`
	AttackTypes  []TypeCount   `json:"attack_types"`
	TotalEvents  int           `json:"total_events"`
	SinceTime    string        `json:"since_time,omitempty"`
	UntilTime    string        `json:"until_time,omitempty"`
	GeneratedAt  string        `json:"generated_at"`
}

// histogramScanLimit bounds how many recent events the attack-type tally
// walks. The histogram is computed here rather than with GROUP BY so it
// still works when the attack_type column is absent.
const histogramScanLimit = 1000

// GetDashboardStats assembles the dashboard aggregate: top sources, top
// countries, hourly timeline, attack-type histogram and a total matching
// the same filter set.
func (s *Store) GetDashboardStats(ctx context.Context, f Filters) (*DashboardStats, error) {
	topIPs, err := s.TopIPs(ctx, 10, f.Since, f.Until)
	if err != nil {
		return nil, err
	}
	topCountries, err := s.TopCountries(ctx, 10, f.Since, f.Until)
	if err != nil {
		return nil, err
	}
	timeline, err := s.StatsByTime(ctx, "hour", f.Since, f.Until)
	if err != nil {
		return nil, err
	}
	recent, err := s.Recent(ctx, histogramScanLimit, 0, f)
	if err != nil {
		return nil, err
	}
	total, err := s.Count(ctx, f)
	if err != nil {
		return nil, err
	}

	tally := make(map[string]int)
	for _, ev := range recent {
		t := ev.AttackType
		if t == "" {
			t = "unknown"
		}
		tally[t]++
	}
	types := make([]TypeCount, 0, len(tally))
	for t, c := range tally {
		types = append(types, TypeCount{Type: t, Count: c})
	}

	return &DashboardStats{
		TopIPs:       topIPs,
		TopCountries: topCountries,
		Timeline:     timeline,
		AttackTypes:  types,
		TotalEvents:  total,
		SinceTime:    f.Since,
		UntilTime:    f.Until,
		GeneratedAt:  FormatTime(time.Now()),
	}, nil
}

// exportLimit bounds CSV exports.
const exportLimit = 10000

// ExportCSV writes matching events to w as CSV, one row per event, newest
// first. encoding/csv handles quoting of delimiter-bearing values.
func (s *Store) ExportCSV(ctx context.Context, w io.Writer, f Filters) error {
	events, err := s.Recent(ctx, exportLimit, 0, f)
	if err != nil {
		return err
	}

	cw := csv.NewWriter(w)
	header := []string{
		"timestamp", "ip", "country", "city", "attack_type", "endpoint",
		"method", "username", "password", "isp", "latitude", "longitude",
	}
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("failed to write CSV header: %w", err)
	}

	for _, ev := range events {
		row := []string{
			ev.Timestamp,
			ev.ClientIP,
			ev.Country,
			ev.City,
			ev.AttackType,
			ev.Endpoint,
			ev.Method,
			ev.FormData["username"],
			ev.FormData["password"],
			ev.ISP,
			strconv.FormatFloat(ev.Latitude, 'f', -1, 64),
			strconv.FormatFloat(ev.Longitude, 'f', -1, 64),
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("failed to write CSV row: %w", err)
		}
	}

	cw.Flush()
	return cw.Error()
}
